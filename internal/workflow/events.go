package workflow

import (
	"context"

	"github.com/MacJediWizard/cloudsnap/internal/backup"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/rs/zerolog"
)

// RepositoryOps is the set of repository operations the workflows drive.
// *backup.Restic implements it.
type RepositoryOps interface {
	Init(ctx context.Context, provider models.Provider, repoID, password string, site *models.Site) error
	Snapshot(ctx context.Context, site *models.Site, provider models.Provider, password string) (*backup.BackupStats, error)
	CheckExists(ctx context.Context, provider models.Provider, repoID, password string, site *models.Site) (bool, error)
	Rekey(ctx context.Context, provider models.Provider, oldPassword, newPassword, repoID string, site *models.Site) (backup.RekeyResult, error)
	WriteMetadata(ctx context.Context, provider models.Provider, repoID, snapshotHash string, metadata []byte, site *models.Site) error
	Restore(ctx context.Context, provider models.Provider, repoID, password, snapshotHash, target string, site *models.Site) error
}

// ActiveKiller kills the tracked abortable process. *process.Runner
// implements it.
type ActiveKiller interface {
	KillActive() bool
}

// EventSink receives workflow progress. Implementations must not block.
type EventSink interface {
	OnBackupState(siteID string, state BackupState, err error)
	OnCloneState(siteID string, state CloneState, err error)
	OnMigrationProgress(p MigrationProgress)
	OnMigrationDone(r MigrationResult)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnBackupState(string, BackupState, error) {}
func (NopSink) OnCloneState(string, CloneState, error)   {}
func (NopSink) OnMigrationProgress(MigrationProgress)    {}
func (NopSink) OnMigrationDone(MigrationResult)          {}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) OnBackupState(siteID string, state BackupState, err error) {
	for _, s := range m {
		s.OnBackupState(siteID, state, err)
	}
}

func (m MultiSink) OnCloneState(siteID string, state CloneState, err error) {
	for _, s := range m {
		s.OnCloneState(siteID, state, err)
	}
}

func (m MultiSink) OnMigrationProgress(p MigrationProgress) {
	for _, s := range m {
		s.OnMigrationProgress(p)
	}
}

func (m MultiSink) OnMigrationDone(r MigrationResult) {
	for _, s := range m {
		s.OnMigrationDone(r)
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "workflow_events").Logger()}
}

func (s *LogSink) OnBackupState(siteID string, state BackupState, err error) {
	s.logger.Info().Err(err).Str("site", siteID).Str("state", string(state)).Msg("backup state")
}

func (s *LogSink) OnCloneState(siteID string, state CloneState, err error) {
	s.logger.Info().Err(err).Str("site", siteID).Str("state", string(state)).Msg("clone state")
}

func (s *LogSink) OnMigrationProgress(p MigrationProgress) {
	s.logger.Info().
		Str("phase", string(p.Phase)).
		Float64("progress", p.Fraction).
		Int("migrated_repos", p.MigratedRepos).
		Int("skipped_repos", p.SkippedRepos).
		Int("migrated_snapshots", p.MigratedSnapshots).
		Int("skipped_snapshots", p.SkippedSnapshots).
		Msg(p.Message)
}

func (s *LogSink) OnMigrationDone(r MigrationResult) {
	event := s.logger.Info()
	if r.Err != nil {
		event = s.logger.Error().Err(r.Err)
	}
	event.
		Bool("success", r.Success).
		Bool("cancelled", r.Cancelled).
		Int("migrated_repos", r.MigratedRepos).
		Int("skipped_repos", r.SkippedRepos).
		Int("migrated_snapshots", r.MigratedSnapshots).
		Int("skipped_snapshots", r.SkippedSnapshots).
		Int("errors", len(r.Errors)).
		Msg("migration finished")
}
