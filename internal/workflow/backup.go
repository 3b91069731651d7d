package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/backup"
	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BackupState is a state of the backup machine.
type BackupState string

// Backup states.
const (
	BackupCreatingDatabaseSnapshot BackupState = "creatingDatabaseSnapshot"
	BackupCreatingBackupSite       BackupState = "creatingBackupSite"
	BackupCreatingBackupRepo       BackupState = "creatingBackupRepo"
	BackupInitingResticRepo        BackupState = "initingResticRepo"
	BackupCreatingSnapshot         BackupState = "creatingSnapshot"
	BackupFinished                 BackupState = "finished"
	BackupFailed                   BackupState = "failed"
)

// IsTerminal reports whether s ends the machine.
func (s BackupState) IsTerminal() bool {
	return s == BackupFinished || s == BackupFailed
}

type backupEvent int

const (
	backupDone backupEvent = iota
	backupRepoCreated
	backupError
)

func (e backupEvent) String() string {
	switch e {
	case backupDone:
		return "done"
	case backupRepoCreated:
		return "repoCreated"
	case backupError:
		return "error"
	}
	return fmt.Sprintf("backupEvent(%d)", int(e))
}

// nextBackupState is the backup transition function.
func nextBackupState(s BackupState, ev backupEvent) BackupState {
	if ev == backupError {
		return BackupFailed
	}
	switch s {
	case BackupCreatingDatabaseSnapshot:
		if ev == backupDone {
			return BackupCreatingBackupSite
		}
	case BackupCreatingBackupSite:
		if ev == backupDone {
			return BackupCreatingBackupRepo
		}
	case BackupCreatingBackupRepo:
		switch ev {
		case backupRepoCreated:
			return BackupInitingResticRepo
		case backupDone:
			return BackupCreatingSnapshot
		}
	case BackupInitingResticRepo:
		if ev == backupDone {
			return BackupCreatingSnapshot
		}
	case BackupCreatingSnapshot:
		if ev == backupDone {
			return BackupFinished
		}
	}
	return s
}

// BackupParams selects what to back up.
type BackupParams struct {
	SiteID      string
	Provider    models.Provider
	Description string
}

// BackupResult is the outcome of a backup run.
type BackupResult struct {
	// Skipped is set when another backup or clone held the guard.
	Skipped        bool
	State          BackupState
	BackupSiteUUID string
	SnapshotHash   string
	Stats          *backup.BackupStats
	Duration       time.Duration
	Err            error
}

// BackupWorkflow dumps a site's database and snapshots the site files into
// the provider repository, creating catalog records as needed.
type BackupWorkflow struct {
	guard  *Guard
	deps   Deps
	logger zerolog.Logger
}

// NewBackupWorkflow creates a BackupWorkflow guarded by guard.
func NewBackupWorkflow(guard *Guard, deps Deps, logger zerolog.Logger) *BackupWorkflow {
	return &BackupWorkflow{
		guard:  guard,
		deps:   deps,
		logger: logger.With().Str("component", "backup_workflow").Logger(),
	}
}

// backupRun is the per-run context threaded through the entry actions.
type backupRun struct {
	params     BackupParams
	site       *models.Site
	backupSite *models.BackupSite
	repo       *models.BackupRepo
	snapshot   *models.BackupSnapshot
	stats      *backup.BackupStats
}

// Run executes a backup. It never panics; failures are reported in the
// result.
func (w *BackupWorkflow) Run(ctx context.Context, params BackupParams) BackupResult {
	release, ok := w.guard.TryAcquire(KindBackup, params.SiteID)
	if !ok {
		current, _ := w.guard.Current()
		w.logger.Warn().
			Str("site", params.SiteID).
			Str("busy_kind", current.Kind).
			Str("busy_site", current.SiteID).
			Msg("backup skipped, another backup or clone is in progress")
		return BackupResult{Skipped: true}
	}
	defer release()
	// Backups run to completion once started.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	logger := w.logger.With().Str("site", params.SiteID).Str("provider", string(params.Provider)).Logger()

	if !params.Provider.IsValid() {
		return BackupResult{State: BackupFailed, Err: fmt.Errorf("unsupported provider %q", params.Provider)}
	}
	site, err := w.deps.Sites.GetSite(ctx, params.SiteID)
	if err != nil {
		return BackupResult{State: BackupFailed, Err: fmt.Errorf("load site: %w", err)}
	}

	run := &backupRun{params: params, site: site}
	sink := w.deps.sink()
	defer w.deps.Notifier.SetSiteStatus(ctx, site.ID, models.SiteStatusRunning, "")

	logger.Info().Msg("starting backup")
	state, err := runMachine(ctx, machine[BackupState, backupEvent]{
		initial:  BackupCreatingDatabaseSnapshot,
		failedEv: backupError,
		terminal: BackupState.IsTerminal,
		next:     nextBackupState,
		enter: func(ctx context.Context, s BackupState) (backupEvent, error) {
			return w.enter(ctx, run, s)
		},
		observe: func(s BackupState, err error) {
			logger.Debug().Str("state", string(s)).Msg("backup state")
			sink.OnBackupState(site.ID, s, err)
		},
	})

	result := BackupResult{State: state, Stats: run.stats, Duration: time.Since(start), Err: err}
	if run.backupSite != nil {
		result.BackupSiteUUID = run.backupSite.UUID
	}
	if run.stats != nil {
		result.SnapshotHash = run.stats.SnapshotID
	}

	if err != nil {
		logger.Error().Err(err).Msg("backup failed")
	} else {
		logger.Info().
			Str("snapshot", result.SnapshotHash).
			Dur("duration", result.Duration).
			Msg("backup finished")
	}
	return result
}

func (w *BackupWorkflow) enter(ctx context.Context, run *backupRun, s BackupState) (backupEvent, error) {
	switch s {
	case BackupCreatingDatabaseSnapshot:
		return backupDone, w.dumpDatabase(ctx, run)
	case BackupCreatingBackupSite:
		return backupDone, w.ensureBackupSite(ctx, run)
	case BackupCreatingBackupRepo:
		return w.ensureBackupRepo(ctx, run)
	case BackupInitingResticRepo:
		return backupDone, w.deps.Repo.Init(ctx, run.params.Provider, run.repo.Hash, run.backupSite.Password, run.site)
	case BackupCreatingSnapshot:
		return backupDone, w.createSnapshot(ctx, run)
	case BackupFailed:
		w.markErrored(ctx, run)
	}
	return backupDone, nil
}

func (w *BackupWorkflow) dumpDatabase(ctx context.Context, run *backupRun) error {
	w.deps.Notifier.SetSiteStatus(ctx, run.site.ID, models.SiteStatusExporting, "Exporting database")
	if run.site.Database.Name == "" {
		w.logger.Debug().Str("site", run.site.ID).Msg("site has no database, skipping dump")
		return nil
	}
	if err := w.deps.Database.Dump(ctx, run.site, filepath.Join(run.site.Path, DatabaseDumpName)); err != nil {
		return fmt.Errorf("dump database: %w", err)
	}
	return nil
}

func (w *BackupWorkflow) ensureBackupSite(ctx context.Context, run *backupRun) error {
	if run.site.HasBackupRepo() {
		bs, err := w.deps.Catalog.GetBackupSite(ctx, run.site.LocalBackupRepoID)
		if err == nil {
			run.backupSite = bs
			return nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("get backup site: %w", err)
		}
		w.logger.Warn().
			Str("site", run.site.ID).
			Str("backup_site", run.site.LocalBackupRepoID).
			Msg("linked backup site not in catalog, creating a new one")
	}

	bs, err := w.deps.Catalog.CreateBackupSite(ctx, run.site.ID, run.site.Name)
	if err != nil {
		return fmt.Errorf("create backup site: %w", err)
	}
	run.backupSite = bs

	// The stored site may carry a newer status than run.site.
	stored, err := w.deps.Sites.GetSite(ctx, run.site.ID)
	if err != nil {
		return fmt.Errorf("reload site: %w", err)
	}
	stored.LocalBackupRepoID = bs.UUID
	if err := w.deps.Sites.UpdateSite(ctx, stored); err != nil {
		return fmt.Errorf("link site to backup site: %w", err)
	}
	run.site.LocalBackupRepoID = bs.UUID
	return nil
}

func (w *BackupWorkflow) ensureBackupRepo(ctx context.Context, run *backupRun) (backupEvent, error) {
	repo, err := w.deps.Catalog.GetBackupRepo(ctx, run.backupSite.UUID, run.params.Provider)
	if err == nil {
		run.repo = repo
		return backupDone, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return backupError, fmt.Errorf("get backup repo: %w", err)
	}

	repo, err = w.deps.Catalog.CreateBackupRepo(ctx, run.backupSite.ID, run.params.Provider)
	if err != nil {
		return backupError, fmt.Errorf("create backup repo: %w", err)
	}
	run.repo = repo
	return backupRepoCreated, nil
}

func (w *BackupWorkflow) createSnapshot(ctx context.Context, run *backupRun) error {
	sidecar, err := json.MarshalIndent(models.NewSidecarMetadata(run.site), "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar metadata: %w", err)
	}

	snap, err := w.deps.Catalog.CreateSnapshot(ctx, run.repo.ID, models.SnapshotConfig{
		Description: run.params.Description,
		Metadata:    sidecar,
	})
	if err != nil {
		return fmt.Errorf("create snapshot record: %w", err)
	}
	run.snapshot = snap

	sidecarPath := filepath.Join(run.site.Path, SidecarFileName)
	defer w.removeFile(sidecarPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := os.WriteFile(sidecarPath, sidecar, 0644); err != nil {
			return fmt.Errorf("write sidecar metadata: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return w.deps.Catalog.UpdateSnapshot(gctx, snap.ID, models.SnapshotStatusRunning, "")
	})
	if err := g.Wait(); err != nil {
		return err
	}
	run.snapshot.Status = models.SnapshotStatusRunning

	stats, err := w.deps.Repo.Snapshot(ctx, run.site, run.params.Provider, run.backupSite.Password)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	run.stats = stats

	if err := w.deps.Catalog.UpdateSnapshot(ctx, snap.ID, models.SnapshotStatusComplete, stats.SnapshotID); err != nil {
		return fmt.Errorf("complete snapshot record: %w", err)
	}
	run.snapshot.Status = models.SnapshotStatusComplete
	run.snapshot.Hash = stats.SnapshotID
	return nil
}

// markErrored moves a non-terminal snapshot record to errored.
func (w *BackupWorkflow) markErrored(ctx context.Context, run *backupRun) {
	if run.snapshot == nil || run.snapshot.Status.IsTerminal() {
		return
	}
	if err := w.deps.Catalog.UpdateSnapshot(ctx, run.snapshot.ID, models.SnapshotStatusErrored, ""); err != nil {
		w.logger.Warn().Err(err).Int64("snapshot", run.snapshot.ID).Msg("failed to mark snapshot errored")
		return
	}
	run.snapshot.Status = models.SnapshotStatusErrored
}

func (w *BackupWorkflow) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn().Err(err).Str("path", path).Msg("failed to remove file")
	}
}
