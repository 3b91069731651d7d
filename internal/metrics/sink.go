package metrics

import (
	"sync"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/workflow"
)

// Migration outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Sink records workflow events as metrics. It implements
// workflow.EventSink.
type Sink struct {
	metrics *PrometheusMetrics
	now     func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

var _ workflow.EventSink = (*Sink)(nil)

// NewSink creates a Sink that records into m.
func NewSink(m *PrometheusMetrics) *Sink {
	return &Sink{
		metrics: m,
		now:     time.Now,
		started: make(map[string]time.Time),
	}
}

// OnBackupState times backups from their first state and counts terminal
// states.
func (s *Sink) OnBackupState(siteID string, state workflow.BackupState, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == workflow.BackupCreatingDatabaseSnapshot {
		s.started[siteID] = s.now()
		return
	}
	if !state.IsTerminal() {
		return
	}

	s.metrics.RecordBackup(string(state))
	if start, ok := s.started[siteID]; ok {
		s.metrics.RecordBackupDuration(siteID, s.now().Sub(start).Seconds())
		delete(s.started, siteID)
	}
}

// OnCloneState counts terminal clone states.
func (s *Sink) OnCloneState(_ string, state workflow.CloneState, _ error) {
	if state.IsTerminal() {
		s.metrics.RecordClone(string(state))
	}
}

// OnMigrationProgress updates the progress gauge.
func (s *Sink) OnMigrationProgress(p workflow.MigrationProgress) {
	s.metrics.SetMigrationProgress(p.Fraction)
}

// OnMigrationDone counts the finished migration.
func (s *Sink) OnMigrationDone(r workflow.MigrationResult) {
	outcome := OutcomeFailed
	switch {
	case r.Success:
		outcome = OutcomeSuccess
	case r.Cancelled:
		outcome = OutcomeCancelled
	}
	s.metrics.RecordMigration(outcome, r.MigratedRepos, r.SkippedRepos, r.MigratedSnapshots, r.SkippedSnapshots)
}
