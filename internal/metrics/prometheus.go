// Package metrics exposes cloudsnap workflow metrics to Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudsnap"

// PrometheusMetrics holds the registered workflow collectors.
type PrometheusMetrics struct {
	BackupCounter      *prometheus.CounterVec
	BackupDuration     *prometheus.HistogramVec
	CloneCounter       *prometheus.CounterVec
	MigrationCounter   *prometheus.CounterVec
	MigrationRepos     *prometheus.CounterVec
	MigrationSnapshots *prometheus.CounterVec
	MigrationProgress  prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		BackupCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup runs by terminal state.",
		}, []string{"state"}),
		BackupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Backup run duration in seconds.",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"site"}),
		CloneCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clones_total",
			Help:      "Clone runs by terminal state.",
		}, []string{"state"}),
		MigrationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Migration runs by outcome.",
		}, []string{"outcome"}),
		MigrationRepos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_repos_total",
			Help:      "Repositories handled by migrations.",
		}, []string{"result"}),
		MigrationSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_snapshots_total",
			Help:      "Snapshots handled by migrations.",
		}, []string{"result"}),
		MigrationProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_progress_ratio",
			Help:      "Progress of the running migration from 0 to 1.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.BackupCounter,
		m.BackupDuration,
		m.CloneCounter,
		m.MigrationCounter,
		m.MigrationRepos,
		m.MigrationSnapshots,
		m.MigrationProgress,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// RecordBackup counts a backup that ended in state.
func (m *PrometheusMetrics) RecordBackup(state string) {
	m.BackupCounter.WithLabelValues(state).Inc()
}

// RecordBackupDuration observes a backup duration for site.
func (m *PrometheusMetrics) RecordBackupDuration(site string, seconds float64) {
	m.BackupDuration.WithLabelValues(site).Observe(seconds)
}

// RecordClone counts a clone that ended in state.
func (m *PrometheusMetrics) RecordClone(state string) {
	m.CloneCounter.WithLabelValues(state).Inc()
}

// SetMigrationProgress sets the migration progress gauge.
func (m *PrometheusMetrics) SetMigrationProgress(fraction float64) {
	m.MigrationProgress.Set(fraction)
}

// RecordMigration counts a finished migration and its repository and
// snapshot totals.
func (m *PrometheusMetrics) RecordMigration(outcome string, migratedRepos, skippedRepos, migratedSnapshots, skippedSnapshots int) {
	m.MigrationCounter.WithLabelValues(outcome).Inc()
	m.MigrationRepos.WithLabelValues("migrated").Add(float64(migratedRepos))
	m.MigrationRepos.WithLabelValues("skipped").Add(float64(skippedRepos))
	m.MigrationSnapshots.WithLabelValues("migrated").Add(float64(migratedSnapshots))
	m.MigrationSnapshots.WithLabelValues("skipped").Add(float64(skippedSnapshots))
}
