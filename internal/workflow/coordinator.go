// Package workflow implements the backup, clone and migration orchestrators.
package workflow

import (
	"context"

	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/host"
	"github.com/rs/zerolog"
)

// File names written inside site directories.
const (
	DatabaseDumpName = "cloudsnap-database.sql"
	SidecarFileName  = ".cloudsnap-metadata.json"
)

// Deps holds the collaborators shared by all workflows.
type Deps struct {
	Catalog        catalog.Service
	Repo           RepositoryOps
	Sites          host.SiteStore
	Database       host.Database
	Provisioner    host.Provisioner
	SearchReplacer host.SearchReplacer
	Notifier       host.Notifier
	Killer         ActiveKiller
	Sink           EventSink
	// Disk is consulted before a clone writes files. Nil skips the check.
	Disk host.DiskSpace

	// SitesRoot is the parent directory for cloned sites.
	SitesRoot string
	// MinFreeBytes is the free space a clone needs in the temp dir and
	// under SitesRoot.
	MinFreeBytes uint64
	// UserDataDir holds the migration completion marker.
	UserDataDir string
	// DefaultPassword is the password migrated repositories are rekeyed to.
	DefaultPassword string
	// Version is recorded in snapshot metadata as cloudsnap@<version>.
	Version string
}

func (d *Deps) sink() EventSink {
	if d.Sink == nil {
		return NopSink{}
	}
	return d.Sink
}

// Coordinator owns the single-flight Guard shared by backup and clone and
// the migration Flag, and hands them to the workflows it creates.
type Coordinator struct {
	guard     *Guard
	flag      *Flag
	backup    *BackupWorkflow
	clone     *CloneWorkflow
	migration *MigrationWorkflow
}

// NewCoordinator creates a Coordinator and its workflows.
func NewCoordinator(deps Deps, logger zerolog.Logger) *Coordinator {
	guard := NewGuard()
	flag := &Flag{}
	return &Coordinator{
		guard:     guard,
		flag:      flag,
		backup:    NewBackupWorkflow(guard, deps, logger),
		clone:     NewCloneWorkflow(guard, deps, logger),
		migration: NewMigrationWorkflow(flag, deps, logger),
	}
}

// Backup runs a backup of one site to one provider.
func (c *Coordinator) Backup(ctx context.Context, params BackupParams) BackupResult {
	return c.backup.Run(ctx, params)
}

// Clone restores a snapshot into a new site.
func (c *Coordinator) Clone(ctx context.Context, params CloneParams) CloneResult {
	return c.clone.Run(ctx, params)
}

// Migrate runs the repository migration.
func (c *Coordinator) Migrate(ctx context.Context) MigrationResult {
	return c.migration.Run(ctx)
}

// CancelMigration cancels a running migration. It reports whether one was
// running.
func (c *Coordinator) CancelMigration() bool {
	return c.migration.Cancel()
}

// HasMigrationCompleted reports whether the migration marker exists.
func (c *Coordinator) HasMigrationCompleted() bool {
	return c.migration.HasCompleted()
}

// Busy returns the backup or clone run in progress, if any.
func (c *Coordinator) Busy() (ActiveRun, bool) {
	return c.guard.Current()
}

// MigrationRunning reports whether a migration is in progress.
func (c *Coordinator) MigrationRunning() bool {
	return c.flag.IsSet()
}
