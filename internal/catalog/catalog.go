// Package catalog defines the bookkeeping service that tracks backup sites,
// repositories, snapshots and provider credentials, and provides a SQLite
// implementation of it.
package catalog

import (
	"context"
	"errors"

	"github.com/MacJediWizard/cloudsnap/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a snapshot status update would
// move the status backwards.
var ErrInvalidTransition = errors.New("invalid snapshot status transition")

// CredentialProvider resolves rclone credentials for a provider.
type CredentialProvider interface {
	Credentials(ctx context.Context, provider models.Provider) (*models.ProviderCredentials, error)
}

// Service is the set of catalog queries and mutations the workflows use.
type Service interface {
	CredentialProvider

	// Providers returns the providers that have credentials configured.
	Providers(ctx context.Context) ([]models.Provider, error)

	GetBackupSite(ctx context.Context, uuid string) (*models.BackupSite, error)
	GetBackupSiteByID(ctx context.Context, id int64) (*models.BackupSite, error)
	CreateBackupSite(ctx context.Context, siteID, name string) (*models.BackupSite, error)

	GetBackupRepo(ctx context.Context, backupSiteUUID string, provider models.Provider) (*models.BackupRepo, error)
	CreateBackupRepo(ctx context.Context, backupSiteID int64, provider models.Provider) (*models.BackupRepo, error)
	ListBackupRepos(ctx context.Context, provider models.Provider) ([]*models.BackupRepo, error)

	CreateSnapshot(ctx context.Context, repoID int64, cfg models.SnapshotConfig) (*models.BackupSnapshot, error)
	UpdateSnapshot(ctx context.Context, id int64, status models.SnapshotStatus, hash string) error
	// ListSnapshots returns one page of a repository's snapshots. Pages
	// start at 1.
	ListSnapshots(ctx context.Context, repoID int64, page int) (*models.SnapshotPage, error)
}
