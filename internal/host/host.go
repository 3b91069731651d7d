// Package host defines the host application collaborators the workflows
// rely on (site registry, database, provisioning, search-replace, disk
// space and UI notifications) and provides command-line backed implementations.
package host

import (
	"context"
	"errors"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
)

// ErrSiteNotFound is returned when a site id is not registered.
var ErrSiteNotFound = errors.New("site not found")

// SiteStore is the host application's site registry.
type SiteStore interface {
	GetSite(ctx context.Context, id string) (*models.Site, error)
	ListSites(ctx context.Context) ([]*models.Site, error)
	AddSite(ctx context.Context, site *models.Site) error
	UpdateSite(ctx context.Context, site *models.Site) error
}

// Database dumps and restores a site's database.
type Database interface {
	Dump(ctx context.Context, site *models.Site, path string) error
	SQLMode(ctx context.Context, site *models.Site) (string, error)
	SetSQLMode(ctx context.Context, site *models.Site, mode string) error
	// Recreate drops and creates the site's database.
	Recreate(ctx context.Context, site *models.Site) error
	Import(ctx context.Context, site *models.Site, path string) error
	WaitReady(ctx context.Context, site *models.Site) error
}

// Provisioner prepares and restarts a site's services.
type Provisioner interface {
	Provision(ctx context.Context, site *models.Site) error
	Restart(ctx context.Context, site *models.Site) error
}

// SearchReplacer rewrites a domain throughout a site's database.
type SearchReplacer interface {
	ReplaceDomain(ctx context.Context, site *models.Site, oldDomain, newDomain string) error
}

// Notifier surfaces workflow side effects to the user.
type Notifier interface {
	SetSiteStatus(ctx context.Context, siteID, status, message string)
	SelectSite(ctx context.Context, siteID string)
	ShowError(ctx context.Context, title string, err error)
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, c process.Command) ([]byte, error)
}
