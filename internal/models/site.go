// Package models contains the data types shared by the cloudsnap workflows.
package models

// Site status values reported to the host application.
const (
	SiteStatusRunning      = "running"
	SiteStatusHalted       = "halted"
	SiteStatusExporting    = "exporting"
	SiteStatusProvisioning = "provisioning"
)

// DatabaseConfig holds the connection details of a site's database.
type DatabaseConfig struct {
	Name     string `json:"name" yaml:"name"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// Site is a local development site owned by the host application.
type Site struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Domain   string            `json:"domain" yaml:"domain"`
	Path     string            `json:"path" yaml:"path"`
	Services map[string]string `json:"services,omitempty" yaml:"services,omitempty"`
	Database DatabaseConfig    `json:"database" yaml:"database"`
	Status   string            `json:"status,omitempty" yaml:"status,omitempty"`

	// LocalBackupRepoID links the site to its remote BackupSite UUID.
	LocalBackupRepoID string `json:"local_backup_repo_id,omitempty" yaml:"local_backup_repo_id,omitempty"`
}

// HasBackupRepo reports whether the site has been linked to a BackupSite.
func (s *Site) HasBackupRepo() bool {
	return s != nil && s.LocalBackupRepoID != ""
}

// SidecarMetadata is written next to the site files so that it is captured
// inside the next snapshot.
type SidecarMetadata struct {
	SiteName   string            `json:"name"`
	SiteDomain string            `json:"domain"`
	Path       string            `json:"path,omitempty"`
	Services   map[string]string `json:"services,omitempty"`
	Database   DatabaseConfig    `json:"mysql"`
	RepoID     string            `json:"localBackupRepoID"`
}

// NewSidecarMetadata builds the sidecar for a site.
func NewSidecarMetadata(site *Site) SidecarMetadata {
	return SidecarMetadata{
		SiteName:   site.Name,
		SiteDomain: site.Domain,
		Path:       site.Path,
		Services:   site.Services,
		Database:   site.Database,
		RepoID:     site.LocalBackupRepoID,
	}
}
