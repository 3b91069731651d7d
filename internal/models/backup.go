package models

import (
	"encoding/json"
	"time"
)

// SnapshotStatus is the lifecycle state of a BackupSnapshot.
type SnapshotStatus string

const (
	SnapshotStatusStarted  SnapshotStatus = "started"
	SnapshotStatusRunning  SnapshotStatus = "running"
	SnapshotStatusComplete SnapshotStatus = "complete"
	SnapshotStatusErrored  SnapshotStatus = "errored"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SnapshotStatus) IsTerminal() bool {
	return s == SnapshotStatusComplete || s == SnapshotStatusErrored
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic: started -> running -> complete, or -> errored.
func (s SnapshotStatus) CanTransitionTo(next SnapshotStatus) bool {
	switch s {
	case SnapshotStatusStarted:
		return next == SnapshotStatusRunning || next == SnapshotStatusErrored
	case SnapshotStatusRunning:
		return next == SnapshotStatusComplete || next == SnapshotStatusErrored
	}
	return false
}

// BackupSite maps a local site to a UUID and the encryption password used
// for all of its repositories.
type BackupSite struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	SiteID    string    `json:"site_id"`
	Name      string    `json:"name"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupRepo is one restic repository for a (BackupSite, Provider) pair.
type BackupRepo struct {
	ID           int64     `json:"id"`
	BackupSiteID int64     `json:"backup_site_id"`
	Provider     Provider  `json:"provider"`
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// SnapshotConfig is the free-form configuration stored with a snapshot.
type SnapshotConfig struct {
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// BackupSnapshot is one point-in-time backup of a repository.
type BackupSnapshot struct {
	ID        int64          `json:"id"`
	RepoID    int64          `json:"repo_id"`
	Hash      string         `json:"hash,omitempty"`
	Status    SnapshotStatus `json:"status"`
	Config    SnapshotConfig `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SnapshotPage is one page of a repository's snapshots.
type SnapshotPage struct {
	Snapshots   []*BackupSnapshot `json:"snapshots"`
	CurrentPage int               `json:"current_page"`
	LastPage    int               `json:"last_page"`
}

// SnapshotMetadata is the metadata file written next to each repository for
// every snapshot.
type SnapshotMetadata struct {
	SnapshotID  string            `json:"snapshotId"`
	SiteID      string            `json:"siteId"`
	SiteName    string            `json:"siteName"`
	SiteDomain  string            `json:"siteDomain"`
	Provider    string            `json:"provider"`
	Services    map[string]string `json:"services,omitempty"`
	AccountID   string            `json:"accountId,omitempty"`
	RepoHash    string            `json:"repoHash"`
	CreatedAt   string            `json:"createdAt"`
	Hostname    string            `json:"hostname"`
	Description string            `json:"description,omitempty"`
	Paths       []string          `json:"paths,omitempty"`
	CreatedBy   string            `json:"createdBy"`
}
