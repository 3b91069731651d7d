package backends

import (
	"path"

	"github.com/MacJediWizard/cloudsnap/internal/models"
)

// DefaultDriveFolder is the top-level Drive folder holding all repositories.
// Drive has no app-scoped folder, so everything nests under this prefix.
const DefaultDriveFolder = "Local Backups"

// DriveBackend stores repositories under Folder in the user's Drive.
type DriveBackend struct {
	Folder string
}

// Provider returns models.ProviderGoogleDrive.
func (b *DriveBackend) Provider() models.Provider {
	return models.ProviderGoogleDrive
}

// RemoteName returns the rclone remote name.
func (b *DriveBackend) RemoteName() string {
	return "drive"
}

func (b *DriveBackend) folder() string {
	if b.Folder == "" {
		return DefaultDriveFolder
	}
	return b.Folder
}

// RepositoryPath returns <folder>/<repoID>.
func (b *DriveBackend) RepositoryPath(repoID string) string {
	return path.Join(b.folder(), repoID)
}

// MetadataPath returns <folder>/<repoID>/metadata/<hash>.json.
func (b *DriveBackend) MetadataPath(repoID, snapshotHash string) string {
	return path.Join(b.folder(), repoID, metadataDir, snapshotHash+".json")
}
