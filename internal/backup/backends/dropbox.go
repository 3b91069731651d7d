package backends

import (
	"path"

	"github.com/MacJediWizard/cloudsnap/internal/models"
)

// metadataDir is the folder inside a repository directory that holds
// snapshot metadata files. restic ignores it.
const metadataDir = "metadata"

// DropboxBackend stores repositories at the root of the app folder.
type DropboxBackend struct{}

// Provider returns models.ProviderDropbox.
func (b *DropboxBackend) Provider() models.Provider {
	return models.ProviderDropbox
}

// RemoteName returns the rclone remote name.
func (b *DropboxBackend) RemoteName() string {
	return "dropbox"
}

// RepositoryPath returns <repoID>.
func (b *DropboxBackend) RepositoryPath(repoID string) string {
	return repoID
}

// MetadataPath returns <repoID>/metadata/<hash>.json.
func (b *DropboxBackend) MetadataPath(repoID, snapshotHash string) string {
	return path.Join(repoID, metadataDir, snapshotHash+".json")
}
