// Package backends maps cloud providers onto rclone remotes that restic can
// use as a repository backend.
package backends

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/cloudsnap/internal/models"
)

// ResticConfig holds the repository address and environment for one restic
// invocation against a remote.
type ResticConfig struct {
	Repository string
	Env        map[string]string
	// Options are extra -o key=value pairs passed to restic.
	Options []string
}

// Backend is a cloud provider reached through an env-configured rclone remote.
type Backend interface {
	// Provider returns the provider this backend serves.
	Provider() models.Provider

	// RemoteName returns the rclone remote name used in paths and env keys.
	RemoteName() string

	// RepositoryPath returns the path of a repository inside the remote.
	RepositoryPath(repoID string) string

	// MetadataPath returns the path of a snapshot metadata file inside the remote.
	MetadataPath(repoID, snapshotHash string) string
}

// ForProvider returns the backend for a provider.
func ForProvider(p models.Provider) (Backend, error) {
	switch p {
	case models.ProviderDropbox:
		return &DropboxBackend{}, nil
	case models.ProviderGoogleDrive:
		return &DriveBackend{Folder: DefaultDriveFolder}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", p)
	}
}

// Env returns the RCLONE_CONFIG_<REMOTE>_* variables that configure the
// backend's remote without a config file.
func Env(b Backend, creds *models.ProviderCredentials) map[string]string {
	env := make(map[string]string)
	if creds == nil {
		return env
	}
	prefix := "RCLONE_CONFIG_" + strings.ToUpper(b.RemoteName()) + "_"

	remoteType := creds.Type
	if remoteType == "" {
		remoteType = b.Provider().RcloneName()
	}
	env[prefix+"TYPE"] = remoteType

	if creds.ClientID != "" {
		env[prefix+"CLIENT_ID"] = creds.ClientID
	}
	if creds.Token != "" {
		env[prefix+"TOKEN"] = creds.Token
	}
	if creds.AppKey != "" {
		env[prefix+"APP_KEY"] = creds.AppKey
	}
	return env
}

// RepositoryURL returns the restic --repo value delegating to rclone:
// rclone:<remote>:<path>.
func RepositoryURL(b Backend, repoID string) string {
	return fmt.Sprintf("rclone:%s:%s", b.RemoteName(), b.RepositoryPath(repoID))
}

// RemoteTarget returns an rclone remote:path target.
func RemoteTarget(b Backend, path string) string {
	return fmt.Sprintf("%s:%s", b.RemoteName(), path)
}

// ToResticConfig builds the restic configuration for a repository.
func ToResticConfig(b Backend, repoID string, creds *models.ProviderCredentials) (ResticConfig, error) {
	if repoID == "" {
		return ResticConfig{}, errors.New("repository id is required")
	}
	return ResticConfig{
		Repository: RepositoryURL(b, repoID),
		Env:        Env(b, creds),
	}, nil
}
