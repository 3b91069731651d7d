package backup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
)

var (
	// ErrRepoAlreadyExists is matched when restic init finds an existing repository.
	ErrRepoAlreadyExists = errors.New("repository already exists")

	// ErrRepoNotFound is matched when the remote repository is missing or unreachable.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrAuthExpired is matched when the provider rejected the OAuth token.
	ErrAuthExpired = errors.New("provider authorization expired")

	// ErrNoRepoID is returned when a site has no linked backup repository.
	ErrNoRepoID = errors.New("site has no backup repository id")

	// ErrNoSnapshotID is returned when backup output has no summary line.
	ErrNoSnapshotID = errors.New("no snapshot id in backup output")
)

// resticExitRepoNotFound is restic's exit code when the repository does not exist.
const resticExitRepoNotFound = 10

var (
	alreadyExistsMarkers = []string{
		"config file already exists",
		"already exists",
		"already initialized",
	}
	notFoundMarkers = []string{
		"does not exist",
		"is there a repository at",
		"directory not found",
	}
	authExpiredMarkers = []string{
		"invalid_grant",
		"expired_access_token",
		"token expired",
		"401 unauthorized",
	}
)

// CredentialError is returned when provider credentials are missing or
// rejected. The message tells the user to reconnect the provider.
type CredentialError struct {
	Provider models.Provider
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s authorization is missing or expired, reconnect %s and try again: %v",
		e.Provider.DisplayName(), e.Provider.DisplayName(), e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Classify maps a failed restic or rclone invocation to one of
// ErrRepoAlreadyExists, ErrRepoNotFound or ErrAuthExpired. The returned
// error wraps both the kind and the original error. Aborted, overflowed and
// unrecognised errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var execErr *process.ExecError
	if !errors.As(err, &execErr) || execErr.Kind != process.KindFailed {
		return err
	}

	out := strings.ToLower(execErr.Output())
	switch {
	case containsAny(out, authExpiredMarkers):
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	case execErr.ExitCode == resticExitRepoNotFound, containsAny(out, notFoundMarkers):
		return fmt.Errorf("%w: %w", ErrRepoNotFound, err)
	case containsAny(out, alreadyExistsMarkers):
		return fmt.Errorf("%w: %w", ErrRepoAlreadyExists, err)
	}
	return err
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// RekeyResult is the outcome of a successful Rekey call.
type RekeyResult int

const (
	// RekeySuccess means the new password unlocks the repository.
	RekeySuccess RekeyResult = iota
	// RekeyRepoNotFound means the remote repository does not exist.
	RekeyRepoNotFound
)

func (r RekeyResult) String() string {
	if r == RekeyRepoNotFound {
		return "repo_not_found"
	}
	return "success"
}
