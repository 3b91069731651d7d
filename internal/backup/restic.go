// Package backup drives restic and rclone to create, restore and rekey
// cloud backup repositories.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/backup/backends"
	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/rs/zerolog"
)

// PasswordEnv is the variable restic's --password-command reads the
// repository password from.
const PasswordEnv = "CLOUDSNAP_RESTIC_PASSWORD"

const (
	// IgnoreFileName is the optional per-site exclude file.
	IgnoreFileName = ".cloudsnapignore"

	// DefaultExcludePattern is always excluded from snapshots.
	DefaultExcludePattern = "**/node_modules"
)

// ErrSnapshotNotFound is returned when a snapshot hash is not in the repository.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, c process.Command) ([]byte, error)
	BinDir() string
}

// Snapshot represents a restic snapshot.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags,omitempty"`
}

// BackupStats contains statistics from a backup operation.
type BackupStats struct {
	SnapshotID   string
	FilesNew     int
	FilesChanged int
	SizeBytes    int64
	Duration     time.Duration
}

// Restic runs repository operations against provider remotes.
type Restic struct {
	runner Runner
	creds  catalog.CredentialProvider
	logger zerolog.Logger

	resticBinary string
	rcloneBinary string
	goos         string
}

// Option configures Restic.
type Option func(*Restic)

// WithResticBinary overrides the restic executable.
func WithResticBinary(name string) Option {
	return func(r *Restic) { r.resticBinary = name }
}

// WithRcloneBinary overrides the rclone executable.
func WithRcloneBinary(name string) Option {
	return func(r *Restic) { r.rcloneBinary = name }
}

// WithPlatform overrides runtime.GOOS for argument construction.
func WithPlatform(goos string) Option {
	return func(r *Restic) { r.goos = goos }
}

// NewRestic creates a Restic wrapper.
func NewRestic(runner Runner, creds catalog.CredentialProvider, logger zerolog.Logger, opts ...Option) *Restic {
	r := &Restic{
		runner:       runner,
		creds:        creds,
		logger:       logger.With().Str("component", "restic").Logger(),
		resticBinary: "restic",
		rcloneBinary: "rclone",
		goos:         runtime.GOOS,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init initializes a repository. An already initialized repository is not
// an error.
func (r *Restic) Init(ctx context.Context, provider models.Provider, repoID, password string, site *models.Site) error {
	r.logger.Info().Str("provider", string(provider)).Str("repo_id", repoID).Msg("initializing repository")

	_, err := r.restic(ctx, provider, repoID, password, site, false, "init")
	if err != nil {
		if errors.Is(err, ErrRepoAlreadyExists) {
			r.logger.Warn().Str("repo_id", repoID).Msg("repository already initialized")
			return nil
		}
		return fmt.Errorf("init repository: %w", err)
	}

	r.logger.Info().Str("repo_id", repoID).Msg("repository initialized successfully")
	return nil
}

// Snapshot backs up the site directory into its repository.
func (r *Restic) Snapshot(ctx context.Context, site *models.Site, provider models.Provider, password string) (*BackupStats, error) {
	if !site.HasBackupRepo() {
		return nil, ErrNoRepoID
	}

	args := []string{"backup", ".", "--json", "--exclude", DefaultExcludePattern}
	ignoreFile := filepath.Join(site.Path, IgnoreFileName)
	if _, err := os.Stat(ignoreFile); err == nil {
		args = append(args, "--exclude-file", ignoreFile)
	}

	r.logger.Info().
		Str("site", site.ID).
		Str("provider", string(provider)).
		Str("repo_id", site.LocalBackupRepoID).
		Msg("starting backup")

	start := time.Now()
	output, err := r.restic(ctx, provider, site.LocalBackupRepoID, password, site, true, args...)
	if err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}

	stats, err := parseBackupOutput(output)
	if err != nil {
		return nil, fmt.Errorf("parse backup output: %w", err)
	}
	stats.Duration = time.Since(start)

	r.logger.Info().
		Str("snapshot_id", stats.SnapshotID).
		Int("files_new", stats.FilesNew).
		Int("files_changed", stats.FilesChanged).
		Int64("size_bytes", stats.SizeBytes).
		Dur("duration", stats.Duration).
		Msg("backup completed")

	return stats, nil
}

// CheckExists reports whether the repository can be opened with password.
// Failures other than cancellation are logged and reported as false.
func (r *Restic) CheckExists(ctx context.Context, provider models.Provider, repoID, password string, site *models.Site) (bool, error) {
	_, err := r.restic(ctx, provider, repoID, password, site, false, "snapshots", "--json", "-q")
	if err != nil {
		if process.IsAborted(err) {
			return false, err
		}
		r.logger.Debug().Err(err).Str("repo_id", repoID).Msg("repository check failed")
		return false, nil
	}
	return true, nil
}

// Rekey adds newPassword as a key of the repository, authenticating with
// oldPassword. If newPassword already unlocks the repository nothing is
// changed.
func (r *Restic) Rekey(ctx context.Context, provider models.Provider, oldPassword, newPassword, repoID string, site *models.Site) (RekeyResult, error) {
	creds, err := r.credentials(ctx, provider)
	if err != nil {
		return RekeySuccess, err
	}
	if _, err := creds.AccessToken(); err != nil {
		return RekeySuccess, &CredentialError{Provider: provider, Err: err}
	}

	ok, err := r.CheckExists(ctx, provider, repoID, newPassword, site)
	if err != nil {
		return RekeySuccess, err
	}
	if ok {
		r.logger.Debug().Str("repo_id", repoID).Msg("new password already unlocks repository")
		return RekeySuccess, nil
	}

	tmp, err := writeTempFile("cloudsnap-key-*", []byte(newPassword))
	if err != nil {
		return RekeySuccess, fmt.Errorf("write new password file: %w", err)
	}
	defer os.Remove(tmp)

	_, err = r.restic(ctx, provider, repoID, oldPassword, site, false, "key", "add", "--new-password-file", tmp)
	switch {
	case err == nil:
		r.logger.Info().Str("repo_id", repoID).Msg("repository rekeyed")
		return RekeySuccess, nil
	case process.IsAborted(err):
		return RekeySuccess, err
	case errors.Is(err, ErrRepoNotFound):
		r.logger.Warn().Str("repo_id", repoID).Msg("repository not found during rekey")
		return RekeyRepoNotFound, nil
	case errors.Is(err, ErrAuthExpired):
		return RekeySuccess, &CredentialError{Provider: provider, Err: err}
	}
	return RekeySuccess, fmt.Errorf("rekey repository: %w", err)
}

// WriteMetadata uploads a snapshot metadata file next to the repository.
func (r *Restic) WriteMetadata(ctx context.Context, provider models.Provider, repoID, snapshotHash string, metadata []byte, site *models.Site) error {
	backend, err := backends.ForProvider(provider)
	if err != nil {
		return err
	}
	creds, err := r.credentials(ctx, provider)
	if err != nil {
		return err
	}

	tmp, err := writeTempFile("cloudsnap-metadata-*.json", metadata)
	if err != nil {
		return fmt.Errorf("write metadata file: %w", err)
	}
	defer os.Remove(tmp)

	target := backends.RemoteTarget(backend, backend.MetadataPath(repoID, snapshotHash))
	_, err = r.runner.Run(ctx, process.Command{
		Name: r.rcloneBinary,
		Args: []string{"copyto", tmp, target},
		Dir:  workDir(site),
		Env:  backends.Env(backend, creds),
	})
	if err != nil {
		return fmt.Errorf("write metadata: %w", Classify(err))
	}

	r.logger.Debug().Str("target", target).Msg("metadata written")
	return nil
}

// ListSnapshots lists the snapshots in a repository, optionally restricted
// to the given ids.
func (r *Restic) ListSnapshots(ctx context.Context, provider models.Provider, repoID, password string, site *models.Site, ids ...string) ([]Snapshot, error) {
	args := append([]string{"snapshots", "--json"}, ids...)
	output, err := r.restic(ctx, provider, repoID, password, site, false, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(bytes.TrimSpace(output), &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}
	return snapshots, nil
}

// Restore restores a snapshot into target so that the snapshot's root
// directory becomes target.
func (r *Restic) Restore(ctx context.Context, provider models.Provider, repoID, password, snapshotHash, target string, site *models.Site) error {
	snapshots, err := r.ListSnapshots(ctx, provider, repoID, password, site, snapshotHash)
	if err != nil {
		return err
	}
	var snap *Snapshot
	for i := range snapshots {
		if strings.HasPrefix(snapshots[i].ID, snapshotHash) || snapshots[i].ShortID == snapshotHash {
			snap = &snapshots[i]
			break
		}
	}
	if snap == nil {
		return ErrSnapshotNotFound
	}

	source := snapshotHash
	if len(snap.Paths) > 0 {
		source = snapshotHash + ":" + snapshotPath(snap.Paths[0])
	}

	r.logger.Info().
		Str("snapshot_id", snapshotHash).
		Str("source", source).
		Str("target", target).
		Msg("restoring snapshot")

	if _, err := r.restic(ctx, provider, repoID, password, site, false, "restore", source, "--target", target); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	r.logger.Info().Str("snapshot_id", snapshotHash).Msg("restore completed")
	return nil
}

// restic runs one restic subcommand against the repository and classifies
// any failure.
func (r *Restic) restic(ctx context.Context, provider models.Provider, repoID, password string, site *models.Site, abortable bool, args ...string) ([]byte, error) {
	backend, err := backends.ForProvider(provider)
	if err != nil {
		return nil, err
	}
	creds, err := r.credentials(ctx, provider)
	if err != nil {
		return nil, err
	}

	cfg, err := backends.ToResticConfig(backend, repoID, creds)
	if err != nil {
		return nil, err
	}
	cfg.Env[PasswordEnv] = password
	if opt := backends.RcloneProgramOption(r.goos, workDir(site), r.rclonePath()); opt != "" {
		cfg.Options = append(cfg.Options, opt)
	}

	output, err := r.runner.Run(ctx, process.Command{
		Name:      r.resticBinary,
		Args:      append(r.globalArgs(cfg), args...),
		Dir:       workDir(site),
		Env:       cfg.Env,
		Abortable: abortable,
	})
	if err != nil {
		return nil, Classify(err)
	}
	return output, nil
}

func (r *Restic) globalArgs(cfg backends.ResticConfig) []string {
	args := []string{"--repo", cfg.Repository, "--password-command", r.passwordCommand()}
	for _, opt := range cfg.Options {
		args = append(args, "-o", opt)
	}
	return args
}

func (r *Restic) passwordCommand() string {
	if r.goos == "windows" {
		return "cmd /C echo %" + PasswordEnv + "%"
	}
	return "printenv " + PasswordEnv
}

// rclonePath returns the rclone executable as an absolute path when it
// lives in the bin directory.
func (r *Restic) rclonePath() string {
	name := r.rcloneBinary
	if strings.ContainsAny(name, `/\`) {
		return name
	}
	binDir := r.runner.BinDir()
	if binDir == "" {
		return ""
	}
	if r.goos == "windows" && filepath.Ext(name) == "" {
		name += ".exe"
	}
	return strings.TrimRight(binDir, `/\`) + string(separator(r.goos)) + name
}

func (r *Restic) credentials(ctx context.Context, provider models.Provider) (*models.ProviderCredentials, error) {
	creds, err := r.creds.Credentials(ctx, provider)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &CredentialError{Provider: provider, Err: err}
		}
		return nil, fmt.Errorf("resolve %s credentials: %w", provider, err)
	}
	return creds, nil
}

func separator(goos string) rune {
	if goos == "windows" {
		return '\\'
	}
	return '/'
}

// workDir is the site directory, or a scratch directory for operations
// without a site.
func workDir(site *models.Site) string {
	if site == nil || site.Path == "" {
		return os.TempDir()
	}
	return site.Path
}

// snapshotPath converts a snapshot path to restic's slash form. Windows
// paths like C:\Users\x are stored as /C/Users/x.
func snapshotPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if len(p) >= 2 && p[1] == ':' {
		p = "/" + p[:1] + p[2:]
	}
	return path.Clean(p)
}

// writeTempFile writes data to a new 0600 file in the temp directory.
func writeTempFile(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// backupSummary represents the summary line of restic backup --json.
type backupSummary struct {
	MessageType     string `json:"message_type"`
	SnapshotID      string `json:"snapshot_id"`
	FilesNew        int    `json:"files_new"`
	FilesChanged    int    `json:"files_changed"`
	FilesUnmodified int    `json:"files_unmodified"`
	DataAdded       int64  `json:"data_added"`
}

// ParseSnapshotID returns the snapshot_id of the summary line in restic
// backup --json output. Other lines, including ones that mention
// snapshot_id, are ignored.
func ParseSnapshotID(output []byte) (string, error) {
	stats, err := parseBackupOutput(output)
	if err != nil {
		return "", err
	}
	return stats.SnapshotID, nil
}

// parseBackupOutput parses the JSON lines output from restic backup.
func parseBackupOutput(output []byte) (*BackupStats, error) {
	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var summary backupSummary
		if err := json.Unmarshal(line, &summary); err != nil {
			continue
		}
		if summary.MessageType != "summary" || summary.SnapshotID == "" {
			continue
		}
		return &BackupStats{
			SnapshotID:   summary.SnapshotID,
			FilesNew:     summary.FilesNew,
			FilesChanged: summary.FilesChanged,
			SizeBytes:    summary.DataAdded,
		}, nil
	}
	return nil, ErrNoSnapshotID
}
