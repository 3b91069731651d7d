package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/backup"
	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/rs/zerolog"
)

var (
	// ErrMigrationInProgress is returned when a migration is already running.
	ErrMigrationInProgress = errors.New("migration already in progress")

	// ErrMigrationCancelled is returned when a migration was cancelled.
	ErrMigrationCancelled = errors.New("migration cancelled")
)

// MigrationResult is the outcome of a migration run. Counts are kept when
// the run fails or is cancelled.
type MigrationResult struct {
	Success           bool
	Cancelled         bool
	MigratedRepos     int
	SkippedRepos      int
	MigratedSnapshots int
	SkippedSnapshots  int
	Errors            []string
	Duration          time.Duration
	Err               error
}

// MigrationWorkflow writes per-snapshot metadata next to every repository
// and rekeys each repository to the default password.
type MigrationWorkflow struct {
	flag   *Flag
	deps   Deps
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewMigrationWorkflow creates a MigrationWorkflow guarded by flag.
func NewMigrationWorkflow(flag *Flag, deps Deps, logger zerolog.Logger) *MigrationWorkflow {
	return &MigrationWorkflow{
		flag:   flag,
		deps:   deps,
		logger: logger.With().Str("component", "migration_workflow").Logger(),
	}
}

// migrationRepo is a fetched repository with everything needed to process
// it.
type migrationRepo struct {
	provider  models.Provider
	repo      *models.BackupRepo
	site      *models.BackupSite
	snapshots []*models.BackupSnapshot
	// localPath is the path of the matching local site, if registered.
	localPath string
}

type migrationRun struct {
	counters MigrationCounters
	result   MigrationResult
	phase    MigrationPhase
	reporter *progressReporter
	scratch  string
	hostname string
}

func (r *migrationRun) progress(phase MigrationPhase, message string) MigrationProgress {
	return MigrationProgress{
		Phase:             phase,
		Message:           message,
		MigratedRepos:     r.result.MigratedRepos,
		SkippedRepos:      r.result.SkippedRepos,
		MigratedSnapshots: r.result.MigratedSnapshots,
		SkippedSnapshots:  r.result.SkippedSnapshots,
		Errors:            append([]string(nil), r.result.Errors...),
	}
}

func (r *migrationRun) report(phase MigrationPhase, format string, args ...any) {
	r.phase = phase
	r.reporter.report(r.progress(phase, fmt.Sprintf(format, args...)), r.counters)
}

func (r *migrationRun) addError(format string, args ...any) {
	r.result.Errors = append(r.result.Errors, fmt.Sprintf(format, args...))
}

// Run executes the migration. A second concurrent call returns
// ErrMigrationInProgress in the result.
func (w *MigrationWorkflow) Run(ctx context.Context) MigrationResult {
	if !w.flag.TrySet() {
		w.logger.Warn().Msg("migration already in progress")
		return MigrationResult{Err: ErrMigrationInProgress}
	}
	defer w.flag.Clear()

	ctx, cancel := context.WithCancel(ctx)
	w.setCancel(cancel)
	defer func() {
		w.setCancel(nil)
		cancel()
	}()

	start := time.Now()
	hostname, _ := os.Hostname()
	run := &migrationRun{
		reporter: &progressReporter{sink: w.deps.sink()},
		hostname: hostname,
	}

	w.logger.Info().Msg("starting migration")
	err := w.migrate(ctx, run)

	result := run.result
	result.Duration = time.Since(start)
	switch {
	case err == nil:
		result.Success = true
		run.reporter.complete(run.progress(run.phase, "Migration complete"))
	case errors.Is(err, ErrMigrationCancelled) || ctx.Err() != nil:
		result.Cancelled = true
		result.Err = ErrMigrationCancelled
		w.logger.Warn().Msg("migration cancelled")
	default:
		result.Err = err
		w.logger.Error().Err(err).Msg("migration failed")
	}

	w.deps.sink().OnMigrationDone(result)
	return result
}

// Cancel cancels the running migration and kills its tracked process. It
// reports whether a migration was running.
func (w *MigrationWorkflow) Cancel() bool {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel == nil {
		return false
	}
	w.logger.Info().Msg("cancelling migration")
	cancel()
	if w.deps.Killer != nil {
		w.deps.Killer.KillActive()
	}
	return true
}

// HasCompleted reports whether the completion marker exists.
func (w *MigrationWorkflow) HasCompleted() bool {
	return HasMigrationCompleted(w.deps.UserDataDir)
}

func (w *MigrationWorkflow) setCancel(cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel = cancel
}

func (w *MigrationWorkflow) migrate(ctx context.Context, run *migrationRun) error {
	if w.deps.DefaultPassword == "" {
		return errors.New("migration default password is not configured")
	}

	scratch, err := os.MkdirTemp("", "cloudsnap-migration-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	run.scratch = scratch

	run.report(PhaseFetchingProviders, "Fetching providers")
	providers, err := w.deps.Catalog.Providers(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	run.counters.TotalProviders = len(providers)

	repos, err := w.fetch(ctx, run, providers)
	if err != nil {
		return err
	}
	run.counters.FetchDone = true

	w.logger.Info().
		Int("repos", run.counters.TotalRepos).
		Int("snapshots", run.counters.TotalSnapshots).
		Msg("repositories fetched")

	for _, r := range repos {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := w.processRepo(ctx, run, r); err != nil {
			return err
		}
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	return writeMigrationMarker(w.deps.UserDataDir)
}

func (w *MigrationWorkflow) fetch(ctx context.Context, run *migrationRun, providers []models.Provider) ([]migrationRepo, error) {
	var out []migrationRepo
	for _, provider := range providers {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		run.report(PhaseFetchingRepos, "Fetching %s repositories", provider.DisplayName())

		repos, err := w.deps.Catalog.ListBackupRepos(ctx, provider)
		if err != nil {
			return nil, fmt.Errorf("list %s repositories: %w", provider, err)
		}

		for _, repo := range repos {
			if err := checkCancelled(ctx); err != nil {
				return nil, err
			}

			site, err := w.deps.Catalog.GetBackupSiteByID(ctx, repo.BackupSiteID)
			if errors.Is(err, catalog.ErrNotFound) {
				w.logger.Warn().Str("repo", repo.Hash).Msg("repository has no backup site, skipping")
				run.result.SkippedRepos++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get backup site for repository %s: %w", repo.Hash, err)
			}

			snapshots, err := w.fetchSnapshots(ctx, repo)
			if err != nil {
				return nil, err
			}
			if len(snapshots) == 0 {
				w.logger.Debug().Str("repo", repo.Hash).Msg("repository has no snapshots, skipping")
				run.result.SkippedRepos++
				continue
			}

			out = append(out, migrationRepo{provider: provider, repo: repo, site: site, snapshots: snapshots})
			run.counters.TotalRepos++
			run.counters.TotalSnapshots += len(snapshots)
		}

		run.counters.FetchedProviders++
		run.report(PhaseFetchingRepos, "Fetched %s repositories", provider.DisplayName())
	}
	return out, nil
}

func (w *MigrationWorkflow) fetchSnapshots(ctx context.Context, repo *models.BackupRepo) ([]*models.BackupSnapshot, error) {
	var out []*models.BackupSnapshot
	for page := 1; ; page++ {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		p, err := w.deps.Catalog.ListSnapshots(ctx, repo.ID, page)
		if err != nil {
			return nil, fmt.Errorf("list snapshots for repository %s: %w", repo.Hash, err)
		}
		out = append(out, p.Snapshots...)
		if p.CurrentPage >= p.LastPage || len(p.Snapshots) == 0 {
			return out, nil
		}
	}
}

func (w *MigrationWorkflow) processRepo(ctx context.Context, run *migrationRun, r migrationRepo) error {
	logger := w.logger.With().Str("repo", r.repo.Hash).Str("provider", string(r.provider)).Logger()
	site := &models.Site{
		ID:                r.site.SiteID,
		Name:              r.site.Name,
		Path:              run.scratch,
		LocalBackupRepoID: r.repo.Hash,
	}
	n := len(r.snapshots)

	run.report(PhaseProcessingRepos, "Checking repository %s", r.repo.Hash)
	exists, err := w.deps.Repo.CheckExists(ctx, r.provider, r.repo.Hash, r.site.Password, site)
	if err != nil && interrupted(ctx, err) {
		return ErrMigrationCancelled
	}
	if !exists {
		if err != nil {
			run.addError("repository %s on %s could not be opened: %v", r.repo.Hash, r.provider.DisplayName(), err)
		} else {
			run.addError("repository %s on %s could not be opened", r.repo.Hash, r.provider.DisplayName())
		}
		logger.Warn().Err(err).Int("snapshots", n).Msg("repository not reachable, skipping")
		run.result.SkippedRepos++
		run.result.SkippedSnapshots += n
		run.counters.ProcessedRepos++
		run.counters.ProcessedSnapshots += n
		run.report(PhaseProcessingRepos, "Skipped repository %s", r.repo.Hash)
		return nil
	}

	accountID := w.accountID(ctx, r.provider)
	r.localPath = w.localSitePath(ctx, r.site.SiteID)

	for _, snap := range r.snapshots {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := w.writeMetadata(ctx, run, r, snap, site, accountID); err != nil {
			return err
		}
		run.counters.ProcessedSnapshots++
		run.report(PhaseWritingMetadata, "Wrote metadata for snapshot %s", snap.Hash)
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	run.report(PhaseProcessingRepos, "Rekeying repository %s", r.repo.Hash)
	res, err := w.deps.Repo.Rekey(ctx, r.provider, r.site.Password, w.deps.DefaultPassword, r.repo.Hash, site)
	if err != nil {
		if interrupted(ctx, err) {
			return ErrMigrationCancelled
		}
		return fmt.Errorf("rekey repository %s: %w", r.repo.Hash, err)
	}

	if res == backup.RekeyRepoNotFound {
		logger.Warn().Msg("repository not found during rekey, skipping")
		run.result.SkippedRepos++
	} else {
		run.result.MigratedRepos++
	}
	run.counters.ProcessedRepos++
	run.report(PhaseProcessingRepos, "Processed repository %s", r.repo.Hash)
	return nil
}

// writeMetadata uploads one snapshot's metadata. Upload failures are
// recorded and counted as skipped; only cancellation is returned.
func (w *MigrationWorkflow) writeMetadata(ctx context.Context, run *migrationRun, r migrationRepo, snap *models.BackupSnapshot, site *models.Site, accountID string) error {
	if snap.Hash == "" {
		run.result.SkippedSnapshots++
		return nil
	}

	data, err := json.Marshal(w.snapshotMetadata(run, r, snap, accountID))
	if err != nil {
		run.addError("encode metadata for snapshot %s: %v", snap.Hash, err)
		run.result.SkippedSnapshots++
		return nil
	}

	if err := w.deps.Repo.WriteMetadata(ctx, r.provider, r.repo.Hash, snap.Hash, data, site); err != nil {
		if interrupted(ctx, err) {
			return ErrMigrationCancelled
		}
		w.logger.Warn().Err(err).Str("snapshot", snap.Hash).Msg("failed to write snapshot metadata")
		run.addError("write metadata for snapshot %s: %v", snap.Hash, err)
		run.result.SkippedSnapshots++
		return nil
	}
	run.result.MigratedSnapshots++
	return nil
}

func (w *MigrationWorkflow) snapshotMetadata(run *migrationRun, r migrationRepo, snap *models.BackupSnapshot, accountID string) models.SnapshotMetadata {
	meta := models.SnapshotMetadata{
		SnapshotID:  snap.Hash,
		SiteID:      r.site.SiteID,
		SiteName:    r.site.Name,
		Provider:    r.provider.MetadataName(),
		AccountID:   accountID,
		RepoHash:    r.repo.Hash,
		CreatedAt:   snap.CreatedAt.UTC().Format(time.RFC3339),
		Hostname:    run.hostname,
		Description: snap.Config.Description,
		CreatedBy:   "cloudsnap@" + w.deps.Version,
	}

	var sidecar models.SidecarMetadata
	if len(snap.Config.Metadata) > 0 && json.Unmarshal(snap.Config.Metadata, &sidecar) == nil {
		meta.SiteDomain = sidecar.SiteDomain
		meta.Services = sidecar.Services
		if sidecar.SiteName != "" {
			meta.SiteName = sidecar.SiteName
		}
		if sidecar.Path != "" {
			meta.Paths = []string{sidecar.Path}
		}
	}
	if len(meta.Paths) == 0 && r.localPath != "" {
		meta.Paths = []string{r.localPath}
	}
	return meta
}

// localSitePath returns the path of the registered site with id, or "".
func (w *MigrationWorkflow) localSitePath(ctx context.Context, id string) string {
	if w.deps.Sites == nil || id == "" {
		return ""
	}
	site, err := w.deps.Sites.GetSite(ctx, id)
	if err != nil {
		w.logger.Debug().Err(err).Str("site", id).Msg("no local site for snapshot paths")
		return ""
	}
	return site.Path
}

// accountID returns the provider account id, or "" when it cannot be read.
func (w *MigrationWorkflow) accountID(ctx context.Context, provider models.Provider) string {
	creds, err := w.deps.Catalog.Credentials(ctx, provider)
	if err != nil {
		w.logger.Debug().Err(err).Str("provider", string(provider)).Msg("no credentials for account id")
		return ""
	}
	id, err := creds.AccountID()
	if err != nil {
		w.logger.Debug().Err(err).Str("provider", string(provider)).Msg("account id not available")
		return ""
	}
	return id
}

func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrMigrationCancelled
	}
	return nil
}

// interrupted reports whether err came from cancelling ctx or killing the
// tracked process.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || process.IsAborted(err)
}
