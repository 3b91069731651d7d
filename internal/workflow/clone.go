package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/backup"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInsufficientSpace is returned when a clone target lacks free space.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// CloneState is a state of the clone machine.
type CloneState string

// Clone states.
const (
	CloneGettingBackupCredentials CloneState = "gettingBackupCredentials"
	CloneSetupDestinationSite     CloneState = "setupDestinationSite"
	CloneCreatingTmpDir           CloneState = "creatingTmpDir"
	CloneCloningBackup            CloneState = "cloningBackup"
	CloneMovingSiteFromTmpDir     CloneState = "movingSiteFromTmpDir"
	CloneProvisioningSite         CloneState = "provisioningSite"
	CloneRestoringDatabase        CloneState = "restoringDatabase"
	CloneSearchReplaceDomain      CloneState = "searchReplaceDomain"
	CloneFinished                 CloneState = "finished"
	CloneFailed                   CloneState = "failed"
)

// IsTerminal reports whether s ends the machine.
func (s CloneState) IsTerminal() bool {
	return s == CloneFinished || s == CloneFailed
}

type cloneEvent int

const (
	cloneDone cloneEvent = iota
	cloneError
)

func (e cloneEvent) String() string {
	if e == cloneError {
		return "error"
	}
	return "done"
}

var cloneSequence = map[CloneState]CloneState{
	CloneGettingBackupCredentials: CloneSetupDestinationSite,
	CloneSetupDestinationSite:     CloneCreatingTmpDir,
	CloneCreatingTmpDir:           CloneCloningBackup,
	CloneCloningBackup:            CloneMovingSiteFromTmpDir,
	CloneMovingSiteFromTmpDir:     CloneProvisioningSite,
	CloneProvisioningSite:         CloneRestoringDatabase,
	CloneRestoringDatabase:        CloneSearchReplaceDomain,
	CloneSearchReplaceDomain:      CloneFinished,
}

// nextCloneState is the clone transition function.
func nextCloneState(s CloneState, ev cloneEvent) CloneState {
	if ev == cloneError {
		return CloneFailed
	}
	if next, ok := cloneSequence[s]; ok {
		return next
	}
	return s
}

// CloneParams selects the snapshot to clone and the new site's name.
type CloneParams struct {
	// BaseSiteID is the site the snapshot was taken from.
	BaseSiteID string
	// RepoUUID overrides the base site's linked BackupSite UUID.
	RepoUUID     string
	Provider     models.Provider
	SnapshotHash string
	// NewSiteName defaults to the base site name.
	NewSiteName string
}

// CloneResult is the outcome of a clone run.
type CloneResult struct {
	Skipped  bool
	State    CloneState
	Site     *models.Site
	Duration time.Duration
	Err      error
}

// CloneWorkflow restores a snapshot into a newly registered site.
type CloneWorkflow struct {
	guard  *Guard
	deps   Deps
	logger zerolog.Logger
}

// NewCloneWorkflow creates a CloneWorkflow guarded by guard.
func NewCloneWorkflow(guard *Guard, deps Deps, logger zerolog.Logger) *CloneWorkflow {
	return &CloneWorkflow{
		guard:  guard,
		deps:   deps,
		logger: logger.With().Str("component", "clone_workflow").Logger(),
	}
}

type cloneRun struct {
	params         CloneParams
	baseSite       *models.Site
	repoUUID       string
	password       string
	site           *models.Site
	originalStatus string
	tmpDir         string
	err            error
}

// Run executes a clone. It never panics; failures are reported in the
// result.
func (w *CloneWorkflow) Run(ctx context.Context, params CloneParams) CloneResult {
	release, ok := w.guard.TryAcquire(KindClone, params.BaseSiteID)
	if !ok {
		current, _ := w.guard.Current()
		w.logger.Warn().
			Str("site", params.BaseSiteID).
			Str("busy_kind", current.Kind).
			Str("busy_site", current.SiteID).
			Msg("clone skipped, another backup or clone is in progress")
		return CloneResult{Skipped: true}
	}
	defer release()
	// Clones run to completion once started.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	logger := w.logger.With().
		Str("base_site", params.BaseSiteID).
		Str("snapshot", params.SnapshotHash).
		Logger()

	if !params.Provider.IsValid() {
		return CloneResult{State: CloneFailed, Err: fmt.Errorf("unsupported provider %q", params.Provider)}
	}
	if params.SnapshotHash == "" {
		return CloneResult{State: CloneFailed, Err: errors.New("snapshot hash is required")}
	}
	baseSite, err := w.deps.Sites.GetSite(ctx, params.BaseSiteID)
	if err != nil {
		return CloneResult{State: CloneFailed, Err: fmt.Errorf("load base site: %w", err)}
	}

	run := &cloneRun{params: params, baseSite: baseSite}
	sink := w.deps.sink()

	logger.Info().Msg("starting clone")
	state, err := runMachine(ctx, machine[CloneState, cloneEvent]{
		initial:  CloneGettingBackupCredentials,
		failedEv: cloneError,
		terminal: CloneState.IsTerminal,
		next:     nextCloneState,
		enter: func(ctx context.Context, s CloneState) (cloneEvent, error) {
			return cloneDone, w.enter(ctx, run, s)
		},
		observe: func(s CloneState, err error) {
			run.err = err
			logger.Debug().Str("state", string(s)).Msg("clone state")
			sink.OnCloneState(params.BaseSiteID, s, err)
		},
	})

	result := CloneResult{State: state, Site: run.site, Duration: time.Since(start), Err: err}
	if err != nil {
		logger.Error().Err(err).Msg("clone failed")
	} else {
		logger.Info().Str("site", run.site.ID).Dur("duration", result.Duration).Msg("clone finished")
	}
	return result
}

func (w *CloneWorkflow) enter(ctx context.Context, run *cloneRun, s CloneState) error {
	switch s {
	case CloneGettingBackupCredentials:
		return w.getCredentials(ctx, run)
	case CloneSetupDestinationSite:
		return w.setupDestination(ctx, run)
	case CloneCreatingTmpDir:
		if err := w.checkFreeSpace(ctx, os.TempDir(), w.deps.SitesRoot); err != nil {
			return err
		}
		dir, err := os.MkdirTemp("", "cloudsnap-clone-*")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		run.tmpDir = dir
		return nil
	case CloneCloningBackup:
		restoreSite := &models.Site{ID: run.site.ID, Name: run.site.Name, Path: run.tmpDir}
		if err := w.deps.Repo.Restore(ctx, run.params.Provider, run.repoUUID, run.password, run.params.SnapshotHash, run.tmpDir, restoreSite); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		return nil
	case CloneMovingSiteFromTmpDir:
		if err := copyTree(run.tmpDir, run.site.Path); err != nil {
			return fmt.Errorf("move site files: %w", err)
		}
		return nil
	case CloneProvisioningSite:
		if err := w.deps.Provisioner.Provision(ctx, run.site); err != nil {
			return fmt.Errorf("provision site: %w", err)
		}
		return nil
	case CloneRestoringDatabase:
		return w.restoreDatabase(ctx, run)
	case CloneSearchReplaceDomain:
		return w.searchReplace(ctx, run)
	case CloneFinished:
		w.removeTmpDir(run)
		w.deps.Notifier.SetSiteStatus(ctx, run.site.ID, models.SiteStatusRunning, "")
	case CloneFailed:
		w.fail(ctx, run, run.err)
	}
	return nil
}

func (w *CloneWorkflow) getCredentials(ctx context.Context, run *cloneRun) error {
	run.repoUUID = run.params.RepoUUID
	if run.repoUUID == "" {
		run.repoUUID = run.baseSite.LocalBackupRepoID
	}
	if run.repoUUID == "" {
		return backup.ErrNoRepoID
	}

	bs, err := w.deps.Catalog.GetBackupSite(ctx, run.repoUUID)
	if err != nil {
		return fmt.Errorf("get backup site: %w", err)
	}
	if _, err := w.deps.Catalog.GetBackupRepo(ctx, bs.UUID, run.params.Provider); err != nil {
		return fmt.Errorf("get backup repo: %w", err)
	}
	run.password = bs.Password
	return nil
}

func (w *CloneWorkflow) setupDestination(ctx context.Context, run *cloneRun) error {
	sites, err := w.deps.Sites.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}

	base := run.params.NewSiteName
	if base == "" {
		base = run.baseSite.Name
	}
	name := uniqueSiteName(base, sites, w.deps.SitesRoot)
	slug := slugify(name)

	site := &models.Site{
		ID:       uuid.NewString(),
		Name:     name,
		Domain:   slug + ".local",
		Path:     filepath.Join(w.deps.SitesRoot, slug),
		Services: maps.Clone(run.baseSite.Services),
		Database: run.baseSite.Database,
		Status:   models.SiteStatusHalted,
	}
	site.Database.Name = uniqueDatabaseName(slug, sites)
	if err := os.MkdirAll(site.Path, 0755); err != nil {
		return fmt.Errorf("create site directory: %w", err)
	}
	if err := w.deps.Sites.AddSite(ctx, site); err != nil {
		return fmt.Errorf("register site: %w", err)
	}
	run.site = site
	run.originalStatus = site.Status

	w.deps.Notifier.SelectSite(ctx, site.ID)
	w.deps.Notifier.SetSiteStatus(ctx, site.ID, models.SiteStatusProvisioning, "Restoring from Cloud Backup")
	return nil
}

// checkFreeSpace fails with ErrInsufficientSpace when any of paths has less
// than MinFreeBytes available.
func (w *CloneWorkflow) checkFreeSpace(ctx context.Context, paths ...string) error {
	if w.deps.Disk == nil || w.deps.MinFreeBytes == 0 {
		return nil
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		free, err := w.deps.Disk.FreeSpace(ctx, path)
		if err != nil {
			return fmt.Errorf("check free space: %w", err)
		}
		if free < w.deps.MinFreeBytes {
			return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrInsufficientSpace, path, free, w.deps.MinFreeBytes)
		}
	}
	return nil
}

func (w *CloneWorkflow) restoreDatabase(ctx context.Context, run *cloneRun) error {
	dump := filepath.Join(run.site.Path, DatabaseDumpName)
	if _, err := os.Stat(dump); err != nil {
		if os.IsNotExist(err) {
			w.logger.Info().Str("site", run.site.ID).Msg("snapshot has no database dump, skipping restore")
			return nil
		}
		return fmt.Errorf("stat database dump: %w", err)
	}

	mode, err := w.deps.Database.SQLMode(ctx, run.site)
	if err != nil {
		return fmt.Errorf("read sql_mode: %w", err)
	}
	if err := w.deps.Database.SetSQLMode(ctx, run.site, ""); err != nil {
		return fmt.Errorf("clear sql_mode: %w", err)
	}
	defer func() {
		if err := w.deps.Database.SetSQLMode(ctx, run.site, mode); err != nil {
			w.logger.Warn().Err(err).Str("site", run.site.ID).Msg("failed to restore sql_mode")
		}
	}()

	if err := w.deps.Database.Recreate(ctx, run.site); err != nil {
		return fmt.Errorf("recreate database: %w", err)
	}
	if err := w.deps.Database.Import(ctx, run.site, dump); err != nil {
		return fmt.Errorf("import database: %w", err)
	}
	return nil
}

func (w *CloneWorkflow) searchReplace(ctx context.Context, run *cloneRun) error {
	oldDomain := w.restoredDomain(run)

	if err := w.deps.Provisioner.Restart(ctx, run.site); err != nil {
		return fmt.Errorf("restart site: %w", err)
	}
	if err := w.deps.Database.WaitReady(ctx, run.site); err != nil {
		return fmt.Errorf("wait for database: %w", err)
	}
	if err := w.deps.SearchReplacer.ReplaceDomain(ctx, run.site, oldDomain, run.site.Domain); err != nil {
		return fmt.Errorf("replace domain: %w", err)
	}
	if err := w.deps.Provisioner.Restart(ctx, run.site); err != nil {
		return fmt.Errorf("restart site: %w", err)
	}
	return nil
}

// restoredDomain reads the domain from the restored sidecar and removes
// the sidecar. It falls back to the base site's domain.
func (w *CloneWorkflow) restoredDomain(run *cloneRun) string {
	path := filepath.Join(run.site.Path, SidecarFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug().Err(err).Msg("no restored sidecar metadata, using base site domain")
		return run.baseSite.Domain
	}
	defer os.Remove(path)

	var sidecar models.SidecarMetadata
	if err := json.Unmarshal(data, &sidecar); err != nil || sidecar.SiteDomain == "" {
		w.logger.Warn().Err(err).Msg("unreadable sidecar metadata, using base site domain")
		return run.baseSite.Domain
	}
	return sidecar.SiteDomain
}

func (w *CloneWorkflow) fail(ctx context.Context, run *cloneRun, err error) {
	if run.site != nil {
		w.deps.Notifier.SetSiteStatus(ctx, run.site.ID, run.originalStatus, "")
	}
	w.deps.Notifier.ShowError(ctx, "Cloud Backup clone failed", err)
	w.removeTmpDir(run)
}

func (w *CloneWorkflow) removeTmpDir(run *cloneRun) {
	if run.tmpDir == "" {
		return
	}
	if err := os.RemoveAll(run.tmpDir); err != nil {
		w.logger.Warn().Err(err).Str("path", run.tmpDir).Msg("failed to remove temp dir")
	}
	run.tmpDir = ""
}

// uniqueSiteName returns base, or base-N for the smallest N >= 1 such that
// neither the name nor its directory under root is taken.
func uniqueSiteName(base string, sites []*models.Site, root string) string {
	taken := make(map[string]bool, len(sites)*2)
	for _, s := range sites {
		taken[strings.ToLower(s.Name)] = true
		taken[slugify(s.Name)] = true
	}
	free := func(name string) bool {
		if taken[strings.ToLower(name)] || taken[slugify(name)] {
			return false
		}
		if root != "" {
			if _, err := os.Stat(filepath.Join(root, slugify(name))); err == nil {
				return false
			}
		}
		return true
	}

	if free(base) {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if free(candidate) {
			return candidate
		}
	}
}

// uniqueDatabaseName derives a database name from slug that no registered
// site uses.
func uniqueDatabaseName(slug string, sites []*models.Site) string {
	taken := make(map[string]bool, len(sites))
	for _, s := range sites {
		taken[strings.ToLower(s.Database.Name)] = true
	}
	base := strings.ReplaceAll(slug, "-", "_")
	name := base
	for n := 1; taken[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	return name
}

// slugify lowercases name and collapses runs of other characters to a
// single dash.
func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "site"
	}
	return slug
}
