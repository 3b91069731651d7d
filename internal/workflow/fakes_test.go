package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/backup"
	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/host"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/rs/zerolog"
)

// fakeCatalog is an in-memory catalog.Service.
type fakeCatalog struct {
	mu          sync.Mutex
	sites       []*models.BackupSite
	repos       []*models.BackupRepo
	snapshots   []*models.BackupSnapshot
	creds       map[models.Provider]*models.ProviderCredentials
	transitions map[int64][]models.SnapshotStatus
	pageSize    int

	createSiteCalls int
	createRepoCalls int
	updateErr       error
}

var _ catalog.Service = (*fakeCatalog)(nil)

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		creds:       make(map[models.Provider]*models.ProviderCredentials),
		transitions: make(map[int64][]models.SnapshotStatus),
		pageSize:    2,
	}
}

func (c *fakeCatalog) Credentials(_ context.Context, p models.Provider) (*models.ProviderCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, ok := c.creds[p]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return creds, nil
}

func (c *fakeCatalog) Providers(context.Context) ([]models.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Provider
	for _, p := range models.Providers() {
		if _, ok := c.creds[p]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetBackupSite(_ context.Context, uuid string) (*models.BackupSite, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sites {
		if s.UUID == uuid {
			return s, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (c *fakeCatalog) GetBackupSiteByID(_ context.Context, id int64) (*models.BackupSite, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sites {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (c *fakeCatalog) CreateBackupSite(_ context.Context, siteID, name string) (*models.BackupSite, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createSiteCalls++
	return c.addSiteLocked(siteID, name, fmt.Sprintf("uuid-%d", len(c.sites)+1), "site-password"), nil
}

func (c *fakeCatalog) addSiteLocked(siteID, name, uuid, password string) *models.BackupSite {
	s := &models.BackupSite{
		ID:        int64(len(c.sites) + 1),
		UUID:      uuid,
		SiteID:    siteID,
		Name:      name,
		Password:  password,
		CreatedAt: time.Now(),
	}
	c.sites = append(c.sites, s)
	return s
}

func (c *fakeCatalog) addSite(siteID, name, uuid, password string) *models.BackupSite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addSiteLocked(siteID, name, uuid, password)
}

func (c *fakeCatalog) GetBackupRepo(_ context.Context, uuid string, p models.Provider) (*models.BackupRepo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sites {
		if s.UUID != uuid {
			continue
		}
		for _, r := range c.repos {
			if r.BackupSiteID == s.ID && r.Provider == p {
				return r, nil
			}
		}
	}
	return nil, catalog.ErrNotFound
}

func (c *fakeCatalog) CreateBackupRepo(_ context.Context, backupSiteID int64, p models.Provider) (*models.BackupRepo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createRepoCalls++
	for _, s := range c.sites {
		if s.ID == backupSiteID {
			return c.addRepoLocked(s, p), nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (c *fakeCatalog) addRepoLocked(s *models.BackupSite, p models.Provider) *models.BackupRepo {
	r := &models.BackupRepo{
		ID:           int64(len(c.repos) + 1),
		BackupSiteID: s.ID,
		Provider:     p,
		Hash:         s.UUID,
		CreatedAt:    time.Now(),
	}
	c.repos = append(c.repos, r)
	return r
}

func (c *fakeCatalog) addRepo(s *models.BackupSite, p models.Provider) *models.BackupRepo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRepoLocked(s, p)
}

// addOrphanRepo adds a repository whose backup site is missing.
func (c *fakeCatalog) addOrphanRepo(p models.Provider, hash string) *models.BackupRepo {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &models.BackupRepo{ID: int64(len(c.repos) + 1), BackupSiteID: 999, Provider: p, Hash: hash}
	c.repos = append(c.repos, r)
	return r
}

func (c *fakeCatalog) ListBackupRepos(_ context.Context, p models.Provider) ([]*models.BackupRepo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.BackupRepo
	for _, r := range c.repos {
		if r.Provider == p {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *fakeCatalog) CreateSnapshot(_ context.Context, repoID int64, cfg models.SnapshotConfig) (*models.BackupSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.addSnapshotLocked(repoID, "", models.SnapshotStatusStarted)
	s.Config = cfg
	return &models.BackupSnapshot{ID: s.ID, RepoID: repoID, Status: s.Status, Config: cfg}, nil
}

func (c *fakeCatalog) addSnapshotLocked(repoID int64, hash string, status models.SnapshotStatus) *models.BackupSnapshot {
	s := &models.BackupSnapshot{
		ID:        int64(len(c.snapshots) + 1),
		RepoID:    repoID,
		Hash:      hash,
		Status:    status,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, len(c.snapshots), 0, time.UTC),
	}
	c.snapshots = append(c.snapshots, s)
	c.transitions[s.ID] = append(c.transitions[s.ID], status)
	return s
}

func (c *fakeCatalog) addSnapshot(repo *models.BackupRepo, hash string) *models.BackupSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addSnapshotLocked(repo.ID, hash, models.SnapshotStatusComplete)
}

func (c *fakeCatalog) UpdateSnapshot(_ context.Context, id int64, status models.SnapshotStatus, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil && status == models.SnapshotStatusRunning {
		return c.updateErr
	}
	for _, s := range c.snapshots {
		if s.ID != id {
			continue
		}
		if !s.Status.CanTransitionTo(status) {
			return catalog.ErrInvalidTransition
		}
		s.Status = status
		if hash != "" {
			s.Hash = hash
		}
		c.transitions[id] = append(c.transitions[id], status)
		return nil
	}
	return catalog.ErrNotFound
}

func (c *fakeCatalog) ListSnapshots(_ context.Context, repoID int64, page int) (*models.SnapshotPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []*models.BackupSnapshot
	for _, s := range c.snapshots {
		if s.RepoID == repoID {
			all = append(all, s)
		}
	}
	last := (len(all) + c.pageSize - 1) / c.pageSize
	if last < 1 {
		last = 1
	}
	start := (page - 1) * c.pageSize
	end := start + c.pageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	return &models.SnapshotPage{Snapshots: all[start:end], CurrentPage: page, LastPage: last}, nil
}

func (c *fakeCatalog) snapshotTransitions(id int64) []models.SnapshotStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SnapshotStatus(nil), c.transitions[id]...)
}

// fakeRepoOps records repository calls.
type fakeRepoOps struct {
	mu    sync.Mutex
	calls []string

	initErr      error
	snapshotErr  error
	snapshotHash string
	sidecar      []byte
	// snapshotCtxErr and restoreCtxErr hold ctx.Err() as seen by the
	// last Snapshot and Restore.
	snapshotCtxErr error
	restoreCtxErr  error

	existsErr   map[string]error
	missing     map[string]bool
	rekeyResult map[string]backup.RekeyResult
	rekeyErr    map[string]error
	writeErr    map[string]error
	metadata    map[string][]byte

	// onSnapshot runs at the start of each snapshot.
	onSnapshot func(site *models.Site)
	// onWriteMetadata runs before each metadata upload.
	onWriteMetadata func(ctx context.Context, hash string) error

	restoreFiles  map[string]string
	restoreTarget string
	restoreErr    error
}

var _ RepositoryOps = (*fakeRepoOps)(nil)

func newFakeRepoOps() *fakeRepoOps {
	return &fakeRepoOps{
		snapshotHash: "abc123",
		existsErr:    make(map[string]error),
		missing:      make(map[string]bool),
		rekeyResult:  make(map[string]backup.RekeyResult),
		rekeyErr:     make(map[string]error),
		writeErr:     make(map[string]error),
		metadata:     make(map[string][]byte),
	}
}

func (f *fakeRepoOps) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRepoOps) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeRepoOps) Init(_ context.Context, p models.Provider, repoID, password string, _ *models.Site) error {
	f.record("init %s %s %s", p, repoID, password)
	return f.initErr
}

func (f *fakeRepoOps) Snapshot(ctx context.Context, site *models.Site, p models.Provider, password string) (*backup.BackupStats, error) {
	f.record("snapshot %s %s %s", p, site.LocalBackupRepoID, password)
	f.mu.Lock()
	f.snapshotCtxErr = ctx.Err()
	f.mu.Unlock()
	if f.onSnapshot != nil {
		f.onSnapshot(site)
	}
	data, err := os.ReadFile(filepath.Join(site.Path, SidecarFileName))
	if err == nil {
		f.mu.Lock()
		f.sidecar = data
		f.mu.Unlock()
	}
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return &backup.BackupStats{SnapshotID: f.snapshotHash}, nil
}

func (f *fakeRepoOps) CheckExists(_ context.Context, p models.Provider, repoID, password string, _ *models.Site) (bool, error) {
	f.record("exists %s %s", p, repoID)
	if err := f.existsErr[repoID]; err != nil {
		return false, err
	}
	return !f.missing[repoID], nil
}

func (f *fakeRepoOps) Rekey(_ context.Context, p models.Provider, oldPassword, newPassword, repoID string, _ *models.Site) (backup.RekeyResult, error) {
	f.record("rekey %s %s %s->%s", p, repoID, oldPassword, newPassword)
	if err := f.rekeyErr[repoID]; err != nil {
		return 0, err
	}
	if res, ok := f.rekeyResult[repoID]; ok {
		return res, nil
	}
	return backup.RekeySuccess, nil
}

func (f *fakeRepoOps) WriteMetadata(ctx context.Context, p models.Provider, repoID, hash string, metadata []byte, _ *models.Site) error {
	f.record("metadata %s %s %s", p, repoID, hash)
	if f.onWriteMetadata != nil {
		if err := f.onWriteMetadata(ctx, hash); err != nil {
			return err
		}
	}
	if err := f.writeErr[hash]; err != nil {
		return err
	}
	f.mu.Lock()
	f.metadata[hash] = metadata
	f.mu.Unlock()
	return nil
}

func (f *fakeRepoOps) Restore(ctx context.Context, p models.Provider, repoID, password, hash, target string, _ *models.Site) error {
	f.record("restore %s %s %s %s", p, repoID, password, hash)
	f.mu.Lock()
	f.restoreCtxErr = ctx.Err()
	f.restoreTarget = target
	f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	for name, content := range f.restoreFiles {
		path := filepath.Join(target, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// fakeSites is an in-memory host.SiteStore.
type fakeSites struct {
	mu    sync.Mutex
	sites map[string]*models.Site
}

var _ host.SiteStore = (*fakeSites)(nil)

func newFakeSites(sites ...*models.Site) *fakeSites {
	f := &fakeSites{sites: make(map[string]*models.Site)}
	for _, s := range sites {
		f.sites[s.ID] = s
	}
	return f
}

func (f *fakeSites) GetSite(_ context.Context, id string) (*models.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[id]
	if !ok {
		return nil, host.ErrSiteNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSites) ListSites(context.Context) ([]*models.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Site, 0, len(f.sites))
	for _, s := range f.sites {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSites) AddSite(_ context.Context, site *models.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sites[site.ID]; ok {
		return fmt.Errorf("site %s exists", site.ID)
	}
	cp := *site
	f.sites[site.ID] = &cp
	return nil
}

func (f *fakeSites) UpdateSite(_ context.Context, site *models.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sites[site.ID]; !ok {
		return host.ErrSiteNotFound
	}
	cp := *site
	f.sites[site.ID] = &cp
	return nil
}

// fakeHost implements host.Database, host.Provisioner, host.SearchReplacer
// and host.Notifier, recording every call in order.
type fakeHost struct {
	mu       sync.Mutex
	calls    []string
	statuses []string
	errors   []error
	sqlMode  string

	dumpErr      error
	provisionErr error
}

var (
	_ host.Database       = (*fakeHost)(nil)
	_ host.Provisioner    = (*fakeHost)(nil)
	_ host.SearchReplacer = (*fakeHost)(nil)
	_ host.Notifier       = (*fakeHost)(nil)
)

func (h *fakeHost) record(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *fakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHost) Dump(_ context.Context, site *models.Site, path string) error {
	h.record("dump %s", filepath.Base(path))
	if h.dumpErr != nil {
		return h.dumpErr
	}
	return os.WriteFile(path, []byte("-- dump of "+site.Database.Name), 0644)
}

func (h *fakeHost) SQLMode(context.Context, *models.Site) (string, error) {
	h.record("get sql_mode")
	return h.sqlMode, nil
}

func (h *fakeHost) SetSQLMode(_ context.Context, _ *models.Site, mode string) error {
	h.record("set sql_mode %q", mode)
	return nil
}

func (h *fakeHost) Recreate(_ context.Context, site *models.Site) error {
	h.record("recreate %s", site.Database.Name)
	return nil
}

func (h *fakeHost) Import(_ context.Context, _ *models.Site, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	h.record("import %s", data)
	return nil
}

func (h *fakeHost) WaitReady(context.Context, *models.Site) error {
	h.record("wait ready")
	return nil
}

func (h *fakeHost) Provision(_ context.Context, site *models.Site) error {
	h.record("provision %s", site.Name)
	return h.provisionErr
}

func (h *fakeHost) Restart(_ context.Context, site *models.Site) error {
	h.record("restart %s", site.Name)
	return nil
}

func (h *fakeHost) ReplaceDomain(_ context.Context, _ *models.Site, oldDomain, newDomain string) error {
	h.record("replace %s -> %s", oldDomain, newDomain)
	return nil
}

func (h *fakeHost) SetSiteStatus(_ context.Context, siteID, status, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, siteID+":"+status)
}

func (h *fakeHost) SelectSite(_ context.Context, siteID string) {
	h.record("select %s", siteID)
}

func (h *fakeHost) ShowError(_ context.Context, _ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func (h *fakeHost) Statuses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses...)
}

// recordingSink records every event.
type recordingSink struct {
	mu       sync.Mutex
	backup   []BackupState
	clone    []CloneState
	progress []MigrationProgress
	done     []MigrationResult
}

func (s *recordingSink) OnBackupState(_ string, state BackupState, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backup = append(s.backup, state)
}

func (s *recordingSink) OnCloneState(_ string, state CloneState, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clone = append(s.clone, state)
}

func (s *recordingSink) OnMigrationProgress(p MigrationProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) OnMigrationDone(r MigrationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, r)
}

var _ host.DiskSpace = (*fakeDisk)(nil)

// fakeDisk reports a fixed free space per path.
type fakeDisk struct {
	free    map[string]uint64
	checked []string
}

func (d *fakeDisk) FreeSpace(_ context.Context, path string) (uint64, error) {
	d.checked = append(d.checked, path)
	if free, ok := d.free[path]; ok {
		return free, nil
	}
	return 1 << 40, nil
}

type fakeKiller struct {
	kills atomic.Int32
}

func (k *fakeKiller) KillActive() bool {
	k.kills.Add(1)
	return true
}

// testEnv wires the fakes into Deps.
type testEnv struct {
	catalog *fakeCatalog
	repo    *fakeRepoOps
	sites   *fakeSites
	host    *fakeHost
	sink    *recordingSink
	killer  *fakeKiller
	deps    Deps
}

func newTestEnv(t *testing.T, sites ...*models.Site) *testEnv {
	t.Helper()
	env := &testEnv{
		catalog: newFakeCatalog(),
		repo:    newFakeRepoOps(),
		sites:   newFakeSites(sites...),
		host:    &fakeHost{sqlMode: "STRICT_TRANS_TABLES"},
		sink:    &recordingSink{},
		killer:  &fakeKiller{},
	}
	env.deps = Deps{
		Catalog:         env.catalog,
		Repo:            env.repo,
		Sites:           env.sites,
		Database:        env.host,
		Provisioner:     env.host,
		SearchReplacer:  env.host,
		Notifier:        env.host,
		Killer:          env.killer,
		Sink:            env.sink,
		SitesRoot:       t.TempDir(),
		UserDataDir:     t.TempDir(),
		DefaultPassword: "default-password",
		Version:         "1.2.3",
	}
	return env
}

func testSite(t *testing.T) *models.Site {
	t.Helper()
	return &models.Site{
		ID:       "site-1",
		Name:     "My Blog",
		Domain:   "my-blog.local",
		Path:     t.TempDir(),
		Services: map[string]string{"php": "8.2"},
		Database: models.DatabaseConfig{Name: "local", User: "root", Password: "root"},
		Status:   models.SiteStatusRunning,
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
