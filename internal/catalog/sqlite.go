package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/crypto"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DefaultPageSize is the number of snapshots per ListSnapshots page.
const DefaultPageSize = 20

// SQLiteStore implements Service on a local SQLite database. Repository
// passwords and OAuth tokens are sealed before they are written.
type SQLiteStore struct {
	db       *sql.DB
	box      *crypto.Box
	pageSize int
	logger   zerolog.Logger
}

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithPageSize overrides the snapshot page size.
func WithPageSize(n int) StoreOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSQLiteStore opens (and creates if needed) the catalog database at path.
func NewSQLiteStore(path string, box *crypto.Box, logger zerolog.Logger, opts ...StoreOption) (*SQLiteStore, error) {
	if box == nil {
		return nil, errors.New("catalog requires a secret box")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:       db,
		box:      box,
		pageSize: DefaultPageSize,
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", path).Msg("catalog database initialized")
	return store, nil
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backup_sites (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			site_id TEXT NOT NULL,
			name TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS backup_repos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			backup_site_id INTEGER NOT NULL REFERENCES backup_sites(id),
			provider TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (backup_site_id, provider)
		);

		CREATE INDEX IF NOT EXISTS idx_backup_repos_provider ON backup_repos(provider);

		CREATE TABLE IF NOT EXISTS backup_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL REFERENCES backup_repos(id),
			hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_backup_snapshots_repo_id ON backup_snapshots(repo_id);

		CREATE TABLE IF NOT EXISTS provider_credentials (
			provider TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			app_key TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetCredentials stores or replaces the credentials for a provider.
func (s *SQLiteStore) SetCredentials(ctx context.Context, creds *models.ProviderCredentials) error {
	if !creds.Provider.IsValid() {
		return fmt.Errorf("unsupported provider: %q", creds.Provider)
	}
	token, err := s.box.Seal(creds.Token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}

	credType := creds.Type
	if credType == "" {
		credType = creds.Provider.RcloneName()
	}

	query := `
		INSERT INTO provider_credentials (provider, type, client_id, token, app_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			type = excluded.type,
			client_id = excluded.client_id,
			token = excluded.token,
			app_key = excluded.app_key,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(creds.Provider), credType, creds.ClientID, token, creds.AppKey, now())
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// Credentials returns the stored credentials for a provider.
func (s *SQLiteStore) Credentials(ctx context.Context, provider models.Provider) (*models.ProviderCredentials, error) {
	query := `SELECT type, client_id, token, app_key FROM provider_credentials WHERE provider = ?`

	creds := &models.ProviderCredentials{Provider: provider}
	var sealed string
	err := s.db.QueryRowContext(ctx, query, string(provider)).
		Scan(&creds.Type, &creds.ClientID, &sealed, &creds.AppKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}

	creds.Token, err = s.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open token: %w", err)
	}
	return creds, nil
}

// Providers returns the providers with stored credentials.
func (s *SQLiteStore) Providers(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider FROM provider_credentials ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		p := models.Provider(name)
		if !p.IsValid() {
			s.logger.Warn().Str("provider", name).Msg("ignoring unknown provider")
			continue
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// CreateBackupSite creates a BackupSite with a fresh UUID and password.
func (s *SQLiteStore) CreateBackupSite(ctx context.Context, siteID, name string) (*models.BackupSite, error) {
	password, err := crypto.GeneratePassword()
	if err != nil {
		return nil, err
	}
	sealed, err := s.box.Seal(password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}

	site := &models.BackupSite{
		UUID:      uuid.New().String(),
		SiteID:    siteID,
		Name:      name,
		Password:  password,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_sites (uuid, site_id, name, password, created_at) VALUES (?, ?, ?, ?, ?)`,
		site.UUID, site.SiteID, site.Name, sealed, site.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert backup site: %w", err)
	}
	if site.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("get backup site id: %w", err)
	}

	s.logger.Info().Str("uuid", site.UUID).Str("site_id", siteID).Msg("backup site created")
	return site, nil
}

// GetBackupSite returns the BackupSite with the given UUID.
func (s *SQLiteStore) GetBackupSite(ctx context.Context, id string) (*models.BackupSite, error) {
	return s.scanBackupSite(s.db.QueryRowContext(ctx,
		`SELECT id, uuid, site_id, name, password, created_at FROM backup_sites WHERE uuid = ?`, id))
}

// GetBackupSiteByID returns the BackupSite with the given numeric id.
func (s *SQLiteStore) GetBackupSiteByID(ctx context.Context, id int64) (*models.BackupSite, error) {
	return s.scanBackupSite(s.db.QueryRowContext(ctx,
		`SELECT id, uuid, site_id, name, password, created_at FROM backup_sites WHERE id = ?`, id))
}

func (s *SQLiteStore) scanBackupSite(row *sql.Row) (*models.BackupSite, error) {
	var (
		site      models.BackupSite
		sealed    string
		createdAt string
	)
	err := row.Scan(&site.ID, &site.UUID, &site.SiteID, &site.Name, &sealed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan backup site: %w", err)
	}

	if site.Password, err = s.box.Open(sealed); err != nil {
		return nil, fmt.Errorf("open password: %w", err)
	}
	site.CreatedAt = parseTime(createdAt)
	return &site, nil
}

// CreateBackupRepo creates the repository record for a (BackupSite,
// Provider) pair. The repo hash is the BackupSite UUID.
func (s *SQLiteStore) CreateBackupRepo(ctx context.Context, backupSiteID int64, provider models.Provider) (*models.BackupRepo, error) {
	if !provider.IsValid() {
		return nil, fmt.Errorf("unsupported provider: %q", provider)
	}
	site, err := s.GetBackupSiteByID(ctx, backupSiteID)
	if err != nil {
		return nil, err
	}

	repo := &models.BackupRepo{
		BackupSiteID: backupSiteID,
		Provider:     provider,
		Hash:         site.UUID,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_repos (backup_site_id, provider, hash, created_at) VALUES (?, ?, ?, ?)`,
		repo.BackupSiteID, string(repo.Provider), repo.Hash, repo.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("backup repo for %s already exists: %w", provider, err)
		}
		return nil, fmt.Errorf("insert backup repo: %w", err)
	}
	if repo.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("get backup repo id: %w", err)
	}

	s.logger.Info().Str("hash", repo.Hash).Str("provider", string(provider)).Msg("backup repo created")
	return repo, nil
}

// GetBackupRepo returns the repository of a BackupSite for a provider.
func (s *SQLiteStore) GetBackupRepo(ctx context.Context, backupSiteUUID string, provider models.Provider) (*models.BackupRepo, error) {
	query := `
		SELECT r.id, r.backup_site_id, r.provider, r.hash, r.created_at
		FROM backup_repos r
		JOIN backup_sites s ON s.id = r.backup_site_id
		WHERE s.uuid = ? AND r.provider = ?
	`
	repo, err := scanBackupRepo(s.db.QueryRowContext(ctx, query, backupSiteUUID, string(provider)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return repo, err
}

// ListBackupRepos returns every repository on a provider.
func (s *SQLiteStore) ListBackupRepos(ctx context.Context, provider models.Provider) ([]*models.BackupRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, backup_site_id, provider, hash, created_at FROM backup_repos WHERE provider = ? ORDER BY id`,
		string(provider))
	if err != nil {
		return nil, fmt.Errorf("query backup repos: %w", err)
	}
	defer rows.Close()

	var repos []*models.BackupRepo
	for rows.Next() {
		repo, err := scanBackupRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackupRepo(row scanner) (*models.BackupRepo, error) {
	var (
		repo      models.BackupRepo
		provider  string
		createdAt string
	)
	if err := row.Scan(&repo.ID, &repo.BackupSiteID, &provider, &repo.Hash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan backup repo: %w", err)
	}
	repo.Provider = models.Provider(provider)
	repo.CreatedAt = parseTime(createdAt)
	return &repo, nil
}

// CreateSnapshot records a new snapshot in the started state.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, repoID int64, cfg models.SnapshotConfig) (*models.BackupSnapshot, error) {
	config, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot config: %w", err)
	}

	ts := time.Now().UTC().Truncate(time.Second)
	snap := &models.BackupSnapshot{
		RepoID:    repoID,
		Status:    models.SnapshotStatusStarted,
		Config:    cfg,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_snapshots (repo_id, status, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		repoID, string(snap.Status), string(config), ts.Format(time.RFC3339), ts.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	if snap.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("get snapshot id: %w", err)
	}
	return snap, nil
}

// UpdateSnapshot moves a snapshot to status, attaching hash when non-empty.
// Transitions that are not monotonic fail with ErrInvalidTransition.
func (s *SQLiteStore) UpdateSnapshot(ctx context.Context, id int64, status models.SnapshotStatus, hash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM backup_snapshots WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query snapshot status: %w", err)
	}

	if !models.SnapshotStatus(current).CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	query := `UPDATE backup_snapshots SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), now(), id}
	if hash != "" {
		query = `UPDATE backup_snapshots SET status = ?, updated_at = ?, hash = ? WHERE id = ?`
		args = []any{string(status), now(), hash, id}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	return tx.Commit()
}

// GetSnapshot returns a snapshot by id.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id int64) (*models.BackupSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repo_id, hash, status, config, created_at, updated_at FROM backup_snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// ListSnapshots returns one page of a repository's snapshots, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, repoID int64, page int) (*models.SnapshotPage, error) {
	if page < 1 {
		page = 1
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_snapshots WHERE repo_id = ?`, repoID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}

	lastPage := (total + s.pageSize - 1) / s.pageSize
	if lastPage < 1 {
		lastPage = 1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, hash, status, config, created_at, updated_at
		FROM backup_snapshots
		WHERE repo_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, repoID, s.pageSize, (page-1)*s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	result := &models.SnapshotPage{CurrentPage: page, LastPage: lastPage}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result.Snapshots = append(result.Snapshots, snap)
	}
	return result, rows.Err()
}

func scanSnapshot(row scanner) (*models.BackupSnapshot, error) {
	var (
		snap                 models.BackupSnapshot
		status, config       string
		createdAt, updatedAt string
	)
	if err := row.Scan(&snap.ID, &snap.RepoID, &snap.Hash, &status, &config, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &snap.Config); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot config: %w", err)
	}
	snap.Status = models.SnapshotStatus(status)
	snap.CreatedAt = parseTime(createdAt)
	snap.UpdatedAt = parseTime(updatedAt)
	return &snap, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
