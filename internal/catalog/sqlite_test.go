package catalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/MacJediWizard/cloudsnap/internal/crypto"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Service = (*SQLiteStore)(nil)

func newTestStore(t *testing.T, opts ...StoreOption) *SQLiteStore {
	t.Helper()
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key)
	require.NoError(t, err)

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"), box, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_RequiresBox(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSQLiteStore_Credentials(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Credentials(ctx, models.ProviderDropbox)
	assert.ErrorIs(t, err, ErrNotFound)

	creds := &models.ProviderCredentials{
		Provider: models.ProviderDropbox,
		Token:    `{"access_token":"sl.first"}`,
		AppKey:   "app",
	}
	require.NoError(t, store.SetCredentials(ctx, creds))

	got, err := store.Credentials(ctx, models.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, "dropbox", got.Type, "type defaults to the rclone backend name")
	assert.Equal(t, creds.Token, got.Token)
	assert.Equal(t, "app", got.AppKey)

	// Tokens are sealed at rest.
	var raw string
	require.NoError(t, store.db.QueryRow(`SELECT token FROM provider_credentials WHERE provider = 'dropbox'`).Scan(&raw))
	assert.NotContains(t, raw, "sl.first")

	creds.Token = `{"access_token":"sl.second"}`
	require.NoError(t, store.SetCredentials(ctx, creds))
	got, err = store.Credentials(ctx, models.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, creds.Token, got.Token)

	require.NoError(t, store.SetCredentials(ctx, &models.ProviderCredentials{Provider: models.ProviderGoogleDrive, Token: "{}"}))
	providers, err := store.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Provider{models.ProviderDropbox, models.ProviderGoogleDrive}, providers)

	assert.Error(t, store.SetCredentials(ctx, &models.ProviderCredentials{Provider: "s3"}))
}

func TestSQLiteStore_BackupSites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	site, err := store.CreateBackupSite(ctx, "site-1", "blog")
	require.NoError(t, err)
	assert.NotZero(t, site.ID)
	assert.Len(t, site.UUID, 36)
	assert.NotEmpty(t, site.Password)

	byUUID, err := store.GetBackupSite(ctx, site.UUID)
	require.NoError(t, err)
	assert.Equal(t, site.Password, byUUID.Password)
	assert.Equal(t, "site-1", byUUID.SiteID)
	assert.True(t, site.CreatedAt.Equal(byUUID.CreatedAt))

	byID, err := store.GetBackupSiteByID(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, site.UUID, byID.UUID)

	_, err = store.GetBackupSite(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	other, err := store.CreateBackupSite(ctx, "site-2", "shop")
	require.NoError(t, err)
	assert.NotEqual(t, site.UUID, other.UUID)
	assert.NotEqual(t, site.Password, other.Password)
}

func TestSQLiteStore_BackupRepos(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	site, err := store.CreateBackupSite(ctx, "site-1", "blog")
	require.NoError(t, err)

	_, err = store.GetBackupRepo(ctx, site.UUID, models.ProviderDropbox)
	assert.ErrorIs(t, err, ErrNotFound)

	repo, err := store.CreateBackupRepo(ctx, site.ID, models.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, site.UUID, repo.Hash)

	got, err := store.GetBackupRepo(ctx, site.UUID, models.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, got.ID)

	_, err = store.CreateBackupRepo(ctx, site.ID, models.ProviderDropbox)
	assert.Error(t, err, "one repo per site and provider")

	_, err = store.CreateBackupRepo(ctx, site.ID, models.ProviderGoogleDrive)
	require.NoError(t, err)

	_, err = store.CreateBackupRepo(ctx, 999, models.ProviderDropbox)
	assert.ErrorIs(t, err, ErrNotFound)

	repos, err := store.ListBackupRepos(ctx, models.ProviderDropbox)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, repo.ID, repos[0].ID)
}

func TestSQLiteStore_SnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	site, _ := store.CreateBackupSite(ctx, "site-1", "blog")
	repo, _ := store.CreateBackupRepo(ctx, site.ID, models.ProviderDropbox)

	meta := json.RawMessage(`{"name":"blog"}`)
	snap, err := store.CreateSnapshot(ctx, repo.ID, models.SnapshotConfig{Description: "nightly", Metadata: meta})
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotStatusStarted, snap.Status)

	require.NoError(t, store.UpdateSnapshot(ctx, snap.ID, models.SnapshotStatusRunning, ""))
	require.NoError(t, store.UpdateSnapshot(ctx, snap.ID, models.SnapshotStatusComplete, "abc123"))

	got, err := store.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotStatusComplete, got.Status)
	assert.Equal(t, "abc123", got.Hash)
	assert.Equal(t, "nightly", got.Config.Description)
	assert.JSONEq(t, string(meta), string(got.Config.Metadata))

	err = store.UpdateSnapshot(ctx, snap.ID, models.SnapshotStatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "status never reverts")
	err = store.UpdateSnapshot(ctx, snap.ID, models.SnapshotStatusErrored, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, store.UpdateSnapshot(ctx, 999, models.SnapshotStatusRunning, ""), ErrNotFound)

	failed, _ := store.CreateSnapshot(ctx, repo.ID, models.SnapshotConfig{})
	require.NoError(t, store.UpdateSnapshot(ctx, failed.ID, models.SnapshotStatusErrored, ""))
}

func TestSQLiteStore_ListSnapshotsPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithPageSize(2))

	site, _ := store.CreateBackupSite(ctx, "site-1", "blog")
	repo, _ := store.CreateBackupRepo(ctx, site.ID, models.ProviderDropbox)

	empty, err := store.ListSnapshots(ctx, repo.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, empty.Snapshots)
	assert.Equal(t, 1, empty.LastPage)

	for i := 0; i < 5; i++ {
		_, err := store.CreateSnapshot(ctx, repo.ID, models.SnapshotConfig{})
		require.NoError(t, err)
	}

	var seen []int64
	for page := 1; ; page++ {
		res, err := store.ListSnapshots(ctx, repo.ID, page)
		require.NoError(t, err)
		assert.Equal(t, 3, res.LastPage)
		assert.Equal(t, page, res.CurrentPage)
		for _, s := range res.Snapshots {
			seen = append(seen, s.ID)
		}
		if res.CurrentPage >= res.LastPage {
			break
		}
	}
	assert.Len(t, seen, 5)
	assert.Greater(t, seen[0], seen[4], "newest first")
}
