package host

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	err   error
	cmds  []process.Command
	stdin []string
}

func (r *recordingRunner) Run(_ context.Context, c process.Command) ([]byte, error) {
	r.cmds = append(r.cmds, c)
	if c.Stdin != nil {
		data, _ := io.ReadAll(c.Stdin)
		r.stdin = append(r.stdin, string(data))
	}
	return nil, r.err
}

func testSite(t *testing.T) *models.Site {
	return &models.Site{
		ID:     "site-1",
		Name:   "blog",
		Domain: "blog.local",
		Path:   t.TempDir(),
		Database: models.DatabaseConfig{
			Name:     "local",
			User:     "wp",
			Password: "db-secret",
			Port:     10011,
		},
	}
}

func TestFileSiteStore(t *testing.T) {
	ctx := context.Background()
	store := NewFileSiteStore(filepath.Join(t.TempDir(), "nested", "sites.yml"))

	sites, err := store.ListSites(ctx)
	require.NoError(t, err)
	assert.Empty(t, sites, "missing file is an empty registry")

	site := testSite(t)
	site.Services = map[string]string{"php": "8.2.10", "mysql": "8.0.16"}
	require.NoError(t, store.AddSite(ctx, site))
	assert.Error(t, store.AddSite(ctx, site), "duplicate ids are rejected")

	got, err := store.GetSite(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, site.Domain, got.Domain)
	assert.Equal(t, "8.2.10", got.Services["php"])
	assert.Equal(t, 10011, got.Database.Port)

	got.LocalBackupRepoID = "0f8c7c1e-uuid"
	require.NoError(t, store.UpdateSite(ctx, got))

	reloaded, err := NewFileSiteStore(store.path).GetSite(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, "0f8c7c1e-uuid", reloaded.LocalBackupRepoID)

	_, err = store.GetSite(ctx, "missing")
	assert.ErrorIs(t, err, ErrSiteNotFound)
	assert.ErrorIs(t, store.UpdateSite(ctx, &models.Site{ID: "missing"}), ErrSiteNotFound)
}

func TestFileSiteStore_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yml")
	require.NoError(t, os.WriteFile(path, []byte("sites: [unclosed"), 0600))

	_, err := NewFileSiteStore(path).ListSites(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse sites file")
}

func TestMySQL_DSN(t *testing.T) {
	m := NewMySQL(MySQLConfig{Host: "db.internal", User: "root", Password: "rootpw"}, &recordingRunner{}, zerolog.Nop())

	site := testSite(t)
	dsn := m.DSN(site, true)
	assert.True(t, strings.HasPrefix(dsn, "wp:db-secret@tcp(db.internal:10011)/local"), dsn)
	assert.Contains(t, dsn, "timeout=10s")

	noDB := m.DSN(site, false)
	assert.Contains(t, noDB, "@tcp(db.internal:10011)/")
	assert.NotContains(t, noDB, "/local")

	site.Database.User = ""
	assert.True(t, strings.HasPrefix(m.DSN(site, true), "root:rootpw@tcp("), "falls back to configured credentials")
}

func TestMySQL_Dump(t *testing.T) {
	runner := &recordingRunner{}
	m := NewMySQL(MySQLConfig{MySQLDumpPath: "/opt/mysql/bin/mysqldump"}, runner, zerolog.Nop())
	site := testSite(t)
	out := filepath.Join(site.Path, "cloudsnap-database.sql")

	require.NoError(t, m.Dump(context.Background(), site, out))
	require.Len(t, runner.cmds, 1)

	cmd := runner.cmds[0]
	assert.Equal(t, "/opt/mysql/bin/mysqldump", cmd.Name)
	assert.Equal(t, "db-secret", cmd.Env["MYSQL_PWD"])
	assert.Contains(t, cmd.Args, "--host=127.0.0.1")
	assert.Contains(t, cmd.Args, "--port=10011")
	assert.Contains(t, cmd.Args, "--user=wp")
	assert.Contains(t, cmd.Args, "--single-transaction")
	assert.Contains(t, cmd.Args, "--result-file="+out)
	assert.Equal(t, "local", cmd.Args[len(cmd.Args)-1])
	for _, arg := range cmd.Args {
		assert.NotContains(t, arg, "db-secret", "password must not be in argv")
	}
}

func TestMySQL_DumpFailureRemovesPartialFile(t *testing.T) {
	runner := &recordingRunner{err: errors.New("access denied")}
	m := NewMySQL(MySQLConfig{}, runner, zerolog.Nop())
	site := testSite(t)
	out := filepath.Join(site.Path, "dump.sql")
	require.NoError(t, os.WriteFile(out, []byte("partial"), 0600))

	err := m.Dump(context.Background(), site, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysqldump failed")
	assert.NoFileExists(t, out)
}

func TestMySQL_DumpRequiresDatabase(t *testing.T) {
	m := NewMySQL(MySQLConfig{}, &recordingRunner{}, zerolog.Nop())
	site := testSite(t)
	site.Database.Name = ""
	assert.Error(t, m.Dump(context.Background(), site, filepath.Join(site.Path, "x.sql")))
	assert.Error(t, m.Recreate(context.Background(), site))
}

func TestMySQL_Import(t *testing.T) {
	runner := &recordingRunner{}
	m := NewMySQL(MySQLConfig{}, runner, zerolog.Nop())
	site := testSite(t)
	dump := filepath.Join(site.Path, "cloudsnap-database.sql")
	require.NoError(t, os.WriteFile(dump, []byte("CREATE TABLE wp_options (id int);"), 0600))

	require.NoError(t, m.Import(context.Background(), site, dump))
	require.Len(t, runner.cmds, 1)
	assert.Equal(t, "mysql", runner.cmds[0].Name)
	assert.Equal(t, "local", runner.cmds[0].Args[len(runner.cmds[0].Args)-1])
	assert.Equal(t, []string{"CREATE TABLE wp_options (id int);"}, runner.stdin)

	assert.Error(t, m.Import(context.Background(), site, filepath.Join(site.Path, "missing.sql")))
}

func TestMySQL_WaitReadyTimesOut(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := NewMySQL(MySQLConfig{ReadyTimeout: 700 * time.Millisecond, ConnectTimeout: 200 * time.Millisecond}, &recordingRunner{}, zerolog.Nop())
	site := testSite(t)
	site.Database.Port = port

	start := time.Now()
	err = m.WaitReady(context.Background(), site)
	assert.ErrorIs(t, err, ErrDatabaseNotReady)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`local`", quoteIdent("local"))
	assert.Equal(t, "`we``ird`", quoteIdent("we`ird"))
}

func TestCommandHooks(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}
	hooks := NewCommandHooks(HookCommands{
		Provision:     "local-cli provision",
		SearchReplace: `wp search-replace "$CLOUDSNAP_OLD_DOMAIN" "$CLOUDSNAP_NEW_DOMAIN"`,
	}, runner, zerolog.Nop())
	site := testSite(t)

	require.NoError(t, hooks.Provision(ctx, site))
	require.NoError(t, hooks.Restart(ctx, site), "unset hook is a no-op")
	require.NoError(t, hooks.ReplaceDomain(ctx, site, "blog.local", "blog.local"), "same domain is a no-op")
	require.NoError(t, hooks.ReplaceDomain(ctx, site, "blog.local", "blog-copy.local"))

	require.Len(t, runner.cmds, 2)
	assert.Equal(t, "local-cli provision", runner.cmds[0].Script)
	assert.Equal(t, site.Path, runner.cmds[0].Dir)
	assert.Equal(t, "site-1", runner.cmds[0].Env["CLOUDSNAP_SITE_ID"])
	assert.Equal(t, "db-secret", runner.cmds[0].Env["CLOUDSNAP_DB_PASSWORD"])

	sr := runner.cmds[1]
	assert.Equal(t, "blog.local", sr.Env["CLOUDSNAP_OLD_DOMAIN"])
	assert.Equal(t, "blog-copy.local", sr.Env["CLOUDSNAP_NEW_DOMAIN"])
}

func TestCommandHooks_Error(t *testing.T) {
	runner := &recordingRunner{err: errors.New("exit 1")}
	hooks := NewCommandHooks(HookCommands{Restart: "false"}, runner, zerolog.Nop())

	err := hooks.Restart(context.Background(), testSite(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart hook")
}

func TestLogNotifier_PersistsStatus(t *testing.T) {
	ctx := context.Background()
	store := NewFileSiteStore(filepath.Join(t.TempDir(), "sites.yml"))
	site := testSite(t)
	site.Status = models.SiteStatusRunning
	require.NoError(t, store.AddSite(ctx, site))

	n := NewLogNotifier(store, zerolog.Nop())
	n.SetSiteStatus(ctx, site.ID, models.SiteStatusExporting, "")
	n.SelectSite(ctx, site.ID)
	n.ShowError(ctx, "Backup failed", errors.New("boom"))
	n.SetSiteStatus(ctx, "unknown", models.SiteStatusRunning, "ignored")

	got, err := store.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SiteStatusExporting, got.Status)

	NewLogNotifier(nil, zerolog.Nop()).SetSiteStatus(ctx, site.ID, models.SiteStatusRunning, "")
}

func TestDiskUsage_FreeSpace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	free, err := DiskUsage{}.FreeSpace(ctx, dir)
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	missing, err := DiskUsage{}.FreeSpace(ctx, filepath.Join(dir, "not", "created"))
	require.NoError(t, err, "missing paths are measured at their parent")
	assert.Greater(t, missing, uint64(0))
}

func TestExistingParent(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, existingParent(dir))
	assert.Equal(t, dir, existingParent(filepath.Join(dir, "a", "b")))
}
