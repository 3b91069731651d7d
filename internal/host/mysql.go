package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

const (
	defaultMySQLPort      = 3306
	defaultConnectTimeout = 10 * time.Second
	defaultReadyTimeout   = 60 * time.Second
	readyPollInterval     = 500 * time.Millisecond
)

// ErrDatabaseNotReady is returned when the database does not accept
// connections before the ready timeout.
var ErrDatabaseNotReady = errors.New("database did not become ready")

// MySQLConfig holds defaults applied to every site's database settings.
type MySQLConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	MySQLDumpPath  string
	MySQLPath      string
	ConnectTimeout time.Duration
	ReadyTimeout   time.Duration
}

// MySQL implements Database with go-sql-driver/mysql for statements and the
// mysqldump and mysql clients for dump and import.
type MySQL struct {
	config MySQLConfig
	runner Runner
	logger zerolog.Logger
}

// NewMySQL creates a MySQL adapter.
func NewMySQL(config MySQLConfig, runner Runner, logger zerolog.Logger) *MySQL {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.Port == 0 {
		config.Port = defaultMySQLPort
	}
	if config.User == "" {
		config.User = "root"
	}
	if config.MySQLDumpPath == "" {
		config.MySQLDumpPath = "mysqldump"
	}
	if config.MySQLPath == "" {
		config.MySQLPath = "mysql"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = defaultReadyTimeout
	}
	return &MySQL{
		config: config,
		runner: runner,
		logger: logger.With().Str("component", "mysql").Logger(),
	}
}

// connection is the effective connection settings for one site.
type connection struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (m *MySQL) connection(site *models.Site) connection {
	c := connection{
		Host:     m.config.Host,
		Port:     m.config.Port,
		User:     m.config.User,
		Password: m.config.Password,
		Database: site.Database.Name,
	}
	if site.Database.Host != "" {
		c.Host = site.Database.Host
	}
	if site.Database.Port != 0 {
		c.Port = site.Database.Port
	}
	if site.Database.User != "" {
		c.User = site.Database.User
		c.Password = site.Database.Password
	}
	return c
}

// DSN returns the Data Source Name for site, optionally without selecting
// the site database.
func (m *MySQL) DSN(site *models.Site, withDatabase bool) string {
	c := m.connection(site)
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.Timeout = m.config.ConnectTimeout
	if withDatabase {
		cfg.DBName = c.Database
	}
	return cfg.FormatDSN()
}

func (m *MySQL) open(site *models.Site, withDatabase bool) (*sql.DB, error) {
	db, err := sql.Open("mysql", m.DSN(site, withDatabase))
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	return db, nil
}

// Dump writes the site database to path with mysqldump.
func (m *MySQL) Dump(ctx context.Context, site *models.Site, path string) error {
	if site.Database.Name == "" {
		return errors.New("site has no database configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dump directory: %w", err)
	}

	m.logger.Info().Str("site", site.ID).Str("database", site.Database.Name).Str("output", path).Msg("dumping database")

	c := m.connection(site)
	_, err := m.runner.Run(ctx, process.Command{
		Name: m.config.MySQLDumpPath,
		Args: m.dumpArgs(c, path),
		Dir:  site.Path,
		Env:  passwordEnv(c),
	})
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("mysqldump failed: %w", err)
	}
	return nil
}

// dumpArgs constructs the mysqldump arguments. The password travels in
// MYSQL_PWD.
func (m *MySQL) dumpArgs(c connection, path string) []string {
	return []string{
		fmt.Sprintf("--host=%s", c.Host),
		fmt.Sprintf("--port=%d", c.Port),
		fmt.Sprintf("--user=%s", c.User),
		"--single-transaction",
		"--quick",
		"--lock-tables=false",
		"--routines",
		"--triggers",
		"--events",
		"--add-drop-table",
		fmt.Sprintf("--result-file=%s", path),
		c.Database,
	}
}

// Import loads a SQL file into the site database with the mysql client.
func (m *MySQL) Import(ctx context.Context, site *models.Site, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	m.logger.Info().Str("site", site.ID).Str("database", site.Database.Name).Str("input", path).Msg("importing database")

	c := m.connection(site)
	_, err = m.runner.Run(ctx, process.Command{
		Name:  m.config.MySQLPath,
		Args:  m.importArgs(c),
		Dir:   site.Path,
		Env:   passwordEnv(c),
		Stdin: f,
	})
	if err != nil {
		return fmt.Errorf("import database: %w", err)
	}
	return nil
}

func (m *MySQL) importArgs(c connection) []string {
	return []string{
		fmt.Sprintf("--host=%s", c.Host),
		fmt.Sprintf("--port=%d", c.Port),
		fmt.Sprintf("--user=%s", c.User),
		"--default-character-set=utf8mb4",
		c.Database,
	}
}

func passwordEnv(c connection) map[string]string {
	if c.Password == "" {
		return nil
	}
	return map[string]string{"MYSQL_PWD": c.Password}
}

// SQLMode returns the server's global sql_mode.
func (m *MySQL) SQLMode(ctx context.Context, site *models.Site) (string, error) {
	db, err := m.open(site, false)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var mode string
	if err := db.QueryRowContext(ctx, "SELECT @@GLOBAL.sql_mode").Scan(&mode); err != nil {
		return "", fmt.Errorf("query sql_mode: %w", err)
	}
	return mode, nil
}

// SetSQLMode sets the server's global sql_mode.
func (m *MySQL) SetSQLMode(ctx context.Context, site *models.Site, mode string) error {
	db, err := m.open(site, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "SET GLOBAL sql_mode = ?", mode); err != nil {
		return fmt.Errorf("set sql_mode: %w", err)
	}
	return nil
}

// Recreate drops and creates the site database.
func (m *MySQL) Recreate(ctx context.Context, site *models.Site) error {
	if site.Database.Name == "" {
		return errors.New("site has no database configured")
	}
	db, err := m.open(site, false)
	if err != nil {
		return err
	}
	defer db.Close()

	name := quoteIdent(site.Database.Name)
	for _, stmt := range []string{
		"DROP DATABASE IF EXISTS " + name,
		"CREATE DATABASE " + name + " CHARACTER SET utf8mb4",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recreate database: %w", err)
		}
	}
	m.logger.Debug().Str("database", site.Database.Name).Msg("database recreated")
	return nil
}

// WaitReady polls the server until it accepts connections.
func (m *MySQL) WaitReady(ctx context.Context, site *models.Site) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ReadyTimeout)
	defer cancel()

	db, err := m.open(site, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
		lastErr = db.PingContext(pingCtx)
		pingCancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDatabaseNotReady, lastErr)
		case <-ticker.C:
		}
	}
}

// quoteIdent quotes a MySQL identifier.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
