package main

import (
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/backup"
	"github.com/MacJediWizard/cloudsnap/internal/catalog"
	"github.com/MacJediWizard/cloudsnap/internal/config"
	"github.com/MacJediWizard/cloudsnap/internal/crypto"
	"github.com/MacJediWizard/cloudsnap/internal/host"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/MacJediWizard/cloudsnap/internal/workflow"
	"github.com/rs/zerolog"
)

const (
	dbConnectTimeout = 10 * time.Second
	dbReadyTimeout   = 2 * time.Minute
)

// app holds the collaborators built from the configuration.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	store       *catalog.SQLiteStore
	runner      *process.Runner
	restic      *backup.Restic
	sites       *host.FileSiteStore
	coordinator *workflow.Coordinator
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func masterKey(cfg *config.Config) ([]byte, error) {
	if cfg.CatalogMasterKey != "" {
		return crypto.ParseMasterKey(cfg.CatalogMasterKey)
	}
	return crypto.LoadOrCreateKeyFile(cfg.KeyFilePath())
}

func openStore(cfg *config.Config, logger zerolog.Logger) (*catalog.SQLiteStore, error) {
	key, err := masterKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		return nil, fmt.Errorf("create secret box: %w", err)
	}
	store, err := catalog.NewSQLiteStore(cfg.CatalogPath, box, logger)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return store, nil
}

// newApp wires the catalog, process runner, repository operations, host
// adapters and workflows. Extra sinks receive workflow events alongside
// the log sink.
func newApp(cfg *config.Config, sinks ...workflow.EventSink) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	runner := process.NewRunner(cfg.BinDir, logger)
	restic := backup.NewRestic(runner, store, logger,
		backup.WithResticBinary(cfg.ResticBinary),
		backup.WithRcloneBinary(cfg.RcloneBinary),
	)

	sites := host.NewFileSiteStore(cfg.SitesFile)
	db := host.NewMySQL(host.MySQLConfig{
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		MySQLDumpPath:  cfg.Database.MySQLDumpPath,
		MySQLPath:      cfg.Database.MySQLPath,
		ConnectTimeout: dbConnectTimeout,
		ReadyTimeout:   dbReadyTimeout,
	}, runner, logger)
	hooks := host.NewCommandHooks(host.HookCommands{
		Provision:     cfg.Hooks.Provision,
		Restart:       cfg.Hooks.Restart,
		SearchReplace: cfg.Hooks.SearchReplace,
	}, runner, logger)

	sink := workflow.MultiSink(append([]workflow.EventSink{workflow.NewLogSink(logger)}, sinks...))

	coordinator := workflow.NewCoordinator(workflow.Deps{
		Catalog:         store,
		Repo:            restic,
		Sites:           sites,
		Database:        db,
		Provisioner:     hooks,
		SearchReplacer:  hooks,
		Notifier:        host.NewLogNotifier(sites, logger),
		Killer:          runner,
		Sink:            sink,
		Disk:            host.DiskUsage{},
		SitesRoot:       cfg.SitesRoot,
		MinFreeBytes:    cfg.MinFreeBytes(),
		UserDataDir:     cfg.UserDataDir,
		DefaultPassword: cfg.Migration.DefaultPassword,
		Version:         Version,
	}, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		runner:      runner,
		restic:      restic,
		sites:       sites,
		coordinator: coordinator,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close catalog")
	}
}

// setup loads the configuration and wires the application.
func setup(sinks ...workflow.EventSink) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, sinks...)
}
