// Package config provides configuration management for cloudsnap.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.cloudsnap).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".cloudsnap"), nil
}

// DefaultConfigPath returns the default config file path (~/.cloudsnap/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// DefaultMinFreeMB is the free space a clone requires when unset.
const DefaultMinFreeMB = 1024

// DatabaseConfig holds defaults for site database connections.
type DatabaseConfig struct {
	Host          string `yaml:"host,omitempty"`
	Port          int    `yaml:"port,omitempty"`
	User          string `yaml:"user,omitempty"`
	Password      string `yaml:"password,omitempty"`
	MySQLDumpPath string `yaml:"mysqldump_path,omitempty"`
	MySQLPath     string `yaml:"mysql_path,omitempty"`
}

// HooksConfig holds the shell commands run for host operations.
type HooksConfig struct {
	Provision     string `yaml:"provision,omitempty"`
	Restart       string `yaml:"restart,omitempty"`
	SearchReplace string `yaml:"search_replace,omitempty"`
}

// MigrationConfig holds migration settings.
type MigrationConfig struct {
	// DefaultPassword is the password repositories are rekeyed to.
	DefaultPassword string `yaml:"default_password,omitempty"`
}

// Schedule runs a backup of one site to one provider on a cron expression.
type Schedule struct {
	Site     string `yaml:"site"`
	Provider string `yaml:"provider"`
	Cron     string `yaml:"cron"`
}

// Config holds the cloudsnap configuration.
type Config struct {
	BinDir       string `yaml:"bin_dir,omitempty"`
	ResticBinary string `yaml:"restic_binary,omitempty"`
	RcloneBinary string `yaml:"rclone_binary,omitempty"`
	UserDataDir  string `yaml:"user_data_dir,omitempty"`

	CatalogPath string `yaml:"catalog_path,omitempty"`
	// CatalogMasterKey is a hex or base64 AES-256 key. When empty a key
	// file next to the catalog is used.
	CatalogMasterKey string `yaml:"catalog_master_key,omitempty"`

	SitesFile string `yaml:"sites_file,omitempty"`
	SitesRoot string `yaml:"sites_root,omitempty"`
	LogLevel  string `yaml:"log_level,omitempty"`
	// MinFreeMB is the free space a clone requires before restoring.
	MinFreeMB int `yaml:"min_free_mb,omitempty"`

	Migration MigrationConfig `yaml:"migration,omitempty"`
	Database  DatabaseConfig  `yaml:"database,omitempty"`
	Hooks     HooksConfig     `yaml:"hooks,omitempty"`
	Schedules []Schedule      `yaml:"schedules,omitempty"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ApplyDefaults fills empty fields. Paths default to entries under dir.
func (c *Config) ApplyDefaults(dir string) {
	if c.ResticBinary == "" {
		c.ResticBinary = "restic"
	}
	if c.RcloneBinary == "" {
		c.RcloneBinary = "rclone"
	}
	if c.UserDataDir == "" {
		c.UserDataDir = dir
	}
	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(dir, "catalog.db")
	}
	if c.SitesFile == "" {
		c.SitesFile = filepath.Join(dir, "sites.yml")
	}
	if c.SitesRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.SitesRoot = filepath.Join(home, "Local Sites")
		} else {
			c.SitesRoot = filepath.Join(dir, "sites")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MinFreeMB == 0 {
		c.MinFreeMB = DefaultMinFreeMB
	}
}

// MinFreeBytes returns MinFreeMB in bytes.
func (c *Config) MinFreeBytes() uint64 {
	if c.MinFreeMB <= 0 {
		return 0
	}
	return uint64(c.MinFreeMB) << 20
}

// KeyFilePath returns the master key file used when no key is configured.
func (c *Config) KeyFilePath() string {
	return filepath.Join(filepath.Dir(c.CatalogPath), "master.key")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("database.port %d out of range", c.Database.Port))
	}
	if c.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("min_free_mb %d must not be negative", c.MinFreeMB))
	}
	if c.MetricsAddr != "" && !strings.Contains(c.MetricsAddr, ":") {
		errs = append(errs, fmt.Errorf("metrics_addr %q must be host:port", c.MetricsAddr))
	}
	for i, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks a schedule entry.
func (s Schedule) Validate() error {
	if s.Site == "" {
		return errors.New("site is required")
	}
	if _, err := models.ParseProvider(s.Provider); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return fmt.Errorf("cron %q: %w", s.Cron, err)
	}
	return nil
}

// Load reads the configuration from the given path and applies defaults
// and environment overrides. If the file does not exist, a default config
// is returned.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.ApplyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *Config) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
