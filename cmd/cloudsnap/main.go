// Package main is the entrypoint for the cloudsnap CLI.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/MacJediWizard/cloudsnap/internal/config"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudsnap",
		Short: "cloudsnap - cloud snapshot backups for local sites",
		Long: `cloudsnap backs up local sites to Dropbox and Google Drive using
restic over rclone, clones sites from cloud snapshots, and migrates
existing repositories to the current metadata and password scheme.

Run 'cloudsnap credentials set' to connect a provider.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.cloudsnap/config.yml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newSitesCmd(),
		newCredentialsCmd(),
		newBackupCmd(),
		newSnapshotsCmd(),
		newCloneCmd(),
		newMigrateCmd(),
		newStartCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cloudsnap %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// resolveConfigPath returns the --config value or the default path.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage cloudsnap configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Printf("Config file:   %s\n", path)
			fmt.Println()
			fmt.Printf("Bin dir:       %s\n", valueOr(cfg.BinDir, "(PATH)"))
			fmt.Printf("Restic:        %s\n", cfg.ResticBinary)
			fmt.Printf("Rclone:        %s\n", cfg.RcloneBinary)
			fmt.Printf("Catalog:       %s\n", cfg.CatalogPath)
			fmt.Printf("Sites file:    %s\n", cfg.SitesFile)
			fmt.Printf("Sites root:    %s\n", cfg.SitesRoot)
			fmt.Printf("Min free:      %d MiB\n", cfg.MinFreeMB)
			fmt.Printf("User data:     %s\n", cfg.UserDataDir)
			fmt.Printf("Log level:     %s\n", cfg.LogLevel)
			fmt.Printf("Master key:    %s\n", maskSecret(cfg.CatalogMasterKey, cfg.KeyFilePath()))
			fmt.Printf("Migration pw:  %s\n", maskSecret(cfg.Migration.DefaultPassword, "(not set)"))
			fmt.Printf("Metrics addr:  %s\n", valueOr(cfg.MetricsAddr, "(disabled)"))
			fmt.Printf("Schedules:     %d\n", len(cfg.Schedules))
			for _, s := range cfg.Schedules {
				fmt.Printf("  %-20s %-12s %s\n", s.Site, s.Provider, s.Cron)
			}

			if err := cfg.Validate(); err != nil {
				fmt.Println()
				fmt.Printf("Configuration is invalid: %v\n", err)
			}
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg, err := config.Load(path)
			if err != nil && !force {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg == nil {
				cfg = &config.Config{}
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// maskSecret shows only the last four characters of a secret.
func maskSecret(secret, fallback string) string {
	if secret == "" {
		return fallback
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
