package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/workflow"
	"github.com/spf13/cobra"
)

func newSitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Manage local sites",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			sites, err := a.sites.ListSites(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sites: %w", err)
			}
			if len(sites) == 0 {
				fmt.Println("No sites configured.")
				return nil
			}

			fmt.Printf("%-38s %-24s %-28s %-10s %s\n", "ID", "NAME", "DOMAIN", "STATUS", "BACKUP")
			fmt.Println(strings.Repeat("-", 110))
			for _, s := range sites {
				backupID := "-"
				if s.HasBackupRepo() {
					backupID = s.LocalBackupRepoID
				}
				fmt.Printf("%-38s %-24s %-28s %-10s %s\n", s.ID, s.Name, s.Domain, valueOr(s.Status, "-"), backupID)
			}
			return nil
		},
	})

	return cmd
}

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage provider credentials",
	}

	cmd.AddCommand(
		newCredentialsSetCmd(),
		newCredentialsListCmd(),
	)

	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var (
		providerName string
		remoteType   string
		clientID     string
		token        string
		appKey       string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store OAuth credentials for a provider",
		Long: `Store OAuth credentials for a provider.

The token is the rclone OAuth token JSON, for example the output of
'rclone authorize dropbox'. Use --token - to read it from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := models.ParseProvider(providerName)
			if err != nil {
				return err
			}
			if token == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(string(data))
			}
			if remoteType == "" {
				remoteType = provider.RcloneName()
			}

			creds := &models.ProviderCredentials{
				Provider: provider,
				Type:     remoteType,
				ClientID: clientID,
				Token:    token,
				AppKey:   appKey,
			}
			if _, err := creds.AccessToken(); err != nil {
				return fmt.Errorf("invalid token: %w", err)
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.SetCredentials(cmd.Context(), creds); err != nil {
				return fmt.Errorf("store credentials: %w", err)
			}
			fmt.Printf("Credentials for %s saved.\n", provider.DisplayName())
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "Provider (dropbox or googleDrive)")
	cmd.Flags().StringVar(&remoteType, "type", "", "rclone remote type (defaults to the provider's)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID")
	cmd.Flags().StringVar(&token, "token", "", "OAuth token JSON, or - for stdin")
	cmd.Flags().StringVar(&appKey, "app-key", "", "Dropbox app key")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newCredentialsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List providers with stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			providers, err := a.store.Providers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list providers: %w", err)
			}
			if len(providers) == 0 {
				fmt.Println("No providers configured. Run 'cloudsnap credentials set'.")
				return nil
			}
			for _, p := range providers {
				account := "-"
				if creds, err := a.store.Credentials(cmd.Context(), p); err == nil {
					if id, err := creds.AccountID(); err == nil && id != "" {
						account = id
					}
				}
				fmt.Printf("%-14s %-14s %s\n", p, p.DisplayName(), account)
			}
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	var (
		siteID       string
		providerName string
		description  string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a site to a cloud provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := models.ParseProvider(providerName)
			if err != nil {
				return err
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			stop := holdInterrupts("backup")
			defer stop()
			ctx := cmd.Context()

			fmt.Printf("Backing up %s to %s...\n", siteID, provider.DisplayName())
			res := a.coordinator.Backup(ctx, workflow.BackupParams{
				SiteID:      siteID,
				Provider:    provider,
				Description: description,
			})
			if res.Skipped {
				return errors.New("another backup or clone is running")
			}
			if res.Err != nil {
				return fmt.Errorf("backup failed: %w", res.Err)
			}

			fmt.Println()
			fmt.Println("Backup completed successfully!")
			fmt.Printf("  Backup site: %s\n", res.BackupSiteUUID)
			fmt.Printf("  Snapshot:    %s\n", res.SnapshotHash)
			if res.Stats != nil {
				fmt.Printf("  Files new:   %d\n", res.Stats.FilesNew)
				fmt.Printf("  Changed:     %d\n", res.Stats.FilesChanged)
				fmt.Printf("  Size:        %s\n", formatBytes(res.Stats.SizeBytes))
			}
			fmt.Printf("  Duration:    %s\n", res.Duration.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVar(&siteID, "site", "", "Site ID")
	cmd.Flags().StringVar(&providerName, "provider", "", "Provider (dropbox or googleDrive)")
	cmd.Flags().StringVar(&description, "description", "", "Snapshot description")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func newSnapshotsCmd() *cobra.Command {
	var (
		siteID       string
		providerName string
		remote       bool
	)

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List a site's cloud snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := models.ParseProvider(providerName)
			if err != nil {
				return err
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			site, err := a.sites.GetSite(ctx, siteID)
			if err != nil {
				return err
			}
			if !site.HasBackupRepo() {
				fmt.Println("Site has no cloud backups.")
				return nil
			}
			bs, err := a.store.GetBackupSite(ctx, site.LocalBackupRepoID)
			if err != nil {
				return fmt.Errorf("get backup site: %w", err)
			}
			repo, err := a.store.GetBackupRepo(ctx, bs.UUID, provider)
			if err != nil {
				return fmt.Errorf("get backup repository: %w", err)
			}

			if remote {
				return printRemoteSnapshots(ctx, a, provider, repo, bs, site)
			}

			fmt.Printf("%-6s %-25s %-10s %-12s %s\n", "ID", "CREATED", "STATUS", "HASH", "DESCRIPTION")
			fmt.Println(strings.Repeat("-", 90))
			for page := 1; ; page++ {
				p, err := a.store.ListSnapshots(ctx, repo.ID, page)
				if err != nil {
					return fmt.Errorf("list snapshots: %w", err)
				}
				for _, s := range p.Snapshots {
					fmt.Printf("%-6d %-25s %-10s %-12s %s\n",
						s.ID, s.CreatedAt.Format(time.RFC3339), s.Status, shortHash(s.Hash), s.Config.Description)
				}
				if len(p.Snapshots) == 0 || p.CurrentPage >= p.LastPage {
					break
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&siteID, "site", "", "Site ID")
	cmd.Flags().StringVar(&providerName, "provider", "", "Provider (dropbox or googleDrive)")
	cmd.Flags().BoolVar(&remote, "remote", false, "List snapshots from the repository instead of the catalog")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func printRemoteSnapshots(ctx context.Context, a *app, provider models.Provider, repo *models.BackupRepo, bs *models.BackupSite, site *models.Site) error {
	snapshots, err := a.restic.ListSnapshots(ctx, provider, repo.Hash, bs.Password, site)
	if err != nil {
		return fmt.Errorf("list repository snapshots: %w", err)
	}
	fmt.Printf("%-10s %-25s %-20s %s\n", "ID", "TIME", "HOST", "PATHS")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range snapshots {
		fmt.Printf("%-10s %-25s %-20s %s\n", s.ShortID, s.Time.Format(time.RFC3339), s.Hostname, strings.Join(s.Paths, ", "))
	}
	return nil
}

func newCloneCmd() *cobra.Command {
	var (
		baseSiteID   string
		repoUUID     string
		providerName string
		snapshotHash string
		name         string
	)

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Create a new site from a cloud snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := models.ParseProvider(providerName)
			if err != nil {
				return err
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			stop := holdInterrupts("clone")
			defer stop()
			ctx := cmd.Context()

			fmt.Printf("Cloning snapshot %s from %s...\n", shortHash(snapshotHash), provider.DisplayName())
			res := a.coordinator.Clone(ctx, workflow.CloneParams{
				BaseSiteID:   baseSiteID,
				RepoUUID:     repoUUID,
				Provider:     provider,
				SnapshotHash: snapshotHash,
				NewSiteName:  name,
			})
			if res.Skipped {
				return errors.New("another backup or clone is running")
			}
			if res.Err != nil {
				return fmt.Errorf("clone failed: %w", res.Err)
			}

			fmt.Println()
			fmt.Println("Clone completed successfully!")
			fmt.Printf("  Site:     %s (%s)\n", res.Site.Name, res.Site.ID)
			fmt.Printf("  Domain:   %s\n", res.Site.Domain)
			fmt.Printf("  Path:     %s\n", res.Site.Path)
			fmt.Printf("  Duration: %s\n", res.Duration.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVar(&baseSiteID, "site", "", "Site the snapshot was taken from")
	cmd.Flags().StringVar(&repoUUID, "repo", "", "Backup site UUID (defaults to the site's)")
	cmd.Flags().StringVar(&providerName, "provider", "", "Provider (dropbox or googleDrive)")
	cmd.Flags().StringVar(&snapshotHash, "snapshot", "", "Snapshot hash")
	cmd.Flags().StringVar(&name, "name", "", "Name for the new site")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("snapshot")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate cloud repositories to the current metadata and password scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(progressPrinter{})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.coordinator.HasMigrationCompleted() {
				fmt.Println("Migration already completed.")
				return nil
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			done := make(chan workflow.MigrationResult, 1)
			go func() {
				done <- a.coordinator.Migrate(cmd.Context())
			}()

			var res workflow.MigrationResult
		wait:
			for {
				select {
				case sig := <-sigChan:
					fmt.Printf("\nReceived %s, cancelling migration...\n", sig)
					a.coordinator.CancelMigration()
				case res = <-done:
					break wait
				}
			}

			fmt.Println()
			fmt.Printf("Repositories: %d migrated, %d skipped\n", res.MigratedRepos, res.SkippedRepos)
			fmt.Printf("Snapshots:    %d migrated, %d skipped\n", res.MigratedSnapshots, res.SkippedSnapshots)
			for _, e := range res.Errors {
				fmt.Printf("  - %s\n", e)
			}
			switch {
			case res.Cancelled:
				return errors.New("migration cancelled")
			case res.Err != nil:
				return fmt.Errorf("migration failed: %w", res.Err)
			}
			fmt.Printf("Migration completed in %s.\n", res.Duration.Round(time.Second))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the migration has completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workflow.HasMigrationCompleted(cfg.UserDataDir) {
				fmt.Printf("Migration completed (%s)\n", workflow.MigrationMarkerPath(cfg.UserDataDir))
			} else {
				fmt.Println("Migration has not completed.")
			}
			return nil
		},
	})

	return cmd
}

// holdInterrupts keeps SIGINT and SIGTERM from stopping a run that has no
// cancellation path. The returned func restores default handling.
func holdInterrupts(what string) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigChan:
				fmt.Printf("\nReceived %s, the %s cannot be cancelled and will finish first\n", sig, what)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// progressPrinter writes migration progress to stdout.
type progressPrinter struct {
	workflow.NopSink
}

func (progressPrinter) OnMigrationProgress(p workflow.MigrationProgress) {
	fmt.Printf("[%3.0f%%] %s\n", p.Fraction*100, p.Message)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return valueOr(h, "-")
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
