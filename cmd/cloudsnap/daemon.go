package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MacJediWizard/cloudsnap/internal/config"
	"github.com/MacJediWizard/cloudsnap/internal/metrics"
	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run scheduled backups in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	var sinks []workflow.EventSink
	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		m, err := metrics.NewPrometheusMetrics(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		sinks = append(sinks, metrics.NewSink(m))
	}

	a, err := newApp(cfg, sinks...)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger.With().Str("component", "daemon").Logger()

	fmt.Printf("cloudsnap %s starting...\n", Version)

	// Verify restic is available before starting
	if _, err := lookBinary(cfg.BinDir, cfg.ResticBinary); err != nil {
		logger.Warn().Msg("restic binary not found; backups will fail until restic is installed")
		fmt.Println("WARNING: restic not found")
	} else {
		fmt.Println("Restic: available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var srv *http.Server
	srvErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		srv = metrics.NewServer(cfg.MetricsAddr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.MetricsAddr)
	}

	cronScheduler := cron.New()
	registered := registerSchedules(ctx, cronScheduler, a.coordinator, cfg.Schedules, &logger)
	cronScheduler.Start()
	defer func() {
		<-cronScheduler.Stop().Done()
	}()

	fmt.Printf("Schedules: %d registered\n", registered)
	fmt.Println()
	fmt.Println("Daemon running. Press Ctrl+C to stop.")

	for {
		select {
		case err := <-srvErr:
			cancel()
			return fmt.Errorf("metrics server: %w", err)
		case sig := <-sigChan:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			cancel()
			a.coordinator.CancelMigration()
			if srv != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("metrics server shutdown failed")
				}
				done()
			}
			return nil
		}
	}
}

// registerSchedules adds a cron entry per schedule and returns how many
// were registered. Invalid entries are logged and skipped.
func registerSchedules(ctx context.Context, c *cron.Cron, coord *workflow.Coordinator, schedules []config.Schedule, logger *zerolog.Logger) int {
	count := 0
	for _, sched := range schedules {
		s := sched // capture loop variable
		provider, err := models.ParseProvider(s.Provider)
		if err != nil {
			logger.Error().Err(err).Str("site", s.Site).Msg("invalid schedule provider")
			continue
		}
		_, err = c.AddFunc(s.Cron, func() {
			logger.Info().Str("site", s.Site).Str("provider", string(provider)).Msg("cron triggered backup")
			res := coord.Backup(ctx, workflow.BackupParams{
				SiteID:      s.Site,
				Provider:    provider,
				Description: "Scheduled backup",
			})
			switch {
			case res.Skipped:
				logger.Warn().Str("site", s.Site).Msg("scheduled backup skipped, another run is active")
			case res.Err != nil:
				logger.Error().Err(res.Err).Str("site", s.Site).Msg("scheduled backup failed")
			}
		})
		if err != nil {
			logger.Error().Err(err).Str("site", s.Site).Str("cron", s.Cron).Msg("invalid cron expression")
			continue
		}
		count++
	}
	return count
}

// lookBinary finds name in binDir first, then in PATH.
func lookBinary(binDir, name string) (string, error) {
	if binDir != "" {
		if path, err := exec.LookPath(filepath.Join(binDir, name)); err == nil {
			return path, nil
		}
	}
	return exec.LookPath(name)
}
