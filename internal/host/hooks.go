package host

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"github.com/MacJediWizard/cloudsnap/internal/process"
	"github.com/rs/zerolog"
)

// HookCommands are shell commands run for host operations. They receive
// the site in CLOUDSNAP_SITE_* variables and run in the site directory.
// An empty command is skipped.
type HookCommands struct {
	Provision     string
	Restart       string
	SearchReplace string
}

// CommandHooks implements Provisioner and SearchReplacer with shell hooks.
type CommandHooks struct {
	hooks  HookCommands
	runner Runner
	logger zerolog.Logger
}

// NewCommandHooks creates hook-backed host operations.
func NewCommandHooks(hooks HookCommands, runner Runner, logger zerolog.Logger) *CommandHooks {
	return &CommandHooks{
		hooks:  hooks,
		runner: runner,
		logger: logger.With().Str("component", "host_hooks").Logger(),
	}
}

// Provision runs the provision hook.
func (h *CommandHooks) Provision(ctx context.Context, site *models.Site) error {
	return h.run(ctx, "provision", h.hooks.Provision, site, nil)
}

// Restart runs the restart hook.
func (h *CommandHooks) Restart(ctx context.Context, site *models.Site) error {
	return h.run(ctx, "restart", h.hooks.Restart, site, nil)
}

// ReplaceDomain runs the search-replace hook with CLOUDSNAP_OLD_DOMAIN and
// CLOUDSNAP_NEW_DOMAIN set.
func (h *CommandHooks) ReplaceDomain(ctx context.Context, site *models.Site, oldDomain, newDomain string) error {
	if oldDomain == newDomain {
		h.logger.Debug().Str("domain", newDomain).Msg("domain unchanged, skipping search-replace")
		return nil
	}
	return h.run(ctx, "search-replace", h.hooks.SearchReplace, site, map[string]string{
		"CLOUDSNAP_OLD_DOMAIN": oldDomain,
		"CLOUDSNAP_NEW_DOMAIN": newDomain,
	})
}

func (h *CommandHooks) run(ctx context.Context, name, script string, site *models.Site, extra map[string]string) error {
	if script == "" {
		h.logger.Debug().Str("hook", name).Msg("no hook configured")
		return nil
	}

	env := siteEnv(site)
	for k, v := range extra {
		env[k] = v
	}

	h.logger.Info().Str("hook", name).Str("site", site.ID).Msg("running hook")
	if _, err := h.runner.Run(ctx, process.Command{Script: script, Dir: site.Path, Env: env}); err != nil {
		return fmt.Errorf("%s hook: %w", name, err)
	}
	return nil
}

func siteEnv(site *models.Site) map[string]string {
	env := map[string]string{
		"CLOUDSNAP_SITE_ID":     site.ID,
		"CLOUDSNAP_SITE_NAME":   site.Name,
		"CLOUDSNAP_SITE_DOMAIN": site.Domain,
		"CLOUDSNAP_SITE_PATH":   site.Path,
		"CLOUDSNAP_DB_NAME":     site.Database.Name,
	}
	if site.Database.User != "" {
		env["CLOUDSNAP_DB_USER"] = site.Database.User
		env["CLOUDSNAP_DB_PASSWORD"] = site.Database.Password
	}
	return env
}
