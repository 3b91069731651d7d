package host

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier reports workflow side effects through the logger and, when a
// SiteStore is set, persists site status changes.
type LogNotifier struct {
	sites  SiteStore
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier. sites may be nil.
func NewLogNotifier(sites SiteStore, logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{
		sites:  sites,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// SetSiteStatus logs the status change and stores it on the site.
func (n *LogNotifier) SetSiteStatus(ctx context.Context, siteID, status, message string) {
	event := n.logger.Info().Str("site", siteID).Str("status", status)
	if message != "" {
		event = event.Str("message", message)
	}
	event.Msg("site status changed")

	if n.sites == nil {
		return
	}
	site, err := n.sites.GetSite(ctx, siteID)
	if err != nil {
		n.logger.Warn().Err(err).Str("site", siteID).Msg("failed to load site for status update")
		return
	}
	site.Status = status
	if err := n.sites.UpdateSite(ctx, site); err != nil {
		n.logger.Warn().Err(err).Str("site", siteID).Msg("failed to store site status")
	}
}

// SelectSite logs the site a workflow is acting on.
func (n *LogNotifier) SelectSite(_ context.Context, siteID string) {
	n.logger.Debug().Str("site", siteID).Msg("site selected")
}

// ShowError logs a user-facing error.
func (n *LogNotifier) ShowError(_ context.Context, title string, err error) {
	n.logger.Error().Err(err).Str("title", title).Msg("workflow error")
}
