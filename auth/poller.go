package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-authgate/authsession/internal/privacylog"
)

// DefaultPollInterval is the foreground refresh period.
const DefaultPollInterval = 30 * time.Second

// Poller refreshes periodically while the app is in the foreground. Each tick
// goes through the Coordinator like every other refresh trigger.
type Poller struct {
	store    TokenStore
	coord    *Coordinator
	interval time.Duration
	log      *slog.Logger

	// logout, when set, ends the session once the backend rejects the
	// refresh token; otherwise a dead session lingers until the next 401.
	logout interface {
		ForceLogout(ctx context.Context, refresh string) (bool, error)
	}
}

// NewPoller returns a Poller; a non-positive interval uses DefaultPollInterval.
func NewPoller(store TokenStore, coord *Coordinator, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = privacylog.Discard()
	}
	return &Poller{store: store, coord: coord, interval: interval, log: logger.With("component", "poller")}
}

// Run blocks until ctx ends. A refresh running at that moment finishes on
// its own.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("background refresh started", "interval", p.interval)
	defer p.log.Info("background refresh stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refresh := p.store.Read().RefreshValue()
			if refresh == "" {
				continue
			}
			res := p.coord.Refresh(ctx)
			switch {
			case res.OK, res.Failure == FailureCanceled:
			case res.Failure == FailureRejected && p.logout != nil:
				if _, err := p.logout.ForceLogout(ctx, refresh); err != nil {
					p.log.Error("ending rejected session failed", "error", err)
				}
			default:
				p.log.Debug("background refresh failed", "kind", res.Failure.String())
			}
		}
	}
}
