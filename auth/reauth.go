package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/transport"
)

// maxAttempts bounds how often one logical request is sent: the original
// attempt plus one resend after a 401.
const maxAttempts = 2

// Reauthenticator handles 401 responses for the transport.Reauth round tripper.
//
// Only a refresh token the backend rejected ends the session: the pair is
// cleared and the forced-logout signal is published, once per token. Any
// other refresh failure gives up on the request and keeps the tokens.
type Reauthenticator struct {
	store   TokenStore
	coord   *Coordinator
	bus     *Bus
	metrics *Metrics
	log     *slog.Logger
}

// NewReauthenticator wires a Reauthenticator.
func NewReauthenticator(store TokenStore, coord *Coordinator, bus *Bus, metrics *Metrics, logger *slog.Logger) *Reauthenticator {
	if logger == nil {
		logger = privacylog.Discard()
	}
	return &Reauthenticator{
		store:   store,
		coord:   coord,
		bus:     bus,
		metrics: metrics,
		log:     logger.With("component", "reauth"),
	}
}

var _ transport.Authenticator = (*Reauthenticator)(nil)

// Authenticate returns the request to resend for a 401, or nil to give up.
// Only storage failures and cancellation are returned as errors.
func (r *Reauthenticator) Authenticate(ctx context.Context, resp *http.Response, chain []*http.Response) (*http.Request, error) {
	log := r.log.With("request_id", resp.Request.Header.Get(transport.RequestIDHeader))

	if len(chain) >= maxAttempts {
		log.Warn("giving up after repeated 401", "attempts", len(chain))
		r.metrics.reauth("exhausted")
		return nil, nil
	}

	pair := r.store.Read()
	if !pair.HasRefresh() {
		log.Info("401 without refresh token, giving up")
		r.metrics.reauth("no_refresh_token")
		return nil, nil
	}

	// the pair was already replaced since this request was sent
	if current := pair.AccessValue(); current != "" && current != transport.BearerToken(resp.Request) {
		log.Debug("retrying with the token stored meanwhile")
		r.metrics.reauth("already_refreshed")
		return r.resend(log, resp.Request, current)
	}

	log.Info("401 received, refreshing")
	start := time.Now()
	res := r.coord.Refresh(ctx)

	switch {
	case res.OK:
		access := r.store.Read().AccessValue()
		if access == "" {
			r.metrics.reauth("no_access_token")
			return nil, nil
		}
		log.Info("reauthenticated, resending", "latency", time.Since(start), "shared", res.Shared)
		r.metrics.reauth("success")
		return r.resend(log, resp.Request, access)

	case res.Failure == FailureRejected:
		r.metrics.reauth("rejected")
		if _, err := r.ForceLogout(ctx, pair.RefreshValue()); err != nil {
			return nil, err
		}
		return nil, nil

	case res.Failure == FailureStorage:
		r.metrics.reauth("storage")
		return nil, res.Err

	case res.Failure == FailureCanceled:
		r.metrics.reauth("canceled")
		return nil, res.Err

	default:
		log.Warn("refresh failed, giving up", "kind", res.Failure.String(), "error", res.Err)
		r.metrics.reauth(res.Failure.String())
		return nil, nil
	}
}

// ForceLogout ends the session after the backend rejected refresh: the pair
// is cleared and the forced-logout signal published, but only if refresh is
// still the stored refresh token. It reports whether it cleared.
func (r *Reauthenticator) ForceLogout(ctx context.Context, refresh string) (bool, error) {
	cleared, err := r.store.CompareAndClear(ctx, refresh)
	if err != nil {
		r.log.Error("clearing rejected session failed", "error", err)
		return false, fmt.Errorf("clear rejected session: %w", err)
	}
	if cleared {
		r.log.Warn("refresh token rejected, forcing logout")
		r.metrics.forcedLogout()
		r.bus.Publish()
	}
	return cleared, nil
}

func (r *Reauthenticator) resend(log *slog.Logger, req *http.Request, access string) (*http.Request, error) {
	out, err := transport.Resend(req, access)
	if errors.Is(err, transport.ErrBodyNotReplayable) {
		log.Warn("cannot resend request with a consumed body")
		return nil, nil
	}
	return out, err
}
