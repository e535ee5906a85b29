package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-authgate/authsession/internal/privacylog"
)

// Navigator is the UI shell as seen by the gate.
type Navigator interface {
	// RedirectToLogin shows the login flow; clearBackstack drops history so
	// back navigation cannot reach protected screens.
	RedirectToLogin(clearBackstack bool)
	// Open navigates to a deep link.
	Open(link string)
}

// DeepLinkStore persists the link to resume after login.
type DeepLinkStore interface {
	Save(ctx context.Context, link string) error
	Take(ctx context.Context) (string, error)
}

// Status is the session state as far as the gate can tell.
type Status int

const (
	NoSession Status = iota
	Active
)

func (s Status) String() string {
	if s == Active {
		return "active"
	}
	return "no_session"
}

// Gate decides whether a screen may be entered.
type Gate struct {
	store TokenStore
	coord *Coordinator
	bus   *Bus
	links DeepLinkStore
	log   *slog.Logger
}

// NewGate wires a Gate. links may be nil when deep links are not persisted.
func NewGate(store TokenStore, coord *Coordinator, bus *Bus, links DeepLinkStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = privacylog.Discard()
	}
	return &Gate{store: store, coord: coord, bus: bus, links: links, log: logger.With("component", "gate")}
}

// IsAuthenticated reports whether a non-blank access token is present. It
// does not check expiry; a stale token is found out by the first 401.
func (g *Gate) IsAuthenticated() bool {
	return strings.TrimSpace(g.store.Read().AccessValue()) != ""
}

// Status returns Active when IsAuthenticated.
func (g *Gate) Status() Status {
	if g.IsAuthenticated() {
		return Active
	}
	return NoSession
}

// EnsureFreshSession refreshes silently at startup when a session exists
// and reports whether it is usable. A failed refresh does not end the
// session here.
func (g *Gate) EnsureFreshSession(ctx context.Context) bool {
	if !g.IsAuthenticated() {
		return false
	}
	if !g.coord.RequestRefresh(ctx) {
		g.log.Info("startup refresh did not succeed, keeping current tokens")
	}
	return g.IsAuthenticated()
}

// RequireAuth redirects to login, clearing the backstack, when there is no
// session. It reports whether the caller may proceed.
func (g *Gate) RequireAuth(nav Navigator) bool {
	if g.IsAuthenticated() {
		return true
	}
	nav.RedirectToLogin(true)
	return false
}

// RequireAuthWithDeepLink is RequireAuth that also remembers link so
// ResumeDeepLink can open it after login.
func (g *Gate) RequireAuthWithDeepLink(ctx context.Context, nav Navigator, link string) (bool, error) {
	if g.IsAuthenticated() {
		return true, nil
	}
	var err error
	if g.links != nil {
		if err = g.links.Save(ctx, link); err != nil {
			err = fmt.Errorf("remember deep link: %w", err)
		}
	}
	nav.RedirectToLogin(true)
	return false, err
}

// ResumeDeepLink opens the link saved by RequireAuthWithDeepLink, if any,
// once a session exists. It returns the opened link.
func (g *Gate) ResumeDeepLink(ctx context.Context, nav Navigator) (string, error) {
	if g.links == nil || !g.IsAuthenticated() {
		return "", nil
	}
	link, err := g.links.Take(ctx)
	if err != nil || link == "" {
		return "", err
	}
	nav.Open(link)
	return link, nil
}

// Watch redirects to login on every forced logout until ctx ends.
func (g *Gate) Watch(ctx context.Context, nav Navigator) error {
	events, unsubscribe := g.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			g.log.Info("forced logout, redirecting to login")
			nav.RedirectToLogin(true)
		}
	}
}
