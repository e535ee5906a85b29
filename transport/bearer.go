package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/token"
)

// Tokens is the read side of the token cache.
type Tokens interface {
	Current() token.Pair
}

// Refresher is the single entry point for refresh requests.
type Refresher interface {
	RequestRefresh(ctx context.Context) bool
}

// ProactiveMode selects when Bearer refreshes before sending a request.
type ProactiveMode int

const (
	// ProactiveExpiry refreshes when the access token expires within the skew.
	ProactiveExpiry ProactiveMode = iota
	// ProactiveAlways asks for a refresh before every request; the
	// coordinator's debounce collapses bursts.
	ProactiveAlways
	// ProactiveOff never refreshes before a request.
	ProactiveOff
)

// ParseProactiveMode accepts "expiry", "always" and "off".
func ParseProactiveMode(s string) (ProactiveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "expiry":
		return ProactiveExpiry, nil
	case "always":
		return ProactiveAlways, nil
	case "off", "none":
		return ProactiveOff, nil
	default:
		return ProactiveOff, fmt.Errorf("unknown proactive refresh mode %q", s)
	}
}

func (m ProactiveMode) String() string {
	switch m {
	case ProactiveExpiry:
		return "expiry"
	case ProactiveAlways:
		return "always"
	case ProactiveOff:
		return "off"
	default:
		return fmt.Sprintf("ProactiveMode(%d)", int(m))
	}
}

// Bearer attaches the current access token to each request. Depending on
// Mode it first asks Refresher for a refresh; the outcome is ignored, since a
// 401 still reaches the reactive path.
type Bearer struct {
	Tokens    Tokens
	Refresher Refresher
	Mode      ProactiveMode
	Skew      time.Duration
	Now       func() time.Time
	Log       *slog.Logger
	Next      http.RoundTripper
}

func (t *Bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.wantsRefresh() {
		if ok := t.Refresher.RequestRefresh(req.Context()); !ok {
			t.logger().Debug("proactive refresh did not succeed",
				"request_id", RequestIDFrom(req.Context()))
		}
	}

	access := strings.TrimSpace(t.Tokens.Current().AccessValue())
	if access == "" {
		return next(t.Next).RoundTrip(req)
	}
	return next(t.Next).RoundTrip(withBearer(req, access))
}

func (t *Bearer) wantsRefresh() bool {
	if t.Refresher == nil || t.Mode == ProactiveOff {
		return false
	}
	p := t.Tokens.Current()
	if !p.HasAccess() {
		return false
	}
	if t.Mode == ProactiveAlways {
		return true
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return p.Access.ExpiresWithin(t.Skew, now())
}

func (t *Bearer) logger() *slog.Logger {
	if t.Log == nil {
		return privacylog.Discard()
	}
	return t.Log
}

func withBearer(req *http.Request, access string) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+access)
	return out
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(req *http.Request) string {
	if req == nil {
		return ""
	}
	h := req.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
