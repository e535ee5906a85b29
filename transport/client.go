package transport

import (
	"log/slog"
	"net/http"
	"time"
)

// Options configures NewClient.
type Options struct {
	Tokens        Tokens
	Refresher     Refresher
	Authenticator Authenticator

	Proactive ProactiveMode
	Skew      time.Duration

	// Timeout bounds a whole logical request including a resend.
	Timeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// NewRoundTripper composes RequestID -> Bearer -> Reauth -> base.
func NewRoundTripper(base http.RoundTripper, opts Options) http.RoundTripper {
	return &RequestID{
		Next: &Bearer{
			Tokens:    opts.Tokens,
			Refresher: opts.Refresher,
			Mode:      opts.Proactive,
			Skew:      opts.Skew,
			Now:       opts.Now,
			Log:       opts.Logger,
			Next: &Reauth{
				Authenticator: opts.Authenticator,
				Next:          base,
			},
		},
	}
}

// NewClient returns an *http.Client whose requests are authenticated.
func NewClient(base http.RoundTripper, opts Options) *http.Client {
	return &http.Client{
		Transport: NewRoundTripper(base, opts),
		Timeout:   opts.Timeout,
	}
}
