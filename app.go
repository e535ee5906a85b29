package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/authsession/auth"
	"github.com/go-authgate/authsession/config"
	"github.com/go-authgate/authsession/identity"
	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/internal/ratelimit"
	"github.com/go-authgate/authsession/tokenstore"
	"github.com/go-authgate/authsession/tui"
)

var (
	errNotLoggedIn = errors.New("not logged in, run: authsession login -phone <number>")
	// errReported marks an error the displayer has already shown.
	errReported = errors.New("reported")
)

// stdin is where login reads the OTP code from.
var stdin io.Reader = os.Stdin

type ttyKey struct{}

func withTTY(ctx context.Context, tty bool) context.Context {
	return context.WithValue(ctx, ttyKey{}, tty)
}

func ttyFrom(ctx context.Context) bool {
	tty, _ := ctx.Value(ttyKey{}).(bool)
	return tty
}

// app is the wired session for one command invocation.
type app struct {
	cfg      *config.Config
	session  *auth.Session
	registry *prometheus.Registry
	log      *slog.Logger
	d        tui.Displayer
	closers  []func()
}

// setup parses flags and configuration and opens the session.
func setup(ctx context.Context, d tui.Displayer, fs *flag.FlagSet, args []string) (*app, error) {
	cfg, err := config.Load(fs, args)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(os.Stderr, "⚠️  WARNING: %s\n", w)
	}

	a := &app{cfg: cfg, d: d, registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.log, err = a.openLogger(ttyFrom(ctx)); err != nil {
		return nil, err
	}
	kv, err := a.openKV()
	if err != nil {
		return nil, err
	}

	ident, err := identity.New(identity.Options{
		BaseURL:         cfg.ServerURL,
		RefreshTimeout:  cfg.RefreshTimeout,
		DegradedTimeout: cfg.DegradedTimeout,
		CodeLimiter:     ratelimit.New(cfg.CodeInterval, cfg.CodeBurst),
		Logger:          a.log,
	})
	if err != nil {
		return nil, err
	}
	ident.SetDegraded(cfg.Degraded)

	mode, err := cfg.ProactiveMode()
	if err != nil {
		return nil, err
	}
	a.session, err = auth.New(ctx, auth.Options{
		KV:             kv,
		Identity:       ident,
		RequestTimeout: cfg.RequestTimeout,
		Debounce:       cfg.Debounce,
		PollInterval:   cfg.PollInterval,
		Proactive:      mode,
		Skew:           cfg.ProactiveSkew,
		Registerer:     a.registry,
		Logger:         a.log,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.session.Close)

	// a memory store would drop the imported tokens and delete the legacy file
	if cfg.Store != config.StoreMemory && cfg.LegacyTokenFile != "" {
		migrated, err := a.session.Store.Migrate(ctx, tokenstore.LegacySource{
			Path:     cfg.LegacyTokenFile,
			ClientID: cfg.ClientID,
		})
		if err != nil {
			a.log.Warn("legacy token migration failed", "error", err)
		} else if migrated {
			d.Migrated(cfg.LegacyTokenFile)
		}
	}

	ok = true
	return a, nil
}

// openLogger writes to the log file when configured. On a TTY without one,
// records are dropped so they do not tear the TUI.
func (a *app) openLogger(tty bool) (*slog.Logger, error) {
	level, err := a.cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	switch {
	case a.cfg.LogFile != "":
		f, err := os.OpenFile(a.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, func() { f.Close() })
		return privacylog.New(f, level, a.cfg.LogJSON), nil
	case tty:
		return privacylog.Discard(), nil
	default:
		return privacylog.New(os.Stderr, level, a.cfg.LogJSON), nil
	}
}

func (a *app) openKV() (tokenstore.KV, error) {
	switch a.cfg.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, func() { client.Close() })
		return tokenstore.NewRedisKV(client, a.cfg.RedisKey)
	case config.StoreMemory:
		return tokenstore.NewMemoryKV(), nil
	default:
		return tokenstore.NewFileKV(a.cfg.TokenFile, a.cfg.TokenSecret)
	}
}

// Close releases everything setup opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// call performs one authenticated request and reports the outcome.
func (a *app) call(ctx context.Context, method, path, data string) error {
	method = strings.ToUpper(method)
	a.d.Calling(method, path)

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.ServerURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.session.HTTPClient().Do(req)
	if err != nil {
		a.d.APICallFailed(err)
		return errReported
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && !a.session.Gate.IsAuthenticated() {
		a.d.ForcedLogout()
		return errReported
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.d.APICallFailed(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
		return errReported
	}

	a.d.APICallOK(resp.StatusCode, strings.TrimSpace(string(respBody)))
	return nil
}

// sessionInfo summarizes the stored pair for the displayer.
func (a *app) sessionInfo() tui.SessionInfo {
	p := a.session.Store.Read()
	now := time.Now()
	info := tui.SessionInfo{Status: a.session.Gate.Status().String()}

	if p.HasAccess() {
		info.Preview = p.AccessValue()
		if len(info.Preview) > 50 {
			info.Preview = info.Preview[:50]
		}
		info.TokenType = "Bearer"
		if !p.Access.ExpiresAt.IsZero() {
			info.ExpiresIn = remaining(p.Access.ExpiresAt, now)
		}
	}
	if p.HasRefresh() {
		info.HasRefresh = true
		if !p.Refresh.ExpiresAt.IsZero() {
			info.RefreshExpiresIn = remaining(p.Refresh.ExpiresAt, now)
		}
	}
	return info
}

// remaining is the time left until t; an already expired token is reported
// as negative, never as the zero value that means unknown.
func remaining(t, now time.Time) time.Duration {
	d := t.Sub(now)
	if d == 0 {
		return -time.Nanosecond
	}
	return d
}

// navigator adapts the gate's navigation requests to the CLI.
type navigator struct {
	ctx context.Context
	app *app
	// onLogin replaces the default "please log in" message.
	onLogin func()
}

func (n *navigator) RedirectToLogin(bool) {
	if n.onLogin != nil {
		n.onLogin()
		return
	}
	n.app.d.SessionNotFound()
}

// Open replays a pending call saved as "METHOD PATH".
func (n *navigator) Open(link string) {
	method, path, ok := strings.Cut(link, " ")
	if !ok || path == "" {
		n.app.log.Warn("ignoring malformed pending call", "link", link)
		return
	}
	if err := n.app.call(n.ctx, method, path, ""); err != nil && !errors.Is(err, errReported) {
		n.app.d.APICallFailed(err)
	}
}
