package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/authsession/identity"
	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/tokenstore"
	"github.com/go-authgate/authsession/transport"
)

// ErrNoSession is returned when an operation needs tokens and there are none.
var ErrNoSession = errors.New("no active session")

// DefaultProactiveSkew is how close to expiry a token is refreshed before use.
const DefaultProactiveSkew = time.Minute

// Options configures New.
type Options struct {
	KV       tokenstore.KV
	Identity *identity.Client

	// Transport is the base round tripper for API calls. Nil uses the
	// identity package's TLS settings.
	Transport      http.RoundTripper
	RequestTimeout time.Duration

	Debounce     time.Duration
	PollInterval time.Duration
	Proactive    transport.ProactiveMode
	Skew         time.Duration

	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Session is the application context: one per signed-in user and process.
// It owns the store and every component that reads or writes it.
type Session struct {
	Store       *tokenstore.Store
	Identity    *identity.Client
	Coordinator *Coordinator
	Reauth      *Reauthenticator
	Bus         *Bus
	Gate        *Gate
	Metrics     *Metrics

	client       *http.Client
	base         http.RoundTripper
	pollInterval time.Duration
	skew         time.Duration
	now          func() time.Time
	log          *slog.Logger
	baseLog      *slog.Logger
}

// New opens the store and wires the components.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.KV == nil {
		return nil, errors.New("session needs a token KV")
	}
	if opts.Identity == nil {
		return nil, errors.New("session needs an identity client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = privacylog.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	skew := opts.Skew
	if skew <= 0 {
		skew = DefaultProactiveSkew
	}

	store, err := tokenstore.Open(ctx, opts.KV, tokenstore.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	metrics := NewMetrics(opts.Registerer)
	bus := NewBus()
	coord, err := NewCoordinator(CoordinatorOptions{
		Store:     store,
		Refresher: opts.Identity,
		Debounce:  opts.Debounce,
		Metrics:   metrics,
		Logger:    logger,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}
	reauth := NewReauthenticator(store, coord, bus, metrics, logger)

	base := opts.Transport
	if base == nil {
		base = identity.NewBaseHTTPClient().Transport
	}
	client := transport.NewClient(base, transport.Options{
		Tokens:        store.State(),
		Refresher:     coord,
		Authenticator: reauth,
		Proactive:     opts.Proactive,
		Skew:          skew,
		Timeout:       opts.RequestTimeout,
		Logger:        logger,
		Now:           now,
	})

	return &Session{
		Store:        store,
		Identity:     opts.Identity,
		Coordinator:  coord,
		Reauth:       reauth,
		Bus:          bus,
		Gate:         NewGate(store, coord, bus, tokenstore.NewDeepLinks(opts.KV), logger),
		Metrics:      metrics,
		client:       client,
		base:         base,
		pollInterval: opts.PollInterval,
		skew:         skew,
		now:          now,
		log:          logger.With("component", "session"),
		baseLog:      logger,
	}, nil
}

// HTTPClient returns the client that authenticates every request.
func (s *Session) HTTPClient() *http.Client { return s.client }

// RequestCode asks the backend to send an OTP code.
func (s *Session) RequestCode(ctx context.Context, phone string) (*identity.CodeResult, error) {
	return s.Identity.RequestCode(ctx, phone)
}

// Login verifies the OTP code and stores the initial token pair.
func (s *Session) Login(ctx context.Context, phone, code string) error {
	pair, err := s.Identity.VerifyCode(ctx, phone, code)
	if err != nil {
		return err
	}
	if err := s.Store.Write(ctx, pair.Access, pair.Refresh); err != nil {
		return err
	}
	s.log.Info("logged in", "phone", phone)
	return nil
}

// Logout clears the session. It is user initiated, so no forced-logout
// signal is published.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.Store.Clear(ctx); err != nil {
		return err
	}
	s.log.Info("logged out")
	return nil
}

// NewPoller returns the background refresher for this session. A refresh
// token rejected on a tick ends the session like a rejected 401 refresh.
func (s *Session) NewPoller() *Poller {
	p := NewPoller(s.Store, s.Coordinator, s.pollInterval, s.baseLog)
	p.logout = s.Reauth
	return p
}

// TokenSource exposes the session as an oauth2.TokenSource, refreshing
// through the Coordinator when the access token is about to expire.
func (s *Session) TokenSource() oauth2.TokenSource {
	return &sessionTokenSource{s: s}
}

// Close releases idle connections.
func (s *Session) Close() {
	if c, ok := s.base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

type sessionTokenSource struct {
	s *Session
}

func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	p := ts.s.Store.Read()
	if p.HasAccess() && p.Access.ExpiresWithin(ts.s.skew, ts.s.now()) {
		ts.s.Coordinator.RequestRefresh(context.Background())
		p = ts.s.Store.Read()
	}
	if !p.HasAccess() {
		return nil, ErrNoSession
	}
	return p.OAuth2(), nil
}
