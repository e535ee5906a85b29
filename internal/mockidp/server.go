// Package mockidp is a development identity backend: OTP login, rotating
// refresh tokens and one protected endpoint, with hooks that let tests
// expire or revoke credentials.
package mockidp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/go-authgate/authsession/internal/privacylog"
)

// Defaults for Options.
const (
	DefaultDevCode    = "123456"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Options configures New.
type Options struct {
	Secret     []byte
	DevCode    string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// FixedRefresh keeps refresh tokens across refreshes instead of rotating.
	FixedRefresh bool
	Logger       *slog.Logger
	Now          func() time.Time
}

type accessClaims struct {
	Epoch int64 `json:"epoch"`
	jwt.RegisteredClaims
}

type refreshRecord struct {
	phone     string
	expiresAt time.Time
	revoked   bool
}

// Server is the mock backend. Its handler is safe for concurrent use.
type Server struct {
	secret     []byte
	devCode    string
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	codes        map[string]string
	refresh      map[string]*refreshRecord
	fixedRefresh bool
	failStatus   int
	refreshDelay time.Duration

	epoch        atomic.Int64
	refreshCalls atomic.Int64
	apiCalls     atomic.Int64

	router     *gin.Engine
	httpServer *http.Server
}

var parserOpts = []jwt.ParserOption{
	jwt.WithValidMethods([]string{"HS256"}),
	jwt.WithExpirationRequired(),
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		secret:       opts.Secret,
		devCode:      opts.DevCode,
		accessTTL:    opts.AccessTTL,
		refreshTTL:   opts.RefreshTTL,
		fixedRefresh: opts.FixedRefresh,
		log:          opts.Logger,
		now:          opts.Now,
		codes:        make(map[string]string),
		refresh:      make(map[string]*refreshRecord),
	}
	if len(s.secret) == 0 {
		s.secret = []byte(uuid.NewString())
	}
	if s.devCode == "" {
		s.devCode = DefaultDevCode
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}
	if s.log == nil {
		s.log = privacylog.Discard()
	}
	s.log = s.log.With("component", "mockidp")
	if s.now == nil {
		s.now = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	router.POST("/auth/request-code", s.handleRequestCode)
	router.POST("/auth/verify-code", s.handleVerifyCode)
	router.POST("/auth/refresh", s.handleRefresh)
	router.GET("/api/me", s.requireAccess(), s.handleMe)
	s.router = router
	return s
}

// Handler returns the HTTP handler, for httptest or a custom server.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("mock identity backend listening", "addr", addr, "dev_code", s.devCode)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// ExpireAccessTokens makes every access token issued so far fail validation.
func (s *Server) ExpireAccessTokens() { s.epoch.Add(1) }

// RevokeRefreshTokens revokes every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.refresh {
		rec.revoked = true
	}
}

// SetFixedRefresh switches between rotating and fixed refresh tokens.
func (s *Server) SetFixedRefresh(fixed bool) {
	s.mu.Lock()
	s.fixedRefresh = fixed
	s.mu.Unlock()
}

// FailRefresh makes /auth/refresh answer with status until called with 0.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	s.failStatus = status
	s.mu.Unlock()
}

// SetRefreshDelay slows down /auth/refresh.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// RefreshCalls counts requests to /auth/refresh.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// APICalls counts requests to the protected API.
func (s *Server) APICalls() int64 { return s.apiCalls.Load() }

// IssuePair creates a session for phone without the OTP round trip.
func (s *Server) IssuePair(phone string) (access, refresh string, err error) {
	pair, err := s.issuePair(phone)
	if err != nil {
		return "", "", err
	}
	return pair.AccessToken, pair.RefreshToken, nil
}

// DevCode returns the code accepted for every phone number.
func (s *Server) DevCode() string { return s.devCode }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"request_id", c.GetHeader("X-Request-ID"),
			"latency", time.Since(start),
		)
	}
}

func (s *Server) signAccess(phone string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.accessTTL)
	claims := accessClaims{
		Epoch: s.epoch.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   phone,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Server) verifyAccess(raw string) (*accessClaims, error) {
	var claims accessClaims
	opts := append([]jwt.ParserOption{jwt.WithTimeFunc(s.now)}, parserOpts...)
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Epoch != s.epoch.Load() {
		return nil, errors.New("access token revoked")
	}
	return &claims, nil
}

func (s *Server) newRefreshLocked(phone string, now time.Time) (string, time.Time) {
	value := uuid.NewString()
	expiresAt := now.Add(s.refreshTTL)
	s.refresh[value] = &refreshRecord{phone: phone, expiresAt: expiresAt}
	return value, expiresAt
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
