// Package identity talks to the identity backend: OTP login and token refresh.
package identity

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	retry "github.com/appleboy/go-httpretry"

	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/internal/ratelimit"
	"github.com/go-authgate/authsession/token"
	"github.com/go-authgate/authsession/transport"
)

// Timeout configuration for different operations
const (
	DefaultRefreshTimeout  = 10 * time.Second
	DefaultDegradedTimeout = 4 * time.Second
	codeRequestTimeout     = 10 * time.Second
	verifyCodeTimeout      = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL string

	// HTTPClient performs the refresh call and is wrapped by the retrying
	// client used for the login endpoints. Nil uses a TLS 1.2+ client.
	HTTPClient *http.Client

	RefreshTimeout  time.Duration
	DegradedTimeout time.Duration

	// CodeLimiter throttles RequestCode per phone number; nil disables it.
	CodeLimiter *ratelimit.PhoneLimiter

	Logger *slog.Logger
	Now    func() time.Time
}

// Client is the identity backend client. It is safe for concurrent use.
type Client struct {
	baseURL         string
	http            *http.Client
	retry           *retry.Client
	refreshTimeout  time.Duration
	degradedTimeout time.Duration
	limiter         *ratelimit.PhoneLimiter
	log             *slog.Logger
	now             func() time.Time

	degraded atomic.Bool
}

// CodeResult is the answer to RequestCode.
type CodeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type tokenResponse struct {
	Success          *bool     `json:"success,omitempty"`
	Message          string    `json:"message"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	ExpiresIn        int       `json:"expires_in"`
	TokenType        string    `json:"token_type"`
	Scope            string    `json:"scope"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// NewBaseHTTPClient returns the transport settings used for backend calls.
func NewBaseHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity base URL cannot be empty")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewBaseHTTPClient()
	}

	// Wrap with retry logic using go-httpretry
	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	c := &Client{
		baseURL:         baseURL,
		http:            httpClient,
		retry:           retryClient,
		refreshTimeout:  opts.RefreshTimeout,
		degradedTimeout: opts.DegradedTimeout,
		limiter:         opts.CodeLimiter,
		log:             opts.Logger,
		now:             opts.Now,
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.degradedTimeout <= 0 {
		c.degradedTimeout = DefaultDegradedTimeout
	}
	if c.log == nil {
		c.log = privacylog.Discard()
	}
	c.log = c.log.With("component", "identity")
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// SetDegraded switches the refresh call to the shorter low-connectivity timeout.
func (c *Client) SetDegraded(on bool) { c.degraded.Store(on) }

// Degraded reports whether the degraded timeout is in effect.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// RefreshTimeout returns the timeout the next refresh call will use.
func (c *Client) RefreshTimeout() time.Duration {
	if c.degraded.Load() {
		return c.degradedTimeout
	}
	return c.refreshTimeout
}

// RequestCode asks the backend to send an OTP code to phone.
func (c *Client) RequestCode(ctx context.Context, phone string) (*CodeResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, errors.New("phone number cannot be empty")
	}
	if ok, wait := c.limiter.Take(phone, c.now()); !ok {
		c.log.Warn("code request throttled", "phone", phone, "retry_after", wait)
		return nil, fmt.Errorf("%w, try again in %s", ErrRateLimited, wait.Round(time.Second))
	}

	reqCtx, cancel := context.WithTimeout(ctx, codeRequestTimeout)
	defer cancel()

	body, err := c.postWithRetry(reqCtx, "/auth/request-code", map[string]string{
		"phone_number": phone,
	})
	if err != nil {
		return nil, fmt.Errorf("code request failed: %w", err)
	}

	var result CodeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse code response: %w", err)
	}
	if !result.Success {
		return &result, fmt.Errorf("%w: %s", ErrDeclined, result.Message)
	}
	return &result, nil
}

// VerifyCode exchanges an OTP code for the initial token pair.
func (c *Client) VerifyCode(ctx context.Context, phone, code string) (token.Pair, error) {
	phone = strings.TrimSpace(phone)
	code = strings.TrimSpace(code)
	if phone == "" || code == "" {
		return token.Pair{}, errors.New("phone number and code are required")
	}

	reqCtx, cancel := context.WithTimeout(ctx, verifyCodeTimeout)
	defer cancel()

	body, err := c.postWithRetry(reqCtx, "/auth/verify-code", map[string]string{
		"phone_number": phone,
		"code":         code,
	})
	if err != nil {
		return token.Pair{}, fmt.Errorf("code verification failed: %w", err)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return token.Pair{}, fmt.Errorf("failed to parse verification response: %w", err)
	}
	if tokenResp.Success != nil && !*tokenResp.Success {
		return token.Pair{}, fmt.Errorf("%w: %s", ErrDeclined, tokenResp.Message)
	}

	pair, err := c.pairFromResponse(&tokenResp, nil)
	if err != nil {
		return token.Pair{}, err
	}
	if !pair.HasRefresh() {
		return token.Pair{}, errors.New("invalid token response: refresh_token is empty")
	}
	return pair, nil
}

// Refresh exchanges refresh for a new pair. It makes exactly one backend
// call and has no side effects. If the backend does not rotate the refresh
// token, the returned pair carries the one that was passed in.
func (c *Client) Refresh(ctx context.Context, refresh *token.Token) (token.Pair, error) {
	if !refresh.Present() {
		return token.Pair{}, ErrNoRefreshToken
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.RefreshTimeout())
	defer cancel()

	req, err := c.newJSONRequest(reqCtx, "/auth/refresh", map[string]string{
		"refresh_token": refresh.Value,
	})
	if err != nil {
		return token.Pair{}, fmt.Errorf("failed to create request: %w", err)
	}

	// no retries here: a rotated refresh token must not be replayed
	resp, err := c.http.Do(req)
	if err != nil {
		return token.Pair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return token.Pair{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := classifyRefreshError(resp, body)
		c.log.Debug("refresh call failed",
			"request_id", req.Header.Get(transport.RequestIDHeader),
			"status", resp.StatusCode,
			"rejected", IsRejected(err),
		)
		return token.Pair{}, err
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return token.Pair{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	return c.pairFromResponse(&tokenResp, refresh)
}

// pairFromResponse validates a token response and builds the pair. previous
// is kept when the response carries no refresh token.
func (c *Client) pairFromResponse(tokenResp *tokenResponse, previous *token.Token) (token.Pair, error) {
	now := c.now()

	expiresAt := tokenResp.AccessExpiresAt
	if expiresAt.IsZero() && tokenResp.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	access := token.WithJWTExpiry(&token.Token{
		Value:     tokenResp.AccessToken,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Scope:     tokenResp.Scope,
	})

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		access.ExpiresAt,
		now,
	); err != nil {
		return token.Pair{}, fmt.Errorf("invalid token response: %w", err)
	}

	// Handle refresh token rotation modes:
	// - Rotation mode: server returns a new refresh_token (use it)
	// - Fixed mode: server omits refresh_token (keep the old one)
	var refresh *token.Token
	if tokenResp.RefreshToken != "" {
		refresh = &token.Token{
			Value:     tokenResp.RefreshToken,
			IssuedAt:  now,
			ExpiresAt: tokenResp.RefreshExpiresAt,
		}
	} else if previous.Present() {
		refresh = previous.Clone()
	}

	return token.Pair{Access: access, Refresh: refresh}, nil
}

func (c *Client) newJSONRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req, _ = transport.EnsureRequestID(req)
	return req, nil
}

// postWithRetry sends a JSON POST through the retrying client and returns the
// body of a 200 response. Other statuses come back as *oauth2.RetrieveError.
func (c *Client) postWithRetry(ctx context.Context, path string, payload any) ([]byte, error) {
	req, err := c.newJSONRequest(ctx, path, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Execute request with retry logic
	resp, err := c.retry.DoWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, retrieveError(resp, body)
	}
	return body, nil
}
