package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/authsession/internal/ratelimit"
	"github.com/go-authgate/authsession/token"
	"github.com/go-authgate/authsession/transport"
)

func newTestClient(t *testing.T, srv *httptest.Server, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{BaseURL: srv.URL, HTTPClient: srv.Client()}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestValidateTokenResponse(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		accessToken string
		tokenType   string
		expiresAt   time.Time
		wantErr     bool
		errContains string
	}{
		{
			name:        "valid token response",
			accessToken: "valid-access-token-123456",
			tokenType:   "Bearer",
			expiresAt:   now.Add(time.Hour),
		},
		{
			name:        "valid token with empty type (optional field)",
			accessToken: "valid-access-token-123456",
			expiresAt:   now.Add(time.Hour),
		},
		{
			name:        "unknown expiry",
			accessToken: "valid-access-token-123456",
		},
		{
			name:        "empty access token",
			accessToken: "",
			tokenType:   "Bearer",
			wantErr:     true,
			errContains: "access_token is empty",
		},
		{
			name:        "access token too short",
			accessToken: "short",
			wantErr:     true,
			errContains: "access_token is too short",
		},
		{
			name:        "already expired",
			accessToken: "valid-access-token-123456",
			expiresAt:   now.Add(-time.Second),
			wantErr:     true,
			errContains: "already expired",
		},
		{
			name:        "invalid token type",
			accessToken: "valid-access-token-123456",
			tokenType:   "Basic",
			wantErr:     true,
			errContains: "unexpected token_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTokenResponse(tt.accessToken, tt.tokenType, tt.expiresAt, now)

			if tt.wantErr {
				if err == nil {
					t.Errorf("validateTokenResponse() expected error but got nil")
					return
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf(
						"validateTokenResponse() error = %v, want error containing %q",
						err,
						tt.errContains,
					)
				}
			} else if err != nil {
				t.Errorf("validateTokenResponse() unexpected error = %v", err)
			}
		})
	}
}

func TestRefresh_RotationMode(t *testing.T) {
	tests := []struct {
		name            string
		responseRefresh string
		wantRefresh     string
	}{
		{
			name:            "rotation mode - new refresh token returned",
			responseRefresh: "new-refresh-token-456",
			wantRefresh:     "new-refresh-token-456",
		},
		{
			name:            "fixed mode - no refresh token returned",
			responseRefresh: "",
			wantRefresh:     "old-refresh-token-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if r.URL.Path != "/auth/refresh" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if r.Header.Get(transport.RequestIDHeader) == "" {
					t.Error("refresh request carries no request id")
				}
				var body map[string]string
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("decode body: %v", err)
				}
				if body["refresh_token"] != "old-refresh-token-123" {
					t.Errorf("refresh_token = %q", body["refresh_token"])
				}

				resp := map[string]any{
					"access_token": "new-access-token-789",
					"token_type":   "Bearer",
					"expires_in":   3600,
				}
				if tt.responseRefresh != "" {
					resp["refresh_token"] = tt.responseRefresh
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(resp)
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			pair, err := c.Refresh(context.Background(), &token.Token{Value: "old-refresh-token-123"})
			if err != nil {
				t.Fatalf("Refresh() error = %v", err)
			}

			if pair.AccessValue() != "new-access-token-789" {
				t.Errorf("access = %q", pair.AccessValue())
			}
			if pair.RefreshValue() != tt.wantRefresh {
				t.Errorf("refresh = %q, want %q", pair.RefreshValue(), tt.wantRefresh)
			}
			if time.Until(pair.Access.ExpiresAt) < 59*time.Minute {
				t.Errorf("access expiry = %v, want about an hour from now", pair.Access.ExpiresAt)
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("backend calls = %d, want 1", n)
			}
		})
	}
}

func TestRefresh_Failures(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantRejected bool
	}{
		{"invalid_grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"expired"}`, true},
		{"invalid_token on 500", http.StatusInternalServerError, `{"error":"invalid_token"}`, true},
		{"unauthorized", http.StatusUnauthorized, `{"message":"revoked"}`, true},
		{"forbidden", http.StatusForbidden, ``, true},
		{"server error", http.StatusInternalServerError, `{"error":"server_error"}`, false},
		{"bad gateway", http.StatusBadGateway, `<html>upstream down</html>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).Refresh(context.Background(), &token.Token{Value: "refresh"})
			if err == nil {
				t.Fatal("Refresh() expected error")
			}
			if got := IsRejected(err); got != tt.wantRejected {
				t.Errorf("IsRejected() = %v, want %v (err = %v)", got, tt.wantRejected, err)
			}
			var rerr *oauth2.RetrieveError
			if !errors.As(err, &rerr) {
				t.Fatalf("error %v does not carry *oauth2.RetrieveError", err)
			}
			if rerr.Response.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", rerr.Response.StatusCode, tt.status)
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("refresh must not be retried, got %d calls", n)
			}
		})
	}
}

func TestRefresh_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		response    map[string]any
		errContains string
	}{
		{
			name:        "empty access token",
			response:    map[string]any{"access_token": "", "expires_in": 3600},
			errContains: "access_token is empty",
		},
		{
			name:        "access token too short",
			response:    map[string]any{"access_token": "short", "expires_in": 3600},
			errContains: "access_token is too short",
		},
		{
			name: "expired access token",
			response: map[string]any{
				"access_token":      "valid-access-token-123456",
				"access_expires_at": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
			},
			errContains: "already expired",
		},
		{
			name: "invalid token type",
			response: map[string]any{
				"access_token": "valid-access-token-123456",
				"token_type":   "Basic",
				"expires_in":   3600,
			},
			errContains: "unexpected token_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).Refresh(context.Background(), &token.Token{Value: "refresh"})
			if err == nil {
				t.Fatal("Refresh() expected error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %v, want it to contain %q", err, tt.errContains)
			}
			if IsRejected(err) {
				t.Error("a malformed response is not a token rejection")
			}
		})
	}
}

func TestRefresh_NoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	}))
	defer srv.Close()

	for _, refresh := range []*token.Token{nil, {Value: "  "}} {
		if _, err := newTestClient(t, srv).Refresh(context.Background(), refresh); !errors.Is(err, ErrNoRefreshToken) {
			t.Errorf("Refresh(%v) error = %v, want ErrNoRefreshToken", refresh, err)
		}
	}
}

func TestRefresh_DegradedTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, func(o *Options) {
		o.RefreshTimeout = 5 * time.Second
		o.DegradedTimeout = 50 * time.Millisecond
	})
	if c.RefreshTimeout() != 5*time.Second {
		t.Fatalf("RefreshTimeout() = %v", c.RefreshTimeout())
	}
	c.SetDegraded(true)
	if !c.Degraded() || c.RefreshTimeout() != 50*time.Millisecond {
		t.Fatalf("degraded timeout not applied")
	}

	start := time.Now()
	_, err := c.Refresh(context.Background(), &token.Token{Value: "refresh"})
	if err == nil {
		t.Fatal("Refresh() expected timeout error")
	}
	if IsRejected(err) {
		t.Error("a timeout is transient, not a rejection")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Refresh() took %v, degraded timeout ignored", elapsed)
	}
}

func TestRequestCode_WithRetry(t *testing.T) {
	var attemptCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := attemptCount.Add(1)
		if count < 2 {
			// Fail first attempt
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["phone_number"] != "+905551112233" {
			t.Errorf("phone_number = %q", body["phone_number"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "sent"})
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv).RequestCode(context.Background(), "+905551112233")
	if err != nil {
		t.Fatalf("RequestCode() error = %v", err)
	}
	if !res.Success || res.Message != "sent" {
		t.Errorf("RequestCode() = %+v", res)
	}
	if finalCount := attemptCount.Load(); finalCount != 2 {
		t.Errorf("Expected 2 attempts (1 retry), got %d", finalCount)
	}
}

func TestRequestCode_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "unknown number"})
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv).RequestCode(context.Background(), "+1555")
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("RequestCode() error = %v, want ErrDeclined", err)
	}
	if res == nil || res.Message != "unknown number" {
		t.Errorf("RequestCode() result = %+v", res)
	}
}

func TestRequestCode_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, srv, func(o *Options) {
		o.CodeLimiter = ratelimit.New(30*time.Second, 1)
		o.Now = func() time.Time { return now }
	})

	if _, err := c.RequestCode(context.Background(), "+1555"); err != nil {
		t.Fatalf("first RequestCode() error = %v", err)
	}
	if _, err := c.RequestCode(context.Background(), "+1555"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second RequestCode() error = %v, want ErrRateLimited", err)
	}
	if _, err := c.RequestCode(context.Background(), "+1666"); err != nil {
		t.Fatalf("other phone RequestCode() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}

func TestVerifyCode(t *testing.T) {
	accessExp := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Second)
	refreshExp := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "123456" {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "wrong code"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":            true,
			"access_token":       "verified-access-token",
			"access_expires_at":  accessExp.Format(time.RFC3339),
			"refresh_token":      "verified-refresh-token",
			"refresh_expires_at": refreshExp.Format(time.RFC3339),
		})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	pair, err := c.VerifyCode(context.Background(), "+1555", "123456")
	if err != nil {
		t.Fatalf("VerifyCode() error = %v", err)
	}
	if pair.AccessValue() != "verified-access-token" || pair.RefreshValue() != "verified-refresh-token" {
		t.Errorf("VerifyCode() = %+v", pair)
	}
	if !pair.Access.ExpiresAt.Equal(accessExp) || !pair.Refresh.ExpiresAt.Equal(refreshExp) {
		t.Errorf("expiries = %v / %v", pair.Access.ExpiresAt, pair.Refresh.ExpiresAt)
	}

	if _, err := c.VerifyCode(context.Background(), "+1555", "000000"); !errors.Is(err, ErrDeclined) {
		t.Errorf("wrong code error = %v, want ErrDeclined", err)
	}
	if _, err := c.VerifyCode(context.Background(), "+1555", ""); err == nil {
		t.Error("empty code should be rejected locally")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{BaseURL: "  "}); err == nil {
		t.Fatal("New() with empty base URL should fail")
	}
	c, err := New(Options{BaseURL: "https://id.example.com/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.baseURL != "https://id.example.com" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.RefreshTimeout() != DefaultRefreshTimeout {
		t.Errorf("RefreshTimeout() = %v", c.RefreshTimeout())
	}
}
