package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/go-authgate/authsession/identity"
	"github.com/go-authgate/authsession/token"
	"github.com/go-authgate/authsession/tokenstore"
	"github.com/go-authgate/authsession/transport"
)

func unauthorized(t *testing.T, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://api.test/messages", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set(transport.RequestIDHeader, "req-1")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return &http.Response{StatusCode: http.StatusUnauthorized, Request: req, Body: http.NoBody}
}

type reauthFixture struct {
	store     *tokenstore.Store
	refresher *fakeRefresher
	bus       *Bus
	metrics   *Metrics
	reauth    *Reauthenticator
}

func newReauthFixture(t *testing.T, access, refresh string) *reauthFixture {
	t.Helper()
	_, store := newTestStore(t, access, refresh)
	refresher := &fakeRefresher{}
	metrics := NewMetrics(prometheus.NewRegistry())
	coord := newTestCoordinator(t, store, refresher, func(o *CoordinatorOptions) { o.Metrics = metrics })
	bus := NewBus()
	return &reauthFixture{
		store:     store,
		refresher: refresher,
		bus:       bus,
		metrics:   metrics,
		reauth:    NewReauthenticator(store, coord, bus, metrics, nil),
	}
}

func TestReauth_RefreshAndResend(t *testing.T) {
	f := newReauthFixture(t, "old-access", "old-refresh")

	resp := unauthorized(t, "old-access")
	req, err := f.reauth.Authenticate(context.Background(), resp, []*http.Response{resp})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if req == nil {
		t.Fatal("Authenticate() gave up")
	}
	if got := transport.BearerToken(req); got != "access-1" {
		t.Errorf("resend bearer = %q, want access-1", got)
	}
	if req.Header.Get(transport.RequestIDHeader) != "req-1" {
		t.Error("resend lost the request id")
	}
	if f.refresher.calls.Load() != 1 {
		t.Errorf("backend calls = %d", f.refresher.calls.Load())
	}
	if got := testutil.ToFloat64(f.metrics.reauthTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("reauth success = %v", got)
	}
}

func TestReauth_RetryBound(t *testing.T) {
	f := newReauthFixture(t, "a", "r")

	first := unauthorized(t, "a")
	second := unauthorized(t, "a")
	req, err := f.reauth.Authenticate(context.Background(), second, []*http.Response{first, second})
	if err != nil || req != nil {
		t.Fatalf("Authenticate() = %v, %v; want nil, nil", req, err)
	}
	if f.refresher.calls.Load() != 0 {
		t.Error("no refresh may happen once the bound is reached")
	}
	if got := testutil.ToFloat64(f.metrics.reauthTotal.WithLabelValues("exhausted")); got != 1 {
		t.Errorf("exhausted = %v", got)
	}
}

func TestReauth_NoRefreshToken(t *testing.T) {
	f := newReauthFixture(t, "a", "")
	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	resp := unauthorized(t, "a")
	req, err := f.reauth.Authenticate(context.Background(), resp, []*http.Response{resp})
	if err != nil || req != nil {
		t.Fatalf("Authenticate() = %v, %v; want nil, nil", req, err)
	}
	if f.store.Read().AccessValue() != "a" {
		t.Error("tokens must be kept")
	}
	select {
	case <-ch:
		t.Error("no forced logout without a rejected refresh")
	default:
	}
}

func TestReauth_AlreadyRefreshedElsewhere(t *testing.T) {
	f := newReauthFixture(t, "newer-access", "r")

	resp := unauthorized(t, "stale-access")
	req, err := f.reauth.Authenticate(context.Background(), resp, []*http.Response{resp})
	if err != nil || req == nil {
		t.Fatalf("Authenticate() = %v, %v", req, err)
	}
	if transport.BearerToken(req) != "newer-access" {
		t.Errorf("bearer = %q", transport.BearerToken(req))
	}
	if f.refresher.calls.Load() != 0 {
		t.Error("no refresh needed when the token already changed")
	}
}

func TestReauth_RejectedForcesLogoutOnce(t *testing.T) {
	f := newReauthFixture(t, "a", "r")
	f.refresher.fn = func(ctx context.Context, refresh *token.Token) (token.Pair, error) {
		time.Sleep(20 * time.Millisecond)
		return token.Pair{}, fmt.Errorf("%w: invalid_grant", identity.ErrRefreshRejected)
	}

	var events atomic.Int32
	ch, unsubscribe := f.bus.Subscribe()
	stop := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-ch:
				events.Add(1)
			case <-stop:
				return
			}
		}
	}()

	const requests = 8
	var wg sync.WaitGroup
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func() {
			defer wg.Done()
			resp := unauthorized(t, "a")
			req, err := f.reauth.Authenticate(context.Background(), resp, []*http.Response{resp})
			if err != nil || req != nil {
				t.Errorf("Authenticate() = %v, %v; want nil, nil", req, err)
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	watcher.Wait()
	unsubscribe()

	if !f.store.Read().Empty() {
		t.Fatalf("store = %+v, want empty", f.store.Read())
	}
	if n := events.Load(); n != 1 {
		t.Fatalf("forced logout events = %d, want 1", n)
	}
	if got := testutil.ToFloat64(f.metrics.forcedLogouts); got != 1 {
		t.Errorf("forced logout counter = %v, want 1", got)
	}
}

func TestReauth_TransientKeepsTokens(t *testing.T) {
	f := newReauthFixture(t, "a", "r")
	f.refresher.fn = func(ctx context.Context, refresh *token.Token) (token.Pair, error) {
		return token.Pair{}, errors.New("connection reset")
	}
	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	resp := unauthorized(t, "a")
	req, err := f.reauth.Authenticate(context.Background(), resp, []*http.Response{resp})
	if err != nil || req != nil {
		t.Fatalf("Authenticate() = %v, %v; want nil, nil", req, err)
	}
	if f.store.Read().RefreshValue() != "r" {
		t.Error("transient failure must keep the tokens")
	}
	select {
	case <-ch:
		t.Error("transient failure must not force a logout")
	default:
	}
}

func TestReauth_StorageFailureIsAnError(t *testing.T) {
	kv, store := newTestStore(t, "a", "r")
	coord := newTestCoordinator(t, store, &fakeRefresher{})
	reauth := NewReauthenticator(store, coord, NewBus(), nil, nil)

	kv.FailApply = errors.New("disk full")
	resp := unauthorized(t, "a")
	req, err := reauth.Authenticate(context.Background(), resp, []*http.Response{resp})
	if err == nil || req != nil {
		t.Fatalf("Authenticate() = %v, %v; want an error", req, err)
	}
}
