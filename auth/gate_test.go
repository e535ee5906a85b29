package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-authgate/authsession/token"
	"github.com/go-authgate/authsession/tokenstore"
)

type recordingNav struct {
	mu        sync.Mutex
	redirects []bool
	opened    []string
}

func (n *recordingNav) RedirectToLogin(clearBackstack bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, clearBackstack)
}

func (n *recordingNav) Open(link string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, link)
}

func (n *recordingNav) redirectCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.redirects)
}

func newTestGate(t *testing.T, access, refresh string) (*tokenstore.Store, *fakeRefresher, *Bus, *Gate) {
	t.Helper()
	kv, store := newTestStore(t, access, refresh)
	refresher := &fakeRefresher{}
	coord := newTestCoordinator(t, store, refresher)
	bus := NewBus()
	return store, refresher, bus, NewGate(store, coord, bus, tokenstore.NewDeepLinks(kv), nil)
}

func TestGate_NoSession(t *testing.T) {
	_, refresher, _, gate := newTestGate(t, "", "")
	nav := &recordingNav{}

	if gate.IsAuthenticated() || gate.Status() != NoSession {
		t.Fatal("empty store must not be authenticated")
	}
	if gate.EnsureFreshSession(context.Background()) {
		t.Error("EnsureFreshSession() = true without tokens")
	}
	if refresher.calls.Load() != 0 {
		t.Error("no refresh without a session")
	}
	if gate.RequireAuth(nav) {
		t.Error("RequireAuth() = true without tokens")
	}
	if len(nav.redirects) != 1 || !nav.redirects[0] {
		t.Errorf("redirects = %v, want one with cleared backstack", nav.redirects)
	}
}

func TestGate_Active(t *testing.T) {
	_, refresher, _, gate := newTestGate(t, "a", "r")
	nav := &recordingNav{}

	if !gate.IsAuthenticated() || gate.Status() != Active {
		t.Fatal("session should be active")
	}
	if !gate.EnsureFreshSession(context.Background()) {
		t.Error("EnsureFreshSession() = false")
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("startup refresh calls = %d, want 1", refresher.calls.Load())
	}
	if !gate.RequireAuth(nav) || nav.redirectCount() != 0 {
		t.Error("active session must not redirect")
	}
}

func TestGate_BlankAccessIsNoSession(t *testing.T) {
	_, _, _, gate := newTestGate(t, "   ", "r")
	if gate.IsAuthenticated() {
		t.Error("blank access token counts as no session")
	}
}

func TestGate_DeepLinkResume(t *testing.T) {
	store, _, _, gate := newTestGate(t, "", "")
	nav := &recordingNav{}
	ctx := context.Background()

	ok, err := gate.RequireAuthWithDeepLink(ctx, nav, "app://chat/42")
	if err != nil || ok {
		t.Fatalf("RequireAuthWithDeepLink() = %v, %v", ok, err)
	}
	if nav.redirectCount() != 1 {
		t.Fatal("expected a redirect to login")
	}

	// nothing is resumed before login
	if link, _ := gate.ResumeDeepLink(ctx, nav); link != "" {
		t.Fatalf("ResumeDeepLink() before login = %q", link)
	}

	if err := store.Write(ctx, &token.Token{Value: "a"}, &token.Token{Value: "r"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	link, err := gate.ResumeDeepLink(ctx, nav)
	if err != nil || link != "app://chat/42" {
		t.Fatalf("ResumeDeepLink() = %q, %v", link, err)
	}
	if len(nav.opened) != 1 || nav.opened[0] != "app://chat/42" {
		t.Errorf("opened = %v", nav.opened)
	}
	if link, _ := gate.ResumeDeepLink(ctx, nav); link != "" {
		t.Errorf("deep link resumed twice: %q", link)
	}
}

func TestGate_WatchRedirectsOnForcedLogout(t *testing.T) {
	_, _, bus, gate := newTestGate(t, "a", "r")
	nav := &recordingNav{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gate.Watch(ctx, nav) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Publish()
	for nav.redirectCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if nav.redirectCount() != 1 {
		t.Fatalf("redirects = %d, want 1", nav.redirectCount())
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Watch() = %v, want context.Canceled", err)
	}
	if bus.Subscribers() != 0 {
		t.Error("Watch() did not unsubscribe")
	}
}
