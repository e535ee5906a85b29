package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPoller_RefreshesUntilCanceled(t *testing.T) {
	_, store := newTestStore(t, "a", "r")
	refresher := &fakeRefresher{}
	coord := newTestCoordinator(t, store, refresher, func(o *CoordinatorOptions) { o.Debounce = -1 })
	p := NewPoller(store, coord, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for refresher.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v", err)
	}
	if refresher.calls.Load() < 3 {
		t.Fatalf("refresh calls = %d, want at least 3", refresher.calls.Load())
	}

	after := refresher.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if refresher.calls.Load() > after+1 {
		t.Error("poller kept refreshing after cancellation")
	}
}

func TestPoller_IdleWithoutSession(t *testing.T) {
	_, store := newTestStore(t, "", "")
	refresher := &fakeRefresher{}
	coord := newTestCoordinator(t, store, refresher)
	p := NewPoller(store, coord, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if n := refresher.calls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestNewPoller_DefaultInterval(t *testing.T) {
	if p := NewPoller(nil, nil, 0, nil); p.interval != DefaultPollInterval {
		t.Errorf("interval = %v, want %v", p.interval, DefaultPollInterval)
	}
}
