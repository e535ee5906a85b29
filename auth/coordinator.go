// Package auth coordinates the session: single-flight token refresh, the
// reaction to 401 responses, forced logout and the session gate.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/authsession/identity"
	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/token"
)

// DefaultDebounce is how long a successful refresh satisfies new requests.
const DefaultDebounce = 500 * time.Millisecond

const refreshKey = "refresh"

// TokenStore is the part of tokenstore.Store the session logic needs.
type TokenStore interface {
	Read() token.Pair
	CompareAndWrite(ctx context.Context, expectedRefresh string, access, refresh *token.Token) (bool, error)
	CompareAndClear(ctx context.Context, refresh string) (bool, error)
}

// Refresher exchanges a refresh token for a new pair; identity.Client is one.
type Refresher interface {
	Refresh(ctx context.Context, refresh *token.Token) (token.Pair, error)
}

// FailureKind says why a refresh did not produce new tokens.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureNoRefreshToken: nothing to refresh with.
	FailureNoRefreshToken
	// FailureRejected: the backend refused the refresh token.
	FailureRejected
	// FailureTransient: network error, timeout or a malformed response.
	FailureTransient
	// FailureStorage: new tokens could not be persisted.
	FailureStorage
	// FailureSuperseded: the session changed during the call, e.g. a logout.
	FailureSuperseded
	// FailurePanic: the refresh path panicked.
	FailurePanic
	// FailureCanceled: the caller stopped waiting; the refresh itself goes on.
	FailureCanceled
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNoRefreshToken:
		return "no_refresh_token"
	case FailureRejected:
		return "rejected"
	case FailureTransient:
		return "transient"
	case FailureStorage:
		return "storage"
	case FailureSuperseded:
		return "superseded"
	case FailurePanic:
		return "panic"
	case FailureCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Result is the outcome of one Refresh call.
type Result struct {
	OK bool
	// Debounced is set when a refresh had just completed and no call was made.
	Debounced bool
	// Shared is set when the caller joined a refresh started by someone else.
	Shared  bool
	Failure FailureKind
	Err     error
}

// CoordinatorOptions configures NewCoordinator.
type CoordinatorOptions struct {
	Store     TokenStore
	Refresher Refresher
	Debounce  time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator makes sure at most one refresh runs at a time.
//
// Concurrent callers join the running refresh and share its result. The
// refresh runs detached from the caller's context, so a caller giving up
// never aborts it half way. Tokens are written only on success and are
// never cleared here.
type Coordinator struct {
	store     TokenStore
	refresher Refresher
	debounce  time.Duration
	metrics   *Metrics
	log       *slog.Logger
	now       func() time.Time

	group    singleflight.Group
	inFlight atomic.Bool
	last     atomic.Pointer[refreshMark]
}

// refreshMark is the last successful refresh and the refresh token it stored.
type refreshMark struct {
	at      time.Time
	refresh string
}

// NewCoordinator builds a Coordinator. A zero Debounce uses DefaultDebounce;
// a negative one disables debouncing.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil || opts.Refresher == nil {
		return nil, fmt.Errorf("coordinator needs a store and a refresher")
	}
	c := &Coordinator{
		store:     opts.Store,
		refresher: opts.Refresher,
		debounce:  opts.Debounce,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if c.debounce == 0 {
		c.debounce = DefaultDebounce
	}
	if c.log == nil {
		c.log = privacylog.Discard()
	}
	c.log = c.log.With("component", "refresh")
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// RequestRefresh refreshes and reports success.
func (c *Coordinator) RequestRefresh(ctx context.Context) bool {
	return c.Refresh(ctx).OK
}

// Refresh runs or joins a refresh. It returns early with FailureCanceled if
// ctx ends first.
func (c *Coordinator) Refresh(ctx context.Context) Result {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.run(context.WithoutCancel(ctx)), nil
	})

	select {
	case r := <-ch:
		res := r.Val.(Result)
		res.Shared = r.Shared
		return res
	case <-ctx.Done():
		c.log.Debug("caller stopped waiting for refresh", "error", ctx.Err())
		return Result{Failure: FailureCanceled, Err: ctx.Err()}
	}
}

// InFlight reports whether a refresh is running right now.
func (c *Coordinator) InFlight() bool { return c.inFlight.Load() }

// LastRefresh returns when the last successful refresh finished.
func (c *Coordinator) LastRefresh() time.Time {
	if m := c.last.Load(); m != nil {
		return m.at
	}
	return time.Time{}
}

func (c *Coordinator) run(ctx context.Context) (res Result) {
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("refresh panicked", "panic", fmt.Sprint(r))
			res = Result{Failure: FailurePanic, Err: fmt.Errorf("refresh panicked: %v", r)}
		}
		c.metrics.refreshOutcome(outcomeLabel(res))
	}()

	pair := c.store.Read()

	// only a pair this coordinator just stored is debounced; a new login is not
	if m := c.last.Load(); c.debounce > 0 && m != nil && m.refresh == pair.RefreshValue() && c.now().Sub(m.at) < c.debounce {
		c.log.Debug("refresh debounced", "since_last", c.now().Sub(m.at))
		return Result{OK: true, Debounced: true}
	}

	if !pair.HasRefresh() {
		c.log.Debug("refresh skipped: no refresh token")
		return Result{Failure: FailureNoRefreshToken}
	}

	c.log.Info("refresh started")
	start := time.Now()
	fresh, err := c.refresher.Refresh(ctx, pair.Refresh)
	elapsed := time.Since(start)
	c.metrics.backendCall(elapsed)
	if err != nil {
		kind := FailureTransient
		if identity.IsRejected(err) {
			kind = FailureRejected
		}
		c.log.Warn("refresh failed", "kind", kind.String(), "latency", elapsed, "error", err)
		return Result{Failure: kind, Err: err}
	}

	written, err := c.store.CompareAndWrite(ctx, pair.RefreshValue(), fresh.Access, fresh.Refresh)
	if err != nil {
		c.log.Error("refreshed tokens not persisted", "error", err)
		return Result{Failure: FailureStorage, Err: err}
	}
	if !written {
		c.log.Warn("refresh result discarded: session changed meanwhile")
		return Result{Failure: FailureSuperseded}
	}

	c.last.Store(&refreshMark{at: c.now(), refresh: fresh.RefreshValue()})
	c.log.Info("refresh succeeded", "latency", elapsed, "rotated", fresh.RefreshValue() != pair.RefreshValue())
	return Result{OK: true}
}

func outcomeLabel(res Result) string {
	switch {
	case res.Debounced:
		return "debounced"
	case res.OK:
		return "success"
	default:
		return res.Failure.String()
	}
}
