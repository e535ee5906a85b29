// Package tokenstore persists the session's token pair and keeps an in-memory,
// observable copy of it that never disagrees with what was durably written.
package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/token"
)

// Options configures Open.
type Options struct {
	Logger *slog.Logger
	// Legacy, when set, is migrated once into the KV on Open.
	Legacy *LegacySource
}

// Store is the durable owner of the token pair.
//
// Every write goes to the KV first and is published to State only after the
// KV accepted it, while holding the write lock; readers of State therefore see
// the previous or the new pair, never a mix.
type Store struct {
	kv    KV
	log   *slog.Logger
	mu    sync.Mutex
	state *State
}

// ReadResult is delivered by ReadAsync.
type ReadResult struct {
	Pair token.Pair
	Err  error
}

// Open loads the current pair from kv, running the legacy migration first
// when one is configured.
func Open(ctx context.Context, kv KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("tokenstore: nil KV")
	}
	logger := opts.Logger
	if logger == nil {
		logger = privacylog.Discard()
	}
	s := &Store{kv: kv, log: logger.With("component", "tokenstore")}
	s.state = newState(s)

	if opts.Legacy != nil {
		if _, err := s.Migrate(ctx, *opts.Legacy); err != nil {
			return nil, err
		}
	}

	values, err := kv.Load(ctx)
	if err != nil {
		s.log.Error("initial token load failed", "error", err)
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	s.state.publish(decodePair(values))
	return s, nil
}

// State returns the observable cache kept in sync with this store.
func (s *Store) State() *State { return s.state }

// Read returns the cached pair without touching storage.
func (s *Store) Read() token.Pair { return s.state.Current() }

// Load reads the pair from durable storage and reconciles the cache with it.
func (s *Store) Load(ctx context.Context) (token.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.kv.Load(ctx)
	if err != nil {
		s.log.Error("token load failed", "error", err)
		return token.Pair{}, fmt.Errorf("load tokens: %w", err)
	}
	p := decodePair(values)
	if !p.Equal(s.state.Current()) {
		s.state.publish(p)
	}
	return p.Clone(), nil
}

// ReadAsync performs Load on its own goroutine.
func (s *Store) ReadAsync(ctx context.Context) <-chan ReadResult {
	out := make(chan ReadResult, 1)
	go func() {
		p, err := s.Load(ctx)
		out <- ReadResult{Pair: p, Err: err}
	}()
	return out
}

// Write replaces the pair. A nil token removes that half of the pair.
func (s *Store) Write(ctx context.Context, access, refresh *token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, token.Pair{Access: access.Clone(), Refresh: refresh.Clone()})
}

// Clear removes both tokens. Clearing an empty store is a no-op write.
func (s *Store) Clear(ctx context.Context) error {
	return s.Write(ctx, nil, nil)
}

// CompareAndWrite writes the pair only if the durably stored refresh token
// still equals expectedRefresh. The check is made by the KV against storage,
// not against the cache, so a rotation written by another process wins. It
// reports whether the write happened.
func (s *Store) CompareAndWrite(ctx context.Context, expectedRefresh string, access, refresh *token.Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compareAndWriteLocked(ctx, expectedRefresh, token.Pair{Access: access.Clone(), Refresh: refresh.Clone()})
}

// CompareAndClear clears both tokens only if the durably stored refresh token
// equals refresh. It reports whether anything was cleared.
func (s *Store) CompareAndClear(ctx context.Context, refresh string) (bool, error) {
	if refresh == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compareAndWriteLocked(ctx, refresh, token.Pair{})
}

func (s *Store) compareAndWriteLocked(ctx context.Context, expectedRefresh string, p token.Pair) (bool, error) {
	set, del := encodePair(p)
	ok, err := s.kv.ApplyIf(ctx, KeyRefreshToken, expectedRefresh, set, del)
	if err != nil {
		s.log.Error("token write failed", "error", err, "clear", p.Empty())
		return false, fmt.Errorf("write tokens: %w", err)
	}
	if !ok {
		// someone else changed the tokens; pick up their pair
		s.reloadLocked(ctx)
		return false, nil
	}
	s.state.publish(p)
	return true, nil
}

func (s *Store) reloadLocked(ctx context.Context) {
	values, err := s.kv.Load(ctx)
	if err != nil {
		s.log.Warn("token reload failed", "error", err)
		return
	}
	if p := decodePair(values); !p.Equal(s.state.Current()) {
		s.state.publish(p)
	}
}

func (s *Store) writeLocked(ctx context.Context, p token.Pair) error {
	set, del := encodePair(p)
	if err := s.kv.Apply(ctx, set, del); err != nil {
		s.log.Error("token write failed", "error", err, "clear", p.Empty())
		return fmt.Errorf("write tokens: %w", err)
	}
	s.state.publish(p)
	return nil
}
