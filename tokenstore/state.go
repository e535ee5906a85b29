package tokenstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-authgate/authsession/token"
)

// State is the in-memory copy of the stored pair. It has no logic of its own
// beyond fan-out to subscribers.
type State struct {
	store *Store
	cur   atomic.Pointer[token.Pair]

	mu   sync.Mutex
	subs map[uint64]chan token.Pair
	next uint64
}

func newState(s *Store) *State {
	st := &State{store: s, subs: make(map[uint64]chan token.Pair)}
	st.cur.Store(&token.Pair{})
	return st
}

// Current returns a copy of the current pair.
func (s *State) Current() token.Pair {
	return s.cur.Load().Clone()
}

// AccessToken returns the current access token value, or "".
func (s *State) AccessToken() string {
	return s.cur.Load().AccessValue()
}

// Update writes through the store and returns the pair now held.
func (s *State) Update(ctx context.Context, access, refresh *token.Token) (token.Pair, error) {
	if err := s.store.Write(ctx, access, refresh); err != nil {
		return token.Pair{}, err
	}
	return s.Current(), nil
}

// Subscribe returns a channel that receives the current pair immediately and
// then every change. Only the latest value is kept for a slow reader.
// The returned func unsubscribes and closes the channel.
func (s *State) Subscribe() (<-chan token.Pair, func()) {
	ch := make(chan token.Pair, 1)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	ch <- s.Current()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *State) publish(p token.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := p.Clone()
	s.cur.Store(&stored)

	for _, ch := range s.subs {
		select {
		case ch <- stored.Clone():
			continue
		default:
		}
		// drop the stale value the reader has not picked up yet
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- stored.Clone():
		default:
		}
	}
}
