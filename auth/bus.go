package auth

import "sync"

// Bus broadcasts the forced-logout signal. Publish never blocks: a
// subscriber that has not consumed the previous signal keeps just one.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan struct{}
	next uint64
}

// NewBus returns a Bus without subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan struct{})}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish signals every current subscriber.
func (b *Bus) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
