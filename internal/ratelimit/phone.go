// Package ratelimit throttles login code requests per phone number.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PhoneLimiter gives every phone number a bucket of burst code requests,
// refilled at one per interval. A CLI run only ever sees a few numbers, so
// buckets are kept for the life of the limiter.
type PhoneLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	byPhone map[string]*rate.Limiter
}

// New returns nil, which allows everything, unless interval and burst are
// positive.
func New(interval time.Duration, burst int) *PhoneLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return &PhoneLimiter{
		limit:   rate.Every(interval),
		burst:   burst,
		byPhone: make(map[string]*rate.Limiter),
	}
}

// Take uses one code request for phone. When the bucket is empty nothing is
// used and the wait until the next request is allowed is returned.
func (l *PhoneLimiter) Take(phone string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	phone = normalize(phone)
	if phone == "" {
		return true, 0
	}

	l.mu.Lock()
	lim, ok := l.byPhone[phone]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byPhone[phone] = lim
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// normalize drops the formatting people type into phone numbers, so
// "+1 555-0100" and "+15550100" share a bucket.
func normalize(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}
