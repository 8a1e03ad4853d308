// Package ratelimit implements a fixed-window attempt counter keyed by action
// identifier. Each identifier gets its own window, so an exhausted action
// class never blocks an unrelated one.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vanguardgg/go-auth-client/cache"
)

const (
	// DefaultLimit is the number of attempts allowed per window.
	DefaultLimit = 10
	// DefaultWindow is the length of a window.
	DefaultWindow = 15 * time.Minute
)

// Record is the counter stored per identifier.
type Record struct {
	Count     int
	ResetTime time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLimit overrides DefaultLimit.
func WithLimit(limit int) Option {
	return func(l *Limiter) {
		if limit > 0 {
			l.limit = limit
		}
	}
}

// WithWindow overrides DefaultWindow.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// Limiter is a fixed-window counter. Bursts straddling a window boundary are
// accepted.
type Limiter struct {
	mu      sync.Mutex
	records *cache.TTL[Record]
	limit   int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter with DefaultLimit attempts per DefaultWindow.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.records = cache.New[Record](cache.WithClock(l.now))
	return l
}

// Allow records an attempt for identifier and reports whether it is within
// the limit. A denied attempt does not increment the counter.
func (l *Limiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records.Get(identifier)
	if !ok || now.After(rec.ResetTime) {
		l.records.Set(identifier, Record{Count: 1, ResetTime: now.Add(l.window)}, l.window)
		return true
	}

	if rec.Count >= l.limit {
		return false
	}

	rec.Count++
	l.records.Set(identifier, rec, rec.ResetTime.Sub(now))
	return true
}

// RetryAfter returns how long until identifier gets a fresh window. Zero
// means an attempt would be allowed now.
func (l *Limiter) RetryAfter(identifier string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records.Get(identifier)
	if !ok || rec.Count < l.limit {
		return 0
	}
	if wait := rec.ResetTime.Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}

// Peek returns the current record for identifier without counting an attempt.
func (l *Limiter) Peek(identifier string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Get(identifier)
}

// Reset forgets the counter for identifier.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	l.records.Delete(identifier)
	l.mu.Unlock()
}

// Limit returns the configured attempt limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
