// Package cache provides a small generic time-boxed key/value store.
//
// Entries are never returned once their expiration has passed; reading an
// expired entry behaves like a miss and removes it from the store.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry is a cached value and the instant after which it is stale.
// A zero ExpiresAt never expires.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

func (e Entry[T]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Option customizes a TTL store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.now = clock
		}
	}
}

// TTL is a generic in-process TTL store keyed by string.
type TTL[T any] struct {
	mu    sync.Mutex
	items map[string]Entry[T]
	now   func() time.Time
}

// New creates an empty store.
func New[T any](opts ...Option) *TTL[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &TTL[T]{
		items: make(map[string]Entry[T]),
		now:   o.now,
	}
}

// Get returns the live value for key. Expired entries are deleted eagerly.
func (c *TTL[T]) Get(key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if entry.expired(c.now()) {
		delete(c.items, key)
		return zero, false
	}
	return entry.Value, true
}

// Set stores value under key for ttl. A ttl <= 0 keeps the entry until it
// is deleted explicitly.
func (c *TTL[T]) Set(key string, value T, ttl time.Duration) {
	if c == nil {
		return
	}

	entry := Entry[T]{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = entry
	c.mu.Unlock()
}

// Delete removes key.
func (c *TTL[T]) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix.
func (c *TTL[T]) DeletePrefix(prefix string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *TTL[T]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items = make(map[string]Entry[T])
	c.mu.Unlock()
}

// Len reports the number of stored entries, including ones that expired but
// were not read yet.
func (c *TTL[T]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
