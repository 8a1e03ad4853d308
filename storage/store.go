// Package storage provides the persisted local key/value stores used for
// session artifacts: an in-memory store for volatile, tab-scoped data, a
// sqlite-backed store through bun for durable data, and a Redis store for
// shared deployments.
package storage

import (
	"context"
	"strings"
)

// Store is a namespaced string key/value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key in the store.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes every key in the store.
	Clear(ctx context.Context) error
}

// DeletePrefix removes every key in s starting with one of prefixes and
// returns how many were removed. It keeps going after individual failures
// and reports the first error.
func DeletePrefix(ctx context.Context, s Store, prefixes ...string) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var firstErr error
	removed := 0
	for _, key := range keys {
		if !hasAnyPrefix(key, prefixes) {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
