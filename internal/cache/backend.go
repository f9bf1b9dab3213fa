// Package cache provides the byte-level cache backends (memory, redis) and the
// typed profile cache the engine's metadata tracker reads and writes.
package cache

import (
	"context"
	"log/slog"
	"time"
)

// Backend defines the interface for cache implementations
type Backend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// GetMultiple returns a map of found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	Close() error
}

// KeyPrefix namespaces every key the engine writes to a shared backend
const KeyPrefix = "nostr-engine:"

// NewBackend returns a redis backend when redisURL is set and reachable,
// otherwise an in-memory one. The second value names the backend type.
func NewBackend(redisURL string, cfg Config) (Backend, string) {
	if redisURL != "" {
		slog.Info("initializing Redis cache")
		rc, err := NewRedisCache(redisURL, KeyPrefix)
		if err == nil {
			slog.Info("Redis cache initialized")
			return rc, "redis"
		}
		slog.Warn("Redis connection failed, using memory cache", "error", err)
	}
	return NewMemoryCache(cfg.MaxEntries, cfg.CleanupInterval), "memory"
}
