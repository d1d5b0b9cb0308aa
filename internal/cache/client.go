// Package cache provides the caching adapter for the catalog engine.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// HealthStatus describes the outcome of a cache health check.
type HealthStatus struct {
	Status  string            `json:"status"`
	Latency time.Duration     `json:"latency"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Client defines the cache contract. Values are opaque byte slices;
// callers serialize JSON-first.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error

	// DeletePattern removes all keys matching a glob pattern.
	DeletePattern(ctx context.Context, pattern string) error
	// ClearNamespace removes all keys under the given prefix.
	ClearNamespace(ctx context.Context, prefix string) error

	// List operations back the rolling suggestion store.
	ListPush(ctx context.Context, key string, value []byte, maxLen int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Pub/sub backs cross-instance cache invalidation. Publish
	// JSON-encodes the message; Subscribe returns a receive channel and
	// an unsubscribe func.
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	HealthCheck(ctx context.Context) HealthStatus
	Close() error
}

// Key generates a cache key from components.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
