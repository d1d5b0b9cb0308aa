package cache

import (
	"context"
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryClient implements an in-memory cache for development and tests.
type MemoryClient struct {
	mu      sync.RWMutex
	data    map[string]memoryEntry
	lists   map[string][][]byte
	maxSize int

	subMu       sync.Mutex
	subscribers map[string][]chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient creates a new in-memory cache client.
func NewMemoryClient(maxSize int) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 10000
	}

	c := &MemoryClient{
		data:        make(map[string]memoryEntry),
		lists:       make(map[string][][]byte),
		maxSize:     maxSize,
		subscribers: make(map[string][]chan []byte),
		done:        make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a value from cache.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}

	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.data) >= c.maxSize {
		c.evictOldest()
	}

	c.data[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Delete removes a value from cache.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	delete(c.lists, key)
	return nil
}

// Exists reports whether a key is present and unexpired.
func (c *MemoryClient) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	return ok && time.Now().Before(entry.expiresAt), nil
}

// Expire updates the TTL of a key.
func (c *MemoryClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return ErrCacheMiss
	}
	entry.expiresAt = time.Now().Add(ttl)
	c.data[key] = entry
	return nil
}

// TTL returns the remaining TTL of a key.
func (c *MemoryClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok {
		return 0, ErrCacheMiss
	}
	remaining := time.Until(entry.expiresAt)
	if remaining < 0 {
		return 0, ErrCacheMiss
	}
	return remaining, nil
}

// MGet retrieves multiple values; missing keys are absent from the map.
func (c *MemoryClient) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if entry, ok := c.data[k]; ok && now.Before(entry.expiresAt) {
			out[k] = entry.value
		}
	}
	return out, nil
}

// MSet stores multiple values with a shared TTL.
func (c *MemoryClient) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Now().Add(ttl)
	for k, v := range values {
		c.data[k] = memoryEntry{value: v, expiresAt: expires}
	}
	return nil
}

// DeletePattern removes all keys matching the glob pattern.
func (c *MemoryClient) DeletePattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.data, key)
		}
	}
	return nil
}

// ClearNamespace removes all keys under the prefix.
func (c *MemoryClient) ClearNamespace(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	return nil
}

// ListPush prepends a value to a list and trims it to maxLen.
func (c *MemoryClient) ListPush(ctx context.Context, key string, value []byte, maxLen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := append([][]byte{value}, c.lists[key]...)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	c.lists[key] = list
	return nil
}

// ListRange returns list entries in [start, stop]; stop=-1 means end.
func (c *MemoryClient) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, v)
	}
	return out, nil
}

// Publish fans a JSON-encoded message out to channel subscribers. Slow
// subscribers drop messages instead of blocking the publisher.
func (c *MemoryClient) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subscribers[channel] {
		select {
		case sub <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a channel subscriber.
func (c *MemoryClient) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := make(chan []byte, 100)

	c.subMu.Lock()
	c.subscribers[channel] = append(c.subscribers[channel], sub)
	c.subMu.Unlock()

	unsubscribe := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		subs := c.subscribers[channel]
		for i, s := range subs {
			if s == sub {
				c.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				close(sub)
				break
			}
		}
	}
	return sub, unsubscribe, nil
}

// HealthCheck always reports healthy with the current entry count.
func (c *MemoryClient) HealthCheck(ctx context.Context) HealthStatus {
	c.mu.RLock()
	size := len(c.data)
	c.mu.RUnlock()
	return HealthStatus{
		Status:  "healthy",
		Latency: 0,
		Extra:   map[string]string{"entries": strconv.Itoa(size)},
	}
}

// Close stops the cleanup goroutine.
func (c *MemoryClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// evictOldest removes the entry with the earliest expiration.
func (c *MemoryClient) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.data {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}

	if oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// cleanup periodically removes expired entries.
func (c *MemoryClient) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if now.After(entry.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

var _ Client = (*MemoryClient)(nil)
