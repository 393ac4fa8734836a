package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/pkg/logger"
)

// KV is the key/value capability used for alert dedupe and rate-limit
// counters. Failures are swallowed: losing a dedupe marker is preferable to
// failing a notify pass.
type KV interface {
	Get(ctx context.Context, key string) (string, bool)
	Put(ctx context.Context, key, value string, ttl time.Duration)
	Incr(ctx context.Context, key string, ttl time.Duration) int64
	Delete(ctx context.Context, key string)
}

// Client wraps go-redis for the KV capability
type Client struct {
	rdb *redis.Client
}

// New creates new Redis client
func New(cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
	)

	return &Client{rdb: rdb}, nil
}

// Get fetches a value; ok is false on miss or error
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return val, true
}

// Put stores a value with TTL, swallowing errors
func (c *Client) Put(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Incr bumps a window counter, setting the TTL on first increment.
// Returns the counter value after the bump, or 0 on error.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		logger.Warn("redis incr failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	if n == 1 && ttl > 0 {
		_ = c.rdb.Expire(ctx, key, ttl).Err()
	}
	return n
}

// Delete removes a key, swallowing errors
func (c *Client) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		logger.Warn("redis del failed", zap.String("key", key), zap.Error(err))
	}
}

// Close closes the redis connection
func (c *Client) Close() error {
	logger.Info("closing redis connection")
	return c.rdb.Close()
}

// Health checks redis health
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// MemoryKV is an in-process KV with TTL semantics, used in tests and when
// redis is not configured
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryKV creates an in-memory KV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: map[string]memoryEntry{}, now: time.Now}
}

// NewMemoryKVWithNow creates an in-memory KV with an injected time source
func NewMemoryKVWithNow(now func() time.Time) *MemoryKV {
	return &MemoryKV{entries: map[string]memoryEntry{}, now: now}
}

// Get fetches a value honoring TTL
func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return entry.value, true
}

// Put stores a value with TTL
func (m *MemoryKV) Put(ctx context.Context, key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
}

// Incr bumps a counter with window TTL
func (m *MemoryKV) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if ok && !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		ok = false
	}
	var n int64
	if ok {
		fmt.Sscanf(entry.value, "%d", &n)
	}
	n++
	next := memoryEntry{value: fmt.Sprintf("%d", n)}
	if ok {
		next.expiresAt = entry.expiresAt
	} else if ttl > 0 {
		next.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = next
	return n
}

// Delete removes a key
func (m *MemoryKV) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
