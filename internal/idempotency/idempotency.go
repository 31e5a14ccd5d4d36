// Package idempotency guards one-time side effects, such as applying a
// purchase webhook, against redelivery.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a claimed key is remembered.
const DefaultTTL = 72 * time.Hour

// ErrEmptyKey is returned when Claim is called without a key.
var ErrEmptyKey = errors.New("idempotency key is required")

// Guard claims keys. Claim reports true only for the first caller of a key
// within its ttl.
type Guard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisGuard stores claims in Redis with SET NX.
type RedisGuard struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisGuard parses a redis:// URL and verifies the connection.
func NewRedisGuard(ctx context.Context, url, prefix string) (*RedisGuard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisGuard{rdb: rdb, prefix: prefix}, nil
}

func (g *RedisGuard) key(k string) string {
	return g.prefix + k
}

// Claim implements Guard.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := g.rdb.SetNX(ctx, g.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %q: %w", key, err)
	}
	return ok, nil
}

// Release forgets a claim so the key can be retried, e.g. after the side
// effect failed.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, g.key(key)).Err()
}

// Ping checks Redis connectivity.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.rdb.Close()
}

// MemoryGuard is a single-process Guard.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claims: make(map[string]time.Time), now: time.Now}
}

// Claim implements Guard. Expired claims are dropped lazily.
func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for k, exp := range g.claims {
		if !now.Before(exp) {
			delete(g.claims, k)
		}
	}
	if _, taken := g.claims[key]; taken {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.claims, key)
	g.mu.Unlock()
	return nil
}
