package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	pkgredis "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/redis"
)

const (
	keyPrefix     = "answer:"
	generationKey = keyPrefix + "generation"
)

// RedisCache keeps answers in Redis, shared by every replica. Keys embed a
// corpus generation; Invalidate bumps the generation so older answers stop
// resolving and age out through their TTL. Concurrent lookups of one key
// share a single round trip.
type RedisCache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func NewRedis(client *pkgredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "answer-cache"),
	}
}

func (c *RedisCache) key(ctx context.Context, fingerprint string) (string, error) {
	gen, err := c.client.Counter(ctx, generationKey)
	if err != nil {
		return "", fmt.Errorf("reading cache generation: %w", err)
	}
	return keyPrefix + strconv.FormatInt(gen, 10) + ":" + fingerprint, nil
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (Answer, bool) {
	key, err := c.key(ctx, fingerprint)
	if err != nil {
		c.logger.Error("cache get failed", "error", err)
		c.misses.Add(1)
		return Answer{}, false
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		data, err := c.client.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var a Answer
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decoding cached answer: %w", err)
		}
		return a, nil
	})
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return Answer{}, false
	}
	c.hits.Add(1)
	return val.(Answer), true
}

func (c *RedisCache) Set(ctx context.Context, fingerprint string, answer Answer) {
	key, err := c.key(ctx, fingerprint)
	if err != nil {
		c.logger.Error("cache set failed", "error", err)
		return
	}
	data, err := json.Marshal(answer)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// Invalidate retires every cached answer at once.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	gen, err := c.client.Incr(ctx, generationKey)
	if err != nil {
		return fmt.Errorf("invalidating answer cache: %w", err)
	}
	c.logger.Info("cache invalidate", "generation", gen)
	return nil
}

func (c *RedisCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
