package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// CacheConfig configures the effective-role cache
type CacheConfig struct {
	// Size is the maximum number of principals kept in memory
	Size int

	// TTL bounds how long an entry is served from either tier
	TTL time.Duration

	// KeyPrefix namespaces Redis keys
	KeyPrefix string
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:      10000,
		TTL:       30 * time.Second,
		KeyPrefix: "bastion:roles:",
	}
}

// CachedResolver caches effective roles per principal in an in-process LRU
// and optionally in Redis. An entry is never served past its ValidUntil, so a
// temporary grant stops applying at its expiry even while cached.
type CachedResolver struct {
	config   CacheConfig
	local    *lru.LRU[Principal, *EffectiveRoles]
	redis    *redis.Client
	recorder observability.DecisionRecorder
	logger   *observability.Logger
}

// NewCachedResolver creates a cache. redisClient may be nil for a memory-only cache.
func NewCachedResolver(config CacheConfig, redisClient *redis.Client, recorder observability.DecisionRecorder, logger *observability.Logger) *CachedResolver {
	if config.Size <= 0 {
		config.Size = DefaultCacheConfig().Size
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig().TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultCacheConfig().KeyPrefix
	}
	if recorder == nil {
		recorder = observability.Recorders(nil)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}

	return &CachedResolver{
		config:   config,
		local:    lru.NewLRU[Principal, *EffectiveRoles](config.Size, nil, config.TTL),
		redis:    redisClient,
		recorder: recorder,
		logger:   logger,
	}
}

func (c *CachedResolver) key(p Principal) string {
	return c.config.KeyPrefix + p.String()
}

// EffectiveRolesFor returns the cached set for p, computing it from r on a miss
func (c *CachedResolver) EffectiveRolesFor(ctx context.Context, r Reader, p Principal, now time.Time) (*EffectiveRoles, error) {
	if e, ok := c.local.Get(p); ok && !e.ExpiredAt(now) {
		c.recorder.RecordCacheLookup(ctx, "memory", true)
		return e, nil
	}
	c.recorder.RecordCacheLookup(ctx, "memory", false)

	if c.redis != nil {
		e, err := c.getRemote(ctx, p)
		if err != nil {
			c.logger.WithError(err).WithField("principal", p.String()).Warn("role cache read failed")
		}
		hit := e != nil && !e.ExpiredAt(now)
		c.recorder.RecordCacheLookup(ctx, "redis", hit)
		if hit {
			c.local.Add(p, e)
			return e, nil
		}
	}

	e, err := NewResolver(r).EffectiveRolesFor(ctx, p, now)
	if err != nil {
		return nil, err
	}

	c.local.Add(p, e)
	if c.redis != nil {
		if err := c.setRemote(ctx, e, now); err != nil {
			c.logger.WithError(err).WithField("principal", p.String()).Warn("role cache write failed")
		}
	}
	return e, nil
}

func (c *CachedResolver) getRemote(ctx context.Context, p Principal) (*EffectiveRoles, error) {
	data, err := c.redis.Get(ctx, c.key(p)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var e EffectiveRoles
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		c.redis.Del(ctx, c.key(p))
		return nil, fmt.Errorf("failed to unmarshal effective roles: %w", err)
	}
	return &e, nil
}

func (c *CachedResolver) setRemote(ctx context.Context, e *EffectiveRoles, now time.Time) error {
	ttl := c.config.TTL
	if e.ValidUntil != nil {
		remaining := e.ValidUntil.Sub(now)
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal effective roles: %w", err)
	}
	return c.redis.Set(ctx, c.key(e.Principal), data, ttl).Err()
}

// Invalidate drops the cached set of one principal
func (c *CachedResolver) Invalidate(ctx context.Context, p Principal) error {
	c.local.Remove(p)
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, c.key(p)).Err()
}

// Purge drops every cached set
func (c *CachedResolver) Purge(ctx context.Context) error {
	c.local.Purge()
	if c.redis == nil {
		return nil
	}

	iter := c.redis.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

// Len returns the number of principals held in memory
func (c *CachedResolver) Len() int {
	return c.local.Len()
}
