package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/policy"
	"github.com/bullseye-dist/bullseye/internal/resolver"
)

// PolicySource loads the rule snapshot resolution consumes.
type PolicySource interface {
	ListUserPolicies(ctx context.Context, userID string) (policy.UserPolicies, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// SnapshotStore persists materialized snapshots.
type SnapshotStore interface {
	Latest(ctx context.Context, userID, applicationID string) (Snapshot, error)
	Insert(ctx context.Context, userID, applicationID string, capabilities []string) (Snapshot, error)
	Supersede(ctx context.Context, userID, applicationID string) error
	SupersedeAll(ctx context.Context, userID string) error
}

// Metrics receives cache outcome counts. Implemented by
// observability.Metrics.
type Metrics interface {
	CacheHit(layer string)
	CacheMiss()
	RecomputeObserved(d time.Duration)
}

// Cache answers permission lookups from redis, falling back to the stored
// snapshot and finally to a fresh resolution.
type Cache struct {
	source  PolicySource
	store   SnapshotStore
	redis   *redis.Client
	graph   *capability.Graph
	scoped  *capability.ScopedGraph
	ttl     time.Duration
	logger  *slog.Logger
	group   singleflight.Group
	metrics Metrics
}

// Config collects Cache dependencies.
type Config struct {
	Source  PolicySource
	Store   SnapshotStore
	Redis   *redis.Client
	Graph   *capability.Graph
	Scoped  *capability.ScopedGraph
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics Metrics
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source:  cfg.Source,
		store:   cfg.Store,
		redis:   cfg.Redis,
		graph:   cfg.Graph,
		scoped:  cfg.Scoped,
		ttl:     ttl,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

func redisKey(userID, applicationID string) string {
	if applicationID == "" {
		return "perm:" + userID
	}
	return "perm:" + userID + ":" + applicationID
}

// GetOrCompute returns the allowed capability set for the key, computing and
// persisting a fresh snapshot when no live one exists. Concurrent requests
// for the same key are coalesced; duplicate computation would still be
// correct, the coalescing only avoids wasted work.
func (c *Cache) GetOrCompute(ctx context.Context, userID, applicationID string) ([]string, error) {
	key := redisKey(userID, applicationID)

	if caps, ok := c.fromRedis(ctx, key); ok {
		if c.metrics != nil {
			c.metrics.CacheHit("redis")
		}
		return caps, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		snap, err := c.store.Latest(ctx, userID, applicationID)
		if err == nil {
			if c.metrics != nil {
				c.metrics.CacheHit("snapshot")
			}
			c.warmRedis(ctx, key, snap.Capabilities)
			return snap.Capabilities, nil
		}
		if !errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.CacheMiss()
		}
		caps, err := c.compute(ctx, userID, applicationID)
		if err != nil {
			return nil, err
		}
		c.warmRedis(ctx, key, caps)
		return caps, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		caps, _ := res.Val.([]string)
		return caps, nil
	}
}

// Recompute resolves the key from current rules unconditionally, superseding
// whatever snapshot existed.
func (c *Cache) Recompute(ctx context.Context, userID, applicationID string) ([]string, error) {
	caps, err := c.compute(ctx, userID, applicationID)
	if err != nil {
		return nil, err
	}
	c.warmRedis(ctx, redisKey(userID, applicationID), caps)
	return caps, nil
}

// Invalidate supersedes every stored snapshot for the user and drops the hot
// keys. Scoped keys share the "perm:{user}:" prefix, so a single scan clears
// them.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.store.SupersedeAll(ctx, userID); err != nil {
		return err
	}
	c.dropRedis(ctx, userID)
	return nil
}

// InvalidateGroup invalidates every current member of the group. Used after
// rule or priority changes.
func (c *Cache) InvalidateGroup(ctx context.Context, groupID string) ([]string, error) {
	members, err := c.source.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, userID := range members {
		if err := c.Invalidate(ctx, userID); err != nil {
			return nil, fmt.Errorf("permcache: invalidate member %s: %w", userID, err)
		}
	}
	return members, nil
}

func (c *Cache) compute(ctx context.Context, userID, applicationID string) ([]string, error) {
	start := time.Now()
	policies, err := c.source.ListUserPolicies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("permcache: load policies: %w", err)
	}

	input := toResolverInput(policies)
	var caps []string
	if applicationID == "" {
		caps = resolver.AllowedGlobal(resolver.ResolveGlobal(input, c.graph))
	} else {
		caps = resolver.AllowedScoped(resolver.ResolveScoped(input, applicationID, c.scoped))
	}

	if _, err := c.store.Insert(ctx, userID, applicationID, caps); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecomputeObserved(time.Since(start))
	}
	return caps, nil
}

func toResolverInput(policies policy.UserPolicies) []resolver.GroupPolicy {
	out := make([]resolver.GroupPolicy, 0, len(policies.Groups))
	for _, gp := range policies.Groups {
		rp := resolver.GroupPolicy{Group: resolver.Group{
			ID:       gp.Group.ID,
			Name:     gp.Group.Name,
			Priority: gp.Group.Priority,
		}}
		for _, rule := range gp.GlobalRules {
			rp.GlobalRules = append(rp.GlobalRules, resolver.GlobalRule{
				Capability: rule.Capability,
				Allow:      rule.Allow,
			})
		}
		for _, rule := range gp.ScopedRules {
			rp.ScopedRules = append(rp.ScopedRules, resolver.ScopedRule{
				ApplicationID: rule.ApplicationID,
				Capability:    rule.Capability,
				Allow:         rule.Allow,
			})
		}
		out = append(out, rp)
	}
	return out
}

func (c *Cache) fromRedis(ctx context.Context, key string) ([]string, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("permcache redis get", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	var caps []string
	if err := json.Unmarshal(raw, &caps); err != nil {
		c.logger.Warn("permcache decode", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return caps, true
}

func (c *Cache) warmRedis(ctx context.Context, key string, caps []string) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("permcache redis set", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *Cache) dropRedis(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	keys := []string{redisKey(userID, "")}
	iter := c.redis.Scan(ctx, 0, redisKey(userID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("permcache redis scan", slog.String("user_id", userID), slog.Any("error", err))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("permcache redis del", slog.String("user_id", userID), slog.Any("error", err))
	}
}
