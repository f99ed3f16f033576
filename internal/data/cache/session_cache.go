package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/platform/logger"
	"github.com/yungbote/graphrecall/internal/platform/redisx"
)

// SessionCache is the fast tier in front of the durable session store. It is an
// optimization only: implementations swallow their own failures and a miss is always
// safe, so callers never branch on cache errors.
type SessionCache interface {
	Get(ctx context.Context, id uuid.UUID) (*knowledge.ReviewSession, bool)
	Set(ctx context.Context, s *knowledge.ReviewSession)
	Delete(ctx context.Context, id uuid.UUID)
}

// ttlFor bounds a pending entry by the session's own expiry so the cache never
// outlives the durable horizon. Terminal sessions no longer expire and get max.
func ttlFor(s *knowledge.ReviewSession, now time.Time, max time.Duration) time.Duration {
	if s.Status.IsTerminal() {
		return max
	}
	ttl := s.ExpiresAt.Sub(now)
	if ttl > max {
		ttl = max
	}
	return ttl
}

type RedisSessionCache struct {
	client *redisx.Client
	maxTTL time.Duration
	log    *logger.Logger
}

func NewRedisSessionCache(client *redisx.Client, maxTTL time.Duration, baseLog *logger.Logger) *RedisSessionCache {
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &RedisSessionCache{client: client, maxTTL: maxTTL, log: baseLog.With("cache", "RedisSessionCache")}
}

func (c *RedisSessionCache) key(id uuid.UUID) string {
	return c.client.Key("review_session", id.String())
}

func (c *RedisSessionCache) Get(ctx context.Context, id uuid.UUID) (*knowledge.ReviewSession, bool) {
	raw, err := c.client.RDB.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warn("session cache get failed", "session_id", id, "error", err)
		}
		return nil, false
	}
	var s knowledge.ReviewSession
	if err := json.Unmarshal(raw, &s); err != nil || s.ID != id {
		// A corrupt entry is just a miss; drop it so the next read repopulates.
		c.log.Warn("session cache entry unreadable", "session_id", id, "error", err)
		c.Delete(ctx, id)
		return nil, false
	}
	return &s, true
}

func (c *RedisSessionCache) Set(ctx context.Context, s *knowledge.ReviewSession) {
	if s == nil {
		return
	}
	ttl := ttlFor(s, time.Now().UTC(), c.maxTTL)
	if ttl <= 0 {
		c.Delete(ctx, s.ID)
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		c.log.Warn("session cache encode failed", "session_id", s.ID, "error", err)
		return
	}
	if err := c.client.RDB.Set(ctx, c.key(s.ID), raw, ttl).Err(); err != nil {
		c.log.Warn("session cache set failed", "session_id", s.ID, "error", err)
	}
}

func (c *RedisSessionCache) Delete(ctx context.Context, id uuid.UUID) {
	if err := c.client.RDB.Del(ctx, c.key(id)).Err(); err != nil {
		c.log.Warn("session cache delete failed", "session_id", id, "error", err)
	}
}

// LocalSessionCache is a bounded, expiring in-process cache. Entries are deep copies
// so callers can mutate what they get back without corrupting the cache.
type LocalSessionCache struct {
	lru    *lru.LRU[uuid.UUID, []byte]
	maxTTL time.Duration
	log    *logger.Logger
}

func NewLocalSessionCache(size int, maxTTL time.Duration, baseLog *logger.Logger) *LocalSessionCache {
	if size <= 0 {
		size = 1024
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &LocalSessionCache{
		lru:    lru.NewLRU[uuid.UUID, []byte](size, nil, maxTTL),
		maxTTL: maxTTL,
		log:    baseLog.With("cache", "LocalSessionCache"),
	}
}

func (c *LocalSessionCache) Get(ctx context.Context, id uuid.UUID) (*knowledge.ReviewSession, bool) {
	raw, ok := c.lru.Get(id)
	if !ok {
		return nil, false
	}
	var s knowledge.ReviewSession
	if err := json.Unmarshal(raw, &s); err != nil {
		c.lru.Remove(id)
		return nil, false
	}
	return &s, true
}

func (c *LocalSessionCache) Set(ctx context.Context, s *knowledge.ReviewSession) {
	if s == nil {
		return
	}
	// The LRU has one TTL for every entry; a session past its own horizon is simply not cached.
	if ttlFor(s, time.Now().UTC(), c.maxTTL) <= 0 {
		c.lru.Remove(s.ID)
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		c.log.Warn("session cache encode failed", "session_id", s.ID, "error", err)
		return
	}
	c.lru.Add(s.ID, raw)
}

func (c *LocalSessionCache) Delete(ctx context.Context, id uuid.UUID) {
	c.lru.Remove(id)
}

// NopSessionCache always misses. With it every read goes to the durable store.
type NopSessionCache struct{}

func (NopSessionCache) Get(context.Context, uuid.UUID) (*knowledge.ReviewSession, bool) {
	return nil, false
}

func (NopSessionCache) Set(context.Context, *knowledge.ReviewSession) {}

func (NopSessionCache) Delete(context.Context, uuid.UUID) {}
