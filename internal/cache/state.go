package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

const (
	stateKeyPrefix       = "ckd:cache:state:"
	defaultStateCacheTTL = 15 * time.Minute
	defaultStateLRUSize  = 8192
)

// cachedState is the serialized form stored in Redis.
type cachedState struct {
	State     *domain.HealthState `json:"state"`
	Cycle     int                 `json:"cycle"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// StateCacheStats tracks state cache performance.
type StateCacheStats struct {
	MemoryHits int64 `json:"memory_hits"`
	RedisHits  int64 `json:"redis_hits"`
	Misses     int64 `json:"misses"`
}

// StateCache caches the latest classified health state per patient.
// Reads check the in-process LRU first and fall through to Redis so
// that multiple server instances share warm entries. A nil Redis client
// degrades to memory-only caching.
type StateCache struct {
	redis      *redis.Client
	memory     *lru.Cache[uuid.UUID, *cachedState]
	ttl        time.Duration
	log        *logrus.Logger
	stats      StateCacheStats
	statsMutex sync.RWMutex
}

// NewStateCache creates a patient state cache. redisClient may be nil.
func NewStateCache(redisClient *redis.Client, cfg *domain.CacheConfig, logger *logrus.Logger) (*StateCache, error) {
	if logger == nil {
		logger = logrus.New()
	}
	ttl := defaultStateCacheTTL
	if cfg != nil && cfg.DefaultTTL > 0 {
		ttl = cfg.DefaultTTL
	}
	memory, err := lru.New[uuid.UUID, *cachedState](defaultStateLRUSize)
	if err != nil {
		return nil, fmt.Errorf("creating state cache: %w", err)
	}
	return &StateCache{
		redis:  redisClient,
		memory: memory,
		ttl:    ttl,
		log:    logger,
	}, nil
}

// Get returns the cached state and cycle for a patient.
func (c *StateCache) Get(ctx context.Context, patientID uuid.UUID) (*domain.HealthState, int, bool) {
	if entry, ok := c.memory.Get(patientID); ok {
		if time.Now().Before(entry.ExpiresAt) {
			c.recordHit(true)
			return entry.State, entry.Cycle, true
		}
		c.memory.Remove(patientID)
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, stateKeyPrefix+patientID.String()).Bytes()
		if err == nil {
			var entry cachedState
			if err := json.Unmarshal(data, &entry); err == nil && time.Now().Before(entry.ExpiresAt) {
				// Promote to memory for faster repeat access
				c.memory.Add(patientID, &entry)
				c.recordHit(false)
				return entry.State, entry.Cycle, true
			}
		} else if err != redis.Nil {
			c.log.WithFields(logrus.Fields{
				"patient_id": patientID,
				"error":      err.Error(),
			}).Warn("Redis state cache read failed")
		}
	}

	c.statsMutex.Lock()
	c.stats.Misses++
	c.statsMutex.Unlock()
	return nil, 0, false
}

// Set stores the latest state for a patient.
func (c *StateCache) Set(ctx context.Context, patientID uuid.UUID, state *domain.HealthState, cycle int) {
	entry := &cachedState{
		State:     state,
		Cycle:     cycle,
		ExpiresAt: time.Now().Add(c.ttl),
	}
	c.memory.Add(patientID, entry)

	if c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		if err := c.redis.Set(ctx, stateKeyPrefix+patientID.String(), data, c.ttl).Err(); err != nil {
			// A cache write failure never fails the operation
			c.log.WithFields(logrus.Fields{
				"patient_id": patientID,
				"error":      err.Error(),
			}).Warn("Redis state cache write failed")
		}
	}
}

// Invalidate drops the cached state for the given patients. Called after
// a cohort cycle advance replaces every patient's latest snapshot.
func (c *StateCache) Invalidate(ctx context.Context, patientIDs []uuid.UUID) {
	if len(patientIDs) == 0 {
		return
	}

	keys := make([]string, 0, len(patientIDs))
	for _, id := range patientIDs {
		c.memory.Remove(id)
		keys = append(keys, stateKeyPrefix+id.String())
	}

	if c.redis != nil {
		if err := c.redis.Del(ctx, keys...).Err(); err != nil {
			c.log.WithFields(logrus.Fields{
				"patients": len(patientIDs),
				"error":    err.Error(),
			}).Warn("Redis state cache invalidation failed")
		}
	}
}

// Stats returns a copy of the cache performance counters.
func (c *StateCache) Stats() StateCacheStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Healthy reports whether the cache backends are reachable.
func (c *StateCache) Healthy(ctx context.Context) bool {
	if c.redis == nil {
		return true
	}
	return c.redis.Ping(ctx).Err() == nil
}

func (c *StateCache) recordHit(memory bool) {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	if memory {
		c.stats.MemoryHits++
	} else {
		c.stats.RedisHits++
	}
}

// NewRedisClient builds a Redis client from the cache configuration.
// Returns nil when no Redis URL is configured.
func NewRedisClient(cfg *domain.CacheConfig) (*redis.Client, error) {
	if cfg == nil || cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	return redis.NewClient(opts), nil
}
