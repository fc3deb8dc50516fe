// Package cache provides caching for classification results and patient
// state reads. Classification is deterministic in its inputs, so results
// are cached in-process behind an LRU; per-patient state is cached in a
// two-tier memory plus Redis layout so multiple server instances share
// invalidations.
package cache

import (
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ckd-cohort-server/internal/domain"
)

const defaultClassificationCacheSize = 4096

// ClassificationStats tracks classification cache performance.
type ClassificationStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// ClassificationCache memoizes health state classification results.
// Classification is a pure function of the lab values, so entries never
// expire and eviction is purely size-driven.
type ClassificationCache struct {
	entries    *lru.Cache[string, *domain.HealthState]
	stats      ClassificationStats
	statsMutex sync.RWMutex
}

// NewClassificationCache creates a classification cache holding up to
// size entries. A non-positive size falls back to the default.
func NewClassificationCache(size int) (*ClassificationCache, error) {
	if size <= 0 {
		size = defaultClassificationCacheSize
	}
	entries, err := lru.New[string, *domain.HealthState](size)
	if err != nil {
		return nil, fmt.Errorf("creating classification cache: %w", err)
	}
	return &ClassificationCache{entries: entries}, nil
}

// Key builds a cache key from the exact lab values. Keys must not merge
// distinct values: category boundaries are inclusive-upper, so any two
// floats on opposite sides of a boundary classify differently no matter
// how close they sit. Absent uACR maps to its own key space so it never
// collides with a measured value.
func (c *ClassificationCache) Key(egfr float64, uacr *float64) string {
	if uacr == nil {
		return fmt.Sprintf("%x:unmeasured", math.Float64bits(egfr))
	}
	return fmt.Sprintf("%x:%x", math.Float64bits(egfr), math.Float64bits(*uacr))
}

// Get returns the cached state for the lab values, if present.
func (c *ClassificationCache) Get(egfr float64, uacr *float64) (*domain.HealthState, bool) {
	state, ok := c.entries.Get(c.Key(egfr, uacr))

	c.statsMutex.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.statsMutex.Unlock()

	return state, ok
}

// Set stores a classification result.
func (c *ClassificationCache) Set(egfr float64, uacr *float64, state *domain.HealthState) {
	c.entries.Add(c.Key(egfr, uacr), state)
}

// Len returns the number of cached entries.
func (c *ClassificationCache) Len() int {
	return c.entries.Len()
}

// Stats returns a copy of the cache performance counters.
func (c *ClassificationCache) Stats() ClassificationStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// HitRatio returns the fraction of lookups served from cache.
func (c *ClassificationCache) HitRatio() float64 {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	total := c.stats.Hits + c.stats.Misses
	if total == 0 {
		return 0.0
	}
	return float64(c.stats.Hits) / float64(total)
}
