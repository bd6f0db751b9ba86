package policy

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DecisionCache stores evaluation results keyed by context fingerprint.
// Implementations must be safe for concurrent use. Clear drops every
// entry; the engine calls it whenever any document mutates.
type DecisionCache interface {
	Get(key string) (*Decision, bool)
	Set(key string, d *Decision, ttl time.Duration)
	Clear()
}

type cachedDecision struct {
	decision  *Decision
	expiresAt time.Time
}

// MemoryDecisionCache is a TTL map cache, the default when caching is
// enabled without an explicit cache option.
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedDecision
}

func NewMemoryDecisionCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{entries: make(map[string]cachedDecision)}
}

func (c *MemoryDecisionCache) Get(key string) (*Decision, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.decision, true
}

func (c *MemoryDecisionCache) Set(key string, d *Decision, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = cachedDecision{decision: d, expiresAt: exp}
	c.mu.Unlock()
}

func (c *MemoryDecisionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cachedDecision)
	c.mu.Unlock()
}

// Len reports the live entry count, expired entries included until their
// next Get.
func (c *MemoryDecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RistrettoDecisionCache backs the decision cache with a ristretto cache
// for high-throughput deployments where admission control matters.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
}

// RistrettoConfig sizes the underlying cache. Zero fields take the
// defaults below.
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func NewRistrettoDecisionCache(cfg RistrettoConfig) (*RistrettoDecisionCache, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e6
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 1 << 26
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoDecisionCache{cache: rc}, nil
}

func (c *RistrettoDecisionCache) Get(key string) (*Decision, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	d, ok := v.(*Decision)
	return d, ok
}

func (c *RistrettoDecisionCache) Set(key string, d *Decision, ttl time.Duration) {
	if ttl > 0 {
		c.cache.SetWithTTL(key, d, 1, ttl)
		return
	}
	c.cache.Set(key, d, 1)
}

func (c *RistrettoDecisionCache) Clear() {
	c.cache.Clear()
}

// Close releases the cache's background goroutines.
func (c *RistrettoDecisionCache) Close() {
	c.cache.Close()
}
