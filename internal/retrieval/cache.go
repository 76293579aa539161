package retrieval

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// QueryCache stores query embeddings for a bounded time.
type QueryCache interface {
	Get(key string) ([]float32, bool)
	Set(key string, vec []float32, ttl time.Duration)
	Clear()
}

// RistrettoCache is the QueryCache used in production.
type RistrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache creates a cache holding at most maxEntries vectors.
func NewRistrettoCache(maxEntries int64) (*RistrettoCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("NewRistrettoCache: %w", err)
	}
	return &RistrettoCache{cache: c}, nil
}

func (c *RistrettoCache) Get(key string) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Set waits for the write to be applied so an immediate Get observes it.
func (c *RistrettoCache) Set(key string, vec []float32, ttl time.Duration) {
	c.cache.SetWithTTL(key, vec, 1, ttl)
	c.cache.Wait()
}

func (c *RistrettoCache) Clear() {
	c.cache.Clear()
}

func (c *RistrettoCache) Close() {
	c.cache.Close()
}

// NormalizeQuery lowercases and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func cacheKey(generation int64, userID, query string) string {
	return fmt.Sprintf("%d|%s|%s", generation, userID, NormalizeQuery(query))
}
