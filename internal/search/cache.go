package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/redis/go-redis/v9"
)

// DefaultSimilarity is the minimum ratio for two queries to share a
// cache entry.
const DefaultSimilarity = 0.85

// Cache stores result lists keyed by normalized query. Lookups are
// approximate: any stored key at least as similar as the cache's
// threshold is a hit.
type Cache interface {
	Get(ctx context.Context, query string) ([]Result, bool)
	Set(ctx context.Context, query string, results []Result)
}

// NormalizeQuery lowercases q, trims it, and collapses internal
// whitespace runs to single spaces.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Similarity returns the character-level matching ratio of a and b in
// [0, 1], 2*M/T where M is matched characters and T the total length.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	m := difflib.NewMatcher(splitChars(a), splitChars(b))
	return m.Ratio()
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// bestMatch returns the key in keys most similar to nq when it reaches
// threshold. Ties go to the lexically smaller key so results do not
// depend on map order.
func bestMatch(nq string, keys []string, threshold float64) (string, bool) {
	var (
		best  string
		score float64
		found bool
	)
	for _, k := range keys {
		if k == nq {
			return k, true
		}
		r := Similarity(nq, k)
		if r < threshold {
			continue
		}
		if !found || r > score || (r == score && k < best) {
			best, score, found = k, r, true
		}
	}
	return best, found
}

// MemoryCache is an in-process Cache. With a zero TTL entries live for
// the life of the process.
type MemoryCache struct {
	items     *gocache.Cache
	threshold float64
}

// NewMemoryCache creates an in-process cache. A threshold <= 0 uses
// DefaultSimilarity.
func NewMemoryCache(threshold float64, ttl time.Duration) *MemoryCache {
	if threshold <= 0 {
		threshold = DefaultSimilarity
	}
	exp := ttl
	cleanup := ttl
	if ttl <= 0 {
		exp = gocache.NoExpiration
		cleanup = 0
	}
	return &MemoryCache{
		items:     gocache.New(exp, cleanup),
		threshold: threshold,
	}
}

func (c *MemoryCache) Get(_ context.Context, query string) ([]Result, bool) {
	nq := NormalizeQuery(query)
	if nq == "" {
		return nil, false
	}
	if v, ok := c.items.Get(nq); ok {
		return v.([]Result), true
	}
	items := c.items.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	key, ok := bestMatch(nq, keys, c.threshold)
	if !ok {
		return nil, false
	}
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]Result), true
}

func (c *MemoryCache) Set(_ context.Context, query string, results []Result) {
	nq := NormalizeQuery(query)
	if nq == "" {
		return
	}
	c.items.SetDefault(nq, results)
}

// Len returns the number of cached queries.
func (c *MemoryCache) Len() int { return c.items.ItemCount() }

// RedisCache keeps entries in one Redis hash (field = normalized query,
// value = JSON results) so several processes share a cache. Redis
// failures are logged and treated as misses.
type RedisCache struct {
	rdb       redis.UniversalClient
	key       string
	threshold float64
	ttl       time.Duration
	logger    *slog.Logger
}

// DefaultRedisKey is the hash used when none is configured.
const DefaultRedisKey = "mandarin:search:cache"

// NewRedisCache wraps an existing client. A zero ttl never expires the
// hash; otherwise each write pushes the hash expiry out by ttl.
func NewRedisCache(rdb redis.UniversalClient, key string, threshold float64, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if key == "" {
		key = DefaultRedisKey
	}
	if threshold <= 0 {
		threshold = DefaultSimilarity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		rdb:       rdb,
		key:       key,
		threshold: threshold,
		ttl:       ttl,
		logger:    logger.With("component", "search_cache", "backend", "redis"),
	}
}

func (c *RedisCache) Get(ctx context.Context, query string) ([]Result, bool) {
	nq := NormalizeQuery(query)
	if nq == "" {
		return nil, false
	}
	all, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		c.logger.Warn("cache lookup failed", "error", err)
		return nil, false
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	key, ok := bestMatch(nq, keys, c.threshold)
	if !ok {
		return nil, false
	}
	var results []Result
	if err := json.Unmarshal([]byte(all[key]), &results); err != nil {
		c.logger.Warn("discarding corrupt cache entry", "query", key, "error", err)
		c.rdb.HDel(ctx, c.key, key)
		return nil, false
	}
	return results, true
}

func (c *RedisCache) Set(ctx context.Context, query string, results []Result) {
	nq := NormalizeQuery(query)
	if nq == "" {
		return
	}
	if results == nil {
		results = []Result{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn("cache encode failed", "error", err)
		return
	}
	if err := c.rdb.HSet(ctx, c.key, nq, data).Err(); err != nil {
		c.logger.Warn("cache store failed", "error", err)
		return
	}
	if c.ttl > 0 {
		if err := c.rdb.Expire(ctx, c.key, c.ttl).Err(); err != nil {
			c.logger.Warn("cache expire failed", "error", err)
		}
	}
}

// nopCache never hits.
type nopCache struct{}

func (nopCache) Get(context.Context, string) ([]Result, bool) { return nil, false }
func (nopCache) Set(context.Context, string, []Result)        {}

// NopCache returns a Cache that stores nothing.
func NopCache() Cache { return nopCache{} }
