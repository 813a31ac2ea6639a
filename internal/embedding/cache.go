package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache decorates a Provider with a redis lookaside cache keyed by
// content hash. Cache failures are logged and fall through to the
// underlying provider; the cache is an optimization, never a
// correctness dependency.
type Cache struct {
	inner  Provider
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache wraps inner with a redis cache.
func NewCache(inner Provider, rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		inner:  inner,
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[EMBED-CACHE] ", log.LstdFlags),
	}
}

// Dimensions returns the wrapped provider's dimensionality.
func (c *Cache) Dimensions() int { return c.inner.Dimensions() }

// Embed resolves cached vectors first, then embeds the misses in one
// batched call through the wrapped provider.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.key(text)
	}
	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Printf("cache lookup failed, embedding all %d inputs: %v", len(texts), err)
		return c.inner.Embed(ctx, texts)
	}
	for i, raw := range cached {
		s, ok := raw.(string)
		if !ok {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, texts[i])
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil || len(vec) != c.inner.Dimensions() {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, texts[i])
			continue
		}
		vecs[i] = vec
	}

	if len(missTexts) > 0 {
		fresh, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			vecs[idx] = fresh[j]
			if data, err := json.Marshal(fresh[j]); err == nil {
				if err := c.rdb.Set(ctx, keys[idx], data, c.ttl).Err(); err != nil {
					c.logger.Printf("cache store failed for key %s: %v", keys[idx], err)
				}
			}
		}
	}
	return vecs, nil
}

func (c *Cache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "falconeye:emb:" + hex.EncodeToString(sum[:16])
}
