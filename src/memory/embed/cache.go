package embed

import (
	"context"
	"time"

	"github.com/seshat-labs/seshat/src/cache"
)

// CachedEmbedder memoizes embeddings per input text. Retrieval embeds query
// text on every turn; repeated questions hit the cache instead of the
// provider.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Vectors
}

// WithCache wraps an embedder with an LRU vector cache. size <= 0 selects the
// cache's default capacity; ttl <= 0 keeps entries until evicted.
func WithCache(inner Embedder, size int, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache.NewVectors(size, ttl)}
}

func (c *CachedEmbedder) Dim() int { return c.inner.Dim() }

// GetEmbeddings serves cached rows and embeds only the misses in one batch,
// preserving input order.
func (c *CachedEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.cache.Get(cache.HashKey(text)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.inner.GetEmbeddings(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, ErrNotSupported
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		c.cache.Set(cache.HashKey(missTexts[j]), vec)
	}
	return out, nil
}

var _ Embedder = (*CachedEmbedder)(nil)
