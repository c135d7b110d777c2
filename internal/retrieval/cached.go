package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes another retriever by normalized question. Errors are not cached.
type Cached struct {
	inner Retriever
	cache *cache.Cache
}

func NewCached(inner Retriever, ttl time.Duration) *Cached {
	return &Cached{inner: inner, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Retrieve(ctx context.Context, question string) ([]Document, error) {
	key := strings.ToLower(strings.Join(strings.Fields(question), " "))
	if x, found := c.cache.Get(key); found {
		return x.([]Document), nil
	}
	docs, err := c.inner.Retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, docs, cache.DefaultExpiration)
	return docs, nil
}

func (c *Cached) Len() int { return c.cache.ItemCount() }
