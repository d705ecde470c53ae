package validate

import (
	"context"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	fv "github.com/gofhir/uploader"
)

// DefaultCacheSize is the number of verdicts kept by NewCached when size <= 0.
const DefaultCacheSize = 4096

// Cached memoizes verdicts by resource content hash and profile. Validator
// errors are not cached.
type Cached struct {
	next    Validator
	cache   *lru.Cache[string, *Verdict]
	metrics *fv.Metrics
}

// NewCached wraps next with an LRU of the given size. metrics may be nil.
func NewCached(next Validator, size int, metrics *fv.Metrics) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Verdict](size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create verdict cache")
	}
	return &Cached{next: next, cache: cache, metrics: metrics}, nil
}

// Validate returns the cached verdict for r, or asks the wrapped validator.
func (c *Cached) Validate(ctx context.Context, r *fv.Resource, profile string) (*Verdict, error) {
	hash := r.Hash
	if hash == "" {
		hash = fv.ContentHash(r.Body)
	}
	key := r.Type + "|" + hash + "|" + profile

	if v, ok := c.cache.Get(key); ok {
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		return v, nil
	}
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}

	v, err := c.next.Validate(ctx, r, profile)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// Len returns the number of cached verdicts.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Purge drops every cached verdict.
func (c *Cached) Purge() {
	c.cache.Purge()
}
