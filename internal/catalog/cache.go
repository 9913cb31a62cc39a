// Package catalog keeps the algorithm list in memory between refreshes.
package catalog

import (
	"context"
	"log"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/cwygoda/sepq/internal/domain"
)

// FetchFunc loads a fresh catalog from the remote service.
type FetchFunc func(ctx context.Context) (*domain.Catalog, error)

// Cache serves the last fetched catalog. Concurrent refreshes share one
// remote call.
type Cache struct {
	fetch   FetchFunc
	current atomic.Pointer[domain.Catalog]
	group   singleflight.Group
}

// New creates an empty Cache.
func New(fetch FetchFunc) *Cache {
	return &Cache{fetch: fetch}
}

// Get returns the cached catalog, fetching it on first use.
func (c *Cache) Get(ctx context.Context) (*domain.Catalog, error) {
	if cat := c.current.Load(); cat != nil {
		return cat, nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches the catalog and replaces the cached copy. On error the
// previous copy is kept. The shared fetch outlives a caller that gives up,
// so one cancelled request does not fail the others waiting on it.
func (c *Cache) Refresh(ctx context.Context) (*domain.Catalog, error) {
	ch := c.group.DoChan("catalog", func() (any, error) {
		cat, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.current.Store(cat)
		log.Printf("catalog: loaded %d algorithms", len(cat.Algorithms))
		return cat, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Printf("catalog: joined in-flight refresh")
		}
		return res.Val.(*domain.Catalog), nil
	}
}

// Invalidate drops the cached copy so the next Get fetches again.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}
