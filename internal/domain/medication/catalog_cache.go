package medication

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// CachedCatalog wraps a Catalog with a TTL cache. Concurrent misses for the
// same key share one upstream call. Callers get copies, never the cached
// entries themselves.
type CachedCatalog struct {
	inner Catalog
	store *cache.Cache
	group singleflight.Group
}

// NewCachedCatalog caches lookups on inner for ttl.
func NewCachedCatalog(inner Catalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		inner: inner,
		store: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedCatalog) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	key := "id:" + id.String()
	if v, ok := c.store.Get(key); ok {
		return v.(*Medication).Clone(), nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		m, err := c.inner.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		m = m.Clone()
		c.store.SetDefault(key, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Medication).Clone(), nil
}

func (c *CachedCatalog) ListByCarePlan(ctx context.Context, carePlanID string) ([]*Medication, error) {
	key := "plan:" + carePlanID
	if v, ok := c.store.Get(key); ok {
		return cloneAll(v.([]*Medication)), nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		list, err := c.inner.ListByCarePlan(ctx, carePlanID)
		if err != nil {
			return nil, err
		}
		list = cloneAll(list)
		c.store.SetDefault(key, list)
		for _, m := range list {
			c.store.SetDefault("id:"+m.ID.String(), m)
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(v.([]*Medication)), nil
}

// Flush drops every cached entry.
func (c *CachedCatalog) Flush() {
	c.store.Flush()
}
