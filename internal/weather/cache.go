// SPDX-License-Identifier: MIT

// Package weather caches conditions per (postal code, country). Fetching
// is an external collaborator; the core only consumes the cache.
package weather

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openhearth/hearth/internal/log"
)

// DefaultTTL is the staleness bound applied when no TTL is configured.
const DefaultTTL = 30 * time.Minute

// Conditions is the cached weather document for one location.
type Conditions struct {
	Current   map[string]any `json:"current"`
	Location  map[string]any `json:"location"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Provider fetches fresh conditions. Implementations live outside the core.
type Provider interface {
	Current(ctx context.Context, postalCode, country string) (*Conditions, error)
}

type entry struct {
	conditions *Conditions
	fetchedAt  time.Time
}

// Cache memoises Provider lookups with a TTL. Concurrent misses for the
// same location collapse into one upstream fetch.
type Cache struct {
	TTL time.Duration
	Now func() time.Time

	provider Provider
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

func NewCache(provider Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		TTL:      ttl,
		Now:      time.Now,
		provider: provider,
		entries:  make(map[string]entry),
	}
}

// Get returns cached conditions for the location, fetching on miss or
// expiry. A nil provider yields (nil, nil): weather simply stays absent.
func (c *Cache) Get(ctx context.Context, postalCode, country string) (*Conditions, error) {
	if c.provider == nil || postalCode == "" {
		return nil, nil
	}
	if country == "" {
		country = "US"
	}
	key := postalCode + "," + country

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.Now().Sub(e.fetchedAt) < c.TTL {
		return e.conditions, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		cond, err := c.provider.Current(ctx, postalCode, country)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{conditions: cond, fetchedAt: c.Now()}
		c.mu.Unlock()
		return cond, nil
	})
	if err != nil {
		// Serve stale over nothing.
		if ok {
			logger := log.WithComponent("weather")
			logger.Warn().
				Str("location", key).
				Err(err).
				Msg("weather refresh failed, serving stale")
			return e.conditions, nil
		}
		return nil, err
	}
	return v.(*Conditions), nil
}

// Peek returns cached conditions without fetching, or nil.
func (c *Cache) Peek(postalCode, country string) *Conditions {
	if country == "" {
		country = "US"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[postalCode+","+country]
	if !ok || c.Now().Sub(e.fetchedAt) >= c.TTL {
		return nil
	}
	return e.conditions
}
