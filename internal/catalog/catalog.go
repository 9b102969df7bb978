// Package catalog reads products owned by the external catalog, with a small cache in
// front of the store.
package catalog

import (
	"context"
	"sync"
	"time"

	"KeyLedger/internal/models"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Source interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

type Config struct {
	MaxCacheSize int
	ExpiresAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCacheSize: 1024,
		ExpiresAfter: 30 * time.Second,
	}
}

type cacheEntry struct {
	product   models.Product
	expiresAt time.Time
}

// Cache serves product reads. Misses and errors are not cached.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	src   Source
	cache *lru.Cache[string, *cacheEntry]
	now   func() time.Time
}

func New(src Source, cfg Config) *Cache {
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultConfig().MaxCacheSize
	}
	cache, err := lru.New[string, *cacheEntry](cfg.MaxCacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic("failed to create LRU cache: " + err.Error())
	}
	return &Cache{cfg: cfg, src: src, cache: cache, now: time.Now}
}

func (c *Cache) Product(ctx context.Context, id string) (*models.Product, error) {
	c.mu.Lock()
	entry, ok := c.cache.Get(id)
	c.mu.Unlock()
	if ok && c.now().Before(entry.expiresAt) {
		p := entry.product
		return &p, nil
	}

	p, err := c.src.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(id, &cacheEntry{product: *p, expiresAt: c.now().Add(c.cfg.ExpiresAfter)})
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops a cached product, e.g. after a catalog sync.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(id)
}
