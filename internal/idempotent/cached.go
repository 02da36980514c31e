package idempotent

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"tidemark/internal/logging"
	"tidemark/internal/telemetry"
)

// Cached fronts a durable repository with an in-memory set of known keys.
// Positive lookups are answered from memory; misses go to the backing store.
// Only keys this instance added or confirmed are remembered. A duplicate
// reported by the backing store may be another owner's lock that can still
// expire, so it is never cached.
type Cached struct {
	backing Repository
	known   *lru.Cache[string, struct{}]
}

func NewCached(backing Repository, size int) *Cached {
	if size <= 0 {
		size = DefaultMemorySize
	}
	known, _ := lru.New[string, struct{}](size)
	return &Cached{backing: backing, known: known}
}

func (c *Cached) Backing() Repository { return c.backing }

// Start starts the backing repository and preloads its keys when it can
// list them.
func (c *Cached) Start(ctx context.Context) error {
	if err := Start(ctx, c.backing); err != nil {
		return err
	}
	l, ok := c.backing.(Lister)
	if !ok {
		return nil
	}
	keys, err := l.Keys(ctx)
	if err != nil {
		return fmt.Errorf("preload keys: %w", err)
	}
	for _, k := range keys {
		c.known.Add(k, struct{}{})
	}
	logging.Component("idempotent").Debug("cache preloaded", "keys", len(keys))
	return nil
}

func (c *Cached) Close() error { return Close(c.backing) }

func (c *Cached) Add(ctx context.Context, key string) (bool, error) {
	if c.known.Contains(key) {
		telemetry.CacheLookups.WithLabelValues("hit").Inc()
		return false, nil
	}
	telemetry.CacheLookups.WithLabelValues("miss").Inc()
	added, err := c.backing.Add(ctx, key)
	if err != nil {
		return false, err
	}
	if added {
		c.known.Add(key, struct{}{})
	}
	return added, nil
}

func (c *Cached) Contains(ctx context.Context, key string) (bool, error) {
	if c.known.Contains(key) {
		telemetry.CacheLookups.WithLabelValues("hit").Inc()
		return true, nil
	}
	telemetry.CacheLookups.WithLabelValues("miss").Inc()
	return c.backing.Contains(ctx, key)
}

func (c *Cached) Remove(ctx context.Context, key string) (bool, error) {
	c.known.Remove(key)
	return c.backing.Remove(ctx, key)
}

func (c *Cached) Confirm(ctx context.Context, key string) (bool, error) {
	ok, err := c.backing.Confirm(ctx, key)
	if err == nil && ok {
		c.known.Add(key, struct{}{})
	}
	return ok, err
}

func (c *Cached) Clear(ctx context.Context) error {
	c.known.Purge()
	return c.backing.Clear(ctx)
}
