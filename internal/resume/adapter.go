package resume

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheCapacity = 1000

// Adapter repositions a source using the offsets restored into it.
type Adapter interface {
	Resume(ctx context.Context) error
}

// Cacheable adapters receive stored offsets before Resume is called.
// Restore returns false when the adapter wants no more offsets.
type Cacheable interface {
	Adapter
	Restore(Offset) bool
}

type FillPolicy int

const (
	// FillMaximizing restores every stored offset, evicting the least
	// recently restored keys once the cache is full.
	FillMaximizing FillPolicy = iota
	// FillMinimizing stops restoring once the cache is full.
	FillMinimizing
)

func ParseFillPolicy(s string) (FillPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "maximizing":
		return FillMaximizing, nil
	case "minimizing":
		return FillMinimizing, nil
	default:
		return 0, fmt.Errorf("unknown fill policy %q", s)
	}
}

// Cache is a bounded key→offset map that source adapters embed to satisfy
// Cacheable.
type Cache struct {
	policy   FillPolicy
	capacity int
	entries  *lru.Cache[string, Offset]
}

func NewCache(capacity int, policy FillPolicy) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	entries, _ := lru.New[string, Offset](capacity)
	return &Cache{policy: policy, capacity: capacity, entries: entries}
}

func (c *Cache) Restore(off Offset) bool {
	if c.policy == FillMinimizing && !c.entries.Contains(off.Key) && c.entries.Len() >= c.capacity {
		return false
	}
	c.entries.Add(off.Key, off)
	if c.policy == FillMinimizing {
		return c.entries.Len() < c.capacity
	}
	return true
}

func (c *Cache) Get(key string) (Offset, bool) { return c.entries.Get(key) }

func (c *Cache) Put(off Offset) { c.entries.Add(off.Key, off) }

func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Keys() []string { return c.entries.Keys() }

// Restore feeds offsets to a, if it is Cacheable, until it declines.
// It returns the number of offsets offered.
func Restore(a Adapter, offsets []Offset) int {
	ca, ok := a.(Cacheable)
	if !ok {
		return 0
	}
	n := 0
	for _, off := range offsets {
		n++
		if !ca.Restore(off) {
			break
		}
	}
	return n
}

// DelegatingAdapter lets one strategy serve several sources. Offsets are
// routed to the delegate registered with the longest matching key prefix;
// Resume resumes every delegate in registration order.
type DelegatingAdapter struct {
	mu        sync.Mutex
	prefixes  []string
	delegates map[string]Adapter
	full      map[string]bool
}

func NewDelegatingAdapter() *DelegatingAdapter {
	return &DelegatingAdapter{
		delegates: make(map[string]Adapter),
		full:      make(map[string]bool),
	}
}

// Register routes offsets whose key starts with prefix to a. An empty
// prefix catches everything not claimed by a longer prefix.
func (d *DelegatingAdapter) Register(prefix string, a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.delegates[prefix]; !ok {
		d.prefixes = append(d.prefixes, prefix)
	}
	d.delegates[prefix] = a
}

func (d *DelegatingAdapter) route(key string) (string, Adapter) {
	matched, best := "", -1
	for _, p := range d.prefixes {
		if strings.HasPrefix(key, p) && len(p) > best {
			matched, best = p, len(p)
		}
	}
	if best < 0 {
		return "", nil
	}
	return matched, d.delegates[matched]
}

// Restore returns false only once every cacheable delegate is full.
func (d *DelegatingAdapter) Restore(off Offset) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix, a := d.route(off.Key)
	if ca, ok := a.(Cacheable); ok && !d.full[prefix] {
		if !ca.Restore(off) {
			d.full[prefix] = true
		}
	}
	for _, p := range d.prefixes {
		if _, ok := d.delegates[p].(Cacheable); ok && !d.full[p] {
			return true
		}
	}
	return false
}

func (d *DelegatingAdapter) Resume(ctx context.Context) error {
	d.mu.Lock()
	prefixes := append([]string(nil), d.prefixes...)
	delegates := make([]Adapter, 0, len(prefixes))
	for _, p := range prefixes {
		delegates = append(delegates, d.delegates[p])
	}
	d.mu.Unlock()

	var errs []error
	for i, a := range delegates {
		if err := a.Resume(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resume %q: %w", prefixes[i], err))
		}
	}
	return errors.Join(errs...)
}

// SortOldestFirst orders offsets by update time so later writes win on restore.
func SortOldestFirst(offsets []Offset) {
	sort.SliceStable(offsets, func(i, j int) bool {
		return offsets[i].UpdatedAt.Before(offsets[j].UpdatedAt)
	})
}
