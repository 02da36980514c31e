package resume

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrNoAdapter = errors.New("resume: no adapter set on strategy")

// Strategy persists offsets and restores them into an Adapter.
type Strategy interface {
	Kind() string
	SetAdapter(Adapter)
	Adapter() Adapter
	// LoadCache restores stored offsets into the adapter.
	LoadCache(ctx context.Context) error
	UpdateLastOffset(ctx context.Context, off Offset) error
	Close() error
}

// Apply loads the cache and resumes the adapter; sources call it before
// they start consuming.
func Apply(ctx context.Context, s Strategy) error {
	a := s.Adapter()
	if a == nil {
		return ErrNoAdapter
	}
	if err := s.LoadCache(ctx); err != nil {
		return fmt.Errorf("load %s offsets: %w", s.Kind(), err)
	}
	if err := a.Resume(ctx); err != nil {
		return fmt.Errorf("resume adapter: %w", err)
	}
	return nil
}

// AdapterHolder implements the adapter half of Strategy.
type AdapterHolder struct {
	mu      sync.RWMutex
	adapter Adapter
}

func (h *AdapterHolder) SetAdapter(a Adapter) {
	h.mu.Lock()
	h.adapter = a
	h.mu.Unlock()
}

func (h *AdapterHolder) Adapter() Adapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.adapter
}

// ValidateOffset normalises off for storage.
func ValidateOffset(off Offset) (Offset, error) {
	off.Key = strings.TrimSpace(off.Key)
	if off.Key == "" {
		return Offset{}, errors.New("offset key is required")
	}
	if off.UpdatedAt.IsZero() {
		off.UpdatedAt = time.Now().UTC()
	}
	return off, nil
}

// Transient keeps offsets in memory only. Nothing survives a restart.
type Transient struct {
	AdapterHolder

	mu      sync.Mutex
	offsets map[string]Offset
}

func NewTransient() *Transient {
	return &Transient{offsets: make(map[string]Offset)}
}

func (t *Transient) Kind() string { return "transient" }

func (t *Transient) LoadCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a := t.Adapter()
	if a == nil {
		return ErrNoAdapter
	}
	Restore(a, t.Offsets())
	return nil
}

func (t *Transient) UpdateLastOffset(ctx context.Context, off Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	off, err := ValidateOffset(off)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.offsets[off.Key] = off
	t.mu.Unlock()
	return nil
}

// Offsets returns the stored offsets, oldest update first.
func (t *Transient) Offsets() []Offset {
	t.mu.Lock()
	out := make([]Offset, 0, len(t.offsets))
	for _, off := range t.offsets {
		out = append(out, off)
	}
	t.mu.Unlock()
	SortOldestFirst(out)
	return out
}

func (t *Transient) Close() error { return nil }
