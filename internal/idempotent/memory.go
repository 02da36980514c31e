package idempotent

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMemorySize = 1000

// Memory keeps the most recently added keys. Older keys are evicted once
// the repository holds its maximum size.
type Memory struct {
	keys *lru.Cache[string, struct{}]
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	keys, _ := lru.New[string, struct{}](size)
	return &Memory{keys: keys}
}

func (m *Memory) Add(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, _ := m.keys.ContainsOrAdd(key, struct{}{})
	return !ok, nil
}

func (m *Memory) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.keys.Contains(key), nil
}

func (m *Memory) Remove(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.keys.Remove(key), nil
}

func (m *Memory) Confirm(ctx context.Context, key string) (bool, error) {
	return m.Contains(ctx, key)
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.keys.Purge()
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.keys.Keys(), nil
}

func (m *Memory) Len() int { return m.keys.Len() }
