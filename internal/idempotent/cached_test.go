package idempotent

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tidemark/internal/telemetry"
)

type countingRepo struct {
	*Memory
	contains int
	started  bool
	closed   bool
}

func (r *countingRepo) Contains(ctx context.Context, key string) (bool, error) {
	r.contains++
	return r.Memory.Contains(ctx, key)
}

func (r *countingRepo) Start(context.Context) error { r.started = true; return nil }
func (r *countingRepo) Close() error                { r.closed = true; return nil }

func TestCached_PreloadsAndAnswersFromMemory(t *testing.T) {
	ctx := context.Background()
	backing := &countingRepo{Memory: NewMemory(10)}
	_, _ = backing.Add(ctx, "seen")

	c := NewCached(backing, 10)
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !backing.started {
		t.Fatal("backing repository not started")
	}

	hits := testutil.ToFloat64(telemetry.CacheLookups.WithLabelValues("hit"))
	if ok, _ := c.Contains(ctx, "seen"); !ok {
		t.Fatal("preloaded key missing")
	}
	if backing.contains != 0 {
		t.Fatal("hit went to backing store")
	}
	if got := testutil.ToFloat64(telemetry.CacheLookups.WithLabelValues("hit")); got != hits+1 {
		t.Fatalf("hit counter = %v, want %v", got, hits+1)
	}

	if ok, _ := c.Contains(ctx, "unknown"); ok {
		t.Fatal("unknown key reported present")
	}
	if backing.contains != 1 {
		t.Fatalf("backing lookups = %d, want 1", backing.contains)
	}

	if err := c.Close(); err != nil || !backing.closed {
		t.Fatalf("close: %v closed=%v", err, backing.closed)
	}
}

func TestCached_AddAndRemove(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory(10)
	c := NewCached(backing, 10)

	if added, _ := c.Add(ctx, "k"); !added {
		t.Fatal("first add reported duplicate")
	}
	if added, _ := c.Add(ctx, "k"); added {
		t.Fatal("second add reported new")
	}
	if ok, _ := c.Remove(ctx, "k"); !ok {
		t.Fatal("remove = false")
	}
	if ok, _ := backing.Contains(ctx, "k"); ok {
		t.Fatal("backing still holds k")
	}
	if added, _ := c.Add(ctx, "k"); !added {
		t.Fatal("add after remove reported duplicate")
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Contains(ctx, "k"); ok {
		t.Fatal("clear left k")
	}
}
