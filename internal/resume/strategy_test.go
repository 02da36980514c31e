package resume

import (
	"context"
	"errors"
	"testing"

	"tidemark/internal/exchange"
)

func TestApply_RequiresAdapter(t *testing.T) {
	if err := Apply(context.Background(), NewTransient()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("err = %v, want ErrNoAdapter", err)
	}
}

func TestTransient_RoundTripThroughAdapter(t *testing.T) {
	ctx := context.Background()
	s := NewTransient()
	if err := s.UpdateLastOffset(ctx, IntOffset("p/0", 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateLastOffset(ctx, IntOffset("p/0", 11)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateLastOffset(ctx, IntOffset("p/1", 3)); err != nil {
		t.Fatal(err)
	}

	a := newFakeAdapter(10, FillMaximizing)
	s.SetAdapter(a)
	if err := Apply(ctx, s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.resumed != 1 {
		t.Fatalf("resumed %d times", a.resumed)
	}
	off, ok := a.Get("p/0")
	if !ok {
		t.Fatal("p/0 not restored")
	}
	if n, _ := off.Int64(); n != 11 {
		t.Fatalf("p/0 = %d, want 11", n)
	}
	if a.Len() != 2 {
		t.Fatalf("restored %d keys, want 2", a.Len())
	}
}

func TestTransient_RejectsEmptyKey(t *testing.T) {
	if err := NewTransient().UpdateLastOffset(context.Background(), Offset{Key: "  ", Value: "1"}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestTransient_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewTransient().UpdateLastOffset(ctx, IntOffset("k", 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestAttachAndFrom(t *testing.T) {
	ex := exchange.New(nil, nil)
	if _, ok := From(ex); ok {
		t.Fatal("fresh exchange should carry no offset")
	}
	Attach(ex, IntOffset("orders/2", 42))
	off, ok := From(ex)
	if !ok || off.Key != "orders/2" || off.Value != "42" {
		t.Fatalf("From = %+v %v", off, ok)
	}
	if off.String() != "orders/2@42" {
		t.Fatalf("String = %q", off.String())
	}
	if _, err := (Offset{Key: "k", Value: "abc"}).Int64(); err == nil {
		t.Fatal("expected parse error")
	}
}
