package idempotent

import (
	"context"
	"errors"
	"testing"

	"tidemark/internal/exchange"
)

type confirmRepo struct {
	*Memory
	confirmed []string
}

func (r *confirmRepo) Confirm(ctx context.Context, key string) (bool, error) {
	r.confirmed = append(r.confirmed, key)
	return r.Memory.Confirm(ctx, key)
}

func msg(id string) *exchange.Exchange {
	ex := exchange.New(nil, []byte(`{"order":{"id":"`+id+`"}}`))
	ex.SetHeader("Message-Id", id)
	return ex
}

func TestConsumer_EagerStopsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := &confirmRepo{Memory: NewMemory(10)}
	c := NewConsumer("orders", repo, Header("Message-Id"))

	first := msg("1")
	if err := c.Process(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.Stopped() {
		t.Fatal("first delivery stopped")
	}
	first.Release()
	if len(repo.confirmed) != 1 || repo.confirmed[0] != "1" {
		t.Fatalf("confirmed = %v", repo.confirmed)
	}

	again := msg("1")
	if err := c.Process(ctx, again); err != nil {
		t.Fatal(err)
	}
	if !again.Stopped() {
		t.Fatal("duplicate not stopped")
	}
	if v, _ := again.Property(PropertyDuplicate); v != true {
		t.Fatal("duplicate property not set")
	}
}

func TestConsumer_FailureRemovesID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(10)
	c := NewConsumer("orders", repo, JSONPath("order.id"))

	ex := msg("7")
	if err := c.Process(ctx, ex); err != nil {
		t.Fatal(err)
	}
	ex.Fail(errors.New("downstream"))
	ex.Release()

	if ok, _ := repo.Contains(ctx, "7"); ok {
		t.Fatal("failed id still present")
	}
	retry := msg("7")
	_ = c.Process(ctx, retry)
	if retry.Stopped() {
		t.Fatal("redelivery after failure treated as duplicate")
	}
}

func TestConsumer_KeepOnFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(10)
	c := NewConsumer("orders", repo, ExchangeID(), WithRemoveOnFailure(false))
	ex := exchange.New(nil, nil)
	_ = c.Process(ctx, ex)
	ex.Fail(errors.New("x"))
	ex.Release()
	if ok, _ := repo.Contains(ctx, ex.ID); !ok {
		t.Fatal("id removed despite WithRemoveOnFailure(false)")
	}
}

func TestConsumer_NonEagerAddsOnCompletion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(10)
	c := NewConsumer("orders", repo, Header("Message-Id"), WithEager(false))

	ex := msg("9")
	_ = c.Process(ctx, ex)
	if ok, _ := repo.Contains(ctx, "9"); ok {
		t.Fatal("non-eager consumer added before completion")
	}
	ex.Release()
	if ok, _ := repo.Contains(ctx, "9"); !ok {
		t.Fatal("id not added on completion")
	}
}

func TestConsumer_PassesDuplicatesWhenNotSkipping(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory(10)
	_, _ = repo.Add(ctx, "3")
	c := NewConsumer("orders", repo, Header("Message-Id"), WithSkipDuplicate(false))
	ex := msg("3")
	_ = c.Process(ctx, ex)
	if ex.Stopped() {
		t.Fatal("duplicate stopped although skipping is off")
	}
	if v, _ := ex.Property(PropertyDuplicate); v != true {
		t.Fatal("duplicate property not set")
	}
}

func TestConsumer_MissingID(t *testing.T) {
	c := NewConsumer("orders", NewMemory(10), Header("Message-Id"))
	if err := c.Process(context.Background(), exchange.New(nil, nil)); !errors.Is(err, ErrNoMessageID) {
		t.Fatalf("err = %v, want ErrNoMessageID", err)
	}
}

func TestParseMessageID(t *testing.T) {
	ex := msg("42")
	for expr, want := range map[string]string{
		"header:Message-Id": "42",
		"json:order.id":     "42",
		"exchange-id":       ex.ID,
	} {
		id, err := ParseMessageID(expr)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if got := id(ex); got != want {
			t.Fatalf("%s = %q, want %q", expr, got, want)
		}
	}
	for _, bad := range []string{"header:", "xpath:/a", ""} {
		if _, err := ParseMessageID(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
	if got := JSONPath("order.id")(exchange.New(nil, []byte("not json"))); got != "" {
		t.Fatalf("non-json body id = %q", got)
	}
}
