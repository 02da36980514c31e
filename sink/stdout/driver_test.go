package stdout

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tidemark/internal/exchange"
	"tidemark/internal/resume"
)

type acks struct {
	mu  sync.Mutex
	got []*exchange.Exchange
}

func (a *acks) fn(ex *exchange.Exchange) {
	a.mu.Lock()
	a.got = append(a.got, ex)
	a.mu.Unlock()
}

func (a *acks) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func newDriver(t *testing.T, cfg Config) (*driver, *bytes.Buffer, *acks) {
	t.Helper()
	var buf bytes.Buffer
	d := &driver{out: &buf}
	if err := d.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	a := &acks{}
	d.BindAck(a.fn)
	return d, &buf, a
}

func TestPush_AcksOnBatchSize(t *testing.T) {
	d, _, a := newDriver(t, Config{BatchSize: 3})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := d.Push(ctx, exchange.New(nil, []byte("x"))); err != nil {
			t.Fatal(err)
		}
	}
	if a.len() != 0 {
		t.Fatalf("acked %d before batch filled", a.len())
	}
	_ = d.Push(ctx, exchange.New(nil, []byte("x")))
	if a.len() != 3 {
		t.Fatalf("acked %d, want 3", a.len())
	}
}

func TestPush_AcksOnFlushInterval(t *testing.T) {
	d, _, a := newDriver(t, Config{BatchSize: 100, Flush: 10 * time.Millisecond})
	_ = d.Push(context.Background(), exchange.New(nil, nil))

	deadline := time.Now().Add(2 * time.Second)
	for a.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPush_AcksImmediatelyWithoutBatching(t *testing.T) {
	d, _, a := newDriver(t, Config{})
	_ = d.Push(context.Background(), exchange.New(nil, nil))
	if a.len() != 1 {
		t.Fatalf("acked %d, want 1", a.len())
	}
}

func TestClose_FlushesPending(t *testing.T) {
	d, _, a := newDriver(t, Config{BatchSize: 10})
	_ = d.Push(context.Background(), exchange.New(nil, nil))
	_ = d.Close()
	if a.len() != 1 {
		t.Fatalf("acked %d after close, want 1", a.len())
	}
}

func TestPrint_OffsetAndBody(t *testing.T) {
	d, buf, _ := newDriver(t, Config{PrintCounter: true, PrintBody: true, BodyMaxBytes: 3})
	ex := exchange.New(nil, []byte("hello"))
	resume.Attach(ex, resume.Offset{Key: "orders/0", Value: "41"})
	_ = d.Push(context.Background(), ex)

	got := buf.String()
	if !strings.Contains(got, "[sink 000001] orders/0@41 hel\n") {
		t.Fatalf("printed %q", got)
	}
}
