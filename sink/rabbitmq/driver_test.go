package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tidemark/internal/exchange"
)

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	confirms  chan amqp.Confirmation
	returns   chan amqp.Return
	tag       uint64
	closeOnce sync.Once
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returns = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, mandatory, _ bool, msg amqp.Publishing) error {
	if !mandatory {
		return errors.New("expected mandatory publish")
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		close(f.returns)
		close(f.confirms)
	})
	return nil
}

func (f *fakeChannel) confirm(ack bool) {
	f.tag++
	f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: ack}
}

func newFakeDriver(t *testing.T) (*driver, *fakeChannel, chan *exchange.Exchange) {
	t.Helper()
	fc := &fakeChannel{}
	acked := make(chan *exchange.Exchange, 10)
	d := &driver{}
	d.BindAck(func(ex *exchange.Exchange) { acked <- ex })
	if err := d.init(Config{URL: "amqp://fake", RoutingKey: "rk"}, fc); err != nil {
		t.Fatal(err)
	}
	return d, fc, acked
}

func waitAck(t *testing.T, acked chan *exchange.Exchange) *exchange.Exchange {
	t.Helper()
	select {
	case ex := <-acked:
		return ex
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
		return nil
	}
}

func TestConfirms_SettleInPublishOrder(t *testing.T) {
	d, fc, acked := newFakeDriver(t)
	defer d.Close()

	a := exchange.New(nil, []byte("a"))
	b := exchange.New(nil, []byte("b"))
	_ = d.Push(context.Background(), a)
	_ = d.Push(context.Background(), b)

	fc.confirm(true)
	fc.confirm(false)

	if got := waitAck(t, acked); got != a || got.Failed() {
		t.Fatalf("first ack = %v failed=%v", got.ID, got.Failed())
	}
	if got := waitAck(t, acked); got != b || !errors.Is(got.Err(), ErrNacked) {
		t.Fatalf("second ack err = %v", got.Err())
	}
	if fc.published[0].MessageId != a.ID {
		t.Fatal("message id not set from exchange id")
	}
}

func TestReturn_FailsExchange(t *testing.T) {
	d, fc, acked := newFakeDriver(t)
	defer d.Close()

	ex := exchange.New(nil, []byte("lost"))
	_ = d.Push(context.Background(), ex)
	fc.returns <- amqp.Return{MessageId: ex.ID, ReplyCode: 312, ReplyText: "NO_ROUTE"}
	fc.confirm(true)

	if got := waitAck(t, acked); !errors.Is(got.Err(), ErrUnroutable) {
		t.Fatalf("err = %v", got.Err())
	}
}

func TestClose_FailsUnconfirmed(t *testing.T) {
	d, _, acked := newFakeDriver(t)
	ex := exchange.New(nil, nil)
	_ = d.Push(context.Background(), ex)
	_ = d.Close()

	if got := waitAck(t, acked); !errors.Is(got.Err(), errChannelGone) {
		t.Fatalf("err = %v", got.Err())
	}
	if err := d.Push(context.Background(), exchange.New(nil, nil)); err == nil {
		t.Fatal("push after close succeeded")
	}
}
