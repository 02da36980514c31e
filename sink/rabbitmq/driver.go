// Package rabbitmq is an ack-aware sink publishing to an AMQP exchange
// with publisher confirms. Messages are published mandatory, so an
// unroutable message fails its exchange instead of vanishing.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/sink"
)

const EnvPrefix = "TIDEMARK_RABBITMQ__"

var (
	ErrNacked      = errors.New("rabbitmq-sink: broker nacked")
	ErrUnroutable  = errors.New("rabbitmq-sink: unroutable")
	errChannelGone = errors.New("rabbitmq-sink: channel closed before confirm")
)

type Config struct {
	URL         string        `koanf:"url" validate:"required"`
	Exchange    string        `koanf:"exchange"`
	RoutingKey  string        `koanf:"routing_key" validate:"required"`
	Persistent  bool          `koanf:"persistent"`
	ContentType string        `koanf:"content_type"`
	Timeout     time.Duration `koanf:"publish_timeout"`
}

// channel is the part of *amqp.Channel the sink uses.
type channel interface {
	Confirm(noWait bool) error
	NotifyPublish(chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type driver struct {
	cfg  Config
	conn *amqp.Connection
	ch   channel
	ack  sink.EmitFn
	log  *slog.Logger

	mu       sync.Mutex // serialises publishes so delivery tags follow pending order
	pending  []*exchange.Exchange
	returned map[string]amqp.Return
	closed   bool
	done     chan struct{}
}

func (d *driver) Configure(raw any) error {
	var cfg Config
	switch c := raw.(type) {
	case Config:
		cfg = c
	case string:
		if err := config.LoadFile(c, EnvPrefix, &cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("rabbitmq-sink: expected Config, got %T", raw)
	}
	if err := config.Validate(&cfg); err != nil {
		return fmt.Errorf("rabbitmq-sink: %w", err)
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq-sink: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq-sink: channel: %w", err)
	}
	d.conn = conn
	if err := d.init(cfg, ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	return nil
}

func (d *driver) init(cfg Config, ch channel) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("rabbitmq-sink: enable confirms: %w", err)
	}
	d.cfg = cfg
	d.ch = ch
	d.log = logging.Component("sink.rabbitmq").With("exchange", cfg.Exchange, "routing_key", cfg.RoutingKey)
	d.returned = make(map[string]amqp.Return)
	d.done = make(chan struct{})

	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	go d.loop(returns, confirms)
	return nil
}

// loop settles pending exchanges in publish order. A basic.return for a
// message always arrives before its confirm.
func (d *driver) loop(returns <-chan amqp.Return, confirms <-chan amqp.Confirmation) {
	defer close(d.done)
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			d.record(r)
		case c, ok := <-confirms:
			if !ok {
				d.failPending(errChannelGone)
				return
			}
			returns = d.drainReturns(returns)
			d.confirm(c)
		}
	}
}

func (d *driver) record(r amqp.Return) {
	d.mu.Lock()
	d.returned[r.MessageId] = r
	d.mu.Unlock()
}

// drainReturns records returns that are already queued, since select
// picks randomly between ready channels.
func (d *driver) drainReturns(returns <-chan amqp.Return) <-chan amqp.Return {
	for returns != nil {
		select {
		case r, ok := <-returns:
			if !ok {
				return nil
			}
			d.record(r)
		default:
			return returns
		}
	}
	return nil
}

func (d *driver) confirm(c amqp.Confirmation) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		d.log.Warn("confirm without pending publish", "tag", c.DeliveryTag)
		return
	}
	ex := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	ret, unroutable := d.returned[ex.ID]
	delete(d.returned, ex.ID)
	d.mu.Unlock()

	switch {
	case unroutable:
		ex.Fail(fmt.Errorf("%w: %d %s", ErrUnroutable, ret.ReplyCode, ret.ReplyText))
	case !c.Ack:
		ex.Fail(ErrNacked)
	}
	d.settle(ex)
}

func (d *driver) failPending(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, ex := range pending {
		ex.Fail(err)
		d.settle(ex)
	}
}

func (d *driver) settle(ex *exchange.Exchange) {
	if d.ack != nil {
		d.ack(ex)
	}
}

func (d *driver) Push(ctx context.Context, ex *exchange.Exchange) error {
	headers := amqp.Table{}
	for k, v := range ex.Headers {
		headers[k] = v
	}
	pub := amqp.Publishing{
		MessageId:   ex.ID,
		Timestamp:   ex.Created,
		ContentType: d.cfg.ContentType,
		Headers:     headers,
		Body:        ex.Body,
	}
	if d.cfg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("rabbitmq-sink: closed")
	}
	if err := d.ch.PublishWithContext(ctx, d.cfg.Exchange, d.cfg.RoutingKey, true, false, pub); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	d.pending = append(d.pending, ex)
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	if d.closed || d.ch == nil {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.ch.Close()
	<-d.done
	if d.conn != nil {
		err = errors.Join(err, d.conn.Close())
	}
	return err
}

func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

func init() { sink.Register("rabbitmq", func() sink.Adapter { return &driver{} }) }
