// Package kafka is an ack-aware sink producing each exchange to a topic.
// An exchange is acked once the broker confirms the write; produce errors
// fail the exchange before it is acked.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/sink"
)

const EnvPrefix = "TIDEMARK_KAFKA_SINK__"

var errClosed = errors.New("kafka-sink: closed")

type Config struct {
	Brokers []string `koanf:"brokers" validate:"required,min=1,dive,required"`
	Topic   string   `koanf:"topic" validate:"required"`
	// Acks is sarama.RequiredAcks; unset means WaitForAll.
	Acks    *int16 `koanf:"required_acks" validate:"omitempty,oneof=-1 0 1"`
	Version string `koanf:"version"`
	// Headers copies exchange headers into record headers.
	Headers bool `koanf:"headers"`
}

type driver struct {
	cfg Config
	p   sarama.AsyncProducer
	ack sink.EmitFn
	log *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
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
		return fmt.Errorf("kafka-sink: expected Config, got %T", raw)
	}
	applyDefaults(&cfg)
	if err := config.Validate(&cfg); err != nil {
		return fmt.Errorf("kafka-sink: %w", err)
	}

	sc, err := producerConfig(cfg)
	if err != nil {
		return err
	}
	p, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka-sink: producer: %w", err)
	}
	d.init(cfg, p)
	return nil
}

func applyDefaults(c *Config) {
	if c.Acks == nil {
		all := int16(sarama.WaitForAll)
		c.Acks = &all
	}
}

func producerConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(*cfg.Acks)
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka-sink: version: %w", err)
		}
		sc.Version = ver
	}
	return newProducerConfig(sc), nil
}

func newProducerConfig(sc *sarama.Config) *sarama.Config {
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc
}

func (d *driver) init(cfg Config, p sarama.AsyncProducer) {
	d.cfg = cfg
	d.p = p
	d.log = logging.Component("sink.kafka").With("topic", cfg.Topic)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		for msg := range p.Successes() {
			if ex, ok := msg.Metadata.(*exchange.Exchange); ok {
				d.settle(ex)
			}
		}
	}()
	go func() {
		defer d.wg.Done()
		for perr := range p.Errors() {
			ex, ok := perr.Msg.Metadata.(*exchange.Exchange)
			if !ok {
				d.log.Error("produce failed", "err", perr.Err)
				continue
			}
			d.log.Warn("produce failed", "exchange", ex.ID, "err", perr.Err)
			ex.Fail(fmt.Errorf("produce to %s: %w", d.cfg.Topic, perr.Err))
			d.settle(ex)
		}
	}()
}

func (d *driver) settle(ex *exchange.Exchange) {
	if d.ack != nil {
		d.ack(ex)
	}
}

func (d *driver) Push(ctx context.Context, ex *exchange.Exchange) error {
	msg := &sarama.ProducerMessage{
		Topic:    d.cfg.Topic,
		Value:    sarama.ByteEncoder(ex.Body),
		Metadata: ex,
	}
	if len(ex.Key) > 0 {
		msg.Key = sarama.ByteEncoder(ex.Key)
	}
	if d.cfg.Headers {
		for k, v := range ex.Headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errClosed
	}
	select {
	case d.p.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes buffered messages and waits until each of them is acked.
func (d *driver) Close() error {
	d.mu.Lock()
	if d.closed || d.p == nil {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.p.AsyncClose()
	d.wg.Wait()
	return nil
}

func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
