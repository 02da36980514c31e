// Package nats publishes each exchange to a NATS subject. With JetStream
// enabled the exchange id is sent as the message id, so the stream drops
// redeliveries of the same exchange.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/sink"
)

const EnvPrefix = "TIDEMARK_NATS__"

type Config struct {
	URL     string `koanf:"url" validate:"required"`
	Subject string `koanf:"subject" validate:"required"`
	// SubjectHeader names an exchange header whose value replaces
	// "${header}" in Subject.
	SubjectHeader string            `koanf:"subject_header"`
	Headers       map[string]string `koanf:"headers"`
	JetStream     bool              `koanf:"jetstream"`
	Timeout       time.Duration     `koanf:"timeout"`
}

type driver struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger
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
		return fmt.Errorf("nats-sink: expected Config, got %T", raw)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if err := config.Validate(&cfg); err != nil {
		return fmt.Errorf("nats-sink: %w", err)
	}
	d.cfg = cfg
	d.log = logging.Component("sink.nats").With("subject", cfg.Subject)

	nc, err := nats.Connect(cfg.URL,
		nats.Name("tidemark"),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats-sink: connect %s: %w", cfg.URL, err)
	}
	d.nc = nc
	if cfg.JetStream {
		if d.js, err = nc.JetStream(); err != nil {
			nc.Close()
			return fmt.Errorf("nats-sink: jetstream: %w", err)
		}
	}
	return nil
}

func (d *driver) subject(ex *exchange.Exchange) string {
	if d.cfg.SubjectHeader == "" {
		return d.cfg.Subject
	}
	return strings.ReplaceAll(d.cfg.Subject, "${header}", ex.Header(d.cfg.SubjectHeader))
}

func (d *driver) Push(ctx context.Context, ex *exchange.Exchange) error {
	msg := nats.NewMsg(d.subject(ex))
	msg.Data = ex.Body
	for k, v := range d.cfg.Headers {
		msg.Header.Set(k, v)
	}
	for k, v := range ex.Headers {
		msg.Header.Set(k, v)
	}

	if d.js != nil {
		msg.Header.Set(nats.MsgIdHdr, ex.ID)
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
		}
		if _, err := d.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
		return nil
	}
	if err := d.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending publishes before closing the connection.
func (d *driver) Close() error {
	if d.nc == nil || d.nc.IsClosed() {
		return nil
	}
	if err := d.nc.Drain(); err != nil {
		d.nc.Close()
		return err
	}
	return nil
}

func init() { sink.Register("nats", func() sink.Adapter { return &driver{} }) }
