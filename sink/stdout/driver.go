// Package stdout is a debugging sink that prints each exchange and acks
// in batches, by size or after a flush interval.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/resume"
	"tidemark/sink"
)

const EnvPrefix = "TIDEMARK_STDOUT__"

/* ────────── public config ────────── */
type Config struct {
	Delay        time.Duration `koanf:"delay"`          // artificial per-exchange delay
	PrintCounter bool          `koanf:"print_counter"`  // prepend seq#
	PrintBody    bool          `koanf:"print_body"`     // print the body after the offset
	BodyMaxBytes int           `koanf:"body_max_bytes"` // 0 = unlimited
	BatchSize    int           `koanf:"ack_batch_size" validate:"gte=0"`
	Flush        time.Duration `koanf:"ack_flush"`
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	out io.Writer
	ack sink.EmitFn
	seq uint64

	mu      sync.Mutex // guards pending+timer
	pending []*exchange.Exchange
	timer   *time.Timer // nil → no timer armed
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	switch c := raw.(type) {
	case Config:
		d.cfg = c
	case string:
		if err := config.LoadFile(c, EnvPrefix, &d.cfg); err != nil {
			return err
		}
	case nil:
	default:
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if err := config.Validate(&d.cfg); err != nil {
		return fmt.Errorf("stdout-sink: %w", err)
	}
	if d.out == nil {
		d.out = os.Stdout
	}
	return nil
}

func (d *driver) Push(ctx context.Context, ex *exchange.Exchange) error {
	if d.cfg.Delay > 0 {
		t := time.NewTimer(d.cfg.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	d.print(ex)

	if d.ack == nil {
		return nil
	}

	d.mu.Lock()
	d.pending = append(d.pending, ex)

	/* 1. flush on batch size (or immediately when batching is off) */
	if len(d.pending) >= d.cfg.BatchSize && (d.cfg.BatchSize > 0 || d.cfg.Flush <= 0) {
		batch := d.takeLocked()
		d.mu.Unlock()
		d.emit(batch)
		return nil
	}

	/* 2. (re)-arm the one-shot timer if needed */
	if d.cfg.Flush > 0 && d.timer == nil {
		d.timer = time.AfterFunc(d.cfg.Flush, d.timerFlush)
	}
	d.mu.Unlock()
	return nil
}

func (d *driver) print(ex *exchange.Exchange) {
	line := ex.ID
	if off, ok := resume.From(ex); ok {
		line = off.String()
	}
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d] %s", atomic.AddUint64(&d.seq, 1), line)
	}
	if d.cfg.PrintBody {
		body := ex.Body
		if d.cfg.BodyMaxBytes > 0 && len(body) > d.cfg.BodyMaxBytes {
			body = body[:d.cfg.BodyMaxBytes]
		}
		line += " " + string(body)
	}
	fmt.Fprintln(d.out, line)
}

func (d *driver) Close() error {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()
	d.emit(batch)
	return nil
}

/* ────────── sink.AckAware ────────── */
func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

/* ────────── internals ────────── */

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()
	d.emit(batch)
}

// must be called with d.mu *held*
func (d *driver) takeLocked() []*exchange.Exchange {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil // re-arm on next Push if needed
	}
	batch := d.pending
	d.pending = nil
	return batch
}

func (d *driver) emit(batch []*exchange.Exchange) {
	if d.ack == nil {
		return
	}
	for _, ex := range batch {
		d.ack(ex)
	}
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
