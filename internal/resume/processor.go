package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/internal/telemetry"
)

const (
	DefaultCapacity      = 10000
	DefaultUpdateTimeout = 5 * time.Second
)

type Config struct {
	// Ordered only records the watermark of each key, so a restart never
	// skips an offset that was still in flight.
	Ordered bool
	// Capacity bounds the pending offsets per key in ordered mode.
	Capacity int64
	// CommitInterval > 0 batches store writes; the latest offset per key
	// is written on every tick and on Flush.
	CommitInterval time.Duration
	// Intermittent sources only attach offsets to some exchanges.
	Intermittent  bool
	UpdateTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = DefaultUpdateTimeout
	}
}

// Processor records the offset of each successfully completed exchange
// through a Strategy.
type Processor struct {
	strategy Strategy
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	marks map[string]*Watermark
	dirty map[string]Offset

	writeMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewProcessor(s Strategy, cfg Config) *Processor {
	cfg.applyDefaults()
	return &Processor{
		strategy: s,
		cfg:      cfg,
		log:      logging.Component("resume").With("strategy", s.Kind()),
		marks:    make(map[string]*Watermark),
		dirty:    make(map[string]Offset),
	}
}

func (p *Processor) Strategy() Strategy { return p.strategy }

func (p *Processor) Process(ctx context.Context, ex *exchange.Exchange) error {
	off, ok := From(ex)
	if !ok {
		if !p.cfg.Intermittent {
			p.log.Warn("exchange carries no offset", "exchange", ex.ID)
		}
		return nil
	}

	if !p.cfg.Ordered {
		ex.AddOnCompletion(exchange.Callbacks{
			Complete: func(*exchange.Exchange) { p.commit(off) },
			Failure: func(ex *exchange.Exchange) {
				p.log.Warn("exchange failed, offset not updated", "key", off.Key, "offset", off.Value, "err", ex.Err())
			},
		})
		return nil
	}

	w := p.watermark(off.Key)
	resolve, err := w.Track(ctx, off)
	if err != nil {
		return fmt.Errorf("track offset %s: %w", off, err)
	}
	telemetry.OffsetsPending.WithLabelValues(off.Key).Set(float64(w.Pending()))

	ex.AddOnCompletion(exchange.Callbacks{
		Complete: func(*exchange.Exchange) {
			mark, ok := resolve()
			telemetry.OffsetsPending.WithLabelValues(off.Key).Set(float64(w.Pending()))
			if ok {
				p.commit(mark)
			}
		},
		Failure: func(ex *exchange.Exchange) {
			resolve()
			telemetry.OffsetsPending.WithLabelValues(off.Key).Set(float64(w.Pending()))
			p.log.Warn("exchange failed, offset not updated", "key", off.Key, "offset", off.Value, "err", ex.Err())
		},
	})
	return nil
}

func (p *Processor) watermark(key string) *Watermark {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.marks[key]
	if !ok {
		w = NewWatermark(p.cfg.Capacity)
		p.marks[key] = w
	}
	return w
}

func (p *Processor) commit(off Offset) {
	if p.cfg.CommitInterval > 0 {
		p.mu.Lock()
		p.dirty[off.Key] = off
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UpdateTimeout)
	defer cancel()
	_ = p.write(ctx, off)
}

func (p *Processor) write(ctx context.Context, off Offset) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.strategy.UpdateLastOffset(ctx, off); err != nil {
		telemetry.OffsetUpdates.WithLabelValues(p.strategy.Kind(), "error").Inc()
		p.log.Error("update offset failed", "key", off.Key, "offset", off.Value, "err", err)
		return fmt.Errorf("update offset %s: %w", off, err)
	}
	telemetry.OffsetUpdates.WithLabelValues(p.strategy.Kind(), "ok").Inc()
	p.log.Debug("offset updated", "key", off.Key, "offset", off.Value)
	return nil
}

// Flush writes every offset that has not been persisted yet. Offsets that
// fail to write stay queued unless a newer one arrived meanwhile.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	pending := p.dirty
	p.dirty = make(map[string]Offset)
	p.mu.Unlock()

	var errs []error
	for key, off := range pending {
		if err := p.write(ctx, off); err != nil {
			errs = append(errs, err)
			p.mu.Lock()
			if _, newer := p.dirty[key]; !newer {
				p.dirty[key] = off
			}
			p.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// Start runs the periodic flush when CommitInterval is set.
func (p *Processor) Start(ctx context.Context) {
	if p.cfg.CommitInterval <= 0 || p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.cfg.CommitInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-t.C:
				fctx, cancel := context.WithTimeout(context.Background(), p.cfg.UpdateTimeout)
				_ = p.Flush(fctx)
				cancel()
			}
		}
	}()
}

// Close stops the periodic flush and writes what is still queued.
func (p *Processor) Close(ctx context.Context) error {
	if p.stop != nil {
		close(p.stop)
		p.wg.Wait()
		p.stop = nil
	}
	return p.Flush(ctx)
}
