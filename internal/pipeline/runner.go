package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/internal/telemetry"
	"tidemark/sink"
	"tidemark/source"
)

const tracerName = "tidemark/pipeline"

type stage struct {
	name string
	p    exchange.Processor
}

type sinkEntry struct {
	name     string
	s        sink.Adapter
	ackAware bool
}

// Runner drives one source through ordered processors into sinks.
type Runner struct {
	source     source.Adapter
	processors []stage
	sinks      []sinkEntry
	onStart    []func(context.Context) error
	onClose    []func(context.Context) error

	tracer trace.Tracer
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
	closed bool
}

func NewRunner() *Runner {
	return &Runner{
		tracer: otel.Tracer(tracerName),
		log:    logging.Component("pipeline"),
	}
}

func (r *Runner) SetSource(s source.Adapter) { r.source = s }

func (r *Runner) SetTracerProvider(tp trace.TracerProvider) { r.tracer = tp.Tracer(tracerName) }

func (r *Runner) AddProcessor(name string, p exchange.Processor) {
	r.processors = append(r.processors, stage{name: name, p: p})
}

// AddSink binds ack-aware sinks to the runner's release callback.
func (r *Runner) AddSink(name string, s sink.Adapter) {
	e := sinkEntry{name: name, s: s}
	if aw, ok := s.(sink.AckAware); ok {
		aw.BindAck(r.Ack)
		e.ackAware = true
	}
	r.sinks = append(r.sinks, e)
}

// OnStart registers fn to run, in order, before the source starts.
func (r *Runner) OnStart(fn func(context.Context) error) { r.onStart = append(r.onStart, fn) }

// OnClose registers fn to run, in order, after the source and sinks closed.
func (r *Runner) OnClose(fn func(context.Context) error) { r.onClose = append(r.onClose, fn) }

// Ack releases the reference an ack-aware sink held on ex.
func (r *Runner) Ack(ex *exchange.Exchange) { ex.Release() }

/*──────── exchange routing ───────*/

// handle is the source's EmitFunc. It owns the exchange's initial
// reference and releases it once every stage has seen the exchange.
func (r *Runner) handle(ctx context.Context, ex *exchange.Exchange) error {
	_, span := r.tracer.Start(ctx, "exchange", trace.WithAttributes(
		attribute.String("exchange.id", ex.ID),
	))
	ex.AddOnCompletion(exchange.Callbacks{
		Complete: func(ex *exchange.Exchange) {
			outcome := "completed"
			if ex.Stopped() {
				outcome = "stopped"
			}
			telemetry.Exchanges.WithLabelValues(outcome).Inc()
			span.SetAttributes(attribute.String("exchange.outcome", outcome))
			span.End()
		},
		Failure: func(ex *exchange.Exchange) {
			telemetry.Exchanges.WithLabelValues("failed").Inc()
			span.RecordError(ex.Err())
			span.SetStatus(codes.Error, ex.Err().Error())
			span.End()
		},
	})
	defer ex.Release()

	spanCtx := trace.ContextWithSpan(ctx, span)
	for _, st := range r.processors {
		if ex.Stopped() {
			return nil
		}
		if err := st.p.Process(spanCtx, ex); err != nil {
			r.log.Warn("processor failed", "processor", st.name, "exchange", ex.ID, "err", err)
			ex.Fail(fmt.Errorf("processor %s: %w", st.name, err))
			return nil
		}
	}
	if ex.Stopped() {
		return nil
	}

	for _, se := range r.sinks {
		if se.ackAware {
			ex.Retain()
		}
		if err := se.s.Push(spanCtx, ex); err != nil {
			if se.ackAware {
				ex.Release()
			}
			r.log.Warn("sink push failed", "sink", se.name, "exchange", ex.ID, "err", err)
			ex.Fail(fmt.Errorf("sink %s: %w", se.name, err))
			return nil
		}
	}
	return nil
}

/*──────── lifecycle ───────*/

func (r *Runner) Start(ctx context.Context) error {
	if r.source == nil {
		return errors.New("runner: no source configured")
	}
	if len(r.sinks) == 0 {
		return errors.New("runner: no sink configured")
	}
	for _, fn := range r.onStart {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		err := r.source.Run(runCtx, r.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("source stopped", "err", err)
		}
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
	}()
	return nil
}

// Done is closed when the source returns. It is nil before Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Close stops the source, closes sinks so they settle outstanding acks,
// then runs the close hooks (offset flush, store shutdown).
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			r.log.Warn("source did not stop in time")
		}
	}

	var errs []error
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	for _, se := range r.sinks {
		if err := se.s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", se.name, err))
		}
	}
	for _, fn := range r.onClose {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
