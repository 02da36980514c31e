// Package exchange defines the in-flight message envelope passed between
// pipeline stages, and the completion callbacks that fire once every holder
// of the exchange has released it.
package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Synchronization receives the outcome of an exchange once it completes.
type Synchronization interface {
	OnComplete(*Exchange)
	OnFailure(*Exchange)
}

// Callbacks adapts two funcs to a Synchronization. Nil funcs are skipped.
type Callbacks struct {
	Complete func(*Exchange)
	Failure  func(*Exchange)
}

func (c Callbacks) OnComplete(ex *Exchange) {
	if c.Complete != nil {
		c.Complete(ex)
	}
}

func (c Callbacks) OnFailure(ex *Exchange) {
	if c.Failure != nil {
		c.Failure(ex)
	}
}

// Processor is one stage of a pipeline.
type Processor interface {
	Process(ctx context.Context, ex *Exchange) error
}

type ProcessorFunc func(ctx context.Context, ex *Exchange) error

func (f ProcessorFunc) Process(ctx context.Context, ex *Exchange) error { return f(ctx, ex) }

// Exchange carries one message through the pipeline.
//
// An exchange starts with a single reference held by whoever created it.
// Holders that finish asynchronously (ack-aware sinks) Retain it and Release
// when done; completion callbacks run exactly once, when the last reference
// is released.
type Exchange struct {
	ID      string
	Created time.Time
	Key     []byte
	Body    []byte
	Headers map[string]string

	refs int32

	mu       sync.Mutex
	props    map[string]any
	err      error
	stopped  bool
	syncs    []Synchronization
	done     bool
	doneCh   chan struct{}
	finished time.Time
}

func New(key, body []byte) *Exchange {
	return &Exchange{
		ID:      uuid.NewString(),
		Created: time.Now(),
		Key:     key,
		Body:    body,
		Headers: make(map[string]string),
		refs:    1,
		props:   make(map[string]any),
		doneCh:  make(chan struct{}),
	}
}

func (e *Exchange) Header(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Headers[name]
}

func (e *Exchange) SetHeader(name, value string) {
	e.mu.Lock()
	e.Headers[name] = value
	e.mu.Unlock()
}

func (e *Exchange) Property(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[name]
	return v, ok
}

func (e *Exchange) SetProperty(name string, v any) {
	e.mu.Lock()
	e.props[name] = v
	e.mu.Unlock()
}

// Fail records err on the exchange. Only the first error is kept.
func (e *Exchange) Fail(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Exchange) Failed() bool { return e.Err() != nil }

// Stop marks the exchange so no further processors or sinks see it.
// A stopped exchange still completes successfully.
func (e *Exchange) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

func (e *Exchange) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// AddOnCompletion registers s to run when the exchange completes. Adding
// after completion is a no-op.
func (e *Exchange) AddOnCompletion(s Synchronization) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.syncs = append(e.syncs, s)
}

func (e *Exchange) Retain() { atomic.AddInt32(&e.refs, 1) }

// Release drops one reference. The last release completes the exchange.
func (e *Exchange) Release() {
	if atomic.AddInt32(&e.refs, -1) != 0 {
		return
	}
	e.complete()
}

func (e *Exchange) complete() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.finished = time.Now()
	syncs := e.syncs
	e.syncs = nil
	failed := e.err != nil
	e.mu.Unlock()

	for _, s := range syncs {
		if failed {
			s.OnFailure(e)
		} else {
			s.OnComplete(e)
		}
	}
	close(e.doneCh)
}

// Done is closed after all completion callbacks have run.
func (e *Exchange) Done() <-chan struct{} { return e.doneCh }

// Elapsed reports the time from creation to completion, or to now if the
// exchange is still in flight.
func (e *Exchange) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.finished.Sub(e.Created)
	}
	return time.Since(e.Created)
}
