package source

import (
	"context"
	"sync"
)

// Controller bounds the number of exchanges a source has in flight. A
// token is taken before an exchange is emitted and returned when it
// completes.
type Controller struct {
	capacity int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

func NewController(capacity int64) *Controller {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Controller{capacity: capacity, tokens: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until a token is free, ctx is done or the controller is
// closed.
func (c *Controller) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.tokens == 0 && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return context.Canceled
	}
	c.tokens--
	return nil
}

func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == 0 || c.closed {
		return false
	}
	c.tokens--
	return true
}

func (c *Controller) Release() {
	c.mu.Lock()
	if c.tokens < c.capacity {
		c.tokens++
	}
	c.mu.Unlock()
	c.cond.Signal()
}

// InFlight reports the tokens currently taken.
func (c *Controller) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.tokens
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
