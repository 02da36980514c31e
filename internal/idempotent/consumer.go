package idempotent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/internal/telemetry"
)

// PropertyDuplicate is set to true on exchanges recognised as duplicates.
const PropertyDuplicate = "tidemark.duplicate"

const defaultCompletionTimeout = 5 * time.Second

type Option func(*Consumer)

// WithEager controls whether the id is added before processing (true, the
// default) or only once the exchange completed.
func WithEager(v bool) Option { return func(c *Consumer) { c.eager = v } }

// WithSkipDuplicate controls whether duplicates are stopped (default) or
// passed on with PropertyDuplicate set.
func WithSkipDuplicate(v bool) Option { return func(c *Consumer) { c.skipDuplicate = v } }

// WithRemoveOnFailure controls whether a failed exchange forgets its id so
// a redelivery is processed again. Default true.
func WithRemoveOnFailure(v bool) Option { return func(c *Consumer) { c.removeOnFailure = v } }

func WithCompletionTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Consumer is the idempotent consumer stage.
type Consumer struct {
	name string
	repo Repository
	id   MessageID

	eager           bool
	skipDuplicate   bool
	removeOnFailure bool
	timeout         time.Duration

	log *slog.Logger
}

func NewConsumer(name string, repo Repository, id MessageID, opts ...Option) *Consumer {
	c := &Consumer{
		name:            name,
		repo:            repo,
		id:              id,
		eager:           true,
		skipDuplicate:   true,
		removeOnFailure: true,
		timeout:         defaultCompletionTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.Component("idempotent").With("consumer", name)
	return c
}

func (c *Consumer) Repository() Repository { return c.repo }

func (c *Consumer) Process(ctx context.Context, ex *exchange.Exchange) error {
	id := c.id(ex)
	if id == "" {
		return ErrNoMessageID
	}

	var dup bool
	if c.eager {
		added, err := c.repo.Add(ctx, id)
		if err != nil {
			return fmt.Errorf("add message id %q: %w", id, err)
		}
		dup = !added
	} else {
		seen, err := c.repo.Contains(ctx, id)
		if err != nil {
			return fmt.Errorf("check message id %q: %w", id, err)
		}
		dup = seen
	}

	if dup {
		ex.SetProperty(PropertyDuplicate, true)
		telemetry.Duplicates.WithLabelValues(c.name).Inc()
		c.log.Debug("duplicate message", "id", id, "skip", c.skipDuplicate)
		if c.skipDuplicate {
			ex.Stop()
		}
		return nil
	}

	ex.AddOnCompletion(exchange.Callbacks{
		Complete: func(*exchange.Exchange) { c.onComplete(id) },
		Failure:  func(*exchange.Exchange) { c.onFailure(id) },
	})
	return nil
}

func (c *Consumer) onComplete(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if !c.eager {
		if _, err := c.repo.Add(ctx, id); err != nil {
			c.log.Error("add message id failed", "id", id, "err", err)
			return
		}
	}
	if _, err := c.repo.Confirm(ctx, id); err != nil {
		c.log.Error("confirm message id failed", "id", id, "err", err)
	}
}

func (c *Consumer) onFailure(id string) {
	if !c.removeOnFailure {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.repo.Remove(ctx, id); err != nil {
		c.log.Error("remove message id failed", "id", id, "err", err)
	}
}
