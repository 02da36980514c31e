// Package idempotent suppresses duplicate messages. A Repository remembers
// the ids of messages already processed; the Consumer stage consults it for
// every exchange and stops the ones it has seen before.
package idempotent

import (
	"context"
	"errors"
)

var ErrNoMessageID = errors.New("idempotent: exchange has no message id")

// Repository is a set of processed message ids.
type Repository interface {
	// Add returns true when key was not present yet.
	Add(ctx context.Context, key string) (bool, error)
	Contains(ctx context.Context, key string) (bool, error)
	// Remove returns true when key was present.
	Remove(ctx context.Context, key string) (bool, error)
	// Confirm marks key as processed for good. Repositories without a
	// separate confirmation step return true when key is present.
	Confirm(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
}

// Lister repositories can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Starter repositories own background work or connections.
type Starter interface {
	Start(ctx context.Context) error
	Close() error
}

// Start starts r if it is a Starter.
func Start(ctx context.Context, r Repository) error {
	if s, ok := r.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// Close closes r if it is a Starter.
func Close(r Repository) error {
	if s, ok := r.(Starter); ok {
		return s.Close()
	}
	return nil
}
