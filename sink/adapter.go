// Package sink defines the delivery end of a pipeline and a registry of
// sink drivers keyed by kind.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tidemark/internal/exchange"
)

// EmitFn is what an ack-aware sink calls once delivery of an exchange is
// settled, successfully or not. Failures are recorded on the exchange with
// Fail before the call.
type EmitFn func(*exchange.Exchange)

// Adapter is the common behaviour every sink exposes.
type Adapter interface {
	Configure(any) error // driver config struct or path to a config file
	Push(ctx context.Context, ex *exchange.Exchange) error
	Close() error // idempotent
}

// AckAware sinks confirm delivery asynchronously. The runner retains the
// exchange before Push and releases it when the sink calls the bound
// EmitFn. A sink must not ack an exchange whose Push returned an error.
type AckAware interface {
	BindAck(EmitFn)
}

/*──────── registry ───────*/

type Factory func() Adapter

var (
	regMu sync.RWMutex
	reg   = map[string]Factory{}
)

func Register(kind string, f Factory) {
	regMu.Lock()
	reg[kind] = f
	regMu.Unlock()
}

func NewAdapter(kind string) (Adapter, error) {
	regMu.RLock()
	f, ok := reg[kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink %q", kind)
	}
	return f(), nil
}

func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(reg))
	for k := range reg {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
