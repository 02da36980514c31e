// Package source defines the adapters that feed exchanges into a pipeline.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tidemark/internal/exchange"
	"tidemark/internal/resume"
)

// EmitFunc hands one exchange to the pipeline. It returns once the
// pipeline has taken the exchange; completion is signalled through the
// exchange's callbacks.
type EmitFunc func(ctx context.Context, ex *exchange.Exchange) error

type Adapter interface {
	// Configure accepts the adapter's Config value or a path to its YAML file.
	Configure(any) error
	Run(context.Context, EmitFunc) error
	Close() error
}

// Resumable adapters can be repositioned from stored offsets.
type Resumable interface {
	ResumeAdapter() resume.Adapter
}

/*──────── registry ───────*/

type Factory func() Adapter

var (
	mu  sync.RWMutex
	reg = map[string]Factory{}
)

// Register is called from each adapter package's init.
func Register(kind string, f Factory) {
	mu.Lock()
	reg[kind] = f
	mu.Unlock()
}

func NewAdapter(kind string) (Adapter, error) {
	mu.RLock()
	f, ok := reg[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source %q", kind)
	}
	return f(), nil
}

func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for k := range reg {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
