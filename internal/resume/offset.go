// Package resume records how far a source has been processed and restores
// that position after a restart.
//
// A source attaches an Offset to every exchange it emits. The resumable
// Processor registers a completion callback on those exchanges and hands
// the offset to a Strategy once processing succeeded. On start-up the
// Strategy loads the stored offsets into the source's Adapter, which then
// repositions the source.
package resume

import (
	"fmt"
	"strconv"
	"time"

	"tidemark/internal/exchange"
)

// PropertyOffset is the exchange property holding the Resumable.
const PropertyOffset = "tidemark.offset"

// Offset is the last processed position for one independently resumable
// part of a source, e.g. a Kafka partition, a Kinesis shard or a file.
type Offset struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Resumable is anything that can report the offset it represents.
type Resumable interface {
	Resumable() Offset
}

func (o Offset) Resumable() Offset { return o }

func IntOffset(key string, n int64) Offset {
	return Offset{Key: key, Value: strconv.FormatInt(n, 10)}
}

func (o Offset) Int64() (int64, error) {
	n, err := strconv.ParseInt(o.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("offset %s: value %q is not an integer: %w", o.Key, o.Value, err)
	}
	return n, nil
}

func (o Offset) String() string { return o.Key + "@" + o.Value }

// Attach stores r on ex for the resumable processor to pick up.
func Attach(ex *exchange.Exchange, r Resumable) {
	ex.SetProperty(PropertyOffset, r)
}

// From returns the offset attached to ex, if any.
func From(ex *exchange.Exchange) (Offset, bool) {
	v, ok := ex.Property(PropertyOffset)
	if !ok {
		return Offset{}, false
	}
	r, ok := v.(Resumable)
	if !ok {
		return Offset{}, false
	}
	return r.Resumable(), true
}
