package resume

import (
	"context"
	"sync"
)

/* ───────────────────────── arrival-ordered tracker ────────────────────── */

type node struct {
	off        Offset
	resolved   bool
	prev, next *node
}

// tracker keeps in-flight offsets in arrival order. When a node resolves,
// its offset moves to its predecessor; when the head resolves, its offset
// becomes the watermark. The watermark is therefore always the highest
// offset whose predecessors have all resolved.
type tracker struct {
	mark       *Offset
	start, end *node
	pending    int64
}

func (t *tracker) track(off Offset) func() *Offset {
	n := &node{off: off}
	if t.start == nil {
		t.start = n
	}
	if t.end != nil {
		n.prev = t.end
		t.end.next = n
	}
	t.end = n
	t.pending++

	return func() *Offset {
		if n.resolved {
			return t.mark
		}
		n.resolved = true
		t.pending--
		if n.prev != nil {
			n.prev.off = n.off
			n.prev.next = n.next
		} else {
			o := n.off
			t.mark = &o
			t.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			t.end = n.prev
		}
		return t.mark
	}
}

/* ───────────────────────── Watermark ─────────────────────────────────── */

// Watermark is a tracker bounded by capacity: Track blocks while capacity
// offsets are pending, which pushes back on the source.
type Watermark struct {
	t        tracker
	capacity int64
	cond     *sync.Cond
}

func NewWatermark(capacity int64) *Watermark {
	if capacity <= 0 {
		capacity = 1
	}
	return &Watermark{capacity: capacity, cond: sync.NewCond(&sync.Mutex{})}
}

// Track registers off. The returned resolve func must be called once the
// exchange carrying off has completed; it reports the current watermark.
func (w *Watermark) Track(ctx context.Context, off Offset) (resolve func() (Offset, bool), err error) {
	stop := context.AfterFunc(ctx, func() {
		w.cond.L.Lock()
		w.cond.Broadcast()
		w.cond.L.Unlock()
	})
	defer stop()

	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	for w.t.pending >= w.capacity {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := w.t.track(off)
	return func() (Offset, bool) {
		w.cond.L.Lock()
		defer w.cond.L.Unlock()
		mark := res()
		w.cond.Broadcast()
		if mark == nil {
			return Offset{}, false
		}
		return *mark, true
	}, nil
}

func (w *Watermark) Pending() int64 {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	return w.t.pending
}

// Mark returns the current watermark, if any offset has resolved yet.
func (w *Watermark) Mark() (Offset, bool) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	if w.t.mark == nil {
		return Offset{}, false
	}
	return *w.t.mark, true
}
