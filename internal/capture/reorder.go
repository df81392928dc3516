package capture

import (
	"container/heap"
	"errors"
	"log/slog"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
)

// DefaultReorderWindow is the number of records held back to correct
// interleaving between the analyzer's internal channels.
const DefaultReorderWindow = 16

// ByteSink consumes an ordered capture byte stream.
type ByteSink interface {
	Push(b []byte) error
	Stop()
}

// pending is a record held in the look-ahead window.
type pending struct {
	tic tic.Tic
	seq uint64
	raw []byte
}

type recordHeap []pending

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	if h[i].tic != h[j].tic {
		return h[i].tic < h[j].tic
	}
	return h[i].seq < h[j].seq
}
func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)   { *h = append(*h, x.(pending)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}

// Reorderer restores tic order across records that the analyzer delivered
// interleaved. It holds a bounded window of complete records and releases
// the oldest once the window is full. A record that arrives after a younger
// one has already been released is passed on as-is: residual disorder is a
// degradation downstream stages tolerate, not an error.
type Reorderer struct {
	log    *slog.Logger
	next   ByteSink
	window int

	buf     []byte
	heap    recordHeap
	seq     uint64
	lastTic tic.Tic
	emitted bool
	late    int64

	done    bool
	stopped bool
}

// NewReorderer creates a Reorderer that feeds next.
func NewReorderer(next ByteSink, opts ...func(*Reorderer)) *Reorderer {
	r := &Reorderer{
		log:    slog.Default(),
		next:   next,
		window: DefaultReorderWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "reorderer")
	return r
}

// ReorderOptWindow sets the look-ahead window size in records. Values
// below 1 disable reordering.
func ReorderOptWindow(n int) func(*Reorderer) {
	return func(r *Reorderer) {
		if n < 1 {
			n = 0
		}
		r.window = n
	}
}

// ReorderOptLogger sets the logger.
func ReorderOptLogger(log *slog.Logger) func(*Reorderer) {
	return func(r *Reorderer) {
		if log != nil {
			r.log = log
		}
	}
}

// Late returns how many records were released behind a younger record
// because the window was too small to reorder them.
func (r *Reorderer) Late() int64 {
	return r.late
}

// Push consumes the next chunk of capture bytes. It returns event.ErrDone
// once the end-of-stream record has been forwarded, and on every call
// after that.
func (r *Reorderer) Push(b []byte) error {
	if r.done || r.stopped {
		return event.ErrDone
	}
	r.buf = append(r.buf, b...)

	off := 0
	for off < len(r.buf) {
		rest := r.buf[off:]

		if !validMarker(rest[0]) {
			n := junkLen(rest)
			if err := r.passThrough(rest[:n]); err != nil {
				return r.fail(err)
			}
			off += n
			continue
		}
		if len(rest) < headerSize {
			break
		}
		h, ok := parseHeader(rest)
		if !ok {
			n := junkLen(rest)
			if err := r.passThrough(rest[:n]); err != nil {
				return r.fail(err)
			}
			off += n
			continue
		}
		if len(rest) < h.size() {
			break
		}

		raw := make([]byte, h.size())
		copy(raw, rest)
		off += h.size()

		if h.kind == RecordEnd {
			if err := r.flush(); err != nil {
				return r.fail(err)
			}
			err := r.next.Push(raw)
			if err == nil {
				err = event.ErrDone
			}
			return r.fail(err)
		}

		r.seq++
		heap.Push(&r.heap, pending{tic: h.tic, seq: r.seq, raw: raw})
		for r.heap.Len() > r.window {
			if err := r.emit(heap.Pop(&r.heap).(pending)); err != nil {
				return r.fail(err)
			}
		}
	}

	r.buf = append(r.buf[:0], r.buf[off:]...)
	return nil
}

// Stop releases every buffered record, hands any incomplete trailing bytes
// to the next stage and stops it. It is safe to call more than once.
func (r *Reorderer) Stop() {
	if r.stopped {
		return
	}
	r.stopped = true

	if !r.done {
		if err := r.flush(); err != nil {
			r.done = true
		}
	}
	if !r.done && len(r.buf) > 0 {
		if err := r.next.Push(r.buf); err != nil {
			r.done = true
		}
	}
	r.buf = nil
	r.heap = nil

	if r.late > 0 {
		r.log.Debug("records released out of order", "count", r.late, "window", r.window)
	}
	r.next.Stop()
}

func (r *Reorderer) fail(err error) error {
	r.done = true
	if !errors.Is(err, event.ErrDone) {
		r.log.Debug("downstream stopped", "error", err)
	}
	return err
}

// passThrough forwards bytes that cannot be framed. Buffered records are
// released first so the junk keeps its position in the stream.
func (r *Reorderer) passThrough(b []byte) error {
	if err := r.flush(); err != nil {
		return err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return r.next.Push(out)
}

func (r *Reorderer) flush() error {
	for r.heap.Len() > 0 {
		if err := r.emit(heap.Pop(&r.heap).(pending)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reorderer) emit(p pending) error {
	if r.emitted && p.tic < r.lastTic {
		r.late++
	} else {
		r.lastTic = p.tic
	}
	r.emitted = true
	return r.next.Push(p.raw)
}
