package pipe

import (
	"fmt"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
)

// HandlerKind tags the variant held by a Handler.
type HandlerKind uint8

// Handler variants.
const (
	// HandlerHub is the device-level handler. It receives bus resets.
	HandlerHub HandlerKind = iota + 1
	// HandlerEndpoint0 aggregates control transfers.
	HandlerEndpoint0
	// HandlerGeneric aggregates bulk and interrupt transfers.
	HandlerGeneric
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerHub:
		return "hub"
	case HandlerEndpoint0:
		return "endpoint0"
	case HandlerGeneric:
		return "generic"
	default:
		return fmt.Sprintf("HandlerKind(%d)", uint8(k))
	}
}

// aggregator is implemented by transfer.Control and transfer.Stream.
type aggregator interface {
	PushTransaction(t *event.Transaction) error
	Reset() error
	Flush() error
}

// Handler owns the rendering sink returned by a discovery callback and, for
// pipes, the transfer aggregator feeding it. Events pushed through a pipe
// handler carry a per-pipe sequence number.
type Handler struct {
	kind HandlerKind
	key  Key
	sink event.Sink
	agg  aggregator
	seq  uint64
}

// Kind returns the handler variant.
func (h *Handler) Kind() HandlerKind { return h.kind }

// Key returns the pipe the handler serves. Hub handlers have endpoint 0.
func (h *Handler) Key() Key { return h.key }

// Sink returns the sink the handler renders to.
func (h *Handler) Sink() event.Sink { return h.sink }

// Seq returns the number of events delivered so far.
func (h *Handler) Seq() uint64 { return h.seq }

func (h *Handler) push(ev event.Event) error {
	h.seq++
	ev.Seq = h.seq
	return h.sink.Push(ev)
}

func (h *Handler) transaction(t *event.Transaction) error {
	return h.agg.PushTransaction(t)
}

func (h *Handler) reset(at, duration tic.Tic) error {
	if h.kind == HandlerHub {
		return h.push(event.Event{Kind: event.KindReset, Tic: at, Duration: duration})
	}
	return h.agg.Reset()
}

func (h *Handler) flush() error {
	if h.agg == nil {
		return nil
	}
	return h.agg.Flush()
}
