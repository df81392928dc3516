// Package event defines the values that flow between decode stages and out
// to sinks: transactions, transfers, and the Event envelope that carries
// them together with raw spans and bus resets.
package event

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/zsiec/usbtrace/internal/tic"
)

// ErrDone is returned by Push once the end-of-stream sentinel has been seen.
// It is a termination signal, not a failure: every stage returns it to its
// caller and stops processing further input.
var ErrDone = errors.New("parsing complete")

// Kind tags the payload of an Event.
type Kind uint8

// Event kinds.
const (
	KindRaw Kind = iota + 1
	KindReset
	KindTransaction
	KindTransactionError
	KindTransfer
	KindTransferError
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindReset:
		return "reset"
	case KindTransaction:
		return "transaction"
	case KindTransactionError:
		return "transaction-error"
	case KindTransfer:
		return "transfer"
	case KindTransferError:
		return "transfer-error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsError reports whether the kind is an error-tagged event.
func (k Kind) IsError() bool {
	return k == KindTransactionError || k == KindTransferError
}

// Event is delivered to sinks. Exactly one of Data (raw), Duration (reset),
// Transaction or Transfer is meaningful, selected by Kind.
type Event struct {
	Kind Kind
	Tic  tic.Tic

	// Seq is the per-pipe sequence number, starting at 1. Zero for events
	// not delivered through a pipe.
	Seq uint64

	Data        []byte
	Duration    tic.Tic
	Transaction *Transaction
	Transfer    *Transfer

	// Reason describes why an error event was raised.
	Reason string
}

// Pipe returns the (address, endpoint) the event belongs to, if any.
func (e Event) Pipe() (address, endpoint uint8, ok bool) {
	switch {
	case e.Transaction != nil:
		return e.Transaction.Pipe()
	case e.Transfer != nil && len(e.Transfer.Transactions) > 0:
		return e.Transfer.Address, e.Transfer.Endpoint, true
	}
	return 0, 0, false
}

// Sink receives events from a stage. Push is called synchronously from the
// decode goroutine; Stop is called exactly once at end of stream and should
// release whatever the sink owns.
type Sink interface {
	Push(ev Event) error
	Stop()
}

// SinkFunc adapts a function to Sink. Its Stop is a no-op.
type SinkFunc func(ev Event) error

// Push calls f(ev).
func (f SinkFunc) Push(ev Event) error { return f(ev) }

// Stop does nothing.
func (f SinkFunc) Stop() {}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// Multi fans events out to several sinks in order. The first error stops
// the fan-out and is returned.
type Multi []Sink

// Push delivers ev to every sink.
func (m Multi) Push(ev Event) error {
	for _, s := range m {
		if err := s.Push(ev); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every sink.
func (m Multi) Stop() {
	for _, s := range m {
		s.Stop()
	}
}

// ContainsSink reports whether s is already in list. Sinks of
// non-comparable dynamic type are never considered equal.
func ContainsSink(list []Sink, s Sink) bool {
	if s == nil || !reflect.TypeOf(s).Comparable() {
		return false
	}
	for _, o := range list {
		if o != nil && reflect.TypeOf(o) == reflect.TypeOf(s) && o == s {
			return true
		}
	}
	return false
}

// Recorder is a Sink that keeps every event. It is intended for tests and
// small tools.
type Recorder struct {
	Events  []Event
	Stopped int
}

// Push appends ev.
func (r *Recorder) Push(ev Event) error {
	r.Events = append(r.Events, ev)
	return nil
}

// Stop counts calls so callers can assert it happened exactly once.
func (r *Recorder) Stop() {
	r.Stopped++
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	kinds := make([]Kind, len(r.Events))
	for i, ev := range r.Events {
		kinds[i] = ev.Kind
	}
	return kinds
}
