package transfer

import (
	"github.com/zsiec/usbtrace/internal/event"
)

// Reasons attached to error events raised by the aggregators.
const (
	ReasonReset        = "interrupted by bus reset"
	ReasonEnd          = "capture ended mid-transfer"
	ReasonNewSetup     = "SETUP before status stage"
	ReasonEarlyStatus  = "status stage before any data"
	ReasonLateData     = "data after data stage completed"
	ReasonNoSetup      = "no control transfer in progress"
	ReasonSetupPayload = "SETUP payload is not 8 bytes"
)

// emitter holds the sinks shared by both aggregators.
type emitter struct {
	out  event.Sink
	errs event.Sink
}

func newEmitter(out, errs event.Sink) emitter {
	if errs == nil {
		errs = event.Discard
	}
	return emitter{out: out, errs: errs}
}

func (e emitter) transaction(t *event.Transaction) error {
	kind := event.KindTransaction
	if t.Outcome.IsError() {
		kind = event.KindTransactionError
	}
	return e.out.Push(event.Event{Kind: kind, Tic: t.Tic(), Transaction: t})
}

// stray reports a transaction that does not fit the pipe's state. It goes
// to the pipe history and the error sink.
func (e emitter) stray(t *event.Transaction, reason string) error {
	ev := event.Event{Kind: event.KindTransactionError, Tic: t.Tic(), Transaction: t, Reason: reason}
	if err := e.errs.Push(ev); err != nil {
		return err
	}
	return e.out.Push(ev)
}

func (e emitter) transfer(tr *event.Transfer) error {
	return e.out.Push(event.Event{Kind: event.KindTransfer, Tic: tr.Tic(), Transfer: tr})
}

// incomplete delivers a transfer that was cut short.
func (e emitter) incomplete(tr *event.Transfer, reason string) error {
	tr.Outcome = event.TransferIncomplete
	ev := event.Event{Kind: event.KindTransferError, Tic: tr.Tic(), Transfer: tr, Reason: reason}
	if err := e.errs.Push(ev); err != nil {
		return err
	}
	return e.out.Push(ev)
}
