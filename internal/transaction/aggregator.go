// Package transaction groups decoded packets into USB transactions: a token,
// an optional data packet and a handshake.
package transaction

import (
	"errors"
	"log/slog"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

// Sink consumes transactions. It is implemented by the pipe aggregator.
type Sink interface {
	PushTransaction(t *event.Transaction) error
	PushReset(at, duration tic.Tic) error
	Terminate()
	Stop()
}

// Error reasons attached to TransactionError events.
const (
	ReasonNoHandshake  = "no handshake before next token"
	ReasonMalformed    = "malformed transaction"
	ReasonOrphan       = "packet outside a transaction"
	ReasonErrHandshake = "ERR handshake"
	ReasonReset        = "interrupted by bus reset"
	ReasonEnd          = "capture ended before handshake"
)

// Aggregator folds packets into transactions. Successful transactions and
// SOF markers go to the next stage. Broken transactions are delivered to the
// error sink and, when their token names a pipe, also to the next stage.
type Aggregator struct {
	log  *slog.Logger
	next Sink
	errs event.Sink

	open   *event.Transaction
	prefix []*usb.Packet

	done    bool
	stopped bool
}

// New creates an Aggregator feeding next. A nil error sink discards errors.
func New(next Sink, errs event.Sink, opts ...func(*Aggregator)) *Aggregator {
	if errs == nil {
		errs = event.Discard
	}
	a := &Aggregator{
		log:  slog.Default(),
		next: next,
		errs: errs,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "transactions")
	return a
}

// AggregatorOptLogger sets the logger.
func AggregatorOptLogger(log *slog.Logger) func(*Aggregator) {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// PushPacket consumes the next decoded packet.
func (a *Aggregator) PushPacket(p *usb.Packet) error {
	if a.done || a.stopped {
		return event.ErrDone
	}
	return a.check(a.packet(p))
}

func (a *Aggregator) packet(p *usb.Packet) error {
	switch {
	case p.PID == usb.PIDSOF:
		if err := a.abandon(ReasonNoHandshake); err != nil {
			return err
		}
		return a.next.PushTransaction(&event.Transaction{Packets: []*usb.Packet{p}})

	case p.PID == usb.PIDSplit:
		if err := a.closeOpen(ReasonNoHandshake); err != nil {
			return err
		}
		a.prefix = append(a.prefix, p)
		return nil

	case p.PID == usb.PIDPreErr:
		// ERR only exists in split transactions. Anywhere else the PID is
		// the PRE the host sends ahead of each of its low-speed packets,
		// data and handshake included.
		if a.open == nil {
			a.prefix = append(a.prefix, p)
			return nil
		}
		if a.open.Split() != nil {
			return a.finish(p, event.OutcomeErr, ReasonErrHandshake)
		}
		a.open.Packets = append(a.open.Packets, p)
		return nil

	case p.PID.HasTokenFields():
		if err := a.closeOpen(ReasonNoHandshake); err != nil {
			return err
		}
		packets := append(a.prefix, p)
		a.prefix = nil
		a.open = &event.Transaction{Packets: packets}
		return nil

	case p.Kind() == usb.KindData:
		if a.open == nil {
			return a.orphan(p)
		}
		tok := a.open.Token()
		if a.open.Data() != nil || tok.PID == usb.PIDPing {
			return a.finish(p, event.OutcomeMalformed, ReasonMalformed)
		}
		a.open.Packets = append(a.open.Packets, p)
		return nil

	case p.PID.IsHandshake():
		if a.open == nil {
			return a.orphan(p)
		}
		outcome := event.OutcomeFor(p.PID)
		if !validHandshake(a.open, outcome) {
			return a.finish(p, event.OutcomeMalformed, ReasonMalformed)
		}
		return a.finish(p, outcome, "")
	}

	return a.orphan(p)
}

// validHandshake reports whether a handshake with the given outcome may
// close t.
func validHandshake(t *event.Transaction, outcome event.Outcome) bool {
	tok := t.Token()
	hasData := t.Data() != nil
	switch tok.PID {
	case usb.PIDSetup, usb.PIDOut:
		return hasData
	case usb.PIDIn:
		if hasData {
			return outcome == event.OutcomeAck
		}
		return outcome != event.OutcomeAck
	case usb.PIDPing:
		return !hasData
	}
	return true
}

func (a *Aggregator) finish(p *usb.Packet, outcome event.Outcome, reason string) error {
	t := a.open
	a.open = nil
	t.Packets = append(t.Packets, p)
	t.Outcome = outcome
	return a.emit(t, reason)
}

// closeOpen ends a transaction that never saw its handshake.
func (a *Aggregator) closeOpen(reason string) error {
	if a.open == nil {
		return nil
	}
	t := a.open
	a.open = nil
	t.Outcome = event.OutcomeTimeout
	return a.emit(t, reason)
}

// abandon closes the open transaction and reports a dangling prefix.
func (a *Aggregator) abandon(reason string) error {
	if err := a.closeOpen(reason); err != nil {
		return err
	}
	if len(a.prefix) == 0 {
		return nil
	}
	t := &event.Transaction{Packets: a.prefix, Outcome: event.OutcomeMalformed}
	a.prefix = nil
	return a.emit(t, ReasonOrphan)
}

func (a *Aggregator) orphan(p *usb.Packet) error {
	packets := append(a.prefix, p)
	a.prefix = nil
	return a.emit(&event.Transaction{Packets: packets, Outcome: event.OutcomeMalformed}, ReasonOrphan)
}

func (a *Aggregator) emit(t *event.Transaction, reason string) error {
	if !t.Outcome.IsError() {
		return a.next.PushTransaction(t)
	}
	if reason == "" {
		reason = ReasonMalformed
	}
	a.log.Debug("transaction error", "transaction", t.String(), "reason", reason)
	ev := event.Event{Kind: event.KindTransactionError, Tic: t.Tic(), Transaction: t, Reason: reason}
	if err := a.errs.Push(ev); err != nil {
		return err
	}
	if _, _, ok := t.Pipe(); !ok {
		return nil
	}
	return a.next.PushTransaction(t)
}

// PushReset closes the open transaction as an error and forwards the reset.
func (a *Aggregator) PushReset(at, duration tic.Tic) error {
	if a.done || a.stopped {
		return event.ErrDone
	}
	if err := a.abandon(ReasonReset); err != nil {
		return a.check(err)
	}
	return a.check(a.next.PushReset(at, duration))
}

func (a *Aggregator) check(err error) error {
	if err == nil {
		return nil
	}
	a.done = true
	if !errors.Is(err, event.ErrDone) {
		a.log.Debug("downstream stopped", "error", err)
	}
	return err
}

// Terminate marks the capture as ended. The open transaction and any
// pending prefix are dropped without being reported.
func (a *Aggregator) Terminate() {
	a.done = true
	a.next.Terminate()
}

// Stop reports an unfinished transaction, unless parsing already
// terminated, and stops the next stage. Safe to call more than once.
func (a *Aggregator) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	if !a.done {
		if err := a.abandon(ReasonEnd); err != nil {
			a.check(err)
		}
	}
	a.open = nil
	a.prefix = nil
	a.next.Stop()
}
