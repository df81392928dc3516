package transfer

import (
	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/usb"
)

type controlState uint8

const (
	stateIdle controlState = iota
	stateData
	stateStatus
)

func (s controlState) String() string {
	switch s {
	case stateData:
		return "AwaitingData"
	case stateStatus:
		return "AwaitingStatus"
	default:
		return "Idle"
	}
}

// Control aggregates the transactions of a control pipe into control
// transfers: a SETUP stage, an optional data stage and a status stage.
type Control struct {
	emitter
	address  uint8
	endpoint uint8

	state     controlState
	cur       *event.Transfer
	statusDir usb.Direction
	remaining int
	sawData   bool
}

// NewControl creates a control transfer aggregator for one pipe. Events go
// to out; incomplete transfers and stray transactions are also pushed to
// errs.
func NewControl(address, endpoint uint8, out, errs event.Sink) *Control {
	return &Control{
		emitter:  newEmitter(out, errs),
		address:  address,
		endpoint: endpoint,
	}
}

// State returns the stage the aggregator is waiting for.
func (c *Control) State() string {
	return c.state.String()
}

// PushTransaction consumes the next transaction on the pipe.
func (c *Control) PushTransaction(t *event.Transaction) error {
	tok := t.Token()
	if tok != nil && tok.PID == usb.PIDSetup && t.Outcome == event.OutcomeAck {
		return c.setup(t)
	}

	if t.Outcome.IsError() || t.Outcome == event.OutcomeNak || t.Outcome == event.OutcomeNyet ||
		(tok != nil && tok.PID != usb.PIDIn && tok.PID != usb.PIDOut) {
		c.appendOnly(t)
		return c.transaction(t)
	}

	if c.state == stateIdle {
		return c.stray(t, ReasonNoSetup)
	}

	if t.Outcome == event.OutcomeStall {
		c.cur.Transactions = append(c.cur.Transactions, t)
		if err := c.transaction(t); err != nil {
			return err
		}
		return c.finish(event.TransferStalled)
	}

	dir := t.Direction()
	switch c.state {
	case stateData:
		if dir != c.statusDir {
			c.cur.Transactions = append(c.cur.Transactions, t)
			c.cur.Payload = append(c.cur.Payload, t.Payload()...)
			c.sawData = true
			c.remaining -= len(t.Payload())
			if c.remaining <= 0 {
				c.state = stateStatus
			}
			return c.transaction(t)
		}
		if c.sawData {
			// Short data stage.
			return c.status(t)
		}
		return c.protocolError(t, ReasonEarlyStatus)

	case stateStatus:
		if dir == c.statusDir {
			return c.status(t)
		}
		return c.protocolError(t, ReasonLateData)
	}
	return nil
}

func (c *Control) setup(t *event.Transaction) error {
	if c.cur != nil {
		if err := c.abort(ReasonNewSetup); err != nil {
			return err
		}
	}
	s, ok := usb.ParseSetup(t.Payload())
	if !ok {
		return c.stray(t, ReasonSetupPayload)
	}

	c.cur = &event.Transfer{
		Address:      c.address,
		Endpoint:     c.endpoint,
		Direction:    s.Direction(),
		Transactions: []*event.Transaction{t},
		Setup:        &s,
	}
	c.remaining = int(s.Length)
	c.sawData = false
	if s.Length == 0 {
		c.state = stateStatus
		c.statusDir = usb.DirIn
	} else {
		c.state = stateData
		c.statusDir = s.Direction().Opposite()
	}
	return c.transaction(t)
}

func (c *Control) status(t *event.Transaction) error {
	c.cur.Transactions = append(c.cur.Transactions, t)
	if err := c.transaction(t); err != nil {
		return err
	}
	return c.finish(event.TransferComplete)
}

// protocolError closes the partial transfer and reports the transaction
// that broke it.
func (c *Control) protocolError(t *event.Transaction, reason string) error {
	if err := c.abort(reason); err != nil {
		return err
	}
	return c.stray(t, reason)
}

func (c *Control) appendOnly(t *event.Transaction) {
	if c.cur != nil {
		c.cur.Transactions = append(c.cur.Transactions, t)
	}
}

func (c *Control) finish(outcome event.TransferOutcome) error {
	tr := c.cur
	c.clear()
	tr.Outcome = outcome
	return c.transfer(tr)
}

func (c *Control) abort(reason string) error {
	tr := c.cur
	c.clear()
	if tr == nil {
		return nil
	}
	return c.incomplete(tr, reason)
}

func (c *Control) clear() {
	c.cur = nil
	c.state = stateIdle
	c.remaining = 0
	c.sawData = false
}

// Reset closes an in-flight transfer as incomplete. The pipe returns to
// Idle.
func (c *Control) Reset() error {
	return c.abort(ReasonReset)
}

// Flush closes an in-flight transfer at end of capture.
func (c *Control) Flush() error {
	return c.abort(ReasonEnd)
}
