package transfer

import (
	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/usb"
)

// legalMaxPacket reports whether n is a wMaxPacketSize a bulk or interrupt
// endpoint can advertise. A payload of any other size ends a run.
func legalMaxPacket(n int) bool {
	switch n {
	case 8, 16, 32, 64, 512, 1024:
		return true
	}
	return false
}

// Stream aggregates bulk and interrupt transactions. Contiguous ACKed data
// transactions in one direction form a transfer that ends on a short
// packet, a direction change or a STALL.
//
// Once the endpoint descriptor is known, interrupt transactions are
// transfers of their own and the short packet threshold is the declared
// wMaxPacketSize instead of the largest payload seen.
type Stream struct {
	emitter
	address  uint8
	endpoint uint8
	single   bool

	desc [2]*usb.EndpointDescriptor

	cur     *event.Transfer
	maxSeen int
}

// NewStream creates a stream aggregator for one pipe.
func NewStream(address, endpoint uint8, out, errs event.Sink, opts ...func(*Stream)) *Stream {
	s := &Stream{
		emitter:  newEmitter(out, errs),
		address:  address,
		endpoint: endpoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StreamOptOneTransactionPerTransfer emits every data transaction as a
// transfer of its own.
func StreamOptOneTransactionPerTransfer() func(*Stream) {
	return func(s *Stream) {
		s.single = true
	}
}

// Configure records the descriptor of one direction of the endpoint.
func (s *Stream) Configure(d usb.EndpointDescriptor) {
	if d.Direction > usb.DirIn {
		return
	}
	s.desc[d.Direction] = &d
}

// Descriptor returns the descriptor recorded for dir, if any.
func (s *Stream) Descriptor(dir usb.Direction) (usb.EndpointDescriptor, bool) {
	if dir > usb.DirIn || s.desc[dir] == nil {
		return usb.EndpointDescriptor{}, false
	}
	return *s.desc[dir], true
}

func (s *Stream) short(dir usb.Direction, n int) bool {
	if d := s.desc[dir]; d != nil {
		if d.Type == usb.TransferInterrupt {
			return true
		}
		if d.MaxPacket > 0 {
			return n < d.MaxPacket
		}
	}
	return n < s.maxSeen || !legalMaxPacket(n)
}

// PushTransaction consumes the next transaction on the pipe.
func (s *Stream) PushTransaction(t *event.Transaction) error {
	if err := s.transaction(t); err != nil {
		return err
	}

	tok := t.Token()
	if tok == nil || tok.PID == usb.PIDPing ||
		(t.Outcome != event.OutcomeAck && t.Outcome != event.OutcomeStall) {
		if s.cur != nil {
			s.cur.Transactions = append(s.cur.Transactions, t)
		}
		return nil
	}

	dir := t.Direction()
	if s.cur != nil && s.cur.Direction != dir {
		if err := s.finish(event.TransferComplete); err != nil {
			return err
		}
	}
	if s.cur == nil {
		s.cur = &event.Transfer{Address: s.address, Endpoint: s.endpoint, Direction: dir}
	}
	s.cur.Transactions = append(s.cur.Transactions, t)

	if t.Outcome == event.OutcomeStall {
		return s.finish(event.TransferStalled)
	}

	payload := t.Payload()
	s.cur.Payload = append(s.cur.Payload, payload...)
	n := len(payload)
	if n > s.maxSeen {
		s.maxSeen = n
	}
	if s.single || s.short(dir, n) {
		return s.finish(event.TransferComplete)
	}
	return nil
}

func (s *Stream) finish(outcome event.TransferOutcome) error {
	tr := s.cur
	s.cur = nil
	tr.Outcome = outcome
	return s.transfer(tr)
}

func (s *Stream) abort(reason string) error {
	tr := s.cur
	s.cur = nil
	if tr == nil {
		return nil
	}
	return s.incomplete(tr, reason)
}

// Reset closes an in-flight run as incomplete and forgets the packet size
// learnt so far.
func (s *Stream) Reset() error {
	s.maxSeen = 0
	return s.abort(ReasonReset)
}

// Flush closes an in-flight run at end of capture. Without a descriptor
// an open run ended on a full-size packet, which shows no sign of
// truncation, so it completes. Against a known bulk wMaxPacketSize it is
// incomplete.
func (s *Stream) Flush() error {
	if s.cur != nil && s.desc[s.cur.Direction] == nil {
		return s.finish(event.TransferComplete)
	}
	return s.abort(ReasonEnd)
}
