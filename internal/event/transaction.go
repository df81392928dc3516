package event

import (
	"fmt"

	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

// Outcome is the result of a transaction, derived from its handshake.
type Outcome uint8

// Transaction outcomes. OutcomeNone is used for SOF, which has no handshake.
const (
	OutcomeNone Outcome = iota
	OutcomeAck
	OutcomeNak
	OutcomeStall
	OutcomeNyet
	OutcomeErr
	OutcomeTimeout
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return ""
	case OutcomeAck:
		return "ACK"
	case OutcomeNak:
		return "NAK"
	case OutcomeStall:
		return "STALL"
	case OutcomeNyet:
		return "NYET"
	case OutcomeErr:
		return "ERR"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeMalformed:
		return "MALFORMED"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// IsError reports whether the outcome marks a broken transaction rather
// than a protocol-level answer from the device.
func (o Outcome) IsError() bool {
	return o == OutcomeErr || o == OutcomeTimeout || o == OutcomeMalformed
}

// OutcomeFor maps a handshake PID to its outcome.
func OutcomeFor(pid usb.PID) Outcome {
	switch pid {
	case usb.PIDAck:
		return OutcomeAck
	case usb.PIDNak:
		return OutcomeNak
	case usb.PIDStall:
		return OutcomeStall
	case usb.PIDNyet:
		return OutcomeNyet
	case usb.PIDPreErr:
		return OutcomeErr
	default:
		return OutcomeMalformed
	}
}

// Transaction is a token, an optional data packet and a handshake, possibly
// preceded by a PRE or SPLIT packet.
type Transaction struct {
	Packets []*usb.Packet
	Outcome Outcome
}

// Token returns the packet that opened the transaction: the first token or
// PING, skipping PRE and SPLIT prefixes. Nil for orphan data or handshakes.
func (t *Transaction) Token() *usb.Packet {
	for _, p := range t.Packets {
		if p.PID == usb.PIDSOF || p.PID.HasTokenFields() {
			return p
		}
		if p.PID != usb.PIDPreErr && p.PID != usb.PIDSplit {
			return nil
		}
	}
	return nil
}

// IsSOF reports whether the transaction is a start-of-frame marker.
func (t *Transaction) IsSOF() bool {
	tok := t.Token()
	return tok != nil && tok.PID == usb.PIDSOF
}

// Pipe returns the token's (address, endpoint). ok is false for SOF and for
// transactions without a token.
func (t *Transaction) Pipe() (address, endpoint uint8, ok bool) {
	tok := t.Token()
	if tok == nil || tok.PID == usb.PIDSOF {
		return 0, 0, false
	}
	return tok.Address, tok.Endpoint, true
}

// Name is the token PID name, or the first packet's PID for orphans.
func (t *Transaction) Name() string {
	if tok := t.Token(); tok != nil {
		return tok.PID.String()
	}
	if len(t.Packets) > 0 {
		return t.Packets[0].PID.String()
	}
	return ""
}

// Tic is the capture time of the first packet.
func (t *Transaction) Tic() tic.Tic {
	if len(t.Packets) == 0 {
		return 0
	}
	return t.Packets[0].Tic
}

// Direction is the data direction implied by the token.
func (t *Transaction) Direction() usb.Direction {
	if tok := t.Token(); tok != nil {
		return tok.PID.Direction()
	}
	return usb.DirOut
}

// Data returns the data packet, if any.
func (t *Transaction) Data() *usb.Packet {
	for _, p := range t.Packets {
		if p.Kind() == usb.KindData {
			return p
		}
	}
	return nil
}

// Payload returns the data packet payload, or nil.
func (t *Transaction) Payload() []byte {
	if d := t.Data(); d != nil {
		return d.Data
	}
	return nil
}

// Split returns the SPLIT prefix, if any.
func (t *Transaction) Split() *usb.Packet {
	for _, p := range t.Packets {
		if p.PID == usb.PIDSplit {
			return p
		}
	}
	return nil
}

// Handshake returns the closing handshake packet, if any. A trailing PRE
// outside a split transaction is a prefix, not an ERR handshake.
func (t *Transaction) Handshake() *usb.Packet {
	if len(t.Packets) < 2 {
		return nil
	}
	last := t.Packets[len(t.Packets)-1]
	if last.PID == usb.PIDPreErr && t.Split() == nil {
		return nil
	}
	if last.PID.IsHandshake() {
		return last
	}
	return nil
}

// Frame returns the SOF frame number.
func (t *Transaction) Frame() uint16 {
	if tok := t.Token(); tok != nil {
		return tok.Frame
	}
	return 0
}

func (t *Transaction) String() string {
	if t.IsSOF() {
		return fmt.Sprintf("SOF %d", t.Frame())
	}
	addr, ep, ok := t.Pipe()
	if !ok {
		return fmt.Sprintf("%s %s", t.Name(), t.Outcome)
	}
	return fmt.Sprintf("%s %d.%d %s (%d bytes)", t.Name(), addr, ep, t.Outcome, len(t.Payload()))
}

// TransferOutcome is the aggregate result of a transfer.
type TransferOutcome uint8

// Transfer outcomes.
const (
	TransferComplete TransferOutcome = iota
	TransferStalled
	TransferIncomplete
)

func (o TransferOutcome) String() string {
	switch o {
	case TransferComplete:
		return "Complete"
	case TransferStalled:
		return "Stalled"
	case TransferIncomplete:
		return "Incomplete"
	default:
		return fmt.Sprintf("TransferOutcome(%d)", uint8(o))
	}
}

// Transfer is a run of transactions on one pipe folded into one logical
// operation. Payload is the concatenation of its data-stage payloads.
type Transfer struct {
	Address      uint8
	Endpoint     uint8
	Direction    usb.Direction
	Transactions []*Transaction
	Payload      []byte
	Outcome      TransferOutcome

	// Setup is the decoded request of a control transfer.
	Setup *usb.Setup
}

// Tic is the capture time of the first transaction.
func (t *Transfer) Tic() tic.Tic {
	if len(t.Transactions) == 0 {
		return 0
	}
	return t.Transactions[0].Tic()
}

// Name describes the transfer for display.
func (t *Transfer) Name() string {
	if t.Setup != nil {
		return "CONTROL " + t.Setup.Name()
	}
	if t.Endpoint == 0 {
		return "CONTROL"
	}
	return fmt.Sprintf("%s transfer", t.Direction)
}

func (t *Transfer) String() string {
	s := fmt.Sprintf("%s %d.%d %s (%d bytes, %d transactions)",
		t.Name(), t.Address, t.Endpoint, t.Outcome, len(t.Payload), len(t.Transactions))
	if t.Setup != nil {
		s += " [" + t.Setup.String() + "]"
	}
	return s
}
