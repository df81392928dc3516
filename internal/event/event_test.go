package event

import (
	"errors"
	"testing"

	"github.com/zsiec/usbtrace/internal/usb"
)

func TestMultiStopsOnError(t *testing.T) {
	t.Parallel()
	var first, last Recorder
	failing := SinkFunc(func(Event) error { return ErrDone })
	m := Multi{&first, failing, &last}

	if err := m.Push(Event{Kind: KindRaw}); !errors.Is(err, ErrDone) {
		t.Fatalf("Push error = %v, want ErrDone", err)
	}
	if len(first.Events) != 1 || len(last.Events) != 0 {
		t.Errorf("fan-out delivered %d/%d events, want 1/0", len(first.Events), len(last.Events))
	}

	m.Stop()
	if first.Stopped != 1 || last.Stopped != 1 {
		t.Error("Stop should reach every sink once")
	}
}

func TestTransactionAccessors(t *testing.T) {
	t.Parallel()
	tx := &Transaction{
		Packets: []*usb.Packet{
			{PID: usb.PIDPreErr, Tic: 5},
			{PID: usb.PIDIn, Address: 4, Endpoint: 1, Tic: 6},
			{PID: usb.PIDData1, Data: []byte{1, 2}, Tic: 7},
			{PID: usb.PIDAck, Tic: 8},
		},
		Outcome: OutcomeAck,
	}

	addr, ep, ok := tx.Pipe()
	if !ok || addr != 4 || ep != 1 {
		t.Errorf("Pipe() = %d.%d %v, want 4.1 true", addr, ep, ok)
	}
	if tx.Name() != "IN" {
		t.Errorf("Name() = %q, want IN", tx.Name())
	}
	if tx.Tic() != 5 {
		t.Errorf("Tic() = %d, want 5", tx.Tic())
	}
	if tx.Direction() != usb.DirIn {
		t.Error("Direction() should be IN")
	}
	if len(tx.Payload()) != 2 {
		t.Errorf("Payload() length = %d, want 2", len(tx.Payload()))
	}
	if hs := tx.Handshake(); hs == nil || hs.PID != usb.PIDAck {
		t.Error("Handshake() should be the ACK")
	}
}

func TestOrphanTransactionHasNoPipe(t *testing.T) {
	t.Parallel()
	tx := &Transaction{Packets: []*usb.Packet{{PID: usb.PIDAck}}, Outcome: OutcomeMalformed}
	if _, _, ok := tx.Pipe(); ok {
		t.Error("orphan handshake should not resolve to a pipe")
	}
	if tx.Name() != "ACK" {
		t.Errorf("Name() = %q, want ACK", tx.Name())
	}
}

func TestOutcomeFor(t *testing.T) {
	t.Parallel()
	tests := map[usb.PID]Outcome{
		usb.PIDAck:    OutcomeAck,
		usb.PIDNak:    OutcomeNak,
		usb.PIDStall:  OutcomeStall,
		usb.PIDNyet:   OutcomeNyet,
		usb.PIDPreErr: OutcomeErr,
		usb.PIDData0:  OutcomeMalformed,
	}
	for pid, want := range tests {
		if got := OutcomeFor(pid); got != want {
			t.Errorf("OutcomeFor(%s) = %s, want %s", pid, got, want)
		}
	}
	if OutcomeNak.IsError() || !OutcomeTimeout.IsError() {
		t.Error("IsError classification mismatch")
	}
}
