package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/zsiec/usbtrace/internal/capture"
	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

type captureBuilder struct {
	t   *testing.T
	b   []byte
	now tic.Tic
}

func (c *captureBuilder) packet(p *usb.Packet) *captureBuilder {
	c.t.Helper()
	raw, err := usb.Encode(p)
	if err != nil {
		c.t.Fatal(err)
	}
	c.now += 10
	c.b = capture.AppendRecord(c.b, capture.PacketRecord(c.now, raw))
	return c
}

func (c *captureBuilder) reset() *captureBuilder {
	c.now += 10
	c.b = capture.AppendRecord(c.b, capture.ResetRecord(c.now, 600_000))
	return c
}

func (c *captureBuilder) end() []byte {
	c.now += 10
	return capture.AppendRecord(c.b, capture.EndRecord(c.now))
}

// enumeration builds a GET_DESCRIPTOR(Device) control transfer on address 0,
// a SOF and a short bulk IN transfer on 1.1.
func enumeration(t *testing.T) *captureBuilder {
	c := &captureBuilder{t: t}
	desc := bytes.Repeat([]byte{0x12}, 18)
	c.packet(&usb.Packet{PID: usb.PIDSOF, Frame: 1}).
		packet(&usb.Packet{PID: usb.PIDSetup}).
		packet(&usb.Packet{PID: usb.PIDData0, Data: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}}).
		packet(&usb.Packet{PID: usb.PIDAck}).
		packet(&usb.Packet{PID: usb.PIDIn}).
		packet(&usb.Packet{PID: usb.PIDData1, Data: desc}).
		packet(&usb.Packet{PID: usb.PIDAck}).
		packet(&usb.Packet{PID: usb.PIDOut}).
		packet(&usb.Packet{PID: usb.PIDData1, Data: []byte{}}).
		packet(&usb.Packet{PID: usb.PIDAck}).
		packet(&usb.Packet{PID: usb.PIDIn, Address: 1, Endpoint: 1}).
		packet(&usb.Packet{PID: usb.PIDData0, Data: []byte{1, 2, 3}}).
		packet(&usb.Packet{PID: usb.PIDAck})
	return c
}

type sinks struct {
	raw, bus, errs event.Recorder
	pipes          map[[2]uint8]*event.Recorder
	devices        map[uint8]*event.Recorder
}

func newSinks() *sinks {
	return &sinks{
		pipes:   make(map[[2]uint8]*event.Recorder),
		devices: make(map[uint8]*event.Recorder),
	}
}

func (s *sinks) config() Config {
	return Config{
		Raw:    &s.raw,
		Bus:    &s.bus,
		Errors: &s.errs,
		OnDevice: func(address uint8) event.Sink {
			r := &event.Recorder{}
			s.devices[address] = r
			return r
		},
		OnPipe: func(address, endpoint uint8) event.Sink {
			r := &event.Recorder{}
			s.pipes[[2]uint8{address, endpoint}] = r
			return r
		},
	}
}

func TestRunDecodesCapture(t *testing.T) {
	t.Parallel()
	in := enumeration(t).end()
	s := newSinks()
	p := New("test", bytes.NewReader(in), s.config())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ep0 := s.pipes[[2]uint8{0, 0}]
	if ep0 == nil {
		t.Fatal("pipe 0.0 not discovered")
	}
	last := ep0.Events[len(ep0.Events)-1]
	if last.Kind != event.KindTransfer || last.Transfer.Outcome != event.TransferComplete || len(last.Transfer.Payload) != 18 {
		t.Errorf("control transfer = %+v", last)
	}
	bulk := s.pipes[[2]uint8{1, 1}]
	if bulk == nil || bulk.Events[len(bulk.Events)-1].Transfer == nil {
		t.Fatalf("bulk pipe events = %+v", bulk)
	}
	if len(s.bus.Events) != 1 || !s.bus.Events[0].Transaction.IsSOF() {
		t.Errorf("bus events = %v", s.bus.Kinds())
	}
	if len(s.errs.Events) != 0 || len(s.raw.Events) != 0 {
		t.Errorf("unexpected errors %v raw %v", s.errs.Kinds(), s.raw.Kinds())
	}

	for name, r := range map[string]*event.Recorder{"raw": &s.raw, "bus": &s.bus, "errs": &s.errs, "0.0": ep0, "1.1": bulk} {
		if r.Stopped != 1 {
			t.Errorf("%s sink stopped %d times, want 1", name, r.Stopped)
		}
	}

	snap := p.Snapshot()
	if snap.Packets != 13 || snap.Frames != 1 || snap.Transactions != 4 || snap.Transfers != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Devices != 2 || snap.Pipes != 2 || snap.Bytes != int64(len(in)) {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(p.Pipes()) != 2 || len(p.Devices()) != 2 {
		t.Errorf("registry = %d pipes, %d devices", len(p.Pipes()), len(p.Devices()))
	}
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()
	s := newSinks()
	p := New("empty", strings.NewReader(""), s.config())
	if err := p.Run(context.Background()); err != nil {
		t.Errorf("Run with EOF reader: %v", err)
	}
	if s.raw.Stopped != 1 || s.errs.Stopped != 1 {
		t.Error("sinks were not stopped")
	}
}

func TestResetClosesInFlight(t *testing.T) {
	t.Parallel()
	c := &captureBuilder{t: t}
	c.packet(&usb.Packet{PID: usb.PIDSetup}).
		packet(&usb.Packet{PID: usb.PIDData0, Data: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00}}).
		packet(&usb.Packet{PID: usb.PIDAck}).
		reset().
		packet(&usb.Packet{PID: usb.PIDIn}).
		packet(&usb.Packet{PID: usb.PIDNak})
	s := newSinks()
	p := New("reset", nil, s.config())

	if err := p.Push(c.end()); !errors.Is(err, event.ErrDone) {
		t.Fatalf("Push = %v, want ErrDone", err)
	}
	p.Stop()
	p.Stop()

	ep0 := s.pipes[[2]uint8{0, 0}]
	kinds := ep0.Kinds()
	want := []event.Kind{event.KindTransaction, event.KindTransferError, event.KindTransaction}
	if len(kinds) != len(want) {
		t.Fatalf("pipe kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("pipe kinds = %v, want %v", kinds, want)
		}
	}
	if dev := s.devices[0]; len(dev.Events) != 1 || dev.Events[0].Kind != event.KindReset {
		t.Errorf("device events = %+v", dev.Events)
	}
	if len(s.bus.Events) != 1 || s.bus.Events[0].Kind != event.KindReset {
		t.Errorf("bus events = %v", s.bus.Kinds())
	}
	if p.Snapshot().Resets != 1 || p.Snapshot().Errors != 1 {
		t.Errorf("snapshot = %+v", p.Snapshot())
	}
}

func TestSharedSinkStoppedOnce(t *testing.T) {
	t.Parallel()
	var shared event.Recorder
	p := New("shared", strings.NewReader(""), Config{Raw: &shared, Bus: &shared, Errors: &shared})
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if shared.Stopped != 1 {
		t.Errorf("shared sink stopped %d times, want 1", shared.Stopped)
	}
}

func TestJunkBecomesRaw(t *testing.T) {
	t.Parallel()
	in := append([]byte{0x01, 0x02, 0x03}, enumeration(t).end()...)
	s := newSinks()
	p := New("junk", bytes.NewReader(in), s.config())
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.raw.Events) != 1 || !bytes.Equal(s.raw.Events[0].Data, []byte{1, 2, 3}) {
		t.Errorf("raw events = %+v", s.raw.Events)
	}
	if p.Snapshot().Raw != 1 {
		t.Errorf("raw counter = %d", p.Snapshot().Raw)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRunReadError(t *testing.T) {
	t.Parallel()
	p := New("broken", failingReader{}, Config{})
	err := p.Run(context.Background())
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Run = %v, want wrapped ErrClosedPipe", err)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := New("cancel", pr, Config{})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
}

type tapRecorder struct {
	pids []usb.PID
	fail bool
}

func (r *tapRecorder) WritePacket(p *usb.Packet) error {
	if r.fail {
		return errors.New("disk full")
	}
	r.pids = append(r.pids, p.PID)
	return nil
}

func TestPacketTap(t *testing.T) {
	t.Parallel()
	tap := &tapRecorder{}
	p := New("tap", bytes.NewReader(enumeration(t).end()), Config{Tap: tap})
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tap.pids) != 13 || tap.pids[0] != usb.PIDSOF {
		t.Errorf("tap saw %v", tap.pids)
	}

	broken := &tapRecorder{fail: true}
	s := newSinks()
	cfg := s.config()
	cfg.Tap = broken
	p = New("tap", bytes.NewReader(enumeration(t).end()), cfg)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("tap failure stopped decoding: %v", err)
	}
	if s.pipes[[2]uint8{1, 1}] == nil {
		t.Error("decoding did not continue after tap failure")
	}
}

func TestStopAfterEndDoesNotFlush(t *testing.T) {
	t.Parallel()
	c := &captureBuilder{t: t}
	c.packet(&usb.Packet{PID: usb.PIDSetup}).
		packet(&usb.Packet{PID: usb.PIDData0, Data: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00}}).
		packet(&usb.Packet{PID: usb.PIDAck}).
		packet(&usb.Packet{PID: usb.PIDIn})
	s := newSinks()
	p := New("ended", nil, s.config())

	if err := p.Push(c.end()); !errors.Is(err, event.ErrDone) {
		t.Fatalf("Push = %v, want ErrDone", err)
	}
	errsBefore := len(s.errs.Events)
	ep0 := s.pipes[[2]uint8{0, 0}]
	pipeBefore := len(ep0.Events)

	p.Stop()

	if got := len(s.errs.Events); got != errsBefore {
		t.Errorf("Stop after end added %d error events: %+v", got-errsBefore, s.errs.Events[errsBefore:])
	}
	if got := len(ep0.Events); got != pipeBefore {
		t.Errorf("Stop after end added %d pipe events", got-pipeBefore)
	}
	if ep0.Stopped != 1 || s.errs.Stopped != 1 {
		t.Errorf("sinks stopped pipe=%d errs=%d, want 1 each", ep0.Stopped, s.errs.Stopped)
	}
}

func TestDiscoverySinksStoppedOnce(t *testing.T) {
	t.Parallel()
	var bus, shared event.Recorder
	cfg := Config{
		Bus:      &bus,
		OnDevice: func(uint8) event.Sink { return &bus },
		OnPipe:   func(uint8, uint8) event.Sink { return &shared },
	}
	c := &captureBuilder{t: t}
	c.packet(&usb.Packet{PID: usb.PIDIn, Address: 1, Endpoint: 1}).
		packet(&usb.Packet{PID: usb.PIDNak}).
		packet(&usb.Packet{PID: usb.PIDIn, Address: 2, Endpoint: 1}).
		packet(&usb.Packet{PID: usb.PIDNak})
	p := New("shared", bytes.NewReader(c.end()), cfg)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if shared.Stopped != 1 || bus.Stopped != 1 {
		t.Errorf("stopped shared=%d bus=%d, want 1 each", shared.Stopped, bus.Stopped)
	}
	if len(shared.Events) != 2 {
		t.Errorf("shared sink got %d events, want 2", len(shared.Events))
	}
	if snap := p.Snapshot(); snap.Transactions != 2 || snap.Pipes != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}
