package pipe

import (
	"errors"
	"slices"
	"testing"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/usb"
)

// orderedSink records Stop calls into a shared log.
type orderedSink struct {
	event.Recorder
	name string
	log  *[]string
}

func (s *orderedSink) Stop() {
	s.Recorder.Stop()
	*s.log = append(*s.log, s.name)
}

type fixture struct {
	agg     *Aggregator
	bus     event.Recorder
	errs    event.Recorder
	devices map[uint8]*orderedSink
	pipes   map[Key]*orderedSink
	calls   []string
	stops   []string
}

func newFixture(opts ...func(*Aggregator)) *fixture {
	f := &fixture{
		devices: make(map[uint8]*orderedSink),
		pipes:   make(map[Key]*orderedSink),
	}
	opts = append(opts,
		AggregatorOptOnDevice(func(address uint8) event.Sink {
			s := &orderedSink{name: Key{Address: address}.String() + " device", log: &f.stops}
			f.calls = append(f.calls, s.name)
			f.devices[address] = s
			return s
		}),
		AggregatorOptOnPipe(func(address, endpoint uint8) event.Sink {
			k := Key{Address: address, Endpoint: endpoint}
			s := &orderedSink{name: k.String(), log: &f.stops}
			f.calls = append(f.calls, s.name)
			f.pipes[k] = s
			return s
		}),
	)
	f.agg = New(&f.bus, &f.errs, opts...)
	return f
}

func (f *fixture) push(t *testing.T, ts ...*event.Transaction) {
	t.Helper()
	for _, tr := range ts {
		if err := f.agg.PushTransaction(tr); err != nil {
			t.Fatal(err)
		}
	}
}

func tx(pid usb.PID, address, endpoint uint8, outcome event.Outcome, payload ...byte) *event.Transaction {
	packets := []*usb.Packet{{PID: pid, Address: address, Endpoint: endpoint}}
	if payload != nil {
		packets = append(packets, &usb.Packet{PID: usb.PIDData0, Data: payload})
	}
	packets = append(packets, &usb.Packet{PID: usb.PIDAck})
	return &event.Transaction{Packets: packets, Outcome: outcome}
}

var setAddress = []byte{0x00, 0x05, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00}

func TestDiscoveryExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.push(t,
		tx(usb.PIDIn, 1, 1, event.OutcomeNak),
		tx(usb.PIDIn, 1, 1, event.OutcomeNak),
		tx(usb.PIDOut, 1, 2, event.OutcomeNak),
		tx(usb.PIDIn, 2, 0, event.OutcomeNak),
		tx(usb.PIDIn, 1, 1, event.OutcomeNak),
	)

	want := []string{"1.0 device", "1.1", "1.2", "2.0 device", "2.0"}
	if !slices.Equal(f.calls, want) {
		t.Fatalf("discovery calls = %v, want %v", f.calls, want)
	}
	if got := len(f.pipes[Key{1, 1}].Events); got != 3 {
		t.Errorf("pipe 1.1 got %d events, want 3", got)
	}

	pipes := f.agg.Pipes()
	if len(pipes) != 3 {
		t.Fatalf("Pipes() = %d, want 3", len(pipes))
	}
	kinds := []HandlerKind{pipes[0].Handler.Kind(), pipes[1].Handler.Kind(), pipes[2].Handler.Kind()}
	if !slices.Equal(kinds, []HandlerKind{HandlerGeneric, HandlerGeneric, HandlerEndpoint0}) {
		t.Errorf("handler kinds = %v", kinds)
	}
	if pipes[0].Handler.Sink() != f.pipes[Key{1, 1}] {
		t.Error("pipe handler does not hold the discovered sink")
	}
	devices := f.agg.Devices()
	if len(devices) != 2 || devices[0].Address != 1 || devices[1].Hub.Kind() != HandlerHub {
		t.Errorf("Devices() = %+v", devices)
	}
}

func TestSequenceNumbers(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.push(t,
		tx(usb.PIDSetup, 0, 0, event.OutcomeAck, setAddress...),
		tx(usb.PIDIn, 0, 0, event.OutcomeNak),
		tx(usb.PIDIn, 0, 0, event.OutcomeAck, []byte{}...),
	)

	evs := f.pipes[Key{0, 0}].Events
	if len(evs) != 4 {
		t.Fatalf("got %d events, want 4", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}
	if evs[3].Kind != event.KindTransfer || evs[3].Transfer.Setup.Request != usb.RequestSetAddress {
		t.Errorf("last event = %+v", evs[3])
	}
}

func TestSOFGoesToBus(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.push(t, &event.Transaction{Packets: []*usb.Packet{{PID: usb.PIDSOF, Frame: 42}}})

	if len(f.bus.Events) != 1 || f.bus.Events[0].Transaction.Frame() != 42 {
		t.Errorf("bus events = %+v", f.bus.Events)
	}
	if len(f.calls) != 0 {
		t.Errorf("SOF created handlers: %v", f.calls)
	}
}

func TestResetKeepsRegistry(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.push(t,
		tx(usb.PIDSetup, 0, 0, event.OutcomeAck, setAddress...),
		tx(usb.PIDIn, 3, 1, event.OutcomeAck, make([]byte, 64)...),
	)
	if err := f.agg.PushReset(500, 30); err != nil {
		t.Fatal(err)
	}

	for _, k := range []Key{{0, 0}, {3, 1}} {
		evs := f.pipes[k].Events
		last := evs[len(evs)-1]
		if last.Kind != event.KindTransferError || last.Transfer.Outcome != event.TransferIncomplete {
			t.Errorf("pipe %s last event = %+v", k, last)
		}
	}
	for _, addr := range []uint8{0, 3} {
		evs := f.devices[addr].Events
		if len(evs) != 1 || evs[0].Kind != event.KindReset || evs[0].Tic != 500 || evs[0].Duration != 30 {
			t.Errorf("device %d events = %+v", addr, evs)
		}
	}
	if len(f.errs.Events) != 2 {
		t.Errorf("got %d error events, want 2", len(f.errs.Events))
	}

	f.push(t, tx(usb.PIDIn, 3, 1, event.OutcomeNak))
	if len(f.calls) != 4 {
		t.Errorf("reset caused rediscovery: %v", f.calls)
	}
}

func TestStopOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.push(t,
		tx(usb.PIDIn, 5, 2, event.OutcomeAck, make([]byte, 64)...),
		tx(usb.PIDIn, 4, 0, event.OutcomeNak),
	)
	f.agg.Stop()
	f.agg.Stop()

	want := []string{"5.0 device", "5.2", "4.0 device", "4.0"}
	if !slices.Equal(f.stops, want) {
		t.Errorf("stop order = %v, want %v", f.stops, want)
	}
	evs := f.pipes[Key{5, 2}].Events
	if last := evs[len(evs)-1]; last.Kind != event.KindTransfer || last.Transfer.Outcome != event.TransferComplete {
		t.Errorf("open run was not flushed: %+v", last)
	}
	if err := f.agg.PushTransaction(tx(usb.PIDIn, 5, 2, event.OutcomeNak)); !errors.Is(err, event.ErrDone) {
		t.Errorf("push after Stop = %v, want ErrDone", err)
	}
}

func TestSinkErrorTerminates(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var stopped int
	a := New(nil, nil, AggregatorOptOnPipe(func(uint8, uint8) event.Sink {
		return stopCounter{SinkFunc: func(event.Event) error { return boom }, n: &stopped}
	}))

	if err := a.PushTransaction(tx(usb.PIDIn, 1, 1, event.OutcomeAck, make([]byte, 64)...)); !errors.Is(err, boom) {
		t.Fatalf("PushTransaction = %v, want boom", err)
	}
	if err := a.PushTransaction(tx(usb.PIDIn, 1, 1, event.OutcomeNak)); !errors.Is(err, event.ErrDone) {
		t.Errorf("push after failure = %v, want ErrDone", err)
	}
	a.Stop()
	if stopped != 1 {
		t.Errorf("sink stopped %d times, want 1", stopped)
	}
}

type stopCounter struct {
	event.SinkFunc
	n *int
}

func (s stopCounter) Stop() { *s.n++ }

func TestParseKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{in: "3.1", want: Key{Address: 3, Endpoint: 1}},
		{in: "127.15", want: Key{Address: 127, Endpoint: 15}},
		{in: "0.0", want: Key{}},
		{in: "128.0", wantErr: true},
		{in: "1.16", wantErr: true},
		{in: "3", wantErr: true},
		{in: "a.b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKey(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseKey(%q) should fail", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKey(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestSharedSinksStoppedOnce(t *testing.T) {
	t.Parallel()
	var bus, shared event.Recorder
	a := New(&bus, nil,
		AggregatorOptOnDevice(func(uint8) event.Sink { return &bus }),
		AggregatorOptOnPipe(func(uint8, uint8) event.Sink { return &shared }),
	)
	if err := a.PushTransaction(tx(usb.PIDIn, 1, 1, event.OutcomeNak)); err != nil {
		t.Fatal(err)
	}
	if err := a.PushTransaction(tx(usb.PIDIn, 1, 2, event.OutcomeNak)); err != nil {
		t.Fatal(err)
	}
	if err := a.PushTransaction(tx(usb.PIDIn, 2, 1, event.OutcomeNak)); err != nil {
		t.Fatal(err)
	}
	a.Stop()

	if shared.Stopped != 1 {
		t.Errorf("shared pipe sink stopped %d times, want 1", shared.Stopped)
	}
	if bus.Stopped != 0 {
		t.Errorf("caller-owned bus sink stopped %d times, want 0", bus.Stopped)
	}
}

func TestSharedSinksOption(t *testing.T) {
	t.Parallel()
	var owned event.Recorder
	a := New(nil, nil,
		AggregatorOptSharedSinks(&owned),
		AggregatorOptOnPipe(func(uint8, uint8) event.Sink { return &owned }),
	)
	if err := a.PushTransaction(tx(usb.PIDIn, 1, 1, event.OutcomeNak)); err != nil {
		t.Fatal(err)
	}
	a.Stop()
	if owned.Stopped != 0 {
		t.Errorf("shared sink stopped %d times, want 0", owned.Stopped)
	}
}

// keyboardConfig is a configuration descriptor with one interrupt IN
// endpoint (0x81, 8 bytes) behind a HID class descriptor.
var keyboardConfig = []byte{
	0x09, 0x02, 0x22, 0x00, 0x01, 0x01, 0x00, 0xA0, 0x32,
	0x09, 0x04, 0x00, 0x00, 0x01, 0x03, 0x01, 0x01, 0x00,
	0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3F, 0x00,
	0x07, 0x05, 0x81, 0x03, 0x08, 0x00, 0x0A,
}

var getConfiguration = []byte{0x80, 0x06, 0x00, 0x02, 0x00, 0x00, 0x22, 0x00}

func TestEndpointDescriptorsConfigurePipes(t *testing.T) {
	t.Parallel()

	configRead := []*event.Transaction{
		tx(usb.PIDSetup, 2, 0, event.OutcomeAck, getConfiguration...),
		tx(usb.PIDIn, 2, 0, event.OutcomeAck, keyboardConfig...),
		tx(usb.PIDOut, 2, 0, event.OutcomeAck, []byte{}...),
	}
	report := func() *event.Transaction {
		return tx(usb.PIDIn, 2, 1, event.OutcomeAck, make([]byte, 8)...)
	}

	tests := []struct {
		name   string
		before []*event.Transaction
	}{
		{name: "pipe discovered after the descriptor"},
		{name: "pipe discovered before the descriptor", before: []*event.Transaction{tx(usb.PIDIn, 2, 1, event.OutcomeNak)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.push(t, tc.before...)
			f.push(t, configRead...)
			f.push(t, report(), report(), report())

			d, ok := f.agg.Endpoint(Key{2, 1}, usb.DirIn)
			if !ok || d.Type != usb.TransferInterrupt || d.MaxPacket != 8 {
				t.Fatalf("Endpoint(2.1 IN) = %+v, %v", d, ok)
			}
			transfers := 0
			for _, ev := range f.pipes[Key{2, 1}].Events {
				if ev.Kind == event.KindTransfer {
					transfers++
				}
			}
			if transfers != 3 {
				t.Errorf("got %d report transfers, want 3", transfers)
			}

			f.agg.Stop()
			if len(f.errs.Events) != 0 {
				t.Errorf("error events = %+v", f.errs.Events)
			}
		})
	}
}
