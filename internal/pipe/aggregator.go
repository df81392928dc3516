// Package pipe routes transactions to per-device and per-pipe handlers,
// creating each handler the first time its address or pipe shows up on the
// bus.
package pipe

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/transfer"
	"github.com/zsiec/usbtrace/internal/usb"
)

// Key identifies a pipe.
type Key struct {
	Address  uint8
	Endpoint uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d", k.Address, k.Endpoint)
}

// ParseKey parses "address.endpoint", e.g. "3.1".
func ParseKey(s string) (Key, error) {
	a, e, ok := strings.Cut(s, ".")
	if !ok {
		return Key{}, fmt.Errorf("pipe %q: want address.endpoint", s)
	}
	address, err := strconv.ParseUint(a, 10, 7)
	if err != nil {
		return Key{}, fmt.Errorf("pipe %q: bad address: %w", s, err)
	}
	endpoint, err := strconv.ParseUint(e, 10, 4)
	if err != nil {
		return Key{}, fmt.Errorf("pipe %q: bad endpoint: %w", s, err)
	}
	return Key{Address: uint8(address), Endpoint: uint8(endpoint)}, nil
}

// Device is a discovered bus address.
type Device struct {
	Address uint8
	Hub     *Handler
}

// Pipe is a discovered (address, endpoint) pair.
type Pipe struct {
	Key     Key
	Handler *Handler
}

// DeviceFunc is called once per new address and returns the sink for
// device-level events. A nil sink discards them.
type DeviceFunc func(address uint8) event.Sink

// PipeFunc is called once per new pipe and returns the sink for that
// pipe's transactions and transfers. A nil sink discards them.
type PipeFunc func(address, endpoint uint8) event.Sink

// Aggregator is the registry of devices and pipes. It implements
// transaction.Sink.
type Aggregator struct {
	log      *slog.Logger
	bus      event.Sink
	errs     event.Sink
	onDevice DeviceFunc
	onPipe   PipeFunc
	single   bool
	shared   []event.Sink

	devices   map[uint8]*Device
	pipes     map[Key]*Pipe
	handlers  []*Handler
	endpoints map[Key][]usb.EndpointDescriptor

	done    bool
	stopped bool
}

// New creates an Aggregator. SOF transactions go to bus; incomplete
// transfers and stray transactions also go to errs. The caller owns both
// sinks.
func New(bus, errs event.Sink, opts ...func(*Aggregator)) *Aggregator {
	if bus == nil {
		bus = event.Discard
	}
	if errs == nil {
		errs = event.Discard
	}
	a := &Aggregator{
		log:       slog.Default(),
		bus:       bus,
		errs:      errs,
		devices:   make(map[uint8]*Device),
		pipes:     make(map[Key]*Pipe),
		endpoints: make(map[Key][]usb.EndpointDescriptor),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "pipes")
	return a
}

// AggregatorOptOnDevice sets the device discovery callback.
func AggregatorOptOnDevice(f DeviceFunc) func(*Aggregator) {
	return func(a *Aggregator) { a.onDevice = f }
}

// AggregatorOptOnPipe sets the pipe discovery callback.
func AggregatorOptOnPipe(f PipeFunc) func(*Aggregator) {
	return func(a *Aggregator) { a.onPipe = f }
}

// AggregatorOptOneTransactionPerTransfer makes bulk and interrupt pipes
// report every data transaction as its own transfer.
func AggregatorOptOneTransactionPerTransfer() func(*Aggregator) {
	return func(a *Aggregator) { a.single = true }
}

// AggregatorOptSharedSinks names sinks the caller stops itself. A
// discovery callback may return them; Stop leaves them alone.
func AggregatorOptSharedSinks(sinks ...event.Sink) func(*Aggregator) {
	return func(a *Aggregator) { a.shared = append(a.shared, sinks...) }
}

// AggregatorOptLogger sets the logger.
func AggregatorOptLogger(log *slog.Logger) func(*Aggregator) {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// PushTransaction routes t to its pipe, creating the device and pipe
// handlers on first sight.
func (a *Aggregator) PushTransaction(t *event.Transaction) error {
	if a.done || a.stopped {
		return event.ErrDone
	}
	if t.IsSOF() {
		return a.check(a.bus.Push(event.Event{Kind: event.KindTransaction, Tic: t.Tic(), Transaction: t}))
	}
	addr, ep, ok := t.Pipe()
	if !ok {
		a.log.Debug("dropping transaction without a pipe", "transaction", t.String())
		return nil
	}
	return a.check(a.pipe(addr, ep).Handler.transaction(t))
}

// PushReset closes every in-flight transfer and notifies device handlers.
// Devices and pipes stay registered.
func (a *Aggregator) PushReset(at, duration tic.Tic) error {
	if a.done || a.stopped {
		return event.ErrDone
	}
	for _, h := range a.handlers {
		if h.kind == HandlerHub {
			continue
		}
		if err := h.reset(at, duration); err != nil {
			return a.check(err)
		}
	}
	for _, h := range a.handlers {
		if h.kind != HandlerHub {
			continue
		}
		if err := h.reset(at, duration); err != nil {
			return a.check(err)
		}
	}
	return nil
}

func (a *Aggregator) device(addr uint8) *Device {
	if d, ok := a.devices[addr]; ok {
		return d
	}
	var sink event.Sink
	if a.onDevice != nil {
		sink = a.onDevice(addr)
	}
	if sink == nil {
		sink = event.Discard
	}
	h := &Handler{kind: HandlerHub, key: Key{Address: addr}, sink: sink}
	d := &Device{Address: addr, Hub: h}
	a.devices[addr] = d
	a.handlers = append(a.handlers, h)
	a.log.Debug("new device", "address", addr)
	return d
}

func (a *Aggregator) pipe(addr, ep uint8) *Pipe {
	key := Key{Address: addr, Endpoint: ep}
	if p, ok := a.pipes[key]; ok {
		return p
	}
	a.device(addr)

	var sink event.Sink
	if a.onPipe != nil {
		sink = a.onPipe(addr, ep)
	}
	if sink == nil {
		sink = event.Discard
	}
	h := &Handler{key: key, sink: sink}
	if ep == 0 {
		h.kind = HandlerEndpoint0
		out := event.SinkFunc(func(ev event.Event) error {
			a.learn(addr, ev)
			return h.push(ev)
		})
		h.agg = transfer.NewControl(addr, ep, out, a.errs)
	} else {
		h.kind = HandlerGeneric
		var opts []func(*transfer.Stream)
		if a.single {
			opts = append(opts, transfer.StreamOptOneTransactionPerTransfer())
		}
		st := transfer.NewStream(addr, ep, event.SinkFunc(h.push), a.errs, opts...)
		for _, d := range a.endpoints[key] {
			st.Configure(d)
		}
		h.agg = st
	}

	p := &Pipe{Key: key, Handler: h}
	a.pipes[key] = p
	a.handlers = append(a.handlers, h)
	a.log.Debug("new pipe", "pipe", key.String(), "handler", h.kind.String())
	return p
}

// learn records the endpoint descriptors carried by a completed
// configuration descriptor read and configures the pipes they describe.
func (a *Aggregator) learn(addr uint8, ev event.Event) {
	tr := ev.Transfer
	if ev.Kind != event.KindTransfer || tr == nil || tr.Outcome != event.TransferComplete ||
		tr.Setup == nil || !tr.Setup.IsConfigurationRead() {
		return
	}
	for _, d := range usb.ParseEndpoints(tr.Payload) {
		if d.Number == 0 {
			continue
		}
		key := Key{Address: addr, Endpoint: d.Number}
		a.endpoints[key] = append(a.endpoints[key], d)
		a.log.Debug("endpoint descriptor", "pipe", key.String(), "direction", d.Direction.String(),
			"type", d.Type.String(), "max_packet", d.MaxPacket)
		if p, ok := a.pipes[key]; ok {
			if st, ok := p.Handler.agg.(*transfer.Stream); ok {
				st.Configure(d)
			}
		}
	}
}

// Endpoint returns the descriptor learnt for one direction of a pipe.
func (a *Aggregator) Endpoint(key Key, dir usb.Direction) (usb.EndpointDescriptor, bool) {
	ds := a.endpoints[key]
	for i := len(ds) - 1; i >= 0; i-- {
		if ds[i].Direction == dir {
			return ds[i], true
		}
	}
	return usb.EndpointDescriptor{}, false
}

// Devices returns the discovered devices in discovery order.
func (a *Aggregator) Devices() []*Device {
	var out []*Device
	for _, h := range a.handlers {
		if h.kind == HandlerHub {
			out = append(out, a.devices[h.key.Address])
		}
	}
	return out
}

// Pipes returns the discovered pipes in discovery order.
func (a *Aggregator) Pipes() []*Pipe {
	var out []*Pipe
	for _, h := range a.handlers {
		if h.kind != HandlerHub {
			out = append(out, a.pipes[h.key])
		}
	}
	return out
}

func (a *Aggregator) check(err error) error {
	if err == nil {
		return nil
	}
	a.done = true
	if !errors.Is(err, event.ErrDone) {
		a.log.Debug("sink stopped parsing", "error", err)
	}
	return err
}

// Terminate marks parsing as finished: a later Stop does not flush
// in-flight transfers.
func (a *Aggregator) Terminate() {
	a.done = true
}

// Stop closes in-flight transfers, unless parsing already terminated, and
// stops every handler's sink in creation order. A sink returned for
// several handlers is stopped once; the bus and error sinks belong to the
// caller and are not stopped here. Safe to call more than once.
func (a *Aggregator) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	seen := append([]event.Sink{a.bus, a.errs}, a.shared...)
	for _, h := range a.handlers {
		if !a.done {
			if err := h.flush(); err != nil {
				a.check(err)
			}
		}
		if event.ContainsSink(seen, h.sink) {
			continue
		}
		seen = append(seen, h.sink)
		h.sink.Stop()
	}
}
