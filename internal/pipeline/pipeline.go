// Package pipeline wires the decode stages for one capture: reorderer,
// packetiser, transaction aggregator and pipe registry. It feeds them from an
// io.Reader and collects counters for the stats endpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/usbtrace/internal/capture"
	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/pipe"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/transaction"
	"github.com/zsiec/usbtrace/internal/usb"
)

// DefaultReadBufferSize is the chunk size Run reads from its input.
const DefaultReadBufferSize = 32 * 1024

// PacketTap receives every decoded packet before transaction grouping.
type PacketTap interface {
	WritePacket(p *usb.Packet) error
}

// Config selects the sinks and decode options of a Pipeline.
type Config struct {
	// Raw receives undecodable spans. Bus receives resets and SOF.
	// Errors receives transaction and transfer errors. Nil discards.
	// The pipeline stops each of them once.
	Raw    event.Sink
	Bus    event.Sink
	Errors event.Sink

	OnDevice pipe.DeviceFunc
	OnPipe   pipe.PipeFunc

	// ReorderWindow is the look-ahead in records. Zero selects
	// capture.DefaultReorderWindow; negative disables reordering.
	ReorderWindow int

	SkipCRC                   bool
	OneTransactionPerTransfer bool
	ReadBufferSize            int

	// Tap, if set, sees every decoded packet. A tap error is logged and
	// the tap is detached; decoding continues.
	Tap PacketTap

	Logger *slog.Logger
}

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	Key          string `json:"key"`
	UptimeMs     int64  `json:"uptimeMs"`
	Bytes        int64  `json:"bytes"`
	Packets      int64  `json:"packets"`
	Raw          int64  `json:"raw"`
	Resets       int64  `json:"resets"`
	Frames       int64  `json:"frames"`
	Transactions int64  `json:"transactions"`
	Transfers    int64  `json:"transfers"`
	Errors       int64  `json:"errors"`
	Devices      int    `json:"devices"`
	Pipes        int    `json:"pipes"`
	Late         int64  `json:"late"`
	LastTic      string `json:"lastTic"`
}

type stats struct {
	bytes        atomic.Int64
	packets      atomic.Int64
	raw          atomic.Int64
	resets       atomic.Int64
	frames       atomic.Int64
	transactions atomic.Int64
	transfers    atomic.Int64
	errors       atomic.Int64
	lastTic      atomic.Uint64
	devices      atomic.Int32
	pipes        atomic.Int32
	late         atomic.Int64
}

// Pipeline decodes one capture stream.
type Pipeline struct {
	log       *slog.Logger
	key       string
	input     io.Reader
	readSize  int
	startTime time.Time

	reorder *capture.Reorderer
	pipes   *pipe.Aggregator
	tap     PacketTap
	owned   []event.Sink
	wrapped []*counter

	stats   stats
	stopped bool
}

// New creates a Pipeline that decodes input. Input may be nil when the
// caller drives the pipeline with Push.
func New(key string, input io.Reader, cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:       log.With("capture", key),
		key:       key,
		input:     input,
		readSize:  cfg.ReadBufferSize,
		startTime: time.Now(),
		tap:       cfg.Tap,
	}
	if p.readSize <= 0 {
		p.readSize = DefaultReadBufferSize
	}

	raw := p.count(orDiscard(cfg.Raw), nil)
	bus := p.count(orDiscard(cfg.Bus), nil)
	errs := p.count(orDiscard(cfg.Errors), &p.stats.errors)
	for _, s := range []event.Sink{cfg.Raw, cfg.Bus, cfg.Errors} {
		if s != nil {
			p.owned = append(p.owned, s)
		}
	}

	pipeOpts := []func(*pipe.Aggregator){
		pipe.AggregatorOptLogger(log),
		pipe.AggregatorOptOnDevice(func(address uint8) event.Sink {
			p.stats.devices.Add(1)
			if cfg.OnDevice == nil {
				return nil
			}
			return cfg.OnDevice(address)
		}),
		pipe.AggregatorOptOnPipe(func(address, endpoint uint8) event.Sink {
			p.stats.pipes.Add(1)
			var s event.Sink
			if cfg.OnPipe != nil {
				s = cfg.OnPipe(address, endpoint)
			}
			return p.pipeSink(orDiscard(s))
		}),
		pipe.AggregatorOptSharedSinks(p.owned...),
	}
	if cfg.OneTransactionPerTransfer {
		pipeOpts = append(pipeOpts, pipe.AggregatorOptOneTransactionPerTransfer())
	}
	p.pipes = pipe.New(bus, errs, pipeOpts...)

	transactions := transaction.New(p.pipes, errs, transaction.AggregatorOptLogger(log))

	packetOpts := []func(*capture.Packetiser){capture.PacketiserOptLogger(log)}
	if cfg.SkipCRC {
		packetOpts = append(packetOpts, capture.PacketiserOptSkipCRC())
	}
	packets := capture.NewPacketiser(&tee{p: p, next: transactions}, raw, bus, packetOpts...)

	window := cfg.ReorderWindow
	if window == 0 {
		window = capture.DefaultReorderWindow
	}
	p.reorder = capture.NewReorderer(packets, capture.ReorderOptWindow(window), capture.ReorderOptLogger(log))

	return p
}

func orDiscard(s event.Sink) event.Sink {
	if s == nil {
		return event.Discard
	}
	return s
}

// Key returns the capture key the pipeline was created with.
func (p *Pipeline) Key() string {
	return p.key
}

// Push feeds the next chunk of capture bytes. It returns event.ErrDone once
// the end-of-stream record has been decoded.
func (p *Pipeline) Push(b []byte) error {
	p.stats.bytes.Add(int64(len(b)))
	err := p.reorder.Push(b)
	p.stats.late.Store(p.reorder.Late())
	return err
}

// Stop flushes every stage and stops all sinks exactly once. Safe to call
// more than once.
func (p *Pipeline) Stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	p.reorder.Stop()
	p.stats.late.Store(p.reorder.Late())

	var seen []event.Sink
	for _, s := range p.owned {
		if event.ContainsSink(seen, s) {
			continue
		}
		seen = append(seen, s)
		s.Stop()
	}
}

// Run reads the input until end of stream, the end-of-stream record or
// context cancellation, then stops the pipeline. Reaching the end of the
// capture is not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.Stop()
	if p.input == nil {
		return errors.New("pipeline has no input")
	}
	if c, ok := p.input.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	p.log.Info("decoding capture")
	buf := make([]byte, p.readSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := p.input.Read(buf)
		if n > 0 {
			if perr := p.Push(buf[:n]); perr != nil {
				if errors.Is(perr, event.ErrDone) {
					p.log.Info("capture complete", "bytes", p.stats.bytes.Load())
					return nil
				}
				return fmt.Errorf("decoding capture %s: %w", p.key, perr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				p.log.Info("capture input closed", "bytes", p.stats.bytes.Load())
				return nil
			}
			return fmt.Errorf("reading capture %s: %w", p.key, err)
		}
		if n == 0 {
			return nil
		}
	}
}

// Devices lists the discovered devices.
func (p *Pipeline) Devices() []*pipe.Device {
	return p.pipes.Devices()
}

// Pipes lists the discovered pipes.
func (p *Pipeline) Pipes() []*pipe.Pipe {
	return p.pipes.Pipes()
}

// Snapshot returns the current counters.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		Key:          p.key,
		UptimeMs:     time.Since(p.startTime).Milliseconds(),
		Bytes:        p.stats.bytes.Load(),
		Packets:      p.stats.packets.Load(),
		Raw:          p.stats.raw.Load(),
		Resets:       p.stats.resets.Load(),
		Frames:       p.stats.frames.Load(),
		Transactions: p.stats.transactions.Load(),
		Transfers:    p.stats.transfers.Load(),
		Errors:       p.stats.errors.Load(),
		Devices:      int(p.stats.devices.Load()),
		Pipes:        int(p.stats.pipes.Load()),
		Late:         p.stats.late.Load(),
		LastTic:      tic.Format(tic.Tic(p.stats.lastTic.Load())),
	}
}

// tee counts decoded packets and copies them to the tap.
type tee struct {
	p    *Pipeline
	next capture.PacketSink
}

func (t *tee) PushPacket(pkt *usb.Packet) error {
	t.p.stats.packets.Add(1)
	t.p.stats.lastTic.Store(uint64(pkt.Tic))
	if t.p.tap != nil {
		if err := t.p.tap.WritePacket(pkt); err != nil {
			t.p.log.Warn("packet tap failed, detaching", "error", err)
			t.p.tap = nil
		}
	}
	return t.next.PushPacket(pkt)
}

func (t *tee) PushReset(at, duration tic.Tic) error {
	return t.next.PushReset(at, duration)
}

func (t *tee) Terminate() {
	t.next.Terminate()
}

func (t *tee) Stop() {
	t.next.Stop()
}

// counter wraps a sink and counts what passes through it.
type counter struct {
	event.Sink
	p     *Pipeline
	extra *atomic.Int64
	owned bool
}

// pipeSink wraps the sink returned for a new pipe. A sink returned for
// several pipes gets one wrapper, and a sink the pipeline owns is not
// stopped through it.
func (p *Pipeline) pipeSink(s event.Sink) event.Sink {
	for _, c := range p.wrapped {
		if event.ContainsSink([]event.Sink{c.Sink}, s) {
			return c
		}
	}
	c := &counter{Sink: s, p: p, owned: event.ContainsSink(p.owned, s)}
	p.wrapped = append(p.wrapped, c)
	return c
}

func (c *counter) Stop() {
	if !c.owned {
		c.Sink.Stop()
	}
}

func (p *Pipeline) count(s event.Sink, extra *atomic.Int64) event.Sink {
	return &counter{Sink: s, p: p, extra: extra}
}

func (c *counter) Push(ev event.Event) error {
	if c.extra != nil {
		c.extra.Add(1)
	} else {
		switch ev.Kind {
		case event.KindRaw:
			c.p.stats.raw.Add(1)
		case event.KindReset:
			c.p.stats.resets.Add(1)
		case event.KindTransaction, event.KindTransactionError:
			if ev.Transaction != nil && ev.Transaction.IsSOF() {
				c.p.stats.frames.Add(1)
			} else {
				c.p.stats.transactions.Add(1)
			}
		case event.KindTransfer, event.KindTransferError:
			c.p.stats.transfers.Add(1)
		}
	}
	return c.Sink.Push(ev)
}
