package capture

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

// PacketSink consumes decoded packets and bus resets. It is implemented by
// the transaction aggregator. Terminate is called once the end-of-stream
// record is seen; the following Stop must not flush pending state.
type PacketSink interface {
	PushPacket(p *usb.Packet) error
	PushReset(at, duration tic.Tic) error
	Terminate()
	Stop()
}

// Packetiser frames an ordered capture stream. Raw spans (unframeable bytes,
// analyzer raw records and packets the codec rejects) go to the raw sink,
// bus resets to the bus sink and to the next stage, decoded packets to the
// next stage. The end-of-stream record makes Push return event.ErrDone.
//
// The raw and bus sinks are shared with the caller, which stops them.
type Packetiser struct {
	log        *slog.Logger
	next       PacketSink
	raw        event.Sink
	bus        event.Sink
	decodeOpts []usb.DecodeOption

	buf     []byte
	junk    []byte
	lastTic tic.Tic

	done    bool
	stopped bool
}

// NewPacketiser creates a Packetiser feeding next. A nil raw or bus sink
// discards those events.
func NewPacketiser(next PacketSink, raw, bus event.Sink, opts ...func(*Packetiser)) *Packetiser {
	if raw == nil {
		raw = event.Discard
	}
	if bus == nil {
		bus = event.Discard
	}
	p := &Packetiser{
		log:  slog.Default(),
		next: next,
		raw:  raw,
		bus:  bus,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "packetiser")
	return p
}

// PacketiserOptLogger sets the logger.
func PacketiserOptLogger(log *slog.Logger) func(*Packetiser) {
	return func(p *Packetiser) {
		if log != nil {
			p.log = log
		}
	}
}

// PacketiserOptSkipCRC forwards packets with a bad CRC instead of reporting
// them as raw data.
func PacketiserOptSkipCRC() func(*Packetiser) {
	return func(p *Packetiser) {
		p.decodeOpts = append(p.decodeOpts, usb.WithoutCRCCheck())
	}
}

// Push consumes the next chunk of the ordered stream.
func (p *Packetiser) Push(b []byte) error {
	if p.done || p.stopped {
		return event.ErrDone
	}
	p.buf = append(p.buf, b...)

	off := 0
	for off < len(p.buf) {
		rest := p.buf[off:]

		if !validMarker(rest[0]) {
			n := junkLen(rest)
			p.junk = append(p.junk, rest[:n]...)
			off += n
			continue
		}
		if len(rest) < headerSize {
			break
		}
		h, ok := parseHeader(rest)
		if !ok {
			n := junkLen(rest)
			p.junk = append(p.junk, rest[:n]...)
			off += n
			continue
		}
		if len(rest) < h.size() {
			break
		}
		payload := rest[headerSize:h.size()]
		off += h.size()

		if err := p.flushJunk(); err != nil {
			return p.fail(err)
		}
		if err := p.handle(h, payload); err != nil {
			return p.fail(err)
		}
	}

	p.buf = append(p.buf[:0], p.buf[off:]...)
	return nil
}

func (p *Packetiser) handle(h header, payload []byte) error {
	if h.tic > p.lastTic {
		p.lastTic = h.tic
	}

	switch h.kind {
	case RecordEnd:
		p.log.Debug("end of stream", "tic", h.tic)
		p.next.Terminate()
		return event.ErrDone

	case RecordRaw:
		return p.pushRaw(h.tic, payload, "raw capture data")

	case RecordReset:
		if len(payload) < 4 {
			return p.pushRaw(h.tic, payload, "short reset record")
		}
		d := tic.Tic(binary.LittleEndian.Uint32(payload))
		if err := p.bus.Push(event.Event{Kind: event.KindReset, Tic: h.tic, Duration: d}); err != nil {
			return err
		}
		return p.next.PushReset(h.tic, d)

	default:
		pkt, err := usb.Decode(h.tic, payload, p.decodeOpts...)
		if err != nil {
			return p.pushRaw(h.tic, payload, err.Error())
		}
		return p.next.PushPacket(pkt)
	}
}

func (p *Packetiser) pushRaw(t tic.Tic, b []byte, reason string) error {
	data := make([]byte, len(b))
	copy(data, b)
	return p.raw.Push(event.Event{Kind: event.KindRaw, Tic: t, Data: data, Reason: reason})
}

func (p *Packetiser) flushJunk() error {
	if len(p.junk) == 0 {
		return nil
	}
	junk := p.junk
	p.junk = nil
	return p.raw.Push(event.Event{Kind: event.KindRaw, Tic: p.lastTic, Data: junk, Reason: "undecodable bytes"})
}

func (p *Packetiser) fail(err error) error {
	p.done = true
	if !errors.Is(err, event.ErrDone) {
		p.log.Debug("downstream stopped", "error", err)
	}
	return err
}

// Stop reports pending undecodable bytes, drops an incomplete trailing
// record and stops the next stage. Safe to call more than once.
func (p *Packetiser) Stop() {
	if p.stopped {
		return
	}
	p.stopped = true

	if !p.done {
		if err := p.flushJunk(); err != nil {
			p.done = true
		}
		if len(p.buf) > 0 {
			p.log.Debug("discarding incomplete record at end of capture", "bytes", len(p.buf))
		}
	}
	p.buf = nil
	p.junk = nil
	p.next.Stop()
}
