package main

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/zsiec/usbtrace/internal/capture"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

// Gaps between packets inside a transaction and between transactions.
var (
	packetGap = tic.FromDuration(200 * time.Nanosecond)
	frameGap  = tic.FromDuration(time.Millisecond)
)

type builder struct {
	rng     *rand.Rand
	buf     []byte
	now     tic.Tic
	frame   uint16
	records int

	// late holds records written out of order by jitter.
	late []capture.Record
}

func newBuilder(rng *rand.Rand) *builder {
	return &builder{rng: rng, now: frameGap}
}

func (b *builder) record(r capture.Record) {
	b.buf = capture.AppendRecord(b.buf, r)
	b.records++
}

func (b *builder) packet(p *usb.Packet) {
	raw, err := usb.Encode(p)
	if err != nil {
		fatal("encode %s: %v", p.PID, err)
	}
	b.now += packetGap
	b.record(capture.PacketRecord(b.now, raw))
}

// corrupt writes p with one flipped CRC bit.
func (b *builder) corrupt(p *usb.Packet) {
	raw, err := usb.Encode(p)
	if err != nil {
		fatal("encode %s: %v", p.PID, err)
	}
	raw[len(raw)-1] ^= 0x01
	b.now += packetGap
	b.record(capture.PacketRecord(b.now, raw))
}

// jittered writes p after the next packet, as a capture link with two
// channels would.
func (b *builder) jittered(p *usb.Packet) {
	raw, err := usb.Encode(p)
	if err != nil {
		fatal("encode %s: %v", p.PID, err)
	}
	b.now += packetGap
	b.late = append(b.late, capture.PacketRecord(b.now, raw))
}

func (b *builder) flushLate() {
	for _, r := range b.late {
		b.record(r)
	}
	b.late = b.late[:0]
}

func (b *builder) sof() {
	b.now += frameGap
	b.frame = (b.frame + 1) & 0x7FF
	b.packet(&usb.Packet{PID: usb.PIDSOF, Frame: b.frame})
}

func (b *builder) reset() {
	b.now += frameGap
	b.record(capture.ResetRecord(b.now, tic.FromDuration(10*time.Millisecond)))
}

func (b *builder) junk(n int) {
	j := make([]byte, n)
	b.rng.Read(j)
	for i := range j {
		j[i] &= 0x7F
	}
	b.buf = append(b.buf, j...)
}

func (b *builder) finish() []byte {
	b.flushLate()
	b.now += frameGap
	b.record(capture.EndRecord(b.now))
	return b.buf
}

func (b *builder) setup(address uint8, req usb.Setup) {
	b.packet(&usb.Packet{PID: usb.PIDSetup, Address: address})
	b.packet(&usb.Packet{PID: usb.PIDData0, Data: req.Bytes()})
	b.packet(&usb.Packet{PID: usb.PIDAck})
}

func (b *builder) in(address, endpoint uint8, data []byte, toggle bool) {
	b.packet(&usb.Packet{PID: usb.PIDIn, Address: address, Endpoint: endpoint})
	b.packet(&usb.Packet{PID: dataPID(toggle), Data: data})
	b.packet(&usb.Packet{PID: usb.PIDAck})
}

func (b *builder) out(address, endpoint uint8, data []byte, toggle bool) {
	b.packet(&usb.Packet{PID: usb.PIDOut, Address: address, Endpoint: endpoint})
	b.packet(&usb.Packet{PID: dataPID(toggle), Data: data})
	b.packet(&usb.Packet{PID: usb.PIDAck})
}

func (b *builder) nak(token usb.PID, address, endpoint uint8) {
	b.packet(&usb.Packet{PID: token, Address: address, Endpoint: endpoint})
	b.packet(&usb.Packet{PID: usb.PIDNak})
}

func dataPID(toggle bool) usb.PID {
	if toggle {
		return usb.PIDData1
	}
	return usb.PIDData0
}

// controlIn performs a control read of n bytes in maxPacket chunks.
func (b *builder) controlIn(address uint8, req usb.Setup, maxPacket int) {
	b.controlRead(address, req, bytes.Repeat([]byte{byte(req.Request)}, int(req.Length)), maxPacket)
}

// controlRead performs a control read returning payload.
func (b *builder) controlRead(address uint8, req usb.Setup, payload []byte, maxPacket int) {
	b.setup(address, req)
	toggle := true
	for off := 0; off < len(payload) || off == 0; off += maxPacket {
		end := min(off+maxPacket, len(payload))
		b.in(address, 0, payload[off:end], toggle)
		toggle = !toggle
		if end == len(payload) {
			break
		}
	}
	b.out(address, 0, nil, true)
}

// keyboardConfig is the configuration descriptor of a boot keyboard with
// one interrupt IN endpoint, 8-byte reports.
var keyboardConfig = []byte{
	0x09, 0x02, 0x22, 0x00, 0x01, 0x01, 0x00, 0xA0, 0x32,
	0x09, 0x04, 0x00, 0x00, 0x01, 0x03, 0x01, 0x01, 0x00,
	0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3F, 0x00,
	0x07, 0x05, 0x81, 0x03, 0x08, 0x00, 0x0A,
}

// controlOut performs a control request without a data stage.
func (b *builder) controlOut(address uint8, req usb.Setup) {
	b.setup(address, req)
	b.in(address, 0, nil, true)
}

type scenario struct {
	key         string
	description string
	build       func(b *builder)
}

var scenarios = []scenario{
	{
		key:         "enumeration",
		description: "reset, descriptor reads, SET_ADDRESS and SET_CONFIGURATION",
		build: func(b *builder) {
			b.reset()
			b.sof()
			b.controlIn(0, usb.Setup{RequestType: 0x80, Request: usb.RequestGetDescriptor, Value: 0x0100, Length: 64}, 8)
			b.sof()
			b.controlOut(0, usb.Setup{RequestType: 0x00, Request: usb.RequestSetAddress, Value: 3})
			b.sof()
			b.controlIn(3, usb.Setup{RequestType: 0x80, Request: usb.RequestGetDescriptor, Value: 0x0100, Length: 18}, 64)
			b.controlIn(3, usb.Setup{RequestType: 0x80, Request: usb.RequestGetDescriptor, Value: 0x0200, Length: 32}, 64)
			b.sof()
			b.controlOut(3, usb.Setup{RequestType: 0x00, Request: usb.RequestSetConfiguration, Value: 1})
		},
	},
	{
		key:         "bulk",
		description: "bulk OUT and IN runs with NAK polling and short final packets",
		build: func(b *builder) {
			toggle := false
			for i := range 40 {
				b.sof()
				for range 3 {
					b.out(5, 2, bytes.Repeat([]byte{byte(i)}, 512), toggle)
					toggle = !toggle
				}
				b.out(5, 2, []byte{byte(i), 0xFF}, toggle)
				toggle = !toggle
				b.nak(usb.PIDIn, 5, 1)
				b.in(5, 1, bytes.Repeat([]byte{0x55}, 13), i%2 == 1)
			}
		},
	},
	{
		key:         "hid",
		description: "configuration read, then interrupt IN polling of a keyboard with mostly NAKs",
		build: func(b *builder) {
			b.sof()
			b.controlRead(7, usb.Setup{RequestType: 0x80, Request: usb.RequestGetDescriptor, Value: 0x0200,
				Length: uint16(len(keyboardConfig))}, keyboardConfig, 8)
			toggle := false
			for i := range 500 {
				b.sof()
				if b.rng.Intn(10) != 0 {
					b.nak(usb.PIDIn, 7, 1)
					continue
				}
				report := make([]byte, 8)
				report[2] = byte(4 + i%26)
				b.in(7, 1, report, toggle)
				toggle = !toggle
			}
		},
	},
	{
		key:         "faults",
		description: "stalls, CRC errors, junk bytes and a mid-transfer reset",
		build: func(b *builder) {
			b.sof()
			b.setup(2, usb.Setup{RequestType: 0x80, Request: usb.RequestGetDescriptor, Value: 0x0300, Length: 255})
			b.packet(&usb.Packet{PID: usb.PIDIn, Address: 2})
			b.packet(&usb.Packet{PID: usb.PIDStall})
			b.sof()
			b.corrupt(&usb.Packet{PID: usb.PIDData0, Data: []byte{1, 2, 3, 4}})
			b.junk(7)
			b.sof()
			b.out(2, 3, bytes.Repeat([]byte{9}, 64), false)
			b.reset()
			b.packet(&usb.Packet{PID: usb.PIDData1, Data: []byte{0xEE}})
			b.packet(&usb.Packet{PID: usb.PIDIn, Address: 2, Endpoint: 1})
			b.sof()
		},
	},
	{
		key:         "jitter",
		description: "bulk IN traffic with records delivered slightly out of order",
		build: func(b *builder) {
			toggle := false
			for range 100 {
				b.sof()
				b.packet(&usb.Packet{PID: usb.PIDIn, Address: 4, Endpoint: 1})
				if b.rng.Intn(4) == 0 {
					b.jittered(&usb.Packet{PID: dataPID(toggle), Data: bytes.Repeat([]byte{0xAB}, 64)})
					b.packet(&usb.Packet{PID: usb.PIDAck})
					b.flushLate()
				} else {
					b.packet(&usb.Packet{PID: dataPID(toggle), Data: bytes.Repeat([]byte{0xAB}, 64)})
					b.packet(&usb.Packet{PID: usb.PIDAck})
				}
				toggle = !toggle
			}
		},
	},
}
