package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

const (
	headerSize  = 10
	markerMagic = 0xA0

	// MaxRecordPayload bounds the payload length field: a maximum-size
	// data packet plus its PID and CRC16.
	MaxRecordPayload = usb.MaxDataPayload + 3

	maxTic = 1<<48 - 1
)

// RecordKind identifies the content of a capture record.
type RecordKind uint8

// Record kinds.
const (
	RecordPacket RecordKind = iota
	RecordRaw
	RecordReset
	RecordEnd
)

func (k RecordKind) String() string {
	switch k {
	case RecordPacket:
		return "packet"
	case RecordRaw:
		return "raw"
	case RecordReset:
		return "reset"
	case RecordEnd:
		return "end"
	default:
		return fmt.Sprintf("RecordKind(%d)", uint8(k))
	}
}

// Record is one framed unit of the capture stream.
type Record struct {
	Kind    RecordKind
	Channel uint8
	Tic     tic.Tic
	Payload []byte
}

type header struct {
	kind    RecordKind
	channel uint8
	length  int
	tic     tic.Tic
}

func (h header) size() int {
	return headerSize + h.length
}

// validMarker reports whether b can start a record.
func validMarker(b byte) bool {
	return b&0xF0 == markerMagic && RecordKind(b&0x0F) <= RecordEnd
}

// parseHeader decodes a record header. b must hold at least headerSize bytes.
func parseHeader(b []byte) (header, bool) {
	if !validMarker(b[0]) {
		return header{}, false
	}
	h := header{
		kind:    RecordKind(b[0] & 0x0F),
		channel: b[1],
		length:  int(binary.LittleEndian.Uint16(b[2:4])),
	}
	if h.length > MaxRecordPayload {
		return header{}, false
	}
	if h.kind == RecordEnd && h.length != 0 {
		return header{}, false
	}
	var t [8]byte
	copy(t[:6], b[4:10])
	h.tic = tic.Tic(binary.LittleEndian.Uint64(t[:]))
	return h, true
}

// ParseRecord decodes the record at the start of b and returns it with its
// encoded size. ok is false when b does not start with a complete record.
// The payload aliases b.
func ParseRecord(b []byte) (r Record, size int, ok bool) {
	if len(b) < headerSize {
		return Record{}, 0, false
	}
	h, ok := parseHeader(b)
	if !ok || len(b) < h.size() {
		return Record{}, 0, false
	}
	return Record{
		Kind:    h.kind,
		Channel: h.channel,
		Tic:     h.tic,
		Payload: b[headerSize:h.size()],
	}, h.size(), true
}

// junkLen returns how many leading bytes of b cannot start a record. The
// first byte is always counted.
func junkLen(b []byte) int {
	for i := 1; i < len(b); i++ {
		if validMarker(b[i]) {
			return i
		}
	}
	return len(b)
}

// AppendRecord appends the wire form of r to dst. Tics are truncated to
// 48 bits.
func AppendRecord(dst []byte, r Record) []byte {
	var h [headerSize]byte
	h[0] = markerMagic | byte(r.Kind)&0x0F
	h[1] = r.Channel
	binary.LittleEndian.PutUint16(h[2:4], uint16(len(r.Payload)))
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], uint64(r.Tic)&maxTic)
	copy(h[4:10], t[:6])
	dst = append(dst, h[:]...)
	return append(dst, r.Payload...)
}

// PacketRecord builds a packet record from an encoded USB packet.
func PacketRecord(t tic.Tic, raw []byte) Record {
	return Record{Kind: RecordPacket, Tic: t, Payload: raw}
}

// ResetRecord builds a bus reset record lasting d tics.
func ResetRecord(t, d tic.Tic) Record {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(d))
	return Record{Kind: RecordReset, Tic: t, Payload: payload}
}

// EndRecord builds the end-of-stream sentinel.
func EndRecord(t tic.Tic) Record {
	return Record{Kind: RecordEnd, Tic: t}
}
