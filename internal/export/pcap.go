// Package export writes decoded packets to capture files readable by
// Wireshark.
package export

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"github.com/zsiec/usbtrace/internal/usb"
)

// LinkTypeUSB20 is LINKTYPE_USB_2_0: raw USB 2.0 packets starting at the
// PID byte.
const LinkTypeUSB20 = 288

const (
	pcapMagicNanos = 0xA1B23C4D
	snapLen        = usb.MaxDataPayload + 3
)

// PcapWriter writes packets as a nanosecond-resolution pcap file. Packet
// times are the capture start plus the packet tic.
type PcapWriter struct {
	w     *pcapgo.Writer
	start time.Time
	count int
}

// NewPcapWriter writes the file header to w and returns a writer for the
// packet records. Packet timestamps are offset from start.
func NewPcapWriter(w io.Writer, start time.Time) (*PcapWriter, error) {
	// layers.LinkType is a uint8, too narrow for LINKTYPE_USB_2_0, so
	// the file header is written here and pcapgo frames the records.
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagicNanos)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeUSB20)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapWriter{w: pcapgo.NewWriterNanos(w), start: start}, nil
}

// WritePacket appends one packet. Packets without their wire bytes are
// re-encoded.
func (p *PcapWriter) WritePacket(pkt *usb.Packet) error {
	raw := pkt.Raw
	if len(raw) == 0 {
		var err error
		raw, err = usb.Encode(pkt)
		if err != nil {
			return fmt.Errorf("encode %s packet: %w", pkt.PID, err)
		}
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     p.start.Add(pkt.Tic.Duration()),
		CaptureLength: len(raw),
		Length:        len(raw),
	}
	if err := p.w.WritePacket(ci, raw); err != nil {
		return fmt.Errorf("write pcap record: %w", err)
	}
	p.count++
	return nil
}

// Count returns the number of packets written.
func (p *PcapWriter) Count() int {
	return p.count
}
