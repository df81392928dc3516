// Package relay forwards hook payloads between hosts over QUIC. Each
// stream carries a sequence of frames: a QUIC variable-length integer
// holding the body size, then a CBOR-encoded Record.
package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go/quicvarint"
)

// NextProto is the ALPN protocol negotiated by relay peers.
const NextProto = "usbtrace-relay"

// MaxRecordSize bounds the encoded size of one record.
const MaxRecordSize = 1 << 20

// ErrRecordTooLarge is returned when a frame announces a body larger than
// MaxRecordSize.
var ErrRecordTooLarge = errors.New("relay record too large")

// Record is one hook payload.
type Record struct {
	Capture  string `cbor:"1,keyasint,omitempty"`
	Tic      uint64 `cbor:"2,keyasint"`
	Name     string `cbor:"3,keyasint"`
	Address  uint8  `cbor:"4,keyasint"`
	Endpoint uint8  `cbor:"5,keyasint"`
	Data     []byte `cbor:"6,keyasint"`
}

// AppendFrame appends the framed encoding of r to b.
func AppendFrame(b []byte, r Record) ([]byte, error) {
	body, err := cbor.Marshal(r)
	if err != nil {
		return b, fmt.Errorf("encode relay record: %w", err)
	}
	if len(body) > MaxRecordSize {
		return b, ErrRecordTooLarge
	}
	b = quicvarint.Append(b, uint64(len(body)))
	return append(b, body...), nil
}

// WriteFrame writes one framed record to w.
func WriteFrame(w io.Writer, r Record) error {
	frame, err := AppendFrame(nil, r)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one framed record. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when the stream ends inside a frame.
func ReadFrame(r quicvarint.Reader) (Record, error) {
	var rec Record
	n, err := quicvarint.Read(r)
	if err != nil {
		return rec, err
	}
	if n > MaxRecordSize {
		return rec, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return rec, err
	}
	if err := cbor.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("decode relay record: %w", err)
	}
	return rec, nil
}
