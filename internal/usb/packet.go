package usb

import (
	"fmt"

	"github.com/zsiec/usbtrace/internal/tic"
)

// MaxDataPayload is the largest data packet payload (high-speed isochronous).
const MaxDataPayload = 1024

// Packet is one decoded link-layer packet. Which fields are meaningful
// depends on the PID kind: Address and Endpoint for tokens and PING, Frame
// for SOF, Data for data packets, Split for SPLIT.
type Packet struct {
	PID      PID
	Tic      tic.Tic
	Address  uint8
	Endpoint uint8
	Frame    uint16
	Data     []byte
	CRC      uint16
	Split    *Split
	Raw      []byte
}

// Split holds the fields of a SPLIT special token.
type Split struct {
	HubAddress   uint8
	Complete     bool // CSPLIT when set, SSPLIT otherwise
	Port         uint8
	Start        bool
	End          bool
	EndpointType uint8
}

// Kind is shorthand for p.PID.Kind().
func (p *Packet) Kind() Kind {
	return p.PID.Kind()
}

func (p *Packet) String() string {
	switch {
	case p.PID == PIDSOF:
		return fmt.Sprintf("SOF %d", p.Frame)
	case p.PID.HasTokenFields():
		return fmt.Sprintf("%s %d.%d", p.PID, p.Address, p.Endpoint)
	case p.Kind() == KindData:
		return fmt.Sprintf("%s (%d bytes)", p.PID, len(p.Data))
	case p.Split != nil:
		kind := "SSPLIT"
		if p.Split.Complete {
			kind = "CSPLIT"
		}
		return fmt.Sprintf("%s hub %d port %d", kind, p.Split.HubAddress, p.Split.Port)
	default:
		return p.PID.String()
	}
}

type decodeConfig struct {
	checkCRC bool
}

// DecodeOption configures Decode.
type DecodeOption func(*decodeConfig)

// WithoutCRCCheck accepts packets whose CRC field does not match. The field
// is still decoded into Packet.CRC.
func WithoutCRCCheck() DecodeOption {
	return func(c *decodeConfig) {
		c.checkCRC = false
	}
}

// Decode parses one packet captured at t. The returned packet owns a copy of
// b. Errors are *DecodeError values wrapping one of the package sentinels.
func Decode(t tic.Tic, b []byte, opts ...DecodeOption) (*Packet, error) {
	cfg := decodeConfig{checkCRC: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(b) == 0 {
		return nil, &DecodeError{Err: ErrTruncated}
	}
	pid, err := ParsePID(b[0])
	if err != nil {
		return nil, &DecodeError{PID: pid, Length: len(b), Err: err}
	}

	raw := make([]byte, len(b))
	copy(raw, b)
	p := &Packet{PID: pid, Tic: t, Raw: raw}

	fail := func(err error) (*Packet, error) {
		return nil, &DecodeError{PID: pid, Length: len(b), Err: err}
	}

	switch {
	case pid == PIDSplit:
		if len(b) < 4 {
			return fail(ErrTruncated)
		}
		if len(b) > 4 {
			return fail(ErrLength)
		}
		v := uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3]&0x07)<<16
		p.CRC = uint16(b[3] >> 3)
		if cfg.checkCRC && crc5(v, 19) != uint8(p.CRC) {
			return fail(ErrCRC)
		}
		p.Split = &Split{
			HubAddress:   b[1] & 0x7F,
			Complete:     b[1]&0x80 != 0,
			Port:         b[2] & 0x7F,
			Start:        b[2]&0x80 != 0,
			End:          b[3]&0x01 != 0,
			EndpointType: b[3] >> 1 & 0x03,
		}

	case pid == PIDSOF || pid.HasTokenFields():
		if len(b) < 3 {
			return fail(ErrTruncated)
		}
		if len(b) > 3 {
			return fail(ErrLength)
		}
		v := uint32(b[1]) | uint32(b[2]&0x07)<<8
		p.CRC = uint16(b[2] >> 3)
		if cfg.checkCRC && crc5(v, 11) != uint8(p.CRC) {
			return fail(ErrCRC)
		}
		if pid == PIDSOF {
			p.Frame = uint16(v)
		} else {
			p.Address = uint8(v & 0x7F)
			p.Endpoint = uint8(v >> 7)
		}

	case pid.Kind() == KindData:
		if len(b) < 3 {
			return fail(ErrTruncated)
		}
		if len(b)-3 > MaxDataPayload {
			return fail(ErrLength)
		}
		payload := raw[1 : len(raw)-2]
		p.CRC = uint16(b[len(b)-2]) | uint16(b[len(b)-1])<<8
		if cfg.checkCRC && crc16(payload) != p.CRC {
			return fail(ErrCRC)
		}
		p.Data = payload

	default:
		// Handshakes and PRE/ERR are a lone PID byte.
		if len(b) != 1 {
			return fail(ErrLength)
		}
	}

	return p, nil
}

// Encode serializes p, computing its CRC field. It is the inverse of Decode
// for every packet Decode accepts with CRC checking enabled.
func Encode(p *Packet) ([]byte, error) {
	switch kind := p.PID.Kind(); {
	case kind == KindUnknown:
		return nil, fmt.Errorf("usb: encode: %w", ErrUnknownPID)

	case p.PID == PIDSplit:
		if p.Split == nil {
			return nil, fmt.Errorf("usb: encode SPLIT: missing split fields")
		}
		s := p.Split
		v := uint32(s.HubAddress&0x7F) |
			boolBit(s.Complete)<<7 |
			uint32(s.Port&0x7F)<<8 |
			boolBit(s.Start)<<15 |
			boolBit(s.End)<<16 |
			uint32(s.EndpointType&0x03)<<17
		crc := crc5(v, 19)
		return []byte{p.PID.Byte(), byte(v), byte(v >> 8), byte(v>>16)&0x07 | crc<<3}, nil

	case p.PID == PIDSOF || p.PID.HasTokenFields():
		var v uint32
		if p.PID == PIDSOF {
			v = uint32(p.Frame & 0x7FF)
		} else {
			v = uint32(p.Address&0x7F) | uint32(p.Endpoint&0x0F)<<7
		}
		crc := crc5(v, 11)
		return []byte{p.PID.Byte(), byte(v), byte(v>>8)&0x07 | crc<<3}, nil

	case kind == KindData:
		if len(p.Data) > MaxDataPayload {
			return nil, fmt.Errorf("usb: encode %s: %w", p.PID, ErrLength)
		}
		out := make([]byte, 0, len(p.Data)+3)
		out = append(out, p.PID.Byte())
		out = append(out, p.Data...)
		crc := crc16(p.Data)
		return append(out, byte(crc), byte(crc>>8)), nil

	default:
		return []byte{p.PID.Byte()}, nil
	}
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
