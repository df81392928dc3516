package usb

import "fmt"

// PID is the 4-bit packet identifier carried in the low nibble of the first
// byte of every packet. The high nibble is its one's complement.
type PID uint8

// Packet identifiers as defined in USB 2.0 table 8-1.
const (
	PIDOut   PID = 0x1
	PIDIn    PID = 0x9
	PIDSOF   PID = 0x5
	PIDSetup PID = 0xD

	PIDData0 PID = 0x3
	PIDData1 PID = 0xB
	PIDData2 PID = 0x7
	PIDMData PID = 0xF

	PIDAck   PID = 0x2
	PIDNak   PID = 0xA
	PIDStall PID = 0xE
	PIDNyet  PID = 0x6

	// PIDPreErr is PRE when sent by the host ahead of a low-speed token and
	// ERR when used as a split-transaction handshake.
	PIDPreErr PID = 0xC
	PIDSplit  PID = 0x8
	PIDPing   PID = 0x4
)

// Kind is the broad class of a packet.
type Kind uint8

// Packet kinds.
const (
	KindUnknown Kind = iota
	KindToken
	KindData
	KindHandshake
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindData:
		return "data"
	case KindHandshake:
		return "handshake"
	case KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// Direction of a transaction relative to the host.
type Direction uint8

// Transfer directions.
const (
	DirOut Direction = iota // host to device
	DirIn                   // device to host
)

func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == DirIn {
		return DirOut
	}
	return DirIn
}

var pidNames = map[PID]string{
	PIDOut:    "OUT",
	PIDIn:     "IN",
	PIDSOF:    "SOF",
	PIDSetup:  "SETUP",
	PIDData0:  "DATA0",
	PIDData1:  "DATA1",
	PIDData2:  "DATA2",
	PIDMData:  "MDATA",
	PIDAck:    "ACK",
	PIDNak:    "NAK",
	PIDStall:  "STALL",
	PIDNyet:   "NYET",
	PIDPreErr: "PRE/ERR",
	PIDSplit:  "SPLIT",
	PIDPing:   "PING",
}

func (p PID) String() string {
	if name, ok := pidNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PID(0x%X)", uint8(p))
}

// Kind classifies the PID.
func (p PID) Kind() Kind {
	switch p {
	case PIDOut, PIDIn, PIDSOF, PIDSetup:
		return KindToken
	case PIDData0, PIDData1, PIDData2, PIDMData:
		return KindData
	case PIDAck, PIDNak, PIDStall, PIDNyet:
		return KindHandshake
	case PIDPreErr, PIDSplit, PIDPing:
		return KindSpecial
	default:
		return KindUnknown
	}
}

// IsHandshake reports whether p ends a transaction, including ERR.
func (p PID) IsHandshake() bool {
	return p.Kind() == KindHandshake || p == PIDPreErr
}

// HasTokenFields reports whether packets with this PID carry an address and
// endpoint (the token layout). PING is a special packet with a token body.
func (p PID) HasTokenFields() bool {
	switch p {
	case PIDOut, PIDIn, PIDSetup, PIDPing:
		return true
	}
	return false
}

// Direction returns the data direction implied by a token PID. PING probes
// an OUT endpoint.
func (p PID) Direction() Direction {
	if p == PIDIn {
		return DirIn
	}
	return DirOut
}

// Byte returns the on-the-wire PID byte including the check nibble.
func (p PID) Byte() byte {
	v := uint8(p) & 0x0F
	return v | (^v&0x0F)<<4
}

// ParsePID validates the check nibble of a PID byte.
func ParsePID(b byte) (PID, error) {
	pid := PID(b & 0x0F)
	if b>>4 != ^b&0x0F {
		return pid, ErrPIDCheck
	}
	if pid.Kind() == KindUnknown {
		return pid, ErrUnknownPID
	}
	return pid, nil
}
