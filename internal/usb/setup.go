package usb

import "fmt"

// SetupSize is the length of a SETUP data stage payload.
const SetupSize = 8

// Setup is the decoded payload of a control transfer SETUP stage.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes an 8-byte SETUP payload. It returns false if data is
// any other length.
func ParseSetup(data []byte) (Setup, bool) {
	var s Setup
	if len(data) != SetupSize {
		return s, false
	}
	s.RequestType = data[0]
	s.Request = data[1]
	s.Value = uint16(data[2]) | uint16(data[3])<<8
	s.Index = uint16(data[4]) | uint16(data[5])<<8
	s.Length = uint16(data[6]) | uint16(data[7])<<8
	return s, true
}

// Bytes returns the wire representation of s.
func (s Setup) Bytes() []byte {
	return []byte{
		s.RequestType, s.Request,
		byte(s.Value), byte(s.Value >> 8),
		byte(s.Index), byte(s.Index >> 8),
		byte(s.Length), byte(s.Length >> 8),
	}
}

// Direction returns the direction of the data stage.
func (s Setup) Direction() Direction {
	if s.RequestType&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

// IsStandard reports whether the request type field selects a standard
// (chapter 9) request.
func (s Setup) IsStandard() bool {
	return s.RequestType>>5&0x03 == 0
}

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

var requestNames = map[uint8]string{
	RequestGetStatus:        "GET_STATUS",
	RequestClearFeature:     "CLEAR_FEATURE",
	RequestSetFeature:       "SET_FEATURE",
	RequestSetAddress:       "SET_ADDRESS",
	RequestGetDescriptor:    "GET_DESCRIPTOR",
	RequestSetDescriptor:    "SET_DESCRIPTOR",
	RequestGetConfiguration: "GET_CONFIGURATION",
	RequestSetConfiguration: "SET_CONFIGURATION",
	RequestGetInterface:     "GET_INTERFACE",
	RequestSetInterface:     "SET_INTERFACE",
	RequestSynchFrame:       "SYNCH_FRAME",
}

var descriptorNames = map[uint8]string{
	0x01: "Device",
	0x02: "Configuration",
	0x03: "String",
	0x04: "Interface",
	0x05: "Endpoint",
	0x06: "DeviceQualifier",
	0x07: "OtherSpeedConfiguration",
	0x08: "InterfacePower",
	0x0B: "InterfaceAssociation",
	0x21: "HID",
	0x22: "Report",
	0x29: "Hub",
}

// Name returns the standard request name, or a generic label for class and
// vendor requests.
func (s Setup) Name() string {
	if s.IsStandard() {
		if name, ok := requestNames[s.Request]; ok {
			return name
		}
	}
	switch s.RequestType >> 5 & 0x03 {
	case 1:
		return fmt.Sprintf("CLASS_REQUEST(0x%02X)", s.Request)
	case 2:
		return fmt.Sprintf("VENDOR_REQUEST(0x%02X)", s.Request)
	default:
		return fmt.Sprintf("REQUEST(0x%02X)", s.Request)
	}
}

func (s Setup) String() string {
	if s.IsStandard() && (s.Request == RequestGetDescriptor || s.Request == RequestSetDescriptor) {
		desc, ok := descriptorNames[uint8(s.Value>>8)]
		if !ok {
			desc = fmt.Sprintf("0x%02X", uint8(s.Value>>8))
		}
		return fmt.Sprintf("%s %s index=%d len=%d", s.Name(), desc, uint8(s.Value), s.Length)
	}
	if s.IsStandard() && s.Request == RequestSetAddress {
		return fmt.Sprintf("%s %d", s.Name(), s.Value)
	}
	return fmt.Sprintf("%s value=0x%04X index=0x%04X len=%d", s.Name(), s.Value, s.Index, s.Length)
}
