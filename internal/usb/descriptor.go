package usb

import "fmt"

// Descriptor types used when walking a configuration descriptor.
const (
	DescriptorConfiguration = 0x02
	DescriptorEndpoint      = 0x05
)

// TransferType is the endpoint type from bmAttributes.
type TransferType uint8

// Endpoint transfer types.
const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("TransferType(%d)", uint8(t))
	}
}

// EndpointDescriptor is the part of an endpoint descriptor the decoder
// needs.
type EndpointDescriptor struct {
	Number    uint8
	Direction Direction
	Type      TransferType
	MaxPacket int
}

// ParseEndpoints walks a configuration descriptor set and returns its
// endpoint descriptors. A truncated tail is ignored.
func ParseEndpoints(data []byte) []EndpointDescriptor {
	var out []EndpointDescriptor
	for len(data) >= 2 {
		n := int(data[0])
		if n < 2 || n > len(data) {
			break
		}
		if data[1] == DescriptorEndpoint && n >= 7 {
			d := EndpointDescriptor{
				Number:    data[2] & 0x0F,
				Direction: DirOut,
				Type:      TransferType(data[3] & 0x03),
				MaxPacket: int(uint16(data[4])|uint16(data[5])<<8) & 0x7FF,
			}
			if data[2]&0x80 != 0 {
				d.Direction = DirIn
			}
			out = append(out, d)
		}
		data = data[n:]
	}
	return out
}

// IsConfigurationRead reports whether s requests a configuration
// descriptor from the device.
func (s Setup) IsConfigurationRead() bool {
	return s.IsStandard() && s.Request == RequestGetDescriptor &&
		s.Direction() == DirIn && uint8(s.Value>>8) == DescriptorConfiguration
}
