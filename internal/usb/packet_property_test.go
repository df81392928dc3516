package usb

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var tokenPIDs = []PID{PIDOut, PIDIn, PIDSetup, PIDPing}

var dataPIDs = []PID{PIDData0, PIDData1, PIDData2, PIDMData}

// TestTokenRoundTrip checks Encode(Decode(Encode(p))) == Encode(p) for
// every address and endpoint.
func TestTokenRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("token packets round-trip", prop.ForAll(
		func(pidIdx int, address, endpoint uint8) bool {
			in := &Packet{PID: tokenPIDs[pidIdx], Address: address, Endpoint: endpoint}
			raw, err := Encode(in)
			if err != nil {
				return false
			}
			out, err := Decode(0, raw)
			if err != nil {
				return false
			}
			again, err := Encode(out)
			if err != nil {
				return false
			}
			return out.Address == address && out.Endpoint == endpoint && bytes.Equal(raw, again)
		},
		gen.IntRange(0, len(tokenPIDs)-1),
		gen.UInt8Range(0, 127),
		gen.UInt8Range(0, 15),
	))

	properties.Property("SOF packets round-trip", prop.ForAll(
		func(frame uint16) bool {
			raw, err := Encode(&Packet{PID: PIDSOF, Frame: frame})
			if err != nil {
				return false
			}
			out, err := Decode(0, raw)
			return err == nil && out.Frame == frame
		},
		gen.UInt16Range(0, 0x7FF),
	))

	properties.TestingRun(t)
}

func TestDataRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("data packets round-trip", prop.ForAll(
		func(pidIdx int, payload []uint8) bool {
			raw, err := Encode(&Packet{PID: dataPIDs[pidIdx], Data: payload})
			if err != nil {
				return false
			}
			out, err := Decode(0, raw)
			if err != nil {
				return false
			}
			again, err := Encode(out)
			if err != nil {
				return false
			}
			return bytes.Equal(out.Data, payload) && bytes.Equal(raw, again)
		},
		gen.IntRange(0, len(dataPIDs)-1),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestCorruptionDetected flips one bit after the PID byte and expects the
// CRC check to reject the packet.
func TestCorruptionDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("single bit errors in data packets are flagged", prop.ForAll(
		func(payload []uint8, bit int) bool {
			raw, err := Encode(&Packet{PID: PIDData0, Data: payload})
			if err != nil {
				return false
			}
			body := (len(raw) - 1) * 8
			bit %= body
			raw[1+bit/8] ^= 1 << (bit % 8)
			_, err = Decode(0, raw)
			return errors.Is(err, ErrCRC)
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 1<<20),
	))

	properties.Property("single bit errors in tokens are flagged", prop.ForAll(
		func(address, endpoint uint8, bit int) bool {
			raw, err := Encode(&Packet{PID: PIDIn, Address: address, Endpoint: endpoint})
			if err != nil {
				return false
			}
			raw[1+bit/8] ^= 1 << (bit % 8)
			_, err = Decode(0, raw)
			return errors.Is(err, ErrCRC)
		},
		gen.UInt8Range(0, 127),
		gen.UInt8Range(0, 15),
		gen.IntRange(0, 15),
	))

	properties.TestingRun(t)
}
