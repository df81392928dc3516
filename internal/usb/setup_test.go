package usb

import (
	"bytes"
	"testing"
)

func TestParseSetup(t *testing.T) {
	t.Parallel()
	raw := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	s, ok := ParseSetup(raw)
	if !ok {
		t.Fatal("ParseSetup returned false")
	}
	if s.Direction() != DirIn {
		t.Errorf("Direction = %s, want IN", s.Direction())
	}
	if s.Request != RequestGetDescriptor || s.Value != 0x0100 || s.Length != 18 {
		t.Errorf("unexpected setup %+v", s)
	}
	if got, want := s.String(), "GET_DESCRIPTOR Device index=0 len=18"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !bytes.Equal(s.Bytes(), raw) {
		t.Errorf("Bytes() = %x, want %x", s.Bytes(), raw)
	}
}

func TestParseSetupLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x80, 0x06}},
		{"seven bytes", []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12}},
		{"nine bytes", []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00, 0xFF}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := ParseSetup(tc.data); ok {
				t.Errorf("ParseSetup accepted %d bytes", len(tc.data))
			}
		})
	}
}

func TestSetupNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup Setup
		want  string
	}{
		{Setup{RequestType: 0x00, Request: RequestSetAddress, Value: 7}, "SET_ADDRESS 7"},
		{Setup{RequestType: 0x21, Request: 0x0A}, "CLASS_REQUEST(0x0A) value=0x0000 index=0x0000 len=0"},
		{Setup{RequestType: 0xC0, Request: 0x01, Length: 4}, "VENDOR_REQUEST(0x01) value=0x0000 index=0x0000 len=4"},
	}
	for _, tc := range tests {
		if got := tc.setup.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
