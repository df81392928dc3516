package usb

import "testing"

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x2D, 0x00, 0x10})
	f.Add([]byte{0xC3, 0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00, 0xE0, 0xF4})
	f.Add([]byte{0xD2})
	f.Add([]byte{0x78, 0x85, 0x83, 0x04})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(0, data) // must not panic
		if err != nil {
			return
		}
		if _, err := Encode(p); err != nil {
			t.Fatalf("Encode of decoded packet failed: %v", err)
		}
	})
}
