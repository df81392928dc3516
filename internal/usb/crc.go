package usb

// crc5 computes the USB token CRC (x^5 + x^2 + 1) over the low nbits of v,
// processed LSB first. The result is already bit-ordered for placement in
// the top five bits of the final packet byte.
func crc5(v uint32, nbits int) uint8 {
	crc := uint8(0x1F)
	for i := 0; i < nbits; i++ {
		bit := uint8(v>>i) & 1
		if (crc&1)^bit != 0 {
			crc = crc>>1 ^ 0x14
		} else {
			crc >>= 1
		}
	}
	return ^crc & 0x1F
}

// CRC-16 with polynomial x^16 + x^15 + x^2 + 1, reflected.
var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crc16Table[i] = crc
	}
}

// crc16 computes the USB data packet CRC, transmitted low byte first.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[byte(crc)^b]
	}
	return ^crc
}
