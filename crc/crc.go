// Package crc is Dallas/Maxim CRC-8 of 1-Wire ROM codes and scratchpads.
package crc

// x^8 + x^5 + x^4 + 1, LSB first
const CRC_POLY_8C byte = 0x8c

func CRC8_p8c(crc, data byte) byte {
	crc ^= data
	var i byte = 0
	for ; i < 8; i++ {
		if (crc & 0x01) != 0 {
			crc >>= 1
			crc ^= CRC_POLY_8C
		} else {
			crc >>= 1
		}
	}
	return crc
}

func CRC8_p8c_n(crc byte, data []byte) byte {
	for _, b := range data {
		crc = CRC8_p8c(crc, b)
	}
	return crc
}

// ValidROM checks 64-bit ROM code as read by Linux w1 and periph:
// family code in low byte, CRC of the 7 lower bytes in high byte.
func ValidROM(rom uint64) bool {
	var bs [8]byte
	for i := range bs {
		bs[i] = byte(rom >> (8 * uint(i)))
	}
	return rom != 0 && CRC8_p8c_n(0, bs[:7]) == bs[7]
}
