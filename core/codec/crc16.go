package codec

// crc16Table is the lookup table for the CRC-16/AUG-CCITT variant OSDP
// mandates (poly 0x1021, init 0x1D0F, no reflection).
var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 computes the OSDP packet CRC over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0x1D0F)
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// Checksum8 computes the OSDP 8-bit checksum: the two's complement of
// the byte sum, so that summing data plus the checksum yields zero.
func Checksum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return uint8(-int8(sum))
}
