package codec

import "testing"

func TestCRC16KnownVectors(t *testing.T) {
	// CRC-16/AUG-CCITT check value for "123456789".
	if got := CRC16([]byte("123456789")); got != 0xE5CC {
		t.Errorf("CRC16(check string) = %04x, want e5cc", got)
	}
	if got := CRC16(nil); got != 0x1D0F {
		t.Errorf("CRC16(empty) = %04x, want 1d0f (init value)", got)
	}
}

func TestChecksum8SumsToZero(t *testing.T) {
	data := []byte{0x53, 0x00, 0x08, 0x00, 0x04, 0x60, 0x13}
	sum := Checksum8(data)

	var total uint8
	for _, b := range data {
		total += b
	}
	if total+sum != 0 {
		t.Errorf("data + checksum = %02x, want 0", total+sum)
	}
}
