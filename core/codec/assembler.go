package codec

import "encoding/binary"

// Assembler extracts complete OSDP packets from a raw byte stream. It
// tolerates mark bytes and line noise between packets by scanning
// forward to the next SOM. Corrupt-looking length fields cause a single
// byte to be discarded so a real packet boundary can be found again.
//
// Feed bytes as they arrive, then call Next until it returns nil.
type Assembler struct {
	buf []byte
}

// Feed appends raw bytes read from the transport.
func (a *Assembler) Feed(p []byte) {
	a.buf = append(a.buf, p...)
}

// Next returns the raw bytes of the next complete packet, or nil if the
// buffer does not yet hold one. The returned slice is owned by the
// caller; the assembler's buffer advances past it.
func (a *Assembler) Next() []byte {
	for {
		// Skip to the next SOM.
		start := 0
		for start < len(a.buf) && a.buf[start] != SOM {
			start++
		}
		a.buf = a.buf[start:]

		if len(a.buf) < HeaderSize {
			return nil // need more bytes for the header
		}

		length := int(binary.LittleEndian.Uint16(a.buf[2:4]))
		if length < HeaderSize+2 || length > MaxPacketSize {
			// Not a plausible packet boundary; resync one byte forward.
			a.buf = a.buf[1:]
			continue
		}
		if len(a.buf) < length {
			return nil
		}

		pkt := make([]byte, length)
		copy(pkt, a.buf[:length])
		a.buf = a.buf[length:]
		return pkt
	}
}

// Reset discards any partially assembled input.
func (a *Assembler) Reset() {
	a.buf = nil
}

// Pending returns the number of buffered bytes awaiting assembly.
func (a *Assembler) Pending() int {
	return len(a.buf)
}
