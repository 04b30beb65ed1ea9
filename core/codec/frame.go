// Package codec implements the OSDP packet layer: byte-exact frame
// encoding and decoding, checksum/CRC validation, and the typed
// command/reply payload tables.
//
// A packet on the wire is laid out as:
//
//	[MARK 0xFF]* [SOM 0x53] [ADDR] [LEN_LSB] [LEN_MSB] [CTRL]
//	[SCB: len type data...]? [CODE] [PAYLOAD...] [MAC 4B]? [CKSUM | CRC16]
//
// LEN counts every byte from SOM through the trailing check bytes. The
// codec is a pure transform: it never touches a transport and validates
// the check bytes before exposing any payload.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SOM is the start-of-message byte every OSDP packet begins with.
	SOM = 0x53

	// Mark is the optional line-idle byte that may precede SOM.
	Mark = 0xFF

	// HeaderSize covers SOM, address, the two length bytes and control.
	HeaderSize = 5

	// MaxPacketSize bounds a single OSDP packet. Larger length fields are
	// treated as line noise.
	MaxPacketSize = 512

	// MACSize is the truncated per-message MAC carried by secured packets.
	MACSize = 4

	// Control byte bits.
	CtrlSeqMask byte = 0x03 // 2-bit sequence number
	CtrlCRC16   byte = 0x04 // set: CRC-16 trailer, clear: 8-bit checksum
	CtrlHasSCB  byte = 0x08 // set: security control block present

	// ReplyAddrFlag is set in the address byte of PD-to-CP packets.
	ReplyAddrFlag = 0x80
)

// Security control block types (SCS).
const (
	SCS11 uint8 = 0x11 // CP challenge (CHLNG)
	SCS12 uint8 = 0x12 // PD challenge response (CCRYPT)
	SCS13 uint8 = 0x13 // CP cryptogram (SCRYPT)
	SCS14 uint8 = 0x14 // PD initial R-MAC (RMAC_I)
	SCS15 uint8 = 0x15 // command, MAC only
	SCS16 uint8 = 0x16 // reply, MAC only
	SCS17 uint8 = 0x17 // command, encrypted + MAC
	SCS18 uint8 = 0x18 // reply, encrypted + MAC
)

// Key reference values carried in SCS_11..SCS_13 blocks.
const (
	KeyRefSCBKD uint8 = 0 // default key (install mode only)
	KeyRefSCBK  uint8 = 1
)

var (
	ErrTruncated        = errors.New("packet truncated")
	ErrInvalidSOM       = errors.New("invalid start of message")
	ErrPacketTooLarge   = errors.New("packet length exceeds maximum")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrUnknownCode      = errors.New("unknown command/reply code")
	ErrInvalidSecBlock  = errors.New("invalid security control block")
	ErrIncomplete       = errors.New("incomplete packet")
	ErrPayloadTooShort  = errors.New("payload too short")
)

// Frame is one OSDP wire unit carrying a command or reply. It is
// transient: built per transmission and discarded after use.
type Frame struct {
	// Address is the 7-bit PD address.
	Address uint8
	// IsReply is true for PD-to-CP packets (address bit 7).
	IsReply bool
	// Sequence is the 2-bit packet sequence number.
	Sequence uint8
	// UseCRC selects the CRC-16 trailer instead of the 8-bit checksum.
	UseCRC bool

	// SCBType is the security block type (SCS_11..SCS_18), or 0 when the
	// packet carries no security block.
	SCBType uint8
	// SCBData is the security block payload (key reference byte for the
	// handshake blocks, empty for SCS_15..18).
	SCBData []byte

	// Code is the command or reply code.
	Code uint8
	// Payload is the data following the code byte. For SCS_17/18 packets
	// this is ciphertext until the secure channel layer decrypts it.
	Payload []byte

	// MAC is the 4-byte truncated message MAC for SCS_15..18 packets.
	MAC []byte
}

// HasSCB returns true if the frame carries a security control block.
func (f *Frame) HasSCB() bool { return f.SCBType != 0 }

// IsSecured returns true for frames MACed under an active secure
// channel (SCS_15..SCS_18).
func (f *Frame) IsSecured() bool { return f.SCBType >= SCS15 && f.SCBType <= SCS18 }

// IsEncrypted returns true for frames whose payload is encrypted.
func (f *Frame) IsEncrypted() bool { return f.SCBType == SCS17 || f.SCBType == SCS18 }

// Length returns the encoded size of the frame in bytes.
func (f *Frame) Length() int {
	n := HeaderSize + 1 + len(f.Payload) // header + code
	if f.HasSCB() {
		n += 2 + len(f.SCBData)
	}
	if f.IsSecured() {
		n += MACSize
	}
	if f.UseCRC {
		n += 2
	} else {
		n++
	}
	return n
}

// macOffset returns the offset where the MAC (or check bytes, for
// unsecured frames) begin in the encoded packet.
func (f *Frame) macOffset() int {
	n := HeaderSize + 1 + len(f.Payload)
	if f.HasSCB() {
		n += 2 + len(f.SCBData)
	}
	return n
}

// Encode serializes the frame. For secured frames the caller must have
// set MAC already (the secure channel layer computes it over the header
// and payload bytes returned by EncodeForMAC).
func (f *Frame) Encode() ([]byte, error) {
	total := f.Length()
	if total > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, total)
	}
	if f.IsSecured() && len(f.MAC) != MACSize {
		return nil, fmt.Errorf("%w: secured frame missing MAC", ErrInvalidSecBlock)
	}

	buf := make([]byte, 0, total)
	buf = f.appendThroughPayload(buf, total)

	if f.IsSecured() {
		buf = append(buf, f.MAC...)
	}

	if f.UseCRC {
		crc := CRC16(buf)
		buf = append(buf, byte(crc), byte(crc>>8))
	} else {
		buf = append(buf, Checksum8(buf))
	}
	return buf, nil
}

// EncodeForMAC returns the packet bytes the message MAC is computed
// over: everything from SOM through the payload, with the final length
// field already accounting for MAC and check bytes.
func (f *Frame) EncodeForMAC() []byte {
	total := f.Length()
	buf := make([]byte, 0, total)
	return f.appendThroughPayload(buf, total)
}

func (f *Frame) appendThroughPayload(buf []byte, total int) []byte {
	addr := f.Address & 0x7F
	if f.IsReply {
		addr |= ReplyAddrFlag
	}
	ctrl := f.Sequence & CtrlSeqMask
	if f.UseCRC {
		ctrl |= CtrlCRC16
	}
	if f.HasSCB() {
		ctrl |= CtrlHasSCB
	}

	buf = append(buf, SOM, addr, byte(total), byte(total>>8), ctrl)
	if f.HasSCB() {
		buf = append(buf, byte(2+len(f.SCBData)), f.SCBType)
		buf = append(buf, f.SCBData...)
	}
	buf = append(buf, f.Code)
	buf = append(buf, f.Payload...)
	return buf
}

// Decode parses a complete packet. The check bytes are validated before
// any field is exposed; data must contain exactly one packet starting at
// the SOM (the Assembler strips mark bytes and noise).
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+2 {
		return nil, ErrTruncated
	}
	if data[0] != SOM {
		return nil, ErrInvalidSOM
	}

	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if length > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, length)
	}
	if length > len(data) {
		return nil, ErrTruncated
	}
	data = data[:length]

	ctrl := data[4]
	f := &Frame{
		Address:  data[1] & 0x7F,
		IsReply:  data[1]&ReplyAddrFlag != 0,
		Sequence: ctrl & CtrlSeqMask,
		UseCRC:   ctrl&CtrlCRC16 != 0,
	}

	// Validate trailer before touching anything else.
	var trailerLen int
	if f.UseCRC {
		trailerLen = 2
		if length < HeaderSize+3 {
			return nil, ErrTruncated
		}
		got := uint16(data[length-2]) | uint16(data[length-1])<<8
		if want := CRC16(data[:length-2]); got != want {
			return nil, fmt.Errorf("%w: want %04x, got %04x", ErrChecksumMismatch, want, got)
		}
	} else {
		trailerLen = 1
		got := data[length-1]
		if want := Checksum8(data[:length-1]); got != want {
			return nil, fmt.Errorf("%w: want %02x, got %02x", ErrChecksumMismatch, want, got)
		}
	}

	pos := HeaderSize
	if ctrl&CtrlHasSCB != 0 {
		if pos+2 > length-trailerLen {
			return nil, ErrTruncated
		}
		scbLen := int(data[pos])
		if scbLen < 2 || pos+scbLen > length-trailerLen {
			return nil, fmt.Errorf("%w: length %d", ErrInvalidSecBlock, scbLen)
		}
		f.SCBType = data[pos+1]
		if f.SCBType < SCS11 || f.SCBType > SCS18 {
			return nil, fmt.Errorf("%w: type %02x", ErrInvalidSecBlock, f.SCBType)
		}
		if scbLen > 2 {
			f.SCBData = make([]byte, scbLen-2)
			copy(f.SCBData, data[pos+2:pos+scbLen])
		}
		pos += scbLen
	}

	end := length - trailerLen
	if f.IsSecured() {
		end -= MACSize
		if end < pos {
			return nil, ErrTruncated
		}
		f.MAC = make([]byte, MACSize)
		copy(f.MAC, data[end:end+MACSize])
	}

	if pos >= end {
		return nil, ErrTruncated
	}
	f.Code = data[pos]
	pos++

	if !validCode(f.Code, f.IsReply) {
		return nil, fmt.Errorf("%w: %02x", ErrUnknownCode, f.Code)
	}

	f.Payload = make([]byte, end-pos)
	copy(f.Payload, data[pos:end])
	return f, nil
}

// MACInput returns the bytes the message MAC covers for a received
// packet: SOM through the payload, excluding MAC and check bytes.
func MACInput(data []byte) ([]byte, error) {
	if len(data) < HeaderSize+2 {
		return nil, ErrTruncated
	}
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if length > len(data) {
		return nil, ErrTruncated
	}
	trailerLen := 1
	if data[4]&CtrlCRC16 != 0 {
		trailerLen = 2
	}
	end := length - trailerLen - MACSize
	if end < HeaderSize {
		return nil, ErrTruncated
	}
	return data[:end], nil
}
