package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goToMain/osdp-go/core"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "poll with checksum",
			frame: Frame{Address: 0, Sequence: 1, Code: core.CmdPoll},
		},
		{
			name:  "poll with crc",
			frame: Frame{Address: 5, Sequence: 2, UseCRC: true, Code: core.CmdPoll},
		},
		{
			name: "ack reply",
			frame: Frame{
				Address: 5, IsReply: true, Sequence: 2, UseCRC: true,
				Code: core.ReplyAck,
			},
		},
		{
			name: "command with payload",
			frame: Frame{
				Address: 126, Sequence: 3, UseCRC: true,
				Code:    core.CmdOut,
				Payload: []byte{0x00, 0x01, 0x0A, 0x00},
			},
		},
		{
			name: "challenge with security block",
			frame: Frame{
				Address: 1, Sequence: 1, UseCRC: true,
				SCBType: SCS11, SCBData: []byte{KeyRefSCBK},
				Code:    core.CmdChallenge,
				Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		{
			name: "secured command with mac",
			frame: Frame{
				Address: 1, Sequence: 2, UseCRC: true,
				SCBType: SCS15,
				Code:    core.CmdPoll,
				MAC:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.frame.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(raw) != tt.frame.Length() {
				t.Errorf("encoded length = %d, want %d", len(raw), tt.frame.Length())
			}

			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Address != tt.frame.Address || got.IsReply != tt.frame.IsReply {
				t.Errorf("address = %d/%v, want %d/%v",
					got.Address, got.IsReply, tt.frame.Address, tt.frame.IsReply)
			}
			if got.Sequence != tt.frame.Sequence {
				t.Errorf("sequence = %d, want %d", got.Sequence, tt.frame.Sequence)
			}
			if got.Code != tt.frame.Code {
				t.Errorf("code = %02x, want %02x", got.Code, tt.frame.Code)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("payload = %v, want %v", got.Payload, tt.frame.Payload)
			}
			if got.SCBType != tt.frame.SCBType {
				t.Errorf("scb type = %02x, want %02x", got.SCBType, tt.frame.SCBType)
			}
			if !bytes.Equal(got.MAC, tt.frame.MAC) {
				t.Errorf("mac = %v, want %v", got.MAC, tt.frame.MAC)
			}
		})
	}
}

func TestDecodeTamperedChecksum(t *testing.T) {
	for _, useCRC := range []bool{false, true} {
		f := Frame{Address: 3, Sequence: 1, UseCRC: useCRC, Code: core.CmdPoll}
		raw, err := f.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}

		// Flip one payload-area bit.
		raw[HeaderSize] ^= 0x01
		if _, err := Decode(raw); !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("useCRC=%v: Decode() error = %v, want ErrChecksumMismatch", useCRC, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	f := Frame{Address: 3, Sequence: 1, UseCRC: true, Code: core.CmdPoll}
	raw, _ := f.Encode()

	for n := 1; n < len(raw); n++ {
		if _, err := Decode(raw[:n]); err == nil {
			t.Errorf("Decode(%d of %d bytes) succeeded, want error", n, len(raw))
		}
	}
}

func TestDecodeInvalidSOM(t *testing.T) {
	f := Frame{Address: 3, Sequence: 1, Code: core.CmdPoll}
	raw, _ := f.Encode()
	raw[0] = 0x54
	if _, err := Decode(raw); !errors.Is(err, ErrInvalidSOM) {
		t.Errorf("Decode() error = %v, want ErrInvalidSOM", err)
	}
}

func TestDecodeUnknownCode(t *testing.T) {
	// 0x63 is not an assigned command code. Rebuild the trailer so only
	// the code check can fail.
	f := Frame{Address: 3, Sequence: 1, UseCRC: true, Code: core.CmdPoll}
	raw, _ := f.Encode()
	raw[HeaderSize] = 0x63
	crc := CRC16(raw[:len(raw)-2])
	raw[len(raw)-2] = byte(crc)
	raw[len(raw)-1] = byte(crc >> 8)

	if _, err := Decode(raw); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("Decode() error = %v, want ErrUnknownCode", err)
	}
}

func TestDecodeRejectsCommandCodeInReply(t *testing.T) {
	f := Frame{Address: 3, IsReply: true, Sequence: 1, UseCRC: true, Code: core.CmdOut}
	raw, _ := f.Encode()
	if _, err := Decode(raw); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("Decode() error = %v, want ErrUnknownCode", err)
	}
}

func TestEncodeSecuredFrameRequiresMAC(t *testing.T) {
	f := Frame{Address: 1, Sequence: 1, UseCRC: true, SCBType: SCS15, Code: core.CmdPoll}
	if _, err := f.Encode(); err == nil {
		t.Error("Encode() of secured frame without MAC succeeded, want error")
	}
}

func TestMACInputExcludesTrailer(t *testing.T) {
	f := Frame{
		Address: 1, Sequence: 2, UseCRC: true,
		SCBType: SCS15, Code: core.CmdPoll,
		MAC: []byte{1, 2, 3, 4},
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	in, err := MACInput(raw)
	if err != nil {
		t.Fatalf("MACInput() error = %v", err)
	}
	want := f.EncodeForMAC()
	if !bytes.Equal(in, want) {
		t.Errorf("MACInput() = %v, want %v", in, want)
	}
}

func TestAssembler(t *testing.T) {
	f1 := Frame{Address: 1, Sequence: 1, UseCRC: true, Code: core.CmdPoll}
	f2 := Frame{Address: 2, Sequence: 2, Code: core.CmdID, Payload: []byte{0}}
	raw1, _ := f1.Encode()
	raw2, _ := f2.Encode()

	var a Assembler

	// Mark bytes and noise before the first packet, both packets split
	// across arbitrary feed boundaries.
	stream := append([]byte{Mark, Mark, 0x00}, raw1...)
	stream = append(stream, Mark)
	stream = append(stream, raw2...)

	for _, b := range stream[:len(stream)-1] {
		a.Feed([]byte{b})
	}

	got1 := a.Next()
	if !bytes.Equal(got1, raw1) {
		t.Fatalf("first packet = %v, want %v", got1, raw1)
	}
	if pkt := a.Next(); pkt != nil {
		t.Fatalf("Next() returned partial packet %v", pkt)
	}

	a.Feed(stream[len(stream)-1:])
	got2 := a.Next()
	if !bytes.Equal(got2, raw2) {
		t.Fatalf("second packet = %v, want %v", got2, raw2)
	}
	if pkt := a.Next(); pkt != nil {
		t.Fatalf("Next() after drain = %v, want nil", pkt)
	}
}

func TestAssemblerResyncsOnGarbageLength(t *testing.T) {
	f := Frame{Address: 1, Sequence: 1, UseCRC: true, Code: core.CmdPoll}
	raw, _ := f.Encode()

	// A stray SOM with an absurd length field ahead of the real packet.
	var a Assembler
	a.Feed([]byte{SOM, 0x00, 0xFF, 0xFF})
	a.Feed(raw)

	if got := a.Next(); !bytes.Equal(got, raw) {
		t.Fatalf("Next() = %v, want %v", got, raw)
	}
}
