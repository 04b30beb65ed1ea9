package core

import (
	"bytes"
	"testing"
)

func TestEventReplyRoundTrip(t *testing.T) {
	events := []*Event{
		{Type: EventCardRead, ReaderNo: 0, Format: 1, BitCount: 26, Data: []byte{0x12, 0x34, 0x56, 0x78}},
		{Type: EventCardRead, Formatted: true, ReaderNo: 1, Direction: 0, Data: []byte("0012345")},
		{Type: EventKeyPress, ReaderNo: 0, Keys: []byte{'1', '2', '#'}},
		{Type: EventStatus, Kind: StatusLocal, Tamper: true, Power: false},
		{Type: EventStatus, Kind: StatusInput, Mask: []bool{true, false, true}},
		{Type: EventStatus, Kind: StatusOutput, Mask: []bool{false, true}},
		{Type: EventMfg, VendorCode: 0x00030201, Data: []byte{0xAA}},
	}
	for _, ev := range events {
		t.Run(ev.Type.String(), func(t *testing.T) {
			got := EventFromReply(ev.Reply())
			if got == nil {
				t.Fatal("EventFromReply returned nil")
			}
			if got.Type != ev.Type || got.Kind != ev.Kind {
				t.Fatalf("got type=%v kind=%v, want type=%v kind=%v", got.Type, got.Kind, ev.Type, ev.Kind)
			}
			if got.Tamper != ev.Tamper || got.Power != ev.Power {
				t.Fatalf("status mismatch: got %+v, want %+v", got, ev)
			}
			if !bytes.Equal(got.Data, ev.Data) || !bytes.Equal(got.Keys, ev.Keys) {
				t.Fatalf("payload mismatch: got %+v, want %+v", got, ev)
			}
			if len(got.Mask) != len(ev.Mask) {
				t.Fatalf("mask length %d, want %d", len(got.Mask), len(ev.Mask))
			}
		})
	}
}

func TestEventFromReplyNonEvent(t *testing.T) {
	for _, r := range []Reply{Ack{}, Nak{Reason: NakMsgCheck}, Busy{}} {
		if ev := EventFromReply(r); ev != nil {
			t.Fatalf("EventFromReply(%T) = %+v, want nil", r, ev)
		}
	}
}
