package core

import "fmt"

// EventType discriminates the asynchronous notifications a PD raises.
type EventType int

const (
	// EventCardRead is a card presented to an attached reader.
	EventCardRead EventType = iota
	// EventKeyPress is one or more keypad presses.
	EventKeyPress
	// EventStatus is a tamper/power or input/output state change.
	EventStatus
	// EventMfg is a vendor-specific notification.
	EventMfg
)

func (t EventType) String() string {
	switch t {
	case EventCardRead:
		return "card_read"
	case EventKeyPress:
		return "key_press"
	case EventStatus:
		return "status"
	case EventMfg:
		return "mfg"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// StatusKind discriminates the sub-type of a status event.
type StatusKind int

const (
	StatusLocal StatusKind = iota // tamper/power
	StatusInput
	StatusOutput
)

// Event is an asynchronous notification from a PD to its CP: card read,
// key press, tamper, input state change. Events are queued per session,
// delivered at most once, and ordering is preserved per PD.
//
// Exactly the fields for the event's Type are meaningful.
type Event struct {
	Type EventType

	// Card read fields. Formatted is true for character (FMT) reads,
	// false for raw reads where BitCount gives the bit length.
	ReaderNo  uint8
	Formatted bool
	Format    uint8
	BitCount  uint16
	Direction uint8
	Data      []byte

	// Key press fields (ReaderNo shared with card reads).
	Keys []byte

	// Status fields.
	Kind   StatusKind
	Tamper bool
	Power  bool
	Mask   []bool // per-pin states for input/output status

	// Mfg fields.
	VendorCode uint32
}

// Reply converts the event to the wire reply that carries it on the next
// poll. The mapping mirrors how the reply decoder turns poll replies
// back into events on the CP side.
func (e *Event) Reply() Reply {
	switch e.Type {
	case EventCardRead:
		if e.Formatted {
			return CardFmt{ReaderNo: e.ReaderNo, Direction: e.Direction, Data: e.Data}
		}
		return CardRaw{ReaderNo: e.ReaderNo, Format: e.Format, BitCount: e.BitCount, Data: e.Data}
	case EventKeyPress:
		return KeypadData{ReaderNo: e.ReaderNo, Keys: e.Keys}
	case EventStatus:
		switch e.Kind {
		case StatusInput:
			return InputStatus{Inputs: e.Mask}
		case StatusOutput:
			return OutputStatus{Outputs: e.Mask}
		default:
			return LocalStatus{Tamper: e.Tamper, Power: e.Power}
		}
	case EventMfg:
		return MfgReply{VendorCode: e.VendorCode, Data: e.Data}
	default:
		return nil
	}
}

// EventFromReply converts a poll reply into the event it carries, or nil
// for replies that are not event-bearing (ACK, NAK, handshake replies).
func EventFromReply(r Reply) *Event {
	switch v := r.(type) {
	case CardRaw:
		return &Event{Type: EventCardRead, ReaderNo: v.ReaderNo, Format: v.Format, BitCount: v.BitCount, Data: v.Data}
	case CardFmt:
		return &Event{Type: EventCardRead, Formatted: true, ReaderNo: v.ReaderNo, Direction: v.Direction, Data: v.Data}
	case KeypadData:
		return &Event{Type: EventKeyPress, ReaderNo: v.ReaderNo, Keys: v.Keys}
	case LocalStatus:
		return &Event{Type: EventStatus, Kind: StatusLocal, Tamper: v.Tamper, Power: v.Power}
	case InputStatus:
		return &Event{Type: EventStatus, Kind: StatusInput, Mask: v.Inputs}
	case OutputStatus:
		return &Event{Type: EventStatus, Kind: StatusOutput, Mask: v.Outputs}
	case MfgReply:
		return &Event{Type: EventMfg, VendorCode: v.VendorCode, Data: v.Data}
	default:
		return nil
	}
}
