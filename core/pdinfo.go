// Package core defines the OSDP data model shared by the control panel
// and peripheral device engines: PD descriptors, identity, capabilities,
// commands, replies, and events.
package core

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// BroadcastAddress is the reserved 7-bit address that every PD on the
	// bus responds to. Valid unicast addresses are 0..126.
	BroadcastAddress = 0x7F

	// MaxAddress is the largest valid unicast PD address.
	MaxAddress = 126

	// KeySize is the AES-128 key size used throughout OSDP secure channel.
	KeySize = 16
)

var (
	ErrInvalidAddress = errors.New("invalid PD address: must be 0..126")
	ErrInvalidBaud    = errors.New("invalid baud rate")
	ErrInvalidKey     = errors.New("invalid secure channel key: must be 16 bytes")
)

// validBauds are the baud rates OSDP permits on an RS-485 bus.
var validBauds = []int{9600, 19200, 38400, 57600, 115200, 230400}

// ValidBaudRate returns true if baud is one of the rates the protocol allows.
func ValidBaudRate(baud int) bool {
	for _, b := range validBauds {
		if b == baud {
			return true
		}
	}
	return false
}

// Flag modifies how a device context is set up.
type Flag uint32

const (
	// FlagEnforceSecure makes security conscious assumptions and fails
	// where they don't hold: no SCBK-D, no master-key based SCBK
	// derivation, no plaintext fallback.
	FlagEnforceSecure Flag = 1 << iota

	// FlagInstallMode allows one secure channel session to be set up with
	// the default key (SCBK-D). The device is vulnerable in this mode; it
	// is meant for controlled provisioning environments only.
	FlagInstallMode

	// FlagIgnoreUnsolicited makes a CP tolerate unknown, unsolicited
	// replies from a PD instead of treating them as a sequence error.
	FlagIgnoreUnsolicited
)

// Has returns true if all bits of other are set in f.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// PdId is the static identity a PD reports in response to an ID request.
type PdId struct {
	Version         int
	Model           int
	VendorCode      uint32 // 24-bit IEEE OUI
	SerialNumber    uint32
	FirmwareVersion uint32 // 24-bit major.minor.build
}

// ClientUID returns the 8-byte client UID used during secure channel
// setup and master-key based SCBK derivation. It is built from the
// vendor code, model, version and the low serial bytes, matching the
// layout of the ID report.
func (id PdId) ClientUID() [8]byte {
	var uid [8]byte
	uid[0] = byte(id.VendorCode)
	uid[1] = byte(id.VendorCode >> 8)
	uid[2] = byte(id.VendorCode >> 16)
	uid[3] = byte(id.Model)
	uid[4] = byte(id.Version)
	uid[5] = byte(id.SerialNumber)
	uid[6] = byte(id.SerialNumber >> 8)
	uid[7] = byte(id.SerialNumber >> 16)
	return uid
}

// CapFunc identifies a PD capability function code.
type CapFunc uint8

const (
	CapContactStatusMonitoring CapFunc = 1
	CapOutputControl           CapFunc = 2
	CapCardDataFormat          CapFunc = 3
	CapLEDControl              CapFunc = 4
	CapAudibleOutput           CapFunc = 5
	CapTextOutput              CapFunc = 6
	CapTimeKeeping             CapFunc = 7
	CapCheckCharacterSupport   CapFunc = 8
	CapCommunicationSecurity   CapFunc = 9
	CapReceiveBufferSize       CapFunc = 10
	CapLargestCombinedMessage  CapFunc = 11
	CapSmartCardSupport        CapFunc = 12
	CapReaders                 CapFunc = 13
	CapBiometrics              CapFunc = 14
)

func (c CapFunc) String() string {
	switch c {
	case CapContactStatusMonitoring:
		return "ContactStatusMonitoring"
	case CapOutputControl:
		return "OutputControl"
	case CapCardDataFormat:
		return "CardDataFormat"
	case CapLEDControl:
		return "LEDControl"
	case CapAudibleOutput:
		return "AudibleOutput"
	case CapTextOutput:
		return "TextOutput"
	case CapTimeKeeping:
		return "TimeKeeping"
	case CapCheckCharacterSupport:
		return "CheckCharacterSupport"
	case CapCommunicationSecurity:
		return "CommunicationSecurity"
	case CapReceiveBufferSize:
		return "ReceiveBufferSize"
	case CapLargestCombinedMessage:
		return "LargestCombinedMessage"
	case CapSmartCardSupport:
		return "SmartCardSupport"
	case CapReaders:
		return "Readers"
	case CapBiometrics:
		return "Biometrics"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Capability is one entry of a PD's capability list, as exchanged in the
// capability report.
type Capability struct {
	Function   CapFunc
	Compliance uint8
	NumItems   uint8
}

// PdInfo describes one peripheral device. A CP holds one PdInfo per PD it
// drives; a PD engine holds the PdInfo it reports as. The descriptor is
// immutable once a session is running.
type PdInfo struct {
	// Name is a human readable tag used in log messages.
	// Defaults to "pd-<address>".
	Name string

	// Address is the 7-bit PD address on the bus (0..126).
	Address int

	// BaudRate must be one of 9600/19200/38400/57600/115200/230400.
	BaudRate int

	// Flags modify context setup behavior.
	Flags Flag

	// ID is the static identity reported on an ID request. Ignored in CP
	// mode (the CP learns it from the PD during discovery).
	ID PdId

	// Capabilities the PD reports. Ignored in CP mode.
	Capabilities []Capability

	// SCBK is the 16-byte secure channel base key. Nil means no secure
	// channel unless install mode permits SCBK-D.
	SCBK []byte
}

// Validate checks the descriptor fields that the protocol constrains.
func (p *PdInfo) Validate() error {
	if p.Address < 0 || p.Address > MaxAddress {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, p.Address)
	}
	if p.BaudRate != 0 && !ValidBaudRate(p.BaudRate) {
		return fmt.Errorf("%w: %d", ErrInvalidBaud, p.BaudRate)
	}
	if p.SCBK != nil && len(p.SCBK) != KeySize {
		return ErrInvalidKey
	}
	if p.Flags.Has(FlagEnforceSecure) && p.SCBK == nil {
		return errors.New("enforce secure requires an SCBK")
	}
	return nil
}

// DisplayName returns the configured name, or "pd-<address>" when unset.
func (p *PdInfo) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("pd-%d", p.Address)
}

// ParseKey parses a hex-encoded 16-byte secure channel key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}
