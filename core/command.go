package core

import "fmt"

// Command codes a CP can send. The codec owns the byte-level payload
// layout for each of these.
const (
	CmdPoll         uint8 = 0x60
	CmdID           uint8 = 0x61
	CmdCap          uint8 = 0x62
	CmdLStat        uint8 = 0x64
	CmdIStat        uint8 = 0x65
	CmdOStat        uint8 = 0x66
	CmdRStat        uint8 = 0x67
	CmdOut          uint8 = 0x68
	CmdLED          uint8 = 0x69
	CmdBuz          uint8 = 0x6A
	CmdText         uint8 = 0x6B
	CmdComSet       uint8 = 0x6E
	CmdKeySet       uint8 = 0x75
	CmdChallenge    uint8 = 0x76
	CmdSCrypt       uint8 = 0x77
	CmdAcuRxSize    uint8 = 0x7B
	CmdFileTransfer uint8 = 0x7C
	CmdMfg          uint8 = 0x80
	CmdAbort        uint8 = 0xA2
)

// Reply codes a PD can send.
const (
	ReplyAck    uint8 = 0x40
	ReplyNak    uint8 = 0x41
	ReplyPdId   uint8 = 0x45
	ReplyPdCap  uint8 = 0x46
	ReplyLStat  uint8 = 0x48
	ReplyIStat  uint8 = 0x49
	ReplyOStat  uint8 = 0x4A
	ReplyRStat  uint8 = 0x4B
	ReplyRaw    uint8 = 0x50
	ReplyFmt    uint8 = 0x51
	ReplyKeypad uint8 = 0x53
	ReplyCom    uint8 = 0x54
	ReplyCCrypt uint8 = 0x76
	ReplyRMacI  uint8 = 0x78
	ReplyBusy   uint8 = 0x79
	ReplyFtStat uint8 = 0x7A
	ReplyMfgRep uint8 = 0x90
)

// Command is a call for action from a CP to a PD. Each command carries a
// typed payload and maps to a single OSDP command code. Commands are
// owned by the caller until the dispatcher acknowledges them.
type Command interface {
	// Code returns the OSDP command code for this command.
	Code() uint8
}

// Poll is the steady-state heartbeat command. The PD answers with an ACK
// or a pending event report.
type Poll struct{}

// IDRequest asks the PD for its identity report.
type IDRequest struct{}

// CapRequest asks the PD for its capability report.
type CapRequest struct{}

// LocalStatusRequest queries tamper and power status.
type LocalStatusRequest struct{}

// InputStatusRequest queries the state of the PD's input pins.
type InputStatusRequest struct{}

// OutputStatusRequest queries the state of the PD's output pins.
type OutputStatusRequest struct{}

// ReaderStatusRequest queries the attached reader's status.
type ReaderStatusRequest struct{}

// OutputControl commands a single output pin.
type OutputControl struct {
	OutputNo    uint8
	ControlCode uint8
	Timer       uint16 // units of 100ms; 0 means permanent
}

// LEDControl commands a reader LED. Temporary settings run for TempTimer
// then revert to the permanent settings.
type LEDControl struct {
	ReaderNo uint8
	LEDNo    uint8

	TempControl  uint8
	TempOnTime   uint8
	TempOffTime  uint8
	TempOnColor  uint8
	TempOffColor uint8
	TempTimer    uint16

	PermControl  uint8
	PermOnTime   uint8
	PermOffTime  uint8
	PermOnColor  uint8
	PermOffColor uint8
}

// BuzzerControl commands the PD's audible output.
type BuzzerControl struct {
	ReaderNo uint8
	ToneCode uint8
	OnTime   uint8
	OffTime  uint8
	RepCount uint8
}

// TextOutput writes a string to the PD's display.
type TextOutput struct {
	ReaderNo    uint8
	ControlCode uint8
	TempTime    uint8
	Row         uint8
	Col         uint8
	Text        string
}

// ComSet changes the PD's address and baud rate. The PD applies the new
// settings after acknowledging.
type ComSet struct {
	Address  uint8
	BaudRate uint32
}

// KeySet rotates the secure channel base key (SCBK). Only valid over an
// active secure channel.
type KeySet struct {
	KeyType uint8 // 1 = SCBK
	Key     []byte
}

// AcuRxSize advertises the largest packet the controller can receive.
// The PD must not send event replies that would exceed it.
type AcuRxSize struct {
	Size uint16
}

// Mfg is a vendor-specific command.
type Mfg struct {
	VendorCode uint32 // 24-bit
	Data       []byte
}

// AbortRequest asks the PD to abort the current operation (e.g. an
// ongoing file transfer).
type AbortRequest struct{}

// FileTransfer carries one fragment of a CP-to-PD file transfer.
type FileTransfer struct {
	Type     uint8
	Size     uint32 // total file size
	Offset   uint32 // offset of this fragment
	Fragment []byte
}

func (Poll) Code() uint8                { return CmdPoll }
func (IDRequest) Code() uint8           { return CmdID }
func (CapRequest) Code() uint8          { return CmdCap }
func (LocalStatusRequest) Code() uint8  { return CmdLStat }
func (InputStatusRequest) Code() uint8  { return CmdIStat }
func (OutputStatusRequest) Code() uint8 { return CmdOStat }
func (ReaderStatusRequest) Code() uint8 { return CmdRStat }
func (OutputControl) Code() uint8       { return CmdOut }
func (LEDControl) Code() uint8          { return CmdLED }
func (BuzzerControl) Code() uint8       { return CmdBuz }
func (TextOutput) Code() uint8          { return CmdText }
func (ComSet) Code() uint8              { return CmdComSet }
func (KeySet) Code() uint8              { return CmdKeySet }
func (AcuRxSize) Code() uint8           { return CmdAcuRxSize }
func (Mfg) Code() uint8                 { return CmdMfg }
func (AbortRequest) Code() uint8        { return CmdAbort }
func (FileTransfer) Code() uint8        { return CmdFileTransfer }

// Reply is a PD's response to a command. Replies are owned by the
// dispatcher until delivered.
type Reply interface {
	// Code returns the OSDP reply code for this reply.
	Code() uint8
}

// Ack is the positive acknowledge reply.
type Ack struct{}

// NakCode enumerates the reasons a PD refuses a command.
type NakCode uint8

const (
	NakMsgCheck    NakCode = 1 // checksum/CRC failure
	NakCmdLength   NakCode = 2 // malformed command length
	NakCmdUnknown  NakCode = 3 // unknown command code
	NakSeqNum      NakCode = 4 // sequence number error
	NakSecureUnsup NakCode = 5 // secure channel not supported
	NakSecureCond  NakCode = 6 // secure channel conditions not met
	NakBioType     NakCode = 7
	NakCmdUnable   NakCode = 8 // unable to process command record
)

func (c NakCode) String() string {
	switch c {
	case NakMsgCheck:
		return "message check"
	case NakCmdLength:
		return "command length"
	case NakCmdUnknown:
		return "unknown command"
	case NakSeqNum:
		return "sequence number"
	case NakSecureUnsup:
		return "secure channel unsupported"
	case NakSecureCond:
		return "secure channel conditions"
	case NakBioType:
		return "biometric type"
	case NakCmdUnable:
		return "unable to process"
	default:
		return fmt.Sprintf("nak(%d)", uint8(c))
	}
}

// Nak is the negative acknowledge reply.
type Nak struct {
	Reason NakCode
}

// IDReport carries the PD identity.
type IDReport struct {
	ID PdId
}

// CapReport carries the PD capability list.
type CapReport struct {
	Capabilities []Capability
}

// LocalStatus reports tamper and power state.
type LocalStatus struct {
	Tamper bool
	Power  bool
}

// InputStatus reports the state of each input pin.
type InputStatus struct {
	Inputs []bool
}

// OutputStatus reports the state of each output pin.
type OutputStatus struct {
	Outputs []bool
}

// ReaderStatus reports the attached reader's health.
type ReaderStatus struct {
	Status uint8
}

// CardRaw carries an unformatted card read.
type CardRaw struct {
	ReaderNo uint8
	Format   uint8
	BitCount uint16
	Data     []byte
}

// CardFmt carries a formatted (character) card read.
type CardFmt struct {
	ReaderNo  uint8
	Direction uint8
	Data      []byte
}

// KeypadData carries key presses from the PD's keypad.
type KeypadData struct {
	ReaderNo uint8
	Keys     []byte
}

// ComReport confirms a ComSet command.
type ComReport struct {
	Address  uint8
	BaudRate uint32
}

// Busy tells the CP the PD cannot service the command right now; the CP
// should retry the same command later. Busy does not consume a retry.
type Busy struct{}

// FtStat reports file transfer progress from the PD.
type FtStat struct {
	Control uint8
	Delay   uint16
	Status  int16
	RxSize  uint16
}

// MfgReply is a vendor-specific reply.
type MfgReply struct {
	VendorCode uint32
	Data       []byte
}

func (Ack) Code() uint8          { return ReplyAck }
func (Nak) Code() uint8          { return ReplyNak }
func (IDReport) Code() uint8     { return ReplyPdId }
func (CapReport) Code() uint8    { return ReplyPdCap }
func (LocalStatus) Code() uint8  { return ReplyLStat }
func (InputStatus) Code() uint8  { return ReplyIStat }
func (OutputStatus) Code() uint8 { return ReplyOStat }
func (ReaderStatus) Code() uint8 { return ReplyRStat }
func (CardRaw) Code() uint8      { return ReplyRaw }
func (CardFmt) Code() uint8      { return ReplyFmt }
func (KeypadData) Code() uint8   { return ReplyKeypad }
func (ComReport) Code() uint8    { return ReplyCom }
func (Busy) Code() uint8         { return ReplyBusy }
func (FtStat) Code() uint8       { return ReplyFtStat }
func (MfgReply) Code() uint8     { return ReplyMfgRep }
