package codec

import (
	"fmt"

	"github.com/goToMain/osdp-go/core"
)

// validCode reports whether code is a known command (CP to PD) or reply
// (PD to CP) code. Unknown codes are rejected at decode time.
func validCode(code uint8, isReply bool) bool {
	if isReply {
		switch code {
		case core.ReplyAck, core.ReplyNak, core.ReplyPdId, core.ReplyPdCap,
			core.ReplyLStat, core.ReplyIStat, core.ReplyOStat, core.ReplyRStat,
			core.ReplyRaw, core.ReplyFmt, core.ReplyKeypad, core.ReplyCom,
			core.ReplyCCrypt, core.ReplyRMacI, core.ReplyBusy, core.ReplyFtStat,
			core.ReplyMfgRep:
			return true
		}
		return false
	}
	switch code {
	case core.CmdPoll, core.CmdID, core.CmdCap, core.CmdLStat, core.CmdIStat,
		core.CmdOStat, core.CmdRStat, core.CmdOut, core.CmdLED, core.CmdBuz,
		core.CmdText, core.CmdComSet, core.CmdKeySet, core.CmdChallenge,
		core.CmdSCrypt, core.CmdAcuRxSize, core.CmdFileTransfer, core.CmdMfg,
		core.CmdAbort:
		return true
	}
	return false
}

// CommandName returns a human-readable name for a command code.
func CommandName(code uint8) string {
	switch code {
	case core.CmdPoll:
		return "POLL"
	case core.CmdID:
		return "ID"
	case core.CmdCap:
		return "CAP"
	case core.CmdLStat:
		return "LSTAT"
	case core.CmdIStat:
		return "ISTAT"
	case core.CmdOStat:
		return "OSTAT"
	case core.CmdRStat:
		return "RSTAT"
	case core.CmdOut:
		return "OUT"
	case core.CmdLED:
		return "LED"
	case core.CmdBuz:
		return "BUZ"
	case core.CmdText:
		return "TEXT"
	case core.CmdComSet:
		return "COMSET"
	case core.CmdKeySet:
		return "KEYSET"
	case core.CmdChallenge:
		return "CHLNG"
	case core.CmdSCrypt:
		return "SCRYPT"
	case core.CmdAcuRxSize:
		return "ACURXSIZE"
	case core.CmdFileTransfer:
		return "FILETRANSFER"
	case core.CmdMfg:
		return "MFG"
	case core.CmdAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("UNKNOWN(%02x)", code)
	}
}

// ReplyName returns a human-readable name for a reply code.
func ReplyName(code uint8) string {
	switch code {
	case core.ReplyAck:
		return "ACK"
	case core.ReplyNak:
		return "NAK"
	case core.ReplyPdId:
		return "PDID"
	case core.ReplyPdCap:
		return "PDCAP"
	case core.ReplyLStat:
		return "LSTATR"
	case core.ReplyIStat:
		return "ISTATR"
	case core.ReplyOStat:
		return "OSTATR"
	case core.ReplyRStat:
		return "RSTATR"
	case core.ReplyRaw:
		return "RAW"
	case core.ReplyFmt:
		return "FMT"
	case core.ReplyKeypad:
		return "KEYPAD"
	case core.ReplyCom:
		return "COM"
	case core.ReplyCCrypt:
		return "CCRYPT"
	case core.ReplyRMacI:
		return "RMAC_I"
	case core.ReplyBusy:
		return "BUSY"
	case core.ReplyFtStat:
		return "FTSTAT"
	case core.ReplyMfgRep:
		return "MFGREP"
	default:
		return fmt.Sprintf("UNKNOWN(%02x)", code)
	}
}
