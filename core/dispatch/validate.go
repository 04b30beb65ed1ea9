package dispatch

import "github.com/goToMain/osdp-go/core"

// pollReplies are the reply codes a POLL admits: an idle ACK or any
// event-bearing reply.
var pollReplies = map[uint8]bool{
	core.ReplyAck:    true,
	core.ReplyLStat:  true,
	core.ReplyIStat:  true,
	core.ReplyOStat:  true,
	core.ReplyRStat:  true,
	core.ReplyRaw:    true,
	core.ReplyFmt:    true,
	core.ReplyKeypad: true,
	core.ReplyMfgRep: true,
	core.ReplyFtStat: true,
}

// exactReplies maps commands that admit one specific success reply.
var exactReplies = map[uint8]uint8{
	core.CmdID:           core.ReplyPdId,
	core.CmdCap:          core.ReplyPdCap,
	core.CmdLStat:        core.ReplyLStat,
	core.CmdIStat:        core.ReplyIStat,
	core.CmdOStat:        core.ReplyOStat,
	core.CmdRStat:        core.ReplyRStat,
	core.CmdChallenge:    core.ReplyCCrypt,
	core.CmdSCrypt:       core.ReplyRMacI,
	core.CmdFileTransfer: core.ReplyFtStat,
}

// ValidReply reports whether replyCode is an admissible answer to
// cmdCode. NAK and BUSY are admissible for every command.
func ValidReply(cmdCode, replyCode uint8) bool {
	if replyCode == core.ReplyNak || replyCode == core.ReplyBusy {
		return true
	}
	switch cmdCode {
	case core.CmdPoll:
		return pollReplies[replyCode]
	case core.CmdComSet:
		// Some devices acknowledge COMSET with a plain ACK instead of
		// reporting the settings back.
		return replyCode == core.ReplyCom || replyCode == core.ReplyAck
	case core.CmdMfg:
		return replyCode == core.ReplyMfgRep || replyCode == core.ReplyAck
	}
	if want, ok := exactReplies[cmdCode]; ok {
		return replyCode == want
	}
	// Control commands (OUT, LED, BUZ, TEXT, KEYSET, ACURXSIZE, ABORT)
	// succeed with a plain ACK.
	return replyCode == core.ReplyAck
}
