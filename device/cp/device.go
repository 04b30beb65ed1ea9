package cp

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goToMain/osdp-go/core"
	"github.com/goToMain/osdp-go/core/codec"
	"github.com/goToMain/osdp-go/core/dispatch"
	"github.com/goToMain/osdp-go/core/secure"
	"github.com/goToMain/osdp-go/transport"
)

// State is the controller's view of one device's lifecycle.
type State int

const (
	// StateOffline means the device is not responding; the controller
	// retries discovery after a backoff.
	StateOffline State = iota
	// StateDiscovery means the controller is requesting the device's
	// identity report.
	StateDiscovery
	// StateCapabilities means identity is known and the capability
	// report is being fetched.
	StateCapabilities
	// StateSecureSetup means the secure channel handshake is running.
	StateSecureSetup
	// StateOnline is the steady state: polled, commands accepted.
	StateOnline
	// StateDegraded means recent exchanges failed; the device is still
	// polled but considered unreliable until it answers again.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateDiscovery:
		return "discovery"
	case StateCapabilities:
		return "capabilities"
	case StateSecureSetup:
		return "secure-setup"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pdDevice is the controller-side state for one polled device. It is
// owned by the panel's run loop; only the dispatcher and the state
// fields published through the panel's mutex are shared.
type pdDevice struct {
	info    core.PdInfo
	address uint8
	log     *slog.Logger

	state      State
	seq        uint8 // last transmitted sequence number
	seqStarted bool  // false forces the next exchange to sequence 0

	session    *secure.Session
	dispatcher *dispatch.Dispatcher

	// Learned during discovery.
	id   core.PdId
	caps []core.Capability

	failures   int // consecutive failed exchanges
	scFailures int // consecutive failed secure handshakes
	secureUp   bool

	nextAction time.Time // earliest time the loop acts on this device
	lastSeen   time.Time
}

// nextSeq returns the sequence number for the next exchange: 0 right
// after a reset, then 1,2,3,1,...
func (d *pdDevice) nextSeq() uint8 {
	if !d.seqStarted {
		d.seqStarted = true
		d.seq = 0
		return 0
	}
	d.seq = d.seq%3 + 1
	return d.seq
}

// resetSequence forces the next exchange to sequence 0, telling the
// device to drop its reply cache.
func (d *pdDevice) resetSequence() {
	d.seqStarted = false
}

// transact performs one command/reply exchange on the wire: encode,
// transmit, collect the reply packet, decode. Timeouts retransmit the
// identical bytes up to retries times; the device's reply cache makes
// that safe even under an active secure session.
func (p *Panel) transact(d *pdDevice, frame *codec.Frame) (*codec.Frame, error) {
	if frame.SCBType >= codec.SCS15 && frame.SCBType <= codec.SCS18 {
		mac, err := d.session.ComputeMAC(frame.EncodeForMAC(), true)
		if err != nil {
			return nil, err
		}
		frame.MAC = mac
	}
	raw, err := frame.Encode()
	if err != nil {
		return nil, err
	}

	var asm codec.Assembler
	buf := make([]byte, 256)

	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			d.log.Debug("retransmitting command", "attempt", attempt, "seq", frame.Sequence)
		}
		p.channel.Flush()
		asm.Reset()
		if _, err := p.channel.Write(raw); err != nil {
			return nil, fmt.Errorf("writing command: %w", err)
		}

		deadline := time.Now().Add(p.cfg.ResponseTimeout)
		for {
			p.channel.SetReadDeadline(deadline)
			n, err := p.channel.Read(buf)
			if err != nil {
				if errors.Is(err, transport.ErrTimeout) {
					break // next attempt
				}
				return nil, err
			}
			asm.Feed(buf[:n])
			pkt := asm.Next()
			if pkt == nil {
				continue
			}
			reply, err := codec.Decode(pkt)
			if err != nil {
				d.log.Debug("discarding bad reply packet", "error", err)
				continue
			}
			if !reply.IsReply || reply.Address != d.address {
				continue
			}
			if reply.Sequence != frame.Sequence {
				d.log.Debug("discarding reply with stale sequence", "got", reply.Sequence, "want", frame.Sequence)
				continue
			}
			return reply, nil
		}
	}
	return nil, dispatch.ErrTimeout
}

// command runs one typed command against the device, wrapping it in
// the secure session when one is active, and returns the typed reply.
func (p *Panel) command(d *pdDevice, cmd core.Command) (core.Reply, error) {
	payload, err := codec.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	frame := &codec.Frame{
		Address:  d.address,
		Sequence: d.nextSeq(),
		UseCRC:   true,
		Code:     cmd.Code(),
		Payload:  payload,
	}

	secured := d.session.IsActive()
	if secured {
		if len(payload) > 0 {
			ct, err := d.session.EncryptPayload(payload, true)
			if err != nil {
				return nil, err
			}
			frame.Payload = ct
			frame.SCBType = codec.SCS17
		} else {
			frame.SCBType = codec.SCS15
		}
	}

	reply, err := p.transact(d, frame)
	if err != nil {
		return nil, err
	}

	replyPayload := reply.Payload
	if reply.IsSecured() {
		if !d.session.IsActive() {
			return nil, fmt.Errorf("%w: secured reply without session", dispatch.ErrUnexpectedReply)
		}
		if err := d.session.VerifyMAC(reply.EncodeForMAC(), reply.MAC, false); err != nil {
			return nil, err
		}
		if reply.IsEncrypted() {
			replyPayload, err = d.session.DecryptPayload(replyPayload, false)
			if err != nil {
				return nil, err
			}
		}
	} else if secured && reply.Code != core.ReplyNak {
		// The device lost its session; only a plaintext NAK is an
		// acceptable way for it to tell us.
		return nil, fmt.Errorf("%w: plaintext %s under secure session",
			dispatch.ErrUnexpectedReply, codec.ReplyName(reply.Code))
	}

	typed, err := codec.DecodeReply(reply.Code, replyPayload)
	if err != nil {
		return nil, err
	}

	if !dispatch.ValidReply(cmd.Code(), reply.Code) {
		if !d.info.Flags.Has(core.FlagIgnoreUnsolicited) {
			return nil, fmt.Errorf("%w: %s to %s", dispatch.ErrUnexpectedReply,
				codec.ReplyName(reply.Code), codec.CommandName(cmd.Code()))
		}
		// Some devices answer whatever command is in flight with a
		// pending event report. Surface the event and hand the reply
		// back rather than failing the exchange.
		if ev := core.EventFromReply(typed); ev != nil {
			p.deliver(d, ev)
		}
		d.log.Debug("tolerating unsolicited reply",
			"reply", codec.ReplyName(reply.Code), "command", codec.CommandName(cmd.Code()))
		return typed, nil
	}

	if nak, ok := typed.(core.Nak); ok {
		if nak.Reason == core.NakSeqNum {
			d.resetSequence()
		}
		if nak.Reason == core.NakSecureCond && d.session.IsActive() {
			// Session state diverged; force a fresh handshake.
			d.session.Reset()
			p.mu.Lock()
			d.secureUp = false
			p.mu.Unlock()
		}
	}
	return typed, nil
}

// handshake runs the CHLNG/CCRYPT/SCRYPT/RMAC-I exchange.
func (p *Panel) handshake(d *pdDevice) error {
	chlng, err := d.session.Challenge()
	if err != nil {
		return err
	}

	reply, err := p.transact(d, &codec.Frame{
		Address:  d.address,
		Sequence: d.nextSeq(),
		UseCRC:   true,
		SCBType:  codec.SCS11,
		SCBData:  []byte{d.session.KeyRef()},
		Code:     core.CmdChallenge,
		Payload:  chlng,
	})
	if err != nil {
		return err
	}
	if reply.Code != core.ReplyCCrypt {
		return fmt.Errorf("%w: %s to CHLNG", dispatch.ErrUnexpectedReply, codec.ReplyName(reply.Code))
	}
	if len(reply.Payload) != secure.UIDSize+secure.ChallengeSize+secure.CryptogramSize {
		return fmt.Errorf("malformed CCRYPT payload: %d bytes", len(reply.Payload))
	}

	var uid [secure.UIDSize]byte
	var rndB [secure.ChallengeSize]byte
	var pdCrypto [secure.CryptogramSize]byte
	copy(uid[:], reply.Payload[0:8])
	copy(rndB[:], reply.Payload[8:16])
	copy(pdCrypto[:], reply.Payload[16:32])

	scrypt, err := d.session.HandleCCrypt(uid, rndB, pdCrypto)
	if err != nil {
		return err
	}

	reply, err = p.transact(d, &codec.Frame{
		Address:  d.address,
		Sequence: d.nextSeq(),
		UseCRC:   true,
		SCBType:  codec.SCS13,
		Code:     core.CmdSCrypt,
		Payload:  scrypt,
	})
	if err != nil {
		return err
	}
	if reply.Code != core.ReplyRMacI {
		return fmt.Errorf("%w: %s to SCRYPT", dispatch.ErrUnexpectedReply, codec.ReplyName(reply.Code))
	}
	if len(reply.Payload) != secure.BlockSize {
		return fmt.Errorf("malformed RMAC_I payload: %d bytes", len(reply.Payload))
	}

	var rmacI [secure.BlockSize]byte
	copy(rmacI[:], reply.Payload)
	return d.session.HandleRMacI(rmacI)
}

// wantsSecure reports whether this device should run a secure channel.
func (d *pdDevice) wantsSecure() bool {
	return len(d.info.SCBK) == core.KeySize ||
		d.info.Flags.Has(core.FlagInstallMode) ||
		d.info.Flags.Has(core.FlagEnforceSecure)
}
