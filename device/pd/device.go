// Package pd implements the peripheral-device side of the protocol: it
// answers a controller's polls, reports identity and status, applies
// actuator commands, and runs the device end of the secure channel
// handshake.
package pd

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goToMain/osdp-go/core"
	"github.com/goToMain/osdp-go/core/codec"
	"github.com/goToMain/osdp-go/core/event"
	"github.com/goToMain/osdp-go/core/secure"
	"github.com/goToMain/osdp-go/transport"
)

// readTimeout bounds each blocking channel read so the loop can notice
// cancellation.
const readTimeout = 250 * time.Millisecond

// DefaultSecureTimeout is how long an established secure session may
// sit without secured traffic before it expires.
const DefaultSecureTimeout = 8 * time.Second

// CommandHandler is called for actuator commands (output, LED, buzzer,
// text, comset). Returning an error turns into a NAK on the wire.
type CommandHandler func(cmd core.Command) error

// MfgHandler is called for vendor-specific commands. The returned data,
// if non-nil, is sent as an MFGREP reply; nil data produces an ACK.
type MfgHandler func(vendorCode uint32, data []byte) ([]byte, error)

// FileOps receives a controller-driven file transfer.
type FileOps interface {
	// Open begins receiving a file of the given type and total size.
	Open(fileType uint8, size uint32) error
	// Write stores one fragment at the given offset.
	Write(offset uint32, fragment []byte) error
	// Close finalizes the transfer. ok is false when the transfer was
	// aborted mid-way.
	Close(ok bool) error
}

// Config holds the configuration for a peripheral device.
type Config struct {
	// Info describes this device: address, identity, capabilities and
	// secure channel key.
	Info core.PdInfo
	// Channel is the wire the controller speaks to us over.
	Channel transport.Channel
	// EventQueueSize bounds pending events between polls. Zero selects
	// the default.
	EventQueueSize int
	// SecureTimeout is the idle span after which an established secure
	// session expires and must be re-established. Zero selects the
	// default; a negative value disables expiry.
	SecureTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Device is a peripheral device responder bound to one channel.
type Device struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	address    uint8
	handler    CommandHandler
	mfgHandler MfgHandler
	fileOps    FileOps

	// Protocol state, owned by the run loop.
	session   *secure.Session
	queue     *event.Queue
	asm       codec.Assembler
	lastSeq   int    // last serviced sequence number, -1 after reset
	lastReply []byte // raw encoded reply for sequence-repeat retransmit

	// Reported status, guarded by mu.
	tamper  bool
	power   bool
	inputs  []bool
	outputs []bool

	// File transfer in progress, owned by the run loop.
	ftActive bool
	ftSize   uint32
	ftRecv   uint32

	// Largest packet the controller advertised it can receive via
	// ACURXSIZE; zero means unlimited. Owned by the run loop.
	acuRxSize uint16

	lastSecured time.Time
	nowFn       func() time.Time

	// Key accepted via KEYSET, applied after the reply goes out.
	pendingKey []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a peripheral device from cfg. The device does not touch
// the channel until Start.
func New(cfg Config) (*Device, error) {
	if cfg.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if err := cfg.Info.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SecureTimeout == 0 {
		cfg.SecureTimeout = DefaultSecureTimeout
	}

	// Without a provisioned key the session is keyed with SCBK-D; the
	// handshake handler only lets that key be used in install mode.
	var scbk []byte
	if len(cfg.Info.SCBK) == core.KeySize {
		scbk = cfg.Info.SCBK
	}
	session, err := secure.NewSession(secure.RolePD, scbk, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Device{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("pd").With("address", cfg.Info.Address),
		address: uint8(cfg.Info.Address),
		session: session,
		queue:   event.NewQueue(cfg.EventQueueSize),
		lastSeq: -1,
		power:   true,
		nowFn:   time.Now,
	}, nil
}

// SetCommandHandler installs the actuator command callback.
func (d *Device) SetCommandHandler(fn CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

// SetMfgHandler installs the vendor-specific command callback.
func (d *Device) SetMfgHandler(fn MfgHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mfgHandler = fn
}

// SetFileOps installs the file transfer receiver.
func (d *Device) SetFileOps(ops FileOps) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileOps = ops
}

// Start begins servicing the channel. The provided context bounds the
// device's lifetime.
func (d *Device) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(runCtx)
	d.log.Info("device started", "channel", d.cfg.Channel.ID())
	return nil
}

// Stop shuts the device down and waits for the service loop to exit.
func (d *Device) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
	d.session.Reset()
	return nil
}

// NotifyEvent queues an event for delivery on the next poll.
func (d *Device) NotifyEvent(ev *core.Event) {
	if !d.queue.Push(ev) {
		d.log.Warn("event queue full, oldest event dropped")
	}
}

// PendingEvents returns the number of undelivered events.
func (d *Device) PendingEvents() int { return d.queue.Len() }

// SetTamper updates the tamper state and queues a status event on
// change.
func (d *Device) SetTamper(tamper bool) {
	d.mu.Lock()
	changed := d.tamper != tamper
	d.tamper = tamper
	power := d.power
	d.mu.Unlock()
	if changed {
		d.NotifyEvent(&core.Event{Type: core.EventStatus, Kind: core.StatusLocal, Tamper: tamper, Power: power})
	}
}

// SetPower updates the power-failure state and queues a status event on
// change.
func (d *Device) SetPower(power bool) {
	d.mu.Lock()
	changed := d.power != power
	d.power = power
	tamper := d.tamper
	d.mu.Unlock()
	if changed {
		d.NotifyEvent(&core.Event{Type: core.EventStatus, Kind: core.StatusLocal, Tamper: tamper, Power: power})
	}
}

// SetInputs replaces the reported input pin states.
func (d *Device) SetInputs(inputs []bool) {
	d.mu.Lock()
	d.inputs = append([]bool(nil), inputs...)
	d.mu.Unlock()
}

// SetOutputs replaces the reported output pin states.
func (d *Device) SetOutputs(outputs []bool) {
	d.mu.Lock()
	d.outputs = append([]bool(nil), outputs...)
	d.mu.Unlock()
}

// IsSecureChannelActive reports whether the controller has established
// a secure session.
func (d *Device) IsSecureChannelActive() bool { return d.session.IsActive() }

func (d *Device) run(ctx context.Context) {
	defer close(d.done)

	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.cfg.Channel.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := d.cfg.Channel.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			d.log.Error("channel read error", "error", err)
			return
		}

		d.asm.Feed(buf[:n])
		for pkt := d.asm.Next(); pkt != nil; pkt = d.asm.Next() {
			if reply := d.handlePacket(pkt); reply != nil {
				if _, err := d.cfg.Channel.Write(reply); err != nil {
					d.log.Error("channel write error", "error", err)
					return
				}
			}
		}
	}
}

// handlePacket services one received packet and returns the raw reply
// to transmit, or nil to stay silent.
func (d *Device) handlePacket(pkt []byte) []byte {
	frame, err := codec.Decode(pkt)
	if err != nil {
		if errors.Is(err, codec.ErrChecksumMismatch) {
			// The header parsed; tell the controller its message was
			// corrupted so it can retry instead of timing out.
			return d.nakRaw(pkt, core.NakMsgCheck)
		}
		d.log.Debug("dropping undecodable packet", "error", err)
		return nil
	}
	if frame.IsReply {
		return nil // not addressed to a device
	}

	d.mu.Lock()
	addr := d.address
	d.mu.Unlock()
	if frame.Address != addr && frame.Address != core.BroadcastAddress {
		return nil
	}

	// Sequence handling comes before any security processing: a
	// repeated sequence is a retransmission and must get the cached
	// reply back without advancing the MAC chain.
	seq := int(frame.Sequence)
	if seq == 0 {
		d.lastSeq = -1
		d.lastReply = nil
	} else if seq == d.lastSeq && d.lastReply != nil {
		d.log.Debug("retransmitting cached reply", "seq", seq)
		return d.lastReply
	} else if d.lastSeq >= 0 && seq != d.lastSeq%3+1 {
		d.log.Warn("sequence error", "got", seq, "last", d.lastSeq)
		return d.buildReply(frame, core.Nak{Reason: core.NakSeqNum}, false)
	}

	reply, secured := d.dispatch(frame)
	if reply == nil {
		return nil
	}
	raw := d.buildReply(frame, reply, secured)
	d.lastSeq = seq
	if seq > 0 {
		d.lastReply = raw
	}

	// A rotated key takes effect only after the acknowledging reply has
	// been built under the old session.
	if d.pendingKey != nil {
		d.session.SetKey(d.pendingKey)
		d.pendingKey = nil
		d.log.Info("secure channel key rotated")
	}
	return raw
}

// dispatch consumes the command in frame and produces the reply.
// secured is true when the reply must be wrapped in the secure channel.
func (d *Device) dispatch(frame *codec.Frame) (core.Reply, bool) {
	// An established session that has seen no secured traffic within
	// the timeout expires; the controller must handshake again.
	if d.cfg.SecureTimeout > 0 && d.session.IsActive() &&
		d.nowFn().Sub(d.lastSecured) > d.cfg.SecureTimeout {
		d.log.Warn("secure session expired", "idle", d.nowFn().Sub(d.lastSecured))
		d.session.Expire()
	}

	// Secure channel handshake runs outside the session proper.
	switch frame.SCBType {
	case codec.SCS11:
		return d.handleChallenge(frame), false
	case codec.SCS13:
		return d.handleSCrypt(frame), false
	}

	payload := frame.Payload
	if frame.IsSecured() {
		if !d.session.IsActive() {
			return core.Nak{Reason: core.NakSecureCond}, false
		}
		if err := d.session.VerifyMAC(frame.EncodeForMAC(), frame.MAC, true); err != nil {
			d.log.Warn("command mac verification failed", "error", err)
			return core.Nak{Reason: core.NakSecureCond}, false
		}
		d.lastSecured = d.nowFn()
		if frame.IsEncrypted() {
			pt, err := d.session.DecryptPayload(payload, true)
			if err != nil {
				d.log.Warn("command decrypt failed", "error", err)
				return core.Nak{Reason: core.NakSecureCond}, false
			}
			payload = pt
		}
	} else if d.session.IsActive() || d.session.State() == secure.Expired ||
		d.cfg.Info.Flags.Has(core.FlagEnforceSecure) {
		// Plaintext is not acceptable once a session is up, even an
		// expired one, nor ever when the device enforces secure
		// operation.
		return core.Nak{Reason: core.NakSecureCond}, false
	}

	cmd, err := codec.DecodeCommand(frame.Code, payload)
	if err != nil {
		switch {
		case errors.Is(err, codec.ErrUnknownCode):
			return core.Nak{Reason: core.NakCmdUnknown}, false
		default:
			return core.Nak{Reason: core.NakCmdLength}, false
		}
	}

	secured := d.session.IsActive()
	return d.execute(cmd, secured), secured
}

func (d *Device) execute(cmd core.Command, secured bool) core.Reply {
	switch c := cmd.(type) {
	case core.Poll:
		for ev := d.queue.Pop(); ev != nil; ev = d.queue.Pop() {
			reply := ev.Reply()
			if d.replyFits(reply, secured) {
				return reply
			}
			d.log.Warn("dropping event exceeding controller receive size",
				"event", ev.Type.String(), "limit", d.acuRxSize)
		}
		return core.Ack{}

	case core.IDRequest:
		return core.IDReport{ID: d.cfg.Info.ID}

	case core.CapRequest:
		return core.CapReport{Capabilities: d.cfg.Info.Capabilities}

	case core.LocalStatusRequest:
		d.mu.Lock()
		defer d.mu.Unlock()
		return core.LocalStatus{Tamper: d.tamper, Power: d.power}

	case core.InputStatusRequest:
		d.mu.Lock()
		defer d.mu.Unlock()
		return core.InputStatus{Inputs: append([]bool(nil), d.inputs...)}

	case core.OutputStatusRequest:
		d.mu.Lock()
		defer d.mu.Unlock()
		return core.OutputStatus{Outputs: append([]bool(nil), d.outputs...)}

	case core.ReaderStatusRequest:
		return core.ReaderStatus{Status: 0}

	case core.OutputControl, core.LEDControl, core.BuzzerControl, core.TextOutput:
		if err := d.applyCommand(cmd); err != nil {
			d.log.Warn("command refused", "command", codec.CommandName(cmd.Code()), "error", err)
			return core.Nak{Reason: core.NakCmdUnable}
		}
		return core.Ack{}

	case core.ComSet:
		if !core.ValidBaudRate(int(c.BaudRate)) || c.Address > core.MaxAddress {
			return core.Nak{Reason: core.NakCmdUnable}
		}
		if err := d.applyCommand(cmd); err != nil {
			return core.Nak{Reason: core.NakCmdUnable}
		}
		d.mu.Lock()
		d.address = c.Address
		d.mu.Unlock()
		d.log.Info("communication settings changed", "address", c.Address, "baud", c.BaudRate)
		return core.ComReport{Address: c.Address, BaudRate: c.BaudRate}

	case core.KeySet:
		if !secured {
			return core.Nak{Reason: core.NakSecureCond}
		}
		if len(c.Key) != core.KeySize {
			return core.Nak{Reason: core.NakCmdLength}
		}
		d.pendingKey = append([]byte(nil), c.Key...)
		return core.Ack{}

	case core.AcuRxSize:
		d.acuRxSize = c.Size
		d.log.Debug("controller receive size set", "size", c.Size)
		return core.Ack{}

	case core.Mfg:
		d.mu.Lock()
		handler := d.mfgHandler
		d.mu.Unlock()
		if handler == nil {
			return core.Nak{Reason: core.NakCmdUnknown}
		}
		data, err := handler(c.VendorCode, c.Data)
		if err != nil {
			return core.Nak{Reason: core.NakCmdUnable}
		}
		if data == nil {
			return core.Ack{}
		}
		return core.MfgReply{VendorCode: c.VendorCode, Data: data}

	case core.FileTransfer:
		return d.handleFileTransfer(c)

	case core.AbortRequest:
		if d.ftActive {
			d.abortFileTransfer()
		}
		return core.Ack{}

	default:
		return core.Nak{Reason: core.NakCmdUnknown}
	}
}

// replyFits reports whether reply, once framed (and secured, when the
// session is active), stays within the controller's advertised receive
// size. Encryption padding and the MAC are counted at their worst case.
func (d *Device) replyFits(reply core.Reply, secured bool) bool {
	if d.acuRxSize == 0 {
		return true
	}
	payload, err := codec.EncodeReply(reply)
	if err != nil {
		return false
	}
	size := codec.HeaderSize + 1 + len(payload) + 2
	if secured {
		size += 2 + codec.MACSize + secure.BlockSize
	}
	return size <= int(d.acuRxSize)
}

func (d *Device) applyCommand(cmd core.Command) error {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(cmd)
}

// handleChallenge answers a CHLNG. The payload is RND.A; the reply is
// CCRYPT carrying our client UID, RND.B and the device cryptogram.
func (d *Device) handleChallenge(frame *codec.Frame) core.Reply {
	if len(frame.Payload) != secure.ChallengeSize {
		return core.Nak{Reason: core.NakCmdLength}
	}
	keyRef := uint8(0xFF)
	if len(frame.SCBData) > 0 {
		keyRef = frame.SCBData[0]
	}
	if keyRef == codec.KeyRefSCBKD && !d.cfg.Info.Flags.Has(core.FlagInstallMode) {
		d.log.Warn("default key handshake refused outside install mode")
		return core.Nak{Reason: core.NakSecureCond}
	}
	if keyRef == codec.KeyRefSCBK && d.session.UsingDefaultKey() {
		return core.Nak{Reason: core.NakSecureCond}
	}

	var rndA [secure.ChallengeSize]byte
	copy(rndA[:], frame.Payload)
	rndB, pdCrypto, err := d.session.HandleChallenge(rndA)
	if err != nil {
		d.log.Warn("challenge handling failed", "error", err)
		return core.Nak{Reason: core.NakSecureCond}
	}

	uid := d.cfg.Info.ID.ClientUID()
	payload := make([]byte, 0, secure.UIDSize+secure.ChallengeSize+secure.CryptogramSize)
	payload = append(payload, uid[:]...)
	payload = append(payload, rndB[:]...)
	payload = append(payload, pdCrypto[:]...)
	return rawReply{code: core.ReplyCCrypt, payload: payload}
}

// handleSCrypt answers a SCRYPT with RMAC-I, activating the session.
func (d *Device) handleSCrypt(frame *codec.Frame) core.Reply {
	if len(frame.Payload) != secure.CryptogramSize {
		return core.Nak{Reason: core.NakCmdLength}
	}
	var cpCrypto [secure.CryptogramSize]byte
	copy(cpCrypto[:], frame.Payload)
	rmacI, err := d.session.HandleSCrypt(cpCrypto)
	if err != nil {
		d.log.Warn("scrypt handling failed", "error", err)
		return core.Nak{Reason: core.NakSecureCond}
	}
	d.lastSecured = d.nowFn()
	return rawReply{code: core.ReplyRMacI, payload: rmacI[:]}
}

// rawReply carries a handshake reply whose payload the secure layer
// already produced byte-exact.
type rawReply struct {
	code    uint8
	payload []byte
}

func (r rawReply) Code() uint8 { return r.code }

// buildReply encodes reply as the response to frame. Handshake replies
// get their SCS block; secured replies are encrypted and MACed.
func (d *Device) buildReply(frame *codec.Frame, reply core.Reply, secured bool) []byte {
	out := &codec.Frame{
		Address:  frame.Address,
		IsReply:  true,
		Sequence: frame.Sequence,
		UseCRC:   frame.UseCRC,
		Code:     reply.Code(),
	}
	if frame.Address == core.BroadcastAddress {
		d.mu.Lock()
		out.Address = d.address
		d.mu.Unlock()
	}

	switch r := reply.(type) {
	case rawReply:
		out.Payload = r.payload
		switch frame.SCBType {
		case codec.SCS11:
			out.SCBType = codec.SCS12
			out.SCBData = frame.SCBData
		case codec.SCS13:
			out.SCBType = codec.SCS14
		}
	default:
		payload, err := codec.EncodeReply(reply)
		if err != nil {
			d.log.Error("reply encoding failed", "error", err)
			return nil
		}
		out.Payload = payload
	}

	if secured && d.session.IsActive() {
		if len(out.Payload) > 0 {
			ct, err := d.session.EncryptPayload(out.Payload, false)
			if err != nil {
				d.log.Error("reply encryption failed", "error", err)
				return nil
			}
			out.Payload = ct
			out.SCBType = codec.SCS18
		} else {
			out.SCBType = codec.SCS16
		}
		mac, err := d.session.ComputeMAC(out.EncodeForMAC(), false)
		if err != nil {
			d.log.Error("reply mac failed", "error", err)
			return nil
		}
		out.MAC = mac
	}

	raw, err := out.Encode()
	if err != nil {
		d.log.Error("reply encoding failed", "error", err)
		return nil
	}
	return raw
}

// nakRaw builds a NAK when the incoming packet failed its check bytes.
// Header fields are taken straight from the corrupted packet; sending
// some answer beats letting the controller time out.
func (d *Device) nakRaw(pkt []byte, reason core.NakCode) []byte {
	if len(pkt) < codec.HeaderSize {
		return nil
	}
	addr := pkt[1] & 0x7F
	d.mu.Lock()
	mine := addr == d.address
	d.mu.Unlock()
	if !mine {
		return nil
	}
	out := &codec.Frame{
		Address:  addr,
		IsReply:  true,
		Sequence: pkt[4] & codec.CtrlSeqMask,
		UseCRC:   pkt[4]&codec.CtrlCRC16 != 0,
		Code:     core.ReplyNak,
		Payload:  []byte{byte(reason)},
	}
	raw, err := out.Encode()
	if err != nil {
		return nil
	}
	return raw
}

// handleFileTransfer services one FILETRANSFER fragment.
func (d *Device) handleFileTransfer(ft core.FileTransfer) core.Reply {
	d.mu.Lock()
	ops := d.fileOps
	d.mu.Unlock()
	if ops == nil {
		return core.Nak{Reason: core.NakCmdUnknown}
	}

	if !d.ftActive {
		if ft.Offset != 0 {
			return core.FtStat{Status: ftStatusErrInvalid}
		}
		if err := ops.Open(ft.Type, ft.Size); err != nil {
			d.log.Warn("file transfer refused", "error", err)
			return core.FtStat{Status: ftStatusErrUnable}
		}
		d.ftActive = true
		d.ftSize = ft.Size
		d.ftRecv = 0
		d.log.Info("file transfer started", "type", ft.Type, "size", ft.Size)
	}

	if ft.Offset != d.ftRecv {
		d.abortFileTransfer()
		return core.FtStat{Status: ftStatusErrInvalid}
	}
	if err := ops.Write(ft.Offset, ft.Fragment); err != nil {
		d.abortFileTransfer()
		return core.FtStat{Status: ftStatusErrUnable}
	}
	d.ftRecv += uint32(len(ft.Fragment))

	if d.ftRecv >= d.ftSize {
		if err := ops.Close(true); err != nil {
			d.ftActive = false
			return core.FtStat{Status: ftStatusErrUnable}
		}
		d.ftActive = false
		d.log.Info("file transfer complete", "size", d.ftSize)
		return core.FtStat{Status: ftStatusFinished}
	}
	return core.FtStat{Status: ftStatusOK, RxSize: maxFragment}
}

func (d *Device) abortFileTransfer() {
	d.mu.Lock()
	ops := d.fileOps
	d.mu.Unlock()
	if ops != nil {
		ops.Close(false)
	}
	d.ftActive = false
	d.log.Warn("file transfer aborted", "received", d.ftRecv, "size", d.ftSize)
}

// File transfer status codes reported in FTSTAT.
const (
	ftStatusOK         int16 = 0
	ftStatusFinished   int16 = 1
	ftStatusErrUnable  int16 = -1
	ftStatusErrInvalid int16 = -2
)

// maxFragment is the largest fragment the device accepts per message.
const maxFragment = 128
