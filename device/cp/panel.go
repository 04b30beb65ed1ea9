// Package cp implements the control-panel side of the protocol: it
// discovers devices, establishes secure channels, polls for events,
// and runs application commands through a per-device dispatcher.
//
// A Panel owns one channel. The bus is half duplex and shared, so a
// single loop services every device on it round-robin; concurrency
// with callers happens through the dispatcher slots and the event
// channel.
package cp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goToMain/osdp-go/core"
	"github.com/goToMain/osdp-go/core/dispatch"
	"github.com/goToMain/osdp-go/core/secure"
	"github.com/goToMain/osdp-go/transport"
)

// Default tuning values, overridable per Config field.
const (
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultDegradedInterval  = 500 * time.Millisecond
	DefaultResponseTimeout   = 200 * time.Millisecond
	DefaultRetries           = 2
	DefaultDegradedThreshold = 3
	DefaultOfflineThreshold  = 8
	DefaultSecureRetries     = 3
	DefaultOfflineBackoff    = 2 * time.Second
	DefaultEventBuffer       = 64
)

var (
	// ErrUnknownDevice means no configured device has that address.
	ErrUnknownDevice = errors.New("unknown device address")
	// ErrNotRunning means the panel has not been started.
	ErrNotRunning = errors.New("panel not running")
)

// Event is a device notification surfaced by the panel: the device
// address plus the event the device reported.
type Event struct {
	Address int
	Event   *core.Event
}

// StateHandler is called when a device changes lifecycle state. It
// runs on the panel's loop goroutine; keep it fast.
type StateHandler func(address int, old, new State)

// Config holds the configuration for a control panel.
type Config struct {
	// Channel is the bus every configured device hangs off.
	Channel transport.Channel
	// Devices describes the devices to drive.
	Devices []core.PdInfo

	// MasterKey, when set, derives a per-device secure channel key for
	// devices that have no explicit SCBK. Must be 16 bytes. Devices
	// with FlagEnforceSecure never use it: descriptor validation makes
	// them carry an explicit SCBK.
	MasterKey []byte

	// PollInterval is the idle poll cadence per device.
	PollInterval time.Duration
	// DegradedInterval is the reduced poll cadence for degraded
	// devices, applied whether or not the poll gets an answer.
	DegradedInterval time.Duration
	// ResponseTimeout bounds each wait for a reply.
	ResponseTimeout time.Duration
	// Retries is how many times a timed-out command is retransmitted
	// before the exchange counts as failed.
	Retries int
	// DegradedThreshold is the consecutive-failure count that marks a
	// device degraded.
	DegradedThreshold int
	// OfflineThreshold is the consecutive-failure count that marks a
	// device offline.
	OfflineThreshold int
	// SecureRetries is how many handshake attempts are made before
	// giving up (falling back to plaintext, unless enforced).
	SecureRetries int
	// OfflineBackoff is how long an offline device rests before
	// rediscovery.
	OfflineBackoff time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DegradedInterval == 0 {
		c.DegradedInterval = DefaultDegradedInterval
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.DegradedThreshold == 0 {
		c.DegradedThreshold = DefaultDegradedThreshold
	}
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = DefaultOfflineThreshold
	}
	if c.SecureRetries == 0 {
		c.SecureRetries = DefaultSecureRetries
	}
	if c.OfflineBackoff == 0 {
		c.OfflineBackoff = DefaultOfflineBackoff
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Panel drives every device on one channel.
type Panel struct {
	cfg     Config
	channel transport.Channel
	log     *slog.Logger

	mu           sync.RWMutex
	devices      map[uint8]*pdDevice
	stateHandler StateHandler

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a panel from cfg. The channel is not touched until Start.
func New(cfg Config) (*Panel, error) {
	if cfg.Channel == nil {
		return nil, errors.New("channel is required")
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New("at least one device is required")
	}
	if cfg.MasterKey != nil && len(cfg.MasterKey) != core.KeySize {
		return nil, core.ErrInvalidKey
	}
	cfg.applyDefaults()

	p := &Panel{
		cfg:     cfg,
		channel: cfg.Channel,
		log:     cfg.Logger.WithGroup("cp"),
		devices: make(map[uint8]*pdDevice),
		events:  make(chan Event, cfg.EventBuffer),
	}

	for _, info := range cfg.Devices {
		if err := info.Validate(); err != nil {
			return nil, fmt.Errorf("device %s: %w", info.DisplayName(), err)
		}
		addr := uint8(info.Address)
		if _, dup := p.devices[addr]; dup {
			return nil, fmt.Errorf("duplicate device address %d", addr)
		}
		session, err := secure.NewSession(secure.RoleCP, info.SCBK, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", info.DisplayName(), err)
		}
		p.devices[addr] = &pdDevice{
			info:       info,
			address:    addr,
			log:        p.log.With("device", info.DisplayName()),
			state:      StateOffline,
			session:    session,
			dispatcher: dispatch.New(),
		}
	}
	return p, nil
}

// SetStateHandler installs the device state change callback.
func (p *Panel) SetStateHandler(fn StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandler = fn
}

// Events returns the channel device notifications are delivered on.
// When the buffer fills, the oldest notifications are dropped.
func (p *Panel) Events() <-chan Event {
	return p.events
}

// Start begins servicing the bus. The context bounds the panel's
// lifetime.
func (p *Panel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	p.log.Info("panel started", "channel", p.channel.ID(), "devices", len(p.devices))
	return nil
}

// Stop shuts the panel down and waits for the loop to exit. Pending
// commands fail with ErrAborted.
func (p *Panel) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	p.mu.Lock()
	for _, d := range p.devices {
		d.dispatcher.Close()
		d.session.Reset()
	}
	p.mu.Unlock()
	return nil
}

// SendCommand submits cmd to the device at address and waits for the
// reply. It fails fast with dispatch.ErrBusy while another command for
// the same device is outstanding, and with dispatch.ErrOffline when
// the device is not online.
func (p *Panel) SendCommand(ctx context.Context, address int, cmd core.Command) (core.Reply, error) {
	d, err := p.device(address)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	state := d.state
	p.mu.RUnlock()
	if state != StateOnline && state != StateDegraded {
		return nil, dispatch.ErrOffline
	}

	req, err := d.dispatcher.Submit(cmd)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// State returns the lifecycle state of the device at address.
func (p *Panel) State(address int) (State, error) {
	d, err := p.device(address)
	if err != nil {
		return StateOffline, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return d.state, nil
}

// IsOnline reports whether the device at address is online or degraded.
func (p *Panel) IsOnline(address int) bool {
	d, err := p.device(address)
	if err != nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return d.state == StateOnline || d.state == StateDegraded
}

// IsSecureChannelActive reports whether the device at address has an
// established secure session.
func (p *Panel) IsSecureChannelActive(address int) bool {
	d, err := p.device(address)
	if err != nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return d.secureUp
}

// DeviceID returns the identity learned from the device at address
// during discovery.
func (p *Panel) DeviceID(address int) (core.PdId, error) {
	d, err := p.device(address)
	if err != nil {
		return core.PdId{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return d.id, nil
}

// DeviceCapabilities returns the capability list learned from the
// device at address.
func (p *Panel) DeviceCapabilities(address int) ([]core.Capability, error) {
	d, err := p.device(address)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]core.Capability(nil), d.caps...), nil
}

func (p *Panel) device(address int) (*pdDevice, error) {
	if address < 0 || address > core.MaxAddress {
		return nil, core.ErrInvalidAddress
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.devices[uint8(address)]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return d, nil
}

// run is the bus loop: one FSM step per device, round-robin, with a
// short sleep when nothing is due.
func (p *Panel) run(ctx context.Context) {
	defer close(p.done)

	// Stable iteration order.
	order := make([]*pdDevice, 0, len(p.devices))
	for _, d := range p.devices {
		order = append(order, d)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		acted := false
		for _, d := range order {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if p.step(d) {
				acted = true
			}
		}
		if !acted {
			// Nothing due on any device; nap briefly rather than spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

// step advances one device's state machine by at most one exchange.
// It reports whether any wire traffic happened.
func (p *Panel) step(d *pdDevice) bool {
	// A submitted command runs ahead of the poll schedule.
	if d.state == StateOnline || d.state == StateDegraded {
		if req := d.dispatcher.Take(); req != nil {
			p.runCommand(d, req)
			return true
		}
	}
	if time.Now().Before(d.nextAction) {
		return false
	}

	switch d.state {
	case StateOffline:
		d.resetSequence()
		d.session.Reset()
		p.setState(d, StateDiscovery)
		return false

	case StateDiscovery:
		reply, err := p.command(d, core.IDRequest{})
		if err != nil {
			p.noteFailure(d, err)
			return true
		}
		id, ok := reply.(core.IDReport)
		if !ok {
			p.noteFailure(d, fmt.Errorf("%w: %T to ID request", dispatch.ErrUnexpectedReply, reply))
			return true
		}
		p.mu.Lock()
		d.id = id.ID
		p.mu.Unlock()
		d.failures = 0
		d.log.Info("device identified",
			"vendor", fmt.Sprintf("%06x", id.ID.VendorCode),
			"model", id.ID.Model, "serial", id.ID.SerialNumber)
		p.setState(d, StateCapabilities)
		return true

	case StateCapabilities:
		reply, err := p.command(d, core.CapRequest{})
		if err != nil {
			p.noteFailure(d, err)
			return true
		}
		caps, ok := reply.(core.CapReport)
		if !ok {
			p.noteFailure(d, fmt.Errorf("%w: %T to capability request", dispatch.ErrUnexpectedReply, reply))
			return true
		}
		p.mu.Lock()
		d.caps = caps.Capabilities
		p.mu.Unlock()
		d.failures = 0
		if d.wantsSecure() {
			p.prepareSecureKey(d)
			p.setState(d, StateSecureSetup)
		} else {
			p.setState(d, StateOnline)
		}
		return true

	case StateSecureSetup:
		if err := p.handshake(d); err != nil {
			d.scFailures++
			d.log.Warn("secure channel setup failed", "attempt", d.scFailures, "error", err)
			if d.scFailures >= p.cfg.SecureRetries {
				if d.info.Flags.Has(core.FlagEnforceSecure) {
					p.setState(d, StateOffline)
					d.nextAction = time.Now().Add(p.cfg.OfflineBackoff)
				} else {
					d.log.Warn("continuing in plaintext after failed secure setup")
					p.setState(d, StateOnline)
				}
				d.scFailures = 0
			}
			return true
		}
		d.scFailures = 0
		p.mu.Lock()
		d.secureUp = true
		p.mu.Unlock()
		d.log.Info("secure channel established")
		p.setState(d, StateOnline)
		return true

	case StateOnline, StateDegraded:
		p.poll(d)
		return true

	default:
		return false
	}
}

// prepareSecureKey keys the device session, deriving from the master
// key when the device has no explicit SCBK.
func (p *Panel) prepareSecureKey(d *pdDevice) {
	if len(d.info.SCBK) == core.KeySize || p.cfg.MasterKey == nil {
		return
	}
	p.mu.RLock()
	uid := d.id.ClientUID()
	p.mu.RUnlock()
	scbk, err := secure.DeriveSCBK(p.cfg.MasterKey, uid)
	if err != nil {
		d.log.Error("scbk derivation failed", "error", err)
		return
	}
	if err := d.session.SetKey(scbk); err != nil {
		d.log.Error("scbk installation failed", "error", err)
	}
}

// poll runs one POLL exchange, surfacing any event the device reports.
// Failed polls are paced exactly like successful ones so a degraded
// device keeps its reduced rate instead of retrying back-to-back.
func (p *Panel) poll(d *pdDevice) {
	reply, err := p.command(d, core.Poll{})
	if err != nil {
		p.noteFailure(d, err)
		if d.state == StateOnline || d.state == StateDegraded {
			d.nextAction = time.Now().Add(p.pollPace(d))
		}
		return
	}
	p.noteSuccess(d)
	d.nextAction = time.Now().Add(p.pollPace(d))

	if nak, ok := reply.(core.Nak); ok {
		if nak.Reason == core.NakSecureCond && d.wantsSecure() {
			// The device wants this traffic secured; re-handshake.
			d.resetSequence()
			p.setState(d, StateSecureSetup)
		}
		return
	}
	if ev := core.EventFromReply(reply); ev != nil {
		p.deliver(d, ev)
	}
}

// pollPace is the idle span before the device's next poll. Degraded
// devices are polled at a reduced rate.
func (p *Panel) pollPace(d *pdDevice) time.Duration {
	if d.state == StateDegraded {
		return p.cfg.DegradedInterval
	}
	return p.cfg.PollInterval
}

// runCommand executes a dispatched application command.
func (p *Panel) runCommand(d *pdDevice, req *dispatch.Request) {
	reply, err := p.command(d, req.Cmd)
	if err != nil {
		p.noteFailure(d, err)
		d.dispatcher.Complete(req, nil, err)
		return
	}
	p.noteSuccess(d)

	if _, ok := reply.(core.Busy); ok {
		// Report the busy reply as-is so the caller can retry later.
		d.dispatcher.Complete(req, reply, nil)
		return
	}

	p.applyCommandEffects(d, req.Cmd, reply)
	d.dispatcher.Complete(req, reply, nil)
}

// applyCommandEffects updates controller state that certain commands
// change on the device.
func (p *Panel) applyCommandEffects(d *pdDevice, cmd core.Command, reply core.Reply) {
	if _, isNak := reply.(core.Nak); isNak {
		return
	}
	switch c := cmd.(type) {
	case core.ComSet:
		p.mu.Lock()
		delete(p.devices, d.address)
		d.address = c.Address
		d.info.Address = int(c.Address)
		d.info.BaudRate = int(c.BaudRate)
		p.devices[d.address] = d
		p.mu.Unlock()
		d.resetSequence()
		d.log.Info("device communication settings changed", "address", c.Address, "baud", c.BaudRate)

	case core.KeySet:
		// The device dropped its session with the old key; rekey ours
		// and re-handshake.
		if err := d.session.SetKey(c.Key); err != nil {
			d.log.Error("rekeying session failed", "error", err)
			return
		}
		p.mu.Lock()
		d.secureUp = false
		d.info.SCBK = append([]byte(nil), c.Key...)
		p.mu.Unlock()
		d.resetSequence()
		p.setState(d, StateSecureSetup)
	}
}

func (p *Panel) noteSuccess(d *pdDevice) {
	d.failures = 0
	d.lastSeen = time.Now()
	if d.state == StateDegraded {
		d.log.Info("device recovered")
		p.setState(d, StateOnline)
	}
}

func (p *Panel) noteFailure(d *pdDevice, err error) {
	d.failures++
	d.log.Warn("exchange failed", "state", d.state.String(), "failures", d.failures, "error", err)

	if errors.Is(err, secure.ErrMACMismatch) || errors.Is(err, secure.ErrAuthFailure) {
		// The session is already reset; re-establish before anything
		// else runs secured.
		p.mu.Lock()
		d.secureUp = false
		p.mu.Unlock()
		if d.state == StateOnline || d.state == StateDegraded {
			d.resetSequence()
			p.setState(d, StateSecureSetup)
			return
		}
	}

	switch {
	case d.failures >= p.cfg.OfflineThreshold:
		p.mu.Lock()
		d.secureUp = false
		p.mu.Unlock()
		d.failures = 0
		p.setState(d, StateOffline)
		d.nextAction = time.Now().Add(p.cfg.OfflineBackoff)
	case d.failures >= p.cfg.DegradedThreshold && d.state == StateOnline:
		p.setState(d, StateDegraded)
	case d.state == StateDiscovery || d.state == StateCapabilities:
		// Early-lifecycle failures back off a little so a dead drop
		// doesn't monopolize the bus.
		d.nextAction = time.Now().Add(p.cfg.ResponseTimeout)
	}
}

// deliver pushes an event to the panel channel, dropping the oldest
// buffered event when full.
func (p *Panel) deliver(d *pdDevice, ev *core.Event) {
	out := Event{Address: int(d.address), Event: ev}
	for {
		select {
		case p.events <- out:
			return
		default:
		}
		select {
		case <-p.events:
			d.log.Warn("event buffer full, dropping oldest")
		default:
		}
	}
}

func (p *Panel) setState(d *pdDevice, next State) {
	p.mu.Lock()
	old := d.state
	d.state = next
	handler := p.stateHandler
	p.mu.Unlock()
	if old == next {
		return
	}
	d.log.Debug("state change", "from", old.String(), "to", next.String())
	if handler != nil {
		handler(int(d.address), old, next)
	}
}
