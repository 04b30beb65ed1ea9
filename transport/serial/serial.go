// Package serial provides a transport.Channel over an RS-485/RS-232
// serial line, which is how access control panels are typically wired
// to their readers.
package serial

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goToMain/osdp-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Channel = (*Channel)(nil)

// DefaultBaudRate is the protocol's mandatory-to-support baud rate.
const DefaultBaudRate = 9600

// Config holds the configuration for a serial channel.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 9600.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel implements transport.Channel over a serial port.
type Channel struct {
	cfg  Config
	log  *slog.Logger
	mu   sync.Mutex
	port serial.Port
}

// Open opens the serial port described by cfg.
func Open(cfg Config) (*Channel, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}

	log := cfg.Logger.WithGroup("serial")
	log.Info("opened serial port", "port", cfg.Port, "baud", cfg.BaudRate)

	return &Channel{cfg: cfg, log: log, port: port}, nil
}

// ID returns the port path.
func (c *Channel) ID() string { return c.cfg.Port }

func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return 0, transport.ErrClosed
	}

	n, err := port.Read(p)
	if err != nil {
		return n, fmt.Errorf("reading serial port: %w", err)
	}
	// The port-level read timeout surfaces as a zero-byte read.
	if n == 0 {
		return 0, transport.ErrTimeout
	}
	return n, nil
}

func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return 0, transport.ErrClosed
	}

	n, err := port.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing serial port: %w", err)
	}
	if err := port.Drain(); err != nil {
		return n, fmt.Errorf("draining serial port: %w", err)
	}
	return n, nil
}

// SetReadDeadline maps the absolute deadline onto the port's relative
// read timeout. A zero time disables the timeout.
func (c *Channel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return transport.ErrClosed
	}

	if t.IsZero() {
		return port.SetReadTimeout(serial.NoTimeout)
	}
	timeout := time.Until(t)
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return port.SetReadTimeout(timeout)
}

// Flush discards bytes sitting in the OS receive buffer.
func (c *Channel) Flush() error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return transport.ErrClosed
	}
	return port.ResetInputBuffer()
}

// Close closes the serial port.
func (c *Channel) Close() error {
	c.mu.Lock()
	port := c.port
	c.port = nil
	c.mu.Unlock()
	if port == nil {
		return nil
	}
	c.log.Info("closed serial port", "port", c.cfg.Port)
	return port.Close()
}
