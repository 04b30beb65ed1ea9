// Package transport defines the byte-stream channel abstraction the
// protocol engine runs over, plus implementations for serial lines,
// MQTT bridges and in-process pairs.
package transport

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrTimeout is returned by Read when the read deadline passes
	// before any data arrives.
	ErrTimeout = errors.New("read deadline exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
)

// Channel is a half-duplex byte stream carrying protocol packets.
// Packet framing is the caller's responsibility; a Channel only moves
// bytes. Implementations must be safe for one concurrent reader and
// one concurrent writer.
type Channel interface {
	io.ReadWriteCloser

	// ID identifies the channel for logging (port path, topic, name).
	ID() string
	// SetReadDeadline bounds future Read calls. A zero time means
	// reads block indefinitely. Reads that hit the deadline return
	// ErrTimeout.
	SetReadDeadline(t time.Time) error
	// Flush discards any buffered unread bytes, typically before
	// starting a fresh command exchange after an error.
	Flush() error
}
