// Package memory provides an in-process transport.Channel pair. The
// two ends are cross-wired so writes on one side surface as reads on
// the other, which makes it possible to run a full CP/PD exchange
// inside a single test binary.
package memory

import (
	"sync"
	"time"

	"github.com/goToMain/osdp-go/transport"
)

// Compile-time interface check.
var _ transport.Channel = (*Channel)(nil)

// Channel is one end of an in-process duplex pair.
type Channel struct {
	id   string
	rx   *buffer // bytes for us to read
	peer *buffer // bytes the peer reads
}

// Pair creates two cross-wired channels named a and b.
func Pair(a, b string) (*Channel, *Channel) {
	ab := newBuffer()
	ba := newBuffer()
	return &Channel{id: a, rx: ba, peer: ab},
		&Channel{id: b, rx: ab, peer: ba}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Read(p []byte) (int, error) {
	return c.rx.read(p)
}

func (c *Channel) Write(p []byte) (int, error) {
	return c.peer.write(p)
}

func (c *Channel) SetReadDeadline(t time.Time) error {
	c.rx.setDeadline(t)
	return nil
}

func (c *Channel) Flush() error {
	c.rx.flush()
	return nil
}

// Close closes both directions; the peer's reads and writes start
// failing with transport.ErrClosed.
func (c *Channel) Close() error {
	c.rx.close()
	c.peer.close()
	return nil
}

// buffer is a closable byte queue with deadline-aware blocking reads.
type buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	data     []byte
	deadline time.Time
	closed   bool
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, transport.ErrClosed
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *buffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.data) == 0 {
		if b.closed {
			return 0, transport.ErrClosed
		}
		deadline := b.deadline
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, transport.ErrTimeout
			}
			// Wake ourselves when the deadline passes; Wait cannot
			// time out on its own.
			timer := time.AfterFunc(wait, b.cond.Broadcast)
			b.cond.Wait()
			timer.Stop()
		} else {
			b.cond.Wait()
		}
	}

	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *buffer) setDeadline(t time.Time) {
	b.mu.Lock()
	b.deadline = t
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *buffer) flush() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

func (b *buffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
