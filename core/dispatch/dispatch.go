// Package dispatch mediates between the panel API and the per-device
// poll loop. The wire is strictly half duplex with one outstanding
// command at a time, so the dispatcher is a single explicit slot: a
// submit either claims the slot immediately or fails with ErrBusy, and
// the device loop completes the slot when the exchange finishes.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/goToMain/osdp-go/core"
)

var (
	// ErrBusy means a previously submitted command has not completed.
	ErrBusy = errors.New("command already in flight")
	// ErrTimeout means the device did not produce a valid reply within
	// the response window, across all retries.
	ErrTimeout = errors.New("device response timeout")
	// ErrUnexpectedReply means the device answered with a reply type
	// the command does not admit.
	ErrUnexpectedReply = errors.New("unexpected reply type for command")
	// ErrOffline means the target device is not online.
	ErrOffline = errors.New("device offline")
	// ErrAborted means the dispatcher shut down before completion.
	ErrAborted = errors.New("dispatch aborted")
)

// Result is the outcome of a completed exchange.
type Result struct {
	Reply core.Reply
	Err   error
}

// Request is a submitted command waiting for its exchange to run.
type Request struct {
	Cmd  core.Command
	done chan Result
}

// Wait blocks until the exchange completes or ctx is cancelled. On
// cancellation the slot stays claimed until the device loop completes
// it; the late result is discarded.
func (r *Request) Wait(ctx context.Context) (core.Reply, error) {
	select {
	case res := <-r.done:
		return res.Reply, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatcher is the one-command slot for a single device.
type Dispatcher struct {
	mu      sync.Mutex
	pending *Request // submitted, not yet picked up by the loop
	active  *Request // picked up, exchange running
	closed  bool
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Submit claims the slot for cmd. It never blocks: if a command is
// already pending or in flight it returns ErrBusy immediately.
func (d *Dispatcher) Submit(cmd core.Command) (*Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrAborted
	}
	if d.pending != nil || d.active != nil {
		return nil, ErrBusy
	}
	req := &Request{Cmd: cmd, done: make(chan Result, 1)}
	d.pending = req
	return req, nil
}

// Busy reports whether the slot is claimed.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil || d.active != nil
}

// Take hands the pending request to the device loop, or nil when the
// slot is empty. The slot stays claimed until Complete.
func (d *Dispatcher) Take() *Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := d.pending
	if req != nil {
		d.pending = nil
		d.active = req
	}
	return req
}

// Complete finishes the active request and frees the slot. The result
// channel is buffered, so completion never blocks on an abandoned
// waiter.
func (d *Dispatcher) Complete(req *Request, reply core.Reply, err error) {
	d.mu.Lock()
	if d.active == req {
		d.active = nil
	}
	d.mu.Unlock()

	req.done <- Result{Reply: reply, Err: err}
}

// Close fails the pending request (if any) with ErrAborted and rejects
// future submits. An active request is left to its device loop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.closed = true
	d.mu.Unlock()

	if pending != nil {
		pending.done <- Result{Err: ErrAborted}
	}
}
