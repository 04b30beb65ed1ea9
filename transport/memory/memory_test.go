package memory

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/goToMain/osdp-go/transport"
)

func TestPairRoundTrip(t *testing.T) {
	cp, pd := Pair("cp", "pd")
	defer cp.Close()

	if cp.ID() != "cp" || pd.ID() != "pd" {
		t.Fatalf("unexpected ids %q %q", cp.ID(), pd.ID())
	}

	msg := []byte{0x53, 0x01, 0x08, 0x00, 0x04}
	if _, err := cp.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := pd.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got % x want % x", buf[:n], msg)
	}

	// Reverse direction.
	if _, err := pd.Write([]byte{0xAA}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err = cp.Read(buf)
	if err != nil || n != 1 || buf[0] != 0xAA {
		t.Fatalf("reverse read: n=%d err=%v", n, err)
	}
}

func TestReadDeadline(t *testing.T) {
	cp, pd := Pair("cp", "pd")
	defer cp.Close()
	_ = pd

	if err := cp.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	start := time.Now()
	_, err := cp.Read(make([]byte, 8))
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("deadline read took too long")
	}

	// A fresh deadline in the future allows a pending write through.
	cp.SetReadDeadline(time.Now().Add(time.Second))
	go func() {
		time.Sleep(5 * time.Millisecond)
		pd.Write([]byte{0x01})
	}()
	n, err := cp.Read(make([]byte, 8))
	if err != nil || n != 1 {
		t.Fatalf("read after write: n=%d err=%v", n, err)
	}
}

func TestFlush(t *testing.T) {
	cp, pd := Pair("cp", "pd")
	defer cp.Close()

	pd.Write([]byte{1, 2, 3})
	if err := cp.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	cp.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := cp.Read(make([]byte, 8)); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout after flush, got %v", err)
	}
}

func TestClose(t *testing.T) {
	cp, pd := Pair("cp", "pd")

	done := make(chan error, 1)
	go func() {
		_, err := pd.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cp.Close()

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked read did not unblock on close")
	}

	if _, err := pd.Write([]byte{1}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed on write, got %v", err)
	}
}
