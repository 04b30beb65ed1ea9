package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goToMain/osdp-go/core"
)

func TestSubmitTakeComplete(t *testing.T) {
	d := New()

	if d.Busy() {
		t.Fatal("new dispatcher busy")
	}
	if d.Take() != nil {
		t.Fatal("take on empty dispatcher returned a request")
	}

	req, err := d.Submit(core.Poll{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !d.Busy() {
		t.Fatal("dispatcher not busy after submit")
	}

	got := d.Take()
	if got != req {
		t.Fatal("take returned a different request")
	}
	if !d.Busy() {
		t.Fatal("slot freed before completion")
	}

	d.Complete(got, core.Ack{}, nil)
	if d.Busy() {
		t.Fatal("slot still claimed after completion")
	}

	reply, err := req.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, ok := reply.(core.Ack); !ok {
		t.Fatalf("got %T, want Ack", reply)
	}
}

func TestSubmitWhileBusy(t *testing.T) {
	d := New()

	req, _ := d.Submit(core.Poll{})
	if _, err := d.Submit(core.LocalStatusRequest{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Still busy while the exchange runs.
	taken := d.Take()
	if _, err := d.Submit(core.LocalStatusRequest{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy in flight, got %v", err)
	}

	d.Complete(taken, nil, ErrTimeout)
	if _, err := req.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// Slot reusable after failure.
	if _, err := d.Submit(core.Poll{}); err != nil {
		t.Fatalf("Submit after completion: %v", err)
	}
}

func TestWaitCancellation(t *testing.T) {
	d := New()
	req, _ := d.Submit(core.Poll{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := req.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// Late completion must not block even though the waiter left.
	taken := d.Take()
	d.Complete(taken, core.Ack{}, nil)
	if d.Busy() {
		t.Fatal("slot still claimed after late completion")
	}
}

func TestClose(t *testing.T) {
	d := New()
	req, _ := d.Submit(core.Poll{})
	d.Close()

	if _, err := req.Wait(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if _, err := d.Submit(core.Poll{}); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted after close, got %v", err)
	}
}

func TestValidReply(t *testing.T) {
	tests := []struct {
		name  string
		cmd   uint8
		reply uint8
		want  bool
	}{
		{"poll ack", core.CmdPoll, core.ReplyAck, true},
		{"poll card raw", core.CmdPoll, core.ReplyRaw, true},
		{"poll keypad", core.CmdPoll, core.ReplyKeypad, true},
		{"poll local status", core.CmdPoll, core.ReplyLStat, true},
		{"poll pdid rejected", core.CmdPoll, core.ReplyPdId, false},
		{"id pdid", core.CmdID, core.ReplyPdId, true},
		{"id ack rejected", core.CmdID, core.ReplyAck, false},
		{"cap pdcap", core.CmdCap, core.ReplyPdCap, true},
		{"chlng ccrypt", core.CmdChallenge, core.ReplyCCrypt, true},
		{"chlng rmac rejected", core.CmdChallenge, core.ReplyRMacI, false},
		{"scrypt rmac", core.CmdSCrypt, core.ReplyRMacI, true},
		{"out ack", core.CmdOut, core.ReplyAck, true},
		{"out raw rejected", core.CmdOut, core.ReplyRaw, false},
		{"comset com", core.CmdComSet, core.ReplyCom, true},
		{"comset ack", core.CmdComSet, core.ReplyAck, true},
		{"mfg mfgrep", core.CmdMfg, core.ReplyMfgRep, true},
		{"mfg ack", core.CmdMfg, core.ReplyAck, true},
		{"filetransfer ftstat", core.CmdFileTransfer, core.ReplyFtStat, true},
		{"nak always valid", core.CmdID, core.ReplyNak, true},
		{"busy always valid", core.CmdKeySet, core.ReplyBusy, true},
		{"keyset ack", core.CmdKeySet, core.ReplyAck, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidReply(tt.cmd, tt.reply); got != tt.want {
				t.Errorf("ValidReply(%#02x, %#02x) = %v, want %v", tt.cmd, tt.reply, got, tt.want)
			}
		})
	}
}
