package cp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goToMain/osdp-go/core"
	"github.com/goToMain/osdp-go/core/dispatch"
)

// DefaultFragmentSize is the initial file transfer fragment size. The
// device can shrink it through the RxSize field of its FTSTAT replies.
const DefaultFragmentSize = 128

// File transfer status codes reported in FTSTAT. Negative values are
// errors; positive values qualify success.
const (
	FtStatusOK       int16 = 0
	FtStatusFinished int16 = 1
)

// TransferFile streams size bytes from r to the device at address as a
// sequence of fragment commands. The transfer competes with polling,
// so the device stays responsive; a slow device can pace the transfer
// through the delay field of its status replies.
func (p *Panel) TransferFile(ctx context.Context, address int, fileType uint8, r io.Reader, size uint32) error {
	if size == 0 {
		return errors.New("empty file")
	}

	fragSize := uint32(DefaultFragmentSize)
	buf := make([]byte, fragSize)
	var offset uint32

	for offset < size {
		want := fragSize
		if size-offset < want {
			want = size - offset
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			p.abortTransfer(ctx, address)
			return fmt.Errorf("reading file at offset %d: %w", offset, err)
		}

		st, err := p.sendFragment(ctx, address, core.FileTransfer{
			Type:     fileType,
			Size:     size,
			Offset:   offset,
			Fragment: buf[:want],
		})
		if err != nil {
			return fmt.Errorf("fragment at offset %d: %w", offset, err)
		}
		if st.Status < 0 {
			p.abortTransfer(ctx, address)
			return fmt.Errorf("device rejected transfer at offset %d: status %d", offset, st.Status)
		}
		offset += want

		if st.Status == FtStatusFinished {
			if offset < size {
				return fmt.Errorf("device finished early at offset %d of %d", offset, size)
			}
			return nil
		}
		// The device may cap the fragment size or ask for a pause.
		if st.RxSize > 0 && uint32(st.RxSize) < fragSize {
			fragSize = uint32(st.RxSize)
		}
		if st.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(st.Delay) * time.Millisecond):
			}
		}
	}
	return errors.New("transfer completed without a finished status")
}

// sendFragment submits one fragment, retrying while the command slot
// is busy or the device reports BUSY.
func (p *Panel) sendFragment(ctx context.Context, address int, ft core.FileTransfer) (core.FtStat, error) {
	for {
		reply, err := p.SendCommand(ctx, address, ft)
		switch {
		case errors.Is(err, dispatch.ErrBusy):
			// Another caller holds the slot; yield and retry.
		case err != nil:
			return core.FtStat{}, err
		default:
			switch r := reply.(type) {
			case core.FtStat:
				return r, nil
			case core.Busy:
				// Device-side busy; pause before resending.
			case core.Nak:
				return core.FtStat{}, fmt.Errorf("transfer refused: NAK (%s)", r.Reason)
			default:
				return core.FtStat{}, fmt.Errorf("%w: %T to file transfer", dispatch.ErrUnexpectedReply, reply)
			}
		}

		select {
		case <-ctx.Done():
			return core.FtStat{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// abortTransfer tells the device to drop a half-finished transfer.
// Best effort: the device also aborts on the next out-of-order offset.
func (p *Panel) abortTransfer(ctx context.Context, address int) {
	abortCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := p.SendCommand(abortCtx, address, core.AbortRequest{}); err != nil {
		p.log.Debug("transfer abort not delivered", "address", address, "error", err)
	}
}
