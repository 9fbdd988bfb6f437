// Package driver defines the duplex call a process makes into its kernel.
package driver

import (
	"context"
	"errors"

	"github.com/danmuck/edgebinder/internal/status"
)

// WriteRead is one duplex driver call. The kernel consumes commands from
// WriteBuffer[WriteConsumed:] and appends returns to ReadBuffer starting at
// ReadConsumed, never growing past cap(ReadBuffer). Both counts are updated
// in place so an interrupted call can be resumed.
type WriteRead struct {
	WriteBuffer   []byte
	WriteConsumed int
	ReadBuffer    []byte
	ReadConsumed  int
}

// Pending reports whether unconsumed commands remain.
func (w *WriteRead) Pending() bool {
	return w.WriteConsumed < len(w.WriteBuffer)
}

// Returns is the portion of ReadBuffer filled so far.
func (w *WriteRead) Returns() []byte {
	return w.ReadBuffer[:w.ReadConsumed]
}

// Driver is the kernel endpoint of one process. tid names the calling thread;
// the kernel keeps per-thread transaction stacks keyed by it.
//
// WriteRead blocks when the write side is drained and nothing is readable,
// until an event arrives or ctx is done (status.ErrInterrupted).
type Driver interface {
	WriteRead(ctx context.Context, tid uint32, wr *WriteRead) error
	// ExitThread drops per-thread kernel state for tid.
	ExitThread(tid uint32) error
	Close() error
}

// Retry calls WriteRead until the write side is drained or a non-interrupt
// error occurs. It returns early with ErrInterrupted only when ctx is done,
// so cancellation still reaches the caller.
func Retry(ctx context.Context, d Driver, tid uint32, wr *WriteRead) error {
	for {
		err := d.WriteRead(ctx, tid, wr)
		if err == nil {
			return nil
		}
		if !errors.Is(err, status.ErrInterrupted) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if !wr.Pending() && wr.ReadConsumed > 0 {
			return nil
		}
	}
}
