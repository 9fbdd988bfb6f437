package binder

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

var (
	ErrNoDriver    = errors.New("binder: no driver attached")
	ErrReleased    = fmt.Errorf("binder: reference already released: %w", status.ErrBadValue)
	ErrNotStarted  = errors.New("binder: process not started")
	ErrShutdown    = fmt.Errorf("binder: process shut down: %w", status.ErrDead)
	ErrUnknownStub = fmt.Errorf("binder: no such local object: %w", status.ErrBadValue)

	// errDeadReply marks the driver's permanent remote-gone answer, as
	// opposed to this process losing its own driver.
	errDeadReply = fmt.Errorf("binder: dead reply: %w", status.ErrDead)
)

// ProtocolViolation is the panic value raised when the driver hands a thread
// an event it cannot have caused. It is a bug in the driver or in this
// package and is never recovered.
type ProtocolViolation struct {
	Thread uint32
	State  ThreadState
	Event  protocol.Event
}

func (v ProtocolViolation) Error() string {
	return fmt.Sprintf("binder: protocol violation on thread %d in %s: unexpected %s", v.Thread, v.State, v.Event)
}

// publicError folds err into the closed status set callers see, keeping the
// original message.
func publicError(err error) error {
	if err == nil {
		return nil
	}
	pub := status.Public(status.FromError(err))
	if errors.Is(err, pub.Err()) {
		return err
	}
	return fmt.Errorf("%w: %v", pub.Err(), err)
}
