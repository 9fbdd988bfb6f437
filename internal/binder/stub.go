package binder

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/status"
)

// PingCode is answered by every Stub without reaching its Object.
const PingCode uint32 = 0x5f504e47 // _PNG

// Object is an application object exposed through a Stub. data is positioned
// at its start; reply is empty. Neither may be retained after return.
type Object interface {
	OnTransact(ctx context.Context, code uint32, data, reply *parcel.Parcel) error
}

// ObjectFunc adapts a function to Object.
type ObjectFunc func(ctx context.Context, code uint32, data, reply *parcel.Parcel) error

func (f ObjectFunc) OnTransact(ctx context.Context, code uint32, data, reply *parcel.Parcel) error {
	return f(ctx, code, data, reply)
}

// LastStrongRefer is implemented by objects that want to know when the last
// strong reference, local or remote, is gone.
type LastStrongRefer interface {
	OnLastStrongRef()
}

// StubState is the lifecycle of a local object.
type StubState uint8

const (
	// StubAlive: strong references exist.
	StubAlive StubState = iota
	// StubAttempting: the last strong reference left and teardown runs.
	// Acquires and attempt-acquires fail from here on.
	StubAttempting
	// StubDead: torn down. Only weak references may remain.
	StubDead
)

func (s StubState) String() string {
	switch s {
	case StubAlive:
		return "alive"
	case StubAttempting:
		return "attempting"
	case StubDead:
		return "dead"
	}
	return fmt.Sprintf("stub-state(%d)", uint8(s))
}

// StubCounts is a snapshot of a Stub's references. Local counts come from
// this process; remote counts mirror what the driver reported.
type StubCounts struct {
	LocalStrong  int
	LocalWeak    int
	RemoteStrong int
	RemoteWeak   int
	Pins         int
}

// Stub is the local, callable side of an exposed object. Its address on the
// wire is ptr, tagged with cookie.
type Stub struct {
	proc   *Process
	obj    Object
	ptr    uint64
	cookie uint64

	mu           sync.Mutex
	state        StubState
	localStrong  int
	localWeak    int
	remoteStrong int
	remoteWeak   int
	pins         int
}

var _ Binder = (*Stub)(nil)

// NewStub wraps obj. The caller owns the one strong reference it starts with.
func (p *Process) NewStub(obj Object) *Stub {
	s := &Stub{
		proc:        p,
		obj:         obj,
		ptr:         p.nextPtr.Add(stubPtrStride),
		cookie:      p.cookieSalt ^ p.nextCookie.Add(1),
		localStrong: 1,
	}
	p.log.Trace().Uint64("ptr", s.ptr).Msg("stub created")
	return s
}

func (s *Stub) Object() Object { return s.obj }

// Ptr is the wire address of the stub in its process.
func (s *Stub) Ptr() uint64 { return s.ptr }

func (s *Stub) Process() *Process { return s.proc }

func (s *Stub) LocalStub() *Stub    { return s }
func (s *Stub) RemoteProxy() *Proxy { return nil }

func (s *Stub) IsAlive() bool {
	return s.State() != StubDead
}

func (s *Stub) State() StubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stub) Counts() StubCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StubCounts{
		LocalStrong:  s.localStrong,
		LocalWeak:    s.localWeak,
		RemoteStrong: s.remoteStrong,
		RemoteWeak:   s.remoteWeak,
		Pins:         s.pins,
	}
}

func (s *Stub) strongLocked() int { return s.localStrong + s.remoteStrong + s.pins }

// Acquire adds a strong reference. It fails once the last strong reference
// has gone; use AttemptAcquire when holding only a weak one.
func (s *Stub) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StubAlive {
		return status.ErrDead
	}
	s.localStrong++
	return nil
}

// AttemptAcquire adds a strong reference only if the object is still alive.
func (s *Stub) AttemptAcquire() bool {
	return s.Acquire() == nil
}

// Release drops a strong reference taken by NewStub, Acquire or a
// successful AttemptAcquire.
func (s *Stub) Release() {
	s.mu.Lock()
	if s.localStrong == 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("binder: stub %#x released without a strong reference", s.ptr))
	}
	s.localStrong--
	s.afterDecLocked()
}

func (s *Stub) IncWeak() {
	s.mu.Lock()
	s.localWeak++
	s.mu.Unlock()
}

func (s *Stub) DecWeak() {
	s.mu.Lock()
	if s.localWeak == 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("binder: stub %#x weak count underflow", s.ptr))
	}
	s.localWeak--
	s.afterDecLocked()
}

// afterDecLocked runs teardown once the strong count reaches zero and
// unexports a dead stub nobody refers to. It releases s.mu.
func (s *Stub) afterDecLocked() {
	dying := s.state == StubAlive && s.strongLocked() == 0
	if dying {
		s.state = StubAttempting
	}
	forget := !dying && s.state == StubDead && s.remoteStrong == 0 && s.remoteWeak == 0
	s.mu.Unlock()

	if dying {
		if h, ok := s.obj.(LastStrongRefer); ok {
			h.OnLastStrongRef()
		}
		s.mu.Lock()
		s.state = StubDead
		forget = s.remoteStrong == 0 && s.remoteWeak == 0
		s.mu.Unlock()
		s.proc.log.Debug().Uint64("ptr", s.ptr).Msg("stub died")
	}
	if forget {
		s.proc.unexport(s)
	}
}

// Transact dispatches to the object on the calling goroutine.
func (s *Stub) Transact(ctx context.Context, code uint32, data *parcel.Parcel, wantReply bool) (*parcel.Parcel, error) {
	if data == nil {
		data = parcel.New()
	}
	reply := parcel.New()
	err := s.dispatch(ctx, code, data, reply)
	releasePins(data)
	if err != nil || !wantReply {
		releasePins(reply)
		return nil, publicError(err)
	}
	// objects written into the reply stay pinned until the caller recycles it
	if kept := append([]any(nil), reply.Kept()...); len(kept) > 0 {
		reply.SetReleaser(func() { releaseKept(kept) })
	}
	reply.Rewind()
	return reply, nil
}

// Ping reports whether the object is alive.
func (s *Stub) Ping(ctx context.Context) error {
	_, err := s.Transact(ctx, PingCode, nil, false)
	return err
}

func (s *Stub) dispatch(ctx context.Context, code uint32, data, reply *parcel.Parcel) error {
	if err := s.Acquire(); err != nil {
		return err
	}
	defer s.Release()
	if code == PingCode {
		return nil
	}
	data.Rewind()
	return s.obj.OnTransact(ctx, code, data, reply)
}

// pin holds a strong reference while an outgoing record is in flight.
func (s *Stub) pin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StubAlive {
		return status.ErrDead
	}
	s.pins++
	return nil
}

func (s *Stub) unpin() {
	s.mu.Lock()
	s.pins--
	s.afterDecLocked()
}

// Remote reference events, applied by looper threads.

func (s *Stub) remoteIncWeak() {
	s.mu.Lock()
	s.remoteWeak++
	s.mu.Unlock()
}

func (s *Stub) remoteIncStrong() {
	s.mu.Lock()
	s.remoteStrong++
	s.mu.Unlock()
}

// remoteAttempt answers a driver attempt-acquire.
func (s *Stub) remoteAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StubAlive {
		return false
	}
	s.remoteStrong++
	return true
}

func (s *Stub) remoteDecStrong() {
	s.mu.Lock()
	if s.remoteStrong == 0 {
		s.mu.Unlock()
		s.proc.log.Warn().Uint64("ptr", s.ptr).Msg("remote release without acquire")
		return
	}
	s.remoteStrong--
	s.afterDecLocked()
}

func (s *Stub) remoteDecWeak() {
	s.mu.Lock()
	if s.remoteWeak == 0 {
		s.mu.Unlock()
		s.proc.log.Warn().Uint64("ptr", s.ptr).Msg("remote decref without incref")
		return
	}
	s.remoteWeak--
	s.afterDecLocked()
}
