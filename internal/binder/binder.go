package binder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/status"
)

// Binder is an object reference, local or remote. Calls look the same
// either way.
type Binder interface {
	Transact(ctx context.Context, code uint32, data *parcel.Parcel, wantReply bool) (*parcel.Parcel, error)
	IsAlive() bool
	// LocalStub is non-nil for objects in this process.
	LocalStub() *Stub
	// RemoteProxy is non-nil for objects in another process.
	RemoteProxy() *Proxy
}

// Release drops the strong reference b carries. Nil is ignored.
func Release(b Binder) {
	switch v := b.(type) {
	case *Stub:
		v.Release()
	case *Proxy:
		v.Release()
	}
}

// Recycle returns a parcel to the pool, dropping the references records in
// it still hold and freeing the driver buffer behind it.
func Recycle(p *parcel.Parcel) {
	releasePins(p)
	parcel.Put(p)
}

// pin keeps an object referenced while a record naming it travels through
// the driver.
type pin interface {
	release()
}

type exportPin struct {
	stub *Stub
	once sync.Once
}

func (e *exportPin) release() {
	e.once.Do(e.stub.unpin)
}

type proxyPin struct {
	proxy  *Proxy
	strong bool
	once   sync.Once
}

func (e *proxyPin) release() {
	e.once.Do(func() {
		if e.strong {
			e.proxy.Release()
		} else {
			e.proxy.DecWeak()
		}
	})
}

// releasePins drops the pins WriteBinder left on pc.
func releasePins(pc *parcel.Parcel) {
	if pc == nil {
		return
	}
	releaseKept(pc.Kept())
}

func releaseKept(kept []any) {
	for _, k := range kept {
		if p, ok := k.(pin); ok {
			p.release()
		}
	}
}

// WriteBinder appends a strong reference to b. A nil b writes the null
// reference.
func WriteBinder(pc *parcel.Parcel, b Binder) error {
	return writeBinder(pc, b, true)
}

// WriteWeakBinder appends a weak reference to b.
func WriteWeakBinder(pc *parcel.Parcel, b Binder) error {
	return writeBinder(pc, b, false)
}

func writeBinder(pc *parcel.Parcel, b Binder, strong bool) error {
	if b == nil {
		return pc.WriteNullObject()
	}
	if s := b.LocalStub(); s != nil {
		if err := s.pin(); err != nil {
			return err
		}
		s.proc.export(s)
		ref := parcel.ObjectRef{Type: parcel.TypeWeakLocal, Binder: s.ptr, Cookie: s.cookie}
		if strong {
			ref.Type = parcel.TypeStrongLocal
		}
		if _, err := pc.WriteObjectRef(ref); err != nil {
			s.unpin()
			return err
		}
		pc.Keep(&exportPin{stub: s})
		return nil
	}
	if px := b.RemoteProxy(); px != nil {
		if px.released.Load() {
			return ErrReleased
		}
		hold := &proxyPin{proxy: px, strong: strong}
		ref := parcel.ObjectRef{Type: parcel.TypeWeakHandle, Binder: uint64(px.handle)}
		if strong {
			ref.Type = parcel.TypeStrongHandle
			if err := px.Acquire(); err != nil {
				return err
			}
		} else if err := px.IncWeak(); err != nil {
			return err
		}
		if _, err := pc.WriteObjectRef(ref); err != nil {
			hold.release()
			return err
		}
		pc.Keep(hold)
		return nil
	}
	return fmt.Errorf("binder: cannot flatten %T: %w", b, status.ErrBadType)
}

// ReadBinder reads a strong reference. The caller owns one strong reference
// on the result and must Release it. A null record reads as (nil, nil).
func (p *Process) ReadBinder(pc *parcel.Parcel) (Binder, error) {
	ref, err := pc.ReadObjectRef()
	if errors.Is(err, parcel.ErrReadNull) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch ref.Type {
	case parcel.TypeStrongLocal, parcel.TypeWeakLocal:
		s, err := p.lookupStub(ref.Binder, ref.Cookie)
		if err != nil {
			return nil, err
		}
		if err := s.Acquire(); err != nil {
			return nil, err
		}
		return s, nil
	case parcel.TypeStrongHandle:
		px, err := p.getProxy(uint32(ref.Binder), true)
		if err != nil {
			return nil, err
		}
		return px, nil
	case parcel.TypeWeakHandle:
		wp, err := p.GetWeakProxy(uint32(ref.Binder))
		if err != nil {
			return nil, err
		}
		defer wp.Release()
		px, err := wp.Promote(context.Background())
		if err != nil {
			return nil, err
		}
		return px, nil
	}
	return nil, status.ErrBadType
}

// WeakBinder is a weak reference to a local or remote object.
type WeakBinder struct {
	Stub  *Stub
	Proxy *WeakProxy
}

// IsNil reports whether w refers to nothing.
func (w WeakBinder) IsNil() bool { return w.Stub == nil && w.Proxy == nil }

// Promote returns a strong reference if the object is still alive.
func (w WeakBinder) Promote(ctx context.Context) (Binder, error) {
	switch {
	case w.Stub != nil:
		if !w.Stub.AttemptAcquire() {
			return nil, status.ErrDead
		}
		return w.Stub, nil
	case w.Proxy != nil:
		px, err := w.Proxy.Promote(ctx)
		if err != nil {
			return nil, err
		}
		return px, nil
	}
	return nil, status.ErrReadNull
}

// Release drops the weak reference.
func (w WeakBinder) Release() {
	switch {
	case w.Stub != nil:
		w.Stub.DecWeak()
	case w.Proxy != nil:
		w.Proxy.Release()
	}
}

// ReadWeakBinder reads a weak reference. Strong records are accepted and
// read weakly.
func (p *Process) ReadWeakBinder(pc *parcel.Parcel) (WeakBinder, error) {
	ref, err := pc.ReadObjectRef()
	if errors.Is(err, parcel.ErrReadNull) {
		return WeakBinder{}, nil
	}
	if err != nil {
		return WeakBinder{}, err
	}
	if ref.IsLocal() {
		s, err := p.lookupStub(ref.Binder, ref.Cookie)
		if err != nil {
			return WeakBinder{}, err
		}
		s.IncWeak()
		return WeakBinder{Stub: s}, nil
	}
	wp, err := p.GetWeakProxy(uint32(ref.Binder))
	if err != nil {
		return WeakBinder{}, err
	}
	return WeakBinder{Proxy: wp}, nil
}
