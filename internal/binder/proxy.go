package binder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

// handleEntry is this process's bookkeeping for one driver handle. The
// driver holds one strong count while strong > 0 and one weak count while
// weak > 0. The entry is dropped when both reach zero.
type handleEntry struct {
	handle uint32
	strong int
	weak   int
	proxy  *Proxy
	// attempt is non-nil while a strong acquire is being negotiated with
	// the driver; it is closed when the negotiation ends.
	attempt chan struct{}
}

// Proxy is the local surrogate of an object in another process. There is
// at most one Proxy per handle in a process at a time.
type Proxy struct {
	proc     *Process
	handle   uint32
	dead     atomic.Bool
	released atomic.Bool

	mu    sync.Mutex
	obits []*obituary
	fired bool
}

var _ Binder = (*Proxy)(nil)

func (px *Proxy) Handle() uint32 { return px.handle }

func (px *Proxy) Process() *Process { return px.proc }

func (px *Proxy) LocalStub() *Stub    { return nil }
func (px *Proxy) RemoteProxy() *Proxy { return px }

// IsAlive is false once a call to the object has come back dead.
func (px *Proxy) IsAlive() bool { return !px.dead.Load() }

// StrongCount is the number of strong users of the handle in this process.
func (px *Proxy) StrongCount() int {
	p := px.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.handles[px.handle]; ok && e.proxy == px {
		return e.strong
	}
	return 0
}

// WeakCount is the number of weak users of the handle in this process.
func (px *Proxy) WeakCount() int {
	p := px.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.handles[px.handle]; ok && e.proxy == px {
		return e.weak
	}
	return 0
}

// Transact sends code and data to the remote object. A proxy known dead
// fails with status.ErrDead without reaching the driver. On success the
// caller owns the reply and hands it back with Recycle.
func (px *Proxy) Transact(ctx context.Context, code uint32, data *parcel.Parcel, wantReply bool) (*parcel.Parcel, error) {
	if px.dead.Load() {
		return nil, status.ErrDead
	}
	if px.released.Load() {
		return nil, ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, status.ErrWouldBlock
	}
	if data == nil {
		data = parcel.New()
	}
	p := px.proc
	t, done, err := p.threadFor(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	flags := protocol.TxnFlags(0)
	if wantReply {
		flags |= protocol.FlagSynchronous
	}
	reply, err := t.transact(withThread(ctx, t), px.handle, code, data, flags)
	releasePins(data)
	switch {
	case err == nil:
		observability.RecordTransaction("out", "ok")
	case errors.Is(err, errDeadReply):
		observability.RecordTransaction("out", "dead")
		px.markDead()
		return nil, status.ErrDead
	default:
		observability.RecordTransaction("out", "error")
		return nil, publicError(err)
	}
	return reply, nil
}

// Ping round-trips an empty call that every Stub answers.
func (px *Proxy) Ping(ctx context.Context) error {
	reply, err := px.Transact(ctx, PingCode, nil, true)
	if reply != nil {
		Recycle(reply)
	}
	return err
}

// Acquire adds a strong reference for a caller that already holds one.
func (px *Proxy) Acquire() error {
	p := px.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.entryFor(px)
	if err != nil {
		return err
	}
	if e.strong == 0 {
		return fmt.Errorf("binder: handle %d has no strong reference to share: %w", px.handle, status.ErrBadValue)
	}
	e.strong++
	return nil
}

// Release drops one strong reference. The last one first expunges the
// proxy from process caches and runs their cleanups, then leaves the handle
// table, then releases the driver's count, in that order.
func (px *Proxy) Release() {
	p := px.proc
	p.mu.Lock()
	e, err := p.entryFor(px)
	if err != nil || e.strong == 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("binder: handle %d released without a strong reference", px.handle))
	}
	if e.strong == 1 {
		if cleanups := p.expungeLocked(px); len(cleanups) > 0 {
			// the caller's reference holds the handle until cleanups finish
			p.mu.Unlock()
			for _, fn := range cleanups {
				fn()
			}
			p.mu.Lock()
		}
	}
	e.strong--
	if e.strong == 0 {
		p.leaveLocked(e)
		_ = p.refCommandLocked(protocol.Cmd{Op: protocol.BcRelease, Handle: px.handle})
	}
	p.mu.Unlock()
}

// IncWeak adds a weak reference.
func (px *Proxy) IncWeak() error {
	p := px.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.entryFor(px)
	if err != nil {
		return err
	}
	return p.incWeakLocked(e)
}

// DecWeak drops a weak reference.
func (px *Proxy) DecWeak() {
	p := px.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.entryFor(px)
	if err != nil || e.weak == 0 {
		panic(fmt.Sprintf("binder: handle %d weak count underflow", px.handle))
	}
	e.weak--
	if e.weak == 0 {
		p.leaveLocked(e)
		_ = p.refCommandLocked(protocol.Cmd{Op: protocol.BcDecrefs, Handle: px.handle})
	}
}

// Weak returns a weak reference to the same object.
func (px *Proxy) Weak() (*WeakProxy, error) {
	if err := px.IncWeak(); err != nil {
		return nil, err
	}
	return &WeakProxy{proxy: px, counted: true}, nil
}

// WeakProxy refers to a remote object without keeping it alive.
type WeakProxy struct {
	proxy   *Proxy
	counted bool
	gone    atomic.Bool
}

func (w *WeakProxy) Handle() uint32 { return w.proxy.handle }

// IsAlive reports what the proxy last learned about the object.
func (w *WeakProxy) IsAlive() bool { return w.proxy.IsAlive() }

// Promote returns a strong reference if the object still has one anywhere.
// When this process holds no strong reference the driver is asked through
// an attempt-acquire round trip; concurrent promotions of one handle are
// serialized so exactly one negotiation decides for all of them.
func (w *WeakProxy) Promote(ctx context.Context) (*Proxy, error) {
	px := w.proxy
	if px.dead.Load() {
		return nil, status.ErrDead
	}
	if w.gone.Load() {
		return nil, ErrReleased
	}
	p := px.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.settledEntryLocked(px)
	if err != nil {
		return nil, err
	}
	if err := p.promoteLocked(ctx, e); err != nil {
		return nil, err
	}
	return px, nil
}

// promoteLocked takes one strong reference on e, which the process holds at
// least weakly. With no strong reference left in the process the driver
// decides through an attempt-acquire; a refusal is status.ErrDead. p.mu is
// released during the round trip.
func (p *Process) promoteLocked(ctx context.Context, e *handleEntry) error {
	if e.strong > 0 {
		e.strong++
		return nil
	}
	ch := make(chan struct{})
	e.attempt = ch
	p.mu.Unlock()

	ok, err := p.attemptAcquire(ctx, e.handle)

	p.mu.Lock()
	e.attempt = nil
	close(ch)
	if err == nil && ok {
		e.strong = 1
	}
	p.leaveLocked(e)
	if err != nil {
		return publicError(err)
	}
	if !ok {
		return status.ErrDead
	}
	return nil
}

// Release drops the weak reference. Calling it twice is a no-op.
func (w *WeakProxy) Release() {
	if !w.counted || w.gone.Swap(true) {
		return
	}
	w.proxy.DecWeak()
}

// GetProxy returns the cached proxy for handle, creating it on first use,
// and adds one strong reference the caller owns. A handle this process holds
// only weakly is promoted through the driver and fails with status.ErrDead
// once the object has no strong reference anywhere.
func (p *Process) GetProxy(handle uint32) (*Proxy, error) {
	return p.getProxy(handle, false)
}

// getProxy is GetProxy for a caller that may hold a driver-side reference
// on handle, such as a received buffer. vouched lets it skip promotion.
func (p *Process) getProxy(handle uint32, vouched bool) (*Proxy, error) {
	if p.drv == nil {
		return nil, ErrNoDriver
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, ErrShutdown
	}
	e := p.settledHandleLocked(handle)
	if e.strong == 0 && e.weak > 0 && !vouched {
		if err := p.promoteLocked(context.Background(), e); err != nil {
			return nil, err
		}
		return e.proxy, nil
	}
	e.strong++
	if e.strong == 1 {
		if err := p.refCommandLocked(protocol.Cmd{Op: protocol.BcAcquire, Handle: handle}); err != nil {
			e.strong = 0
			p.leaveLocked(e)
			return nil, fmt.Errorf("binder: acquire handle %d: %w", handle, err)
		}
	}
	return e.proxy, nil
}

// GetWeakProxy returns a weak reference on handle.
func (p *Process) GetWeakProxy(handle uint32) (*WeakProxy, error) {
	if p.drv == nil {
		return nil, ErrNoDriver
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, ErrShutdown
	}
	e := p.entryLocked(handle)
	if err := p.incWeakLocked(e); err != nil {
		return nil, fmt.Errorf("binder: weak handle %d: %w", handle, err)
	}
	return &WeakProxy{proxy: e.proxy, counted: true}, nil
}

func (p *Process) entryLocked(handle uint32) *handleEntry {
	e, ok := p.handles[handle]
	if !ok {
		e = &handleEntry{handle: handle, proxy: &Proxy{proc: p, handle: handle}}
		p.handles[handle] = e
		p.log.Trace().Uint32("handle", handle).Msg("proxy created")
	}
	return e
}

// entryFor returns px's live entry.
func (p *Process) entryFor(px *Proxy) (*handleEntry, error) {
	e, ok := p.handles[px.handle]
	if !ok || e.proxy != px {
		return nil, ErrReleased
	}
	return e, nil
}

// settledEntryLocked waits out an attempt-acquire in flight on px's handle.
// p.mu is released while waiting.
func (p *Process) settledEntryLocked(px *Proxy) (*handleEntry, error) {
	for {
		e, err := p.entryFor(px)
		if err != nil {
			return nil, err
		}
		if e.attempt == nil {
			return e, nil
		}
		ch := e.attempt
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
	}
}

// settledHandleLocked is entryLocked for callers about to take a strong
// reference: it first waits out any attempt-acquire on the handle.
func (p *Process) settledHandleLocked(handle uint32) *handleEntry {
	for {
		e := p.entryLocked(handle)
		if e.attempt == nil {
			return e
		}
		ch := e.attempt
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
	}
}

func (p *Process) incWeakLocked(e *handleEntry) error {
	e.weak++
	if e.weak == 1 {
		if err := p.refCommandLocked(protocol.Cmd{Op: protocol.BcIncrefs, Handle: e.handle}); err != nil {
			e.weak = 0
			p.leaveLocked(e)
			return err
		}
	}
	return nil
}

// leaveLocked forgets e once nothing in the process uses it.
func (p *Process) leaveLocked(e *handleEntry) {
	if e.strong > 0 || e.weak > 0 || e.attempt != nil {
		return
	}
	if cur, ok := p.handles[e.handle]; ok && cur == e {
		delete(p.handles, e.handle)
	}
	e.proxy.released.Store(true)
	p.log.Trace().Uint32("handle", e.handle).Msg("proxy dropped")
}

// expungeLocked removes everything cached against px and returns the
// cleanups to run once the table lock is released.
func (p *Process) expungeLocked(px *Proxy) []func() {
	attached := p.attached[px]
	if len(attached) == 0 {
		return nil
	}
	delete(p.attached, px)
	out := make([]func(), 0, len(attached))
	for _, a := range attached {
		if a.cleanup != nil {
			out = append(out, a.cleanup)
		}
	}
	return out
}

type attachment struct {
	key     any
	value   any
	cleanup func()
}

// Attach caches value against px under key until px's last strong reference
// goes, when cleanup (if any) runs. A second Attach with the same key
// replaces the first without running its cleanup.
func (p *Process) Attach(px *Proxy, key, value any, cleanup func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.entryFor(px)
	if err != nil {
		return err
	}
	if e.strong == 0 {
		return fmt.Errorf("binder: attach to handle %d without a strong reference: %w", px.handle, status.ErrBadValue)
	}
	list := p.attached[px]
	for i := range list {
		if list[i].key == key {
			list[i] = attachment{key: key, value: value, cleanup: cleanup}
			return nil
		}
	}
	p.attached[px] = append(list, attachment{key: key, value: value, cleanup: cleanup})
	return nil
}

// Attached returns the value cached against px under key.
func (p *Process) Attached(px *Proxy, key any) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.attached[px] {
		if a.key == key {
			return a.value, true
		}
	}
	return nil, false
}
