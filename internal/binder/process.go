package binder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/edgebinder/internal/driver"
	"github.com/danmuck/edgebinder/internal/handler"
	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

// stubPtrStride spaces stub addresses so they look like aligned pointers.
const stubPtrStride = 0x10

// Process is one participant in the runtime: its exported objects, its
// handle table and its driver threads.
type Process struct {
	cfg   Config
	drv   driver.Driver
	log   zerolog.Logger
	sched *handler.Scheduler

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	mu       sync.Mutex
	handles  map[uint32]*handleEntry
	attached map[*Proxy][]attachment
	exports  map[uint64]*Stub
	ctxStub  *Stub
	shutdown bool

	// ref commands are written from one dedicated driver thread.
	cmdMu   sync.Mutex
	cmd     *Thread
	pollCtx context.Context

	threadMu sync.Mutex
	idle     []*Thread

	deathMu sync.Mutex
	linked  map[*Proxy]struct{}

	nextTID     atomic.Uint32
	nextPtr     atomic.Uint64
	nextCookie  atomic.Uint64
	cookieSalt  uint64
	loopers     sync.WaitGroup
	liveLoopers atomic.Int32
}

// New creates a process over drv. A nil drv gives a local-only process:
// Stubs and Handlers work, remote references do not.
func New(cfg Config, drv driver.Driver) *Process {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	poll, stop := context.WithCancel(context.Background())
	stop()

	id := uuid.New()
	p := &Process{
		cfg:        cfg,
		drv:        drv,
		log:        logging.Logger("binder").With().Str("process", cfg.Name).Logger(),
		sched:      handler.NewScheduler(cfg.Scheduler),
		ctx:        ctx,
		cancel:     cancel,
		handles:    make(map[uint32]*handleEntry),
		attached:   make(map[*Proxy][]attachment),
		exports:    make(map[uint64]*Stub),
		linked:     make(map[*Proxy]struct{}),
		pollCtx:    poll,
		cookieSalt: binary.LittleEndian.Uint64(id[:8]),
	}
	p.nextPtr.Store(0x1000)
	if drv != nil {
		p.cmd = p.newThread(false)
		if !cfg.LocalScheduler {
			p.sched.SetWaker(driverWaker{p})
		}
	}
	return p
}

func (p *Process) Name() string { return p.cfg.Name }

// Scheduler runs the process's Handlers.
func (p *Process) Scheduler() *handler.Scheduler { return p.sched }

// Local reports whether the process has no driver.
func (p *Process) Local() bool { return p.drv == nil }

// Start begins handler dispatch and, with a driver, the main looper.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	down := p.shutdown
	p.mu.Unlock()
	if down {
		return ErrShutdown
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.sched.Start(p.ctx); err != nil {
		return err
	}
	if p.drv != nil {
		p.startLooper(true)
	}
	p.log.Info().Bool("local", p.drv == nil).Uint32("max_threads", p.cfg.MaxThreads).Msg("process started")
	return nil
}

// Shutdown stops the loopers and the scheduler, then detaches from the
// driver. If ctx ends first the driver is closed anyway and ctx's error is
// returned.
func (p *Process) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	cm := p.ctxStub
	p.ctxStub = nil
	p.mu.Unlock()

	p.cancel()
	done := make(chan struct{})
	go func() {
		p.loopers.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		p.log.Warn().Msg("loopers still busy at shutdown")
	}
	p.sched.Stop()
	var err error
	if p.drv != nil {
		err = p.drv.Close()
	}
	if cm != nil {
		cm.Release()
	}
	p.log.Info().Msg("process stopped")
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (p *Process) export(s *Stub) {
	p.mu.Lock()
	if _, ok := p.exports[s.ptr]; !ok {
		p.exports[s.ptr] = s
		p.log.Trace().Uint64("ptr", s.ptr).Msg("stub exported")
	}
	p.mu.Unlock()
}

func (p *Process) unexport(s *Stub) {
	p.mu.Lock()
	if cur, ok := p.exports[s.ptr]; ok && cur == s {
		delete(p.exports, s.ptr)
		p.log.Trace().Uint64("ptr", s.ptr).Msg("stub unexported")
	}
	p.mu.Unlock()
}

// nodeStub resolves a driver node address; nil when it names nothing live.
func (p *Process) nodeStub(ptr, cookie uint64) *Stub {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.exports[ptr]
	if !ok || s.cookie != cookie {
		return nil
	}
	return s
}

func (p *Process) lookupStub(ptr, cookie uint64) (*Stub, error) {
	if s := p.nodeStub(ptr, cookie); s != nil {
		return s, nil
	}
	return nil, ErrUnknownStub
}

// refCommandLocked issues a reference command while p.mu is held, so table
// changes reach the driver in the order they were made.
func (p *Process) refCommandLocked(c protocol.Cmd) error {
	return p.refCommand(c)
}

// refCommand writes c and drains whatever the driver reports back without
// blocking. A command the driver rejects comes back as its status.
func (p *Process) refCommand(c protocol.Cmd) error {
	if p.drv == nil {
		return nil
	}
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()
	t := p.cmd
	t.queue(c)
	for len(t.pending()) > 0 {
		if err := t.talk(p.pollCtx, false); err != nil {
			p.log.Debug().Err(err).Stringer("cmd", c).Msg("ref command not delivered")
			t.enc.Reset()
			t.outPos = 0
			return err
		}
	}
	if err := t.talk(p.pollCtx, true); err != nil && !errors.Is(err, status.ErrInterrupted) {
		p.log.Debug().Err(err).Msg("ref command poll")
	}
	var rejected error
	for _, ev := range t.in {
		switch ev.Op {
		case protocol.BrError:
			p.log.Warn().Stringer("cmd", c).Stringer("status", status.Code(ev.Value)).Msg("driver rejected ref command")
			if rejected == nil {
				rejected = status.Code(ev.Value).Err()
			}
		case protocol.BrNoop, protocol.BrOK:
		default:
			p.log.Warn().Stringer("event", ev).Msg("unexpected event on ref thread")
		}
	}
	t.in = t.in[:0]
	return rejected
}

func (p *Process) freeBuffer(id uint64) {
	if id != 0 {
		_ = p.refCommand(protocol.Cmd{Op: protocol.BcFreeBuffer, Value: int64(id)})
	}
}

// bufferReleaser frees driver buffer id when the parcel over it is recycled.
func (p *Process) bufferReleaser(id uint64) func() {
	return func() { p.freeBuffer(id) }
}

// threadFor returns the thread a call on ctx runs on: the one already bound
// to ctx, or a pooled client thread that done returns.
func (p *Process) threadFor(ctx context.Context) (*Thread, func(), error) {
	if p.drv == nil {
		return nil, nil, ErrNoDriver
	}
	if t := threadFrom(ctx); t != nil && t.proc == p {
		return t, func() {}, nil
	}
	p.mu.Lock()
	down := p.shutdown
	p.mu.Unlock()
	if down {
		return nil, nil, ErrShutdown
	}
	t := p.takeThread()
	return t, func() { p.putThread(t) }, nil
}

func (p *Process) takeThread() *Thread {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()
	if n := len(p.idle); n > 0 {
		t := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		return t
	}
	return p.newThread(false)
}

func (p *Process) putThread(t *Thread) {
	if t.State() == ThreadDying {
		_ = p.drv.ExitThread(t.tid)
		return
	}
	t.setState(ThreadIdle)
	p.threadMu.Lock()
	p.idle = append(p.idle, t)
	p.threadMu.Unlock()
}

// BindThread pins one driver thread to the returned context until release
// is called, so a sequence of calls made with it, and any callbacks they
// cause, all run on the same thread.
func (p *Process) BindThread(ctx context.Context) (context.Context, func(), error) {
	t, done, err := p.threadFor(ctx)
	if err != nil {
		return nil, nil, err
	}
	return withThread(ctx, t), done, nil
}

func (p *Process) attemptAcquire(ctx context.Context, handle uint32) (bool, error) {
	t, done, err := p.threadFor(ctx)
	if err != nil {
		return false, err
	}
	defer done()
	return t.attemptAcquire(withThread(ctx, t), handle)
}

// BecomeContextManager publishes s as the object every process reaches
// through handle 0. Only one process may hold the role; others get
// status.ErrPermissionDenied. The process keeps a strong reference on s
// until Shutdown.
func (p *Process) BecomeContextManager(ctx context.Context, s *Stub) error {
	if s == nil || s.proc != p {
		return status.ErrBadValue
	}
	if err := s.Acquire(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.ctxStub != nil {
		p.mu.Unlock()
		s.Release()
		return status.ErrPermissionDenied
	}
	if p.drv == nil {
		p.ctxStub = s
		p.mu.Unlock()
		p.log.Info().Msg("context manager registered locally")
		return nil
	}
	p.mu.Unlock()

	p.export(s)
	t, done, err := p.threadFor(ctx)
	if err != nil {
		s.Release()
		return err
	}
	defer done()
	t.queue(protocol.Cmd{Op: protocol.BcSetContextManager, Ptr: s.ptr, Cookie: s.cookie})
	for {
		ev, err := t.next(p.ctx)
		if err != nil {
			s.Release()
			return publicError(err)
		}
		switch ev.Op {
		case protocol.BrOK:
			p.mu.Lock()
			p.ctxStub = s
			p.mu.Unlock()
			p.log.Info().Uint64("ptr", s.ptr).Msg("became context manager")
			return nil
		case protocol.BrError:
			s.Release()
			return status.Code(ev.Value).Err()
		default:
			t.execute(withThread(ctx, t), ev)
		}
	}
}

// ContextObject returns a strong reference to the context manager.
func (p *Process) ContextObject(ctx context.Context) (Binder, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.ErrWouldBlock
	}
	if p.drv != nil {
		px, err := p.GetProxy(0)
		if errors.Is(err, status.ErrBadValue) {
			return nil, fmt.Errorf("binder: no context manager: %w", status.ErrDead)
		}
		if err != nil {
			return nil, err
		}
		return px, nil
	}
	p.mu.Lock()
	s := p.ctxStub
	p.mu.Unlock()
	if s == nil {
		return nil, status.ErrDead
	}
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Process) spawnLooper() {
	if p.ctx.Err() != nil {
		return
	}
	p.startLooper(false)
}

func (p *Process) runDue() {
	if n := p.sched.RunDue(); n > 0 {
		p.log.Trace().Int("handlers", n).Msg("ran due handlers")
	}
}

// driverWaker arms the driver's event timer for the scheduler.
type driverWaker struct{ p *Process }

func (w driverWaker) WakeAt(t time.Time) {
	var at int64
	if !t.IsZero() {
		at = t.UnixNano()
	}
	_ = w.p.refCommand(protocol.Cmd{Op: protocol.BcSetNextEventTime, Value: at})
}

// Stats is a point-in-time view of a Process.
type Stats struct {
	Name          string
	Handles       int
	Exports       int
	Loopers       int
	IdleThreads   int
	PendingEvents int
}

func (p *Process) Stats() Stats {
	p.mu.Lock()
	st := Stats{Name: p.cfg.Name, Handles: len(p.handles), Exports: len(p.exports)}
	p.mu.Unlock()
	p.threadMu.Lock()
	st.IdleThreads = len(p.idle)
	p.threadMu.Unlock()
	st.Loopers = int(p.liveLoopers.Load())
	st.PendingEvents = p.sched.Pending()
	return st
}
