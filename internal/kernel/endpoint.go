package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/edgebinder/internal/driver"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

// Endpoint is one attached process's view of the kernel.
type Endpoint struct {
	k *Kernel
	p *proc
}

var _ driver.Driver = (*Endpoint)(nil)

// PID is the kernel-assigned process id.
func (e *Endpoint) PID() int32 { return e.p.pid }

func (e *Endpoint) Name() string { return e.p.name }

// WriteRead consumes commands, then fills the read buffer with whatever
// returns are ready for tid, blocking only if none are and the read buffer
// has room.
func (e *Endpoint) WriteRead(ctx context.Context, tid uint32, wr *driver.WriteRead) error {
	k := e.k
	k.mu.Lock()
	defer k.mu.Unlock()

	p := e.p
	if p.dead {
		return status.ErrDead
	}
	t := p.thread(tid)
	if t.dead {
		return status.ErrDead
	}
	if wr.Pending() {
		if err := k.writeCommands(t, wr); err != nil {
			return err
		}
	}
	if len(wr.ReadBuffer)-wr.ReadConsumed <= 0 {
		return nil
	}
	for {
		if p.dead || t.dead {
			return status.ErrDead
		}
		n, err := k.fill(t, wr)
		if err != nil {
			return err
		}
		if n > 0 || wr.ReadConsumed > 0 {
			return nil
		}
		if !k.wait(ctx, t) {
			return status.ErrInterrupted
		}
	}
}

// ExitThread forgets tid, failing any call it was serving.
func (e *Endpoint) ExitThread(tid uint32) error {
	k := e.k
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := e.p.threads[tid]
	if !ok {
		return nil
	}
	k.exitThread(t)
	delete(e.p.threads, tid)
	return nil
}

// Close detaches the process as if it had died.
func (e *Endpoint) Close() error {
	k := e.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killProc(e.p, "closed")
	return nil
}

func (k *Kernel) writeCommands(t *thread, wr *driver.WriteRead) error {
	start := wr.WriteConsumed
	dec := protocol.NewDecoder(wr.WriteBuffer[start:])
	dec.MaxData = k.cfg.MaxTransactionBytes
	for dec.More() {
		c, err := dec.NextCommand()
		if err != nil {
			return fmt.Errorf("kernel: command stream at %d: %w", wr.WriteConsumed, errWrap(err))
		}
		k.command(t, c)
		wr.WriteConsumed = start + dec.Consumed()
		if t.p.dead {
			return status.ErrDead
		}
	}
	return nil
}

// errWrap maps protocol errors into the status set.
func errWrap(err error) error {
	if status.FromError(err) == status.BadType {
		return fmt.Errorf("%w: %v", status.ErrBadValue, err)
	}
	return err
}

func (k *Kernel) command(t *thread, c protocol.Cmd) {
	p := t.p
	k.log.Trace().Int32("pid", p.pid).Uint32("tid", t.tid).Stringer("cmd", c).Msg("command")
	switch c.Op {
	case protocol.BcTransaction:
		k.transact(t, c.Txn)
	case protocol.BcReply:
		k.reply(t, c.Txn)
	case protocol.BcAcquireResult:
		k.acquireResult(t, c.Value != 0)
	case protocol.BcFreeBuffer:
		b, ok := p.buffers[uint64(c.Value)]
		if !ok {
			k.cmdError(t, status.BadValue)
			return
		}
		k.freeBuffer(p, b)
	case protocol.BcIncrefs, protocol.BcAcquire:
		r := k.lookupRef(p, c.Handle)
		if r == nil {
			k.cmdError(t, status.BadValue)
			return
		}
		k.incRef(r, c.Op == protocol.BcAcquire)
	case protocol.BcRelease, protocol.BcDecrefs:
		r, ok := p.refs[c.Handle]
		if !ok || !k.decRef(r, c.Op == protocol.BcRelease) {
			k.cmdError(t, status.BadValue)
		}
	case protocol.BcIncrefsDone, protocol.BcAcquireDone:
		n, ok := p.nodes[c.Ptr]
		if !ok || n.cookie != c.Cookie {
			k.cmdError(t, status.BadValue)
			return
		}
		if c.Op == protocol.BcAcquireDone {
			n.pendingStrong = false
		} else {
			n.pendingWeak = false
		}
		k.updateNode(n)
	case protocol.BcAttemptAcquire:
		k.attemptAcquire(t, c.Handle)
	case protocol.BcRegisterLooper:
		if t.looper&looperEntered != 0 {
			k.cmdError(t, status.BadValue)
			return
		}
		t.looper |= looperRegistered
		if p.requestedThreads > 0 {
			p.requestedThreads--
		}
		p.startedThreads++
	case protocol.BcEnterLooper:
		if t.looper&looperRegistered != 0 {
			k.cmdError(t, status.BadValue)
			return
		}
		t.looper |= looperEntered
	case protocol.BcExitLooper:
		if t.looper&looperRegistered != 0 && t.looper&looperExited == 0 {
			p.startedThreads--
		}
		t.looper |= looperExited
		p.removeIdle(t)
	case protocol.BcStopProcess:
		r := k.lookupRef(p, c.Handle)
		if r == nil {
			k.cmdError(t, status.BadValue)
			return
		}
		if uint32(c.Value)&protocol.StopKill != 0 {
			k.killProc(r.node.owner, fmt.Sprintf("stopped by pid %d", p.pid))
		}
	case protocol.BcSetContextManager:
		k.setContextManager(t, c.Ptr, c.Cookie)
	case protocol.BcSetMaxThreads:
		p.maxThreads = uint32(c.Value)
	case protocol.BcSetNextEventTime:
		k.setNextEvent(p, c.Value)
	default:
		k.cmdError(t, status.BadValue)
	}
}

func (k *Kernel) cmdError(t *thread, code status.Code) {
	t.push(&work{ev: protocol.Event{Op: protocol.BrError, Value: int64(code)}})
}

func (k *Kernel) setContextManager(t *thread, ptr, cookie uint64) {
	if k.ctxMgr != nil && !k.ctxMgr.owner.dead {
		k.cmdError(t, status.PermissionDenied)
		return
	}
	n, ok := k.getNode(t.p, ptr, cookie)
	if !ok {
		k.cmdError(t, status.BadValue)
		return
	}
	if old := k.ctxMgr; old != nil {
		old.tmpStrong--
		old.tmpWeak--
		k.updateNode(old)
	}
	// the kernel itself keeps the context manager alive
	n.tmpStrong++
	n.tmpWeak++
	k.ctxMgr = n
	t.push(&work{ev: protocol.Event{Op: protocol.BrOK}})
	k.updateNode(n)
	k.log.Info().Int32("pid", t.p.pid).Msg("context manager set")
}

func (k *Kernel) setNextEvent(p *proc, unixNano int64) {
	p.eventGen++
	gen := p.eventGen
	if p.eventTimer != nil {
		p.eventTimer.Stop()
		p.eventTimer = nil
	}
	p.eventDue = false
	if unixNano == 0 {
		return
	}
	delay := time.Unix(0, unixNano).Sub(k.now())
	if delay < 0 {
		delay = 0
	}
	p.eventTimer = time.AfterFunc(delay, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if p.dead || p.eventGen != gen {
			return
		}
		p.eventDue = true
		if len(p.idle) > 0 {
			p.idle[0].signal()
		}
	})
}

// fill moves ready returns into wr.ReadBuffer and reports how many it wrote.
func (k *Kernel) fill(t *thread, wr *driver.WriteRead) (int, error) {
	p := t.p
	enc := protocol.NewEncoder(nil)
	written := 0
	emit := func(w *work) bool {
		room := len(wr.ReadBuffer) - wr.ReadConsumed
		if protocol.EncodedLen(w.ev) > room {
			return false
		}
		enc.Reset()
		enc.Return(w.ev)
		copy(wr.ReadBuffer[wr.ReadConsumed:], enc.Bytes())
		wr.ReadConsumed += enc.Len()
		written++
		k.delivered(t, w)
		return true
	}

	for len(t.todo) > 0 {
		if !emit(t.todo[0]) {
			break
		}
		t.todo[0] = nil
		t.todo = t.todo[1:]
	}
	tookTxn, tookProc := false, false
	if written == 0 {
		if t.takesProcWork() && p.eventDue {
			if emit(&work{ev: protocol.Event{Op: protocol.BrEventOccurred}}) {
				p.eventDue = false
			}
		}
		for len(p.todo) > 0 && t.takesProcWork() {
			w := p.todo[0]
			if !emit(w) {
				break
			}
			p.todo[0] = nil
			p.todo = p.todo[1:]
			tookProc = true
			if w.ev.Op == protocol.BrTransaction {
				tookTxn = true
			}
		}
	}
	// a read that only drained its own todo takes process work next time
	if t.isLooper() && (tookTxn || (tookProc && len(p.todo) > 0)) && len(p.idle) == 0 &&
		p.requestedThreads == 0 && p.startedThreads < int(p.maxThreads) {
		if emit(&work{ev: protocol.Event{Op: protocol.BrSpawnLooper}}) {
			p.requestedThreads++
		}
	}
	if written == 0 && wr.ReadConsumed == 0 && (len(t.todo) > 0 || (t.takesProcWork() && len(p.todo) > 0)) {
		return 0, fmt.Errorf("kernel: read buffer too small: %w", status.ErrNoMemory)
	}
	return written, nil
}

// delivered transfers the kernel-side state of w to t.
func (k *Kernel) delivered(t *thread, w *work) {
	if w.txn != nil && w.ev.Op == protocol.BrTransaction && w.txn.sync() {
		w.txn.toThread = t
		w.txn.toParent = t.stack
		t.stack = w.txn
	}
	if w.attempt != nil && w.ev.Op == protocol.BrAttemptAcquire {
		t.attempt = w.attempt
	}
}

// wait blocks t until it is signalled or ctx is done. k.mu is released while
// blocked. It reports false if ctx ended the wait.
func (k *Kernel) wait(ctx context.Context, t *thread) bool {
	p := t.p
	idle := t.takesProcWork()
	if idle {
		p.idle = append(p.idle, t)
	}
	k.mu.Unlock()
	var ok bool
	select {
	case <-t.wake:
		ok = true
	case <-ctx.Done():
		ok = false
	}
	k.mu.Lock()
	if idle {
		p.removeIdle(t)
	}
	return ok
}
