package binder

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/edgebinder/internal/driver"
	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

// ThreadState is where a thread is in the driver protocol.
type ThreadState uint32

const (
	ThreadIdle ThreadState = iota
	ThreadWriting
	ThreadWaitingForReply
	ThreadHandlingIncoming
	ThreadDying
)

func (s ThreadState) String() string {
	switch s {
	case ThreadIdle:
		return "idle"
	case ThreadWriting:
		return "writing"
	case ThreadWaitingForReply:
		return "waiting-for-reply"
	case ThreadHandlingIncoming:
		return "handling-incoming"
	case ThreadDying:
		return "dying"
	}
	return fmt.Sprintf("thread-state(%d)", uint32(s))
}

// Thread is one driver thread of a Process. Only the goroutine that owns it
// touches its buffers.
type Thread struct {
	proc   *Process
	tid    uint32
	looper bool
	osTID  int
	state  atomic.Uint32

	enc    *protocol.Encoder
	outPos int
	rbuf   []byte
	in     []protocol.Event
}

func (p *Process) newThread(looper bool) *Thread {
	return &Thread{
		proc:   p,
		tid:    p.nextTID.Add(1),
		looper: looper,
		enc:    protocol.NewEncoder(nil),
		rbuf:   make([]byte, p.cfg.ReadBufferBytes),
	}
}

func (t *Thread) ID() uint32 { return t.tid }

func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

func (t *Thread) setState(s ThreadState) {
	if t.State() == ThreadDying {
		return
	}
	t.state.Store(uint32(s))
}

type threadKey struct{}

func withThread(ctx context.Context, t *Thread) context.Context {
	if cur, ok := ctx.Value(threadKey{}).(*Thread); ok && cur == t {
		return ctx
	}
	return context.WithValue(ctx, threadKey{}, t)
}

func threadFrom(ctx context.Context) *Thread {
	t, _ := ctx.Value(threadKey{}).(*Thread)
	return t
}

// ThreadID reports the driver thread serving ctx, if any. Calls made with a
// ctx bound to a thread run on that thread, so a callback into this process
// during such a call lands on the thread that is waiting for it.
func ThreadID(ctx context.Context) (uint32, bool) {
	if t := threadFrom(ctx); t != nil {
		return t.tid, true
	}
	return 0, false
}

func (t *Thread) queue(c protocol.Cmd) {
	t.enc.Command(c)
}

func (t *Thread) pending() []byte {
	return t.enc.Bytes()[t.outPos:]
}

// talk runs one driver call: queued commands go down, and with read set,
// returns come back into t.in. Interrupted calls resume until ctx is done.
func (t *Thread) talk(ctx context.Context, read bool) error {
	wr := &driver.WriteRead{WriteBuffer: t.pending()}
	if read {
		wr.ReadBuffer = t.rbuf
	}
	err := driver.Retry(ctx, t.proc.drv, t.tid, wr)
	t.outPos += wr.WriteConsumed
	if t.outPos == t.enc.Len() {
		t.enc.Reset()
		t.outPos = 0
	}
	if wr.ReadConsumed > 0 {
		dec := protocol.NewDecoder(wr.Returns())
		dec.MaxData = len(t.rbuf)
		for dec.More() {
			ev, derr := dec.NextReturn()
			if derr != nil {
				return fmt.Errorf("binder: thread %d: decode return: %w", t.tid, derr)
			}
			t.in = append(t.in, ev)
		}
	}
	if err != nil {
		if status.FromError(err) == status.Dead {
			t.state.Store(uint32(ThreadDying))
		}
		return err
	}
	return nil
}

// flush writes queued commands without reading.
func (t *Thread) flush() error {
	for len(t.pending()) > 0 {
		if err := t.talk(context.Background(), false); err != nil {
			return err
		}
	}
	return nil
}

// next returns the next event for t, reading from the driver when none is
// buffered.
func (t *Thread) next(ctx context.Context) (protocol.Event, error) {
	for len(t.in) == 0 {
		if err := t.talk(ctx, true); err != nil {
			return protocol.Event{}, err
		}
	}
	ev := t.in[0]
	t.in[0] = protocol.Event{}
	t.in = t.in[1:]
	return ev, nil
}

func (t *Thread) violation(ev protocol.Event) ProtocolViolation {
	return ProtocolViolation{Thread: t.tid, State: t.State(), Event: ev}
}

// transact sends one transaction and waits for its terminal event, serving
// any call that is routed back to this thread meanwhile.
func (t *Thread) transact(ctx context.Context, handle, code uint32, data *parcel.Parcel, flags protocol.TxnFlags) (*parcel.Parcel, error) {
	prev := t.State()
	defer t.setState(prev)
	t.setState(ThreadWriting)
	t.queue(protocol.Cmd{Op: protocol.BcTransaction, Txn: &protocol.Transaction{
		Target:  uint64(handle),
		Code:    code,
		Flags:   flags,
		Data:    data.Data(),
		Offsets: data.ObjectOffsets(),
	}})
	t.setState(ThreadWaitingForReply)

	oneWay := !flags.Has(protocol.FlagSynchronous)
	completed := false
	for {
		ev, err := t.next(t.proc.ctx)
		if err != nil {
			return nil, err
		}
		switch ev.Op {
		case protocol.BrTransactionComplete:
			if completed {
				continue
			}
			completed = true
			if oneWay {
				return nil, nil
			}
		case protocol.BrReply:
			if oneWay || !completed {
				panic(t.violation(ev))
			}
			return t.replyParcel(ev.Txn)
		case protocol.BrDeadReply:
			t.proc.log.Debug().Uint32("tid", t.tid).Uint32("handle", handle).Uint32("code", code).Msg("dead reply")
			return nil, errDeadReply
		case protocol.BrFailedReply:
			return nil, status.Code(ev.Value).Err()
		default:
			t.execute(ctx, ev)
		}
	}
}

func (t *Thread) replyParcel(rec *protocol.Transaction) (*parcel.Parcel, error) {
	if rec.Flags.Has(protocol.FlagStatusCode) {
		if code := status.Code(rec.Code); code != status.OK {
			return nil, code.Err()
		}
		return parcel.New(), nil
	}
	pc, err := parcel.FromData(rec.Data, rec.Offsets)
	if err != nil {
		t.proc.freeBuffer(rec.Buffer)
		return nil, err
	}
	if rec.Buffer != 0 {
		pc.SetReleaser(t.proc.bufferReleaser(rec.Buffer))
	}
	return pc, nil
}

// attemptAcquire asks the driver for a strong count on handle and reports
// whether it was granted.
func (t *Thread) attemptAcquire(ctx context.Context, handle uint32) (bool, error) {
	prev := t.State()
	defer t.setState(prev)
	t.setState(ThreadWriting)
	t.queue(protocol.Cmd{Op: protocol.BcAttemptAcquire, Handle: handle})
	t.setState(ThreadWaitingForReply)
	for {
		ev, err := t.next(t.proc.ctx)
		if err != nil {
			return false, err
		}
		if ev.Op == protocol.BrAcquireResult {
			return ev.Value != 0, nil
		}
		t.execute(ctx, ev)
	}
}

// sendReply answers the call on top of this thread's stack and waits for
// the driver to take it.
func (t *Thread) sendReply(ctx context.Context, reply *parcel.Parcel, callErr error) error {
	rec := &protocol.Transaction{}
	if callErr != nil {
		rec.Flags = protocol.FlagStatusCode
		rec.Code = uint32(status.Public(status.FromError(callErr)))
	} else {
		rec.Data = reply.Data()
		rec.Offsets = reply.ObjectOffsets()
	}
	t.queue(protocol.Cmd{Op: protocol.BcReply, Txn: rec})
	for {
		ev, err := t.next(t.proc.ctx)
		if err != nil {
			return err
		}
		switch ev.Op {
		case protocol.BrTransactionComplete:
			return nil
		case protocol.BrError, protocol.BrFailedReply:
			return status.Code(ev.Value).Err()
		default:
			t.execute(ctx, ev)
		}
	}
}

// execute handles one non-terminal event.
func (t *Thread) execute(ctx context.Context, ev protocol.Event) {
	p := t.proc
	switch ev.Op {
	case protocol.BrNoop, protocol.BrOK:
	case protocol.BrTransactionComplete:
		p.log.Trace().Uint32("tid", t.tid).Msg("stray transaction complete")
	case protocol.BrError:
		p.log.Warn().Uint32("tid", t.tid).Stringer("status", status.Code(ev.Value)).Msg("driver reported error")
	case protocol.BrTransaction:
		t.handleIncoming(ctx, ev.Txn)
	case protocol.BrIncrefs:
		if s := p.nodeStub(ev.Ptr, ev.Cookie); s != nil {
			s.remoteIncWeak()
		}
		t.ack(protocol.BcIncrefsDone, ev)
	case protocol.BrAcquire:
		if s := p.nodeStub(ev.Ptr, ev.Cookie); s != nil {
			s.remoteIncStrong()
		}
		t.ack(protocol.BcAcquireDone, ev)
	case protocol.BrRelease:
		if s := p.nodeStub(ev.Ptr, ev.Cookie); s != nil {
			s.remoteDecStrong()
		}
	case protocol.BrDecrefs:
		if s := p.nodeStub(ev.Ptr, ev.Cookie); s != nil {
			s.remoteDecWeak()
		}
	case protocol.BrAttemptAcquire:
		ok := false
		if s := p.nodeStub(ev.Ptr, ev.Cookie); s != nil {
			ok = s.remoteAttempt()
		}
		v := int64(0)
		if ok {
			v = 1
		}
		t.queue(protocol.Cmd{Op: protocol.BcAcquireResult, Value: v})
		if err := t.flush(); err != nil {
			p.log.Debug().Err(err).Msg("attempt-acquire answer")
		}
	case protocol.BrSpawnLooper:
		p.spawnLooper()
	case protocol.BrEventOccurred:
		p.runDue()
	default:
		panic(t.violation(ev))
	}
}

// ack confirms a node event before anything else is read on this thread.
func (t *Thread) ack(op protocol.Command, ev protocol.Event) {
	t.queue(protocol.Cmd{Op: op, Ptr: ev.Ptr, Cookie: ev.Cookie})
	if err := t.flush(); err != nil {
		t.proc.log.Debug().Err(err).Stringer("ack", op).Msg("ack failed")
	}
}

func (t *Thread) handleIncoming(ctx context.Context, rec *protocol.Transaction) {
	p := t.proc
	prev := t.State()
	defer t.setState(prev)
	t.setState(ThreadHandlingIncoming)
	wantReply := !rec.OneWay()

	reply := parcel.Get()
	defer parcel.Put(reply)

	var callErr error
	data, err := parcel.FromData(rec.Data, rec.Offsets)
	if err != nil {
		p.freeBuffer(rec.Buffer)
		callErr = err
	} else {
		data.SetReleaser(p.bufferReleaser(rec.Buffer))
		if s := p.nodeStub(rec.Target, rec.Cookie); s != nil {
			callErr = s.dispatch(withThread(ctx, t), rec.Code, data, reply)
		} else {
			callErr = status.ErrDead
		}
		Recycle(data)
	}

	outcome := "ok"
	if callErr != nil {
		outcome = "error"
	}
	observability.RecordTransaction("in", outcome)
	if !wantReply {
		releasePins(reply)
		return
	}
	if err := t.sendReply(ctx, reply, callErr); err != nil {
		p.log.Debug().Err(err).Uint32("tid", t.tid).Msg("reply not delivered")
	}
	releasePins(reply)
}
