package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgebinder/internal/driver"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
	"github.com/danmuck/edgebinder/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ctxPtr    = 0x10
	ctxCookie = 0x1
)

type peer struct {
	t  *testing.T
	ep *Endpoint
}

func open(t *testing.T, k *Kernel, name string) peer {
	t.Helper()
	ep, err := k.Open(name, 0)
	require.NoError(t, err)
	return peer{t: t, ep: ep}
}

// send writes cmds for tid without reading.
func (p peer) send(tid uint32, cmds ...protocol.Cmd) {
	p.t.Helper()
	enc := protocol.NewEncoder(nil)
	for _, c := range cmds {
		enc.Command(c)
	}
	wr := &driver.WriteRead{WriteBuffer: enc.Bytes()}
	require.NoError(p.t, p.ep.WriteRead(context.Background(), tid, wr))
	require.Equal(p.t, enc.Len(), wr.WriteConsumed)
}

// read blocks until tid has at least one return.
func (p peer) read(tid uint32) []protocol.Event {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, err := p.readCtx(ctx, tid)
	require.NoError(p.t, err)
	return evs
}

// poll returns what is ready for tid within a short window.
func (p peer) poll(tid uint32) []protocol.Event {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	evs, err := p.readCtx(ctx, tid)
	if errors.Is(err, status.ErrInterrupted) {
		return nil
	}
	require.NoError(p.t, err)
	return evs
}

func (p peer) readCtx(ctx context.Context, tid uint32) ([]protocol.Event, error) {
	wr := &driver.WriteRead{ReadBuffer: make([]byte, 4096)}
	if err := p.ep.WriteRead(ctx, tid, wr); err != nil {
		return nil, err
	}
	dec := protocol.NewDecoder(wr.Returns())
	var out []protocol.Event
	for dec.More() {
		ev, err := dec.NextReturn()
		require.NoError(p.t, err)
		out = append(out, ev)
	}
	return out, nil
}

func ops(evs []protocol.Event) []protocol.Return {
	out := make([]protocol.Return, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Op)
	}
	return out
}

func find(t *testing.T, evs []protocol.Event, op protocol.Return) protocol.Event {
	t.Helper()
	for _, ev := range evs {
		if ev.Op == op {
			return ev
		}
	}
	require.Failf(t, "missing return", "%s not in %v", op, ops(evs))
	return protocol.Event{}
}

// becomeContextManager makes tid 1 of p the main looper serving ctxPtr and
// acks the node events that follow.
func becomeContextManager(p peer) {
	p.t.Helper()
	p.send(1,
		protocol.Cmd{Op: protocol.BcEnterLooper},
		protocol.Cmd{Op: protocol.BcSetContextManager, Ptr: ctxPtr, Cookie: ctxCookie},
	)
	require.Equal(p.t, []protocol.Return{protocol.BrOK}, ops(p.read(1)))
	require.Equal(p.t, []protocol.Return{protocol.BrIncrefs, protocol.BrAcquire}, ops(p.read(1)))
	p.send(1,
		protocol.Cmd{Op: protocol.BcIncrefsDone, Ptr: ctxPtr, Cookie: ctxCookie},
		protocol.Cmd{Op: protocol.BcAcquireDone, Ptr: ctxPtr, Cookie: ctxCookie},
	)
}

func call(target uint32, code uint32, sync bool, data *parcel.Parcel) protocol.Cmd {
	rec := &protocol.Transaction{Target: uint64(target), Code: code}
	if sync {
		rec.Flags = protocol.FlagSynchronous
	}
	if data != nil {
		rec.Data = data.Data()
		rec.Offsets = data.ObjectOffsets()
	}
	return protocol.Cmd{Op: protocol.BcTransaction, Txn: rec}
}

func replyWith(data *parcel.Parcel) protocol.Cmd {
	rec := &protocol.Transaction{}
	if data != nil {
		rec.Data = data.Data()
		rec.Offsets = data.ObjectOffsets()
	}
	return protocol.Cmd{Op: protocol.BcReply, Txn: rec}
}

func freeBuffer(rec *protocol.Transaction) protocol.Cmd {
	return protocol.Cmd{Op: protocol.BcFreeBuffer, Value: int64(rec.Buffer)}
}

func TestTransactionTranslatesObjectsAndReplies(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	req := parcel.New()
	require.NoError(t, req.WriteInt32(5))
	_, err := req.WriteObjectRef(parcel.ObjectRef{Type: parcel.TypeStrongLocal, Binder: 0x20, Cookie: 0x2})
	require.NoError(t, err)
	client.send(1, call(0, 7, true, req))
	// the sender counts its own object before the call completes
	assert.Equal(t, []protocol.Return{protocol.BrIncrefs, protocol.BrAcquire, protocol.BrTransactionComplete}, ops(client.read(1)))
	client.send(1,
		protocol.Cmd{Op: protocol.BcIncrefsDone, Ptr: 0x20, Cookie: 0x2},
		protocol.Cmd{Op: protocol.BcAcquireDone, Ptr: 0x20, Cookie: 0x2},
	)

	evs := server.read(1)
	in := find(t, evs, protocol.BrTransaction).Txn
	require.NotNil(t, in)
	assert.Equal(t, uint64(ctxPtr), in.Target)
	assert.Equal(t, uint64(ctxCookie), in.Cookie)
	assert.Equal(t, uint32(7), in.Code)
	assert.True(t, in.Flags.Has(protocol.FlagRootObject))
	assert.True(t, in.Flags.Has(protocol.FlagSynchronous))
	assert.Equal(t, client.ep.PID(), in.SenderPID)

	got, err := parcel.FromData(in.Data, in.Offsets)
	require.NoError(t, err)
	v, err := got.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
	obj, err := got.ReadObjectRef()
	require.NoError(t, err)
	assert.Equal(t, parcel.TypeStrongHandle, obj.Type)
	assert.Equal(t, uint64(1), obj.Binder)

	info, ok := k.Ref(server.ep.PID(), 1)
	require.True(t, ok)
	assert.Equal(t, 1, info.Strong)
	assert.Equal(t, client.ep.PID(), info.OwnerPID)

	rep := parcel.New()
	require.NoError(t, rep.WriteInt32(42))
	server.send(1, replyWith(rep), freeBuffer(in))
	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete}, ops(server.poll(1)))

	_, ok = k.Ref(server.ep.PID(), 1)
	assert.False(t, ok, "buffer hold released on free")

	out := find(t, client.read(1), protocol.BrReply).Txn
	require.NotNil(t, out)
	assert.Equal(t, server.ep.PID(), out.SenderPID)
	got, err = parcel.FromData(out.Data, out.Offsets)
	require.NoError(t, err)
	v, err = got.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	client.send(1, freeBuffer(out))

	for _, p := range k.Snapshot().Processes {
		assert.Zero(t, p.Buffers, p.Name)
	}
}

func TestStatusReply(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	client.send(1, call(0, 1, true, nil))
	in := find(t, server.read(1), protocol.BrTransaction).Txn
	server.send(1,
		protocol.Cmd{Op: protocol.BcReply, Txn: &protocol.Transaction{Code: uint32(status.PermissionDenied), Flags: protocol.FlagStatusCode}},
		freeBuffer(in),
	)
	evs := client.read(1)
	if len(evs) == 1 {
		evs = append(evs, client.read(1)...)
	}
	out := find(t, evs, protocol.BrReply).Txn
	assert.True(t, out.Flags.Has(protocol.FlagStatusCode))
	assert.Equal(t, uint32(status.PermissionDenied), out.Code)
}

func TestNodeEventsWaitForAcks(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	req := parcel.New()
	_, err := req.WriteObjectRef(parcel.ObjectRef{Type: parcel.TypeStrongLocal, Binder: 0x20, Cookie: 0x2})
	require.NoError(t, err)
	client.send(1, call(0, 1, false, req))
	evs := client.read(1)
	require.Equal(t, []protocol.Return{protocol.BrIncrefs, protocol.BrAcquire, protocol.BrTransactionComplete}, ops(evs))
	assert.Equal(t, uint64(0x20), evs[0].Ptr)
	assert.Equal(t, uint64(0x2), evs[0].Cookie)

	in := find(t, server.read(1), protocol.BrTransaction).Txn
	// dropping the only reference before the owner acked must not release yet
	server.send(1, freeBuffer(in))

	client.send(2, protocol.Cmd{Op: protocol.BcEnterLooper})
	assert.Empty(t, client.poll(2))

	client.send(2, protocol.Cmd{Op: protocol.BcAcquireDone, Ptr: 0x20, Cookie: 0x2})
	assert.Equal(t, []protocol.Return{protocol.BrRelease}, ops(client.read(2)))

	client.send(2, protocol.Cmd{Op: protocol.BcIncrefsDone, Ptr: 0x20, Cookie: 0x2})
	assert.Equal(t, []protocol.Return{protocol.BrDecrefs}, ops(client.read(2)))

	_, ok := k.Node(client.ep.PID(), 0x20)
	assert.False(t, ok)
}

func TestRefCommandsBalance(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	client.send(1,
		protocol.Cmd{Op: protocol.BcAcquire, Handle: 0},
		protocol.Cmd{Op: protocol.BcIncrefs, Handle: 0},
	)
	info, ok := k.Ref(client.ep.PID(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, info.Strong)
	assert.Equal(t, 1, info.Weak)

	n, ok := k.Node(server.ep.PID(), ctxPtr)
	require.True(t, ok)
	assert.Equal(t, 2, n.Strong, "kernel pin plus client")

	client.send(1,
		protocol.Cmd{Op: protocol.BcRelease, Handle: 0},
		protocol.Cmd{Op: protocol.BcDecrefs, Handle: 0},
	)
	_, ok = k.Ref(client.ep.PID(), 0)
	assert.False(t, ok)
	n, _ = k.Node(server.ep.PID(), ctxPtr)
	assert.Equal(t, 1, n.Strong)

	client.send(1, protocol.Cmd{Op: protocol.BcRelease, Handle: 0})
	evs := client.read(1)
	require.Equal(t, []protocol.Return{protocol.BrError}, ops(evs))
	assert.Equal(t, int64(status.BadValue), evs[0].Value)
}

func TestSecondContextManagerDenied(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	other := open(t, k, "other")
	becomeContextManager(server)

	other.send(1, protocol.Cmd{Op: protocol.BcSetContextManager, Ptr: 0x99})
	evs := other.read(1)
	require.Equal(t, []protocol.Return{protocol.BrError}, ops(evs))
	assert.Equal(t, int64(status.PermissionDenied), evs[0].Value)
}

func TestDeadReplyWhenServerDies(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	// one call is being served, a second is still queued
	client.send(1, call(0, 1, true, nil))
	find(t, server.read(1), protocol.BrTransaction)
	client.send(2, call(0, 2, true, nil))

	require.NoError(t, k.Kill(server.ep.PID()))

	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete, protocol.BrDeadReply}, ops(client.read(1)))
	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete, protocol.BrDeadReply}, ops(client.read(2)))

	// later calls fail immediately
	client.send(1, call(0, 3, true, nil))
	assert.Equal(t, []protocol.Return{protocol.BrDeadReply}, ops(client.read(1)))

	err := server.ep.WriteRead(context.Background(), 1, &driver.WriteRead{ReadBuffer: make([]byte, 64)})
	assert.ErrorIs(t, err, status.ErrDead)
	assert.Len(t, k.Snapshot().Processes, 1)
}

func TestExitThreadFailsServedCall(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	client.send(1, call(0, 1, true, nil))
	find(t, server.read(1), protocol.BrTransaction)
	require.NoError(t, server.ep.ExitThread(1))

	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete, protocol.BrDeadReply}, ops(client.read(1)))
}

func TestNestedCallReusesWaitingThread(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	req := parcel.New()
	_, err := req.WriteObjectRef(parcel.ObjectRef{Type: parcel.TypeStrongLocal, Binder: 0x20, Cookie: 0x2})
	require.NoError(t, err)
	client.send(1, call(0, 1, true, req))
	assert.Equal(t, []protocol.Return{protocol.BrIncrefs, protocol.BrAcquire, protocol.BrTransactionComplete}, ops(client.read(1)))

	outer := find(t, server.read(1), protocol.BrTransaction).Txn
	got, err := parcel.FromData(outer.Data, outer.Offsets)
	require.NoError(t, err)
	cb, err := got.ReadObjectRef()
	require.NoError(t, err)

	// call back into the client while serving it
	server.send(1, call(uint32(cb.Binder), 9, true, nil))
	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete}, ops(server.read(1)))

	nested := find(t, client.read(1), protocol.BrTransaction).Txn
	assert.Equal(t, uint64(0x20), nested.Target)
	assert.Equal(t, uint32(9), nested.Code)

	client.send(1, replyWith(nil), freeBuffer(nested))
	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete}, ops(client.read(1)))

	inner := find(t, server.read(1), protocol.BrReply).Txn
	server.send(1, freeBuffer(inner), replyWith(nil), freeBuffer(outer))

	final := find(t, client.read(1), protocol.BrReply).Txn
	client.send(1, freeBuffer(final))
}

// attemptSetup leaves client holding a weak handle 1 on server object 0x30,
// with no strong references anywhere.
func attemptSetup(t *testing.T) (*Kernel, peer, peer) {
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(client)

	req := parcel.New()
	_, err := req.WriteObjectRef(parcel.ObjectRef{Type: parcel.TypeWeakLocal, Binder: 0x30, Cookie: 0x3})
	require.NoError(t, err)
	server.send(1, call(0, 1, false, req))
	assert.Equal(t, []protocol.Return{protocol.BrIncrefs, protocol.BrTransactionComplete}, ops(server.read(1)))
	server.send(1, protocol.Cmd{Op: protocol.BcIncrefsDone, Ptr: 0x30, Cookie: 0x3})

	in := find(t, client.read(1), protocol.BrTransaction).Txn
	got, err := parcel.FromData(in.Data, in.Offsets)
	require.NoError(t, err)
	obj, err := got.ReadObjectRef()
	require.NoError(t, err)
	require.Equal(t, parcel.TypeWeakHandle, obj.Type)
	require.Equal(t, uint64(1), obj.Binder)
	client.send(1, protocol.Cmd{Op: protocol.BcIncrefs, Handle: 1}, freeBuffer(in))

	info, ok := k.Ref(client.ep.PID(), 1)
	require.True(t, ok)
	require.Equal(t, 0, info.Strong)
	require.Equal(t, 1, info.Weak)
	return k, server, client
}

func TestAttemptAcquireRoutedToOwner(t *testing.T) {
	testlog.Start(t)
	k, server, client := attemptSetup(t)

	client.send(3, protocol.Cmd{Op: protocol.BcAttemptAcquire, Handle: 1})
	assert.Empty(t, client.poll(3))

	server.send(2, protocol.Cmd{Op: protocol.BcEnterLooper})
	ev := find(t, server.read(2), protocol.BrAttemptAcquire)
	assert.Equal(t, uint64(0x30), ev.Ptr)
	server.send(2, protocol.Cmd{Op: protocol.BcAcquireResult, Value: 1})

	evs := client.read(3)
	require.Equal(t, []protocol.Return{protocol.BrAcquireResult}, ops(evs))
	assert.Equal(t, int64(1), evs[0].Value)

	info, _ := k.Ref(client.ep.PID(), 1)
	assert.Equal(t, 1, info.Strong)
	assert.Equal(t, 1, info.Weak)
	n, ok := k.Node(server.ep.PID(), 0x30)
	require.True(t, ok)
	assert.True(t, n.HasStrong)
	assert.Equal(t, 1, n.Strong)
}

func TestAttemptAcquireRefused(t *testing.T) {
	testlog.Start(t)
	k, server, client := attemptSetup(t)

	client.send(3, protocol.Cmd{Op: protocol.BcAttemptAcquire, Handle: 1})
	server.send(2, protocol.Cmd{Op: protocol.BcEnterLooper})
	find(t, server.read(2), protocol.BrAttemptAcquire)
	server.send(2, protocol.Cmd{Op: protocol.BcAcquireResult, Value: 0})

	evs := client.read(3)
	require.Equal(t, []protocol.Return{protocol.BrAcquireResult}, ops(evs))
	assert.Equal(t, int64(0), evs[0].Value)

	info, _ := k.Ref(client.ep.PID(), 1)
	assert.Equal(t, 0, info.Strong)
	assert.Equal(t, 1, info.Weak)
}

func TestAttemptAcquireOwnerDies(t *testing.T) {
	testlog.Start(t)
	k, server, client := attemptSetup(t)

	client.send(3, protocol.Cmd{Op: protocol.BcAttemptAcquire, Handle: 1})
	require.NoError(t, k.Kill(server.ep.PID()))

	evs := client.read(3)
	require.Equal(t, []protocol.Return{protocol.BrAcquireResult}, ops(evs))
	assert.Equal(t, int64(0), evs[0].Value)

	info, ok := k.Ref(client.ep.PID(), 1)
	require.True(t, ok)
	assert.True(t, info.OwnerDead)
}

func TestSpawnLooperWhenBusy(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	client.send(1, call(0, 1, false, nil))
	evs := server.read(1)
	assert.Equal(t, []protocol.Return{protocol.BrTransaction, protocol.BrSpawnLooper}, ops(evs))

	// a spawn is already outstanding, so the next busy read asks for nothing
	client.send(1, call(0, 1, false, nil))
	assert.Equal(t, []protocol.Return{protocol.BrTransaction}, ops(server.read(1)))

	server.send(2, protocol.Cmd{Op: protocol.BcRegisterLooper})
	procs := k.Snapshot().Processes
	require.Len(t, procs, 2)
	assert.Equal(t, 2, procs[0].Loopers)
}

func TestOwnWorkReadKeepsSpawnForBusyRead(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")

	// BrOK is thread work; the node events behind it wait for the next read
	server.send(1,
		protocol.Cmd{Op: protocol.BcEnterLooper},
		protocol.Cmd{Op: protocol.BcSetContextManager, Ptr: ctxPtr, Cookie: ctxCookie},
	)
	assert.Equal(t, []protocol.Return{protocol.BrOK}, ops(server.read(1)))
	assert.Equal(t, []protocol.Return{protocol.BrIncrefs, protocol.BrAcquire}, ops(server.read(1)))
	server.send(1,
		protocol.Cmd{Op: protocol.BcIncrefsDone, Ptr: ctxPtr, Cookie: ctxCookie},
		protocol.Cmd{Op: protocol.BcAcquireDone, Ptr: ctxPtr, Cookie: ctxCookie},
	)

	client.send(1, call(0, 1, false, nil))
	assert.Equal(t, []protocol.Return{protocol.BrTransaction, protocol.BrSpawnLooper}, ops(server.read(1)))
}

func TestMaxThreadsCapsSpawn(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)
	server.send(1, protocol.Cmd{Op: protocol.BcSetMaxThreads, Value: 0})

	client.send(1, call(0, 1, false, nil))
	assert.Equal(t, []protocol.Return{protocol.BrTransaction}, ops(server.read(1)))
}

func TestNextEventTime(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	p := open(t, k, "timer")

	at := time.Now().Add(20 * time.Millisecond).UnixNano()
	p.send(1,
		protocol.Cmd{Op: protocol.BcEnterLooper},
		protocol.Cmd{Op: protocol.BcSetNextEventTime, Value: at},
	)
	assert.Equal(t, []protocol.Return{protocol.BrEventOccurred}, ops(p.read(1)))

	// rescheduling cancels the previous deadline
	p.send(1, protocol.Cmd{Op: protocol.BcSetNextEventTime, Value: time.Now().Add(10 * time.Millisecond).UnixNano()})
	p.send(1, protocol.Cmd{Op: protocol.BcSetNextEventTime, Value: 0})
	assert.Empty(t, p.poll(1))
}

func TestBufferBudget(t *testing.T) {
	testlog.Start(t)
	k := New(Config{MaxBufferBytes: 64, MaxTransactionBytes: 64})
	server := open(t, k, "server")
	client := open(t, k, "client")
	becomeContextManager(server)

	body := parcel.New()
	require.NoError(t, body.WriteBytes(make([]byte, 40)))
	require.Equal(t, 48, body.Len())

	client.send(1, call(0, 1, false, body), call(0, 2, false, body))
	evs := client.read(1)
	require.Equal(t, []protocol.Return{protocol.BrTransactionComplete, protocol.BrFailedReply}, ops(evs))
	assert.Equal(t, int64(status.NoMemory), evs[1].Value)

	// freeing the first buffer restores the budget
	in := find(t, server.read(1), protocol.BrTransaction).Txn
	server.send(1, freeBuffer(in))
	client.send(1, call(0, 3, false, body))
	assert.Equal(t, []protocol.Return{protocol.BrTransactionComplete}, ops(client.read(1)))
}

func TestReadBufferTooSmall(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	p := open(t, k, "p")
	p.send(1, protocol.Cmd{Op: protocol.BcRelease, Handle: 5})

	err := p.ep.WriteRead(context.Background(), 1, &driver.WriteRead{ReadBuffer: make([]byte, 4)})
	assert.ErrorIs(t, err, status.ErrNoMemory)
}

func TestOpenLimitsAndClose(t *testing.T) {
	testlog.Start(t)
	k := New(Config{MaxProcesses: 1})
	open(t, k, "a")
	_, err := k.Open("b", 0)
	assert.ErrorIs(t, err, ErrTooManyProcs)
	assert.ErrorIs(t, k.Kill(99), ErrNoProcess)

	require.NoError(t, k.Close())
	_, err = k.Open("c", 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, k.Snapshot().Processes)
}

func TestWaitInterrupted(t *testing.T) {
	testlog.Start(t)
	k := New(Config{})
	p := open(t, k, "p")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.ep.WriteRead(ctx, 1, &driver.WriteRead{ReadBuffer: make([]byte, 64)})
	assert.ErrorIs(t, err, status.ErrInterrupted)
}
