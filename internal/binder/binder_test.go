package binder

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/edgebinder/internal/handler"
	"github.com/danmuck/edgebinder/internal/kernel"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/status"
	"github.com/danmuck/edgebinder/internal/testutil/testlog"
)

const (
	codeAdd uint32 = iota + 1
	codeCallBack
	codeNote
	codeKeepWeak
)

const waitFor = 2 * time.Second

type counter struct{}

func (counter) OnTransact(_ context.Context, code uint32, data, reply *parcel.Parcel) error {
	if code != codeAdd {
		return status.ErrBadType
	}
	v, err := data.ReadInt32()
	if err != nil {
		return err
	}
	return reply.WriteInt32(v + 1)
}

type lastRef struct {
	counter
	calls atomic.Int32
}

func (l *lastRef) OnLastStrongRef() { l.calls.Add(1) }

func startProcess(t *testing.T, k *kernel.Kernel, name string) (*Process, *kernel.Endpoint) {
	t.Helper()
	ep, err := k.Open(name, 0)
	require.NoError(t, err)
	p := New(Config{Name: name}, ep)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, ep
}

func addOne(t *testing.T, b Binder, v int32) int32 {
	t.Helper()
	data := parcel.New()
	require.NoError(t, data.WriteInt32(v))
	reply, err := b.Transact(context.Background(), codeAdd, data, true)
	require.NoError(t, err)
	defer Recycle(reply)
	got, err := reply.ReadInt32()
	require.NoError(t, err)
	return got
}

func TestLocalOnlyProcess(t *testing.T) {
	testlog.Start(t)
	p := New(Config{}, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(context.Background())

	s := p.NewStub(counter{})
	assert.Equal(t, int32(42), addOne(t, s, 41))
	assert.NoError(t, s.Ping(context.Background()))

	_, err := p.GetProxy(1)
	assert.ErrorIs(t, err, ErrNoDriver)

	require.NoError(t, p.BecomeContextManager(context.Background(), s))
	cm, err := p.ContextObject(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, cm.LocalStub())
	Release(cm)

	other := p.NewStub(counter{})
	assert.ErrorIs(t, p.BecomeContextManager(context.Background(), other), status.ErrPermissionDenied)
}

func TestStubLifecycle(t *testing.T) {
	testlog.Start(t)
	p := New(Config{}, nil)
	obj := &lastRef{}
	s := p.NewStub(obj)
	s.IncWeak()

	require.NoError(t, s.Acquire())
	s.Release()
	assert.Equal(t, StubAlive, s.State())
	assert.Zero(t, obj.calls.Load())

	s.Release()
	assert.Equal(t, StubDead, s.State())
	assert.Equal(t, int32(1), obj.calls.Load())
	assert.False(t, s.AttemptAcquire())
	assert.ErrorIs(t, s.Acquire(), status.ErrDead)

	_, err := s.Transact(context.Background(), codeAdd, nil, true)
	assert.ErrorIs(t, err, status.ErrDead)
	assert.Equal(t, StubCounts{LocalWeak: 1}, s.Counts())
	s.DecWeak()
	assert.Panics(t, s.Release)
}

func TestLocalReplyKeepsWrittenObjectAlive(t *testing.T) {
	testlog.Start(t)
	p := New(Config{}, nil)
	s := p.NewStub(ObjectFunc(func(_ context.Context, _ uint32, _, reply *parcel.Parcel) error {
		fresh := p.NewStub(counter{})
		defer fresh.Release()
		return WriteBinder(reply, fresh)
	}))
	defer s.Release()

	reply, err := s.Transact(context.Background(), 1, nil, true)
	require.NoError(t, err)
	b, err := p.ReadBinder(reply)
	require.NoError(t, err)
	Recycle(reply)
	assert.Equal(t, int32(8), addOne(t, b, 7))
	Release(b)
	assert.False(t, b.IsAlive())
}

func TestCallAcrossProcesses(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, serverEP := startProcess(t, k, "server")
	client, clientEP := startProcess(t, k, "client")

	obj := server.NewStub(counter{})
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	b, err := client.ContextObject(context.Background())
	require.NoError(t, err)
	px := b.RemoteProxy()
	require.NotNil(t, px)
	assert.Equal(t, uint32(0), px.Handle())

	assert.Equal(t, int32(42), addOne(t, px, 41))
	assert.NoError(t, px.Ping(context.Background()))

	_, err = px.Transact(context.Background(), 99, nil, true)
	assert.ErrorIs(t, err, status.ErrBadType)

	info, ok := k.Ref(clientEP.PID(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, info.Strong)
	assert.Equal(t, serverEP.PID(), info.OwnerPID)

	px.Release()
	_, ok = k.Ref(clientEP.PID(), 0)
	assert.False(t, ok)
	_, err = px.Transact(context.Background(), codeAdd, nil, true)
	assert.ErrorIs(t, err, ErrReleased)

	assert.Eventually(t, func() bool {
		for _, pr := range k.Snapshot().Processes {
			if pr.Buffers != 0 {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
}

func TestProxyIsCachedPerHandle(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, _ := startProcess(t, k, "server")
	client, clientEP := startProcess(t, k, "client")

	obj := server.NewStub(counter{})
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	a, err := client.GetProxy(0)
	require.NoError(t, err)
	b, err := client.GetProxy(0)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.StrongCount())

	info, ok := k.Ref(clientEP.PID(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, info.Strong, "driver holds one count per handle")

	cleaned := 0
	require.NoError(t, client.Attach(a, "cache", 7, func() { cleaned++ }))
	v, ok := client.Attached(a, "cache")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	b.Release()
	assert.Zero(t, cleaned)
	a.Release()
	assert.Equal(t, 1, cleaned)
	_, ok = client.Attached(a, "cache")
	assert.False(t, ok)

	c, err := client.GetProxy(0)
	require.NoError(t, err)
	assert.NotSame(t, a, c, "a released proxy is never handed out again")
	c.Release()
}

func TestReleaseCleanupRunsBeforeHandleGoes(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, _ := startProcess(t, k, "server")
	client, clientEP := startProcess(t, k, "client")

	obj := server.NewStub(counter{})
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	px, err := client.GetProxy(0)
	require.NoError(t, err)

	var strong int
	var pingErr error
	var driverHeld bool
	require.NoError(t, client.Attach(px, "session", nil, func() {
		strong = px.StrongCount()
		pingErr = px.Ping(context.Background())
		_, driverHeld = k.Ref(clientEP.PID(), 0)
	}))
	px.Release()

	assert.Equal(t, 1, strong)
	assert.NoError(t, pingErr)
	assert.True(t, driverHeld)
	_, ok := k.Ref(clientEP.PID(), 0)
	assert.False(t, ok)
	assert.Zero(t, px.StrongCount())
}

func TestRejectedHandleLeavesTableUnchanged(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	p, ep := startProcess(t, k, "lonely")

	_, err := p.GetProxy(42)
	assert.ErrorIs(t, err, status.ErrBadValue)
	_, err = p.GetWeakProxy(42)
	assert.ErrorIs(t, err, status.ErrBadValue)
	_, ok := k.Ref(ep.PID(), 42)
	assert.False(t, ok)

	_, err = p.ContextObject(context.Background())
	assert.ErrorIs(t, err, status.ErrDead)

	p.mu.Lock()
	assert.Empty(t, p.handles)
	p.mu.Unlock()
}

func TestGetProxyOnWeakHandleNeedsLiveObject(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, _ := startProcess(t, k, "server")
	client, clientEP := startProcess(t, k, "client")

	kept := make(chan WeakBinder, 1)
	registry := client.NewStub(ObjectFunc(func(_ context.Context, _ uint32, data, _ *parcel.Parcel) error {
		w, err := client.ReadWeakBinder(data)
		if err != nil {
			return err
		}
		kept <- w
		return nil
	}))
	require.NoError(t, client.BecomeContextManager(context.Background(), registry))
	registry.Release()

	s := server.NewStub(counter{})
	cm, err := server.ContextObject(context.Background())
	require.NoError(t, err)
	data := parcel.New()
	require.NoError(t, WriteWeakBinder(data, s))
	reply, err := cm.Transact(context.Background(), codeKeepWeak, data, true)
	require.NoError(t, err)
	Recycle(reply)
	Release(cm)

	var weak WeakBinder
	select {
	case weak = <-kept:
	case <-time.After(waitFor):
		t.Fatal("weak reference never arrived")
	}
	require.NotNil(t, weak.Proxy)
	defer weak.Release()
	h := weak.Proxy.Handle()

	live, err := client.GetProxy(h)
	require.NoError(t, err)
	assert.Equal(t, int32(6), addOne(t, live, 5))
	live.Release()

	s.Release()
	assert.Eventually(t, func() bool { return s.State() == StubDead }, waitFor, 10*time.Millisecond)

	_, err = weak.Promote(context.Background())
	assert.ErrorIs(t, err, status.ErrDead)
	_, err = client.GetProxy(h)
	assert.ErrorIs(t, err, status.ErrDead)

	assert.Zero(t, s.Counts().RemoteStrong)
	info, ok := k.Ref(clientEP.PID(), h)
	require.True(t, ok)
	assert.Zero(t, info.Strong)
}

func TestSecondContextManagerDenied(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	one, _ := startProcess(t, k, "one")
	two, _ := startProcess(t, k, "two")

	a := one.NewStub(counter{})
	defer a.Release()
	require.NoError(t, one.BecomeContextManager(context.Background(), a))

	b := two.NewStub(counter{})
	defer b.Release()
	assert.ErrorIs(t, two.BecomeContextManager(context.Background(), b), status.ErrPermissionDenied)
}

func TestNestedCallbackRunsOnWaitingThread(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, _ := startProcess(t, k, "server")
	client, _ := startProcess(t, k, "client")

	obj := server.NewStub(ObjectFunc(func(ctx context.Context, code uint32, data, reply *parcel.Parcel) error {
		cb, err := server.ReadBinder(data)
		if err != nil {
			return err
		}
		defer Release(cb)
		r, err := cb.Transact(ctx, codeNote, nil, true)
		if err != nil {
			return err
		}
		Recycle(r)
		return reply.WriteBool(true)
	}))
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	var seen atomic.Uint32
	cb := client.NewStub(ObjectFunc(func(ctx context.Context, code uint32, _, _ *parcel.Parcel) error {
		if tid, ok := ThreadID(ctx); ok && code == codeNote {
			seen.Store(tid)
		}
		return nil
	}))
	defer cb.Release()

	b, err := client.ContextObject(context.Background())
	require.NoError(t, err)
	defer Release(b)

	ctx, done, err := client.BindThread(context.Background())
	require.NoError(t, err)
	defer done()
	want, ok := ThreadID(ctx)
	require.True(t, ok)

	data := parcel.New()
	require.NoError(t, WriteBinder(data, cb))
	reply, err := b.Transact(ctx, codeCallBack, data, true)
	require.NoError(t, err)
	Recycle(reply)

	assert.Equal(t, want, seen.Load())
	assert.Zero(t, cb.Counts().Pins)
	assert.Eventually(t, func() bool { return cb.Counts().RemoteStrong == 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, StubAlive, cb.State())
}

func TestObituariesFireOnceInOrder(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, serverEP := startProcess(t, k, "server")
	client, _ := startProcess(t, k, "client")

	obj := server.NewStub(counter{})
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	b, err := client.ContextObject(context.Background())
	require.NoError(t, err)
	px := b.RemoteProxy()
	defer px.Release()

	var mu sync.Mutex
	var keys []uint32
	var subjects []*WeakProxy
	h, err := handler.NewHandler(client.Scheduler(), "deaths", func(m handler.Message) handler.Result {
		ob := m.Payload.(Obituary)
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, m.What)
		if ob.Flags&IncludeSubjectInPayload != 0 {
			subjects = append(subjects, ob.Args[0].(*WeakProxy))
		}
		return handler.Yield
	})
	require.NoError(t, err)

	watch := func() *Stub {
		w := client.NewStub(counter{})
		t.Cleanup(w.Release)
		return w
	}
	w1, w2, w3 := watch(), watch(), watch()
	require.NoError(t, px.LinkToDeath(w1, h, 1, 0))
	require.NoError(t, px.LinkToDeath(w2, h, 2, IncludeSubjectInPayload))
	require.NoError(t, px.LinkToDeath(w3, h, 3, 0, "extra"))
	assert.ErrorIs(t, px.LinkToDeath(w1, h, 1, 0), ErrAlreadyLinked)

	require.NoError(t, k.Kill(serverEP.PID()))
	for i := 0; i < 5; i++ {
		_, err := px.Transact(context.Background(), codeAdd, nil, true)
		assert.ErrorIs(t, err, status.ErrDead)
	}
	assert.False(t, px.IsAlive())

	got := func() []uint32 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint32(nil), keys...)
	}
	require.Eventually(t, func() bool { return len(got()) == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3}, got())

	mu.Lock()
	require.Len(t, subjects, 1)
	_, err = subjects[0].Promote(context.Background())
	mu.Unlock()
	assert.ErrorIs(t, err, status.ErrDead)

	// linking after the death is answered at once
	w4 := watch()
	require.NoError(t, px.LinkToDeath(w4, h, 4, 0))
	require.Eventually(t, func() bool { return len(got()) == 4 }, waitFor, 10*time.Millisecond)
	assert.False(t, px.UnlinkToDeath(w1, 1))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3, 4}, got())
	for _, w := range []*Stub{w1, w2, w3, w4} {
		assert.Zero(t, w.Counts().LocalWeak)
	}
}

func TestUnlinkToDeath(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, serverEP := startProcess(t, k, "server")
	client, _ := startProcess(t, k, "client")

	obj := server.NewStub(counter{})
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	b, err := client.ContextObject(context.Background())
	require.NoError(t, err)
	px := b.RemoteProxy()
	defer px.Release()

	var fired atomic.Int32
	h, err := handler.NewHandler(client.Scheduler(), "deaths", func(handler.Message) handler.Result {
		fired.Add(1)
		return handler.Yield
	})
	require.NoError(t, err)

	w := client.NewStub(counter{})
	defer w.Release()
	require.NoError(t, px.LinkToDeath(w, h, 1, 0))
	require.NoError(t, px.LinkToDeath(w, h, 2, 0))
	assert.True(t, px.UnlinkToDeath(w, 1))
	assert.False(t, px.UnlinkToDeath(w, 1))
	assert.Equal(t, 1, client.UnlinkAllTargets(w))
	assert.Zero(t, w.Counts().LocalWeak)

	require.NoError(t, k.Kill(serverEP.PID()))
	_, err = px.Transact(context.Background(), codeAdd, nil, true)
	assert.ErrorIs(t, err, status.ErrDead)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestPromoteRacesLastRelease(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, _ := startProcess(t, k, "server")
	client, _ := startProcess(t, k, "client")

	kept := make(chan WeakBinder, 1)
	registry := client.NewStub(ObjectFunc(func(_ context.Context, code uint32, data, _ *parcel.Parcel) error {
		w, err := client.ReadWeakBinder(data)
		if err != nil {
			return err
		}
		kept <- w
		return nil
	}))
	require.NoError(t, client.BecomeContextManager(context.Background(), registry))
	registry.Release()

	obj := &lastRef{}
	s := server.NewStub(obj)
	cm, err := server.ContextObject(context.Background())
	require.NoError(t, err)
	data := parcel.New()
	require.NoError(t, WriteWeakBinder(data, s))
	reply, err := cm.Transact(context.Background(), codeKeepWeak, data, true)
	require.NoError(t, err)
	Recycle(reply)
	Release(cm)

	var weak WeakBinder
	select {
	case weak = <-kept:
	case <-time.After(waitFor):
		t.Fatal("weak reference never arrived")
	}
	require.NotNil(t, weak.Proxy)
	defer weak.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var won []Binder
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := weak.Promote(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, status.ErrDead)
				return
			}
			// a granted promotion keeps the object alive
			assert.Equal(t, StubAlive, s.State())
			mu.Lock()
			won = append(won, b)
			mu.Unlock()
		}()
	}
	s.Release()
	wg.Wait()

	if len(won) == 0 {
		assert.Eventually(t, func() bool { return s.State() == StubDead }, waitFor, 10*time.Millisecond)
	}
	for _, b := range won {
		assert.Equal(t, int32(3), addOne(t, b, 2))
		Release(b)
	}
	assert.Eventually(t, func() bool { return s.State() == StubDead }, waitFor, 10*time.Millisecond)
	assert.Equal(t, int32(1), obj.calls.Load())

	_, err = weak.Promote(context.Background())
	assert.ErrorIs(t, err, status.ErrDead)
}

func TestShutdownRejectsNewProxies(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	p, _ := startProcess(t, k, "solo")
	require.NoError(t, p.Shutdown(context.Background()))
	_, err := p.GetProxy(0)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, p.Start(context.Background()), ErrShutdown)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSharedKeyKeepsPerLinkFlags(t *testing.T) {
	testlog.Start(t)
	k := kernel.New(kernel.Config{})
	server, serverEP := startProcess(t, k, "server")
	client, _ := startProcess(t, k, "client")

	obj := server.NewStub(counter{})
	require.NoError(t, server.BecomeContextManager(context.Background(), obj))
	obj.Release()

	b, err := client.ContextObject(context.Background())
	require.NoError(t, err)
	px := b.RemoteProxy()
	defer px.Release()

	got := make(chan Obituary, 4)
	h, err := handler.NewHandler(client.Scheduler(), "deaths", func(m handler.Message) handler.Result {
		got <- m.Payload.(Obituary)
		return handler.Yield
	})
	require.NoError(t, err)

	plain := client.NewStub(counter{})
	defer plain.Release()
	subject := client.NewStub(counter{})
	defer subject.Release()
	require.NoError(t, px.LinkToDeath(plain, h, 7, 0, "a"))
	require.NoError(t, px.LinkToDeath(subject, h, 7, IncludeSubjectInPayload, "a"))

	require.NoError(t, k.Kill(serverEP.PID()))
	assert.ErrorIs(t, px.Ping(context.Background()), status.ErrDead)

	var obits []Obituary
	for len(obits) < 2 {
		select {
		case ob := <-got:
			obits = append(obits, ob)
		case <-time.After(waitFor):
			t.Fatalf("obituaries got=%d", len(obits))
		}
	}
	assert.Equal(t, uint32(7), obits[0].Key)
	assert.Equal(t, []any{"a"}, obits[0].Args)
	assert.Equal(t, uint32(7), obits[1].Key)
	require.Len(t, obits[1].Args, 2)
	weak, ok := obits[1].Args[0].(*WeakProxy)
	require.True(t, ok)
	assert.Equal(t, px.Handle(), weak.Handle())
	assert.False(t, weak.IsAlive())
	assert.Equal(t, "a", obits[1].Args[1])
}
