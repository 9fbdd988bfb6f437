package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/kernel"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/protocol/session"
	"github.com/danmuck/edgebinder/internal/servicemanager"
	"github.com/danmuck/edgebinder/internal/testutil/testlog"
	"github.com/danmuck/edgebinder/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startKernel serves a kernel with a published service manager on a temp
// socket and returns the socket path.
func startKernel(t *testing.T) string {
	t.Helper()
	k := kernel.New(kernel.Config{})
	ep, err := k.Open("servicemanager", 0)
	require.NoError(t, err)
	sm := binder.New(binder.Config{Name: "servicemanager"}, ep)
	require.NoError(t, sm.Start(context.Background()))
	m, err := servicemanager.New(sm, servicemanager.Config{})
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background()))

	path := filepath.Join(t.TempDir(), "binder.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	srv := transport.NewServer(k, session.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		m.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = sm.Shutdown(sctx)
		_ = k.Close()
	})
	return path
}

func run(ctx context.Context, out *syncBuffer, args ...string) error {
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestCounterObject(t *testing.T) {
	testlog.Start(t)
	p := binder.New(binder.Config{}, nil)
	obj := &counter{}
	s := p.NewStub(obj)
	defer s.Release()

	data := parcel.New()
	require.NoError(t, data.WriteInt64(5))
	reply, err := s.Transact(context.Background(), codeIncrement, data, true)
	require.NoError(t, err)
	total, err := reply.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	binder.Recycle(reply)

	reply, err = s.Transact(context.Background(), codeValue, nil, true)
	require.NoError(t, err)
	total, err = reply.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	binder.Recycle(reply)

	_, err = s.Transact(context.Background(), 99, nil, true)
	assert.Error(t, err)
	assert.Equal(t, int64(3), obj.calls.Load())
}

func TestServeCallAndList(t *testing.T) {
	testlog.Start(t)
	socket := startKernel(t)

	serveCtx, stopServe := context.WithCancel(context.Background())
	serveOut := &syncBuffer{}
	served := make(chan error, 1)
	go func() { served <- run(serveCtx, serveOut, "--socket", socket, "serve-counter") }()

	require.Eventually(t, func() bool {
		return strings.Contains(serveOut.String(), "serving "+defaultService)
	}, 3*time.Second, 20*time.Millisecond)

	out := &syncBuffer{}
	require.NoError(t, run(context.Background(), out, "--socket", socket, "list"))
	assert.Equal(t, defaultService+"\n", out.String())

	out = &syncBuffer{}
	require.NoError(t, run(context.Background(), out, "--socket", socket, "call", defaultService, "4"))
	assert.Equal(t, defaultService+" = 4\n", out.String())

	out = &syncBuffer{}
	require.NoError(t, run(context.Background(), out, "--socket", socket, "call"))
	assert.Equal(t, defaultService+" = 5\n", out.String())

	err := run(context.Background(), &syncBuffer{}, "--socket", socket, "call", "edge.missing")
	assert.ErrorIs(t, err, servicemanager.ErrNotFound)

	stopServe()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve-counter did not stop")
	}
	assert.Contains(t, serveOut.String(), "served 2 calls, total 5")
}

func TestConfigCommands(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "process.toml")
	out := &syncBuffer{}
	require.NoError(t, run(context.Background(), out, "config", "init", "--kind", "process", path))
	require.NoError(t, run(context.Background(), out, "config", "validate", "--kind", "process", path))
	assert.Contains(t, out.String(), "validated process config")
	assert.Error(t, run(context.Background(), out, "config", "init", path))
	assert.Error(t, run(context.Background(), out, "config", "validate", "--kind", "daemon", filepath.Join(t.TempDir(), "none.toml")))
}
