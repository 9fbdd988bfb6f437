// Package kernel is the in-memory counterpart of the binder driver.
//
// A Kernel owns every attached process, the nodes those processes export, the
// handles each process holds on other processes' nodes, and the transaction
// stacks of every thread. Processes talk to it only through Endpoint, which
// implements driver.Driver. All state sits behind one lock; threads block
// outside of it on their own wake channel.
package kernel

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("kernel: closed")
	ErrTooManyProcs = errors.New("kernel: process limit reached")
	ErrNoProcess    = errors.New("kernel: no such process")
)

// Config bounds kernel resources.
type Config struct {
	// MaxProcesses caps attached processes; zero means DefaultConfig's value.
	MaxProcesses int
	// MaxBufferBytes is the per-process budget for undelivered or unfreed
	// transaction data.
	MaxBufferBytes int
	// MaxTransactionBytes bounds a single transaction's inline data.
	MaxTransactionBytes int
	// DefaultMaxThreads caps spawned loopers until BcSetMaxThreads.
	DefaultMaxThreads uint32
}

func DefaultConfig() Config {
	return Config{
		MaxProcesses:        256,
		MaxBufferBytes:      1 << 20,
		MaxTransactionBytes: 256 << 10,
		DefaultMaxThreads:   4,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = def.MaxProcesses
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = def.MaxBufferBytes
	}
	if c.MaxTransactionBytes <= 0 {
		c.MaxTransactionBytes = def.MaxTransactionBytes
	}
	if c.MaxTransactionBytes > c.MaxBufferBytes {
		c.MaxTransactionBytes = c.MaxBufferBytes
	}
	if c.DefaultMaxThreads == 0 {
		c.DefaultMaxThreads = def.DefaultMaxThreads
	}
	return c
}

type Kernel struct {
	mu      sync.Mutex
	cfg     Config
	log     zerolog.Logger
	procs   map[int32]*proc
	nextPID int32
	ctxMgr  *node
	closed  bool
	// deferTo receives node events for its own process's nodes while it
	// is translating an outgoing transaction or reply.
	deferTo *thread
	now     func() time.Time
}

func New(cfg Config) *Kernel {
	return &Kernel{
		cfg:   cfg.WithDefaults(),
		log:   logging.Logger("kernel"),
		procs: make(map[int32]*proc),
		now:   time.Now,
	}
}

func (k *Kernel) Config() Config { return k.cfg }

// Open attaches a new process and returns its driver endpoint. osPID is
// informational; the kernel assigns its own process id.
func (k *Kernel) Open(name string, osPID int32) (*Endpoint, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	if len(k.procs) >= k.cfg.MaxProcesses {
		return nil, ErrTooManyProcs
	}
	k.nextPID++
	p := newProc(k, k.nextPID, name, osPID)
	k.procs[p.pid] = p
	observability.SetKernelProcesses(len(k.procs))
	k.log.Info().Int32("pid", p.pid).Str("name", name).Int32("os_pid", osPID).Msg("process attached")
	return &Endpoint{k: k, p: p}, nil
}

// Kill terminates the process with kernel id pid as if it had crashed.
func (k *Kernel) Kill(pid int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	if !ok {
		return ErrNoProcess
	}
	k.killProc(p, "killed")
	return nil
}

// Close kills every process and rejects further Opens.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	for _, p := range k.procs {
		k.killProc(p, "kernel closed")
	}
	return nil
}

// fail queues a failed-reply terminal event for t.
func (k *Kernel) fail(t *thread, code status.Code) {
	t.push(&work{ev: protocol.Event{Op: protocol.BrFailedReply, Value: int64(code)}})
}
