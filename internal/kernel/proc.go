package kernel

import (
	"time"

	"github.com/danmuck/edgebinder/internal/protocol"
)

// work is one queued return. txn and attempt carry the kernel-side state the
// receiving thread takes ownership of when the event is delivered.
type work struct {
	ev      protocol.Event
	txn     *txn
	attempt *attempt
}

type proc struct {
	k     *Kernel
	pid   int32
	name  string
	osPID int32
	dead  bool

	threads map[uint32]*thread
	todo    []*work
	idle    []*thread

	nodes      map[uint64]*node
	refs       map[uint32]*ref
	refsByNode map[*node]*ref
	nextHandle uint32

	buffers     map[uint64]*buffer
	nextBuffer  uint64
	bufferBytes int

	maxThreads       uint32
	requestedThreads int
	startedThreads   int

	eventTimer *time.Timer
	eventGen   uint64
	eventDue   bool
}

func newProc(k *Kernel, pid int32, name string, osPID int32) *proc {
	return &proc{
		k:          k,
		pid:        pid,
		name:       name,
		osPID:      osPID,
		threads:    make(map[uint32]*thread),
		nodes:      make(map[uint64]*node),
		refs:       make(map[uint32]*ref),
		refsByNode: make(map[*node]*ref),
		nextHandle: 1,
		buffers:    make(map[uint64]*buffer),
		maxThreads: k.cfg.DefaultMaxThreads,
	}
}

func (p *proc) thread(tid uint32) *thread {
	t, ok := p.threads[tid]
	if !ok {
		t = &thread{p: p, tid: tid, wake: make(chan struct{}, 1)}
		p.threads[tid] = t
	}
	return t
}

// enqueue adds process-wide work and wakes one idle looper.
func (p *proc) enqueue(w *work) {
	if p.dead {
		return
	}
	p.todo = append(p.todo, w)
	if len(p.idle) > 0 {
		p.idle[0].signal()
	}
}

func (p *proc) nodeEvent(op protocol.Return, n *node) {
	p.enqueue(&work{ev: protocol.Event{Op: op, Ptr: n.ptr, Cookie: n.cookie}})
}

func (p *proc) removeIdle(t *thread) {
	for i, it := range p.idle {
		if it == t {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

type looperState uint8

const (
	looperRegistered looperState = 1 << iota
	looperEntered
	looperExited
)

type thread struct {
	p      *proc
	tid    uint32
	looper looperState
	todo   []*work
	// stack is the innermost transaction this thread sent and awaits, or
	// received and has not yet answered.
	stack *txn
	// attempt is a BrAttemptAcquire this thread must answer.
	attempt *attempt
	// awaiting is this thread's own attempt-acquire in flight.
	awaiting *attempt
	wake    chan struct{}
	dead    bool
}

func (t *thread) push(w *work) {
	t.todo = append(t.todo, w)
	t.signal()
}

func (t *thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *thread) isLooper() bool {
	return t.looper&(looperRegistered|looperEntered) != 0 && t.looper&looperExited == 0
}

// takesProcWork reports whether t may be handed process-wide work.
func (t *thread) takesProcWork() bool {
	return t.isLooper() && t.stack == nil && t.attempt == nil && t.awaiting == nil && len(t.todo) == 0
}
