package kernel

import (
	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/protocol"
)

// killProc tears p down: callers it was serving get dead replies, callers
// queued on it get dead replies, and every count it held is returned.
func (k *Kernel) killProc(p *proc, reason string) {
	if p.dead {
		return
	}
	p.dead = true
	p.eventGen++
	if p.eventTimer != nil {
		p.eventTimer.Stop()
		p.eventTimer = nil
	}

	for _, t := range p.threads {
		k.unwindThread(t)
	}
	for _, w := range p.todo {
		k.dropWork(p, w)
	}
	p.todo = nil
	p.idle = nil

	for _, b := range p.buffers {
		k.freeBuffer(p, b)
	}
	for _, r := range p.refs {
		k.dropRef(r)
	}
	if k.ctxMgr != nil && k.ctxMgr.owner == p {
		k.ctxMgr = nil
	}
	for _, n := range p.nodes {
		k.updateNode(n)
	}

	delete(k.procs, p.pid)
	observability.SetKernelProcesses(len(k.procs))
	k.log.Info().Int32("pid", p.pid).Str("name", p.name).Str("reason", reason).Msg("process died")
}

// exitThread unwinds one thread of a live process.
func (k *Kernel) exitThread(t *thread) {
	if t.looper&looperRegistered != 0 && t.looper&looperExited == 0 {
		t.p.startedThreads--
	}
	t.p.removeIdle(t)
	k.unwindThread(t)
}

func (k *Kernel) unwindThread(t *thread) {
	t.dead = true
	for s := t.stack; s != nil; {
		if s.toThread == t {
			next := s.toParent
			k.deadReply(s)
			s = next
			continue
		}
		// t was waiting on s; its reply has nowhere to go
		next := s.fromParent
		s.from = nil
		s = next
	}
	t.stack = nil
	if a := t.attempt; a != nil {
		t.attempt = nil
		k.finishAttempt(a, false)
	}
	if a := t.awaiting; a != nil {
		t.awaiting = nil
		a.from = nil
	}
	for _, w := range t.todo {
		k.dropWork(t.p, w)
	}
	t.todo = nil
	t.signal()
}

// dropWork disposes of a return queued on p that will never be read.
func (k *Kernel) dropWork(p *proc, w *work) {
	if w.txn != nil && w.ev.Op == protocol.BrTransaction && w.txn.sync() {
		k.deadReply(w.txn)
	}
	if w.attempt != nil {
		k.finishAttempt(w.attempt, false)
	}
	if rec := w.ev.Txn; rec != nil && rec.Buffer != 0 {
		if b, ok := p.buffers[rec.Buffer]; ok {
			k.freeBuffer(p, b)
		}
	}
}
