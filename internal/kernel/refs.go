package kernel

import (
	"github.com/danmuck/edgebinder/internal/protocol"
)

// node is one object exported by its owner process, keyed by (owner, ptr).
//
// The owner is told about strong and weak interest through BrAcquire,
// BrIncrefs, BrRelease and BrDecrefs. An acquire or incref stays pending until
// the owner acks it; no release for the same count is sent while it is
// pending, so an acquire can never be overtaken by its own release.
type node struct {
	owner  *proc
	ptr    uint64
	cookie uint64

	strongRefs int // refs with strong > 0
	weakRefs   int // refs that exist
	tmpStrong  int // holds by buffers and the kernel itself
	tmpWeak    int

	hasStrong     bool
	hasWeak       bool
	pendingStrong bool
	pendingWeak   bool
}

func (n *node) strong() int { return n.strongRefs + n.tmpStrong }
func (n *node) weak() int   { return n.weakRefs + n.tmpWeak }

// ref is one process's handle on a node.
type ref struct {
	p      *proc
	handle uint32
	node   *node
	strong int
	weak   int
}

// getNode returns the owner's node for ptr, creating it on first export.
func (k *Kernel) getNode(owner *proc, ptr, cookie uint64) (*node, bool) {
	if n, ok := owner.nodes[ptr]; ok {
		return n, n.cookie == cookie
	}
	n := &node{owner: owner, ptr: ptr, cookie: cookie}
	owner.nodes[ptr] = n
	return n, true
}

// nodeEvent queues a node event for o. While one of o's threads is sending
// a record naming the node, the event goes to that thread, ahead of its
// transaction-complete, so the owner counts the reference before it can
// drop its own.
func (k *Kernel) nodeEvent(o *proc, op protocol.Return, n *node) {
	if t := k.deferTo; t != nil && t.p == o && !t.dead {
		t.push(&work{ev: protocol.Event{Op: op, Ptr: n.ptr, Cookie: n.cookie}})
		return
	}
	o.nodeEvent(op, n)
}

// updateNode reconciles what the owner has been told with the counts the
// kernel holds, queueing node events as needed.
func (k *Kernel) updateNode(n *node) {
	o := n.owner
	if o.dead {
		if n.strong() == 0 && n.weak() == 0 {
			delete(o.nodes, n.ptr)
		}
		return
	}
	wantStrong := n.strong() > 0
	wantWeak := wantStrong || n.weak() > 0

	if wantWeak && !n.hasWeak && !n.pendingWeak {
		n.hasWeak, n.pendingWeak = true, true
		k.nodeEvent(o, protocol.BrIncrefs, n)
	}
	if wantStrong && !n.hasStrong && !n.pendingStrong {
		n.hasStrong, n.pendingStrong = true, true
		k.nodeEvent(o, protocol.BrAcquire, n)
	}
	if !wantStrong && n.hasStrong && !n.pendingStrong {
		n.hasStrong = false
		k.nodeEvent(o, protocol.BrRelease, n)
	}
	if !wantWeak && n.hasWeak && !n.pendingWeak && !n.hasStrong && !n.pendingStrong {
		n.hasWeak = false
		k.nodeEvent(o, protocol.BrDecrefs, n)
	}
	if !wantWeak && !n.hasWeak && !n.hasStrong && !n.pendingWeak && !n.pendingStrong {
		if cur, ok := o.nodes[n.ptr]; ok && cur == n {
			delete(o.nodes, n.ptr)
		}
	}
}

// refFor returns p's handle on n, allocating one on first reference. The
// context manager is always handle 0.
func (k *Kernel) refFor(p *proc, n *node) *ref {
	if r, ok := p.refsByNode[n]; ok {
		return r
	}
	h := uint32(0)
	if n != k.ctxMgr {
		h = p.nextHandle
		p.nextHandle++
	} else if old, ok := p.refs[0]; ok {
		// handle 0 still names a previous, dead context manager
		k.dropRef(old)
	}
	r := &ref{p: p, handle: h, node: n}
	p.refs[h] = r
	p.refsByNode[n] = r
	n.weakRefs++
	return r
}

// lookupRef resolves a handle sent by p. Handle 0 materializes a reference
// to the current context manager.
func (k *Kernel) lookupRef(p *proc, h uint32) *ref {
	if r, ok := p.refs[h]; ok {
		return r
	}
	if h == 0 && k.ctxMgr != nil {
		return k.refFor(p, k.ctxMgr)
	}
	return nil
}

func (k *Kernel) incRef(r *ref, strong bool) {
	if strong {
		if r.strong == 0 {
			r.node.strongRefs++
		}
		r.strong++
	} else {
		r.weak++
	}
	k.updateNode(r.node)
}

// decRef drops one count and reports false if there was none to drop.
func (k *Kernel) decRef(r *ref, strong bool) bool {
	if strong {
		if r.strong == 0 {
			return false
		}
		r.strong--
		if r.strong == 0 {
			r.node.strongRefs--
		}
	} else {
		if r.weak == 0 {
			return false
		}
		r.weak--
	}
	if r.strong == 0 && r.weak == 0 {
		k.removeRef(r)
	}
	k.updateNode(r.node)
	return true
}

func (k *Kernel) removeRef(r *ref) {
	if cur, ok := r.p.refs[r.handle]; ok && cur == r {
		delete(r.p.refs, r.handle)
	}
	delete(r.p.refsByNode, r.node)
	r.node.weakRefs--
}

// dropRef removes r regardless of its counts.
func (k *Kernel) dropRef(r *ref) {
	if r.strong > 0 {
		r.node.strongRefs--
		r.strong = 0
	}
	r.weak = 0
	k.removeRef(r)
	k.updateNode(r.node)
}

// hold is one count a buffer keeps until it is freed.
type hold struct {
	ref    *ref
	node   *node
	strong bool
}

// buffer is transaction data delivered to p and not yet freed.
type buffer struct {
	id    uint64
	size  int
	holds []hold
}

func (k *Kernel) newBuffer(p *proc, size int) *buffer {
	p.nextBuffer++
	b := &buffer{id: p.nextBuffer, size: size}
	p.buffers[b.id] = b
	p.bufferBytes += size
	return b
}

func (k *Kernel) freeBuffer(p *proc, b *buffer) {
	delete(p.buffers, b.id)
	p.bufferBytes -= b.size
	k.releaseHolds(b)
}

func (k *Kernel) releaseHolds(b *buffer) {
	holds := b.holds
	b.holds = nil
	for _, h := range holds {
		switch {
		case h.ref != nil:
			k.decRef(h.ref, h.strong)
		case h.node != nil:
			if h.strong {
				h.node.tmpStrong--
			} else {
				h.node.tmpWeak--
			}
			k.updateNode(h.node)
		}
	}
}
