package kernel

import (
	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

// txn is a transaction in flight. A synchronous txn sits on the sender's
// stack from send until reply, and on the receiver's stack from delivery
// until it replies.
type txn struct {
	from       *thread
	fromParent *txn
	toProc     *proc
	toThread   *thread
	toParent   *txn
	node       *node
	rec        *protocol.Transaction
	buf        *buffer
}

func (t *txn) sync() bool { return t.rec.Flags.Has(protocol.FlagSynchronous) }

// attempt is a pending attempt-acquire routed to a node's owner.
type attempt struct {
	from *thread
	ref  *ref
}

// translate rewrites the object records in data from sender's view to
// receiver's, taking the counts the resulting buffer holds.
func (k *Kernel) translate(sender, receiver *proc, b *buffer, data []byte, offsets []int) status.Code {
	for _, off := range offsets {
		r, err := parcel.RecordAt(data, off)
		if err != nil {
			return status.BadValue
		}
		if r.IsNull() {
			continue
		}
		strong := r.IsStrong()
		var n *node
		if r.IsLocal() {
			var ok bool
			n, ok = k.getNode(sender, r.Binder, r.Cookie)
			if !ok {
				return status.BadValue
			}
		} else {
			sr, ok := sender.refs[uint32(r.Binder)]
			if !ok {
				if r.Binder != 0 || k.ctxMgr == nil {
					return status.BadValue
				}
				sr = k.refFor(sender, k.ctxMgr)
			}
			n = sr.node
		}

		var out parcel.ObjectRef
		if n.owner == receiver {
			out = parcel.ObjectRef{Type: parcel.TypeWeakLocal, Binder: n.ptr, Cookie: n.cookie}
			if strong {
				out.Type = parcel.TypeStrongLocal
				n.tmpStrong++
			} else {
				n.tmpWeak++
			}
			b.holds = append(b.holds, hold{node: n, strong: strong})
			k.updateNode(n)
		} else {
			rr := k.refFor(receiver, n)
			out = parcel.ObjectRef{Type: parcel.TypeWeakHandle, Binder: uint64(rr.handle)}
			if strong {
				out.Type = parcel.TypeStrongHandle
			}
			k.incRef(rr, strong)
			b.holds = append(b.holds, hold{ref: rr, strong: strong})
		}
		if err := parcel.PutRecord(data, off, out); err != nil {
			return status.BadValue
		}
	}
	return status.OK
}

// buildDelivery copies rec into a buffer owned by receiver and translates its
// records. On failure every hold taken so far is returned.
func (k *Kernel) buildDelivery(sender, receiver *proc, rec *protocol.Transaction) (*protocol.Transaction, *buffer, status.Code) {
	if len(rec.Data) > k.cfg.MaxTransactionBytes || receiver.bufferBytes+len(rec.Data) > k.cfg.MaxBufferBytes {
		return nil, nil, status.NoMemory
	}
	if _, err := parcel.FromData(rec.Data, rec.Offsets); err != nil {
		return nil, nil, status.BadValue
	}
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	b := k.newBuffer(receiver, len(data))
	if code := k.translate(sender, receiver, b, data, rec.Offsets); code != status.OK {
		k.freeBuffer(receiver, b)
		return nil, nil, code
	}
	out := &protocol.Transaction{
		Code:      rec.Code,
		Flags:     rec.Flags &^ protocol.FlagRootObject,
		Priority:  rec.Priority,
		SenderPID: sender.pid,
		Buffer:    b.id,
		Data:      data,
		Offsets:   append([]int(nil), rec.Offsets...),
	}
	return out, b, status.OK
}

func (k *Kernel) transact(t *thread, rec *protocol.Transaction) {
	p := t.p
	r := k.lookupRef(p, uint32(rec.Target))
	if r == nil {
		k.fail(t, status.BadValue)
		return
	}
	n := r.node
	to := n.owner
	if to.dead {
		k.log.Debug().Int32("pid", p.pid).Uint64("handle", rec.Target).Msg("transaction to dead process")
		observability.RecordDeadReply()
		t.push(&work{ev: protocol.Event{Op: protocol.BrDeadReply}})
		return
	}
	k.deferTo = t
	out, b, code := k.buildDelivery(p, to, rec)
	k.deferTo = nil
	if code != status.OK {
		k.fail(t, code)
		return
	}
	out.Target = n.ptr
	out.Cookie = n.cookie
	if n == k.ctxMgr {
		out.Flags |= protocol.FlagRootObject
	}
	tx := &txn{toProc: to, node: n, rec: out, buf: b}

	var target *thread
	if tx.sync() {
		tx.from = t
		target = nestedTarget(t, to)
		tx.fromParent = t.stack
		t.stack = tx
	}
	t.push(&work{ev: protocol.Event{Op: protocol.BrTransactionComplete}})

	w := &work{ev: protocol.Event{Op: protocol.BrTransaction, Txn: out}, txn: tx}
	if target != nil {
		target.push(w)
	} else {
		to.enqueue(w)
	}
	k.log.Trace().Int32("from", p.pid).Int32("to", to.pid).Uint32("code", rec.Code).Bool("sync", tx.sync()).Msg("transaction queued")
}

// nestedTarget finds a thread in to that is blocked waiting on a call t is
// currently serving, so a call back into that process reuses it.
func nestedTarget(t *thread, to *proc) *thread {
	for s := t.stack; s != nil; {
		if s.toThread == t {
			if s.from != nil && s.from.p == to && !s.from.dead {
				return s.from
			}
			s = s.toParent
			continue
		}
		s = s.fromParent
	}
	return nil
}

func (k *Kernel) reply(t *thread, rec *protocol.Transaction) {
	tx := t.stack
	if tx == nil || tx.toThread != t {
		t.push(&work{ev: protocol.Event{Op: protocol.BrError, Value: int64(status.BadValue)}})
		return
	}
	t.stack = tx.toParent
	complete := &work{ev: protocol.Event{Op: protocol.BrTransactionComplete}}

	from := tx.from
	if from == nil || from.dead || from.p.dead {
		t.push(complete)
		return
	}
	k.popSender(tx)

	if rec.Flags.Has(protocol.FlagStatusCode) {
		t.push(complete)
		out := &protocol.Transaction{Code: rec.Code, Flags: protocol.FlagStatusCode, SenderPID: t.p.pid}
		from.push(&work{ev: protocol.Event{Op: protocol.BrReply, Txn: out}})
		return
	}
	k.deferTo = t
	out, _, code := k.buildDelivery(t.p, from.p, rec)
	k.deferTo = nil
	t.push(complete)
	if code != status.OK {
		k.fail(from, code)
		return
	}
	from.push(&work{ev: protocol.Event{Op: protocol.BrReply, Txn: out}})
}

// popSender removes tx from the top of its sender's stack.
func (k *Kernel) popSender(tx *txn) {
	from := tx.from
	if from.stack == tx {
		from.stack = tx.fromParent
		return
	}
	// out of order; unlink wherever it sits
	for s := from.stack; s != nil; {
		var next *txn
		if s.from == from {
			next = s.fromParent
			if next == tx {
				s.fromParent = tx.fromParent
				return
			}
		} else {
			next = s.toParent
			if next == tx {
				s.toParent = tx.fromParent
				return
			}
		}
		s = next
	}
}

// deadReply terminates the sender's pending call on tx.
func (k *Kernel) deadReply(tx *txn) {
	from := tx.from
	if from == nil || from.dead || from.p.dead {
		return
	}
	k.popSender(tx)
	tx.from = nil
	observability.RecordDeadReply()
	from.push(&work{ev: protocol.Event{Op: protocol.BrDeadReply}})
}

func (k *Kernel) attemptAcquire(t *thread, h uint32) {
	r := k.lookupRef(t.p, h)
	if r == nil || r.node.owner.dead {
		t.push(&work{ev: protocol.Event{Op: protocol.BrAcquireResult, Value: 0}})
		return
	}
	n := r.node
	if n.strong() > 0 && n.hasStrong {
		k.incRef(r, true)
		t.push(&work{ev: protocol.Event{Op: protocol.BrAcquireResult, Value: 1}})
		return
	}
	// keep the ref alive while the owner decides
	k.incRef(r, false)
	a := &attempt{from: t, ref: r}
	t.awaiting = a
	n.owner.enqueue(&work{
		ev:      protocol.Event{Op: protocol.BrAttemptAcquire, Ptr: n.ptr, Cookie: n.cookie},
		attempt: a,
	})
}

// acquireResult handles the owner's answer to a BrAttemptAcquire.
func (k *Kernel) acquireResult(t *thread, ok bool) {
	a := t.attempt
	if a == nil {
		t.push(&work{ev: protocol.Event{Op: protocol.BrError, Value: int64(status.BadValue)}})
		return
	}
	t.attempt = nil
	k.finishAttempt(a, ok)
}

func (k *Kernel) finishAttempt(a *attempt, ok bool) {
	n := a.ref.node
	requester := a.from
	alive := requester != nil && !requester.dead && !requester.p.dead
	if ok {
		// the owner already counted this strong reference itself
		if n.hasStrong {
			if !n.owner.dead {
				n.owner.nodeEvent(protocol.BrRelease, n)
			}
		} else {
			n.hasStrong = true
		}
		if alive {
			k.incRef(a.ref, true)
		} else {
			k.updateNode(n)
		}
	}
	if alive {
		if requester.awaiting == a {
			requester.awaiting = nil
		}
		v := int64(0)
		if ok {
			v = 1
		}
		requester.push(&work{ev: protocol.Event{Op: protocol.BrAcquireResult, Value: v}})
	}
	if !a.ref.p.dead {
		k.decRef(a.ref, false)
	}
}
