package handler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgebinder/internal/observability"
)

// Flags is a Handler's scheduling state.
type Flags uint8

const (
	// CanSchedule: the handler may be handed to the scheduler.
	CanSchedule Flags = 1 << iota
	// NeedSchedule: the handler is waiting in the scheduler's ready heap.
	NeedSchedule
	// Scheduled: a worker is dispatching the handler now.
	Scheduled
	// Dying: Kill ran; posts are rejected.
	Dying
)

func (f Flags) String() string {
	var parts []string
	for _, fl := range []struct {
		f    Flags
		name string
	}{{CanSchedule, "can-schedule"}, {NeedSchedule, "need-schedule"}, {Scheduled, "scheduled"}, {Dying, "dying"}} {
		if f&fl.f != 0 {
			parts = append(parts, fl.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Result tells the worker what to do after one dispatch.
type Result uint8

const (
	// Yield returns the worker to the pool; remaining messages are re-armed.
	Yield Result = iota
	// Continue keeps dispatching due messages on the same worker.
	Continue
)

// DispatchFunc is a handler body. It runs without the handler's lock held.
type DispatchFunc func(m Message) Result

// Option configures a Handler.
type Option func(*Handler)

// WithLocker holds l around every dispatch, serializing the handler with
// whatever else l protects.
func WithLocker(l sync.Locker) Option {
	return func(h *Handler) { h.locker = l }
}

type Handler struct {
	name   string
	sched  *Scheduler
	fn     DispatchFunc
	locker sync.Locker

	mu    sync.Mutex
	queue queue
	flags Flags

	// scheduler-owned; guarded by sched.mu
	sIndex int
	sKey   time.Time
	sState schedState
	sRearm bool
	sWhen  time.Time
}

func NewHandler(s *Scheduler, name string, fn DispatchFunc, opts ...Option) (*Handler, error) {
	if s == nil {
		return nil, ErrNoScheduler
	}
	if fn == nil {
		return nil, fmt.Errorf("handler %q: nil dispatch func", name)
	}
	h := &Handler{
		name:   name,
		sched:  s,
		fn:     fn,
		flags:  CanSchedule,
		sIndex: -1,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Flags() Flags {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flags
}

// Count is the number of queued messages, due or not.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Post queues what with payload for immediate dispatch.
func (h *Handler) Post(what uint32, payload any) error {
	return h.PostAt(Message{What: what, Payload: payload}, h.sched.now())
}

// PostDelayed queues m to run d from now.
func (h *Handler) PostDelayed(m Message, d time.Duration) error {
	return h.PostAt(m, h.sched.now().Add(d))
}

// PostAt queues m to run at when.
func (h *Handler) PostAt(m Message, when time.Time) error {
	m.When = when
	return h.PostMessage(m)
}

// PostMessage queues m at m.When. A zero When means now.
func (h *Handler) PostMessage(m Message) error {
	if m.When.IsZero() {
		m.When = h.sched.now()
	}
	h.mu.Lock()
	if h.flags&Dying != 0 {
		h.mu.Unlock()
		return ErrDying
	}
	m.seq = h.sched.seq.Add(1)
	head := h.queue.insert(m) == 0
	notify := head && h.flags&CanSchedule != 0 && h.flags&Scheduled == 0
	if notify {
		h.flags |= NeedSchedule
	}
	h.mu.Unlock()
	// the pool is told only after our lock is released
	if notify {
		h.sched.schedule(h, m.When)
	}
	return nil
}

// DequeueMessage removes and returns the first due message whose What
// matches, or any due message for AnyWhat.
func (h *Handler) DequeueMessage(what uint32) (Message, bool) {
	now := h.sched.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.queue {
		if m.When.After(now) {
			break
		}
		if what == AnyWhat || m.What == what {
			return h.queue.removeAt(i), true
		}
	}
	return Message{}, false
}

// RemoveWhere drops every visited message for which pred returns true and
// reports how many were dropped. pred runs under the handler lock and must
// not call back into the handler.
func (h *Handler) RemoveWhere(pred func(Message) bool, flags RemoveFlags) int {
	now := h.sched.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	due := func(m Message) bool { return flags&RemoveFuture != 0 || !m.When.After(now) }
	removed := 0
	if flags&RemoveBackward != 0 {
		for i := len(h.queue) - 1; i >= 0; i-- {
			if due(h.queue[i]) && pred(h.queue[i]) {
				h.queue.removeAt(i)
				removed++
			}
		}
		return removed
	}
	for i := 0; i < len(h.queue); {
		if due(h.queue[i]) && pred(h.queue[i]) {
			h.queue.removeAt(i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// Kill drops every queued message and rejects later posts. A dispatch
// already running finishes normally.
func (h *Handler) Kill() {
	h.mu.Lock()
	h.flags = (h.flags &^ (CanSchedule | NeedSchedule)) | Dying
	h.queue = nil
	h.mu.Unlock()
	h.sched.unschedule(h)
}

// run dispatches due messages until none is due or the body yields. It
// reports whether the handler must go back to the ready heap, and when.
func (h *Handler) run() (bool, time.Time) {
	for {
		now := h.sched.now()
		h.mu.Lock()
		h.flags = (h.flags &^ NeedSchedule) | Scheduled
		if len(h.queue) == 0 || h.queue[0].When.After(now) {
			h.flags &^= Scheduled
			rearm, when := h.armLocked()
			h.mu.Unlock()
			return rearm, when
		}
		m := h.queue.removeAt(0)
		h.mu.Unlock()

		if h.invoke(m) == Yield {
			h.mu.Lock()
			h.flags &^= Scheduled
			rearm, when := h.armLocked()
			h.mu.Unlock()
			return rearm, when
		}
	}
}

func (h *Handler) armLocked() (bool, time.Time) {
	if len(h.queue) == 0 || h.flags&Dying != 0 || h.flags&CanSchedule == 0 {
		h.flags &^= NeedSchedule
		return false, time.Time{}
	}
	h.flags |= NeedSchedule
	return true, h.queue[0].When
}

func (h *Handler) invoke(m Message) Result {
	if h.locker != nil {
		h.locker.Lock()
		defer h.locker.Unlock()
	}
	start := time.Now()
	res := h.fn(m)
	observability.ObserveDispatch(time.Since(start))
	return res
}
