package handler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/rs/zerolog"
)

// Waker is told when the earliest runnable handler comes due, so that some
// driver thread calls RunDue at or after that time. A zero time cancels the
// previous request.
type Waker interface {
	WakeAt(t time.Time)
}

type SchedulerConfig struct {
	// MaxWorkers bounds the local pool. Unused with a Waker.
	MaxWorkers int
	// IdleTimeout retires local workers beyond the first after this long idle.
	IdleTimeout time.Duration
	// Now is the scheduler clock; nil means time.Now.
	Now func() time.Time
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxWorkers:  4,
		IdleTimeout: 30 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultSchedulerConfig.
func (c SchedulerConfig) WithDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type schedState uint8

const (
	stateIdle schedState = iota
	stateQueued
	stateRunning
)

// Scheduler is the process-wide pool shared by every Handler.
type Scheduler struct {
	cfg SchedulerConfig
	log zerolog.Logger
	seq atomic.Uint64

	mu      sync.Mutex
	ready   readyHeap
	waker   Waker
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers int
	idle    int
	wg      sync.WaitGroup
	wake    chan struct{}

	wakeMu sync.Mutex
	armed  time.Time
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		cfg:  cfg.WithDefaults(),
		log:  logging.Logger("handler"),
		wake: make(chan struct{}, 1),
	}
}

func (s *Scheduler) now() time.Time { return s.cfg.Now() }

// SetWaker switches the scheduler to driver mode: no local workers are
// started and due handlers run only from RunDue. It must be called before
// Start.
func (s *Scheduler) SetWaker(w Waker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waker = w
}

// Start begins dispatching. Handlers posted before Start wait for it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	local := s.waker == nil
	if local {
		s.spawnLocked()
	}
	s.mu.Unlock()
	if !local {
		s.notifyWaker()
	}
	return nil
}

// Stop halts the local pool and waits for running dispatches to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	waker := s.waker
	s.mu.Unlock()
	s.wg.Wait()
	if waker != nil {
		s.wakeMu.Lock()
		s.armed = time.Time{}
		s.wakeMu.Unlock()
		waker.WakeAt(time.Time{})
	}
}

// Pending is the number of handlers waiting in the ready heap.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// NextWake is the time the earliest waiting handler comes due.
func (s *Scheduler) NextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return time.Time{}, false
	}
	return s.ready[0].sKey, true
}

// RunDue dispatches every handler that is due now on the calling goroutine
// and reports how many it ran. Driver loopers call it on a wakeup event.
func (s *Scheduler) RunDue() int {
	s.wakeMu.Lock()
	// the wakeup that brought us here is spent
	s.armed = time.Time{}
	s.wakeMu.Unlock()

	n := 0
	for {
		h := s.popDue()
		if h == nil {
			break
		}
		s.dispatch(h)
		n++
	}
	s.notifyWaker()
	return n
}

func (s *Scheduler) popDue() *Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.ready) == 0 || s.ready[0].sKey.After(s.now()) {
		return nil
	}
	h := heap.Pop(&s.ready).(*Handler)
	h.sState = stateRunning
	return h
}

func (s *Scheduler) dispatch(h *Handler) {
	rearm, when := h.run()
	s.finish(h, rearm, when)
}

// schedule makes h runnable at when. A running handler is re-armed when its
// worker finishes.
func (s *Scheduler) schedule(h *Handler, when time.Time) {
	s.mu.Lock()
	switch h.sState {
	case stateRunning:
		if !h.sRearm || when.Before(h.sWhen) {
			h.sWhen = when
		}
		h.sRearm = true
		s.mu.Unlock()
		return
	case stateQueued:
		if !when.Before(h.sKey) {
			s.mu.Unlock()
			return
		}
		h.sKey = when
		heap.Fix(&s.ready, h.sIndex)
	default:
		h.sKey = when
		h.sState = stateQueued
		heap.Push(&s.ready, h)
	}
	s.kickLocked()
	s.mu.Unlock()
	s.notifyWaker()
}

func (s *Scheduler) finish(h *Handler, rearm bool, when time.Time) {
	s.mu.Lock()
	if h.sRearm {
		if !rearm || h.sWhen.Before(when) {
			when = h.sWhen
		}
		rearm = true
		h.sRearm = false
	}
	if !rearm {
		h.sState = stateIdle
		s.mu.Unlock()
		return
	}
	h.sKey = when
	h.sState = stateQueued
	heap.Push(&s.ready, h)
	s.kickLocked()
	s.mu.Unlock()
	s.notifyWaker()
}

func (s *Scheduler) unschedule(h *Handler) {
	s.mu.Lock()
	if h.sState == stateQueued {
		heap.Remove(&s.ready, h.sIndex)
		h.sState = stateIdle
	}
	h.sRearm = false
	s.mu.Unlock()
	s.notifyWaker()
}

// kickLocked wakes an idle local worker or grows the pool.
func (s *Scheduler) kickLocked() {
	if s.waker != nil || !s.started || s.stopped {
		return
	}
	if s.idle == 0 && s.workers < s.cfg.MaxWorkers {
		s.spawnLocked()
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) spawnLocked() {
	s.workers++
	s.wg.Add(1)
	id := s.workers
	go s.worker(id)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	s.log.Debug().Int("worker", id).Msg("worker started")
	for {
		h := s.take()
		if h == nil {
			s.log.Debug().Int("worker", id).Msg("worker exited")
			return
		}
		s.dispatch(h)
	}
}

// take blocks until a handler is due, the pool shrinks, or Stop runs.
func (s *Scheduler) take() *Handler {
	idleSince := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			s.workers--
			return nil
		}
		now := s.now()
		if len(s.ready) > 0 && !s.ready[0].sKey.After(now) {
			h := heap.Pop(&s.ready).(*Handler)
			h.sState = stateRunning
			if len(s.ready) > 0 && s.idle > 0 && !s.ready[0].sKey.After(now) {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
			return h
		}
		if len(s.ready) == 0 && s.workers > 1 && time.Since(idleSince) >= s.cfg.IdleTimeout {
			s.workers--
			return nil
		}
		wait := s.cfg.IdleTimeout
		if len(s.ready) > 0 {
			wait = s.ready[0].sKey.Sub(now)
		}
		ctx := s.ctx
		s.idle++
		s.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-s.wake:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		s.mu.Lock()
		s.idle--
	}
}

// notifyWaker tells the waker about the earliest due time when it changed.
func (s *Scheduler) notifyWaker() {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	s.mu.Lock()
	waker := s.waker
	if waker == nil || !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	var next time.Time
	if len(s.ready) > 0 {
		next = s.ready[0].sKey
	}
	s.mu.Unlock()
	if next.Equal(s.armed) {
		return
	}
	s.armed = next
	waker.WakeAt(next)
}

// readyHeap orders runnable handlers by head message time.
type readyHeap []*Handler

func (r readyHeap) Len() int           { return len(r) }
func (r readyHeap) Less(i, j int) bool { return r[i].sKey.Before(r[j].sKey) }
func (r readyHeap) Swap(i, j int) {
	r[i], r[j] = r[j], r[i]
	r[i].sIndex = i
	r[j].sIndex = j
}

func (r *readyHeap) Push(x any) {
	h := x.(*Handler)
	h.sIndex = len(*r)
	*r = append(*r, h)
}

func (r *readyHeap) Pop() any {
	old := *r
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.sIndex = -1
	*r = old[:n-1]
	return h
}
