package session

import (
	"sync"

	"github.com/danmuck/edgebinder/internal/protocol/frame"
)

// PendingCalls tracks in-flight requests by message id so many threads can
// share one connection. Each waiter gets a buffered channel that receives
// exactly one frame, or is closed when the table fails.
type PendingCalls struct {
	mu     sync.Mutex
	items  map[uint64]chan frame.Frame
	failed error
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{items: make(map[uint64]chan frame.Frame)}
}

// Register adds a waiter for id. It fails once FailAll has run.
func (p *PendingCalls) Register(id uint64) (<-chan frame.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return nil, p.failed
	}
	ch := make(chan frame.Frame, 1)
	p.items[id] = ch
	return ch, nil
}

// Resolve hands f to the waiter for its message id. Frames for unknown ids
// are dropped and reported false.
func (p *PendingCalls) Resolve(f frame.Frame) bool {
	p.mu.Lock()
	ch, ok := p.items[f.Header.MessageID]
	delete(p.items, f.Header.MessageID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// Remove forgets id without delivering anything.
func (p *PendingCalls) Remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

// FailAll closes every waiter and rejects later registrations with err.
func (p *PendingCalls) FailAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed == nil {
		p.failed = err
	}
	for id, ch := range p.items {
		close(ch)
		delete(p.items, id)
	}
}

// Err returns the failure recorded by FailAll.
func (p *PendingCalls) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
