// Package handler runs asynchronous, time-ordered messages on a shared pool.
//
// A Handler owns a queue of Messages ordered by (When, insertion order). A
// process-wide Scheduler keeps runnable Handlers in a heap keyed by their
// head message time and hands each one to at most one worker at a time, so
// a Handler's bodies run one at a time in nondecreasing time order whichever
// worker picks it up. Workers are either a small local goroutine pool or the
// process's driver loopers, woken through a Waker.
package handler

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrDying       = errors.New("handler: dying")
	ErrNoScheduler = errors.New("handler: scheduler required")
	ErrStopped     = errors.New("handler: scheduler stopped")
)

// AnyWhat matches every message in DequeueMessage.
const AnyWhat = ^uint32(0)

// Message is one unit of work. The queue owns it between Post and dispatch.
type Message struct {
	What     uint32
	Payload  any
	Priority int32
	When     time.Time

	seq uint64
}

// Seq is the insertion number that breaks ties between equal times.
func (m Message) Seq() uint64 { return m.seq }

func (m Message) before(o Message) bool {
	if m.When.Equal(o.When) {
		return m.seq < o.seq
	}
	return m.When.Before(o.When)
}

// queue is a slice kept sorted by (When, seq).
type queue []Message

func (q *queue) insert(m Message) int {
	i := sort.Search(len(*q), func(i int) bool { return m.before((*q)[i]) })
	*q = append(*q, Message{})
	copy((*q)[i+1:], (*q)[i:])
	(*q)[i] = m
	return i
}

func (q *queue) removeAt(i int) Message {
	m := (*q)[i]
	copy((*q)[i:], (*q)[i+1:])
	(*q)[len(*q)-1] = Message{}
	*q = (*q)[:len(*q)-1]
	return m
}

// RemoveFlags select which messages RemoveWhere visits.
type RemoveFlags uint8

const (
	// RemoveBackward walks from the tail toward the head.
	RemoveBackward RemoveFlags = 1 << iota
	// RemoveFuture also visits messages that are not yet due.
	RemoveFuture
)
