package binder

import (
	"fmt"

	"github.com/danmuck/edgebinder/internal/handler"
	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/status"
)

// DeathFlags select how an Obituary is built.
type DeathFlags uint32

const (
	// IncludeSubjectInPayload puts a WeakProxy for the dead object in
	// Args[0]. It holds no count and never promotes.
	IncludeSubjectInPayload DeathFlags = 1 << iota
)

// ErrAlreadyLinked is returned when the watcher already has a link under key.
var ErrAlreadyLinked = fmt.Errorf("binder: death link already registered: %w", status.ErrBadValue)

// Obituary is the payload posted to a watcher's Handler when the object it
// watches dies. The Message carries Key in What.
type Obituary struct {
	Key   uint32
	Flags DeathFlags
	Args  []any
}

type obituary struct {
	watcher *Stub
	notify  *handler.Handler
	key     uint32
	flags   DeathFlags
	args    []any
}

// LinkToDeath asks for an Obituary on notify when px's object dies. watcher
// identifies the registrant and is held weakly until the link fires or is
// removed. Linking to an object already known dead delivers at once.
func (px *Proxy) LinkToDeath(watcher *Stub, notify *handler.Handler, key uint32, flags DeathFlags, args ...any) error {
	if watcher == nil || notify == nil {
		return status.ErrBadValue
	}
	o := &obituary{watcher: watcher, notify: notify, key: key, flags: flags, args: args}
	watcher.IncWeak()

	px.mu.Lock()
	if px.fired {
		px.mu.Unlock()
		px.deliver(o)
		return nil
	}
	for _, cur := range px.obits {
		if cur.watcher == watcher && cur.key == key {
			px.mu.Unlock()
			watcher.DecWeak()
			return ErrAlreadyLinked
		}
	}
	px.obits = append(px.obits, o)
	px.mu.Unlock()

	p := px.proc
	p.deathMu.Lock()
	p.linked[px] = struct{}{}
	p.deathMu.Unlock()
	return nil
}

// UnlinkToDeath removes the link watcher made under key. It reports false
// when there was none, including after the obituary was sent.
func (px *Proxy) UnlinkToDeath(watcher *Stub, key uint32) bool {
	px.mu.Lock()
	var found *obituary
	for i, o := range px.obits {
		if o.watcher == watcher && o.key == key {
			found = o
			px.obits = append(px.obits[:i], px.obits[i+1:]...)
			break
		}
	}
	empty := len(px.obits) == 0
	px.mu.Unlock()
	if found == nil {
		return false
	}
	if empty {
		px.proc.forgetLinks(px)
	}
	found.watcher.DecWeak()
	return true
}

// UnlinkAllTargets removes every death link watcher holds and returns how
// many there were.
func (p *Process) UnlinkAllTargets(watcher *Stub) int {
	p.deathMu.Lock()
	targets := make([]*Proxy, 0, len(p.linked))
	for px := range p.linked {
		targets = append(targets, px)
	}
	p.deathMu.Unlock()

	n := 0
	for _, px := range targets {
		var drop []*obituary
		px.mu.Lock()
		kept := px.obits[:0]
		for _, o := range px.obits {
			if o.watcher == watcher {
				drop = append(drop, o)
				continue
			}
			kept = append(kept, o)
		}
		for i := len(kept); i < len(px.obits); i++ {
			px.obits[i] = nil
		}
		px.obits = kept
		empty := len(kept) == 0
		px.mu.Unlock()
		if empty {
			p.forgetLinks(px)
		}
		for _, o := range drop {
			o.watcher.DecWeak()
		}
		n += len(drop)
	}
	return n
}

func (p *Process) forgetLinks(px *Proxy) {
	p.deathMu.Lock()
	delete(p.linked, px)
	p.deathMu.Unlock()
}

// markDead records the object's death and sends every obituary once, in
// link order.
func (px *Proxy) markDead() {
	if px.dead.Swap(true) {
		return
	}
	observability.RecordDeadReply()
	px.mu.Lock()
	obits := px.obits
	px.obits = nil
	px.fired = true
	px.mu.Unlock()
	px.proc.forgetLinks(px)

	px.proc.log.Info().Uint32("handle", px.handle).Int("obituaries", len(obits)).Msg("remote object died")
	for _, o := range obits {
		px.deliver(o)
	}
}

// deliver posts o if its watcher is still alive, then drops the weak hold.
func (px *Proxy) deliver(o *obituary) {
	defer o.watcher.DecWeak()
	if !o.watcher.AttemptAcquire() {
		px.proc.log.Debug().Uint32("key", o.key).Msg("obituary dropped: watcher gone")
		return
	}
	defer o.watcher.Release()

	args := o.args
	if o.flags&IncludeSubjectInPayload != 0 {
		args = append([]any{&WeakProxy{proxy: px}}, o.args...)
	}
	err := o.notify.Post(o.key, Obituary{Key: o.key, Flags: o.flags, Args: args})
	if err != nil {
		px.proc.log.Warn().Err(err).Uint32("key", o.key).Msg("obituary not posted")
		return
	}
	observability.RecordObituary()
}
