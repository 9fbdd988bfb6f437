package binder

import (
	"errors"
	"runtime"

	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/protocol"
	"github.com/danmuck/edgebinder/internal/status"
)

func (p *Process) startLooper(main bool) {
	p.loopers.Add(1)
	go p.runLooper(main)
}

// runLooper serves proc work on a dedicated OS thread until the process
// shuts down or loses its driver.
func (p *Process) runLooper(main bool) {
	defer p.loopers.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t := p.newThread(true)
	t.osTID = gettid()
	log := p.log.With().Uint32("tid", t.tid).Int("os_tid", t.osTID).Bool("main", main).Logger()
	if main {
		t.queue(protocol.Cmd{Op: protocol.BcSetMaxThreads, Value: int64(p.cfg.MaxThreads)})
		t.queue(protocol.Cmd{Op: protocol.BcEnterLooper})
	} else {
		t.queue(protocol.Cmd{Op: protocol.BcRegisterLooper})
		observability.RecordLooperSpawned()
	}
	p.liveLoopers.Add(1)
	defer p.liveLoopers.Add(-1)
	log.Debug().Msg("looper started")

	ctx := withThread(p.ctx, t)
	gone := false
	for {
		ev, err := t.next(p.ctx)
		if err != nil {
			gone = status.IsDead(err)
			if !errors.Is(err, status.ErrInterrupted) || p.ctx.Err() == nil {
				log.Warn().Err(err).Msg("looper stopped")
			}
			break
		}
		if ev.Op == protocol.BrFinished {
			break
		}
		t.execute(ctx, ev)
	}

	if !gone {
		t.queue(protocol.Cmd{Op: protocol.BcExitLooper})
		_ = t.flush()
	}
	t.setState(ThreadDying)
	_ = p.drv.ExitThread(t.tid)
	log.Debug().Msg("looper exited")
}
