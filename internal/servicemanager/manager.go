// Package servicemanager is the name directory every process reaches
// through the context object.
//
// A Manager is published as the context manager. Processes register objects
// under names with Add and look them up with Get. Registrations of remote
// objects are dropped when the object dies: the manager links to each one's
// death and, when configured, pings them periodically so a death is noticed
// without waiting for a caller.
package servicemanager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/handler"
	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/status"
)

// Transaction codes understood by the Manager.
const (
	CodeAddService uint32 = iota + 1
	CodeGetService
	CodeListServices
)

// whatSweep is the handler message that pings remote registrations.
// Obituary keys start at 1.
const whatSweep uint32 = 0

type Config struct {
	// SweepInterval is how often remote services are pinged. Zero disables
	// the sweep.
	SweepInterval time.Duration
	PingTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{SweepInterval: 5 * time.Second, PingTimeout: time.Second}
}

type Manager struct {
	cfg  Config
	proc *binder.Process
	reg  *Registry
	self *binder.Stub
	h    *handler.Handler
	log  zerolog.Logger
	keys atomic.Uint32
}

// New creates a Manager in p. Call Publish to make it the context object.
func New(p *binder.Process, cfg Config) (*Manager, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultConfig().PingTimeout
	}
	m := &Manager{
		cfg:  cfg,
		proc: p,
		reg:  NewRegistry(),
		log:  logging.Logger("servicemanager"),
	}
	h, err := handler.NewHandler(p.Scheduler(), "servicemanager", m.dispatch)
	if err != nil {
		return nil, err
	}
	m.h = h
	m.self = p.NewStub(m)
	return m, nil
}

// Publish registers the Manager as the context manager and starts the sweep.
func (m *Manager) Publish(ctx context.Context) error {
	if err := m.proc.BecomeContextManager(ctx, m.self); err != nil {
		return err
	}
	if m.cfg.SweepInterval > 0 {
		return m.h.PostDelayed(handler.Message{What: whatSweep}, m.cfg.SweepInterval)
	}
	return nil
}

// Stub is the Manager's local object.
func (m *Manager) Stub() *binder.Stub { return m.self }

// Registry exposes the directory for in-process inspection.
func (m *Manager) Registry() *Registry { return m.reg }

// Close stops the sweep and drops every registration.
func (m *Manager) Close() {
	m.h.Kill()
	m.proc.UnlinkAllTargets(m.self)
	m.reg.Clear()
	m.self.Release()
}

func (m *Manager) OnTransact(ctx context.Context, code uint32, data, reply *parcel.Parcel) error {
	switch code {
	case CodeAddService:
		name, err := data.ReadString()
		if err != nil {
			return err
		}
		b, err := m.proc.ReadBinder(data)
		if err != nil {
			return err
		}
		return m.add(name, b)
	case CodeGetService:
		name, err := data.ReadString()
		if err != nil {
			return err
		}
		found, err := m.reg.Visit(name, func(b binder.Binder) error {
			return binder.WriteBinder(reply, b)
		})
		if err != nil {
			return err
		}
		if !found {
			return reply.WriteNullObject()
		}
		return nil
	case CodeListServices:
		names := m.reg.Names()
		if err := reply.WriteInt32(int32(len(names))); err != nil {
			return err
		}
		for _, name := range names {
			if err := reply.WriteString(name); err != nil {
				return err
			}
		}
		return nil
	}
	return status.ErrBadType
}

func (m *Manager) add(name string, b binder.Binder) error {
	if b == nil {
		return ErrServiceNil
	}
	key := m.keys.Add(1)
	if err := m.reg.Register(name, b, key); err != nil {
		binder.Release(b)
		return err
	}
	if px := b.RemoteProxy(); px != nil {
		if err := px.LinkToDeath(m.self, m.h, key, 0, name); err != nil {
			m.log.Warn().Err(err).Str("service", name).Msg("death link failed")
		}
	}
	m.log.Info().Str("service", name).Bool("remote", b.RemoteProxy() != nil).Msg("service added")
	return nil
}

func (m *Manager) dispatch(msg handler.Message) handler.Result {
	if msg.What == whatSweep {
		m.sweep()
		if err := m.h.PostDelayed(handler.Message{What: whatSweep}, m.cfg.SweepInterval); err != nil {
			m.log.Debug().Err(err).Msg("sweep stopped")
		}
		return handler.Yield
	}
	ob, ok := msg.Payload.(binder.Obituary)
	if !ok || len(ob.Args) == 0 {
		return handler.Yield
	}
	name, _ := ob.Args[0].(string)
	if m.reg.Remove(name, ob.Key) {
		m.log.Info().Str("service", name).Msg("service died")
	}
	return handler.Yield
}

// sweep pings every remote service; a dead reply fires its obituary.
func (m *Manager) sweep() {
	for name, px := range m.reg.remotes() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingTimeout)
		if err := px.Ping(ctx); err != nil && !status.IsDead(err) {
			m.log.Debug().Err(err).Str("service", name).Msg("ping failed")
		}
		cancel()
		px.Release()
	}
}
