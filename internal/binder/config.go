// Package binder is the process side of the object-reference runtime.
//
// A Process wraps application objects as Stubs, reaches objects in other
// processes through cached Proxies, and runs the looper threads that execute
// the driver protocol: incoming transactions, node reference events,
// attempt-acquire answers, spawn requests and scheduler wakeups. Without a
// driver a Process still dispatches to its own Stubs in-process.
package binder

import (
	"github.com/danmuck/edgebinder/internal/handler"
	"github.com/danmuck/edgebinder/internal/protocol"
)

type Config struct {
	// Name labels the process in logs.
	Name string
	// MaxThreads caps loopers the driver may ask this process to spawn.
	MaxThreads uint32
	// ReadBufferBytes sizes each thread's driver read buffer. It must hold
	// the largest transaction the kernel will deliver.
	ReadBufferBytes int
	// LocalScheduler keeps handler dispatch on a local worker pool even when
	// a driver is attached.
	LocalScheduler bool
	Scheduler      handler.SchedulerConfig
}

func DefaultConfig() Config {
	return Config{
		Name:            "process",
		MaxThreads:      4,
		ReadBufferBytes: protocol.DefaultMaxTransactionBytes/4 + 8<<10,
		Scheduler:       handler.DefaultSchedulerConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = def.MaxThreads
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	c.Scheduler = c.Scheduler.WithDefaults()
	return c
}
