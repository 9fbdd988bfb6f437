package main

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/status"
)

const (
	codeIncrement uint32 = iota + 1
	codeValue
)

// counter is the object served by serve-counter.
type counter struct {
	total atomic.Int64
	calls atomic.Int64
}

func (c *counter) OnTransact(_ context.Context, code uint32, data, reply *parcel.Parcel) error {
	c.calls.Add(1)
	switch code {
	case codeIncrement:
		delta, err := data.ReadInt64()
		if err != nil {
			return err
		}
		return reply.WriteInt64(c.total.Add(delta))
	case codeValue:
		return reply.WriteInt64(c.total.Load())
	}
	return status.ErrBadType
}
