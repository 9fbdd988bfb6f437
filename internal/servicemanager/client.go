package servicemanager

import (
	"context"
	"fmt"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/parcel"
)

func call(ctx context.Context, p *binder.Process, code uint32, write func(*parcel.Parcel) error) (*parcel.Parcel, error) {
	sm, err := p.ContextObject(ctx)
	if err != nil {
		return nil, fmt.Errorf("servicemanager: context object: %w", err)
	}
	defer binder.Release(sm)

	data := parcel.Get()
	defer binder.Recycle(data)
	if write != nil {
		if err := write(data); err != nil {
			return nil, err
		}
	}
	return sm.Transact(ctx, code, data, true)
}

// Add registers b under name with the service manager p reaches.
func Add(ctx context.Context, p *binder.Process, name string, b binder.Binder) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	reply, err := call(ctx, p, CodeAddService, func(data *parcel.Parcel) error {
		if err := data.WriteString(name); err != nil {
			return err
		}
		return binder.WriteBinder(data, b)
	})
	binder.Recycle(reply)
	return err
}

// Get returns a strong reference to the service registered under name.
func Get(ctx context.Context, p *binder.Process, name string) (binder.Binder, error) {
	reply, err := call(ctx, p, CodeGetService, func(data *parcel.Parcel) error {
		return data.WriteString(name)
	})
	if err != nil {
		return nil, err
	}
	defer binder.Recycle(reply)
	b, err := p.ReadBinder(reply)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return b, nil
}

// List returns the registered service names in order.
func List(ctx context.Context, p *binder.Process) ([]string, error) {
	reply, err := call(ctx, p, CodeListServices, nil)
	if err != nil {
		return nil, err
	}
	defer binder.Recycle(reply)
	n, err := reply.ReadInt32()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		name, err := reply.ReadString()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}
