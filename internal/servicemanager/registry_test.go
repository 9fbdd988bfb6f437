package servicemanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/testutil/testlog"
)

func nop() binder.Object {
	return binder.ObjectFunc(func(context.Context, uint32, *parcel.Parcel, *parcel.Parcel) error { return nil })
}

func TestValidateName(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"counter", "edge.counter", "a-b_c.d", "svc9"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", " counter", "Counter", ".counter", "counter.", "a..b", "a/b", string(make([]byte, MaxNameLen+1))} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestRegisterVisitAndDuplicate(t *testing.T) {
	testlog.Start(t)
	p := binder.New(binder.Config{}, nil)
	r := NewRegistry()
	s := p.NewStub(nop())

	require.NoError(t, r.Register("edge.counter", s, 1))
	assert.ErrorIs(t, r.Register("edge.counter", s, 2), ErrServiceExists)
	assert.ErrorIs(t, r.Register("edge.none", nil, 3), ErrServiceNil)

	found, err := r.Visit("edge.counter", func(b binder.Binder) error {
		assert.Same(t, s, b.LocalStub())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	found, err = r.Visit("edge.missing", func(binder.Binder) error { return nil })
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveHonoursKey(t *testing.T) {
	testlog.Start(t)
	p := binder.New(binder.Config{}, nil)
	r := NewRegistry()
	s := p.NewStub(nop())
	require.NoError(t, r.Register("svc", s, 7))

	assert.False(t, r.Remove("svc", 8), "stale key")
	assert.True(t, r.Remove("svc", 7))
	assert.False(t, s.IsAlive(), "registry owned the only reference")
	assert.False(t, r.Remove("svc", 0))
}

func TestNamesSorted(t *testing.T) {
	testlog.Start(t)
	p := binder.New(binder.Config{}, nil)
	r := NewRegistry()
	for _, name := range []string{"svc.z", "svc.a", "svc.m"} {
		require.NoError(t, r.Register(name, p.NewStub(nop()), 0))
	}
	assert.Equal(t, []string{"svc.a", "svc.m", "svc.z"}, r.Names())
	r.Clear()
	assert.Empty(t, r.Names())
}
