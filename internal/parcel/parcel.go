package parcel

import (
	"encoding/binary"
	"math"
	"sort"
)

var le = binary.LittleEndian

// Parcel is a growable byte buffer plus the offsets of the object-reference
// records written into it.
//
// A Parcel has no internal synchronization. It is filled by one writer, then
// handed (moved) to the driver or to a reader; it is never mutated from two
// goroutines at once.
type Parcel struct {
	data    []byte
	pos     int
	offsets []int
	keep    []any
	release func()
}

// New returns an empty parcel.
func New() *Parcel {
	return &Parcel{}
}

// FromData builds a parcel over an incoming buffer. The buffer is adopted,
// not copied.
func FromData(data []byte, offsets []int) (*Parcel, error) {
	p := &Parcel{}
	if err := p.SetData(data, offsets); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parcel) Len() int      { return len(p.data) }
func (p *Parcel) Cap() int      { return cap(p.data) }
func (p *Parcel) Position() int { return p.pos }

// Remaining returns the unread byte count.
func (p *Parcel) Remaining() int { return len(p.data) - p.pos }

// Data returns the encoded bytes. The slice aliases the parcel.
func (p *Parcel) Data() []byte { return p.data }

// ObjectOffsets returns the record offsets in write order. The slice aliases
// the parcel.
func (p *Parcel) ObjectOffsets() []int { return p.offsets }

// SetPosition moves the read cursor. pos must be 8-byte aligned.
func (p *Parcel) SetPosition(pos int) error {
	if pos < 0 || pos > len(p.data) || pos%slotLen != 0 {
		return ErrBadPosition
	}
	p.pos = pos
	return nil
}

// Rewind moves the read cursor to the start.
func (p *Parcel) Rewind() { p.pos = 0 }

// Reserve grows the buffer so that n more bytes fit without reallocating.
func (p *Parcel) Reserve(n int) {
	if n <= 0 || cap(p.data)-len(p.data) >= n {
		return
	}
	grown := make([]byte, len(p.data), len(p.data)+n)
	copy(grown, p.data)
	p.data = grown
}

// Reset empties the parcel for reuse, drops pinned objects, and runs the
// release hook of an adopted buffer exactly once.
func (p *Parcel) Reset() {
	release := p.release
	p.release = nil
	if release != nil {
		// adopted buffers go back to their owner and are never written into.
		p.data = nil
	}
	p.data = p.data[:0]
	p.pos = 0
	p.offsets = p.offsets[:0]
	for i := range p.keep {
		p.keep[i] = nil
	}
	p.keep = p.keep[:0]
	if release != nil {
		release()
	}
}

// SetReleaser installs a hook run by the next Reset. Incoming parcels use it to
// hand the driver buffer back.
func (p *Parcel) SetReleaser(fn func()) { p.release = fn }

// Keep pins v for the parcel's lifetime. Object records only carry addresses;
// the objects themselves must stay reachable until the driver has taken its
// own reference.
func (p *Parcel) Keep(v any) { p.keep = append(p.keep, v) }

// Kept returns the pinned objects.
func (p *Parcel) Kept() []any { return p.keep }

// SetData replaces the contents with an incoming buffer after checking every
// offset points at a well-formed object record.
func (p *Parcel) SetData(data []byte, offsets []int) error {
	if err := validateOffsets(data, offsets); err != nil {
		return err
	}
	p.Reset()
	p.data = data
	p.offsets = append(p.offsets[:0], offsets...)
	return nil
}

func validateOffsets(data []byte, offsets []int) error {
	last := -1
	for _, off := range offsets {
		if off <= last || off%slotLen != 0 || off+ObjectRecordLen > len(data) {
			return ErrBadOffsets
		}
		word := le.Uint32(data[off:])
		if !TypeCode(word&^kindMask).IsObject() || word&kindMask != kindLarge {
			return ErrBadOffsets
		}
		if le.Uint32(data[off+4:]) != objectPayloadLen {
			return ErrBadOffsets
		}
		last = off
	}
	return nil
}

// WriteTyped appends one value. Payloads of up to four bytes share an 8-byte
// slot with their 4-byte header; larger payloads get an 8-byte header and are
// padded to 8 bytes.
func (p *Parcel) WriteTyped(t TypeCode, payload []byte) error {
	if !t.Valid() {
		return ErrInvalidType
	}
	if t.IsObject() {
		return ErrObjectType
	}
	return p.writeValue(t, payload)
}

func (p *Parcel) writeValue(t TypeCode, payload []byte) error {
	n := len(payload)
	if uint64(n) > math.MaxUint32 {
		return ErrTooLarge
	}
	if n <= MaxSmallPayload {
		slot := p.grow(slotLen)
		le.PutUint32(slot, uint32(t)|kindSmall|uint32(n))
		copy(slot[smallHeaderLen:], payload)
		return nil
	}
	buf := p.grow(largeHeaderLen + pad8(n))
	le.PutUint32(buf, uint32(t)|kindLarge)
	le.PutUint32(buf[4:], uint32(n))
	copy(buf[largeHeaderLen:], payload)
	return nil
}

// WriteNull appends an absent value of type t. Reading it back as t yields
// ErrReadNull, as any other type ErrTypeMismatch.
func (p *Parcel) WriteNull(t TypeCode) error {
	if !t.Valid() {
		return ErrInvalidType
	}
	slot := p.grow(slotLen)
	le.PutUint32(slot, uint32(t)|kindNull)
	return nil
}

// grow extends data by n zeroed bytes and returns them.
func (p *Parcel) grow(n int) []byte {
	start := len(p.data)
	if cap(p.data)-start < n {
		newCap := 2*cap(p.data) + n
		if newCap < 64 {
			newCap = 64
		}
		grown := make([]byte, start, newCap)
		copy(grown, p.data)
		p.data = grown
	}
	p.data = p.data[:start+n]
	clear(p.data[start:])
	return p.data[start:]
}

type header struct {
	typ    TypeCode
	kind   uint32
	length int
	size   int // total encoded bytes including header and padding
}

func (p *Parcel) peekHeader() (header, error) {
	return peekHeaderAt(p.data, p.pos)
}

func peekHeaderAt(data []byte, pos int) (header, error) {
	if len(data)-pos < slotLen {
		return header{}, ErrTruncated
	}
	word := le.Uint32(data[pos:])
	h := header{typ: TypeCode(word &^ kindMask), kind: word & kindMask}
	switch {
	case h.kind&kindSmall != 0:
		if h.kind&^(kindSmall|smallLenMask) != 0 {
			return header{}, ErrCorruptHeader
		}
		h.length = int(h.kind & smallLenMask)
		if h.length > MaxSmallPayload {
			return header{}, ErrCorruptHeader
		}
		h.kind = kindSmall
		h.size = slotLen
	case h.kind == kindNull:
		h.size = slotLen
	case h.kind == kindLarge:
		h.length = int(le.Uint32(data[pos+4:]))
		h.size = largeHeaderLen + pad8(h.length)
		if h.length < 0 || len(data)-pos < h.size {
			return header{}, ErrTruncated
		}
	default:
		return header{}, ErrCorruptHeader
	}
	return h, nil
}

// ReadTyped reads the next value, which must have type t. On a type mismatch
// the cursor does not move. A null of type t is consumed and reported as
// ErrReadNull. Object records are read with ReadObjectRef.
func (p *Parcel) ReadTyped(t TypeCode) ([]byte, error) {
	if t.IsObject() {
		return nil, ErrObjectType
	}
	h, err := p.peekHeader()
	if err != nil {
		return nil, err
	}
	if h.typ != t {
		return nil, ErrTypeMismatch
	}
	if h.kind == kindNull {
		p.pos += h.size
		return nil, ErrReadNull
	}
	start := p.pos + smallHeaderLen
	if h.kind == kindLarge {
		start = p.pos + largeHeaderLen
	}
	out := make([]byte, h.length)
	copy(out, p.data[start:start+h.length])
	p.pos += h.size
	return out, nil
}

// PeekType returns the type of the next value without consuming it.
func (p *Parcel) PeekType() (TypeCode, error) {
	h, err := p.peekHeader()
	if err != nil {
		return 0, err
	}
	return h.typ, nil
}

// SkipValue advances past exactly one logical value, whatever its form.
func (p *Parcel) SkipValue() error {
	h, err := p.peekHeader()
	if err != nil {
		return err
	}
	p.pos += h.size
	return nil
}

func (p *Parcel) isRegistered(off int) bool {
	i := sort.SearchInts(p.offsets, off)
	return i < len(p.offsets) && p.offsets[i] == off
}
