package parcel

import "fmt"

// ObjectRef is one object-reference record. For local types Binder is the
// exporting process's object address and Cookie its opaque tag; for handle
// types Binder holds the handle and Cookie is zero.
type ObjectRef struct {
	Type   TypeCode
	Binder uint64
	Cookie uint64
}

// NullRef is the encoding of an absent object reference.
var NullRef = ObjectRef{Type: TypeStrongLocal}

// IsNull reports whether r is the null reference.
func (r ObjectRef) IsNull() bool {
	return r.Type == TypeStrongLocal && r.Binder == 0
}

// IsLocal reports whether r names an object by address in the writer's
// process.
func (r ObjectRef) IsLocal() bool {
	return r.Type == TypeStrongLocal || r.Type == TypeWeakLocal
}

// IsStrong reports whether r carries a strong reference.
func (r ObjectRef) IsStrong() bool {
	return r.Type == TypeStrongLocal || r.Type == TypeStrongHandle
}

func (r ObjectRef) String() string {
	if r.IsNull() {
		return "ref(null)"
	}
	if r.IsLocal() {
		return fmt.Sprintf("ref(%s %#x/%#x)", r.Type, r.Binder, r.Cookie)
	}
	return fmt.Sprintf("ref(%s %d)", r.Type, r.Binder)
}

// WriteObjectRef appends an object-reference record and registers its offset.
// It is the only way to emit a record.
func (p *Parcel) WriteObjectRef(r ObjectRef) (int, error) {
	if !r.Type.IsObject() {
		return 0, ErrInvalidType
	}
	off := len(p.data)
	buf := p.grow(ObjectRecordLen)
	putRecord(buf, r)
	p.offsets = append(p.offsets, off)
	return off, nil
}

// WriteNullObject appends the null reference.
func (p *Parcel) WriteNullObject() error {
	_, err := p.WriteObjectRef(NullRef)
	return err
}

// ReadObjectRef reads the record at the cursor. The null reference is
// consumed and reported as ErrReadNull; a non-object value is left in place
// and reported as ErrTypeMismatch.
func (p *Parcel) ReadObjectRef() (ObjectRef, error) {
	h, err := p.peekHeader()
	if err != nil {
		return ObjectRef{}, err
	}
	if !h.typ.IsObject() {
		return ObjectRef{}, ErrTypeMismatch
	}
	if h.kind == kindNull {
		p.pos += h.size
		return ObjectRef{}, ErrReadNull
	}
	if h.kind != kindLarge || h.length != objectPayloadLen {
		return ObjectRef{}, ErrCorruptHeader
	}
	if !p.isRegistered(p.pos) {
		return ObjectRef{}, ErrUnregistered
	}
	r, err := RecordAt(p.data, p.pos)
	if err != nil {
		return ObjectRef{}, err
	}
	p.pos += h.size
	if r.IsNull() {
		return ObjectRef{}, ErrReadNull
	}
	return r, nil
}

// RecordAt decodes the record at off in raw parcel data. The driver uses it
// together with PutRecord to translate records between processes.
func RecordAt(data []byte, off int) (ObjectRef, error) {
	if off < 0 || off+ObjectRecordLen > len(data) {
		return ObjectRef{}, ErrTruncated
	}
	word := le.Uint32(data[off:])
	t := TypeCode(word &^ kindMask)
	if !t.IsObject() || word&kindMask != kindLarge || le.Uint32(data[off+4:]) != objectPayloadLen {
		return ObjectRef{}, ErrCorruptHeader
	}
	return ObjectRef{
		Type:   t,
		Binder: le.Uint64(data[off+largeHeaderLen:]),
		Cookie: le.Uint64(data[off+largeHeaderLen+8:]),
	}, nil
}

// PutRecord overwrites the record at off.
func PutRecord(data []byte, off int, r ObjectRef) error {
	if off < 0 || off+ObjectRecordLen > len(data) {
		return ErrTruncated
	}
	if !r.Type.IsObject() {
		return ErrInvalidType
	}
	putRecord(data[off:], r)
	return nil
}

func putRecord(buf []byte, r ObjectRef) {
	le.PutUint32(buf, uint32(r.Type)|kindLarge)
	le.PutUint32(buf[4:], objectPayloadLen)
	le.PutUint64(buf[largeHeaderLen:], r.Binder)
	le.PutUint64(buf[largeHeaderLen+8:], r.Cookie)
}
