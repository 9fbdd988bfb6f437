package parcel

import (
	"math"

	"github.com/danmuck/edgebinder/internal/status"
)

func (p *Parcel) WriteBool(v bool) error {
	var b byte
	if v {
		b = 1
	}
	return p.WriteTyped(TypeBool, []byte{b})
}

func (p *Parcel) ReadBool() (bool, error) {
	b, err := p.readFixed(TypeBool, 1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (p *Parcel) WriteInt8(v int8) error {
	return p.WriteTyped(TypeInt8, []byte{byte(v)})
}

func (p *Parcel) ReadInt8() (int8, error) {
	b, err := p.readFixed(TypeInt8, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (p *Parcel) WriteUint8(v uint8) error {
	return p.WriteTyped(TypeUint8, []byte{v})
}

func (p *Parcel) ReadUint8() (uint8, error) {
	b, err := p.readFixed(TypeUint8, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *Parcel) WriteInt16(v int16) error {
	return p.writeUint16(TypeInt16, uint16(v))
}

func (p *Parcel) ReadInt16() (int16, error) {
	b, err := p.readFixed(TypeInt16, 2)
	if err != nil {
		return 0, err
	}
	return int16(le.Uint16(b)), nil
}

func (p *Parcel) WriteUint16(v uint16) error {
	return p.writeUint16(TypeUint16, v)
}

func (p *Parcel) ReadUint16() (uint16, error) {
	b, err := p.readFixed(TypeUint16, 2)
	if err != nil {
		return 0, err
	}
	return le.Uint16(b), nil
}

func (p *Parcel) writeUint16(t TypeCode, v uint16) error {
	var b [2]byte
	le.PutUint16(b[:], v)
	return p.WriteTyped(t, b[:])
}

func (p *Parcel) WriteInt32(v int32) error {
	return p.writeUint32(TypeInt32, uint32(v))
}

func (p *Parcel) ReadInt32() (int32, error) {
	v, err := p.readUint32(TypeInt32)
	return int32(v), err
}

func (p *Parcel) WriteUint32(v uint32) error {
	return p.writeUint32(TypeUint32, v)
}

func (p *Parcel) ReadUint32() (uint32, error) {
	return p.readUint32(TypeUint32)
}

func (p *Parcel) WriteInt64(v int64) error {
	return p.writeUint64(TypeInt64, uint64(v))
}

func (p *Parcel) ReadInt64() (int64, error) {
	v, err := p.readUint64(TypeInt64)
	return int64(v), err
}

func (p *Parcel) WriteUint64(v uint64) error {
	return p.writeUint64(TypeUint64, v)
}

func (p *Parcel) ReadUint64() (uint64, error) {
	return p.readUint64(TypeUint64)
}

func (p *Parcel) WriteFloat32(v float32) error {
	return p.writeUint32(TypeFloat32, math.Float32bits(v))
}

func (p *Parcel) ReadFloat32() (float32, error) {
	v, err := p.readUint32(TypeFloat32)
	return math.Float32frombits(v), err
}

func (p *Parcel) WriteFloat64(v float64) error {
	return p.writeUint64(TypeFloat64, math.Float64bits(v))
}

func (p *Parcel) ReadFloat64() (float64, error) {
	v, err := p.readUint64(TypeFloat64)
	return math.Float64frombits(v), err
}

func (p *Parcel) WriteString(s string) error {
	return p.WriteTyped(TypeString, []byte(s))
}

func (p *Parcel) ReadString() (string, error) {
	b, err := p.ReadTyped(TypeString)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteBytes writes an opaque byte payload.
func (p *Parcel) WriteBytes(b []byte) error {
	return p.WriteTyped(TypeRaw, b)
}

func (p *Parcel) ReadBytes() ([]byte, error) {
	return p.ReadTyped(TypeRaw)
}

// WriteStatus writes a status code, typically as the first value of a reply.
func (p *Parcel) WriteStatus(c status.Code) error {
	return p.writeUint32(TypeStatus, uint32(c))
}

func (p *Parcel) ReadStatus() (status.Code, error) {
	v, err := p.readUint32(TypeStatus)
	return status.Code(int32(v)), err
}

func (p *Parcel) writeUint32(t TypeCode, v uint32) error {
	var b [4]byte
	le.PutUint32(b[:], v)
	return p.WriteTyped(t, b[:])
}

func (p *Parcel) writeUint64(t TypeCode, v uint64) error {
	var b [8]byte
	le.PutUint64(b[:], v)
	return p.WriteTyped(t, b[:])
}

func (p *Parcel) readUint32(t TypeCode) (uint32, error) {
	b, err := p.readFixed(t, 4)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

func (p *Parcel) readUint64(t TypeCode) (uint64, error) {
	b, err := p.readFixed(t, 8)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

// readFixed reads a value whose payload must be exactly n bytes. The cursor
// does not move when the length is wrong.
func (p *Parcel) readFixed(t TypeCode, n int) ([]byte, error) {
	h, err := p.peekHeader()
	if err != nil {
		return nil, err
	}
	if h.typ == t && h.kind != kindNull && h.length != n {
		return nil, ErrCorruptHeader
	}
	return p.ReadTyped(t)
}
