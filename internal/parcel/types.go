package parcel

import "fmt"

// TypeCode identifies the type of one encoded value. The low byte is always
// zero; the encoder uses it for the header kind and the small-form length.
type TypeCode uint32

// Type codes are three ASCII characters shifted into the high bytes.
const (
	TypeNull    TypeCode = 0x4e554c00 // NUL
	TypeBool    TypeCode = 0x424f4f00 // BOO
	TypeInt8    TypeCode = 0x49303800 // I08
	TypeInt16   TypeCode = 0x49313600 // I16
	TypeInt32   TypeCode = 0x49333200 // I32
	TypeInt64   TypeCode = 0x49363400 // I64
	TypeUint8   TypeCode = 0x55303800 // U08
	TypeUint16  TypeCode = 0x55313600 // U16
	TypeUint32  TypeCode = 0x55333200 // U32
	TypeUint64  TypeCode = 0x55363400 // U64
	TypeFloat32 TypeCode = 0x46333200 // F32
	TypeFloat64 TypeCode = 0x46363400 // F64
	TypeString  TypeCode = 0x53545200 // STR
	TypeRaw     TypeCode = 0x52415700 // RAW
	TypeStatus  TypeCode = 0x53544100 // STA

	// Object-reference record types. Only WriteObjectRef emits these.
	TypeStrongLocal  TypeCode = 0x53424c00 // SBL
	TypeWeakLocal    TypeCode = 0x57424c00 // WBL
	TypeStrongHandle TypeCode = 0x53424800 // SBH
	TypeWeakHandle   TypeCode = 0x57424800 // WBH
)

const (
	kindMask     = 0xFF
	kindLarge    = 0x00
	kindNull     = 0x40
	kindSmall    = 0x80
	smallLenMask = 0x07

	// MaxSmallPayload is the largest payload packed next to a 4-byte header.
	MaxSmallPayload = 4

	smallHeaderLen = 4
	largeHeaderLen = 8
	slotLen        = 8

	objectPayloadLen = 16
	// ObjectRecordLen is the full encoded size of one object-reference record.
	ObjectRecordLen = largeHeaderLen + objectPayloadLen
)

var typeNames = map[TypeCode]string{
	TypeNull:         "null",
	TypeBool:         "bool",
	TypeInt8:         "int8",
	TypeInt16:        "int16",
	TypeInt32:        "int32",
	TypeInt64:        "int64",
	TypeUint8:        "uint8",
	TypeUint16:       "uint16",
	TypeUint32:       "uint32",
	TypeUint64:       "uint64",
	TypeFloat32:      "float32",
	TypeFloat64:      "float64",
	TypeString:       "string",
	TypeRaw:          "raw",
	TypeStatus:       "status",
	TypeStrongLocal:  "strong-local",
	TypeWeakLocal:    "weak-local",
	TypeStrongHandle: "strong-handle",
	TypeWeakHandle:   "weak-handle",
}

func (t TypeCode) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%#08x)", uint32(t))
}

// Valid reports whether t leaves the low byte free for the header kind.
func (t TypeCode) Valid() bool {
	return t != 0 && uint32(t)&kindMask == 0
}

// IsObject reports whether t tags an object-reference record.
func (t TypeCode) IsObject() bool {
	switch t {
	case TypeStrongLocal, TypeWeakLocal, TypeStrongHandle, TypeWeakHandle:
		return true
	}
	return false
}

// EncodedSize returns the bytes one value with an n-byte payload occupies.
func EncodedSize(n int) int {
	if n <= MaxSmallPayload {
		return slotLen
	}
	return largeHeaderLen + pad8(n)
}

func pad8(n int) int {
	return (n + 7) &^ 7
}
