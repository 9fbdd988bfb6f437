package protocol

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// TxnRecordLen is the fixed size of an encoded transaction record.
const TxnRecordLen = 56

// TxnFlags annotate one transaction record.
type TxnFlags uint32

const (
	// FlagInline: data and offsets follow the record in the stream.
	FlagInline TxnFlags = 1 << iota
	// FlagSynchronous: the sender blocks for a reply.
	FlagSynchronous
	// FlagRootObject: the target is the context manager.
	FlagRootObject
	// FlagStatusCode: the reply carries only a status code in Code.
	FlagStatusCode
)

func (f TxnFlags) Has(flag TxnFlags) bool { return f&flag != 0 }

// Transaction is one request or reply record.
//
// On the command path Target is a handle in the sender's table. On the return
// path it is the receiving process's object pointer and Cookie its tag.
type Transaction struct {
	Target    uint64
	Cookie    uint64
	Code      uint32
	Flags     TxnFlags
	Priority  int32
	SenderPID int32
	Buffer    uint64
	Data      []byte
	Offsets   []int
}

func (t *Transaction) String() string {
	return fmt.Sprintf("target=%#x code=%d flags=%#x data=%d objs=%d buf=%d",
		t.Target, t.Code, uint32(t.Flags), len(t.Data), len(t.Offsets), t.Buffer)
}

// OneWay reports whether the sender expects no reply.
func (t *Transaction) OneWay() bool { return !t.Flags.Has(FlagSynchronous) }

func pad8(n int) int { return (n + 7) &^ 7 }

// encodedLen is the stream size of t including inline data.
func (t *Transaction) encodedLen() int {
	return TxnRecordLen + pad8(len(t.Data)) + 8*len(t.Offsets)
}

func appendTxn(buf []byte, t *Transaction) []byte {
	var rec [TxnRecordLen]byte
	le.PutUint64(rec[0:8], t.Target)
	le.PutUint64(rec[8:16], t.Cookie)
	le.PutUint32(rec[16:20], t.Code)
	le.PutUint32(rec[20:24], uint32(t.Flags|FlagInline))
	le.PutUint32(rec[24:28], uint32(t.Priority))
	le.PutUint32(rec[28:32], uint32(t.SenderPID))
	le.PutUint64(rec[32:40], uint64(len(t.Data)))
	le.PutUint64(rec[40:48], uint64(8*len(t.Offsets)))
	le.PutUint64(rec[48:56], t.Buffer)
	buf = append(buf, rec[:]...)
	buf = append(buf, t.Data...)
	for i := len(t.Data); i < pad8(len(t.Data)); i++ {
		buf = append(buf, 0)
	}
	for _, off := range t.Offsets {
		buf = le.AppendUint64(buf, uint64(off))
	}
	return buf
}

func readTxn(buf []byte, maxData int) (*Transaction, int, error) {
	if len(buf) < TxnRecordLen {
		return nil, 0, ErrTruncated
	}
	t := &Transaction{
		Target:    le.Uint64(buf[0:8]),
		Cookie:    le.Uint64(buf[8:16]),
		Code:      le.Uint32(buf[16:20]),
		Flags:     TxnFlags(le.Uint32(buf[20:24])),
		Priority:  int32(le.Uint32(buf[24:28])),
		SenderPID: int32(le.Uint32(buf[28:32])),
		Buffer:    le.Uint64(buf[48:56]),
	}
	dataLen := le.Uint64(buf[32:40])
	offsLen := le.Uint64(buf[40:48])
	if !t.Flags.Has(FlagInline) {
		return nil, 0, ErrNotInline
	}
	if offsLen%8 != 0 {
		return nil, 0, ErrInvalidLength
	}
	if dataLen > uint64(maxData) || offsLen/8 > dataLen/8 {
		return nil, 0, ErrPayloadTooLarge
	}
	n := TxnRecordLen + pad8(int(dataLen)) + int(offsLen)
	if len(buf) < n {
		return nil, 0, ErrTruncated
	}
	pos := TxnRecordLen
	t.Data = make([]byte, dataLen)
	copy(t.Data, buf[pos:pos+int(dataLen)])
	pos += pad8(int(dataLen))
	if offsLen > 0 {
		t.Offsets = make([]int, offsLen/8)
		for i := range t.Offsets {
			t.Offsets[i] = int(le.Uint64(buf[pos:]))
			pos += 8
		}
	}
	return t, n, nil
}
