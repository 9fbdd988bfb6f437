package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/edgebinder/internal/testutil/testlog"
)

func TestCommandStreamRoundTrip(t *testing.T) {
	testlog.Start(t)

	txn := &Transaction{
		Target:    3,
		Code:      7,
		Flags:     FlagSynchronous,
		Priority:  -2,
		SenderPID: 1234,
		Data:      bytes.Repeat([]byte{0xab}, 29),
		Offsets:   []int{0},
	}
	in := []Cmd{
		{Op: BcEnterLooper},
		{Op: BcTransaction, Txn: txn},
		{Op: BcAcquire, Handle: 3},
		{Op: BcAcquireDone, Ptr: 0x1000, Cookie: 0x2000},
		{Op: BcAcquireResult, Value: -1},
		{Op: BcFreeBuffer, Value: 99},
		{Op: BcStopProcess, Handle: 4, Value: int64(StopKill)},
		{Op: BcSetMaxThreads, Value: 8},
		{Op: BcSetNextEventTime, Value: 1_700_000_000_000_000_000},
	}

	enc := NewEncoder(nil)
	for _, c := range in {
		enc.Command(c)
	}

	dec := NewDecoder(enc.Bytes())
	for i, want := range in {
		got, err := dec.NextCommand()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if got.Op != want.Op || got.Handle != want.Handle || got.Ptr != want.Ptr || got.Cookie != want.Cookie || got.Value != want.Value {
			t.Fatalf("cmd %d mismatch: got=%v want=%v", i, got, want)
		}
		if want.Txn != nil {
			if got.Txn == nil {
				t.Fatalf("cmd %d: missing record", i)
			}
			if got.Txn.Target != 3 || got.Txn.Code != 7 || got.Txn.Priority != -2 || got.Txn.SenderPID != 1234 {
				t.Fatalf("record mismatch: %v", got.Txn)
			}
			if !got.Txn.Flags.Has(FlagSynchronous) || !got.Txn.Flags.Has(FlagInline) {
				t.Fatalf("flags got=%#x", uint32(got.Txn.Flags))
			}
			if !bytes.Equal(got.Txn.Data, txn.Data) || len(got.Txn.Offsets) != 1 || got.Txn.Offsets[0] != 0 {
				t.Fatalf("inline data mismatch")
			}
		}
	}
	if dec.More() {
		t.Fatalf("trailing bytes: consumed=%d len=%d", dec.Consumed(), enc.Len())
	}
}

func TestReturnStreamRoundTrip(t *testing.T) {
	testlog.Start(t)

	enc := NewEncoder(nil)
	in := []Event{
		{Op: BrNoop},
		{Op: BrIncrefs, Ptr: 1, Cookie: 2},
		{Op: BrReply, Txn: &Transaction{Flags: FlagStatusCode, Code: 5}},
		{Op: BrFailedReply, Value: -3},
		{Op: BrSpawnLooper},
	}
	total := 0
	for _, ev := range in {
		enc.Return(ev)
		total += EncodedLen(ev)
	}
	if total != enc.Len() {
		t.Fatalf("EncodedLen got=%d want=%d", total, enc.Len())
	}

	dec := NewDecoder(enc.Bytes())
	for i, want := range in {
		got, err := dec.NextReturn()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if got.Op != want.Op || got.Ptr != want.Ptr || got.Cookie != want.Cookie || got.Value != want.Value {
			t.Fatalf("event %d mismatch: got=%v want=%v", i, got, want)
		}
	}
}

func TestTxnRecordIsFixedSize(t *testing.T) {
	testlog.Start(t)

	enc := NewEncoder(nil)
	enc.Command(Cmd{Op: BcReply, Txn: &Transaction{}})
	if enc.Len() != 4+TxnRecordLen {
		t.Fatalf("len got=%d want=%d", enc.Len(), 4+TxnRecordLen)
	}
}

func TestPartialStreamDoesNotAdvance(t *testing.T) {
	testlog.Start(t)

	enc := NewEncoder(nil)
	enc.Command(Cmd{Op: BcIncrefs, Handle: 1})
	enc.Command(Cmd{Op: BcTransaction, Txn: &Transaction{Data: make([]byte, 16)}})
	full := enc.Bytes()

	dec := NewDecoder(full[:len(full)-3])
	if _, err := dec.NextCommand(); err != nil {
		t.Fatalf("first: %v", err)
	}
	mark := dec.Consumed()
	if _, err := dec.NextCommand(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if dec.Consumed() != mark {
		t.Fatalf("consumed moved: got=%d want=%d", dec.Consumed(), mark)
	}

	resumed := NewDecoder(full[mark:])
	c, err := resumed.NextCommand()
	if err != nil || c.Op != BcTransaction {
		t.Fatalf("resume got=%v err=%v", c, err)
	}
}

func TestDecodeRejectsUnknownAndOversized(t *testing.T) {
	testlog.Start(t)

	buf := le.AppendUint32(nil, 0xffff)
	if _, err := NewDecoder(buf).NextCommand(); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if _, err := NewDecoder(buf).NextReturn(); !errors.Is(err, ErrUnknownReturn) {
		t.Fatalf("expected ErrUnknownReturn, got %v", err)
	}

	enc := NewEncoder(nil)
	enc.Command(Cmd{Op: BcTransaction, Txn: &Transaction{Data: make([]byte, 64)}})
	dec := NewDecoder(enc.Bytes())
	dec.MaxData = 32
	if _, err := dec.NextCommand(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEnumNames(t *testing.T) {
	testlog.Start(t)

	if BcTransaction.String() != "bcTRANSACTION" || BrDeadReply.String() != "brDEAD_REPLY" {
		t.Fatalf("names: %s %s", BcTransaction, BrDeadReply)
	}
	if len(commandInfo) != int(BcSetNextEventTime-BcTransaction)+1 {
		t.Fatalf("command table incomplete")
	}
	if len(returnInfo) != int(BrEventOccurred-BrError)+1 {
		t.Fatalf("return table incomplete")
	}
}
