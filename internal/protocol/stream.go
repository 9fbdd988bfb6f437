package protocol

// DefaultMaxTransactionBytes bounds the inline data of one decoded record.
const DefaultMaxTransactionBytes = 1 << 20

// Encoder appends commands or returns to a stream buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf[:0]}
}

func (e *Encoder) Bytes() []byte { return e.buf }
func (e *Encoder) Len() int      { return len(e.buf) }
func (e *Encoder) Reset()        { e.buf = e.buf[:0] }

// Command appends c. Unknown codes are a programming error and panic.
func (e *Encoder) Command(c Cmd) {
	info, ok := commandInfo[c.Op]
	if !ok {
		panic(ErrUnknownCommand)
	}
	e.put(uint32(c.Op), info.shape, c.Handle, c.Ptr, c.Cookie, c.Value, c.Txn)
}

// Return appends ev. Unknown codes are a programming error and panic.
func (e *Encoder) Return(ev Event) {
	info, ok := returnInfo[ev.Op]
	if !ok {
		panic(ErrUnknownReturn)
	}
	e.put(uint32(ev.Op), info.shape, 0, ev.Ptr, ev.Cookie, ev.Value, ev.Txn)
}

func (e *Encoder) put(code uint32, s shape, handle uint32, ptr, cookie uint64, value int64, txn *Transaction) {
	e.buf = le.AppendUint32(e.buf, code)
	switch s {
	case shapeTxn:
		if txn == nil {
			panic(ErrMissingTxn)
		}
		e.buf = appendTxn(e.buf, txn)
	case shapeHandle:
		e.buf = le.AppendUint32(e.buf, handle)
	case shapeHandleFlags:
		e.buf = le.AppendUint32(e.buf, handle)
		e.buf = le.AppendUint32(e.buf, uint32(value))
	case shapeObject:
		e.buf = le.AppendUint64(e.buf, ptr)
		e.buf = le.AppendUint64(e.buf, cookie)
	case shapeInt32, shapeUint32:
		e.buf = le.AppendUint32(e.buf, uint32(value))
	case shapeUint64, shapeInt64:
		e.buf = le.AppendUint64(e.buf, uint64(value))
	}
}

// EncodedLen is the stream size of one return, used by readers that must
// stop before overflowing a fixed read buffer.
func EncodedLen(ev Event) int {
	info := returnInfo[ev.Op]
	if info.shape == shapeTxn && ev.Txn != nil {
		return 4 + ev.Txn.encodedLen()
	}
	return 4 + shapeSizes[info.shape]
}

// Decoder walks a stream buffer one entry at a time. On error the consumed
// count does not move, so a partially transferred stream can be resumed.
type Decoder struct {
	buf     []byte
	pos     int
	MaxData int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, MaxData: DefaultMaxTransactionBytes}
}

// Consumed returns the bytes fully decoded so far.
func (d *Decoder) Consumed() int { return d.pos }

// More reports whether undecoded bytes remain.
func (d *Decoder) More() bool { return d.pos < len(d.buf) }

func (d *Decoder) NextCommand() (Cmd, error) {
	code, rest, err := d.code()
	if err != nil {
		return Cmd{}, err
	}
	info, ok := commandInfo[Command(code)]
	if !ok {
		return Cmd{}, ErrUnknownCommand
	}
	a, n, err := d.args(rest, info.shape)
	if err != nil {
		return Cmd{}, err
	}
	d.pos += 4 + n
	return Cmd{Op: Command(code), Handle: a.handle, Ptr: a.ptr, Cookie: a.cookie, Value: a.value, Txn: a.txn}, nil
}

func (d *Decoder) NextReturn() (Event, error) {
	code, rest, err := d.code()
	if err != nil {
		return Event{}, err
	}
	info, ok := returnInfo[Return(code)]
	if !ok {
		return Event{}, ErrUnknownReturn
	}
	a, n, err := d.args(rest, info.shape)
	if err != nil {
		return Event{}, err
	}
	d.pos += 4 + n
	return Event{Op: Return(code), Ptr: a.ptr, Cookie: a.cookie, Value: a.value, Txn: a.txn}, nil
}

func (d *Decoder) code() (uint32, []byte, error) {
	if len(d.buf)-d.pos < 4 {
		return 0, nil, ErrTruncated
	}
	return le.Uint32(d.buf[d.pos:]), d.buf[d.pos+4:], nil
}

type args struct {
	handle uint32
	ptr    uint64
	cookie uint64
	value  int64
	txn    *Transaction
}

func (d *Decoder) args(b []byte, s shape) (args, int, error) {
	if s == shapeTxn {
		limit := d.MaxData
		if limit <= 0 {
			limit = DefaultMaxTransactionBytes
		}
		txn, n, err := readTxn(b, limit)
		if err != nil {
			return args{}, 0, err
		}
		return args{txn: txn}, n, nil
	}
	n := shapeSizes[s]
	if len(b) < n {
		return args{}, 0, ErrTruncated
	}
	var a args
	switch s {
	case shapeHandle:
		a.handle = le.Uint32(b)
	case shapeHandleFlags:
		a.handle = le.Uint32(b)
		a.value = int64(le.Uint32(b[4:]))
	case shapeObject:
		a.ptr = le.Uint64(b)
		a.cookie = le.Uint64(b[8:])
	case shapeInt32:
		a.value = int64(int32(le.Uint32(b)))
	case shapeUint32:
		a.value = int64(le.Uint32(b))
	case shapeUint64, shapeInt64:
		a.value = int64(le.Uint64(b))
	}
	return a, n, nil
}
