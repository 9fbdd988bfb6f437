package protocol

import "fmt"

// Command is a code sent downward, from a process thread to the kernel.
type Command uint32

// Return is a code sent upward, from the kernel to a process thread.
type Return uint32

const (
	BcTransaction Command = iota + 0x6263_0001 // "bc"
	BcReply
	BcAcquireResult
	BcFreeBuffer
	BcIncrefs
	BcAcquire
	BcRelease
	BcDecrefs
	BcIncrefsDone
	BcAcquireDone
	BcAttemptAcquire
	BcRegisterLooper
	BcEnterLooper
	BcExitLooper
	BcStopProcess
	BcSetContextManager
	BcSetMaxThreads
	BcSetNextEventTime
)

const (
	BrError Return = iota + 0x6272_0001 // "br"
	BrOK
	BrTransaction
	BrReply
	BrAcquireResult
	BrDeadReply
	BrTransactionComplete
	BrIncrefs
	BrAcquire
	BrRelease
	BrDecrefs
	BrAttemptAcquire
	BrNoop
	BrSpawnLooper
	BrFinished
	BrFailedReply
	BrEventOccurred
)

// shape is the argument layout that follows a code in the stream.
type shape uint8

const (
	shapeNone   shape = iota
	shapeTxn          // transaction record + inline data
	shapeHandle       // u32 handle
	shapeObject       // u64 ptr, u64 cookie
	shapeInt32        // i32 value
	shapeUint32       // u32 value
	shapeUint64       // u64 value
	shapeInt64        // i64 value
	shapeHandleFlags  // u32 handle, u32 flags
)

var shapeSizes = map[shape]int{
	shapeNone:        0,
	shapeTxn:         TxnRecordLen,
	shapeHandle:      4,
	shapeObject:      16,
	shapeInt32:       4,
	shapeUint32:      4,
	shapeUint64:      8,
	shapeInt64:       8,
	shapeHandleFlags: 8,
}

var commandInfo = map[Command]struct {
	name  string
	shape shape
}{
	BcTransaction:       {"bcTRANSACTION", shapeTxn},
	BcReply:             {"bcREPLY", shapeTxn},
	BcAcquireResult:     {"bcACQUIRE_RESULT", shapeInt32},
	BcFreeBuffer:        {"bcFREE_BUFFER", shapeUint64},
	BcIncrefs:           {"bcINCREFS", shapeHandle},
	BcAcquire:           {"bcACQUIRE", shapeHandle},
	BcRelease:           {"bcRELEASE", shapeHandle},
	BcDecrefs:           {"bcDECREFS", shapeHandle},
	BcIncrefsDone:       {"bcINCREFS_DONE", shapeObject},
	BcAcquireDone:       {"bcACQUIRE_DONE", shapeObject},
	BcAttemptAcquire:    {"bcATTEMPT_ACQUIRE", shapeHandle},
	BcRegisterLooper:    {"bcREGISTER_LOOPER", shapeNone},
	BcEnterLooper:       {"bcENTER_LOOPER", shapeNone},
	BcExitLooper:        {"bcEXIT_LOOPER", shapeNone},
	BcStopProcess:       {"bcSTOP_PROCESS", shapeHandleFlags},
	BcSetContextManager: {"bcSET_CONTEXT_MANAGER", shapeObject},
	BcSetMaxThreads:     {"bcSET_MAX_THREADS", shapeUint32},
	BcSetNextEventTime:  {"bcSET_NEXT_EVENT_TIME", shapeInt64},
}

var returnInfo = map[Return]struct {
	name  string
	shape shape
}{
	BrError:               {"brERROR", shapeInt32},
	BrOK:                  {"brOK", shapeNone},
	BrTransaction:         {"brTRANSACTION", shapeTxn},
	BrReply:               {"brREPLY", shapeTxn},
	BrAcquireResult:       {"brACQUIRE_RESULT", shapeInt32},
	BrDeadReply:           {"brDEAD_REPLY", shapeNone},
	BrTransactionComplete: {"brTRANSACTION_COMPLETE", shapeNone},
	BrIncrefs:             {"brINCREFS", shapeObject},
	BrAcquire:             {"brACQUIRE", shapeObject},
	BrRelease:             {"brRELEASE", shapeObject},
	BrDecrefs:             {"brDECREFS", shapeObject},
	BrAttemptAcquire:      {"brATTEMPT_ACQUIRE", shapeObject},
	BrNoop:                {"brNOOP", shapeNone},
	BrSpawnLooper:         {"brSPAWN_LOOPER", shapeNone},
	BrFinished:            {"brFINISHED", shapeNone},
	BrFailedReply:         {"brFAILED_REPLY", shapeInt32},
	BrEventOccurred:       {"brEVENT_OCCURRED", shapeNone},
}

func (c Command) String() string {
	if info, ok := commandInfo[c]; ok {
		return info.name
	}
	return fmt.Sprintf("command(%#x)", uint32(c))
}

func (r Return) String() string {
	if info, ok := returnInfo[r]; ok {
		return info.name
	}
	return fmt.Sprintf("return(%#x)", uint32(r))
}

// Stop-process flags.
const (
	StopKill uint32 = 1 << iota
)

// Cmd is one decoded command. Which fields are meaningful depends on Op.
type Cmd struct {
	Op     Command
	Handle uint32
	Ptr    uint64
	Cookie uint64
	Value  int64
	Txn    *Transaction
}

// Event is one decoded return. Which fields are meaningful depends on Op.
type Event struct {
	Op     Return
	Ptr    uint64
	Cookie uint64
	Value  int64
	Txn    *Transaction
}

func (c Cmd) String() string {
	return describe(c.Op.String(), commandInfo[c.Op].shape, c.Handle, c.Ptr, c.Cookie, c.Value, c.Txn)
}

func (e Event) String() string {
	return describe(e.Op.String(), returnInfo[e.Op].shape, 0, e.Ptr, e.Cookie, e.Value, e.Txn)
}

func describe(name string, s shape, handle uint32, ptr, cookie uint64, value int64, txn *Transaction) string {
	switch s {
	case shapeTxn:
		if txn == nil {
			return name + "(nil)"
		}
		return fmt.Sprintf("%s(%s)", name, txn)
	case shapeHandle:
		return fmt.Sprintf("%s(handle=%d)", name, handle)
	case shapeHandleFlags:
		return fmt.Sprintf("%s(handle=%d flags=%#x)", name, handle, value)
	case shapeObject:
		return fmt.Sprintf("%s(ptr=%#x cookie=%#x)", name, ptr, cookie)
	case shapeInt32, shapeUint32, shapeUint64, shapeInt64:
		return fmt.Sprintf("%s(%d)", name, value)
	}
	return name
}
