package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/edgebinder/internal/protocol/frame"
)

var ErrMalformedCall = errors.New("session: malformed call payload")

// WriteReadRequest is one driver call shipped to a remote kernel.
type WriteReadRequest struct {
	Write        []byte
	ReadCapacity uint64
}

// WriteReadResult answers a WriteReadRequest. Status is a status.Code; a
// non-zero status still carries the consumed counts of the partial call.
type WriteReadResult struct {
	Status        int32
	WriteConsumed uint64
	Read          []byte
}

const (
	requestHeaderLen = 8
	resultHeaderLen  = 4 + 8
)

func EncodeWriteReadFrame(messageID uint64, thread uint32, req WriteReadRequest) frame.Frame {
	payload := make([]byte, requestHeaderLen+len(req.Write))
	binary.BigEndian.PutUint64(payload[0:8], req.ReadCapacity)
	copy(payload[requestHeaderLen:], req.Write)
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: frame.MsgWriteRead,
			Thread:      thread,
		},
		Payload: payload,
	}
}

func DecodeWriteReadFrame(f frame.Frame) (WriteReadRequest, error) {
	if f.Header.MessageType != frame.MsgWriteRead || f.Header.Flags&frame.FlagIsResponse != 0 {
		return WriteReadRequest{}, fmt.Errorf("%w: unexpected message %s", ErrMalformedCall, f.Header.MessageType)
	}
	if len(f.Payload) < requestHeaderLen {
		return WriteReadRequest{}, fmt.Errorf("%w: short request", ErrMalformedCall)
	}
	return WriteReadRequest{
		ReadCapacity: binary.BigEndian.Uint64(f.Payload[0:8]),
		Write:        f.Payload[requestHeaderLen:],
	}, nil
}

func EncodeWriteReadResultFrame(messageID uint64, thread uint32, res WriteReadResult) frame.Frame {
	payload := make([]byte, resultHeaderLen+len(res.Read))
	binary.BigEndian.PutUint32(payload[0:4], uint32(res.Status))
	binary.BigEndian.PutUint64(payload[4:12], res.WriteConsumed)
	copy(payload[resultHeaderLen:], res.Read)
	flags := frame.FlagIsResponse
	if res.Status != 0 {
		flags |= frame.FlagIsError
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: frame.MsgWriteRead,
			Thread:      thread,
			Flags:       flags,
		},
		Payload: payload,
	}
}

func DecodeWriteReadResultFrame(f frame.Frame) (WriteReadResult, error) {
	if f.Header.MessageType != frame.MsgWriteRead || f.Header.Flags&frame.FlagIsResponse == 0 {
		return WriteReadResult{}, fmt.Errorf("%w: unexpected message %s", ErrMalformedCall, f.Header.MessageType)
	}
	if len(f.Payload) < resultHeaderLen {
		return WriteReadResult{}, fmt.Errorf("%w: short result", ErrMalformedCall)
	}
	return WriteReadResult{
		Status:        int32(binary.BigEndian.Uint32(f.Payload[0:4])),
		WriteConsumed: binary.BigEndian.Uint64(f.Payload[4:12]),
		Read:          f.Payload[resultHeaderLen:],
	}, nil
}

// ThreadExitFrame tells the kernel the client thread is gone.
func ThreadExitFrame(messageID uint64, thread uint32) frame.Frame {
	return frame.Frame{Header: frame.Header{MessageID: messageID, MessageType: frame.MsgThreadExit, Thread: thread}}
}

// InterruptFrame asks the kernel to abandon the blocked call messageID. The
// kernel still answers the original request, with the consumed counts.
func InterruptFrame(messageID uint64, thread uint32) frame.Frame {
	return frame.Frame{Header: frame.Header{MessageID: messageID, MessageType: frame.MsgInterrupt, Thread: thread}}
}

// CloseFrame ends the session.
func CloseFrame(messageID uint64) frame.Frame {
	return frame.Frame{Header: frame.Header{MessageID: messageID, MessageType: frame.MsgClose}}
}
