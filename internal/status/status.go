// Package status owns the closed set of result codes callers observe.
//
// Every layer (parcel, driver, kernel, binder, handler) reports failures as one
// of these codes. Internal codes exist for bookkeeping inside a layer and are
// folded into the public set by Public before they reach application code.
package status

import (
	"errors"
	"fmt"
)

// Code is a result code.
type Code int32

const (
	OK Code = iota
	Dead
	BadType
	NoMemory
	WouldBlock
	TimedOut
	PermissionDenied

	// internal codes; see Public.
	BadValue
	Interrupted
	ReadNull
)

var (
	ErrDead             = errors.New("status: remote dead")
	ErrBadType          = errors.New("status: bad type")
	ErrNoMemory         = errors.New("status: no memory")
	ErrWouldBlock       = errors.New("status: would block")
	ErrTimedOut         = errors.New("status: timed out")
	ErrPermissionDenied = errors.New("status: permission denied")
	ErrBadValue         = errors.New("status: bad value")
	ErrInterrupted      = errors.New("status: interrupted")
	ErrReadNull         = errors.New("status: read null")
)

var codeErrors = map[Code]error{
	Dead:             ErrDead,
	BadType:          ErrBadType,
	NoMemory:         ErrNoMemory,
	WouldBlock:       ErrWouldBlock,
	TimedOut:         ErrTimedOut,
	PermissionDenied: ErrPermissionDenied,
	BadValue:         ErrBadValue,
	Interrupted:      ErrInterrupted,
	ReadNull:         ErrReadNull,
}

var codeNames = map[Code]string{
	OK:               "ok",
	Dead:             "dead",
	BadType:          "bad-type",
	NoMemory:         "no-memory",
	WouldBlock:       "would-block",
	TimedOut:         "timed-out",
	PermissionDenied: "permission-denied",
	BadValue:         "bad-value",
	Interrupted:      "interrupted",
	ReadNull:         "read-null",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(c))
}

// Err returns the sentinel error for c, or nil for OK.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	if err, ok := codeErrors[c]; ok {
		return err
	}
	return fmt.Errorf("status: unknown code %d", int32(c))
}

// Public folds internal codes into the closed set visible to callers.
func Public(c Code) Code {
	switch c {
	case BadValue, ReadNull:
		return BadType
	case Interrupted:
		return WouldBlock
	}
	if _, ok := codeNames[c]; !ok {
		return BadType
	}
	return c
}

// FromError maps err back to a code. Unknown errors map to BadType so the
// caller always lands in the closed set.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return BadType
}

// IsDead reports whether err means the remote side is permanently gone.
func IsDead(err error) bool {
	return errors.Is(err, ErrDead)
}
