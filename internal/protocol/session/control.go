package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	controlTypeHello    = "binder.hello"
	controlTypeHelloAck = "binder.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	// ProtocolVersion is the driver protocol this build speaks.
	ProtocolVersion = "1.0.0"
	// SupportedProtocols is the range a kernel accepts from clients.
	SupportedProtocols = "^1.0.0"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrIncompatibleProtocol   = errors.New("session: incompatible protocol version")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the client->kernel session-start payload.
type Hello struct {
	Name            string `json:"name"`
	PID             int32  `json:"pid"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	MaxThreads      uint32 `json:"max_threads"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidHello)
	}
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHello)
	}
	if _, err := semver.NewVersion(h.ProtocolVersion); err != nil {
		return fmt.Errorf("%w: protocol_version %q: %v", ErrInvalidHello, h.ProtocolVersion, err)
	}
	return nil
}

// CheckProtocol reports whether version satisfies constraint.
func CheckProtocol(version, constraint string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleProtocol, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%w: constraint %q: %v", ErrIncompatibleProtocol, constraint, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleProtocol, version, constraint)
	}
	return nil
}

// HelloAck is the kernel->client response.
type HelloAck struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	SessionID       string `json:"session_id"`
	ProcessID       int32  `json:"process_id"`
	ProtocolVersion string `json:"protocol_version"`
	TimestampMS     uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

func (a HelloAck) Accepted() bool { return a.Status == AckStatusAccepted }

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
