package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgebinder/internal/driver"
	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/protocol/frame"
	"github.com/danmuck/edgebinder/internal/protocol/session"
	"github.com/danmuck/edgebinder/internal/status"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrRejected   = errors.New("transport: session rejected")
	ErrSocketPath = errors.New("transport: socket path required")
)

// Client is a driver.Driver backed by a kernel on the other end of a socket.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	cfg     session.Config
	ack     session.HelloAck
	log     zerolog.Logger
	pending *session.PendingCalls
	nextID  atomic.Uint64

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ driver.Driver = (*Client)(nil)

// Dial connects to the kernel socket at path and attaches as hello.Name.
// Missing hello fields are filled in: a fresh session id, this build's
// protocol version and the caller's pid. Transient dial failures are retried
// with backoff; a rejected hello is not.
func Dial(ctx context.Context, path string, hello session.Hello, cfg session.Config) (*Client, error) {
	if path == "" {
		return nil, ErrSocketPath
	}
	cfg = cfg.WithDefaults()
	if hello.SessionID == "" {
		hello.SessionID = uuid.NewString()
	}
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = session.ProtocolVersion
	}
	if hello.PID == 0 {
		hello.PID = int32(os.Getpid())
	}
	log := logging.Logger("transport").With().Str("session", hello.SessionID).Logger()

	var c *Client
	permanent := func(err error) bool {
		return errors.Is(err, ErrRejected) || errors.Is(err, session.ErrInvalidHello)
	}
	err := session.Retry(ctx, cfg.Backoff, cfg.MaxDialAttempts, permanent, func(attempt int) error {
		dialer := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("path", path).Msg("dial failed")
			return err
		}
		c, err = handshake(conn, hello, cfg)
		if err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log = log.With().Int32("pid", c.ack.ProcessID).Logger()
	go c.readLoop()
	c.log.Info().Str("path", path).Msg("attached to kernel")
	return c, nil
}

func handshake(conn net.Conn, hello session.Hello, cfg session.Config) (*Client, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	if err := session.WriteHello(conn, hello); err != nil {
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, err
	}
	if !ack.Accepted() {
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	if err := session.CheckProtocol(ack.ProtocolVersion, session.SupportedProtocols); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	_ = conn.SetDeadline(time.Time{})
	c := &Client{
		conn:    conn,
		reader:  reader,
		cfg:     cfg,
		ack:     ack,
		pending: session.NewPendingCalls(),
		done:    make(chan struct{}),
	}
	c.nextID.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

// ProcessID is the pid the kernel assigned to this connection.
func (c *Client) ProcessID() int32 { return c.ack.ProcessID }

func (c *Client) SessionID() string { return c.ack.SessionID }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// WriteRead ships one driver call. If ctx ends while the kernel is blocked,
// the call is interrupted remotely and the partial result is still applied,
// so consumed counts stay exact.
func (c *Client) WriteRead(ctx context.Context, tid uint32, wr *driver.WriteRead) error {
	id := c.nextID.Add(1)
	ch, err := c.pending.Register(id)
	if err != nil {
		return err
	}
	readCap := len(wr.ReadBuffer) - wr.ReadConsumed
	if readCap < 0 {
		readCap = 0
	}
	req := session.WriteReadRequest{
		Write:        wr.WriteBuffer[wr.WriteConsumed:],
		ReadCapacity: uint64(readCap),
	}
	if err := c.write(session.EncodeWriteReadFrame(id, tid, req)); err != nil {
		c.pending.Remove(id)
		return err
	}

	var f frame.Frame
	var ok bool
	select {
	case f, ok = <-ch:
	case <-ctx.Done():
		if err := c.write(session.InterruptFrame(id, tid)); err != nil {
			c.pending.Remove(id)
			return err
		}
		f, ok = <-ch
	}
	if !ok {
		return c.deadErr()
	}
	res, err := session.DecodeWriteReadResultFrame(f)
	if err != nil {
		return err
	}
	if int(res.WriteConsumed) > len(req.Write) || len(res.Read) > readCap {
		return fmt.Errorf("%w: result exceeds request", session.ErrMalformedCall)
	}
	wr.WriteConsumed += int(res.WriteConsumed)
	wr.ReadConsumed += copy(wr.ReadBuffer[wr.ReadConsumed:], res.Read)
	if res.Status != 0 {
		return status.Code(res.Status).Err()
	}
	return nil
}

// ExitThread tells the kernel tid is gone. It does not wait for an answer.
func (c *Client) ExitThread(tid uint32) error {
	return c.write(session.ThreadExitFrame(c.nextID.Add(1), tid))
}

// Close ends the session. The kernel treats it as the death of the process.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(session.CloseFrame(c.nextID.Add(1)))
		err = c.conn.Close()
	})
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) write(f frame.Frame) error {
	select {
	case <-c.done:
		return c.deadErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := frame.WriteFrame(c.conn, f, c.cfg.Limits); err != nil {
		return fmt.Errorf("%w: %v", status.ErrDead, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, err := frame.ReadFrame(c.reader, c.cfg.Limits)
		if err != nil {
			c.pending.FailAll(fmt.Errorf("%w: connection lost: %v", status.ErrDead, err))
			_ = c.conn.Close()
			c.log.Info().Err(err).Msg("detached from kernel")
			return
		}
		if !c.pending.Resolve(f) {
			c.log.Debug().Uint64("id", f.Header.MessageID).Msg("result for unknown call")
		}
	}
}

func (c *Client) deadErr() error {
	if err := c.pending.Err(); err != nil {
		return err
	}
	return status.ErrDead
}
