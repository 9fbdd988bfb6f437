// Package transport carries the driver protocol over a stream socket.
//
// A Server exposes one kernel on a listener; every accepted connection is one
// attached process. A Client is the matching driver.Driver: many process
// threads share its connection, each WriteRead travelling as one request frame
// answered by one response frame with the same message id.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgebinder/internal/driver"
	"github.com/danmuck/edgebinder/internal/kernel"
	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/protocol/frame"
	"github.com/danmuck/edgebinder/internal/protocol/session"
	"github.com/danmuck/edgebinder/internal/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SessionInfo describes one connected process.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	PID       int32     `json:"pid"`
	OSPID     int32     `json:"os_pid"`
	Remote    string    `json:"remote"`
	Since     time.Time `json:"since"`
}

type Server struct {
	k   *kernel.Kernel
	cfg session.Config
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[net.Conn]*SessionInfo
	active   atomic.Int64
}

func NewServer(k *kernel.Kernel, cfg session.Config) *Server {
	return &Server{
		k:        k,
		cfg:      cfg.WithDefaults(),
		log:      logging.Logger("transport"),
		sessions: make(map[net.Conn]*SessionInfo),
	}
}

// Serve accepts connections until ctx is done or ln fails. Each connection
// is served in the same group; Serve returns after all of them are gone.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		s.closeAll()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.handleConn(gctx, conn)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Sessions lists connected processes ordered by kernel pid.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		if info != nil {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (s *Server) track(conn net.Conn, info *SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[conn] = info
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.sessions {
		_ = conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.track(conn, nil)
	defer s.untrack(conn)
	remote := conn.RemoteAddr().String()

	reader := bufio.NewReader(conn)
	ep, info, err := s.accept(conn, reader)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("handshake failed")
		return
	}
	info.Remote = remote
	s.track(conn, info)

	active := s.active.Add(1)
	s.log.Info().
		Str("session", info.SessionID).
		Str("name", info.Name).
		Int32("pid", info.PID).
		Int32("os_pid", info.OSPID).
		Int64("active", active).
		Msg("process connected")
	defer func() {
		remaining := s.active.Add(-1)
		s.log.Info().Str("session", info.SessionID).Int32("pid", info.PID).Int64("active", remaining).Msg("process disconnected")
	}()

	sc := &serverConn{
		conn:    conn,
		ep:      ep,
		limits:  s.cfg.Limits,
		timeout: s.cfg.WriteTimeout,
		cancels: make(map[uint64]context.CancelFunc),
		log:     s.log.With().Str("session", info.SessionID).Logger(),
	}
	sc.run(ctx, reader)
}

// accept runs the hello exchange and attaches the process to the kernel.
func (s *Server) accept(conn net.Conn, reader *bufio.Reader) (*kernel.Endpoint, *SessionInfo, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	hello, err := session.ReadHello(reader)
	if err != nil {
		return nil, nil, err
	}
	ack := session.HelloAck{
		Status:          session.AckStatusAccepted,
		SessionID:       hello.SessionID,
		ProtocolVersion: session.ProtocolVersion,
		TimestampMS:     uint64(time.Now().UnixMilli()),
	}
	if err := session.CheckProtocol(hello.ProtocolVersion, session.SupportedProtocols); err != nil {
		ack.Status = session.AckStatusRejected
		ack.Message = err.Error()
		_ = session.WriteHelloAck(conn, ack)
		return nil, nil, err
	}

	osPID := hello.PID
	if pid, ok := peerPID(conn); ok {
		osPID = pid
	}
	ep, err := s.k.Open(hello.Name, osPID)
	if err != nil {
		ack.Status = session.AckStatusRejected
		ack.Message = err.Error()
		_ = session.WriteHelloAck(conn, ack)
		return nil, nil, err
	}
	ack.ProcessID = ep.PID()
	if err := session.WriteHelloAck(conn, ack); err != nil {
		_ = ep.Close()
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ep, &SessionInfo{
		SessionID: hello.SessionID,
		Name:      hello.Name,
		PID:       ep.PID(),
		OSPID:     osPID,
		Since:     time.Now(),
	}, nil
}

type serverConn struct {
	conn    net.Conn
	ep      *kernel.Endpoint
	limits  frame.Limits
	timeout time.Duration
	log     zerolog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// run reads request frames until the peer goes away, then detaches the
// process, which fails every call still blocked in the kernel.
func (c *serverConn) run(ctx context.Context, reader *bufio.Reader) {
	g, gctx := errgroup.WithContext(ctx)
	defer func() {
		_ = c.ep.Close()
		_ = g.Wait()
	}()
	for {
		f, err := frame.ReadFrame(reader, c.limits)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		switch f.Header.MessageType {
		case frame.MsgWriteRead:
			req, err := session.DecodeWriteReadFrame(f)
			if err != nil {
				c.log.Warn().Err(err).Msg("bad request")
				return
			}
			callCtx, cancel := context.WithCancel(gctx)
			c.setCancel(f.Header.MessageID, cancel)
			id, tid := f.Header.MessageID, f.Header.Thread
			g.Go(func() error {
				defer c.clearCancel(id)
				c.serveWriteRead(callCtx, id, tid, req)
				return nil
			})
		case frame.MsgInterrupt:
			c.interrupt(f.Header.MessageID)
		case frame.MsgThreadExit:
			_ = c.ep.ExitThread(f.Header.Thread)
		case frame.MsgClose:
			return
		default:
			c.log.Warn().Stringer("type", f.Header.MessageType).Msg("unexpected message")
			return
		}
	}
}

func (c *serverConn) serveWriteRead(ctx context.Context, id uint64, tid uint32, req session.WriteReadRequest) {
	readCap := req.ReadCapacity
	if limit := c.limits.MaxPayloadBytes / 2; readCap > limit {
		readCap = limit
	}
	wr := &driver.WriteRead{WriteBuffer: req.Write, ReadBuffer: make([]byte, readCap)}
	err := c.ep.WriteRead(ctx, tid, wr)
	res := session.WriteReadResult{
		Status:        int32(status.FromError(err)),
		WriteConsumed: uint64(wr.WriteConsumed),
		Read:          wr.Returns(),
	}
	if err != nil && !errors.Is(err, status.ErrInterrupted) {
		c.log.Debug().Err(err).Uint32("tid", tid).Msg("write-read failed")
	}
	if err := c.write(session.EncodeWriteReadResultFrame(id, tid, res)); err != nil {
		c.log.Debug().Err(err).Msg("write result")
	}
}

func (c *serverConn) write(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := frame.WriteFrame(c.conn, f, c.limits); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

func (c *serverConn) setCancel(id uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = cancel
}

func (c *serverConn) clearCancel(id uint64) {
	c.mu.Lock()
	cancel := c.cancels[id]
	delete(c.cancels, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *serverConn) interrupt(id uint64) {
	c.mu.Lock()
	cancel := c.cancels[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
