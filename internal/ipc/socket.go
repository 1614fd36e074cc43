package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EnvSocket names the variable through which both sides agree on a path.
const EnvSocket = "LUTE_SOCKET"

const (
	defaultAcceptTimeout = 10 * time.Millisecond
	defaultIOTimeout     = 5 * time.Second
)

// SocketCommunicator exchanges whole Messages over a Unix domain socket.
// The Executor side listens; every Task side Write is one connection.
type SocketCommunicator struct {
	party  Party
	codec  *Codec
	log    *slog.Logger
	path   string
	accept time.Duration
	io     time.Duration

	mx      sync.Mutex
	ln      *net.UnixListener
	created bool // the listener created the socket file

	rmx   sync.Mutex
	conn  *net.UnixConn // accepted connection still being read
	buf   []byte
	since time.Time
}

type SocketOption func(*SocketCommunicator)

// WithSocketPath uses path instead of $LUTE_SOCKET or a generated one.
func WithSocketPath(path string) SocketOption {
	return func(s *SocketCommunicator) { s.path = path }
}

func WithSocketLogger(l *slog.Logger) SocketOption {
	return func(s *SocketCommunicator) { s.log = l }
}

// WithAcceptTimeout bounds how long Read waits for a pending connection and
// then for its data.
func WithAcceptTimeout(d time.Duration) SocketOption {
	return func(s *SocketCommunicator) { s.accept = d }
}

// WithIOTimeout bounds a Task side transfer and the final drain of a
// Message in transit.
func WithIOTimeout(d time.Duration) SocketOption {
	return func(s *SocketCommunicator) { s.io = d }
}

// NewSocket resolves the socket path from the options, then $LUTE_SOCKET,
// then a fresh path under the temp directory. A Task side Communicator
// exports a generated path into its own environment; an Executor side one
// only exposes it through Env.
func NewSocket(party Party, opts ...SocketOption) *SocketCommunicator {
	s := &SocketCommunicator{
		party:  party,
		codec:  defaultCodec,
		log:    slog.Default(),
		accept: defaultAcceptTimeout,
		io:     defaultIOTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.path == "" {
		s.path = os.Getenv(EnvSocket)
	}
	if s.path == "" {
		s.path = filepath.Join(os.TempDir(), "lute_"+uuid.NewString()+".sock")
		if party == PartyTask {
			if err := os.Setenv(EnvSocket, s.path); err != nil {
				s.log.Warn("cannot export socket path", "path", s.path, "err", err)
			}
		}
	}
	return s
}

func (s *SocketCommunicator) Path() string { return s.path }

func (s *SocketCommunicator) String() string {
	return "SocketCommunicator: " + s.path
}

// Env returns the variables the Task subprocess needs to find the socket.
func (s *SocketCommunicator) Env() map[string]string {
	return map[string]string{EnvSocket: s.path}
}

// Stage binds and listens on the Executor side. A live listener already
// owning the path is fatal; a stale socket file is removed.
func (s *SocketCommunicator) Stage(ctx context.Context) error {
	if s.party != PartyExecutor {
		return nil
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ln != nil {
		return nil
	}

	if _, err := os.Stat(s.path); err == nil {
		d := net.Dialer{Timeout: 100 * time.Millisecond}
		conn, err := d.DialContext(ctx, "unix", s.path)
		if err == nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
		}
		s.log.DebugContext(ctx, "removing stale socket", "path", s.path)
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	ln.SetUnlinkOnClose(false)
	s.ln = ln
	s.created = true
	return nil
}

// Clear closes the listener and removes the socket file it created. A
// Message in transit is dropped.
func (s *SocketCommunicator) Clear() error {
	s.rmx.Lock()
	s.reset()
	s.rmx.Unlock()

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	if s.created {
		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
		s.created = false
	}
	return err
}

// Read returns the Message of one connection. A connection is accepted if
// none is in transit; the wait for a connection and then for its data are
// each bounded by the accept timeout. A Message not complete by then is
// continued by the next Read and the empty Message is returned. With
// h.Final the data wait is the I/O timeout and an incomplete Message is
// dropped.
func (s *SocketCommunicator) Read(ctx context.Context, h Handle) (Message, error) {
	if s.party != PartyExecutor {
		return Message{}, ErrWrongParty
	}
	s.rmx.Lock()
	defer s.rmx.Unlock()

	if s.conn == nil {
		conn, err := s.acceptNext()
		if conn == nil || err != nil {
			return Message{}, err
		}
		s.conn = conn
		s.since = time.Now()
	}

	wait := s.accept
	if h.Final {
		wait = s.io
	}
	complete, err := s.fill(wait)
	if err != nil {
		s.reset()
		return Message{}, fmt.Errorf("read socket: %w", err)
	}
	if !complete {
		if !h.Final {
			return Message{}, nil
		}
		s.log.WarnContext(ctx, "dropping incomplete socket message", "bytes", len(s.buf), "since", s.since)
		s.reset()
		return Message{}, fmt.Errorf("read socket: %w", os.ErrDeadlineExceeded)
	}

	data := s.buf
	s.buf = nil
	s.reset()
	if len(data) == 0 {
		return Message{}, nil
	}
	msg, err := s.codec.decodeMessage(data)
	if err != nil {
		s.log.WarnContext(ctx, "undecodable socket message", "bytes", len(data), "err", err)
		return Message{}, err
	}
	return msg, nil
}

// acceptNext returns the next pending connection, or nil when none arrives
// within the accept timeout.
func (s *SocketCommunicator) acceptNext() (*net.UnixConn, error) {
	s.mx.Lock()
	ln := s.ln
	s.mx.Unlock()
	if ln == nil {
		return nil, nil
	}

	if err := ln.SetDeadline(time.Now().Add(s.accept)); err != nil {
		return nil, err
	}
	conn, err := ln.AcceptUnix()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

// fill reads the connection in transit for at most wait and reports whether
// the peer finished the Message.
func (s *SocketCommunicator) fill(wait time.Duration) (bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false, err
	}
	chunk := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(chunk)
		s.buf = append(s.buf, chunk[:n]...)
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return true, nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			return false, nil
		default:
			return false, err
		}
	}
}

func (s *SocketCommunicator) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.buf = nil
	s.since = time.Time{}
}

// Write sends msg over a new connection from the Task side.
func (s *SocketCommunicator) Write(ctx context.Context, msg Message) error {
	if s.party != PartyTask {
		return ErrWrongParty
	}
	data, err := s.codec.encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	d := net.Dialer{Timeout: s.io}
	conn, err := d.DialContext(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.path, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(s.io)); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write socket: %w", err)
	}
	return nil
}
