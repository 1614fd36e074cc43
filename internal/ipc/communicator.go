package ipc

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrWrongParty  = errors.New("operation not supported by this party")
	ErrRawContents = errors.New("raw text mode accepts only string contents")
	ErrSocketInUse = errors.New("socket path already in use")
	ErrDecode      = errors.New("cannot decode message")
)

// Communicator is one channel between a Task and its Executor.
type Communicator interface {
	// Read returns the next Message or the empty Message when nothing is
	// pending. It never blocks longer than the read timeout unless h.Final.
	Read(ctx context.Context, h Handle) (Message, error)
	Write(ctx context.Context, msg Message) error
	// Stage acquires the channel, Clear releases it. Clear is idempotent.
	Stage(ctx context.Context) error
	Clear() error
	String() string
}

// Stream is the read end of a subprocess output stream. *os.File from
// os.Pipe satisfies it.
type Stream interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Handle identifies the subprocess being read from.
type Handle struct {
	Pid     int
	Payload Stream // subprocess stdout
	Signal  Stream // subprocess stderr
	// Final drains until both streams are closed or the drain timeout
	// expires.
	Final bool
}

// Buffered is implemented by Communicators whose Read can return fewer
// Messages than it consumed. The rest is returned by the following Reads.
type Buffered interface {
	Buffered() int
}

// Environ is implemented by Communicators that must pass settings to the
// subprocess through its environment.
type Environ interface {
	Env() map[string]string
}
