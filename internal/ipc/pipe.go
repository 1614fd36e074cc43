package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultPipeReadTimeout = 5 * time.Millisecond
	defaultDrainTimeout    = 2 * time.Second
)

// PipeCommunicator carries payloads on the subprocess stdout and signals on
// its stderr.
type PipeCommunicator struct {
	party        Party
	codec        *Codec
	log          *slog.Logger
	payloadW     io.Writer
	signalW      io.Writer
	readTimeout  time.Duration
	drainTimeout time.Duration
	onDowngrade  func(reason string)

	wmx sync.Mutex

	mx         sync.Mutex
	structured bool
	pending    []byte // truncated frame carried to the next read
	queue      []Message
}

type PipeOption func(*PipeCommunicator)

// WithPipeWriters replaces os.Stdout and os.Stderr on the Task side.
func WithPipeWriters(payload, signal io.Writer) PipeOption {
	return func(p *PipeCommunicator) {
		p.payloadW = payload
		p.signalW = signal
	}
}

func WithPipeLogger(l *slog.Logger) PipeOption {
	return func(p *PipeCommunicator) { p.log = l }
}

func WithPipeReadTimeout(d time.Duration) PipeOption {
	return func(p *PipeCommunicator) { p.readTimeout = d }
}

func WithPipeDrainTimeout(d time.Duration) PipeOption {
	return func(p *PipeCommunicator) { p.drainTimeout = d }
}

// OnDowngrade registers fn to be called, with the Communicator locked, when
// the reader switches to raw text.
func OnDowngrade(fn func(reason string)) PipeOption {
	return func(p *PipeCommunicator) { p.onDowngrade = fn }
}

func NewPipe(party Party, opts ...PipeOption) *PipeCommunicator {
	p := &PipeCommunicator{
		party:        party,
		codec:        defaultCodec,
		log:          slog.Default(),
		payloadW:     os.Stdout,
		signalW:      os.Stderr,
		readTimeout:  defaultPipeReadTimeout,
		drainTimeout: defaultDrainTimeout,
		structured:   true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PipeCommunicator) String() string {
	mode := "structured"
	if !p.Structured() {
		mode = "raw text"
	}
	return "PipeCommunicator: " + mode
}

// Structured reports whether payloads are still CBOR encoded.
func (p *PipeCommunicator) Structured() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.structured
}

// UseRawText switches the Communicator to raw text for the rest of its life.
func (p *PipeCommunicator) UseRawText() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.downgrade("requested")
}

func (p *PipeCommunicator) downgrade(reason string) {
	if !p.structured {
		return
	}
	p.structured = false
	p.log.Debug("pipe communicator switched to raw text", "party", p.party.String(), "reason", reason)
	if p.onDowngrade != nil {
		p.onDowngrade(reason)
	}
}

func (p *PipeCommunicator) Stage(context.Context) error { return nil }

// Clear drops buffered data. The serialization mode is kept.
func (p *PipeCommunicator) Clear() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.pending = nil
	p.queue = nil
	return nil
}

// Write sends msg from the Task side. The signal is written first, on its own
// line, then the payload.
func (p *PipeCommunicator) Write(_ context.Context, msg Message) error {
	if p.party != PartyTask {
		return ErrWrongParty
	}

	var payload []byte
	if msg.Contents != nil {
		if p.Structured() {
			b, err := p.codec.Frame(msg.Contents)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			payload = b
		} else {
			s, ok := msg.Contents.(string)
			if !ok {
				return fmt.Errorf("%w: got %T", ErrRawContents, msg.Contents)
			}
			payload = []byte(s)
		}
	}

	p.wmx.Lock()
	defer p.wmx.Unlock()
	if msg.Signal != SignalNone {
		if _, err := io.WriteString(p.signalW, "\n"+string(msg.Signal)+"\n"); err != nil {
			return fmt.Errorf("write signal: %w", err)
		}
		if err := flush(p.signalW); err != nil {
			return err
		}
	}
	if len(payload) > 0 {
		if _, err := p.payloadW.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		if err := flush(p.payloadW); err != nil {
			return err
		}
	}
	return nil
}

func flush(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Read returns the next Message written by the subprocess behind h. Data read
// in one call may hold several Messages; the surplus is returned by the
// following calls before the streams are read again.
func (p *PipeCommunicator) Read(_ context.Context, h Handle) (Message, error) {
	if p.party != PartyExecutor {
		return Message{}, ErrWrongParty
	}
	p.mx.Lock()
	defer p.mx.Unlock()

	if len(p.queue) > 0 {
		return p.pop(), nil
	}

	// A Task writes the signal before its payload, so the signal stream is
	// drained first: a payload written in between is still read below.
	sigData, serr := p.drain(h.Signal, h.Final)
	payload, perr := p.drain(h.Payload, h.Final)

	msgs := p.decodePayload(payload, h.Final)
	sigs, stray := splitSignals(sigData)
	msgs = attachSignals(msgs, sigs)
	if stray != "" {
		n := len(msgs) - 1
		if n >= 0 && mergeable(msgs[n].Contents) {
			msgs[n] = msgs[n].mergeStray(stray)
		} else {
			msgs = append(msgs, Message{}.mergeStray(stray))
		}
	}
	p.queue = append(p.queue, msgs...)

	var msg Message
	if len(p.queue) > 0 {
		msg = p.pop()
	}
	return msg, errors.Join(perr, serr)
}

// Buffered returns the number of Messages read from the streams but not
// returned yet.
func (p *PipeCommunicator) Buffered() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.queue)
}

func (p *PipeCommunicator) pop() Message {
	m := p.queue[0]
	p.queue[0] = Message{}
	p.queue = p.queue[1:]
	return m
}

// drain reads s until EOF or the read deadline.
func (p *PipeCommunicator) drain(s Stream, final bool) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	timeout := p.readTimeout
	if final {
		timeout = p.drainTimeout
	}
	if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := s.Read(chunk)
		buf.Write(chunk[:n])
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrDeadlineExceeded):
			return buf.Bytes(), nil
		default:
			return buf.Bytes(), fmt.Errorf("read pipe: %w", err)
		}
	}
}

func (p *PipeCommunicator) decodePayload(data []byte, final bool) []Message {
	if len(p.pending) > 0 {
		data = append(p.pending, data...)
		p.pending = nil
	}
	if len(data) == 0 {
		return nil
	}
	if !p.structured {
		return []Message{{Contents: p.rawText(data)}}
	}

	var out []Message
	for len(data) > 0 {
		v, rest, err := p.codec.DecodeFrame(data)
		if err == nil {
			out = append(out, Message{Contents: v})
			data = rest
			continue
		}
		if !final && truncated(data, err) {
			p.pending = bytes.Clone(data)
			break
		}
		p.downgrade(err.Error())
		out = append(out, Message{Contents: p.rawText(data)})
		break
	}
	return out
}

// truncated reports whether data looks like the start of a frame whose
// remainder has not arrived yet.
func truncated(data []byte, err error) bool {
	if len(data) < len(selfDescribe) {
		return bytes.HasPrefix(selfDescribe, data)
	}
	return bytes.HasPrefix(data, selfDescribe) &&
		(errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF))
}

func (p *PipeCommunicator) rawText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	text, dropped := p.codec.RecoverMixed(data)
	if dropped > 0 {
		p.log.Warn("dropped unrecoverable payload bytes", "bytes", dropped)
	}
	return text
}

// splitSignals separates recognised signal lines from stray text.
func splitSignals(data []byte) ([]Signal, string) {
	if len(data) == 0 {
		return nil, ""
	}
	var (
		sigs  []Signal
		stray []string
	)
	for _, line := range strings.Split(strings.ToValidUTF8(string(data), "�"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if sig, ok := ParseSignal(line); ok {
			sigs = append(sigs, sig)
			continue
		}
		stray = append(stray, line)
	}
	return sigs, strings.Join(stray, " ")
}

// attachSignals pairs signals with the most recent payloads. Signals beyond
// the number of payloads become signal only Messages placed first.
func attachSignals(msgs []Message, sigs []Signal) []Message {
	if extra := len(sigs) - len(msgs); extra > 0 {
		lead := make([]Message, extra, extra+len(msgs))
		for i := range lead {
			lead[i].Signal = sigs[i]
		}
		msgs = append(lead, msgs...)
		sigs = sigs[extra:]
	}
	off := len(msgs) - len(sigs)
	for i, sig := range sigs {
		msgs[off+i].Signal = sig
	}
	return msgs
}

func mergeable(v any) bool {
	switch v.(type) {
	case nil, string:
		return true
	default:
		return false
	}
}
