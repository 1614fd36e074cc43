package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// Options configure New.
type Options struct {
	Verbose bool
	// Level overrides the level derived from Verbose when non empty.
	Level string
	// Target is stderr, stdout, discard or a file path. Files are rotated.
	Target string
	// Format is json (default) or text.
	Format string
}

// New returns a logger writing to the configured target. The returned close
// function releases a file target and is a no-op otherwise.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}

	w, closeFn, err := target(opts.Target)
	if err != nil {
		return nil, nil, err
	}

	hopts := &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	}
	var base slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "json":
		base = slog.NewJSONHandler(w, hopts)
	case "text":
		base = slog.NewTextHandler(w, hopts)
	default:
		_ = closeFn()
		return nil, nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}
	return slog.New(NewContextHandler(base)), closeFn, nil
}

func target(t string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch t {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	case "discard":
		return io.Discard, noop, nil
	}
	if dir := filepath.Dir(t); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("log directory: %w", err)
		}
	}
	lj := &lumberjack.Logger{
		Filename:   t,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	}
	return lj, lj.Close, nil
}
