package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
)

var (
	ErrAlreadyRun        = errors.New("task already run")
	ErrInvalidTransition = model.ErrInvalidTransition
	ErrUnknownTask       = errors.New("unknown task")
)

const (
	defaultTimeout    = 600 * time.Second
	defaultFlushPause = 100 * time.Millisecond
)

// Analysis is the work a Task performs. PostRun is expected to set a
// terminal status.
type Analysis interface {
	Run(ctx context.Context, t *Task) error
	PostRun(ctx context.Context, t *Task) error
}

// PreRunner is implemented by analyses needing a step between the start
// signal and Run.
type PreRunner interface {
	PreRun(ctx context.Context, t *Task) error
}

// Cleaner is implemented by analyses holding resources that must be released
// when the Task times out.
type Cleaner interface {
	Cleanup(t *Task)
}

// Task runs one Analysis inside the subprocess and reports its lifecycle to
// the Executor.
type Task struct {
	name       string
	params     *model.Parameters
	impl       Analysis
	log        *slog.Logger
	pipe       *ipc.PipeCommunicator
	socket     func() ipc.Communicator
	exit       func(code int)
	flushPause time.Duration
	timeout    time.Duration

	mx       sync.Mutex
	status   model.TaskStatus
	history  []model.TaskStatus
	result   model.TaskResult
	ran      bool
	expired  bool
	timer    *time.Timer
	deadline time.Time
}

type Option func(*Task)

func WithLogger(l *slog.Logger) Option {
	return func(t *Task) { t.log = l }
}

// WithPipe replaces the stdout/stderr pipe Communicator.
func WithPipe(p *ipc.PipeCommunicator) Option {
	return func(t *Task) { t.pipe = p }
}

// WithSocketFactory replaces the constructor of the per message socket
// Communicator.
func WithSocketFactory(fn func() ipc.Communicator) Option {
	return func(t *Task) { t.socket = fn }
}

// WithExit replaces os.Exit on timeout.
func WithExit(fn func(code int)) Option {
	return func(t *Task) { t.exit = fn }
}

// WithTimeout overrides the task_timeout of the header.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.timeout = d }
}

// WithFlushPause sets the pause after the result is sent.
func WithFlushPause(d time.Duration) Option {
	return func(t *Task) { t.flushPause = d }
}

// New creates a PENDING Task and arms its timeout.
func New(name string, params *model.Parameters, impl Analysis, opts ...Option) *Task {
	if params == nil {
		params = &model.Parameters{}
	}
	t := &Task{
		name:       name,
		params:     params,
		impl:       impl,
		log:        slog.Default(),
		exit:       os.Exit,
		flushPause: defaultFlushPause,
		timeout:    time.Duration(params.Header.TaskTimeout) * time.Second,
		status:     model.StatusPending,
		history:    []model.TaskStatus{model.StatusPending},
		result:     model.TaskResult{TaskName: name, Status: model.StatusPending},
	}
	for _, o := range opts {
		o(t)
	}
	if t.pipe == nil {
		t.pipe = ipc.NewPipe(ipc.PartyTask, ipc.WithPipeLogger(t.log))
	}
	if t.socket == nil {
		t.socket = func() ipc.Communicator {
			return ipc.NewSocket(ipc.PartyTask, ipc.WithSocketLogger(t.log))
		}
	}
	if t.timeout <= 0 {
		t.timeout = defaultTimeout
	}
	t.deadline = time.Now().Add(t.timeout)
	t.timer = time.AfterFunc(t.timeout, t.onTimeout)
	return t
}

func (t *Task) Name() string { return t.name }

func (t *Task) Parameters() *model.Parameters { return t.params }

func (t *Task) Logger() *slog.Logger { return t.log }

// Deadline is when the timeout fires.
func (t *Task) Deadline() time.Time { return t.deadline }

func (t *Task) Status() model.TaskStatus {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.status
}

// Transitions returns every status the Task went through, starting with
// PENDING.
func (t *Task) Transitions() []model.TaskStatus {
	t.mx.Lock()
	defer t.mx.Unlock()
	return slices.Clone(t.history)
}

// SetStatus moves the Task to next. Setting the current status again is a
// no-op.
func (t *Task) SetStatus(next model.TaskStatus) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.setStatus(next)
}

func (t *Task) setStatus(next model.TaskStatus) error {
	if t.status == next {
		return nil
	}
	if !t.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, next)
	}
	t.status = next
	t.result.Status = next
	t.history = append(t.history, next)
	return nil
}

// Result returns a copy of the current result.
func (t *Task) Result() model.TaskResult {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.result
}

// SetResult records the summary and payload of the result.
func (t *Task) SetResult(summary string, payload any) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.result.Summary = summary
	t.result.Payload = payload
}

// SetImplSchemas records the ';' separated schemas the output conforms to.
func (t *Task) SetImplSchemas(schemas string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.result.ImplSchemas = schemas
}

// UseRawText switches the Task side pipe to raw text.
func (t *Task) UseRawText() { t.pipe.UseRawText() }

// Report sends msg to the Executor. Text and empty contents use the pipe;
// anything else uses a new socket Communicator.
func (t *Task) Report(ctx context.Context, msg ipc.Message) error {
	switch msg.Contents.(type) {
	case nil, string:
		return t.pipe.Write(ctx, msg)
	}

	c := t.socket()
	if err := c.Stage(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Clear(); err != nil {
			t.log.WarnContext(ctx, "clear socket communicator", "err", err)
		}
	}()
	return c.Write(ctx, msg)
}

// Run executes the Analysis and reports its result. An Analysis error marks
// the result FAILED, is still reported, and is returned.
func (t *Task) Run(ctx context.Context) error {
	t.mx.Lock()
	if t.ran {
		t.mx.Unlock()
		return ErrAlreadyRun
	}
	t.ran = true
	t.mx.Unlock()

	if err := t.signalStart(ctx); err != nil {
		t.timer.Stop()
		return err
	}

	err := t.execute(ctx)
	t.timer.Stop()

	if t.timedOut() {
		return fmt.Errorf("%s: timed out", t.name)
	}
	if err != nil {
		t.mx.Lock()
		t.result.Summary = err.Error()
		if serr := t.setStatus(model.StatusFailed); serr != nil {
			t.log.WarnContext(ctx, "cannot mark task failed", "err", serr)
		}
		t.mx.Unlock()
	}
	t.signalResult(ctx)
	return err
}

func (t *Task) execute(ctx context.Context) error {
	if p, ok := t.impl.(PreRunner); ok {
		if err := p.PreRun(ctx, t); err != nil {
			return fmt.Errorf("pre run: %w", err)
		}
	}
	if err := t.impl.Run(ctx, t); err != nil {
		return err
	}
	if err := t.impl.PostRun(ctx, t); err != nil {
		return fmt.Errorf("post run: %w", err)
	}
	return nil
}

func (t *Task) signalStart(ctx context.Context) error {
	if err := t.SetStatus(model.StatusRunning); err != nil {
		return err
	}
	msg := ipc.Message{Contents: t.params, Signal: ipc.SignalTaskStarted}
	if err := t.Report(ctx, msg); err != nil {
		t.log.WarnContext(ctx, "cannot report start", "task", t.name, "err", err)
	}
	return nil
}

func (t *Task) signalResult(ctx context.Context) {
	msg := ipc.Message{Contents: t.Result(), Signal: ipc.SignalTaskResult}
	if err := t.Report(ctx, msg); err != nil {
		t.log.WarnContext(ctx, "cannot report result", "task", t.name, "err", err)
	}
	time.Sleep(t.flushPause)
}

func (t *Task) timedOut() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.expired
}

func (t *Task) onTimeout() {
	t.mx.Lock()
	if t.status.Terminal() {
		t.mx.Unlock()
		return
	}
	summary := fmt.Sprintf("Task %s timed out after %s", t.name, t.timeout)
	t.result.Summary = summary
	t.expired = true
	_ = t.setStatus(model.StatusFailed)
	t.mx.Unlock()

	ctx := context.Background()
	t.log.ErrorContext(ctx, "task timed out", "task", t.name, "timeout", t.timeout)
	if err := t.Report(ctx, ipc.Message{Contents: summary, Signal: ipc.SignalTaskFailed}); err != nil {
		t.log.WarnContext(ctx, "cannot report timeout", "err", err)
	}
	if c, ok := t.impl.(Cleaner); ok {
		c.Cleanup(t)
	}
	t.exit(1)
}
