package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
	"github.com/lcls-tools/lute/internal/store"
)

var (
	ErrAlreadyExecuted = errors.New("executor already executed")
	ErrNotRunning      = errors.New("task not running")
	ErrNoConfig        = errors.New("LUTE_CONFIGPATH not set")
)

const (
	EnvPath       = "LUTE_PATH"
	EnvConfigPath = "LUTE_CONFIGPATH"

	defaultPollInterval = 50 * time.Millisecond
	maxDrainErrors      = 3
)

// Executor runs a single Task as a subprocess and reports its outcome.
type Executor struct {
	log      *slog.Logger
	comms    []ipc.Communicator
	recorder store.Recorder
	entry    string
	launcher func(env map[string]string) []string

	mx        sync.Mutex
	desc      model.DescribedAnalysis
	hooks     map[ipc.Signal]Hook
	proc      *os.Process
	executed  bool
	cancelled bool
}

type Option func(*Executor)

// WithCommunicators replaces the default pipe and socket Communicators.
func WithCommunicators(comms ...ipc.Communicator) Option {
	return func(e *Executor) { e.comms = comms }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.desc.PollInterval = d }
}

// WithRecorder replaces the SQLite recorder.
func WithRecorder(r store.Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithEntryPoint sets the binary started as `<path> _task -c <config> -t <task>`.
func WithEntryPoint(path string) Option {
	return func(e *Executor) { e.entry = path }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New returns an Executor for taskName with the default hooks installed.
func New(taskName string, opts ...Option) *Executor {
	e := &Executor{
		log:      slog.Default(),
		recorder: store.SQLite{},
		desc: model.DescribedAnalysis{
			Result:       model.TaskResult{TaskName: taskName, Status: model.StatusPending},
			Parameters:   &model.Parameters{},
			Env:          environ(),
			PollInterval: defaultPollInterval,
		},
		hooks: make(map[ipc.Signal]Hook),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("task", taskName)
	if e.comms == nil {
		e.comms = []ipc.Communicator{
			ipc.NewPipe(ipc.PartyExecutor, ipc.WithPipeLogger(e.log)),
			ipc.NewSocket(ipc.PartyExecutor, ipc.WithSocketLogger(e.log)),
		}
	}
	if e.desc.PollInterval <= 0 {
		e.desc.PollInterval = defaultPollInterval
	}
	for _, c := range e.comms {
		e.desc.CommunicatorDesc = append(e.desc.CommunicatorDesc, c.String())
	}
	e.addDefaultHooks()
	return e
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

func (e *Executor) Logger() *slog.Logger { return e.log }

// Communicators returns the parent side Communicators in poll order.
func (e *Executor) Communicators() []ipc.Communicator {
	e.mx.Lock()
	defer e.mx.Unlock()
	return slices.Clone(e.comms)
}

func (e *Executor) Status() model.TaskStatus {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.desc.Result.Status
}

// SetStatus moves the held result to s. Setting the current status again is
// a no-op; transitions refused by CanTransition return ErrInvalidTransition.
func (e *Executor) SetStatus(s model.TaskStatus) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	cur := e.desc.Result.Status
	if cur == s {
		return nil
	}
	if !cur.CanTransition(s) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur, s)
	}
	e.desc.Result.Status = s
	return nil
}

// SetParameters replaces the parameters reported by the Task.
func (e *Executor) SetParameters(p *model.Parameters) {
	if p == nil {
		return
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	e.desc.Parameters = p
}

// SetResult replaces the held result.
func (e *Executor) SetResult(r model.TaskResult) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.desc.Result = r
}

// Analysis returns a deep copy of the execution record.
func (e *Executor) Analysis() model.DescribedAnalysis {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.desc.Clone()
}

// Command returns the argument vector Execute starts.
func (e *Executor) Command() ([]string, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.command()
}

func (e *Executor) command() ([]string, error) {
	cfg := e.desc.Env[EnvConfigPath]
	if cfg == "" {
		return nil, ErrNoConfig
	}
	entry, err := e.entryPoint()
	if err != nil {
		return nil, err
	}
	argv := []string{entry, "_task", "-c", cfg, "-t", e.desc.Result.TaskName}
	if e.launcher != nil {
		argv = append(e.launcher(e.desc.Env), argv...)
	}
	return argv, nil
}

// entryPoint resolves the lute binary: an explicit entry point, then
// $LUTE_PATH/bin/lute, then the running executable. The last case exports
// LUTE_PATH to the Task.
func (e *Executor) entryPoint() (string, error) {
	if e.entry != "" {
		return e.entry, nil
	}
	if root := e.desc.Env[EnvPath]; root != "" {
		return filepath.Join(root, "bin", "lute"), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate lute: %w", err)
	}
	e.log.Debug("LUTE_PATH not set, using running executable", "path", exe)
	e.desc.Env[EnvPath] = filepath.Dir(filepath.Dir(exe))
	return exe, nil
}

// Execute runs the Task to completion. Setup and spawn failures are recorded
// as a FAILED result; only a failure to persist the record is returned.
func (e *Executor) Execute(ctx context.Context) error {
	e.mx.Lock()
	if e.executed {
		e.mx.Unlock()
		return ErrAlreadyExecuted
	}
	e.executed = true
	e.mx.Unlock()

	defer e.clear(ctx)

	exitCode, err := e.run(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "task not executed", "err", err)
		e.fail(err)
	} else {
		e.resolve(ctx, exitCode)
	}
	return e.record(context.WithoutCancel(ctx))
}

func (e *Executor) fail(err error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.desc.Result.Status = model.StatusFailed
	e.desc.Result.Summary = err.Error()
}

func (e *Executor) run(ctx context.Context) (int, error) {
	e.mx.Lock()
	argv, err := e.command()
	if err == nil {
		e.seedHeader()
	}
	env := e.childEnv()
	e.mx.Unlock()
	if err != nil {
		return 0, err
	}

	for _, c := range e.comms {
		if err := c.Stage(ctx); err != nil {
			return 0, fmt.Errorf("stage %s: %w", c, err)
		}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	defer outR.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outW.Close()
		return 0, err
	}
	defer errR.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = outW
	cmd.Stderr = errW
	e.log.DebugContext(ctx, "starting task", "argv", argv)
	err = cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}

	e.mx.Lock()
	e.proc = cmd.Process
	e.mx.Unlock()

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	h := ipc.Handle{Pid: cmd.Process.Pid, Payload: outR, Signal: errR}
	e.loop(ctx, h, done)

	h.Final = true
	e.drain(context.WithoutCancel(ctx), h)
	// the child may outlive the loop, e.g. other MPI ranks still printing
	discardUntil(done, outR, errR)
	<-done

	e.mx.Lock()
	e.proc = nil
	e.mx.Unlock()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return 0, fmt.Errorf("wait: %w", waitErr)
		}
	}
	return cmd.ProcessState.ExitCode(), nil
}

// seedHeader reads the header of the configuration so the record has a work
// directory even when the Task never reports its parameters.
func (e *Executor) seedHeader() {
	f, err := os.Open(e.desc.Env[EnvConfigPath])
	if err != nil {
		e.log.Warn("cannot read configuration header", "err", err)
		return
	}
	defer f.Close()
	h, err := model.LoadHeader(f)
	if err != nil {
		e.log.Warn("cannot read configuration header", "err", err)
		return
	}
	e.desc.Parameters.Header = h
}

// childEnv is the Task environment plus what the Communicators need.
func (e *Executor) childEnv() []string {
	env := maps.Clone(e.desc.Env)
	for _, c := range e.comms {
		if x, ok := c.(ipc.Environ); ok {
			maps.Copy(env, x.Env())
		}
	}
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (e *Executor) running(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	default:
	}
	switch e.Status() {
	case model.StatusCompleted, model.StatusCancelled, model.StatusTimedOut:
		return false
	default:
		return true
	}
}

func (e *Executor) loop(ctx context.Context, h ipc.Handle, done <-chan struct{}) {
	e.mx.Lock()
	poll := e.desc.PollInterval
	e.mx.Unlock()

	for e.running(done) {
		e.poll(ctx, h)

		select {
		case <-ctx.Done():
			e.cancel(ctx)
			return
		case <-time.After(poll):
		}
	}
}

func (e *Executor) cancel(ctx context.Context) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.cancelled = true
	e.desc.Result.Status = model.StatusCancelled
	if e.proc == nil {
		return
	}
	e.log.InfoContext(ctx, "cancelling task", "pid", e.proc.Pid, "cause", context.Cause(ctx))
	if err := e.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.log.WarnContext(ctx, "cannot kill task", "err", err)
	}
}

// poll reads every Communicator once and dispatches all it returned,
// including Messages buffered by that read.
func (e *Executor) poll(ctx context.Context, h ipc.Handle) {
	for _, c := range e.Communicators() {
		for {
			msg, err := c.Read(ctx, h)
			if err != nil {
				e.log.WarnContext(ctx, "read failed", "communicator", c.String(), "err", err)
			}
			e.dispatch(ctx, msg)
			if b, ok := c.(ipc.Buffered); !ok || b.Buffered() == 0 {
				break
			}
		}
	}
}

// drain reads every Communicator until it has nothing left. A failed read
// ends the drain only after maxDrainErrors in a row.
func (e *Executor) drain(ctx context.Context, h ipc.Handle) {
	for _, c := range e.Communicators() {
		errs := 0
		for errs < maxDrainErrors {
			msg, err := c.Read(ctx, h)
			if err != nil {
				e.log.WarnContext(ctx, "final read failed", "communicator", c.String(), "err", err)
				errs++
			} else {
				errs = 0
			}
			if msg.Empty() {
				if err != nil {
					continue
				}
				break
			}
			e.dispatch(ctx, msg)
		}
	}
}

// discardUntil empties the streams in the background until done is closed,
// so a child still writing never blocks on a full pipe.
func discardUntil(done <-chan struct{}, streams ...*os.File) {
	for _, f := range streams {
		_ = f.SetReadDeadline(time.Time{})
		go func() {
			_, _ = io.Copy(io.Discard, f)
		}()
	}
	go func() {
		<-done
		for _, f := range streams {
			_ = f.Close()
		}
	}()
}

func (e *Executor) dispatch(ctx context.Context, msg ipc.Message) {
	if msg.Signal != ipc.SignalNone {
		if hook := e.hook(msg.Signal); hook != nil {
			hook(ctx, e, msg)
		}
	}
	switch c := msg.Contents.(type) {
	case nil:
	case string:
		if c != "" {
			e.log.InfoContext(ctx, "task message", "contents", c)
		}
	default:
		e.log.InfoContext(ctx, "task message", "contents", c)
	}
}

func (e *Executor) resolve(ctx context.Context, exitCode int) {
	e.mx.Lock()
	defer e.mx.Unlock()
	r := &e.desc.Result
	switch {
	case e.cancelled:
		r.Status = model.StatusCancelled
	case exitCode != 0:
		e.log.InfoContext(ctx, "task failed", "exit_code", exitCode)
		r.Status = model.StatusFailed
	case r.Status == model.StatusRunning:
		e.log.DebugContext(ctx, "task did not set a final status, assuming completed")
		r.Status = model.StatusCompleted
	}
}

func (e *Executor) record(ctx context.Context) error {
	d := e.Analysis()
	if d.Parameters == nil || d.Parameters.Header.WorkDir == "" {
		e.log.WarnContext(ctx, "no work directory, execution not recorded", "status", d.Result.Status)
		return nil
	}
	if err := e.recorder.Record(ctx, d); err != nil {
		var serr *store.Error
		if !errors.As(err, &serr) {
			err = &store.Error{Op: "record", Err: err}
		}
		return err
	}
	return nil
}

func (e *Executor) clear(ctx context.Context) {
	for _, c := range e.Communicators() {
		if err := c.Clear(); err != nil {
			e.log.WarnContext(ctx, "clear communicator", "communicator", c.String(), "err", err)
		}
	}
}

// Stop suspends the Task with SIGTSTP. The Task is paused, not cancelled.
func (e *Executor) Stop() error {
	return e.signal(unix.SIGTSTP, model.StatusStopped)
}

// Continue resumes a stopped Task with SIGCONT.
func (e *Executor) Continue() error {
	return e.signal(unix.SIGCONT, model.StatusRunning)
}

func (e *Executor) signal(sig unix.Signal, next model.TaskStatus) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.proc == nil {
		return ErrNotRunning
	}
	if cur := e.desc.Result.Status; !cur.CanTransition(next) {
		return fmt.Errorf("%w: %w: %s -> %s", ErrNotRunning, model.ErrInvalidTransition, cur, next)
	}
	if err := unix.Kill(e.proc.Pid, sig); err != nil {
		return fmt.Errorf("signal %s: %w", unix.SignalName(sig), err)
	}
	e.desc.Result.Status = next
	return nil
}
