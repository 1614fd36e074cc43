package executor_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lcls-tools/lute/internal/executor"
	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/log"
	"github.com/lcls-tools/lute/internal/model"
	"github.com/lcls-tools/lute/internal/store"
	"github.com/lcls-tools/lute/internal/task"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// helperEnv makes the test binary act as `lute _task`.
const helperEnv = "LUTE_TEST_SUBPROCESS"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(helperMain(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func helperMain(args []string) int {
	var cfg, name string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-c":
			cfg = args[i+1]
		case "-t":
			name = args[i+1]
		}
	}
	logger, closeLog, err := log.New(log.Options{Level: "warn", Target: model.LogDiscard})
	if err != nil {
		return 2
	}
	defer func() { _ = closeLog() }()

	reg := task.Builtin()
	reg.Register("Silent", task.Entry{New: func() task.Analysis { return silent{} }})
	reg.Register("Crash", task.Entry{New: func() task.Analysis { return crash{} }})
	reg.Register("Chatty", task.Entry{New: func() task.Analysis { return chatty{} }})
	return task.Main(context.Background(), task.MainConfig{
		ConfigPath: cfg,
		TaskName:   name,
		Registry:   reg,
		Logger:     logger,
	})
}

// silent never sets a final status.
type silent struct{}

func (silent) Run(context.Context, *task.Task) error { return nil }

func (silent) PostRun(context.Context, *task.Task) error { return nil }

// crash exits before reporting a result.
type crash struct{}

func (crash) Run(context.Context, *task.Task) error {
	os.Exit(3)
	return nil
}

func (crash) PostRun(context.Context, *task.Task) error { return nil }

// chatty reports its result early and keeps writing more than a pipe holds.
type chatty struct{}

func (chatty) Run(ctx context.Context, t *task.Task) error {
	r := t.Result()
	r.Status = model.StatusCompleted
	r.Summary = "reported early"
	if err := t.Report(ctx, ipc.Message{Contents: r, Signal: ipc.SignalTaskResult}); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)
	line := strings.Repeat("x", 1024)
	for range 256 {
		if err := t.Report(ctx, ipc.Message{Contents: line}); err != nil {
			return err
		}
	}
	return nil
}

func (chatty) PostRun(_ context.Context, t *task.Task) error {
	return t.SetStatus(model.StatusCompleted)
}

// capture collects the contents of logged task messages.
type capture struct {
	mx       *sync.Mutex
	contents *[]any
}

func newCapture() capture {
	return capture{mx: &sync.Mutex{}, contents: &[]any{}}
}

func (c capture) Enabled(context.Context, slog.Level) bool { return true }

func (c capture) Handle(_ context.Context, r slog.Record) error {
	if r.Message != "task message" {
		return nil
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "contents" {
			c.mx.Lock()
			*c.contents = append(*c.contents, a.Value.Any())
			c.mx.Unlock()
			return false
		}
		return true
	})
	return nil
}

func (c capture) WithAttrs([]slog.Attr) slog.Handler { return c }

func (c capture) WithGroup(string) slog.Handler { return c }

func (c capture) messages() []any {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]any(nil), *c.contents...)
}

// texts returns the string contents, leaving out parameters and results.
func (c capture) texts() []string {
	var out []string
	for _, m := range c.messages() {
		if s, ok := m.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func writeConfig(t *testing.T, dir, taskName, fields string, timeout int) string {
	t.Helper()
	yml := fmt.Sprintf("title: test\nexperiment: EXP\nrun: 1\ntask_timeout: %d\nwork_dir: %s\n---\n%s:\n%s\n",
		timeout, dir, taskName, fields)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path
}

func newExecutor(t *testing.T, taskName, cfg string, c capture, opts ...executor.Option) *executor.Executor {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	opts = append([]executor.Option{
		executor.WithEntryPoint(self),
		executor.WithPollInterval(10 * time.Millisecond),
		executor.WithLogger(slog.New(c)),
	}, opts...)
	e := executor.New(taskName, opts...)
	require.NoError(t, e.UpdateEnvironment(map[string]string{
		helperEnv:              "1",
		executor.EnvConfigPath: cfg,
	}, executor.PathPrepend))
	return e
}

func TestExecute_Messages(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 0.01", 60)
	c := newCapture()

	e := newExecutor(t, "Test", cfg, c)
	require.NoError(t, e.Execute(ctx))
	require.ErrorIs(t, e.Execute(ctx), executor.ErrAlreadyExecuted)

	var want []string
	for i := range 10 {
		want = append(want, fmt.Sprintf("Test message %d", i))
	}
	require.Equal(t, want, c.texts())

	d := e.Analysis()
	require.Equal(t, model.StatusCompleted, d.Result.Status)
	require.Equal(t, "Test Finished.", d.Result.Summary)
	require.Equal(t, "test", d.Parameters.String("str_var"))
	require.Equal(t, dir, d.Parameters.Header.WorkDir)

	v, err := store.ReadLatest(ctx, dir, "Test", "str_var", true)
	require.NoError(t, err)
	require.Equal(t, "test", v)
	v, err = store.ReadLatest(ctx, dir, "Test", "compound_var.dict_var.a", true)
	require.NoError(t, err)
	require.Equal(t, "b", v)
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 0.5", 1)
	c := newCapture()

	e := newExecutor(t, "Test", cfg, c)
	require.NoError(t, e.Execute(t.Context()))

	require.Equal(t, model.StatusFailed, e.Status())
	require.Contains(t, c.texts(), "Task Test timed out after 1s")
	require.Less(t, len(c.texts()), 10)
}

func TestExecute_ExitStatus(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		task   string
		fields string
		want   model.TaskStatus
	}{
		{"no final status", "Silent", "  unused: 1", model.StatusCompleted},
		{"analysis error", "Test", "  message_interval: 0.001\n  throw_error: true", model.StatusFailed},
		{"crash", "Crash", "  unused: 1", model.StatusFailed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfg := writeConfig(t, dir, tc.task, tc.fields, 60)
			e := newExecutor(t, tc.task, cfg, newCapture())
			require.NoError(t, e.Execute(t.Context()))
			require.Equal(t, tc.want, e.Status())

			v, err := store.ReadLatest(t.Context(), dir, tc.task, "result.task_status", false)
			require.NoError(t, err)
			require.Equal(t, tc.want.String(), v)
		})
	}
}

func TestExecute_Hooks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 0.001", 60)
	e := newExecutor(t, "Test", cfg, newCapture())

	var started, results int
	require.True(t, e.AddHook("task_started", func(context.Context, *executor.Executor, ipc.Message) { started++ }))
	require.True(t, e.AddHook("TASK_RESULT", func(_ context.Context, e *executor.Executor, msg ipc.Message) {
		results++
		r, ok := msg.Contents.(model.TaskResult)
		require.True(t, ok)
		e.SetResult(r)
	}))
	require.False(t, e.AddHook("task_exploded", func(context.Context, *executor.Executor, ipc.Message) {}))

	require.NoError(t, e.Execute(t.Context()))
	require.Equal(t, 1, started)
	require.Equal(t, 1, results)
	require.Equal(t, model.StatusCompleted, e.Status())
	// the replaced start hook did not capture the parameters
	_, ok := e.Analysis().Parameters.Field("str_var")
	require.False(t, ok)
}

func TestExecute_Cancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 1", 60)
	e := newExecutor(t, "Test", cfg, newCapture())

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, e.Execute(ctx))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, model.StatusCancelled, e.Status())
}

func TestExecute_SetupFailure(t *testing.T) {
	t.Parallel()
	e := executor.New("Test",
		executor.WithEntryPoint("/nonexistent/lute"),
		executor.WithLogger(slog.New(newCapture())),
	)
	require.NoError(t, e.Execute(t.Context()))
	require.Equal(t, model.StatusFailed, e.Status())
	require.Contains(t, e.Analysis().Result.Summary, executor.ErrNoConfig.Error())

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  unused: 1", 60)
	e = executor.New("Test",
		executor.WithEntryPoint(filepath.Join(dir, "missing")),
		executor.WithLogger(slog.New(newCapture())),
	)
	require.NoError(t, e.UpdateEnvironment(map[string]string{executor.EnvConfigPath: cfg}, executor.PathPrepend))
	require.NoError(t, e.Execute(t.Context()))
	require.Equal(t, model.StatusFailed, e.Status())

	// the header was read, so the failure is recorded
	v, err := store.ReadLatest(t.Context(), dir, "Test", "result.task_status", false)
	require.NoError(t, err)
	require.Equal(t, "FAILED", v)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, model.DescribedAnalysis) error {
	return fmt.Errorf("disk full")
}

func TestExecute_RecordError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 0.001", 60)
	e := newExecutor(t, "Test", cfg, newCapture(), executor.WithRecorder(failingRecorder{}))

	err := e.Execute(t.Context())
	var serr *store.Error
	require.ErrorAs(t, err, &serr)
	require.ErrorContains(t, err, "disk full")
}

func TestExecute_Concurrent(t *testing.T) {
	t.Parallel()
	sizes := []int{3, 7}
	captures := make([]capture, len(sizes))
	executors := make([]*executor.Executor, len(sizes))
	for i, n := range sizes {
		dir := t.TempDir()
		cfg := writeConfig(t, dir, "TestSocket", fmt.Sprintf("  array_size: %d\n  num_arrays: 2", n), 60)
		captures[i] = newCapture()
		executors[i] = newExecutor(t, "TestSocket", cfg, captures[i])
	}

	g, ctx := errgroup.WithContext(t.Context())
	for _, e := range executors {
		g.Go(func() error { return e.Execute(ctx) })
	}
	require.NoError(t, g.Wait())

	for i, n := range sizes {
		var arrays int
		for _, m := range captures[i].messages() {
			if a, ok := m.([]any); ok {
				require.Len(t, a, n)
				arrays++
			}
		}
		require.Equal(t, 2, arrays)

		d := executors[i].Analysis()
		require.Equal(t, model.StatusCompleted, d.Result.Status)
		require.Len(t, d.Result.Payload, n)
	}
}

func TestStopContinue(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 0.1", 60)
	e := newExecutor(t, "Test", cfg, newCapture())
	require.ErrorIs(t, e.Stop(), executor.ErrNotRunning)

	done := make(chan error, 1)
	go func() { done <- e.Execute(t.Context()) }()

	require.Eventually(t, func() bool { return e.Status() == model.StatusRunning }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop())
	require.Equal(t, model.StatusStopped, e.Status())
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, model.StatusStopped, e.Status())
	require.NoError(t, e.Continue())
	require.Equal(t, model.StatusRunning, e.Status())

	require.NoError(t, <-done)
	require.Equal(t, model.StatusCompleted, e.Status())
}

func TestStop_AfterResult(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Test", "  message_interval: 0.001", 60)
	e := newExecutor(t, "Test", cfg, newCapture())

	var stopErr error
	require.True(t, e.AddHook("task_result", func(_ context.Context, e *executor.Executor, msg ipc.Message) {
		r, ok := msg.Contents.(model.TaskResult)
		require.True(t, ok)
		e.SetResult(r)
		stopErr = e.Stop()
	}))

	require.NoError(t, e.Execute(t.Context()))
	require.ErrorIs(t, stopErr, model.ErrInvalidTransition)
	require.ErrorIs(t, stopErr, executor.ErrNotRunning)
	require.Equal(t, model.StatusCompleted, e.Status())
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	e := executor.New("Test", quiet())
	require.ErrorIs(t, e.SetStatus(model.StatusStopped), model.ErrInvalidTransition)
	require.NoError(t, e.SetStatus(model.StatusRunning))
	require.NoError(t, e.SetStatus(model.StatusRunning))
	require.NoError(t, e.SetStatus(model.StatusCompleted))
	require.ErrorIs(t, e.SetStatus(model.StatusStopped), model.ErrInvalidTransition)
	require.Equal(t, model.StatusCompleted, e.Status())
}

func TestExecute_ChildOutlivesLoop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "Chatty", "  unused: 1", 60)
	c := newCapture()
	e := newExecutor(t, "Chatty", cfg, c, executor.WithCommunicators(
		ipc.NewPipe(ipc.PartyExecutor, ipc.WithPipeDrainTimeout(50*time.Millisecond)),
		ipc.NewSocket(ipc.PartyExecutor),
	))

	done := make(chan error, 1)
	go func() { done <- e.Execute(t.Context()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Execute blocked by a child writing after the final drain")
	}

	d := e.Analysis()
	require.Equal(t, model.StatusCompleted, d.Result.Status)
	require.Equal(t, "reported early", d.Result.Summary)
}
