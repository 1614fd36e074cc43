package executor

import (
	"context"
	"fmt"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
)

// Hook reacts to a signal received from the Task.
type Hook func(ctx context.Context, e *Executor, msg ipc.Message)

// AddHook binds h to the signal named event, replacing the previous hook.
// Names are matched case-insensitively; unknown names are ignored and false
// is returned.
func (e *Executor) AddHook(event string, h Hook) bool {
	sig, ok := ipc.ParseSignal(event)
	if !ok {
		e.log.Warn("ignoring hook for unknown event", "event", event)
		return false
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	e.hooks[sig] = h
	return true
}

func (e *Executor) hook(sig ipc.Signal) Hook {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.hooks[sig]
}

func (e *Executor) addDefaultHooks() {
	e.AddHook(string(ipc.SignalNoPickleMode), noPickleMode)
	e.AddHook(string(ipc.SignalTaskStarted), taskStarted)
	e.AddHook(string(ipc.SignalTaskResult), taskResult)
	for _, sig := range []ipc.Signal{
		ipc.SignalTaskFailed,
		ipc.SignalTaskStopped,
		ipc.SignalTaskDone,
		ipc.SignalTaskCancelled,
	} {
		e.AddHook(string(sig), logSignal)
	}
}

// noPickleMode switches pipe Communicators to raw text.
func noPickleMode(ctx context.Context, e *Executor, _ ipc.Message) {
	for _, c := range e.Communicators() {
		if p, ok := c.(*ipc.PipeCommunicator); ok {
			e.log.DebugContext(ctx, "task requested raw text", "communicator", p.String())
			p.UseRawText()
		}
	}
}

func taskStarted(ctx context.Context, e *Executor, msg ipc.Message) {
	switch p := msg.Contents.(type) {
	case model.Parameters:
		e.SetParameters(&p)
	case *model.Parameters:
		e.SetParameters(p)
	}
	e.log.InfoContext(ctx, "task started")
	if err := e.SetStatus(model.StatusRunning); err != nil {
		e.log.WarnContext(ctx, "ignoring start signal", "err", err)
	}
}

func taskResult(ctx context.Context, e *Executor, msg ipc.Message) {
	r, ok := msg.Contents.(model.TaskResult)
	if !ok {
		e.log.WarnContext(ctx, "result signal without a result", "type", fmt.Sprintf("%T", msg.Contents))
		return
	}
	e.SetResult(r)
	e.log.InfoContext(ctx, "task result", "status", r.Status, "summary", r.Summary)
}

func logSignal(ctx context.Context, e *Executor, msg ipc.Message) {
	e.log.DebugContext(ctx, "task signal", "signal", msg.Signal)
}
