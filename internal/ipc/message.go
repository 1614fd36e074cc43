package ipc

import (
	"fmt"
	"strings"
)

// Signal is a control signal name.
type Signal string

const (
	SignalNone          Signal = ""
	SignalNoPickleMode  Signal = "NO_PICKLE_MODE"
	SignalTaskStarted   Signal = "TASK_STARTED"
	SignalTaskFailed    Signal = "TASK_FAILED"
	SignalTaskStopped   Signal = "TASK_STOPPED"
	SignalTaskDone      Signal = "TASK_DONE"
	SignalTaskCancelled Signal = "TASK_CANCELLED"
	SignalTaskResult    Signal = "TASK_RESULT"
)

var signals = []Signal{
	SignalNoPickleMode,
	SignalTaskStarted,
	SignalTaskFailed,
	SignalTaskStopped,
	SignalTaskDone,
	SignalTaskCancelled,
	SignalTaskResult,
}

// Signals returns the recognised signals.
func Signals() []Signal {
	out := make([]Signal, len(signals))
	copy(out, signals)
	return out
}

// ParseSignal returns the recognised signal named s, ignoring case and
// surrounding white space.
func ParseSignal(s string) (Signal, bool) {
	s = strings.TrimSpace(s)
	for _, sig := range signals {
		if strings.EqualFold(string(sig), s) {
			return sig, true
		}
	}
	return SignalNone, false
}

// Party is the side of the channel a Communicator serves.
type Party int

const (
	PartyTask Party = iota
	PartyExecutor
)

func (p Party) String() string {
	switch p {
	case PartyTask:
		return "TASK"
	case PartyExecutor:
		return "EXECUTOR"
	default:
		return fmt.Sprintf("Party(%d)", int(p))
	}
}

// Message is the unit exchanged between a Task and its Executor.
//
// Contents cross the channel as CBOR, so a peer reads back the generic form
// of what was written: integers decode as int64, floats as float64, slices
// as []any and maps as map[string]any. model.TaskResult and model.Parameters
// keep their types; a pointer to either decodes as the value. A TaskResult
// Payload is generic too.
type Message struct {
	Contents any
	Signal   Signal
}

// Empty reports whether m carries neither contents nor a signal.
func (m Message) Empty() bool {
	return m.Contents == nil && m.Signal == SignalNone
}

// mergeStray folds unrecognised signal-stream text into the contents.
func (m Message) mergeStray(stray string) Message {
	if stray == "" {
		return m
	}
	switch c := m.Contents.(type) {
	case nil:
		m.Contents = fmt.Sprintf("(%s)", stray)
	case string:
		if c == "" {
			m.Contents = fmt.Sprintf("(%s)", stray)
		} else {
			m.Contents = fmt.Sprintf("%s (%s)", c, stray)
		}
	default:
		m.Contents = fmt.Sprintf("%v (%s)", c, stray)
	}
	return m
}
