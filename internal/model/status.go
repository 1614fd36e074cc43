package model

import (
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus int

const (
	// StatusPending means the Task has yet to run.
	StatusPending TaskStatus = iota
	// StatusRunning means the Task is executing.
	StatusRunning
	// StatusCompleted means the Task finished without fatal errors.
	StatusCompleted
	// StatusFailed means the Task hit a fatal error or timed out.
	StatusFailed
	// StatusStopped means the Task was suspended and may be resumed.
	StatusStopped
	// StatusCancelled means the Task was cancelled prior to completion.
	StatusCancelled
	// StatusTimedOut means the Task did not complete in time.
	StatusTimedOut
)

var statusNames = [...]string{
	StatusPending:   "PENDING",
	StatusRunning:   "RUNNING",
	StatusCompleted: "COMPLETED",
	StatusFailed:    "FAILED",
	StatusStopped:   "STOPPED",
	StatusCancelled: "CANCELLED",
	StatusTimedOut:  "TIMEDOUT",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String. It is case-insensitive.
func ParseStatus(s string) (TaskStatus, error) {
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return TaskStatus(i), nil
		}
	}
	return StatusPending, fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether no further transitions may follow s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a Task in status s may move to next.
//
//	PENDING -> RUNNING
//	RUNNING -> STOPPED | any terminal state
//	STOPPED -> RUNNING | any terminal state
//
// Nothing leaves a terminal state and nothing returns to PENDING.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() || next == StatusPending || s == next {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next == StatusStopped || next.Terminal()
	case StatusStopped:
		return next == StatusRunning || next.Terminal()
	}
	return false
}
