package lifecycle

import (
	"errors"
	"fmt"
)

// Stage is a task lifecycle stage. The string values are part of the wire
// format and must not change.
type Stage string

const (
	// StageCreated is the initial stage of a fresh execution context. It is
	// never emitted.
	StageCreated       Stage = "created"
	StageStarted       Stage = "started"
	StageThinking      Stage = "thinking"
	StageToolExecuting Stage = "tool_executing"
	StageToolCompleted Stage = "tool_completed"
	StageCompleted     Stage = "completed"
	StageError         Stage = "error"
)

// ErrorKind classifies the terminal error event of a task.
type ErrorKind string

const (
	ErrorKindTaskFailed           ErrorKind = "task_failed"
	ErrorKindCancelled            ErrorKind = "cancelled"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindIdleTimeout          ErrorKind = "idle_timeout"
	ErrorKindDeliveryBackpressure ErrorKind = "delivery_backpressure"
	ErrorKindInternal             ErrorKind = "internal"
)

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrAlreadyTerminal   = errors.New("task already terminal")
)

var transitions = map[Stage][]Stage{
	StageCreated:       {StageStarted},
	StageStarted:       {StageThinking, StageToolExecuting, StageCompleted},
	StageThinking:      {StageToolExecuting, StageCompleted},
	StageToolExecuting: {StageToolCompleted},
	StageToolCompleted: {StageThinking, StageToolExecuting, StageCompleted},
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageCreated, StageStarted, StageThinking, StageToolExecuting,
		StageToolCompleted, StageCompleted, StageError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// Emittable reports whether s may appear on the wire.
func (s Stage) Emittable() bool {
	return s.Valid() && s != StageCreated
}

// CanTransition reports whether target is reachable from from in one step.
// Every non-terminal stage may move to StageError.
func CanTransition(from, target Stage) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if target == StageError {
		return true
	}
	for _, next := range transitions[from] {
		if next == target {
			return true
		}
	}
	return false
}

// Check validates a single transition and returns the matching typed error.
func Check(taskID string, from, target Stage) error {
	if from.Terminal() {
		return &AlreadyTerminalError{TaskID: taskID, Stage: from}
	}
	if !CanTransition(from, target) {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: target}
	}
	return nil
}

// InvalidTransitionError is returned when a target stage is not reachable
// from the current stage.
type InvalidTransitionError struct {
	TaskID string
	From   Stage
	To     Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// AlreadyTerminalError is returned for any transition attempted on a task
// that reached completed or error.
type AlreadyTerminalError struct {
	TaskID string
	Stage  Stage
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %s: already %s", e.TaskID, e.Stage)
}

func (e *AlreadyTerminalError) Unwrap() error { return ErrAlreadyTerminal }
