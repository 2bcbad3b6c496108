package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

// Machine drives an execution Context through the task lifecycle. Every
// accepted transition is emitted synchronously; the machine keeps no buffer.
type Machine struct {
	emitter Emitter
}

func NewMachine(emitter Emitter) *Machine {
	return &Machine{emitter: emitter}
}

// Advance moves ec to target and emits the matching event.
//
// A transition is only committed once the event is queued. If the sink
// refuses the event the context is left unchanged and the error is
// returned. If the sink queued the event but reported degraded delivery,
// the transition is committed and the delivery error is returned alongside
// the event.
func (m *Machine) Advance(ctx context.Context, ec *Context, target lifecycle.Stage, payload events.Payload) (events.Event, error) {
	if !ec.valid() {
		return events.Event{}, ErrInvalidContext
	}
	if !target.Emittable() {
		return events.Event{}, &lifecycle.InvalidTransitionError{TaskID: ec.taskID, From: ec.Stage(), To: target}
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.released {
		return events.Event{}, ErrUnknownContext
	}
	if err := lifecycle.Check(ec.taskID, ec.stage, target); err != nil {
		return events.Event{}, err
	}

	if target == lifecycle.StageError {
		if payload.Error == nil {
			payload.Error = &events.ErrorDetail{Kind: lifecycle.ErrorKindTaskFailed, Message: "Task failed."}
		}
	} else {
		payload.Error = nil
	}

	evt, queued, err := m.emitter.Emit(ctx, ec, target, payload)
	if !queued {
		if err == nil {
			err = fmt.Errorf("task %s: event was not queued", ec.taskID)
		}
		return events.Event{}, err
	}
	ec.stage = target
	if target.Terminal() {
		ec.terminalEnqueued = true
	}
	return evt, err
}

// Fail ends the task with a structured error event. It is legal from every
// non-terminal stage.
func (m *Machine) Fail(ctx context.Context, ec *Context, kind lifecycle.ErrorKind, message string) (events.Event, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultErrorMessage(kind)
	}
	return m.Advance(ctx, ec, lifecycle.StageError, events.Payload{
		Error: &events.ErrorDetail{
			Kind:      kind,
			Message:   message,
			Retryable: retryableKind(kind),
		},
	})
}

// Cancel ends the task with a cancellation error event.
func (m *Machine) Cancel(ctx context.Context, ec *Context, reason string) (events.Event, error) {
	return m.Fail(ctx, ec, lifecycle.ErrorKindCancelled, reason)
}

func defaultErrorMessage(kind lifecycle.ErrorKind) string {
	switch kind {
	case lifecycle.ErrorKindCancelled:
		return "Task was cancelled."
	case lifecycle.ErrorKindTimeout:
		return "Task took too long and was stopped."
	case lifecycle.ErrorKindIdleTimeout:
		return "Task stopped responding and was stopped."
	case lifecycle.ErrorKindDeliveryBackpressure:
		return "Task was stopped because its updates could not be delivered."
	case lifecycle.ErrorKindInternal:
		return "Task stopped because of an internal error."
	default:
		return "Task failed."
	}
}

func retryableKind(kind lifecycle.ErrorKind) bool {
	switch kind {
	case lifecycle.ErrorKindTimeout, lifecycle.ErrorKindIdleTimeout,
		lifecycle.ErrorKindDeliveryBackpressure, lifecycle.ErrorKindInternal:
		return true
	default:
		return false
	}
}
