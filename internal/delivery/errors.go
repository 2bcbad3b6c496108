package delivery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDelivery            = errors.New("delivery error")
	ErrClosed              = errors.New("dispatcher closed")
	ErrUnknownTask         = errors.New("task events not retained")
	ErrUnknownConnection   = errors.New("connection not registered")
	ErrDuplicateConnection = errors.New("connection already registered")
)

type Reason string

const (
	ReasonQueueSaturated Reason = "queue_saturated"
	ReasonWriteFailed    Reason = "write_failed"
	ReasonReplayGap      Reason = "replay_gap"
	ReasonClosed         Reason = "closed"
	ReasonOutOfOrder     Reason = "out_of_order"
	ReasonIsolation      Reason = "isolation"
	ReasonPersistFailed  Reason = "persist_failed"
)

// DeliveryError describes a failure on the path from emit to connection
// write. It always matches ErrDelivery and, when set, the underlying cause.
type DeliveryError struct {
	Reason       Reason
	UserID       string
	TaskID       string
	ConnectionID string
	Seq          uint64
	Err          error
}

func (e *DeliveryError) Error() string {
	parts := []string{"delivery " + string(e.Reason)}
	if e.UserID != "" {
		parts = append(parts, "user="+e.UserID)
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s seq=%d", e.TaskID, e.Seq))
	}
	if e.ConnectionID != "" {
		parts = append(parts, "connection="+e.ConnectionID)
	}
	msg := strings.Join(parts, " ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDelivery}
	}
	return []error{ErrDelivery, e.Err}
}

// IsSaturated reports whether err is a queue_saturated DeliveryError.
func IsSaturated(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Reason == ReasonQueueSaturated
}
