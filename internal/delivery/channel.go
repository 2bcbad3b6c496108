package delivery

import (
	"context"

	"github.com/ent0n29/taskpulse/internal/events"
)

const NoticeReplayTruncated = "replay_truncated"

// Notice is an out-of-band message about the stream itself, never a
// lifecycle event.
type Notice struct {
	Code    string `json:"code"`
	TaskID  string `json:"task_id,omitempty"`
	FromSeq uint64 `json:"from_seq,omitempty"`
	ToSeq   uint64 `json:"to_seq,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Channel is the write side of one client connection. Implementations must
// honor ctx deadlines; the dispatcher calls Deliver and Notify from a single
// goroutine per connection.
type Channel interface {
	Deliver(ctx context.Context, evt events.Event) error
	Notify(ctx context.Context, notice Notice) error
	Close() error
}
