package execution

import (
	"context"
	"time"

	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

// Sink accepts emitted events for delivery. It reports queued=false only
// when the event was refused outright (for example during shutdown); an
// error with queued=true means the event is in the queue but delivery is
// degraded.
type Sink interface {
	Enqueue(ctx context.Context, evt events.Event) (queued bool, err error)
}

// Emitter turns a transition into an event with the next sequence number of
// the task. It is the single emission path for all task logic; the Machine
// calls it with the context locked.
type Emitter interface {
	Emit(ctx context.Context, ec *Context, stage lifecycle.Stage, payload events.Payload) (events.Event, bool, error)
}

// SinkEmitter is the Emitter backed by a delivery Sink.
type SinkEmitter struct {
	sink Sink
	now  func() time.Time
}

func NewEmitter(sink Sink) *SinkEmitter {
	return &SinkEmitter{
		sink: sink,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (e *SinkEmitter) Emit(ctx context.Context, ec *Context, stage lifecycle.Stage, payload events.Payload) (events.Event, bool, error) {
	evt := events.Event{
		TaskID:    ec.taskID,
		UserID:    ec.userID,
		Seq:       ec.nextSeqLocked(),
		Stage:     stage,
		Payload:   payload.Clone(),
		EmittedAt: e.now(),
	}
	queued, err := e.sink.Enqueue(ctx, evt.Clone())
	if !queued {
		// Give the number back so the stream stays gapless.
		ec.lastSeq--
	}
	return evt, queued, err
}
