package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/taskpulse/internal/events"
)

var errQueueRetired = errors.New("queue retired")

// Queue is the per-user delivery log. Each task keeps its events in seq
// order; an event counts against capacity until it has been written to at
// least one connection.
type Queue struct {
	mu       sync.Mutex
	userID   string
	capacity int
	tasks    map[string]*taskLog
	order    []string
	pending  int
	room     chan struct{}
	total    *atomic.Int64
	retired  bool
}

type taskLog struct {
	entries  []entry
	lastSeq  uint64
	terminal bool
}

type entry struct {
	evt       events.Event
	drainedAt time.Time
}

// taskBatch is the next run of events a connection has not seen for one
// task. gapTo > 0 means seqs gapFrom..gapTo are no longer retained.
type taskBatch struct {
	taskID  string
	gapFrom uint64
	gapTo   uint64
	events  []events.Event
}

func newQueue(userID string, capacity int, total *atomic.Int64) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if total == nil {
		total = new(atomic.Int64)
	}
	return &Queue{
		userID:   userID,
		capacity: capacity,
		tasks:    make(map[string]*taskLog),
		room:     make(chan struct{}),
		total:    total,
	}
}

// waitForRoom blocks until the queue is under capacity, timeout elapses or
// ctx is done. It never refuses; saturated tells the caller the event is
// being appended over capacity.
func (q *Queue) waitForRoom(ctx context.Context, timeout time.Duration) (waited time.Duration, saturated bool, err error) {
	start := time.Now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.mu.Lock()
		if q.pending < q.capacity {
			q.mu.Unlock()
			return time.Since(start), false, nil
		}
		room := q.room
		q.mu.Unlock()

		if timeout <= 0 {
			return time.Since(start), true, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-room:
		case <-timer.C:
			return time.Since(start), true, nil
		case <-ctx.Done():
			return time.Since(start), true, ctx.Err()
		}
	}
}

func (q *Queue) append(evt events.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.retired {
		return errQueueRetired
	}
	tl, ok := q.tasks[evt.TaskID]
	if !ok {
		tl = &taskLog{}
		q.tasks[evt.TaskID] = tl
		q.order = append(q.order, evt.TaskID)
	}
	if tl.terminal || evt.Seq != tl.lastSeq+1 {
		return &DeliveryError{
			Reason: ReasonOutOfOrder,
			UserID: evt.UserID,
			TaskID: evt.TaskID,
			Seq:    evt.Seq,
		}
	}
	tl.entries = append(tl.entries, entry{evt: evt.Clone()})
	tl.lastSeq = evt.Seq
	tl.terminal = evt.Terminal()
	q.pending++
	q.total.Add(1)
	return nil
}

// collect returns, per task in first-seen order, the events after each
// cursor. A missing cursor means the connection has seen nothing.
func (q *Queue) collect(cursors map[string]uint64, limit int) []taskBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		out   []taskBatch
		count int
	)
	for _, taskID := range q.order {
		if limit > 0 && count >= limit {
			break
		}
		tl := q.tasks[taskID]
		cursor := cursors[taskID]
		if tl == nil || tl.lastSeq <= cursor {
			continue
		}
		b := taskBatch{taskID: taskID}
		firstRetained := tl.lastSeq + 1
		if len(tl.entries) > 0 {
			firstRetained = tl.entries[0].evt.Seq
		}
		if firstRetained > cursor+1 {
			b.gapFrom = cursor + 1
			b.gapTo = firstRetained - 1
		}
		for _, e := range tl.entries {
			if e.evt.Seq <= cursor {
				continue
			}
			if limit > 0 && count >= limit {
				break
			}
			b.events = append(b.events, e.evt.Clone())
			count++
		}
		out = append(out, b)
	}
	return out
}

// markDrained records the first successful write of an event, releasing
// its capacity slot.
func (q *Queue) markDrained(taskID string, seq uint64, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tl := q.tasks[taskID]
	if tl == nil {
		return
	}
	released := 0
	for i := range tl.entries {
		e := &tl.entries[i]
		if e.evt.Seq > seq {
			break
		}
		if e.drainedAt.IsZero() {
			e.drainedAt = now
			released++
		}
	}
	q.releaseLocked(released)
}

func (q *Queue) releaseLocked(n int) {
	if n <= 0 {
		return
	}
	q.pending -= n
	q.total.Add(int64(-n))
	close(q.room)
	q.room = make(chan struct{})
}

// prune drops retained events older than retention from the front of each
// task log. Undrained events past retention are dropped too and reported as
// expired. Empty terminal logs are forgotten.
func (q *Queue) prune(now time.Time, retention time.Duration) (removed, expired int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-retention)
	keep := q.order[:0]
	for _, taskID := range q.order {
		tl := q.tasks[taskID]
		drop := 0
		for _, e := range tl.entries {
			if !e.drainedAt.IsZero() {
				if e.drainedAt.After(cutoff) {
					break
				}
			} else {
				if e.evt.EmittedAt.After(cutoff) {
					break
				}
				expired++
			}
			drop++
		}
		if drop > 0 {
			tl.entries = append([]entry(nil), tl.entries[drop:]...)
			removed += drop
		}
		if len(tl.entries) == 0 && tl.terminal {
			delete(q.tasks, taskID)
			continue
		}
		keep = append(keep, taskID)
	}
	q.order = keep
	q.releaseLocked(expired)
	return removed, expired
}

// retained returns events after afterSeq when the queue still holds every
// one of them.
func (q *Queue) retained(taskID string, afterSeq uint64, limit int) ([]events.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tl := q.tasks[taskID]
	if tl == nil {
		return nil, false
	}
	if len(tl.entries) == 0 {
		return nil, afterSeq >= tl.lastSeq
	}
	if tl.entries[0].evt.Seq > afterSeq+1 {
		return nil, false
	}
	out := make([]events.Event, 0, len(tl.entries))
	for _, e := range tl.entries {
		if e.evt.Seq <= afterSeq {
			continue
		}
		out = append(out, e.evt.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, true
}

func (q *Queue) hasTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[taskID]
	return ok
}

// retireIfEmpty marks an empty queue as unusable so a producer still holding
// it fetches a fresh one.
func (q *Queue) retireIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) > 0 {
		return false
	}
	q.retired = true
	return true
}

// Pending is the number of events not yet written to any connection.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
