package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskpulse/internal/eventlog"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

type fakeChannel struct {
	mu       sync.Mutex
	events   []events.Event
	notices  []Notice
	block    bool
	failOn   uint64
	closed   bool
	closedCh chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closedCh: make(chan struct{})}
}

func (f *fakeChannel) Deliver(ctx context.Context, evt events.Event) error {
	f.mu.Lock()
	block, failOn := f.block, f.failOn
	f.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closedCh:
			return errors.New("channel closed")
		}
	}
	if failOn != 0 && evt.Seq == failOn {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeChannel) Notify(_ context.Context, n Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeChannel) seqs(taskID string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for _, evt := range f.events {
		if evt.TaskID == taskID {
			out = append(out, evt.Seq)
		}
	}
	return out
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeChannel) noticeList() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notice(nil), f.notices...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var lifecyclePath = []lifecycle.Stage{
	lifecycle.StageStarted,
	lifecycle.StageThinking,
	lifecycle.StageToolExecuting,
	lifecycle.StageToolCompleted,
	lifecycle.StageCompleted,
}

func mkEvent(userID, taskID string, seq uint64) events.Event {
	return events.Event{
		UserID:    userID,
		TaskID:    taskID,
		Seq:       seq,
		Stage:     lifecyclePath[(seq-1)%uint64(len(lifecyclePath))],
		EmittedAt: time.Now().UTC(),
	}
}

func newTestDispatcher(t *testing.T, cfg Config, store eventlog.Store) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, NewRegistry(), store, nil, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func enqueueN(t *testing.T, d *Dispatcher, userID, taskID string, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		queued, err := d.Enqueue(context.Background(), mkEvent(userID, taskID, seq))
		require.NoError(t, err)
		require.True(t, queued)
	}
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string, args ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, fmt.Sprintf(msg, args...))
}

func TestRegistryLookupAndDeregister(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("u1", "c1", newFakeChannel(), nil)
	require.NoError(t, err)
	_, err = r.Register("u1", "c2", newFakeChannel(), nil)
	require.NoError(t, err)
	_, err = r.Register("u2", "c3", newFakeChannel(), nil)
	require.NoError(t, err)

	_, err = r.Register("u2", "c1", newFakeChannel(), nil)
	require.ErrorIs(t, err, ErrDuplicateConnection)
	_, err = r.Register("", "c9", newFakeChannel(), nil)
	require.Error(t, err)
	_, err = r.Register("u1", "c9", nil, nil)
	require.Error(t, err)

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.Lookup("u1"))
	assert.Equal(t, []string{"c3"}, r.Lookup("u2"))
	assert.Empty(t, r.Lookup("u3"))
	assert.Equal(t, 3, r.Count())

	assert.True(t, r.Deregister("c1"))
	assert.False(t, r.Deregister("c1"))
	assert.Equal(t, []string{"c2"}, r.Lookup("u1"))
	assert.Equal(t, 2, r.Count())
}

func TestEnqueueDeliversOnlyToOwningUser(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	a, b, other := newFakeChannel(), newFakeChannel(), newFakeChannel()
	_, err := d.Registry().Register("u1", "a", a, nil)
	require.NoError(t, err)
	_, err = d.Registry().Register("u1", "b", b, nil)
	require.NoError(t, err)
	_, err = d.Registry().Register("u2", "o", other, nil)
	require.NoError(t, err)

	enqueueN(t, d, "u1", "t1", 1, 3)

	for name, ch := range map[string]*fakeChannel{"a": a, "b": b} {
		eventually(t, func() bool { return len(ch.seqs("t1")) == 3 }, "connection %s", name)
		assert.Equal(t, seqRange(1, 3), ch.seqs("t1"))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, other.count())
	eventually(t, func() bool { return d.Pending() == 0 }, "pending drains")
}

func TestReplayResumesAfterAcknowledgedSeq(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	enqueueN(t, d, "u1", "t1", 1, 5)

	ch := newFakeChannel()
	conn, err := d.Registry().Register("u1", "c1", ch, map[string]uint64{"t1": 3})
	require.NoError(t, err)

	eventually(t, func() bool { return len(ch.seqs("t1")) == 2 }, "replay")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint64{4, 5}, ch.seqs("t1"))
	assert.Equal(t, uint64(3), conn.LastAcked("t1"))
	assert.Equal(t, uint64(5), conn.LastWritten("t1"))
}

func TestReplayWithoutResumeSendsAllRetained(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	enqueueN(t, d, "u1", "t1", 1, 3)
	enqueueN(t, d, "u1", "t2", 1, 2)

	ch := newFakeChannel()
	_, err := d.Registry().Register("u1", "c1", ch, nil)
	require.NoError(t, err)

	eventually(t, func() bool { return ch.count() == 5 }, "replay")
	assert.Equal(t, seqRange(1, 3), ch.seqs("t1"))
	assert.Equal(t, seqRange(1, 2), ch.seqs("t2"))
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	d := newTestDispatcher(t, Config{QueueCapacity: 4, EnqueueTimeout: 2 * time.Second, WriteTimeout: time.Minute}, nil)

	stuck, fast := newFakeChannel(), newFakeChannel()
	stuck.block = true
	_, err := d.Registry().Register("u1", "stuck", stuck, nil)
	require.NoError(t, err)
	_, err = d.Registry().Register("u1", "fast", fast, nil)
	require.NoError(t, err)

	const n = 40
	for seq := uint64(1); seq <= n; seq++ {
		evt := mkEvent("u1", "t1", seq)
		evt.Stage = lifecycle.StageThinking
		queued, err := d.Enqueue(context.Background(), evt)
		require.True(t, queued)
		require.NoError(t, err, "seq %d", seq)
	}
	eventually(t, func() bool { return fast.count() == n }, "fast connection drains")
	assert.Equal(t, seqRange(1, n), fast.seqs("t1"))
	assert.Zero(t, stuck.count())
}

func TestSaturatedQueueStillAcceptsAndReports(t *testing.T) {
	d := newTestDispatcher(t, Config{QueueCapacity: 2, EnqueueTimeout: 20 * time.Millisecond, WriteTimeout: time.Minute}, nil)

	stuck := newFakeChannel()
	stuck.block = true
	_, err := d.Registry().Register("u2", "stuck", stuck, nil)
	require.NoError(t, err)
	healthy := newFakeChannel()
	_, err = d.Registry().Register("u1", "healthy", healthy, nil)
	require.NoError(t, err)

	enqueueN(t, d, "u2", "t1", 1, 2)

	start := time.Now()
	queued, err := d.Enqueue(context.Background(), mkEvent("u2", "t1", 3))
	assert.True(t, queued)
	require.Error(t, err)
	assert.True(t, IsSaturated(err))
	assert.ErrorIs(t, err, ErrDelivery)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// Another user's producer and connection are unaffected.
	enqueueN(t, d, "u1", "t9", 1, 3)
	eventually(t, func() bool { return healthy.count() == 3 }, "healthy user drains")
}

func TestWriteFailureDeregistersAndKeepsEvents(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	broken := newFakeChannel()
	broken.failOn = 2
	_, err := d.Registry().Register("u1", "c1", broken, nil)
	require.NoError(t, err)

	enqueueN(t, d, "u1", "t1", 1, 3)
	eventually(t, func() bool { return d.Registry().Count() == 0 }, "broken connection deregistered")
	assert.True(t, broken.isClosed())
	assert.Equal(t, []uint64{1}, broken.seqs("t1"))

	fresh := newFakeChannel()
	_, err = d.Registry().Register("u1", "c2", fresh, map[string]uint64{"t1": 1})
	require.NoError(t, err)
	eventually(t, func() bool { return len(fresh.seqs("t1")) == 2 }, "replay after reconnect")
	assert.Equal(t, []uint64{2, 3}, fresh.seqs("t1"))
}

func TestEnqueueRejectsOutOfOrderAndPostTerminal(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)

	queued, err := d.Enqueue(context.Background(), mkEvent("u1", "t1", 2))
	assert.False(t, queued)
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ReasonOutOfOrder, derr.Reason)

	enqueueN(t, d, "u1", "t1", 1, 5)
	queued, err = d.Enqueue(context.Background(), mkEvent("u1", "t1", 6))
	assert.False(t, queued)
	require.ErrorAs(t, err, &derr)
}

func TestEnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(Config{}, NewRegistry(), nil, nil, nil)
	require.NoError(t, d.Close())
	queued, err := d.Enqueue(context.Background(), mkEvent("u1", "t1", 1))
	assert.False(t, queued)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrDelivery)
}

func TestCloseClosesConnections(t *testing.T) {
	d := NewDispatcher(Config{WriteTimeout: time.Minute}, NewRegistry(), nil, nil, nil)
	stuck := newFakeChannel()
	stuck.block = true
	_, err := d.Registry().Register("u1", "c1", stuck, nil)
	require.NoError(t, err)
	enqueueN(t, d, "u1", "t1", 1, 1)

	require.NoError(t, d.Close())
	assert.True(t, stuck.isClosed())
	assert.Zero(t, d.Registry().Count())
}

func TestPrunedRangeIsBackfilledFromStore(t *testing.T) {
	store := eventlog.NewInMemoryStore(0, 0)
	d := newTestDispatcher(t, Config{}, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	first := newFakeChannel()
	_, err := d.Registry().Register("u1", "c1", first, nil)
	require.NoError(t, err)
	enqueueN(t, d, "u1", "t1", 1, 3)
	eventually(t, func() bool { return first.count() == 3 }, "first connection drains")
	eventually(t, func() bool {
		got, err := store.ListEvents(ctx, "u1", "t1", 0, 0)
		return err == nil && len(got) == 3
	}, "store mirror")

	removed, expired := d.Prune(time.Now().Add(time.Hour))
	assert.Equal(t, 3, removed)
	assert.Zero(t, expired)

	enqueueN(t, d, "u1", "t1", 4, 4)
	late := newFakeChannel()
	_, err = d.Registry().Register("u1", "c2", late, nil)
	require.NoError(t, err)
	eventually(t, func() bool { return late.count() == 4 }, "backfill + live")
	assert.Equal(t, seqRange(1, 4), late.seqs("t1"))
	assert.Empty(t, late.noticeList())
}

func TestPrunedRangeWithoutStoreSendsNotice(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	enqueueN(t, d, "u1", "t1", 1, 3)

	removed, expired := d.Prune(time.Now().Add(time.Hour))
	assert.Equal(t, 3, removed)
	assert.Equal(t, 3, expired)
	assert.Zero(t, d.Pending())

	enqueueN(t, d, "u1", "t1", 4, 4)
	ch := newFakeChannel()
	_, err := d.Registry().Register("u1", "c1", ch, nil)
	require.NoError(t, err)

	eventually(t, func() bool { return ch.count() == 1 }, "live event after notice")
	notices := ch.noticeList()
	require.Len(t, notices, 1)
	assert.Equal(t, Notice{
		Code:    NoticeReplayTruncated,
		TaskID:  "t1",
		FromSeq: 1,
		ToSeq:   3,
		Detail:  notices[0].Detail,
	}, notices[0])
	assert.Equal(t, []uint64{4}, ch.seqs("t1"))
}

func TestPruneForgetsFinishedTasks(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	ch := newFakeChannel()
	_, err := d.Registry().Register("u1", "c1", ch, nil)
	require.NoError(t, err)
	enqueueN(t, d, "u1", "t1", 1, 5)
	eventually(t, func() bool { return ch.count() == 5 }, "drained")
	require.True(t, d.HasTask("u1", "t1"))

	d.Prune(time.Now())
	assert.True(t, d.HasTask("u1", "t1"), "recent events are retained")

	d.Prune(time.Now().Add(time.Hour))
	assert.False(t, d.HasTask("u1", "t1"))

	// The user's queue was retired; producers get a fresh one.
	enqueueN(t, d, "u1", "t2", 1, 1)
	eventually(t, func() bool { return len(ch.seqs("t2")) == 1 }, "fresh queue delivers")
}

func TestTaskKnownSurvivesPrune(t *testing.T) {
	store := eventlog.NewInMemoryStore(0, 0)
	d := newTestDispatcher(t, Config{}, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	known, err := d.TaskKnown(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.False(t, known)

	enqueueN(t, d, "u1", "t1", 1, 5)
	eventually(t, func() bool {
		evts, err := store.ListEvents(ctx, "u1", "t1", 0, 0)
		return err == nil && len(evts) == 5
	}, "mirrored to event log")

	d.Prune(time.Now().Add(time.Hour))
	require.False(t, d.HasTask("u1", "t1"))

	known, err = d.TaskKnown(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.True(t, known, "event log still holds the task")

	known, err = d.TaskKnown(ctx, "u2", "t1")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestTaskEventsFallsBackToStore(t *testing.T) {
	store := eventlog.NewInMemoryStore(0, 0)
	d := newTestDispatcher(t, Config{}, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	enqueueN(t, d, "u1", "t1", 1, 3)
	got, err := d.TaskEvents(ctx, "u1", "t1", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)

	_, err = d.TaskEvents(ctx, "u2", "t1", 0, 0)
	assert.ErrorIs(t, err, ErrUnknownTask)

	eventually(t, func() bool {
		got, err := store.ListEvents(ctx, "u1", "t1", 0, 0)
		return err == nil && len(got) == 3
	}, "store mirror")
	d.Prune(time.Now().Add(time.Hour))
	got, err = d.TaskEvents(ctx, "u1", "t1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestAckIsBoundedByWrittenCursor(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	ch := newFakeChannel()
	conn, err := d.Registry().Register("u1", "c1", ch, nil)
	require.NoError(t, err)
	enqueueN(t, d, "u1", "t1", 1, 2)
	eventually(t, func() bool { return ch.count() == 2 }, "drained")

	assert.False(t, conn.Ack("t1", 5))
	assert.True(t, conn.Ack("t1", 2))
	assert.False(t, conn.Ack("t1", 1))
	require.NoError(t, d.Ack("c1", "t1", 2))
	assert.ErrorIs(t, d.Ack("missing", "t1", 1), ErrUnknownConnection)

	rec := conn.Record()
	assert.Equal(t, uint64(2), rec.LastAcked["t1"])
	assert.Equal(t, uint64(2), rec.LastWritten["t1"])
}

type recordingTap struct {
	mu      sync.Mutex
	seen    []string
	notices []Notice
}

func (r *recordingTap) ObserveEvent(c *Connection, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, fmt.Sprintf("%s/%s/%d", c.ID(), evt.TaskID, evt.Seq))
}

func (r *recordingTap) ObserveNotice(_ *Connection, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingTap) snapshot() ([]string, []Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...), append([]Notice(nil), r.notices...)
}

func TestTapSeesEveryWrite(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil)
	tap := &recordingTap{}
	d.SetTap(tap)
	enqueueN(t, d, "u1", "t1", 1, 2)
	d.Prune(time.Now().Add(time.Hour))
	enqueueN(t, d, "u1", "t1", 3, 3)

	_, err := d.Registry().Register("u1", "c1", newFakeChannel(), nil)
	require.NoError(t, err)

	eventually(t, func() bool {
		seen, _ := tap.snapshot()
		return len(seen) == 1
	}, "tap")
	seen, notices := tap.snapshot()
	assert.Equal(t, []string{"c1/t1/3"}, seen)
	require.Len(t, notices, 1)
	assert.Equal(t, uint64(1), notices[0].FromSeq)
	assert.Equal(t, uint64(2), notices[0].ToSeq)
}
