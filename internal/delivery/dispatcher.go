package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/taskpulse/internal/eventlog"
	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/observability"
	"github.com/ent0n29/taskpulse/internal/reliability"
)

const (
	defaultQueueCapacity  = 1024
	defaultEnqueueTimeout = 2 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultRetention      = 5 * time.Minute
	defaultPersistBuffer  = 4096
	defaultBatchSize      = 256

	persistAttempts    = 5
	persistTimeout     = 5 * time.Second
	persistBackoffBase = 50 * time.Millisecond
	persistBackoffCap  = 2 * time.Second
)

type Config struct {
	QueueCapacity   int
	EnqueueTimeout  time.Duration
	WriteTimeout    time.Duration
	Retention       time.Duration
	JanitorInterval time.Duration
	PersistBuffer   int
	BatchSize       int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.EnqueueTimeout < 0 {
		c.EnqueueTimeout = 0
	} else if c.EnqueueTimeout == 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = c.Retention / 4
		if c.JanitorInterval < time.Second {
			c.JanitorInterval = time.Second
		}
	}
	if c.PersistBuffer <= 0 {
		c.PersistBuffer = defaultPersistBuffer
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Dispatcher owns the per-user queues and one writer goroutine per
// registered connection. Producers only append; writers pull.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	store    eventlog.Store
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool

	pending   atomic.Int64
	persistCh chan events.Event
	tap       atomic.Pointer[tapHolder]

	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	writers   sync.WaitGroup
	workers   sync.WaitGroup
}

// NewDispatcher wires the dispatcher into registry. store and metrics may be
// nil.
func NewDispatcher(cfg Config, registry *Registry, store eventlog.Store, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:      cfg.withDefaults(),
		registry: registry,
		store:    store,
		metrics:  metrics,
		logger:   logger.With("component", "delivery"),
		queues:   make(map[string]*Queue),
		stop:     make(chan struct{}),
	}
	if store != nil {
		d.persistCh = make(chan events.Event, d.cfg.PersistBuffer)
	}
	registry.SetHooks(d.onRegister, d.onDeregister)
	return d
}

// Tap observes every successful write. Stream capture uses it.
// Implementations run on connection writer goroutines and must not block.
type Tap interface {
	ObserveEvent(conn *Connection, evt events.Event)
	ObserveNotice(conn *Connection, notice Notice)
}

type tapHolder struct{ tap Tap }

func (d *Dispatcher) SetTap(tap Tap) {
	if tap == nil {
		d.tap.Store(nil)
		return
	}
	d.tap.Store(&tapHolder{tap: tap})
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Start runs the retention janitor and the event log mirror until ctx is
// done or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.workers.Add(1)
		go d.janitor(ctx)
		if d.persistCh != nil {
			d.workers.Add(1)
			go d.persister()
		}
	})
}

// Close stops writers and background workers and closes every registered
// connection. Queued events are discarded with the process.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stop) })
	for _, conn := range d.registry.All() {
		d.registry.Deregister(conn.id)
	}
	d.writers.Wait()
	d.workers.Wait()
	return nil
}

// Enqueue appends evt to its user's queue and wakes that user's writers.
// queued is false only when the event was not accepted; a non-nil error
// with queued=true reports degraded delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, evt events.Event) (bool, error) {
	var (
		q         *Queue
		waited    time.Duration
		saturated bool
		waitErr   error
	)
	for {
		var err error
		q, err = d.queueFor(evt.UserID)
		if err != nil {
			return false, &DeliveryError{Reason: ReasonClosed, UserID: evt.UserID, TaskID: evt.TaskID, Seq: evt.Seq, Err: err}
		}
		waited, saturated, waitErr = q.waitForRoom(ctx, d.cfg.EnqueueTimeout)
		err = q.append(evt)
		if errors.Is(err, errQueueRetired) {
			continue
		}
		if err != nil {
			d.metrics.ObserveDeliveryError(string(ReasonOutOfOrder))
			d.logger.Error("event rejected by queue",
				"user_id", evt.UserID, "task_id", evt.TaskID, "seq", evt.Seq, "error", err)
			return false, err
		}
		break
	}
	d.metrics.ObserveEnqueue(string(evt.Stage), waited)
	d.metrics.SetPending(int(d.pending.Load()))

	for _, conn := range d.registry.Connections(evt.UserID) {
		conn.signal()
	}
	d.persist(evt)

	if saturated {
		derr := &DeliveryError{
			Reason: ReasonQueueSaturated,
			UserID: evt.UserID,
			TaskID: evt.TaskID,
			Seq:    evt.Seq,
			Err:    waitErr,
		}
		d.metrics.ObserveDeliveryError(string(ReasonQueueSaturated))
		d.logger.Warn("delivery queue saturated",
			"user_id", evt.UserID, "task_id", evt.TaskID, "seq", evt.Seq,
			"pending", q.Pending(), "waited", waited)
		return true, derr
	}
	return true, nil
}

// Ack records a client acknowledgement on connectionID.
func (d *Dispatcher) Ack(connectionID, taskID string, seq uint64) error {
	conn, ok := d.registry.Get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	conn.Ack(taskID, seq)
	return nil
}

// HasTask reports whether the user's queue still holds a log for taskID.
func (d *Dispatcher) HasTask(userID, taskID string) bool {
	q := d.existingQueue(userID)
	return q != nil && q.hasTask(taskID)
}

// TaskKnown reports whether taskID already has events for the user, either
// retained in the queue or recorded in the event log after a prune.
func (d *Dispatcher) TaskKnown(ctx context.Context, userID, taskID string) (bool, error) {
	if d.HasTask(userID, taskID) {
		return true, nil
	}
	if d.store == nil {
		return false, nil
	}
	evts, err := d.store.ListEvents(ctx, userID, taskID, 0, 1)
	if errors.Is(err, eventlog.ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up stored task: %w", err)
	}
	return len(evts) > 0, nil
}

// TaskEvents returns the user's events for taskID after afterSeq, from the
// queue when it holds the whole range, otherwise from the event log.
func (d *Dispatcher) TaskEvents(ctx context.Context, userID, taskID string, afterSeq uint64, limit int) ([]events.Event, error) {
	if q := d.existingQueue(userID); q != nil {
		if evts, ok := q.retained(taskID, afterSeq, limit); ok {
			return evts, nil
		}
	}
	if d.store == nil {
		return nil, ErrUnknownTask
	}
	evts, err := d.store.ListEvents(ctx, userID, taskID, afterSeq, limit)
	if errors.Is(err, eventlog.ErrStoreNotFound) {
		return nil, ErrUnknownTask
	}
	if err != nil {
		return nil, fmt.Errorf("list stored events: %w", err)
	}
	return evts, nil
}

// Pending is the number of events not yet written to any connection.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

func (d *Dispatcher) queueFor(userID string) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	q, ok := d.queues[userID]
	if !ok {
		q = newQueue(userID, d.cfg.QueueCapacity, &d.pending)
		d.queues[userID] = q
	}
	return q, nil
}

func (d *Dispatcher) existingQueue(userID string) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[userID]
}

func (d *Dispatcher) onRegister(conn *Connection) {
	d.metrics.ConnectionOpened()
	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.writers.Add(1)
	}
	d.mu.Unlock()
	if closed {
		d.registry.Deregister(conn.id)
		return
	}
	d.logger.Info("connection registered", "user_id", conn.userID, "connection_id", conn.id)
	go d.run(conn)
}

func (d *Dispatcher) onDeregister(conn *Connection) {
	if err := conn.close(); err != nil {
		d.logger.Debug("connection close failed", "connection_id", conn.id, "error", err)
	}
	d.metrics.ConnectionClosed()
	d.logger.Info("connection deregistered", "user_id", conn.userID, "connection_id", conn.id)
}

// run is the connection's writer. The first drain replays everything after
// the client's resume cursors.
func (d *Dispatcher) run(conn *Connection) {
	defer d.writers.Done()
	replay := true
	for {
		if !d.drain(conn, replay) {
			return
		}
		replay = false
		select {
		case <-conn.wake:
		case <-conn.done:
			return
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) drain(conn *Connection, replay bool) bool {
	q := d.existingQueue(conn.userID)
	if q == nil {
		return true
	}
	for {
		select {
		case <-conn.done:
			return false
		case <-d.stop:
			return false
		default:
		}
		batches := q.collect(conn.cursors(), d.cfg.BatchSize)
		if len(batches) == 0 {
			return true
		}
		for _, b := range batches {
			if b.gapTo > 0 && !d.fillGap(conn, b) {
				return false
			}
			for _, evt := range b.events {
				if !d.write(conn, evt, replay) {
					return false
				}
				q.markDrained(evt.TaskID, evt.Seq, time.Now().UTC())
			}
		}
		d.metrics.SetPending(int(d.pending.Load()))
	}
}

func (d *Dispatcher) write(conn *Connection, evt events.Event, replay bool) bool {
	if evt.UserID != conn.userID {
		d.metrics.ObserveDeliveryError(string(ReasonIsolation))
		d.logger.Error("refusing cross-user write",
			"user_id", conn.userID, "event_user_id", evt.UserID,
			"task_id", evt.TaskID, "seq", evt.Seq, "connection_id", conn.id)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	err := conn.channel.Deliver(ctx, evt)
	cancel()
	if err != nil {
		d.fail(conn, evt.TaskID, evt.Seq, err)
		return false
	}
	conn.advance(evt.TaskID, evt.Seq)
	d.metrics.ObserveDelivered(string(evt.Stage), time.Since(evt.EmittedAt), replay)
	if h := d.tap.Load(); h != nil {
		h.tap.ObserveEvent(conn, evt)
	}
	return true
}

// fillGap covers seqs the queue no longer retains: first from the event
// log, then with a replay_truncated notice for whatever is still missing.
func (d *Dispatcher) fillGap(conn *Connection, b taskBatch) bool {
	next := b.gapFrom
	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		stored, err := d.store.ListEvents(ctx, conn.userID, b.taskID, b.gapFrom-1, int(b.gapTo-b.gapFrom+1))
		cancel()
		if err != nil && !errors.Is(err, eventlog.ErrStoreNotFound) {
			d.logger.Warn("event log backfill failed",
				"user_id", conn.userID, "task_id", b.taskID, "connection_id", conn.id, "error", err)
		}
		for _, evt := range stored {
			if evt.Seq != next || evt.Seq > b.gapTo {
				break
			}
			if !d.write(conn, evt, true) {
				return false
			}
			next++
		}
		if next > b.gapFrom {
			d.metrics.ObserveIndicator("store_backfill")
		}
	}
	if next > b.gapTo {
		return true
	}

	notice := Notice{
		Code:    NoticeReplayTruncated,
		TaskID:  b.taskID,
		FromSeq: next,
		ToSeq:   b.gapTo,
		Detail:  "events are outside the replay window",
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	err := conn.channel.Notify(ctx, notice)
	cancel()
	if err != nil {
		d.fail(conn, b.taskID, next, err)
		return false
	}
	conn.advance(b.taskID, b.gapTo)
	if h := d.tap.Load(); h != nil {
		h.tap.ObserveNotice(conn, notice)
	}
	d.metrics.ObserveDeliveryError(string(ReasonReplayGap))
	d.logger.Warn("replay truncated",
		"user_id", conn.userID, "task_id", b.taskID, "connection_id", conn.id,
		"from_seq", next, "to_seq", b.gapTo)
	return true
}

func (d *Dispatcher) fail(conn *Connection, taskID string, seq uint64, cause error) {
	if !conn.dead.CompareAndSwap(false, true) {
		return
	}
	derr := &DeliveryError{
		Reason:       ReasonWriteFailed,
		UserID:       conn.userID,
		TaskID:       taskID,
		ConnectionID: conn.id,
		Seq:          seq,
		Err:          cause,
	}
	d.metrics.ObserveDeliveryError(string(ReasonWriteFailed))
	d.logger.Warn("connection write failed", "user_id", conn.userID, "connection_id", conn.id,
		"task_id", taskID, "seq", seq, "error", derr)
	d.registry.Deregister(conn.id)
}

func (d *Dispatcher) persist(evt events.Event) {
	if d.persistCh == nil {
		return
	}
	select {
	case d.persistCh <- evt.Clone():
	default:
		d.metrics.ObserveDeliveryError(string(ReasonPersistFailed))
		d.logger.Warn("event log mirror buffer full", "user_id", evt.UserID, "task_id", evt.TaskID, "seq", evt.Seq)
	}
}

func (d *Dispatcher) persister() {
	defer d.workers.Done()
	for {
		select {
		case evt := <-d.persistCh:
			d.mirror(evt)
		case <-d.stop:
			for {
				select {
				case evt := <-d.persistCh:
					d.mirror(evt)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) mirror(evt events.Event) {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(reliability.ExponentialBackoff(attempt-1, persistBackoffBase, persistBackoffCap)):
			case <-d.stop:
				// Shutting down: one last try without waiting.
				attempt = persistAttempts - 1
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = d.store.AppendEvent(ctx, evt)
		cancel()
		if err == nil {
			return
		}
	}
	d.metrics.ObserveDeliveryError(string(ReasonPersistFailed))
	d.logger.Error("event log mirror failed",
		"user_id", evt.UserID, "task_id", evt.TaskID, "seq", evt.Seq, "error", err)
}

func (d *Dispatcher) janitor(ctx context.Context) {
	defer d.workers.Done()
	ticker := time.NewTicker(d.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.Prune(time.Now().UTC())
		}
	}
}

// Prune applies the retention window to every queue and forgets empty ones.
func (d *Dispatcher) Prune(now time.Time) (removed, expired int) {
	d.mu.Lock()
	queues := make(map[string]*Queue, len(d.queues))
	for userID, q := range d.queues {
		queues[userID] = q
	}
	d.mu.Unlock()

	for userID, q := range queues {
		r, e := q.prune(now, d.cfg.Retention)
		removed += r
		expired += e
		if e > 0 {
			d.logger.Warn("undelivered events expired", "user_id", userID, "count", e)
			d.metrics.ObserveIndicator("expired_undelivered")
		}
		d.mu.Lock()
		if d.queues[userID] == q && q.retireIfEmpty() {
			delete(d.queues, userID)
		}
		d.mu.Unlock()
	}
	d.metrics.SetPending(int(d.pending.Load()))
	return removed, expired
}
