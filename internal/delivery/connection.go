package delivery

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connection is one registered client stream. Cursors are per task: written
// is the highest seq handed to the channel, acked the highest seq the client
// confirmed.
type Connection struct {
	id         string
	userID     string
	channel    Channel
	attachedAt time.Time

	mu      sync.Mutex
	written map[string]uint64
	acked   map[string]uint64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dead      atomic.Bool
}

// ConnectionRecord is a read-only view of a Connection.
type ConnectionRecord struct {
	ConnectionID string            `json:"connection_id"`
	UserID       string            `json:"user_id"`
	AttachedAt   time.Time         `json:"attached_at"`
	LastAcked    map[string]uint64 `json:"last_acked"`
	LastWritten  map[string]uint64 `json:"last_written"`
}

func newConnection(userID, connectionID string, channel Channel, resume map[string]uint64, now time.Time) *Connection {
	c := &Connection{
		id:         connectionID,
		userID:     userID,
		channel:    channel,
		attachedAt: now,
		written:    make(map[string]uint64, len(resume)),
		acked:      make(map[string]uint64, len(resume)),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for taskID, seq := range resume {
		if taskID == "" || seq == 0 {
			continue
		}
		c.written[taskID] = seq
		c.acked[taskID] = seq
	}
	return c
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) UserID() string        { return c.userID }
func (c *Connection) AttachedAt() time.Time { return c.attachedAt }
func (c *Connection) Done() <-chan struct{} { return c.done }

// Ack raises the acknowledged cursor for taskID. Acks beyond what was
// written, or below the current ack, are ignored.
func (c *Connection) Ack(taskID string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.written[taskID] || seq <= c.acked[taskID] {
		return false
	}
	c.acked[taskID] = seq
	return true
}

func (c *Connection) LastAcked(taskID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked[taskID]
}

func (c *Connection) LastWritten(taskID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written[taskID]
}

func (c *Connection) Record() ConnectionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := ConnectionRecord{
		ConnectionID: c.id,
		UserID:       c.userID,
		AttachedAt:   c.attachedAt,
		LastAcked:    make(map[string]uint64, len(c.acked)),
		LastWritten:  make(map[string]uint64, len(c.written)),
	}
	for k, v := range c.acked {
		rec.LastAcked[k] = v
	}
	for k, v := range c.written {
		rec.LastWritten[k] = v
	}
	return rec
}

func (c *Connection) cursors() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.written))
	for k, v := range c.written {
		out[k] = v
	}
	return out
}

func (c *Connection) advance(taskID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.written[taskID] {
		c.written[taskID] = seq
	}
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.channel.Close()
	})
	return err
}
