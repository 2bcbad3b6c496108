package execution

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

var (
	ErrDuplicateTask  = errors.New("task already has a live execution context")
	ErrUnknownContext = errors.New("execution context not found")
	ErrInvalidContext = errors.New("execution context was not created by a factory")
)

// Context is the isolated execution state of one task invocation. It can
// only be obtained from Factory.Create and is never handed to a second task.
type Context struct {
	userID    string
	taskID    string
	createdAt time.Time

	mu               sync.Mutex
	stage            lifecycle.Stage
	lastSeq          uint64
	terminalEnqueued bool
	released         bool
}

// Snapshot is a read-only copy of a Context.
type Snapshot struct {
	UserID    string          `json:"user_id"`
	TaskID    string          `json:"task_id"`
	CreatedAt time.Time       `json:"created_at"`
	Stage     lifecycle.Stage `json:"stage"`
	LastSeq   uint64          `json:"last_seq"`
}

func (c *Context) UserID() string       { return c.userID }
func (c *Context) TaskID() string       { return c.taskID }
func (c *Context) CreatedAt() time.Time { return c.createdAt }

func (c *Context) Stage() lifecycle.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

func (c *Context) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		UserID:    c.userID,
		TaskID:    c.taskID,
		CreatedAt: c.createdAt,
		Stage:     c.stage,
		LastSeq:   c.lastSeq,
	}
}

func (c *Context) valid() bool {
	return c != nil && c.userID != "" && c.taskID != ""
}

// nextSeqLocked reserves the next sequence number. Callers hold c.mu.
func (c *Context) nextSeqLocked() uint64 {
	c.lastSeq++
	return c.lastSeq
}
