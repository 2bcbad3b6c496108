package execution

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

type contextKey struct {
	userID string
	taskID string
}

// Factory creates one fresh Context per (user, task) invocation. It is the
// only component holding contexts by key and it never hands out a live
// context to anyone but the caller of Create.
type Factory struct {
	mu   sync.Mutex
	live map[contextKey]*Context
	now  func() time.Time
}

func NewFactory() *Factory {
	return &Factory{
		live: make(map[contextKey]*Context),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create returns a new Context in the created stage.
func (f *Factory) Create(userID, taskID string) (*Context, error) {
	userID = strings.TrimSpace(userID)
	taskID = strings.TrimSpace(taskID)
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	key := contextKey{userID: userID, taskID: taskID}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.live[key]; exists {
		return nil, &DuplicateTaskError{UserID: userID, TaskID: taskID}
	}
	c := &Context{
		userID:    userID,
		taskID:    taskID,
		createdAt: f.now(),
		stage:     lifecycle.StageCreated,
	}
	f.live[key] = c
	return c, nil
}

// Destroy releases c. Releasing a context before its terminal event was
// enqueued for delivery is a programming error and panics.
func (f *Factory) Destroy(c *Context) error {
	if !c.valid() {
		return ErrInvalidContext
	}
	key := contextKey{userID: c.userID, taskID: c.taskID}

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.live[key]
	if !ok || current != c {
		return ErrUnknownContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.terminalEnqueued {
		panic(fmt.Sprintf("execution: destroy of task %s (user %s) in stage %s before its terminal event was enqueued",
			c.taskID, c.userID, c.stage))
	}
	c.released = true
	delete(f.live, key)
	return nil
}

// Abandon releases a context that never had an event queued, for callers
// whose first emission was refused. Contexts with queued events must end
// with a terminal event and go through Destroy.
func (f *Factory) Abandon(c *Context) error {
	if !c.valid() {
		return ErrInvalidContext
	}
	key := contextKey{userID: c.userID, taskID: c.taskID}

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.live[key]
	if !ok || current != c {
		return ErrUnknownContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSeq != 0 {
		return fmt.Errorf("execution: task %s has %d queued events and cannot be abandoned", c.taskID, c.lastSeq)
	}
	c.released = true
	delete(f.live, key)
	return nil
}

// Get returns a snapshot of the live context for (userID, taskID).
func (f *Factory) Get(userID, taskID string) (Snapshot, error) {
	f.mu.Lock()
	c, ok := f.live[contextKey{userID: strings.TrimSpace(userID), taskID: strings.TrimSpace(taskID)}]
	f.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrUnknownContext
	}
	return c.Snapshot(), nil
}

// List returns snapshots of the user's live contexts, oldest first.
func (f *Factory) List(userID string) []Snapshot {
	userID = strings.TrimSpace(userID)
	f.mu.Lock()
	owned := make([]*Context, 0)
	for key, c := range f.live {
		if key.userID == userID {
			owned = append(owned, c)
		}
	}
	f.mu.Unlock()

	out := make([]Snapshot, 0, len(owned))
	for _, c := range owned {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// DuplicateTaskError is returned by Create when the task already has a live
// context for that user.
type DuplicateTaskError struct {
	UserID string
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already running for user %s", e.TaskID, e.UserID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }
