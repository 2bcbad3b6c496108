package eventlog

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/taskpulse/internal/events"
)

var ErrStoreNotFound = errors.New("task events not found in store")

// Store keeps emitted events beyond the in-memory replay window. Writes are
// idempotent on (user_id, task_id, seq).
type Store interface {
	AppendEvent(ctx context.Context, evt events.Event) error
	ListEvents(ctx context.Context, userID, taskID string, afterSeq uint64, limit int) ([]events.Event, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(0, 0), "in-memory", nil
	}
	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return st, "postgres", nil
}
