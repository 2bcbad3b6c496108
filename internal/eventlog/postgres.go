package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskpulse/internal/events"
	"github.com/ent0n29/taskpulse/internal/lifecycle"
)

// PostgresStore persists task events in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initEventSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initEventSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			stage TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			emitted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, task_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_emitted ON task_events (emitted_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init event schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_events (user_id, task_id, seq, stage, payload, emitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, task_id, seq) DO NOTHING`,
		evt.UserID,
		evt.TaskID,
		int64(evt.Seq),
		string(evt.Stage),
		payload,
		evt.EmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, userID, taskID string, afterSeq uint64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = defaultEventHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, task_id, seq, stage, payload, emitted_at
		   FROM task_events
		  WHERE user_id=$1 AND task_id=$2 AND seq > $3
		  ORDER BY seq ASC
		  LIMIT $4`,
		userID, taskID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	out := make([]events.Event, 0, 16)
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task event rows: %w", err)
	}
	if len(out) == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM task_events WHERE user_id=$1 AND task_id=$2)`,
			userID, taskID,
		).Scan(&exists)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check task events: %w", err)
		}
		if !exists {
			return nil, ErrStoreNotFound
		}
	}
	return out, nil
}

func scanEventRow(row pgx.Row) (events.Event, error) {
	var (
		evt     events.Event
		seq     int64
		stage   string
		payload []byte
	)
	if err := row.Scan(&evt.UserID, &evt.TaskID, &seq, &stage, &payload, &evt.EmittedAt); err != nil {
		return events.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Stage = lifecycle.Stage(stage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return events.Event{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	evt.EmittedAt = evt.EmittedAt.UTC()
	return evt, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
