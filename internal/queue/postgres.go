package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/catalog/internal/core"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Schema creates the task table.
const Schema = `CREATE TABLE IF NOT EXISTS catalog_tasks (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	job_id        TEXT NOT NULL,
	attempt       INT NOT NULL DEFAULT 0,
	not_before    TIMESTAMPTZ NOT NULL,
	claimed_until TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS catalog_tasks_ready_idx ON catalog_tasks (not_before, created_at)`

const claimSQL = `UPDATE catalog_tasks
SET attempt = attempt + 1, claimed_until = $1
WHERE id = (
	SELECT id FROM catalog_tasks
	WHERE not_before <= $2 AND (claimed_until IS NULL OR claimed_until <= $2)
	ORDER BY not_before, created_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, kind, job_id, attempt, not_before, created_at`

// PgQueue is a Queue stored in PostgreSQL. Concurrent claimers never block
// each other: rows locked by one claim are skipped by the others.
type PgQueue struct {
	db   DBTX
	opts options
}

// NewPgQueue creates a PgQueue over db.
func NewPgQueue(db DBTX, opts ...Option) *PgQueue {
	return &PgQueue{db: db, opts: buildOptions(opts)}
}

// EnsureSchema creates the task table.
func (q *PgQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create task table: %w", err)
	}
	return nil
}

// Enqueue implements Queue.
func (q *PgQueue) Enqueue(ctx context.Context, t Task) (Task, error) {
	now := q.opts.now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	t.CreatedAt = now
	t.Attempt = 0

	_, err := q.db.Exec(ctx,
		`INSERT INTO catalog_tasks (id, kind, job_id, attempt, not_before, created_at) VALUES ($1, $2, $3, 0, $4, $5)`,
		t.ID, t.Kind, t.JobID, t.NotBefore, t.CreatedAt)
	if err != nil {
		return Task{}, classify("enqueue", err)
	}
	return t, nil
}

// Claim implements Queue.
func (q *PgQueue) Claim(ctx context.Context) (Task, error) {
	now := q.opts.now().UTC()

	var (
		t  Task
		id uuid.UUID
	)
	err := q.db.QueryRow(ctx, claimSQL, now.Add(q.opts.lease), now).
		Scan(&id, &t.Kind, &t.JobID, &t.Attempt, &t.NotBefore, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrEmpty
	}
	if err != nil {
		return Task{}, classify("claim", err)
	}
	t.ID = id.String()
	return t, nil
}

// Ack implements Queue.
func (q *PgQueue) Ack(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM catalog_tasks WHERE id = $1`, id)
	if err != nil {
		return classify("ack", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Nack implements Queue.
func (q *PgQueue) Nack(ctx context.Context, id string, retryAfter time.Duration) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE catalog_tasks SET claimed_until = NULL, not_before = $2 WHERE id = $1`,
		id, q.opts.now().UTC().Add(retryAfter))
	if err != nil {
		return classify("nack", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Extend implements Extender.
func (q *PgQueue) Extend(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE catalog_tasks SET claimed_until = $2 WHERE id = $1 AND claimed_until IS NOT NULL`,
		id, q.opts.now().UTC().Add(q.opts.lease))
	if err != nil {
		return classify("extend", err)
	}
	return nil
}

func classify(op string, err error) error {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return core.Transient(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "53300") {
		return core.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
