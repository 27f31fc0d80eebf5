package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/catalog/internal/core"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Schema creates the job table.
const Schema = `CREATE TABLE IF NOT EXISTS catalog_jobs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	entity_kind      TEXT NOT NULL,
	file_ref         TEXT NOT NULL,
	query            JSONB NOT NULL DEFAULT '{}',
	abort_threshold  DOUBLE PRECISION NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	checkpoint       JSONB NOT NULL DEFAULT '{}',
	report           JSONB NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS catalog_jobs_created_idx ON catalog_jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS catalog_jobs_finished_idx ON catalog_jobs (finished_at) WHERE finished_at IS NOT NULL`

const jobColumns = `id, kind, entity_kind, file_ref, query, abort_threshold, status, reason,
	cancel_requested, checkpoint, report, created_at, started_at, finished_at, updated_at`

const activeStatuses = `('pending', 'running')`

// PgStore is a Store in PostgreSQL. Terminal rows are protected by the
// status guard on every UPDATE.
type PgStore struct {
	db DBTX
}

// NewPgStore creates a PgStore over db.
func NewPgStore(db DBTX) *PgStore {
	return &PgStore{db: db}
}

// EnsureSchema creates the job table.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create job table: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *PgStore) Create(ctx context.Context, j *Job) error {
	query, checkpoint, report, err := marshalJSON(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO catalog_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.ID, string(j.Kind), j.EntityKind, j.FileRef, query, j.AbortThreshold, string(j.Status), j.Reason,
		j.CancelRequested, checkpoint, report, j.CreatedAt, j.StartedAt, j.FinishedAt, j.UpdatedAt)
	if err != nil {
		return classify("create job", err)
	}
	return nil
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM catalog_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get job", err)
	}
	return j, nil
}

// Save implements Store.
func (s *PgStore) Save(ctx context.Context, j *Job) error {
	_, checkpoint, report, err := marshalJSON(j)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, `UPDATE catalog_jobs
		SET status = $2, reason = $3, checkpoint = $4, report = $5,
			started_at = $6, finished_at = $7, updated_at = $8,
			cancel_requested = cancel_requested OR $9
		WHERE id = $1 AND status IN `+activeStatuses+`
		RETURNING cancel_requested`,
		j.ID, string(j.Status), j.Reason, checkpoint, report,
		j.StartedAt, j.FinishedAt, j.UpdatedAt, j.CancelRequested,
	).Scan(&j.CancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.guardError(ctx, j.ID)
	}
	if err != nil {
		return classify("save job", err)
	}
	return nil
}

// RequestCancel implements Store.
func (s *PgStore) RequestCancel(ctx context.Context, id string, now time.Time) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `UPDATE catalog_jobs SET
			cancel_requested = TRUE,
			updated_at = $2,
			reason = CASE WHEN status = 'pending' THEN $3 ELSE reason END,
			finished_at = CASE WHEN status = 'pending' THEN $2 ELSE finished_at END,
			status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END
		WHERE id = $1 AND status IN `+activeStatuses+`
		RETURNING `+jobColumns,
		id, now, reasonCancelledBeforeStart))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return cur, fmt.Errorf("job %s is %s: %w", id, cur.Status, core.ErrConflict)
	}
	if err != nil {
		return nil, classify("cancel job", err)
	}
	return j, nil
}

// List implements Store.
func (s *PgStore) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM catalog_jobs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify("list jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return out, nil
}

// Purge implements Store.
func (s *PgStore) Purge(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `DELETE FROM catalog_jobs WHERE id IN (
			SELECT id FROM catalog_jobs
			WHERE status NOT IN `+activeStatuses+` AND finished_at < $1
			ORDER BY finished_at, id
			LIMIT $2
		)
		RETURNING `+jobColumns, cutoff, limit)
	if err != nil {
		return nil, classify("purge jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify("purge jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("purge jobs", err)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FinishedAt.Before(*out[b].FinishedAt) })
	return out, nil
}

func (s *PgStore) guardError(ctx context.Context, id string) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, cur.Status, core.ErrConflict)
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j                         Job
		kind, status              string
		query, checkpoint, report []byte
	)
	err := row.Scan(&j.ID, &kind, &j.EntityKind, &j.FileRef, &query, &j.AbortThreshold, &status, &j.Reason,
		&j.CancelRequested, &checkpoint, &report, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)

	if err := json.Unmarshal(query, &j.Query); err != nil {
		return nil, fmt.Errorf("decode job query: %w", err)
	}
	if err := json.Unmarshal(checkpoint, &j.Checkpoint); err != nil {
		return nil, fmt.Errorf("decode job checkpoint: %w", err)
	}
	if err := json.Unmarshal(report, &j.Report); err != nil {
		return nil, fmt.Errorf("decode job report: %w", err)
	}
	return &j, nil
}

func marshalJSON(j *Job) (query, checkpoint, report []byte, err error) {
	if query, err = json.Marshal(j.Query); err != nil {
		return nil, nil, nil, fmt.Errorf("encode job query: %w", err)
	}
	if checkpoint, err = json.Marshal(j.Checkpoint); err != nil {
		return nil, nil, nil, fmt.Errorf("encode job checkpoint: %w", err)
	}
	if report, err = json.Marshal(j.Report); err != nil {
		return nil, nil, nil, fmt.Errorf("encode job report: %w", err)
	}
	return query, checkpoint, report, nil
}

func classify(op string, err error) error {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return core.Transient(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, core.ErrConflict)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "53300":
			return core.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
