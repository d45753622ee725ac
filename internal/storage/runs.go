package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

const runColumns = `id, kind, idempotency_key, status, input, output,
	error_kind, error_message, created_at, updated_at, started_at, completed_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run     model.Run
		kind    string
		status  string
		errKind *string
	)
	err := row.Scan(
		&run.ID, &kind, &run.IdempotencyKey, &status, &run.Input, &run.Output,
		&errKind, &run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	run.Kind = model.RunKind(kind)
	run.Status = model.RunStatus(status)
	if errKind != nil {
		ek := model.ErrorKind(*errKind)
		run.ErrorKind = &ek
	}
	return run, nil
}

// InsertRunIfAbsent atomically creates a pending run unless a non-terminal
// run already holds (kind, idempotency_key). This is the compare-and-create
// half of the idempotency gate: the partial unique index runs_active_key is
// the conflict target, so two concurrent callers can never both insert.
// Returns inserted=false (and no error) when the key is already held.
func (db *DB) InsertRunIfAbsent(ctx context.Context, run model.Run) (bool, error) {
	if run.Input == nil {
		run.Input = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, kind, idempotency_key, status, input, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (kind, idempotency_key)
		 WHERE status IN ('pending', 'running', 'pending_review')
		 DO NOTHING`,
		run.ID, string(run.Kind), run.IdempotencyKey, string(run.Status), run.Input, run.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetActiveRun returns the non-terminal run holding (kind, key), if any.
func (db *DB) GetActiveRun(ctx context.Context, kind model.RunKind, key string) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE kind = $1 AND idempotency_key = $2
		   AND status IN ('pending', 'running', 'pending_review')`,
		string(kind), key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get active run: %w", err)
	}
	return run, nil
}

// GetLatestRun returns the most recently created run for (kind, key)
// regardless of status.
func (db *DB) GetLatestRun(ctx context.Context, kind model.RunKind, key string) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE kind = $1 AND idempotency_key = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		string(kind), key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get latest run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ClaimNextPending atomically claims the oldest pending run for execution.
// SKIP LOCKED lets concurrent dispatcher workers claim distinct runs without
// serializing on one row. Returns ErrNotFound when nothing is pending.
func (db *DB) ClaimNextPending(ctx context.Context, now time.Time) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = 'running', started_at = $1, updated_at = $1
		 WHERE id = (
		   SELECT id FROM runs WHERE status = 'pending'
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+runColumns,
		now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: claim next pending: %w", err)
	}
	return run, nil
}

// ClaimRun claims one specific pending run. Exactly one of N concurrent
// claimers succeeds; the rest get ErrInvalidTransition.
func (db *DB) ClaimRun(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("storage: claim run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CompleteRun moves a running run to completed and records its output.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, output map[string]any, now time.Time) error {
	if output == nil {
		output = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'completed', output = $2, completed_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id, output, now,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkRunPendingReview records a report's output but parks it behind the
// approval gate instead of completing it.
func (db *DB) MarkRunPendingReview(ctx context.Context, id uuid.UUID, output map[string]any, now time.Time) error {
	if output == nil {
		output = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'pending_review', output = $2, updated_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id, output, now,
	)
	if err != nil {
		return fmt.Errorf("storage: mark run pending_review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ApproveRun is the explicit human action that moves pending_review to
// completed. completed_at is stamped at approval time, not render time.
func (db *DB) ApproveRun(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'completed', completed_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending_review'`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("storage: approve run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailRun moves a running run to failed with a coarse error kind. Failed is
// a sink; the run is never retried under the same id.
func (db *DB) FailRun(ctx context.Context, id uuid.UUID, kind model.ErrorKind, message string, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', error_kind = $2, error_message = $3,
		        completed_at = $4, updated_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, string(kind), message, now,
	)
	if err != nil {
		return fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ReapTimedOut force-fails runs of the given kind still running past the
// cutoff, returning the ids it reaped. This unsticks runs whose worker
// crashed without completing them.
func (db *DB) ReapTimedOut(ctx context.Context, kind model.RunKind, cutoff, now time.Time) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE runs SET status = 'failed', error_kind = $3, error_message = 'execution exceeded the maximum duration for this run kind',
		        completed_at = $4, updated_at = $4
		 WHERE kind = $1 AND status = 'running' AND started_at < $2
		 RETURNING id`,
		string(kind), cutoff, string(model.ErrKindTimeout), now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reap timed out runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan reaped run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRuns returns runs filtered by kind and/or status, newest first.
func (db *DB) ListRuns(ctx context.Context, kind *model.RunKind, status *model.RunStatus, limit int) ([]model.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE ($1::text IS NULL OR kind = $1)
		   AND ($2::text IS NULL OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		(*string)(kind), (*string)(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
