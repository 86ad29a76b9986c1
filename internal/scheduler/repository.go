package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mabry/pomosync/internal/models"
)

// Repository implements task persistence on Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new scheduler repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ TaskRepo = (*Repository)(nil)

const taskColumns = `task_id, user_id, kind, reset_spec_snapshot, timezone_snapshot,
	next_run_utc, last_run_utc, run_count, failure_count, is_active,
	created_at, updated_at`

// LoadDueTasks returns active tasks whose next run has elapsed, oldest
// first, capped at limit.
func (r *Repository) LoadDueTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledResetTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_reset_tasks
		WHERE is_active AND next_run_utc <= $1
		ORDER BY next_run_utc ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load due tasks: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledResetTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// GetTaskForUser returns the user's task of the given kind, or (nil, nil).
func (r *Repository) GetTaskForUser(ctx context.Context, userID string, kind models.TaskKind) (*models.ScheduledResetTask, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_reset_tasks
		WHERE user_id = $1 AND kind = $2`, userID, string(kind))

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// GetSystemTask returns the system-wide task of the given kind, or
// (nil, nil) when it has not been seeded.
func (r *Repository) GetSystemTask(ctx context.Context, kind models.TaskKind) (*models.ScheduledResetTask, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_reset_tasks
		WHERE user_id IS NULL AND kind = $1`, string(kind))

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system task: %w", err)
	}
	return task, nil
}

// UpsertTask creates or replaces a task keyed by (user_id, kind) for
// user tasks and by task_id for system tasks.
func (r *Repository) UpsertTask(ctx context.Context, task *models.ScheduledResetTask) error {
	specBytes, err := json.Marshal(task.ResetSpecSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal reset spec snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_reset_tasks
			(task_id, user_id, kind, reset_spec_snapshot, timezone_snapshot,
			 next_run_utc, last_run_utc, run_count, failure_count, is_active,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id) DO UPDATE SET
			reset_spec_snapshot = EXCLUDED.reset_spec_snapshot,
			timezone_snapshot = EXCLUDED.timezone_snapshot,
			next_run_utc = EXCLUDED.next_run_utc,
			last_run_utc = EXCLUDED.last_run_utc,
			run_count = EXCLUDED.run_count,
			failure_count = EXCLUDED.failure_count,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		task.TaskID, nullString(task.UserID), string(task.Kind), specBytes,
		task.TimezoneSnapshot, task.NextRunUTC, nullTime(task.LastRunUTC),
		task.RunCount, task.FailureCount, task.IsActive,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// RecordRun persists the outcome of one execution: counters, last run,
// next run and active flag.
func (r *Repository) RecordRun(ctx context.Context, task *models.ScheduledResetTask) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_reset_tasks SET
			next_run_utc = $2,
			last_run_utc = $3,
			run_count = $4,
			failure_count = $5,
			is_active = $6,
			updated_at = $7
		WHERE task_id = $1`,
		task.TaskID, task.NextRunUTC, nullTime(task.LastRunUTC),
		task.RunCount, task.FailureCount, task.IsActive, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}
	return nil
}

// DeactivateTask flags a task out of scheduling without deleting it.
func (r *Repository) DeactivateTask(ctx context.Context, taskID uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_reset_tasks
		SET is_active = FALSE, updated_at = $2
		WHERE task_id = $1`, taskID, now)
	if err != nil {
		return fmt.Errorf("failed to deactivate task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.ScheduledResetTask, error) {
	var task models.ScheduledResetTask
	var userID sql.NullString
	var specBytes []byte
	var lastRun sql.NullTime

	if err := row.Scan(&task.TaskID, &userID, &task.Kind, &specBytes,
		&task.TimezoneSnapshot, &task.NextRunUTC, &lastRun, &task.RunCount,
		&task.FailureCount, &task.IsActive, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		task.UserID = &userID.String
	}
	if len(specBytes) > 0 {
		if err := json.Unmarshal(specBytes, &task.ResetSpecSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reset spec snapshot: %w", err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time
		task.LastRunUTC = &t
	}
	return &task, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
