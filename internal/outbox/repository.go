package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Repository reads and settles outbox rows. Claiming uses row locking
// so concurrent workers never double-publish a row.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new outbox repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FetchUnsent returns unsent events inside tx, oldest first, locked
// for update.
func (r *Repository) FetchUnsent(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, event_type, payload, created_at, attempts
		FROM session_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var evt OutboxEvent
		if err := rows.Scan(&evt.ID, &evt.UserID, &evt.EventType, &evt.Payload,
			&evt.CreatedAt, &evt.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// MarkSent stamps the given events as published.
func (r *Repository) MarkSent(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := idList(`UPDATE session_outbox SET sent_at = NOW() WHERE id IN (%s)`, ids)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox events sent: %w", err)
	}
	return nil
}

// RecordAttempts bumps the attempt counter for events that failed to
// publish this cycle.
func (r *Repository) RecordAttempts(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := idList(`UPDATE session_outbox SET attempts = attempts + 1 WHERE id IN (%s)`, ids)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record outbox attempts: %w", err)
	}
	return nil
}

func idList(format string, ids []uuid.UUID) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ", ")), args
}
