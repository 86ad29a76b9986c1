package sessioncount

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/outbox"
	"github.com/mabry/pomosync/internal/sqlutil"
)

// EventFilter narrows LoadEvents results.
type EventFilter struct {
	ResetType *models.ResetType
	Since     *time.Time
	Limit     int
}

// Repository implements Repo on Postgres. Configuration writes, audit
// events and outbox rows commit in a single transaction so a broadcast
// is never published for a mutation that did not land.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new session count repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Repo = (*Repository)(nil)

func newEventID() uuid.UUID {
	return uuid.New()
}

// LoadConfiguration fetches a user's configuration. Returns (nil, nil)
// when no record exists yet.
func (r *Repository) LoadConfiguration(ctx context.Context, userID string) (*models.UserResetConfiguration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, timezone, reset_spec, enabled, last_reset_utc,
		       today_count, manual_override, created_at, updated_at
		FROM session_reset_configurations
		WHERE user_id = $1`, userID)

	cfg, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfiguration upserts the configuration and, in the same
// transaction, appends the audit event and the outbox rows.
func (r *Repository) SaveConfiguration(ctx context.Context, cfg *models.UserResetConfiguration, audit *models.SessionResetEvent, pending []outbox.OutboxEvent) error {
	specBytes, err := json.Marshal(cfg.ResetSpec)
	if err != nil {
		return fmt.Errorf("failed to marshal reset spec: %w", err)
	}

	return sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_reset_configurations
				(user_id, timezone, reset_spec, enabled, last_reset_utc,
				 today_count, manual_override, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				timezone = EXCLUDED.timezone,
				reset_spec = EXCLUDED.reset_spec,
				enabled = EXCLUDED.enabled,
				last_reset_utc = EXCLUDED.last_reset_utc,
				today_count = EXCLUDED.today_count,
				manual_override = EXCLUDED.manual_override,
				updated_at = EXCLUDED.updated_at`,
			cfg.UserID, cfg.Timezone, specBytes, cfg.Enabled,
			nullTime(cfg.LastResetUTC), cfg.TodayCount, nullInt(cfg.ManualOverride),
			cfg.CreatedAt, cfg.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}

		if audit != nil {
			if err := appendEvent(ctx, tx, audit); err != nil {
				return err
			}
		}
		for _, evt := range pending {
			if err := insertOutbox(ctx, tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadEvents returns the audit trail for a user, newest first.
func (r *Repository) LoadEvents(ctx context.Context, userID string, filter EventFilter) ([]models.SessionResetEvent, error) {
	query := `
		SELECT event_id, user_id, reset_type, previous_count, new_count,
		       reset_timestamp_utc, local_reset_time, device_id, trigger_source
		FROM session_reset_events
		WHERE user_id = $1`
	args := []any{userID}

	if filter.ResetType != nil {
		args = append(args, string(*filter.ResetType))
		query += fmt.Sprintf(" AND reset_type = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND reset_timestamp_utc >= $%d", len(args))
	}
	query += " ORDER BY reset_timestamp_utc DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var out []models.SessionResetEvent
	for rows.Next() {
		var evt models.SessionResetEvent
		var deviceID sql.NullString
		if err := rows.Scan(&evt.EventID, &evt.UserID, &evt.ResetType,
			&evt.PreviousCount, &evt.NewCount, &evt.ResetTimestamp,
			&evt.LocalResetTime, &deviceID, &evt.TriggerSource); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if deviceID.Valid {
			evt.DeviceID = &deviceID.String
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes audit events older than the cutoff and
// returns how many rows went away. Retention cleanup is the only path
// that deletes audit records.
func (r *Repository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM session_reset_events WHERE reset_timestamp_utc < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return res.RowsAffected()
}

func appendEvent(ctx context.Context, tx sqlutil.DBTX, evt *models.SessionResetEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_reset_events
			(event_id, user_id, reset_type, previous_count, new_count,
			 reset_timestamp_utc, local_reset_time, device_id, trigger_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evt.EventID, evt.UserID, string(evt.ResetType), evt.PreviousCount,
		evt.NewCount, evt.ResetTimestamp, evt.LocalResetTime,
		nullString(evt.DeviceID), evt.TriggerSource)
	if err != nil {
		return fmt.Errorf("failed to append reset event: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx sqlutil.DBTX, evt outbox.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_outbox (id, user_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		evt.ID, evt.UserID, evt.EventType, []byte(evt.Payload), evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", evt.EventType, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfiguration(row rowScanner) (*models.UserResetConfiguration, error) {
	var cfg models.UserResetConfiguration
	var specBytes []byte
	var lastReset sql.NullTime
	var override sql.NullInt64

	if err := row.Scan(&cfg.UserID, &cfg.Timezone, &specBytes, &cfg.Enabled,
		&lastReset, &cfg.TodayCount, &override, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(specBytes, &cfg.ResetSpec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reset spec: %w", err)
	}
	if lastReset.Valid {
		t := lastReset.Time
		cfg.LastResetUTC = &t
	}
	if override.Valid {
		v := int(override.Int64)
		cfg.ManualOverride = &v
	}
	return &cfg, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
