package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/resettime"
	"github.com/mabry/pomosync/internal/sessioncount"
)

// TaskHandler executes one due task and returns the instant the task
// should fire next. A nil error with skip=true means the run was
// aborted as a no-op (for example the owning configuration was
// disabled after the task snapshot was taken).
type TaskHandler interface {
	Execute(ctx context.Context, task *models.ScheduledResetTask, now time.Time) (next time.Time, skip bool, err error)
}

// Registry maps task kinds to their handlers. Populated once at
// startup; lookups after that are read-only.
type Registry struct {
	handlers map[models.TaskKind]TaskHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskKind]TaskHandler)}
}

// Register binds a handler to a task kind.
func (r *Registry) Register(kind models.TaskKind, h TaskHandler) {
	r.handlers[kind] = h
}

// Lookup returns the handler for a task kind.
func (r *Registry) Lookup(kind models.TaskKind) (TaskHandler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task kind %q", kind)
	}
	return h, nil
}

// startupCatchUpWindow separates a reset that fires a little late (poll
// jitter) from one that was missed while the process was down. Runs
// overdue by more than this are audited as Startup resets.
const startupCatchUpWindow = 6 * time.Hour

// CountResetter defines what the daily reset handler needs from the
// session count app.
type CountResetter interface {
	GetConfiguration(ctx context.Context, userID string) (*models.UserResetConfiguration, error)
	Reset(ctx context.Context, userID string, resetType models.ResetType, triggerSource string, deviceID *string) (sessioncount.ResetResult, error)
}

// DailyResetHandler executes scheduled daily resets against the
// session count app.
type DailyResetHandler struct {
	counts CountResetter
}

// NewDailyResetHandler creates the handler for daily reset tasks.
func NewDailyResetHandler(counts CountResetter) *DailyResetHandler {
	return &DailyResetHandler{counts: counts}
}

// Execute re-reads the live configuration, aborts as a no-op when the
// reset has been disabled since the task was snapshotted, performs the
// reset and computes the next run from the configuration's current
// timezone and spec, so edits apply to the next cycle rather than the
// one executing.
func (h *DailyResetHandler) Execute(ctx context.Context, task *models.ScheduledResetTask, now time.Time) (time.Time, bool, error) {
	if task.UserID == nil {
		return time.Time{}, false, fmt.Errorf("daily reset task %s has no user", task.TaskID)
	}
	userID := *task.UserID

	cfg, err := h.counts.GetConfiguration(ctx, userID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("re-read configuration: %w", err)
	}
	if !cfg.Enabled {
		log.Info().
			Str("user_id", userID).
			Str("task_id", task.TaskID.String()).
			Msg("reset disabled since task snapshot; skipping run")
		return time.Time{}, true, nil
	}

	resetType := models.ResetTypeScheduledDaily
	if now.Sub(task.NextRunUTC) > startupCatchUpWindow {
		resetType = models.ResetTypeStartup
	}

	if _, err := h.counts.Reset(ctx, userID, resetType, "scheduler", nil); err != nil {
		return time.Time{}, false, fmt.Errorf("execute reset: %w", err)
	}

	next, err := resettime.NextResetAfter(cfg.ResetSpec, cfg.Timezone, now)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("compute next run: %w", err)
	}
	return next, false, nil
}

// EventPurger is what the retention handler needs from the audit store.
type EventPurger interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionHandler deletes audit events older than the configured age.
// Runs as a single system-wide task.
type RetentionHandler struct {
	purger   EventPurger
	maxAge   time.Duration
	interval time.Duration
}

// NewRetentionHandler creates the audit retention handler.
func NewRetentionHandler(purger EventPurger, maxAge, interval time.Duration) *RetentionHandler {
	return &RetentionHandler{purger: purger, maxAge: maxAge, interval: interval}
}

// Execute drops expired audit events and reschedules itself.
func (h *RetentionHandler) Execute(ctx context.Context, task *models.ScheduledResetTask, now time.Time) (time.Time, bool, error) {
	cutoff := now.Add(-h.maxAge)
	removed, err := h.purger.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("purge expired events: %w", err)
	}
	if removed > 0 {
		log.Info().
			Int64("removed", removed).
			Time("cutoff", cutoff).
			Msg("purged expired reset events")
	}
	return now.Add(h.interval), false, nil
}
