package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/resettime"
)

// Syncer derives a user's scheduled task from their configuration.
// It implements sessioncount.TaskSync and runs after every
// configuration edit so spec, timezone and enabled changes land in the
// task table immediately instead of waiting for the next cycle.
type Syncer struct {
	repo  TaskRepo
	clock clockwork.Clock
	sched *Scheduler
}

// NewSyncer creates a task syncer. sched may be nil in tests; when set
// it is woken after every sync so a sooner deadline is noticed early.
func NewSyncer(repo TaskRepo, clock clockwork.Clock, sched *Scheduler) *Syncer {
	return &Syncer{repo: repo, clock: clock, sched: sched}
}

// SyncTask re-derives the daily reset task owned by cfg.
func (s *Syncer) SyncTask(ctx context.Context, cfg *models.UserResetConfiguration) error {
	now := s.clock.Now().UTC()

	task, err := s.repo.GetTaskForUser(ctx, cfg.UserID, models.TaskKindDailyReset)
	if err != nil {
		return fmt.Errorf("load task for sync: %w", err)
	}

	if !cfg.Enabled {
		if task != nil && task.IsActive {
			if err := s.repo.DeactivateTask(ctx, task.TaskID, now); err != nil {
				return fmt.Errorf("deactivate task: %w", err)
			}
			log.Info().Str("user_id", cfg.UserID).Msg("scheduled reset deactivated")
		}
		return nil
	}

	next, err := resettime.NextResetAfter(cfg.ResetSpec, cfg.Timezone, now)
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}

	if task == nil {
		userID := cfg.UserID
		task = &models.ScheduledResetTask{
			TaskID:    uuid.New(),
			UserID:    &userID,
			Kind:      models.TaskKindDailyReset,
			CreatedAt: now,
		}
	}
	task.ResetSpecSnapshot = cfg.ResetSpec
	task.TimezoneSnapshot = cfg.Timezone
	task.NextRunUTC = next
	task.IsActive = true
	task.UpdatedAt = now

	if err := s.repo.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	log.Info().
		Str("user_id", cfg.UserID).
		Str("reset_spec", cfg.ResetSpec.String()).
		Str("timezone", cfg.Timezone).
		Time("next_run", next).
		Msg("scheduled reset task synced")

	if s.sched != nil {
		s.sched.Wake()
	}
	return nil
}

// EnsureRetentionTask seeds the system-wide audit retention task if it
// does not exist yet.
func EnsureRetentionTask(ctx context.Context, repo TaskRepo, clock clockwork.Clock, interval time.Duration) error {
	now := clock.Now().UTC()

	existing, err := repo.GetSystemTask(ctx, models.TaskKindEventRetention)
	if err != nil {
		return fmt.Errorf("look up retention task: %w", err)
	}
	if existing != nil {
		return nil
	}

	task := &models.ScheduledResetTask{
		TaskID:            uuid.New(),
		Kind:              models.TaskKindEventRetention,
		ResetSpecSnapshot: models.Midnight(),
		TimezoneSnapshot:  "UTC",
		NextRunUTC:        now.Add(interval),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := repo.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("seed retention task: %w", err)
	}
	log.Info().Time("next_run", task.NextRunUTC).Msg("seeded event retention task")
	return nil
}
