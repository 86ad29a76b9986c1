// Package scheduler polls for due reset tasks and drives their
// execution through a static kind-to-handler registry. One polling
// goroutine feeds a small worker pool; per-task dedup keeps a slow run
// from being claimed twice by overlapping cycles.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/models"
)

// TaskRepo defines what the scheduler needs from task persistence.
type TaskRepo interface {
	LoadDueTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledResetTask, error)
	GetTaskForUser(ctx context.Context, userID string, kind models.TaskKind) (*models.ScheduledResetTask, error)
	GetSystemTask(ctx context.Context, kind models.TaskKind) (*models.ScheduledResetTask, error)
	UpsertTask(ctx context.Context, task *models.ScheduledResetTask) error
	RecordRun(ctx context.Context, task *models.ScheduledResetTask) error
	DeactivateTask(ctx context.Context, taskID uuid.UUID, now time.Time) error
}

// Config holds scheduler tunables.
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	NumWorkers       int
	FailureBackoff   time.Duration
	FailureThreshold int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Second,
		BatchSize:        100,
		NumWorkers:       4,
		FailureBackoff:   time.Hour,
		FailureThreshold: 5,
	}
}

// Scheduler is the polling loop driving due task execution.
type Scheduler struct {
	repo     TaskRepo
	registry *Registry
	clock    clockwork.Clock
	config   Config

	instanceID string
	wakeCh     chan struct{}
	workCh     chan models.ScheduledResetTask

	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex
}

// New creates a scheduler over the given repo and handler registry.
func New(repo TaskRepo, registry *Registry, clock clockwork.Clock, config Config) *Scheduler {
	return &Scheduler{
		repo:       repo,
		registry:   registry,
		clock:      clock,
		config:     config,
		instanceID: uuid.New().String()[:8],
		wakeCh:     make(chan struct{}, 1),
		workCh:     make(chan models.ScheduledResetTask, config.NumWorkers*2),
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// Wake nudges the scheduler to poll before the next tick, used after a
// task edit produced a sooner deadline.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. It blocks; start it in a goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Str("instance", s.instanceID).
		Dur("poll_interval", s.config.PollInterval).
		Int("workers", s.config.NumWorkers).
		Msg("scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < s.config.NumWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}
	defer func() {
		cancelWorkers()
		close(s.workCh)
		wg.Wait()
		log.Info().Str("instance", s.instanceID).Msg("scheduler workers shut down")
	}()

	// Process immediately on start to catch up work missed while down.
	s.tick(ctx)

	timer := s.clock.NewTimer(s.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", s.instanceID).Msg("scheduler stopping")
			return nil
		case <-s.wakeCh:
			log.Debug().Str("instance", s.instanceID).Msg("woken up early")
		case <-timer.Chan():
		}
		s.tick(ctx)
		timer.Reset(s.config.PollInterval)
	}
}

// tick performs one scheduling cycle: load due tasks and queue them to
// the worker pool, skipping any already in flight.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now().UTC()

	tasks, err := s.repo.LoadDueTasks(ctx, now, s.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("instance", s.instanceID).Msg("failed to load due tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	log.Info().
		Int("count_due", len(tasks)).
		Str("instance", s.instanceID).
		Msg("processing due tasks")

	for _, task := range tasks {
		s.inFlightMu.Lock()
		if s.inFlight[task.TaskID] {
			s.inFlightMu.Unlock()
			log.Debug().Str("task_id", task.TaskID.String()).Msg("task already in flight; skipping")
			continue
		}
		s.inFlight[task.TaskID] = true
		s.inFlightMu.Unlock()

		select {
		case <-ctx.Done():
			s.clearInFlight(task.TaskID)
			return
		case s.workCh <- task:
		}
	}
}

// worker executes queued tasks until the context is cancelled.
func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-s.workCh:
			if !ok {
				return
			}
			s.execute(ctx, &task, workerID)
			s.clearInFlight(task.TaskID)
		}
	}
}

// execute runs one task through its handler and records the outcome.
// Failures back the task off rather than leaving it stuck, and a task
// that keeps failing gets flagged out of scheduling for an operator to
// look at instead of being retried forever.
func (s *Scheduler) execute(ctx context.Context, task *models.ScheduledResetTask, workerID int) {
	now := s.clock.Now().UTC()

	handler, err := s.registry.Lookup(task.Kind)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID.String()).Msg("unroutable task")
		s.recordFailure(ctx, task, now)
		return
	}

	next, skip, err := handler.Execute(ctx, task, now)
	if err != nil {
		log.Error().
			Err(err).
			Str("task_id", task.TaskID.String()).
			Str("kind", string(task.Kind)).
			Int("worker_id", workerID).
			Msg("task execution failed")
		s.recordFailure(ctx, task, now)
		return
	}

	if skip {
		// Aborted as a no-op; the task leaves scheduling until the
		// owning configuration re-enables it.
		task.IsActive = false
		task.UpdatedAt = now
		if err := s.repo.RecordRun(ctx, task); err != nil {
			log.Error().Err(err).Str("task_id", task.TaskID.String()).Msg("failed to park skipped task")
		}
		return
	}

	task.RunCount++
	task.LastRunUTC = &now
	task.NextRunUTC = next
	task.UpdatedAt = now
	if err := s.repo.RecordRun(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID.String()).Msg("failed to record task run")
		return
	}

	log.Info().
		Str("task_id", task.TaskID.String()).
		Str("kind", string(task.Kind)).
		Time("next_run", next).
		Msg("task executed")
}

// recordFailure applies the retry backoff and deactivation flagging.
func (s *Scheduler) recordFailure(ctx context.Context, task *models.ScheduledResetTask, now time.Time) {
	task.RunCount++
	task.FailureCount++
	task.LastRunUTC = &now
	task.NextRunUTC = now.Add(s.config.FailureBackoff)
	task.UpdatedAt = now

	if task.FailureCount > s.config.FailureThreshold && task.SuccessRate() < 0.5 {
		task.IsActive = false
		log.Warn().
			Str("task_id", task.TaskID.String()).
			Int("failure_count", task.FailureCount).
			Float64("success_rate", task.SuccessRate()).
			Msg("task flagged for deactivation after repeated failures")
	}

	if err := s.repo.RecordRun(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID.String()).Msg("failed to record task failure")
	}
}

func (s *Scheduler) clearInFlight(taskID uuid.UUID) {
	s.inFlightMu.Lock()
	delete(s.inFlight, taskID)
	s.inFlightMu.Unlock()
}
