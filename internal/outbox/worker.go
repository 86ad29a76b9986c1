package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config controls outbox polling and delivery retries.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

// Worker drains the outbox table to the event bus. Events are claimed
// with row locks so multiple workers never double-publish.
type Worker struct {
	db        *sql.DB
	repo      *Repository
	publisher EventPublisher
	metrics   MetricsCollector
	config    Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates an outbox worker. Pass nil metrics to disable
// collection.
func NewWorker(database *sql.DB, repo *Repository, publisher EventPublisher, metrics MetricsCollector, cfg Config) *Worker {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Worker{
		db:        database,
		repo:      repo,
		publisher: publisher,
		metrics:   metrics,
		config:    cfg,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	return nil
}

// Stop halts the poll loop and waits for the in-progress batch.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("outbox worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start so restarts don't delay delivery.
	w.processOutbox(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.processOutbox(ctx)
		}
	}
}

func (w *Worker) processOutbox(ctx context.Context) {
	batchStart := time.Now()

	txn, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to begin outbox transaction")
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Rollback()
		}
	}()

	events, err := w.repo.FetchUnsent(ctx, txn, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch unsent events")
		return
	}

	if len(events) == 0 {
		return
	}

	log.Debug().Int("count", len(events)).Msg("processing outbox events")

	var successfulIDs []uuid.UUID
	var failedIDs []uuid.UUID
	for _, event := range events {
		if err := w.publishWithRetry(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Msg("failed to publish event")
			failedIDs = append(failedIDs, event.ID)
			continue
		}
		successfulIDs = append(successfulIDs, event.ID)
	}

	if len(successfulIDs) > 0 {
		if err := w.repo.MarkSent(ctx, txn, successfulIDs); err != nil {
			log.Error().Err(err).Msg("failed to mark events as sent")
			return
		}
	}
	if len(failedIDs) > 0 {
		if err := w.repo.RecordAttempts(ctx, txn, failedIDs); err != nil {
			log.Error().Err(err).Msg("failed to record publish attempts")
			return
		}
	}

	if err := txn.Commit(); err != nil {
		log.Error().Err(err).Msg("failed to commit outbox transaction")
		return
	}
	committed = true

	w.metrics.RecordBatchProcessed(len(events), time.Since(batchStart))
	log.Info().
		Int("total", len(events)).
		Int("successful", len(successfulIDs)).
		Msg("processed outbox events")
}

func (w *Worker) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		err := w.publisher.Publish(ctx, event)
		w.metrics.RecordPublishAttempt(event.EventType, attempt+1, err == nil)
		if err != nil {
			lastErr = err
			log.Warn().
				Str("event_id", event.ID.String()).
				Int("attempt", attempt+1).
				Err(err).
				Msg("failed to publish event, retrying")
			continue
		}

		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}
