// Package sessioncount owns the per-user daily session count state
// machine: automatic increments, manual overrides with unconditional
// precedence, and idempotent resets. All mutations for one user are
// serialized through a per-user lock so concurrent calls never
// interleave at the field level; unrelated users proceed independently.
package sessioncount

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/events"
	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/outbox"
	"github.com/mabry/pomosync/internal/timezone"
)

// conflictWindow is how close two manual writes from different devices
// must land to be reported as a resolved conflict rather than two
// independent edits.
const conflictWindow = 2 * time.Second

// localTimeLayout formats reset instants for the audit trail.
const localTimeLayout = "2006-01-02 15:04:05 MST"

// Repo defines what the app needs from the persistence layer. The
// configuration write, the audit event and the outbox rows commit in
// one transaction.
type Repo interface {
	LoadConfiguration(ctx context.Context, userID string) (*models.UserResetConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *models.UserResetConfiguration, audit *models.SessionResetEvent, pending []outbox.OutboxEvent) error
	LoadEvents(ctx context.Context, userID string, filter EventFilter) ([]models.SessionResetEvent, error)
}

// TaskSync is notified after a configuration edit so the owning
// scheduled task can be re-derived. Wired at startup; nil disables it.
type TaskSync interface {
	SyncTask(ctx context.Context, cfg *models.UserResetConfiguration) error
}

type manualMark struct {
	at       time.Time
	deviceID *string
}

// App implements the session count operations over a per-user lock arena.
type App struct {
	repo     Repo
	clock    clockwork.Clock
	taskSync TaskSync

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	marks map[string]manualMark
}

// NewApp creates a new session count app.
func NewApp(repo Repo, clock clockwork.Clock) *App {
	return &App{
		repo:  repo,
		clock: clock,
		locks: make(map[string]*sync.Mutex),
		marks: make(map[string]manualMark),
	}
}

// SetTaskSync wires the scheduler's task derivation hook.
func (a *App) SetTaskSync(ts TaskSync) {
	a.taskSync = ts
}

// userLock returns the lock guarding one user's state, creating it on
// first use. The arena is never compacted; one mutex per active user
// is cheap.
func (a *App) userLock(userID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[userID] = l
	}
	return l
}

// loadOrCreate fetches the configuration, creating the default record
// (UTC, midnight, disabled) on first access. Caller holds the user lock.
func (a *App) loadOrCreate(ctx context.Context, userID string) (*models.UserResetConfiguration, error) {
	cfg, err := a.repo.LoadConfiguration(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}

	cfg = models.DefaultResetConfiguration(userID, a.clock.Now().UTC())
	if err := a.repo.SaveConfiguration(ctx, cfg, nil, nil); err != nil {
		return nil, fmt.Errorf("create default configuration: %w", err)
	}
	log.Info().Str("user_id", userID).Msg("created default reset configuration")
	return cfg, nil
}

// GetConfiguration returns the user's configuration, creating the
// default record on first access.
func (a *App) GetConfiguration(ctx context.Context, userID string) (*models.UserResetConfiguration, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	l := a.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return a.loadOrCreate(ctx, userID)
}

// CurrentCount returns the authoritative count: the manual override
// when present, else the automatic count.
func (a *App) CurrentCount(ctx context.Context, userID string) (int, error) {
	cfg, err := a.GetConfiguration(ctx, userID)
	if err != nil {
		return 0, err
	}
	return cfg.CurrentCount(), nil
}

// Increment bumps the automatic count on session completion. While a
// manual override is active the call is a no-op that reports
// Suppressed=true; the override value stays authoritative.
func (a *App) Increment(ctx context.Context, userID string, deviceID *string) (IncrementResult, error) {
	if userID == "" {
		return IncrementResult{}, ErrEmptyUserID
	}
	l := a.userLock(userID)
	l.Lock()
	defer l.Unlock()

	cfg, err := a.loadOrCreate(ctx, userID)
	if err != nil {
		return IncrementResult{}, err
	}

	if cfg.ManualOverride != nil {
		log.Debug().
			Str("user_id", userID).
			Int("override", *cfg.ManualOverride).
			Msg("increment suppressed by manual override")
		return IncrementResult{Count: *cfg.ManualOverride, Suppressed: true}, nil
	}

	if cfg.TodayCount+1 > models.MaxSessionCount {
		return IncrementResult{}, fmt.Errorf("%w: count would exceed %d", ErrInvalidSessionCount, models.MaxSessionCount)
	}

	now := a.clock.Now().UTC()
	previous := cfg.TodayCount
	cfg.TodayCount++
	cfg.UpdatedAt = now

	pending, err := countUpdatedEvent(cfg.UserID, previous, cfg.TodayCount, events.SourceIncrement, deviceID, now)
	if err != nil {
		return IncrementResult{}, err
	}
	if err := a.repo.SaveConfiguration(ctx, cfg, nil, []outbox.OutboxEvent{pending}); err != nil {
		return IncrementResult{}, fmt.Errorf("persist increment: %w", err)
	}

	return IncrementResult{Count: cfg.TodayCount}, nil
}

// Set applies a manual count. With asOverride the value becomes the
// authoritative manual override; without it the value replaces the
// automatic count and clears any prior override. Two sets from
// different devices inside the conflict window resolve last-write-wins
// by commit order and emit a single ConflictResolved event carrying
// the winning count.
func (a *App) Set(ctx context.Context, userID string, count int, asOverride bool, deviceID *string) (SetResult, error) {
	if userID == "" {
		return SetResult{}, ErrEmptyUserID
	}
	if count < 0 || count > models.MaxSessionCount {
		return SetResult{}, fmt.Errorf("%w: %d out of range 0-%d", ErrInvalidSessionCount, count, models.MaxSessionCount)
	}

	l := a.userLock(userID)
	l.Lock()
	defer l.Unlock()

	cfg, err := a.loadOrCreate(ctx, userID)
	if err != nil {
		return SetResult{}, err
	}

	now := a.clock.Now().UTC()
	previous := cfg.CurrentCount()

	if asOverride {
		v := count
		cfg.ManualOverride = &v
	} else {
		cfg.TodayCount = count
		cfg.ManualOverride = nil
	}
	cfg.UpdatedAt = now

	conflict := a.checkManualConflict(userID, deviceID, now)

	source := events.SourceManualSet
	if asOverride {
		source = events.SourceManualOverride
	}

	var pending []outbox.OutboxEvent
	if conflict {
		payload, merr := json.Marshal(events.ConflictResolvedPayload{
			UserID:          userID,
			WinningCount:    count,
			WinningDeviceID: deviceID,
			ResolvedAt:      now,
		})
		if merr != nil {
			return SetResult{}, merr
		}
		pending = append(pending, outbox.NewEvent(userID, events.TypeConflictResolved, payload, now))
	} else {
		evt, merr := countUpdatedEvent(userID, previous, count, source, deviceID, now)
		if merr != nil {
			return SetResult{}, merr
		}
		pending = append(pending, evt)
	}

	audit := &models.SessionResetEvent{
		EventID:        newEventID(),
		UserID:         userID,
		ResetType:      models.ResetTypeManual,
		PreviousCount:  previous,
		NewCount:       count,
		ResetTimestamp: now,
		LocalResetTime: formatLocal(now, cfg.Timezone),
		DeviceID:       deviceID,
		TriggerSource:  source,
	}

	if err := a.repo.SaveConfiguration(ctx, cfg, audit, pending); err != nil {
		return SetResult{}, fmt.Errorf("persist manual set: %w", err)
	}

	// Only committed writes participate in conflict detection.
	a.recordManualSet(userID, deviceID, now)

	if conflict {
		log.Info().
			Str("user_id", userID).
			Int("winning_count", count).
			Msg("concurrent manual set resolved last-write-wins")
	}

	return SetResult{
		PreviousCount: previous,
		NewCount:      count,
		Override:      asOverride,
		Conflict:      conflict,
	}, nil
}

// Reset zeroes the automatic count, clears any manual override and
// stamps last_reset_utc. Calling it twice with no intervening mutation
// leaves identical observable state.
func (a *App) Reset(ctx context.Context, userID string, resetType models.ResetType, triggerSource string, deviceID *string) (ResetResult, error) {
	if userID == "" {
		return ResetResult{}, ErrEmptyUserID
	}
	l := a.userLock(userID)
	l.Lock()
	defer l.Unlock()

	cfg, err := a.loadOrCreate(ctx, userID)
	if err != nil {
		return ResetResult{}, err
	}

	now := a.clock.Now().UTC()
	previous := cfg.CurrentCount()

	cfg.TodayCount = 0
	cfg.ManualOverride = nil
	cfg.LastResetUTC = &now
	cfg.UpdatedAt = now

	localTime := formatLocal(now, cfg.Timezone)
	payload, err := json.Marshal(events.SessionResetPayload{
		UserID:        userID,
		PreviousCount: previous,
		NewCount:      0,
		ResetType:     string(resetType),
		LocalTime:     localTime,
		Timezone:      cfg.Timezone,
		ResetAt:       now,
	})
	if err != nil {
		return ResetResult{}, err
	}

	audit := &models.SessionResetEvent{
		EventID:        newEventID(),
		UserID:         userID,
		ResetType:      resetType,
		PreviousCount:  previous,
		NewCount:       0,
		ResetTimestamp: now,
		LocalResetTime: localTime,
		DeviceID:       deviceID,
		TriggerSource:  triggerSource,
	}

	pending := []outbox.OutboxEvent{outbox.NewEvent(userID, events.TypeSessionReset, payload, now)}
	if err := a.repo.SaveConfiguration(ctx, cfg, audit, pending); err != nil {
		return ResetResult{}, fmt.Errorf("persist reset: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("reset_type", string(resetType)).
		Int("previous_count", previous).
		Msg("session count reset")

	return ResetResult{PreviousCount: previous, NewCount: 0}, nil
}

// UpdateConfiguration applies a partial edit to timezone, reset spec or
// enabled flag, re-derives the owning scheduled task and emits a
// ConfigurationChanged event.
func (a *App) UpdateConfiguration(ctx context.Context, userID string, req UpdateConfigurationRequest) (*models.UserResetConfiguration, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if req.Timezone != nil {
		if err := timezone.Validate(*req.Timezone); err != nil {
			return nil, err
		}
	}
	if req.ResetSpec != nil {
		if err := req.ResetSpec.Validate(); err != nil {
			return nil, err
		}
	}

	l := a.userLock(userID)
	l.Lock()
	defer l.Unlock()

	cfg, err := a.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now().UTC()
	prevSnapshot := snapshot(cfg)
	timezoneChanged := false

	if req.Timezone != nil && *req.Timezone != cfg.Timezone {
		cfg.Timezone = *req.Timezone
		timezoneChanged = true
	}
	if req.ResetSpec != nil {
		cfg.ResetSpec = *req.ResetSpec
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	cfg.UpdatedAt = now

	payload, err := json.Marshal(events.ConfigurationChangedPayload{
		UserID:    userID,
		Previous:  prevSnapshot,
		New:       snapshot(cfg),
		ChangedAt: now,
	})
	if err != nil {
		return nil, err
	}

	resetType := models.ResetTypeConfigurationChange
	if timezoneChanged {
		resetType = models.ResetTypeTimezoneChange
	}
	audit := &models.SessionResetEvent{
		EventID:        newEventID(),
		UserID:         userID,
		ResetType:      resetType,
		PreviousCount:  cfg.CurrentCount(),
		NewCount:       cfg.CurrentCount(),
		ResetTimestamp: now,
		LocalResetTime: formatLocal(now, cfg.Timezone),
		TriggerSource:  "configuration_update",
	}

	pending := []outbox.OutboxEvent{outbox.NewEvent(userID, events.TypeConfigurationChanged, payload, now)}
	if err := a.repo.SaveConfiguration(ctx, cfg, audit, pending); err != nil {
		return nil, fmt.Errorf("persist configuration update: %w", err)
	}

	if a.taskSync != nil {
		if err := a.taskSync.SyncTask(ctx, cfg); err != nil {
			// The configuration write committed; the scheduler will pick
			// up the live record on its next cycle regardless.
			log.Error().Err(err).Str("user_id", userID).Msg("failed to sync scheduled task")
		}
	}

	log.Info().
		Str("user_id", userID).
		Str("timezone", cfg.Timezone).
		Str("reset_spec", cfg.ResetSpec.String()).
		Bool("enabled", cfg.Enabled).
		Msg("reset configuration updated")

	return cfg, nil
}

// LoadEvents returns the user's audit trail.
func (a *App) LoadEvents(ctx context.Context, userID string, filter EventFilter) ([]models.SessionResetEvent, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	return a.repo.LoadEvents(ctx, userID, filter)
}

// checkManualConflict reports whether a manual write now would collide
// with a recently committed write from a different device. Caller holds
// the user lock.
func (a *App) checkManualConflict(userID string, deviceID *string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.marks[userID]
	if !ok {
		return false
	}
	if now.Sub(prev.at) > conflictWindow {
		return false
	}
	return !sameDevice(prev.deviceID, deviceID)
}

// recordManualSet stamps a committed manual write for conflict
// detection. Caller holds the user lock.
func (a *App) recordManualSet(userID string, deviceID *string, now time.Time) {
	a.mu.Lock()
	a.marks[userID] = manualMark{at: now, deviceID: deviceID}
	a.mu.Unlock()
}

func sameDevice(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func snapshot(cfg *models.UserResetConfiguration) events.ConfigurationSnapshot {
	return events.ConfigurationSnapshot{
		Timezone:  cfg.Timezone,
		ResetSpec: cfg.ResetSpec.String(),
		Cron:      cfg.ResetSpec.CronExpression(),
		Enabled:   cfg.Enabled,
	}
}

func countUpdatedEvent(userID string, previous, current int, source string, deviceID *string, now time.Time) (outbox.OutboxEvent, error) {
	payload, err := json.Marshal(events.SessionCountUpdatedPayload{
		UserID:        userID,
		PreviousCount: previous,
		NewCount:      current,
		Source:        source,
		DeviceID:      deviceID,
		UpdatedAt:     now,
	})
	if err != nil {
		return outbox.OutboxEvent{}, err
	}
	return outbox.NewEvent(userID, events.TypeSessionCountUpdated, payload, now), nil
}

func formatLocal(instant time.Time, tz string) string {
	local, err := timezone.Convert(instant, tz)
	if err != nil {
		return instant.UTC().Format(localTimeLayout)
	}
	return local.Format(localTimeLayout)
}
