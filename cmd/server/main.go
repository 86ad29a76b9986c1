package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mabry/pomosync/internal/gateway"
	"github.com/mabry/pomosync/internal/models"
	"github.com/mabry/pomosync/internal/outbox"
	"github.com/mabry/pomosync/internal/scheduler"
	"github.com/mabry/pomosync/internal/sessioncount"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := setupDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session count core.
	countRepo := sessioncount.NewRepository(db)
	counts := sessioncount.NewApp(countRepo, clock)

	// Scheduler with its handlers.
	taskRepo := scheduler.NewRepository(db)
	registry := scheduler.NewRegistry()
	registry.Register(models.TaskKindDailyReset, scheduler.NewDailyResetHandler(counts))

	retentionMaxAge := hoursOr(config.Retention.MaxAgeDays*24, 90*24*time.Hour)
	retentionInterval := hoursOr(config.Retention.IntervalHours, 24*time.Hour)
	registry.Register(models.TaskKindEventRetention,
		scheduler.NewRetentionHandler(countRepo, retentionMaxAge, retentionInterval))

	schedConfig := scheduler.DefaultConfig()
	schedConfig.PollInterval = secondsOr(config.Scheduler.PollIntervalSeconds, schedConfig.PollInterval)
	schedConfig.BatchSize = intOr(config.Scheduler.BatchSize, schedConfig.BatchSize)
	schedConfig.NumWorkers = intOr(config.Scheduler.NumWorkers, schedConfig.NumWorkers)
	sched := scheduler.New(taskRepo, registry, clock, schedConfig)

	// Configuration edits reschedule the user's task immediately.
	counts.SetTaskSync(scheduler.NewSyncer(taskRepo, clock, sched))

	if err := scheduler.EnsureRetentionTask(ctx, taskRepo, clock, retentionInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to seed retention task")
	}

	// Outbox delivery to NATS.
	publisherConfig := outbox.DefaultJetStreamPublisherConfig()
	publisherConfig.URL = getEnv("NATS_URL", publisherConfig.URL)
	publisher, err := outbox.NewJetStreamPublisher(publisherConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	defer publisher.Close()

	outboxConfig := outbox.DefaultConfig()
	outboxConfig.PollInterval = secondsOr(config.Outbox.PollIntervalSeconds, outboxConfig.PollInterval)
	outboxConfig.BatchSize = intOr(config.Outbox.BatchSize, outboxConfig.BatchSize)
	worker := outbox.NewWorker(db, outbox.NewRepository(db),
		outbox.NewMetricPublisher(publisher, &outbox.NoOpMetricsCollector{}),
		nil, outboxConfig)
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start outbox worker")
	}

	// WebSocket gateway.
	gatewayConfig := gateway.DefaultConnectionConfig()
	gatewayConfig.SweepInterval = secondsOr(config.Gateway.SweepIntervalSeconds, gatewayConfig.SweepInterval)
	gatewayConfig.StaleTimeout = secondsOr(config.Gateway.StaleTimeoutSeconds, gatewayConfig.StaleTimeout)
	connectionManager := gateway.NewConnectionManager(gatewayConfig, clock)
	connectionManager.SetIntentHandler(gateway.NewService(counts, clock))

	consumerConfig := gateway.DefaultJetStreamConsumerConfig()
	consumerConfig.URL = publisherConfig.URL
	consumer, err := gateway.NewEventConsumer(connectionManager, consumerConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event consumer")
	}

	go connectionManager.Start(ctx)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}()
	go func() {
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler failed")
		}
	}()

	server := setupServer(
		gateway.NewWebSocketHandler(connectionManager),
		gateway.NewConfigHandler(counts, connectionManager, clock))
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("outbox worker shutdown failed")
	}
	if err := consumer.Stop(); err != nil {
		log.Error().Err(err).Msg("event consumer shutdown failed")
	}

	log.Info().Msg("session sync server shutdown complete")
}
