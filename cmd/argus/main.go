// Package main is the entry point for the Argus Logs service.
// It wires the log store, the alert engine, the queues and the periodic
// scanner, and serves the HTTP API until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"argus-logs/internal/alerting"
	"argus-logs/internal/api"
	"argus-logs/internal/archive"
	"argus-logs/internal/banner"
	"argus-logs/internal/config"
	"argus-logs/internal/ingest"
	"argus-logs/internal/notification"
	"argus-logs/internal/processor"
	"argus-logs/internal/query"
	"argus-logs/internal/queue"
	kafkaqueue "argus-logs/internal/queue/kafka"
	memoryqueue "argus-logs/internal/queue/memory"
	"argus-logs/internal/scanner"
	"argus-logs/internal/store"
	esstor "argus-logs/internal/store/es"
	memorystor "argus-logs/internal/store/memory"
	postgresstor "argus-logs/internal/store/postgres"
	redisstor "argus-logs/internal/store/redis"
)

// memoryQueueSize is the buffer of each in-memory topic.
const memoryQueueSize = 10000

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(&cfg.Logger)
	banner.Print(os.Stdout, string(cfg.Storage.Mode), string(cfg.Storage.LogBackend))

	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
		"log_backend", cfg.Storage.LogBackend,
	)

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize dependencies based on storage mode
	deps, cleanup, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)

	// Start background workers
	g.Go(func() error {
		return ignoreCanceled(deps.processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(deps.dispatcher.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(deps.scanner.Start(gctx))
	})

	// Start HTTP server
	g.Go(func() error {
		if err := deps.server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	logger.Info("Argus Logs started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
		"log_backend", cfg.Storage.LogBackend,
	)

	// Wait for a shutdown signal or a failed worker
	<-gctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := deps.processor.Stop(); err != nil {
		logger.Error("processor shutdown error", "error", err)
	}
	if err := deps.dispatcher.Stop(); err != nil {
		logger.Error("dispatcher shutdown error", "error", err)
	}

	if err := g.Wait(); err != nil {
		logger.Error("stopped with error", "error", err)
	}
	logger.Info("Argus Logs stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server     *api.Server
	processor  *processor.Service
	dispatcher *notification.Dispatcher
	scanner    *scanner.Scanner
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		db           *postgresstor.DB
		logStore     store.LogStore
		alertRepo    store.AlertRepository
		locker       store.KeyLocker
		triggerProd  queue.Producer
		triggerCons  queue.Consumer
		jobProd      queue.Producer
		jobCons      queue.Consumer
		cleanupFuncs []func()
	)

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}
	fail := func(err error) (*dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// openDB connects and migrates PostgreSQL once, for whichever store needs it first.
	openDB := func() (*postgresstor.DB, error) {
		if db != nil {
			return db, nil
		}
		var err error
		db, err = postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		if err := db.RunMigrations(ctx); err != nil {
			return nil, err
		}
		logger.Info("database migrations completed")
		return db, nil
	}

	// Log store
	switch cfg.Storage.LogBackend {
	case config.LogBackendPostgres:
		logger.Info("initializing PostgreSQL log store")
		pg, err := openDB()
		if err != nil {
			return fail(err)
		}
		logStore = postgresstor.NewLogStore(pg)
	case config.LogBackendElasticsearch:
		logger.Info("initializing Elasticsearch log store", "index", cfg.Elasticsearch.Index)
		client, err := esstor.New(&cfg.Elasticsearch)
		if err != nil {
			return fail(err)
		}
		if err := client.EnsureIndex(ctx); err != nil {
			return fail(fmt.Errorf("failed to prepare index: %w", err))
		}
		logStore = esstor.NewLogStore(client, logger)
	default:
		logger.Info("initializing in-memory log store")
		logStore = memorystor.NewLogStore()
	}
	cleanupFuncs = append(cleanupFuncs, func() { _ = logStore.Close() })

	if cfg.Storage.UseMemory() {
		// Initialize in-memory implementations
		logger.Info("initializing in-memory alert storage and queues")

		alertRepo = memorystor.NewAlertRepository()
		locker = memorystor.NewKeyLocker()

		triggers := memoryqueue.NewQueue("triggers", memoryQueueSize, logger)
		triggerProd, triggerCons = triggers, triggers
		cleanupFuncs = append(cleanupFuncs, func() { _ = triggers.Close() })

		jobs := memoryqueue.NewQueue("notifications", memoryQueueSize, logger)
		jobProd, jobCons = jobs, jobs
		cleanupFuncs = append(cleanupFuncs, func() { _ = jobs.Close() })
	} else {
		// Initialize real storage implementations
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL)")

		pg, err := openDB()
		if err != nil {
			return fail(err)
		}
		alertRepo = postgresstor.NewAlertRepository(pg)

		// Initialize Redis
		redisLocker, err := redisstor.NewKeyLocker(&cfg.Redis)
		if err != nil {
			return fail(err)
		}
		locker = redisLocker
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisLocker.Close() })

		// Initialize Kafka
		for _, t := range []struct {
			topic string
			prod  *queue.Producer
			cons  *queue.Consumer
		}{
			{cfg.Kafka.TriggerTopic, &triggerProd, &triggerCons},
			{cfg.Kafka.NotificationTopic, &jobProd, &jobCons},
		} {
			producer := kafkaqueue.NewProducer(&cfg.Kafka, t.topic)
			consumer := kafkaqueue.NewConsumer(&cfg.Kafka, t.topic, logger)
			*t.prod, *t.cons = producer, consumer
			cleanupFuncs = append(cleanupFuncs, func() { _ = producer.Close() }, func() { _ = consumer.Close() })
		}
	}

	// Initialize engines
	queryEngine := query.NewEngine(logStore, &cfg.Query, logger)
	alertEngine := alerting.NewEngine(alertRepo, locker, &cfg.Alerts, logger)

	// Initialize notifier; the log notifier is used when no webhook is set
	var notifier notification.Notifier = notification.NewLogNotifier(logger)
	if cfg.Notification.WebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.Notification.WebhookURL, cfg.Notification.Timeout)
	}

	// Initialize services
	ingestService := ingest.NewService(logStore, triggerProd, logger)
	processorService := processor.NewService(triggerCons, alertEngine, logger)
	dispatcher := notification.NewDispatcher(jobCons, alertEngine, notifier, &cfg.Notification, logger,
		notification.WithNotificationBackoff(cfg.Alerts.NotificationBackoff))

	var scanOpts []scanner.Option
	if cfg.Retention.ArchiveDir != "" {
		scanOpts = append(scanOpts, scanner.WithArchiver(archive.NewWriter(cfg.Retention.ArchiveDir, logger)))
	}
	scan := scanner.New(alertEngine, jobProd, logStore, &cfg.Alerts, &cfg.Retention, logger, scanOpts...)

	// Initialize HTTP server
	server := api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		IngestHandler: api.NewIngestHandler(ingestService, logger),
		SearchHandler: api.NewSearchHandler(queryEngine, logStore, logger),
		AlertHandler:  api.NewAlertHandler(alertEngine, logger),
	})

	return &dependencies{
		server:     server,
		processor:  processorService,
		dispatcher: dispatcher,
		scanner:    scan,
	}, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
