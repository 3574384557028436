package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/database"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/notify"
	"fieldsync/internal/queue"
	"fieldsync/internal/repository"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

// storage holds the opened backends so they can be closed on shutdown.
type storage struct {
	backend domain.RecordStore
	db      *database.DB
	redis   *redis.Client
}

func (s *storage) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.redis != nil {
		_ = repository.Close(s.redis)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	store, err := initStorage(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	actionStore := queue.NewStore(store.backend, cfg.Storage.Key, &logger)
	actionQueue := queue.New(ctx, actionStore, bus, &logger, queue.Options{
		DefaultMaxRetries: cfg.Sync.DefaultMaxRetries,
	})

	monitor := connectivity.NewMonitor(ctx, initChecker(cfg), bus, &logger, connectivity.Options{
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
	})
	go monitor.Start(ctx)

	var deadLetter *worker.RedisDeadLetter
	if cfg.DeadLetter.Enabled {
		deadLetter = initDeadLetter(ctx, cfg, store, &logger)
	}

	engine := worker.NewSyncEngine(
		actionQueue,
		dispatch.NewHTTPDispatcher(cfg.Dispatcher, &logger),
		monitor,
		scheduler.NewReal(),
		bus,
		&logger,
		worker.EngineOptions{
			Retry: worker.RetryPolicy{
				InitialDelay:  cfg.Sync.InitialDelay,
				MaxDelay:      cfg.Sync.MaxDelay,
				BackoffFactor: cfg.Sync.BackoffFactor,
				Jitter:        cfg.Sync.Jitter,
			},
			SettleDelay:         cfg.Sync.SettleDelay,
			SyncOnEnqueue:       cfg.Sync.SyncOnEnqueue,
			MaxConcurrency:      cfg.Sync.MaxConcurrency,
			DispatchTimeout:     cfg.Sync.DispatchTimeout,
			FailFastOnPermanent: cfg.Sync.FailFastOnPermanent,
			Sinks:               initSinks(cfg, deadLetter, &logger),
		},
	)

	httpServer := api.NewHTTPServer(cfg.API, actionQueue, engine, &logger)
	if deadLetter != nil {
		httpServer.UseDeadLetters(deadLetter)
	}
	if store.db != nil {
		httpServer.UseHistory(store.db)
		recordSyncRuns(bus, store.db, &logger)
		go database.NewBackupService(store.db, cfg.Storage.SQLite.Path, cfg.Backup, &logger).Start(ctx)
	}

	engine.Start()

	err = serveAPI(ctx, cfg, httpServer, monitor, &logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := engine.Close(shutdownCtx); closeErr != nil {
		logger.Error().Err(closeErr).Msg("sync engine close")
	}
	if closeErr := actionStore.Close(shutdownCtx); closeErr != nil {
		logger.Error().Err(closeErr).Msg("flush queue store")
	}
	logger.Info().Msg("fieldsyncd stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("service", "fieldsyncd").Logger()

	return cfg, logger, closer, nil
}

func initStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storage, error) {
	s := &storage{}

	open := func(kind string) (domain.RecordStore, error) {
		switch kind {
		case config.BackendSQLite:
			if s.db == nil {
				db, err := database.NewDB(cfg.Storage.SQLite.Path, logger)
				if err != nil {
					logger.Error().Err(err).Str("db_path", cfg.Storage.SQLite.Path).Msg("init database")
					return nil, err
				}
				s.db = db
			}
			return s.db, nil
		case config.BackendRedis:
			if s.redis == nil {
				client, err := initRedis(ctx, cfg, logger)
				if err != nil {
					return nil, err
				}
				s.redis = client
			}
			return repository.NewRedisRecordStore(s.redis, "", 0), nil
		default:
			return repository.NewMemoryRecordStore(), nil
		}
	}

	primary, err := open(cfg.Storage.Backend)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.backend = primary

	if cfg.Storage.Fallback != "" {
		fallback, err := open(cfg.Storage.Fallback)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.backend = repository.NewFailoverRecordStore(primary, fallback, logger)
	}

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Str("fallback", cfg.Storage.Fallback).
		Str("key", cfg.Storage.Key).
		Msg("queue storage ready")
	return s, nil
}

// initRedis connects once and reuses the client for the dead-letter list.
// An unreachable server is logged but not fatal: the failover store and
// the dead-letter sink both tolerate it.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, error) {
	if cfg.Storage.Redis.Address == "" {
		return nil, errors.New("redis address is not configured")
	}
	client := repository.NewRedisClient(cfg.Storage.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Storage.Redis.Address).Msg("redis ping failed")
	} else {
		logger.Info().Str("addr", cfg.Storage.Redis.Address).Msg("redis connected")
	}
	return client, nil
}

func initChecker(cfg *config.Config) connectivity.Checker {
	switch {
	case cfg.Connectivity.ProbeURL != "":
		return connectivity.NewHTTPChecker(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout)
	case cfg.Connectivity.ProbeAddress != "":
		return &connectivity.TCPChecker{Address: cfg.Connectivity.ProbeAddress, Timeout: cfg.Connectivity.ProbeTimeout}
	default:
		return nil
	}
}

func initDeadLetter(ctx context.Context, cfg *config.Config, s *storage, logger *zerolog.Logger) *worker.RedisDeadLetter {
	if s.redis == nil {
		client, err := initRedis(ctx, cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("dead letter list disabled")
			return nil
		}
		s.redis = client
	}
	return worker.NewRedisDeadLetter(s.redis, cfg.DeadLetter.Key)
}

func initSinks(cfg *config.Config, deadLetter *worker.RedisDeadLetter, logger *zerolog.Logger) []domain.FailureSink {
	var sinks []domain.FailureSink
	if deadLetter != nil {
		sinks = append(sinks, deadLetter)
	}

	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without notifications")
		} else {
			sinks = append(sinks, notify.NewTelegramNotifier(bot, cfg.Telegram.ChatID, logger))
			logger.Info().Int64("chat_id", cfg.Telegram.ChatID).Msg("telegram notifications enabled")
		}
	}
	return sinks
}

// recordSyncRuns persists every finished pass. It outlives the signal
// context so the pass drained during shutdown is still recorded.
func recordSyncRuns(bus *events.EventBus, db *database.DB, logger *zerolog.Logger) {
	bus.Subscribe(events.EventSyncFinished, func(ev *events.Event) error {
		result, ok := ev.Data.(models.SyncResult)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.RecordSyncRun(ctx, result); err != nil {
			logger.Warn().Err(err).Msg("record sync run")
			return err
		}
		return nil
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serveAPI(
	ctx context.Context,
	cfg *config.Config,
	httpServer *api.HTTPServer,
	monitor *connectivity.Monitor,
	logger *zerolog.Logger,
) error {
	if !cfg.API.Enabled {
		logger.Info().Msg("control API disabled")
		<-ctx.Done()
		return nil
	}

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		srv, err := api.NewGRPCServer(cfg.API, monitor, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		grpcServer = srv
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().
		Bool("grpc", grpcServer != nil).
		Int("http_port", cfg.API.HTTP.Port).
		Msg("control API started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	return httpServer.Shutdown(shutdownCtx)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	logger.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
