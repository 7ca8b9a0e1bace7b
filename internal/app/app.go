package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/cartstore/internal/cart"
	"github.com/utafrali/cartstore/internal/config"
	"github.com/utafrali/cartstore/internal/event"
	handler "github.com/utafrali/cartstore/internal/handler/http"
	"github.com/utafrali/cartstore/internal/storage"
	"github.com/utafrali/cartstore/internal/storage/memory"
	redisstore "github.com/utafrali/cartstore/internal/storage/redis"
	"github.com/utafrali/cartstore/internal/storage/sqlite"
	"github.com/utafrali/cartstore/pkg/database"
	"github.com/utafrali/cartstore/pkg/health"
	pkgkafka "github.com/utafrali/cartstore/pkg/kafka"
	"github.com/utafrali/cartstore/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

// App wires together all dependencies and runs the cart service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	kv             storage.Store
	store          *cart.Store
	producer       *pkgkafka.Producer
	relay          *event.Relay
	httpServer     *http.Server
	tracerShutdown func(context.Context) error

	relayCancel context.CancelFunc
	relayDone   sync.WaitGroup
}

// NewApp creates a new application instance, initializing all dependencies.
// The persisted cart is loaded in the background; readiness reports it.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tracingCfg := tracing.DefaultConfig("cart")
	tracingCfg.Environment = cfg.Environment
	tracingCfg.SampleRate = cfg.OTELSampleRate
	tracingCfg.Enabled = cfg.OTELEnabled
	if cfg.OTELEndpoint != "" {
		tracingCfg.OTLPEndpoint = cfg.OTELEndpoint
	}
	tracerShutdown, err := tracing.InitTracer(ctx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	database.SetSlowOpLogging(cfg.SlowOpThreshold, logger)

	kv, err := openStorage(ctx, cfg, logger)
	if err != nil {
		_ = tracerShutdown(context.Background())
		return nil, err
	}

	store := cart.New(kv, logger,
		cart.WithMergeDuplicates(cfg.MergeDuplicates),
		cart.WithWriteTimeout(cfg.WriteTimeout),
	)
	store.Start(context.Background())

	healthHandler := health.NewHandler()
	healthHandler.Register("storage", kv.Ping)
	healthHandler.Register("cart", func(context.Context) error {
		if !store.Loaded() {
			return errors.New("persisted cart not loaded yet")
		}
		return nil
	})

	a := &App{
		cfg:            cfg,
		logger:         logger,
		kv:             kv,
		store:          store,
		tracerShutdown: tracerShutdown,
	}

	if cfg.KafkaEnabled() {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		sessionID := uuid.New().String()
		a.relay = event.NewRelay(store, event.NewProducer(a.producer, logger), sessionID, logger)
		healthHandler.Register("kafka", a.producer.Ping)
		logger.Info("kafka producer initialized",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("session_id", sessionID),
		)
	}

	logger.Info("health checks registered", slog.Any("checks", healthHandler.Names()))

	router := handler.NewRouter(store, healthHandler, logger, cfg.CORSAllowedOrigins)
	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// openStorage connects the configured key-value backend.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, the cart will not survive restarts")
		return memory.New(), nil

	case config.BackendSQLite:
		kv, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		logger.Info("opened SQLite storage", slog.String("path", cfg.SQLitePath))
		return kv, nil

	case config.BackendRedis:
		redisCfg := database.DefaultRedisConfig()
		if cfg.RedisAddr != "" {
			redisCfg.Addr = cfg.RedisAddr
		}
		redisCfg.Password = cfg.RedisPass
		redisCfg.DB = cfg.RedisDB
		client, err := database.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to Redis",
			slog.String("addr", cfg.RedisAddr),
			slog.Int("db", cfg.RedisDB),
		)
		return redisstore.NewStore(client, cfg.RedisKeyPrefix), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Handler returns the HTTP handler serving the cart API.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Store returns the cart store.
func (a *App) Store() *cart.Store {
	return a.store
}

// Run starts the HTTP server and the event relay, and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.startRelay()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

func (a *App) startRelay() {
	if a.relay == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.relayCancel = cancel
	a.relayDone.Add(1)
	go func() {
		defer a.relayDone.Done()
		a.relay.Run(ctx)
	}()
}

// Shutdown gracefully stops all components. Pending cart writes are flushed
// before storage is closed.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	// Closing the store closes the relay's subscription, letting it finish
	// the event in flight.
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("cart store close error", slog.String("error", err.Error()))
	}
	a.relayDone.Wait()
	if a.relayCancel != nil {
		a.relayCancel()
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}

	if err := a.kv.Close(); err != nil {
		a.logger.Error("storage close error", slog.String("error", err.Error()))
	}

	if err := a.tracerShutdown(ctx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
	return nil
}
