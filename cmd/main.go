/**
 * @description
 * This is the main entry point for the payment-service. It wires the event store
 * and bus, the command gateway with the member and payout order aggregates, the
 * payout saga, the member view projection, the RabbitMQ relay and notification
 * consumer, the saga maintenance scheduler, and the HTTP API.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL event store, checkpoints and member view.
 * - github.com/redis/go-redis/v9: Payout saga correlation store.
 * - pkg/rabbitmq: Event relay producer and provider notification consumer.
 * - pkg/trustlyclient, pkg/adyenclient: Payout provider APIs.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-service/internal/aggregate"
	"github.com/transfa/payment-service/internal/api"
	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/config"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
	"github.com/transfa/payment-service/internal/projection"
	"github.com/transfa/payment-service/internal/provider"
	"github.com/transfa/payment-service/internal/saga"
	"github.com/transfa/payment-service/internal/store"
	"github.com/transfa/payment-service/pkg/adyenclient"
	"github.com/transfa/payment-service/pkg/rabbitmq"
	"github.com/transfa/payment-service/pkg/trustlyclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.InternalAPIKey == "" && cfg.ServiceJWTSecret == "" {
		logger.Warn("no internal api key or service jwt secret configured; api is unauthenticated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event store, checkpoints and member view: Postgres when configured, memory otherwise.
	var (
		events      eventstore.Store
		checkpoints eventstore.CheckpointStore
		memberView  store.Repository
	)
	if cfg.DatabaseURL != "" {
		dbpool, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established")

		pgEvents := eventstore.NewPostgresStore(dbpool)
		pgView := store.NewPostgresRepository(dbpool)
		if err := pgEvents.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare event store schema", "error", err)
			os.Exit(1)
		}
		if err := pgView.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare member view schema", "error", err)
			os.Exit(1)
		}
		events = pgEvents
		checkpoints = eventstore.NewPostgresCheckpoints(dbpool)
		memberView = pgView
	} else {
		logger.Warn("DATABASE_URL not set; events and member view are kept in memory")
		events = eventstore.NewMemoryStore()
		checkpoints = eventstore.NewMemoryCheckpoints()
		memberView = store.NewMemoryRepository()
	}

	// Saga correlation store: Redis when reachable, memory otherwise.
	var sagaStore saga.Store = saga.NewMemoryStore()
	if redisClient := connectRedis(ctx, cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		sagaStore = saga.NewRedisStore(redisClient, cfg.RedisSagaPrefix)
	}

	bus := eventstore.NewBus(events, checkpoints, logger)

	gateway := command.NewGateway(bus, logger, command.Config{
		Timeout:            cfg.CommandTimeout(),
		MaxConflictRetries: cfg.CommandMaxConflictRetries,
	})
	if err := aggregate.Register(gateway, time.Now); err != nil {
		logger.Error("failed to register aggregates", "error", err)
		os.Exit(1)
	}

	adapters := provider.Registry{
		domain.ProviderTrustly: provider.NewTrustlyAdapter(trustlyclient.NewClient(cfg.TrustlyAPIBaseURL, cfg.TrustlyUsername, cfg.TrustlyPassword)),
		domain.ProviderAdyen:   provider.NewAdyenAdapter(adyenclient.NewClient(cfg.AdyenAPIBaseURL, cfg.AdyenAPIKey, cfg.AdyenMerchantAccount)),
	}
	retry := provider.DefaultRetryPolicy()
	retry.MaxAttempts = uint(cfg.ProviderMaxRetries)

	payoutSaga := saga.NewPayoutSaga(sagaStore, gateway, adapters, retry, logger.With("component", saga.GroupName))
	memberProjection := projection.NewMemberProjection(memberView, logger.With("component", projection.GroupName))

	var publisher rabbitmq.Publisher = &rabbitmq.FallbackPublisher{Logger: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; event relay disabled", "error", err)
		} else {
			defer producer.Close()
			publisher = producer
		}
	}

	subscriptions := map[string]eventstore.Handler{
		saga.GroupName:       payoutSaga,
		projection.GroupName: memberProjection,
		app.RelayGroupName:   app.NewEventRelay(publisher),
	}
	for name, handler := range subscriptions {
		if err := bus.Subscribe(name, handler); err != nil {
			logger.Error("failed to subscribe consumer group", "group", name, "error", err)
			os.Exit(1)
		}
	}
	if err := bus.Start(ctx); err != nil {
		logger.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	logger.Info("event bus started", "groups", len(subscriptions))

	service := app.NewService(gateway, logger, cfg.PayoutCategory)

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		notifications := app.NewProviderNotificationConsumer(gateway, logger.With("component", "provider-notifications"))
		if err := consumer.ConsumeWithBindings(app.ProviderExchange, cfg.ProviderEventQueue, 10, notifications.Bindings()); err != nil {
			logger.Error("provider notification consumer start failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("RABBITMQ_URL not set; provider notifications are not consumed")
	}

	jobs := app.NewJobs(payoutSaga, logger, cfg.SagaStaleAfter(), cfg.SagaRetention())
	scheduler := app.NewScheduler(jobs, logger, cfg.SagaSweepSchedule, cfg.SagaPruneSchedule)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(service, projection.NewQueries(memberView, bus), logger)
	server := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.NewRouter(handlers, api.RouterConfig{
			InternalAPIKey:   cfg.InternalAPIKey,
			ServiceJWTSecret: cfg.ServiceJWTSecret,
			AllowedOrigins:   cfg.AllowedOrigins(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	<-scheduler.Stop().Done()
	gateway.Wait()
	cancel()
	bus.Wait()
	logger.Info("shutdown complete")
}

func connectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return dbpool, nil
}

// connectRedis returns nil when Redis is not configured or not reachable.
func connectRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("REDIS_URL not set; payout saga state is kept in memory")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; payout saga state is kept in memory", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; payout saga state is kept in memory", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
