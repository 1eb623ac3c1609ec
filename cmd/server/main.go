package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/plenty-of-plants/contest/internal/api/http"
	appContest "github.com/plenty-of-plants/contest/internal/application/contest"
	"github.com/plenty-of-plants/contest/internal/config"
	"github.com/plenty-of-plants/contest/internal/domain/contest"
	"github.com/plenty-of-plants/contest/internal/infrastructure/boltstore"
	"github.com/plenty-of-plants/contest/internal/infrastructure/memory"
	"github.com/plenty-of-plants/contest/internal/infrastructure/postgres"
	"github.com/plenty-of-plants/contest/internal/infrastructure/rabbitmq"
	"github.com/plenty-of-plants/contest/internal/infrastructure/redisstore"
	"github.com/plenty-of-plants/contest/internal/infrastructure/sse"
	"github.com/plenty-of-plants/contest/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sseHub := sse.NewHub()
	defer sseHub.Stop()

	store, closeStore, err := openStore(ctx, cfg, sseHub, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store init failed")
	}
	defer closeStore()

	var publisher contest.ResultPublisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err := rabbitmq.NewResultPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("amqp init failed")
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	repo := appContest.NewRepository(store, sseHub, cfg.TxMaxAttempts, logger)
	contestSvc := appContest.NewService(repo, cfg.Policy, publisher, logger)

	apiServer := httpapi.NewServer(contestSvc, logger)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// background sweeper
	go schedule.Every(ctx, cfg.SweepInterval, func(ctx context.Context) {
		if _, err := contestSvc.CleanupExpiredSessions(ctx); err != nil {
			logger.Warn().Err(err).Msg("expiry sweep failed")
		}
		if _, err := contestSvc.PurgeFinished(ctx, cfg.Retention); err != nil {
			logger.Warn().Err(err).Msg("purge failed")
		}
	})

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("backend", cfg.StoreBackend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	logger.Info().Msg("http server stopped")
}

// openStore builds the configured backend. Backends shared between instances
// also get a listener relaying other instances' changes into the hub.
func openStore(ctx context.Context, cfg *config.Config, hub *sse.Hub, logger zerolog.Logger) (contest.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		store := postgres.NewContestStore(pool)
		go postgres.NewContestListener(pool, store, hub, logger).Run(ctx)
		return store, pool.Close, nil
	case config.BackendRedis:
		rdb, err := redisstore.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		go redisstore.NewListener(rdb, hub, logger).Run(ctx)
		return redisstore.NewStore(rdb), func() { _ = rdb.Close() }, nil
	case config.BackendBolt:
		store, err := boltstore.Open(cfg.BoltPath, hub)
		if err != nil {
			return nil, nil, fmt.Errorf("bolt: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memory.NewStore(hub), func() {}, nil
	}
}
