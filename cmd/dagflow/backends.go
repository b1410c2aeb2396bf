package main

import (
	"context"
	"fmt"

	"github.com/aescanero/dagflow/internal/config"
	eventsmemory "github.com/aescanero/dagflow/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/dagflow/pkg/adapters/events/redis"
	storagememory "github.com/aescanero/dagflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagflow/pkg/adapters/storage/postgres"
	storageredis "github.com/aescanero/dagflow/pkg/adapters/storage/redis"
	"github.com/aescanero/dagflow/pkg/ports"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// backends holds the store and event bus picked by the configuration
type backends struct {
	store    ports.Store
	bus      ports.EventBus
	postgres *postgres.Store

	logger  *zap.Logger
	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{logger: logger}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		b.closers = append(b.closers, redisClient.Close)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		b.store = storageredis.NewStore(redisClient, cfg.Redis.StateTTL, logger)
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			pool.Close()
			return nil
		})
		b.postgres = postgres.NewStore(pool, logger)
		b.store = b.postgres
		logger.Info("connected to PostgreSQL")
	default:
		b.store = storagememory.NewInMemoryStore()
	}

	switch cfg.Events.Backend {
	case config.BackendRedis:
		b.bus = eventsredis.NewStreamsEventBus(
			redisClient,
			cfg.Events.ConsumerGroup,
			cfg.Events.ConsumerName,
			cfg.Events.StreamMaxLen,
			logger,
		)
	default:
		b.bus = eventsmemory.NewInMemoryEventBus(logger)
	}
	b.closers = append(b.closers, b.bus.Close)

	logger.Info("backends ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("events", cfg.Events.Backend))
	return b, nil
}

// migrate creates the schema when the store needs one
func (b *backends) migrate(ctx context.Context) error {
	if b.postgres == nil {
		return nil
	}
	return b.postgres.Migrate(ctx)
}

// Close releases the backends in reverse order of opening
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Error("failed to close backend", zap.Error(err))
		}
	}
	b.closers = nil
}
