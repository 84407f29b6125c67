package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/config"
	"github.com/amerfu/llmbudget/internal/database"
	"github.com/amerfu/llmbudget/internal/logger"
	"github.com/amerfu/llmbudget/internal/services/budget"
	redisService "github.com/amerfu/llmbudget/internal/services/redis"
)

const connectTimeout = 5 * time.Second

type backend struct {
	store budget.Store
	redis *redis.Client
	close []func() error
}

func (b *backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		_ = b.close[i]()
	}
}

// openBackend builds the budget store selected by database.driver. A SQL
// driver without a URL runs in lite mode on the in-memory store.
func openBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
		if cfg.Database.URL == "" {
			log.Warn("Running in LITE MODE - no database URL configured, budgets are kept in memory and lost on restart",
				zap.String("driver", cfg.Database.Driver))
			b.store = budget.NewMemoryStore()
			break
		}

		log.Info("Connecting to database",
			zap.String("driver", cfg.Database.Driver),
			zap.String("url", maskConnectionString(cfg.Database.URL)))
		err := database.Initialize(&database.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.URL,
			MaxConnections:  cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			LogLevel:        database.ParseLogLevel(cfg.Database.LogLevel),
			Logger:          logger.With(zap.String("component", "gorm")),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		b.close = append(b.close, database.Close)
		b.store = budget.NewGormStore(database.GetDB())

	case "redis":
		client, err := connectRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.redis = client
		b.close = append(b.close, client.Close)
		b.store = redisService.NewStore(client, log, cfg.Redis.KeyPrefix)

	case "memory":
		log.Warn("Using in-memory budget store, budgets are lost on restart")
		b.store = budget.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	// Events need Redis even when budgets live elsewhere.
	if cfg.Events.Enabled && b.redis == nil {
		client, err := connectRedis(cfg.Redis)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("events enabled: %w", err)
		}
		b.redis = client
		b.close = append(b.close, client.Close)
	}

	return b, nil
}

func connectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Override with explicit password and DB if provided
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// maskConnectionString masks sensitive parts of connection strings
func maskConnectionString(conn string) string {
	if len(conn) > 20 {
		return conn[:10] + "****" + conn[len(conn)-10:]
	}
	return "****"
}
