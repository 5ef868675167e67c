package main

import (
	"context"
	"database/sql"
	"fmt"

	"payflow/cmd/server/config"
	sagasdb "payflow/internal/db/sagas"
	"payflow/internal/idempotency"
	"payflow/internal/saga"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// openPostgres opens and pings the saga database.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := openDB("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildSagaStore returns the Postgres store when a database URL is set and
// the in-memory store otherwise.
func buildSagaStore(ctx context.Context, cfg config.DatabaseConfig, log logr.Logger) (saga.Store, func(), error) {
	if cfg.URL == "" {
		log.Info("no database configured, keeping sagas in memory")
		return sagasdb.NewMemoryStore(), func() {}, nil
	}
	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := sagasdb.NewPostgresStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Error(err, "close saga database")
		}
	}
	return store, cleanup, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// buildLedger returns the Redis ledger when a Redis URL is set and the
// in-memory ledger otherwise.
func buildLedger(ctx context.Context, cfg config.Config, log logr.Logger) (idempotency.Ledger, func(), error) {
	if cfg.Redis.URL == "" {
		log.Info("no redis configured, keeping the idempotency ledger in memory")
		return idempotency.NewMemoryLedger(cfg.Ledger.ResultTTL), func() {}, nil
	}
	client, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Error(err, "close redis")
		}
	}
	return idempotency.NewRedisLedger(client, cfg.Redis.KeyPrefix, cfg.Ledger.ResultTTL), cleanup, nil
}
