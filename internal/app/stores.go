package app

import (
	"context"
	"fmt"

	gfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/internal/config"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/firestore"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/postgres"
	"github.com/mihaimyh/billsync/storage/redis"
)

// backend is a storage driver that keeps records, the audit trail and processed event ids.
type backend interface {
	billsync.Store
	billsync.AuditLog
	billsync.DedupSet
}

func openBackend(ctx context.Context, cfg *config.Config, logger billsync.Logger) (backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.New(), noop, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := redis.New(client, redis.Config{KeyPrefix: cfg.Redis.KeyPrefix, AuditTTL: cfg.Redis.AuditTTL})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return store, store.Close, nil

	case config.DriverPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.ConnectionString
		pgConfig.AutoMigrate = cfg.Postgres.AutoMigrate
		pgConfig.Logger = logger
		if cfg.Postgres.MaxConns > 0 {
			pgConfig.MaxConns = cfg.Postgres.MaxConns
		}
		if cfg.Postgres.CleanupInterval > 0 {
			pgConfig.CleanupInterval = cfg.Postgres.CleanupInterval
		}
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { store.Close(); return nil }, nil

	case config.DriverFirestore:
		client, err := gfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{RecordsCollection: cfg.Firestore.RecordsCollection})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
