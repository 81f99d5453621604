package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pvanvliet16/jentrata-VIB/internal/config"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage/memory"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage/mongodb"
	"github.com/pvanvliet16/jentrata-VIB/internal/storage/postgres"
)

// openStore connects the configured storage driver.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	logger.Info("opening store", "driver", cfg.Driver)

	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverMongoDB:
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.MongoDB.URI,
			Database:       cfg.MongoDB.Database,
			GridFSBucket:   cfg.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: cfg.MongoDB.GridFS.ChunkSizeBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing mongodb store: %w", err)
		}
		return store, nil
	case config.DriverPostgres:
		store, err := postgres.NewStore(ctx, &postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
