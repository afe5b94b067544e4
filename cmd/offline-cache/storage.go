package main

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/go-redis/redis/v8"
)

// openStorage opens the configured storage provider.
func openStorage(config StorageConfig) (cache.Storage, error) {
	switch config.Provider {
	case "memory":
		return cache.NewMemStorage(), nil
	case "sqlite":
		// an empty path opens an in-memory db
		path := config.Path
		if path == "memory" {
			path = ""
		}
		storage, err := cache.NewSQLiteStorage(path)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "leveldb":
		path := config.Path
		if path == "" || path == "cache.db" {
			path = "cache.leveldb"
		}
		storage, err := cache.NewLevelDBStorage(path)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		// test the connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return cache.NewRedisStorage(client, config.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", config.Provider)
	}
}
