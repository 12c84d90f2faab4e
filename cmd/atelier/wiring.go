// Copyright 2026 The Atelier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/atelierd/atelier/pkg/config"
	"github.com/atelierd/atelier/pkg/logger"
	"github.com/atelierd/atelier/pkg/quota"
	"github.com/atelierd/atelier/pkg/ratelimit"
	"github.com/atelierd/atelier/pkg/task"
)

// bootstrap loads configuration and installs the logger. The returned
// closer flushes the log file, if any.
func bootstrap(path string) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	log, closer, err := logger.Setup(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, closer, nil
}

// openRedis connects and pings the shared Redis.
func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// mysqlDSN forces parseTime on so TIMESTAMP columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	return parsed.FormatDSN(), nil
}

// openTaskStore opens the relational database and bootstraps the task
// schema.
func openTaskStore(cfg config.DatabaseConfig) (*task.SQLStore, *sql.DB, error) {
	driver := cfg.Driver
	dsn := cfg.DSN
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	if driver == "mysql" {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, nil, err
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("database open failed: %w", err)
	}
	store, err := task.NewSQLStore(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// buildLimiter assembles the Redis-backed rate limiter.
func buildLimiter(ctx context.Context, rdb redis.UniversalClient, cfg *config.Config, log *slog.Logger) (*ratelimit.Limiter, error) {
	store := quota.NewRedisStore(rdb, quota.WithLogger(log))
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load quota scripts: %w", err)
	}
	return ratelimit.NewLimiter(store,
		ratelimit.WithLogger(log),
		ratelimit.WithFlushBatchSize(int64(cfg.Flush.BatchSize)),
		ratelimit.WithFlushBatchRetry(cfg.Flush.BatchRetries),
	)
}
