/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package kv

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/config"
	"github.com/friendsincode/cadence/internal/db"
)

// Open builds the configured backend. Everything except memory comes back
// wrapped in Resilient.
func Open(ctx context.Context, cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (Store, error) {
	var backend Store

	switch {
	case cfg.KVBackend == config.StorageMemory:
		return NewMemory(), nil
	case cfg.KVBackend == config.StorageRedis:
		backend = NewRedis(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	case cfg.KVBackend.IsSQL():
		database, err := db.Connect(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			_ = db.Close(database)
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		backend = NewSQL(database)
	case cfg.KVBackend == config.StorageS3:
		s, err := NewS3(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		backend = s
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.KVBackend)
	}

	logger.Info().Str("backend", backend.Name()).Msg("workout storage opened")
	return NewResilient(backend, clk, DefaultRetryAfter, logger), nil
}
