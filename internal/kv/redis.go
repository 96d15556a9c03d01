/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces cadence keys inside a shared Redis database.
const DefaultRedisPrefix = "cadence:kv:"

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis stores each key as a Redis string.
type Redis struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedis connects to Redis. An unreachable server is logged, not fatal:
// operations fail with ErrStorage until it comes back.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	r := &Redis{
		client: client,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "kv_redis").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable at startup")
	} else {
		r.logger.Info().Str("addr", cfg.Addr).Msg("redis store initialized")
	}
	return r
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, observe(r.Name(), "get", nil)
	}
	if err != nil {
		return nil, false, observe(r.Name(), "get", err)
	}
	return data, true, observe(r.Name(), "get", nil)
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return observe(r.Name(), "set", r.client.Set(ctx, r.prefix+key, value, 0).Err())
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return observe(r.Name(), "remove", r.client.Del(ctx, r.prefix+key).Err())
}

// Keys walks the keyspace with SCAN so large databases are not blocked.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.prefix+prefix+"*", 100).Result()
		if err != nil {
			return nil, observe(r.Name(), "keys", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// SCAN's glob treats *, ? and [ specially, so re-check the literal prefix.
	return filterSorted(keys, prefix), observe(r.Name(), "keys", nil)
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Close() error {
	return r.client.Close()
}
