/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend selects where workout data is persisted.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StorageRedis    StorageBackend = "redis"
	StorageSQLite   StorageBackend = "sqlite"
	StoragePostgres StorageBackend = "postgres"
	StorageMySQL    StorageBackend = "mysql"
	StorageS3       StorageBackend = "s3"
)

// IsSQL reports whether b is one of the gorm-backed databases.
func (b StorageBackend) IsSQL() bool {
	return b == StorageSQLite || b == StoragePostgres || b == StorageMySQL
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	LogLevel    string // overrides the environment's default level when set
	HTTPBind    string
	HTTPPort    int
	MetricsBind string // separate listener for /metrics; empty serves it on the API port

	// Workout storage
	KVBackend     StorageBackend
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, etc.)
	S3UsePathStyle    bool
	S3Prefix          string

	// Collaborators
	DeviceURL    string
	DeviceToken  string
	CatalogURL   string
	CatalogToken string // used when a request carries no bearer of its own
	NATSURL      string // empty disables the event bridge
	NATSSubject  string

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Playback tuning
	CountdownThresholdBeats int
	MinSegmentMs            int64
	PollInterval            time.Duration
	SampleInterval          time.Duration
	GoCueDisplay            time.Duration
	DefaultBPM              float64
	PersistDebounce         time.Duration
	DeviceMaxRetries        int
	DeviceRetryInterval     time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"CADENCE_ENV"}, "development"),
		LogLevel:    getEnvAny([]string{"CADENCE_LOG_LEVEL", "LOG_LEVEL"}, ""),
		HTTPBind:    getEnvAny([]string{"CADENCE_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"CADENCE_HTTP_PORT"}, 8080),
		MetricsBind: getEnvAny([]string{"CADENCE_METRICS_BIND"}, ""),

		KVBackend:     StorageBackend(strings.ToLower(getEnvAny([]string{"CADENCE_KV_BACKEND"}, string(StorageMemory)))),
		DBDSN:         getEnvAny([]string{"CADENCE_DB_DSN"}, ""),
		RedisAddr:     getEnvAny([]string{"CADENCE_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"CADENCE_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"CADENCE_REDIS_DB"}, 0),

		S3AccessKeyID:     getEnvAny([]string{"CADENCE_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"CADENCE_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"CADENCE_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"CADENCE_S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"CADENCE_S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"CADENCE_S3_USE_PATH_STYLE"}, false),
		S3Prefix:          getEnvAny([]string{"CADENCE_S3_PREFIX"}, "cadence/"),

		DeviceURL:    getEnvAny([]string{"CADENCE_DEVICE_URL"}, ""),
		DeviceToken:  getEnvAny([]string{"CADENCE_DEVICE_TOKEN"}, ""),
		CatalogURL:   getEnvAny([]string{"CADENCE_CATALOG_URL"}, ""),
		CatalogToken: getEnvAny([]string{"CADENCE_CATALOG_TOKEN"}, ""),
		NATSURL:      getEnvAny([]string{"CADENCE_NATS_URL", "NATS_URL"}, ""),
		NATSSubject:  getEnvAny([]string{"CADENCE_NATS_SUBJECT"}, "cadence.events"),

		TracingEnabled:    getEnvBoolAny([]string{"CADENCE_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"CADENCE_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"CADENCE_TRACING_SAMPLE_RATE"}, 1.0),

		CountdownThresholdBeats: getEnvIntAny([]string{"CADENCE_COUNTDOWN_THRESHOLD_BEATS"}, 8),
		MinSegmentMs:            int64(getEnvIntAny([]string{"CADENCE_MIN_SEGMENT_MS"}, 1000)),
		PollInterval:            getEnvMillisAny([]string{"CADENCE_POLL_INTERVAL_MS"}, 50),
		SampleInterval:          getEnvMillisAny([]string{"CADENCE_SAMPLE_INTERVAL_MS"}, 50),
		GoCueDisplay:            getEnvMillisAny([]string{"CADENCE_GO_CUE_DISPLAY_MS"}, 1500),
		DefaultBPM:              getEnvFloatAny([]string{"CADENCE_DEFAULT_BPM"}, 120),
		PersistDebounce:         getEnvMillisAny([]string{"CADENCE_PERSIST_DEBOUNCE_MS"}, 500),
		DeviceMaxRetries:        getEnvIntAny([]string{"CADENCE_DEVICE_MAX_RETRIES"}, 3),
		DeviceRetryInterval:     getEnvMillisAny([]string{"CADENCE_DEVICE_RETRY_INTERVAL_MS"}, 2000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.KVBackend == StorageMemory, c.KVBackend == StorageRedis, c.KVBackend == StorageS3, c.KVBackend.IsSQL():
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend %q", c.KVBackend))
	}
	if c.KVBackend.IsSQL() && c.DBDSN == "" {
		errs = append(errs, fmt.Errorf("CADENCE_DB_DSN must be provided for the %s backend", c.KVBackend))
	}
	if c.KVBackend == StorageS3 && c.S3Bucket == "" {
		errs = append(errs, errors.New("CADENCE_S3_BUCKET must be provided for the s3 backend"))
	}
	if c.KVBackend == StorageRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("CADENCE_REDIS_ADDR must be provided for the redis backend"))
	}

	if c.DefaultBPM < 40 || c.DefaultBPM > 250 {
		errs = append(errs, fmt.Errorf("CADENCE_DEFAULT_BPM %.1f outside 40-250", c.DefaultBPM))
	}
	if c.CountdownThresholdBeats <= 0 {
		errs = append(errs, errors.New("CADENCE_COUNTDOWN_THRESHOLD_BEATS must be positive"))
	}
	if c.MinSegmentMs <= 0 {
		errs = append(errs, errors.New("CADENCE_MIN_SEGMENT_MS must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"CADENCE_POLL_INTERVAL_MS":         c.PollInterval,
		"CADENCE_SAMPLE_INTERVAL_MS":       c.SampleInterval,
		"CADENCE_GO_CUE_DISPLAY_MS":        c.GoCueDisplay,
		"CADENCE_PERSIST_DEBOUNCE_MS":      c.PersistDebounce,
		"CADENCE_DEVICE_RETRY_INTERVAL_MS": c.DeviceRetryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.DeviceMaxRetries <= 0 {
		errs = append(errs, errors.New("CADENCE_DEVICE_MAX_RETRIES must be positive"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("CADENCE_TRACING_SAMPLE_RATE %.2f outside 0-1", c.TracingSampleRate))
	}

	return errors.Join(errs...)
}

// HTTPAddr returns the API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvMillisAny reads a millisecond count as a duration.
func getEnvMillisAny(keys []string, defMs int) time.Duration {
	return time.Duration(getEnvIntAny(keys, defMs)) * time.Millisecond
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
