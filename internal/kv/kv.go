/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package kv persists workout data as opaque values under string keys.
// Backends: in-process memory, Redis, a SQL table through gorm, and S3
// objects. Resilient wraps any of them and falls back to memory on failure.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/friendsincode/cadence/internal/telemetry"
)

// ErrStorage marks a failed read or write against a backend.
var ErrStorage = errors.New("storage error")

// Store is the key-value persistence collaborator.
type Store interface {
	// Get returns the value under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Name() string
	Close() error
}

// observe counts the operation and wraps failures in ErrStorage.
func observe(backend, op string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.KVOperationsTotal.WithLabelValues(backend, op, result).Inc()
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrStorage, backend, op, err)
	}
	return nil
}

func filterSorted(keys []string, prefix string) []string {
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
