/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package kv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/telemetry"
)

// DefaultRetryAfter is how long a degraded store serves from memory before
// probing the backend again.
const DefaultRetryAfter = 30 * time.Second

// Resilient fronts a backend with an in-memory mirror. The first backend
// failure degrades it to memory-only operation; failures never reach the
// caller. Writes made while degraded are replayed once the backend answers.
type Resilient struct {
	primary    Store
	mirror     *Memory
	clock      clock.Clock
	retryAfter time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	degraded bool
	retryAt  time.Time
	dirty    map[string]bool // key -> true for set, false for removed
}

// NewResilient wraps primary. A zero retryAfter uses DefaultRetryAfter.
func NewResilient(primary Store, clk clock.Clock, retryAfter time.Duration, logger zerolog.Logger) *Resilient {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	telemetry.KVDegraded.Set(0)
	return &Resilient{
		primary:    primary,
		mirror:     NewMemory(),
		clock:      clk,
		retryAfter: retryAfter,
		logger:     logger.With().Str("component", "kv").Str("backend", primary.Name()).Logger(),
		dirty:      make(map[string]bool),
	}
}

// Degraded reports whether the store is serving from memory only.
func (r *Resilient) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.usePrimary(ctx) {
		v, ok, err := r.primary.Get(ctx, key)
		if err == nil {
			if ok {
				_ = r.mirror.Set(ctx, key, v)
			} else {
				_ = r.mirror.Remove(ctx, key)
			}
			return v, ok, nil
		}
		r.degrade(err, "get")
	}
	return r.mirror.Get(ctx, key)
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte) error {
	_ = r.mirror.Set(ctx, key, value)
	if r.usePrimary(ctx) {
		err := r.primary.Set(ctx, key, value)
		if err == nil {
			return nil
		}
		r.degrade(err, "set")
	}
	r.markDirty(key, true)
	return nil
}

func (r *Resilient) Remove(ctx context.Context, key string) error {
	_ = r.mirror.Remove(ctx, key)
	if r.usePrimary(ctx) {
		err := r.primary.Remove(ctx, key)
		if err == nil {
			return nil
		}
		r.degrade(err, "remove")
	}
	r.markDirty(key, false)
	return nil
}

func (r *Resilient) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.usePrimary(ctx) {
		keys, err := r.primary.Keys(ctx, prefix)
		if err == nil {
			return r.mergeMirror(ctx, keys, prefix), nil
		}
		r.degrade(err, "keys")
	}
	return r.mirror.Keys(ctx, prefix)
}

func (r *Resilient) Name() string { return r.primary.Name() }

func (r *Resilient) Close() error {
	return r.primary.Close()
}

// mergeMirror adds keys written locally that the backend has not listed yet.
func (r *Resilient) mergeMirror(ctx context.Context, keys []string, prefix string) []string {
	local, _ := r.mirror.Keys(ctx, prefix)
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range local {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// usePrimary reports whether to call the backend, probing it when the
// retry window has passed.
func (r *Resilient) usePrimary(ctx context.Context) bool {
	r.mu.Lock()
	if !r.degraded {
		r.mu.Unlock()
		return true
	}
	if r.clock.Now().Before(r.retryAt) {
		r.mu.Unlock()
		return false
	}
	pending := make(map[string]bool, len(r.dirty))
	for k, v := range r.dirty {
		pending[k] = v
	}
	r.retryAt = r.clock.Now().Add(r.retryAfter)
	r.mu.Unlock()

	if err := r.replay(ctx, pending); err != nil {
		r.logger.Debug().Err(err).Msg("storage backend still unavailable")
		return false
	}

	r.mu.Lock()
	for k := range pending {
		delete(r.dirty, k)
	}
	r.degraded = false
	r.mu.Unlock()

	telemetry.KVDegraded.Set(0)
	r.logger.Info().Int("replayed", len(pending)).Msg("storage backend recovered")
	return true
}

func (r *Resilient) replay(ctx context.Context, pending map[string]bool) error {
	if len(pending) == 0 {
		_, err := r.primary.Keys(ctx, "\x00probe")
		return err
	}
	for key, set := range pending {
		if !set {
			if err := r.primary.Remove(ctx, key); err != nil {
				return err
			}
			continue
		}
		v, ok, _ := r.mirror.Get(ctx, key)
		if !ok {
			continue
		}
		if err := r.primary.Set(ctx, key, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resilient) degrade(err error, op string) {
	r.mu.Lock()
	first := !r.degraded
	r.degraded = true
	r.retryAt = r.clock.Now().Add(r.retryAfter)
	r.mu.Unlock()

	if first {
		telemetry.KVDegraded.Set(1)
		r.logger.Error().Err(err).Str("operation", op).Msg("storage failed, continuing in memory")
	} else {
		r.logger.Debug().Err(err).Str("operation", op).Msg("storage operation failed")
	}
}

func (r *Resilient) markDirty(key string, set bool) {
	r.mu.Lock()
	if r.degraded {
		r.dirty[key] = set
	}
	r.mu.Unlock()
}
