/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry keeps at most one session Active per process. When a session
// becomes Active, the previously active one is torn down.
type Registry struct {
	logger zerolog.Logger

	mu     sync.Mutex
	active *Session
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger.With().Str("component", "session_registry").Logger()}
}

// Track makes r responsible for s; s claims the active slot when it goes Active.
func (r *Registry) Track(s *Session) {
	s.mu.Lock()
	s.onActive = r.claim
	s.mu.Unlock()
}

// Active returns the active session, or nil.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Release tears s down and frees the slot if s holds it.
func (r *Registry) Release(ctx context.Context, s *Session) error {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()
	return s.Teardown(ctx)
}

// Close tears down the active session, if any.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	s := r.active
	r.active = nil
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Teardown(ctx)
}

func (r *Registry) claim(s *Session) {
	r.mu.Lock()
	prev := r.active
	r.active = s
	r.mu.Unlock()

	if prev == nil || prev == s {
		return
	}
	r.logger.Info().Str("previous", prev.ID()).Str("current", s.ID()).Msg("replacing active session")
	if err := prev.Teardown(context.Background()); err != nil {
		r.logger.Warn().Err(err).Str("session_id", prev.ID()).Msg("previous session teardown failed")
	}
}
