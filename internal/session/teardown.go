/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/telemetry"
)

// Teardown releases the device and resets the session. The steps always
// run in order and each is attempted even when an earlier one fails:
//
//  1. pause the device (failures ignored)
//  2. stop the estimate sampler
//  3. detach device listeners
//  4. disconnect the device
//  5. reset local state to Disconnected
//
// Teardown is idempotent. A call that overlaps a running teardown waits
// for it instead of starting a second one.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if run := s.teardown; run != nil {
		s.mu.Unlock()
		select {
		case <-run.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	run := &teardownRun{done: make(chan struct{})}
	s.teardown = run
	s.gen++
	if s.state != models.SessionDisconnected {
		_ = s.transitionLocked(models.SessionDisconnecting)
	}
	s.mu.Unlock()

	var errs []error

	// 1. Pause, best effort.
	pauseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommandTimeout)
	if err := s.dev.Pause(pauseCtx); err != nil {
		s.logger.Debug().Err(err).Msg("teardown pause failed")
	}
	cancel()

	// 2. Sampler.
	s.sampler.Stop()

	// 3. Listeners.
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()

	// 4. Device handle.
	if err := s.dev.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect device: %w", err))
	}

	// 5. Local state.
	s.est.Reset()
	s.mu.Lock()
	if s.state == models.SessionDisconnecting {
		_ = s.transitionLocked(models.SessionDisconnected)
	}
	s.localSeq = 0
	s.pendingTrack = ""
	s.endedFor = ""
	s.sample = s.est.Current()
	s.teardown = nil
	s.mu.Unlock()

	err := errors.Join(errs...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn().Err(err).Msg("teardown finished with errors")
	} else {
		s.logger.Info().Msg("session torn down")
	}
	telemetry.SessionTeardownsTotal.WithLabelValues(outcome).Inc()

	close(run.done)
	return err
}
