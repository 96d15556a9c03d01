/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package estimator

import (
	"context"
	"sync"
	"time"

	"github.com/friendsincode/cadence/internal/clock"
)

// DefaultSampleInterval is the UI smoothing cadence.
const DefaultSampleInterval = 50 * time.Millisecond

// SinkFunc receives sampled estimates. Samples are display-only.
type SinkFunc func(Estimate)

// Sampler reads the estimator on a fixed interval for UI smoothness.
// Restart and Stop cancel the running loop before returning.
type Sampler struct {
	clock    clock.Clock
	interval time.Duration
	est      *Estimator
	sink     SinkFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a stopped sampler.
func NewSampler(clk clock.Clock, interval time.Duration, est *Estimator, sink SinkFunc) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{clock: clk, interval: interval, est: est, sink: sink}
}

// Restart cancels any running loop and starts a fresh one.
func (s *Sampler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if ctx.Err() != nil {
					return
				}
				s.sink(s.est.Current())
			}
		}
	}()
}

// Stop cancels the running loop, if any. Safe to call repeatedly.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Running reports whether a sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
