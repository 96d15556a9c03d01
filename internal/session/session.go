/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session owns the lifecycle of one remote player: connecting,
// issuing playback commands, turning device notifications into position
// estimates and events, and tearing everything down again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/device"
	"github.com/friendsincode/cadence/internal/estimator"
	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/telemetry"
)

var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrNotReady is returned by playback commands before the device is registered.
	ErrNotReady = errors.New("session not ready")

	// ErrRetriesExhausted means the connect budget is spent; playback cannot proceed.
	ErrRetriesExhausted = errors.New("device connection retries exhausted")

	// ErrTornDown is returned by a Connect that lost a race with Teardown.
	ErrTornDown = errors.New("session torn down")
)

// Config holds session tuning.
type Config struct {
	MaxRetries     int
	RetryInterval  time.Duration
	SampleInterval time.Duration
	CommandTimeout time.Duration
	// EndTolerance is how close to the duration a paused report must be
	// to count as the track having ended on the device.
	EndTolerance time.Duration
}

// DefaultConfig returns the stock session settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryInterval:  2 * time.Second,
		SampleInterval: estimator.DefaultSampleInterval,
		CommandTimeout: 2 * time.Second,
		EndTolerance:   500 * time.Millisecond,
	}
}

// Session is the owned handle around one device.
type Session struct {
	id      string
	dev     device.Device
	clock   clock.Clock
	bus     *events.Bus
	cfg     Config
	logger  zerolog.Logger
	est     *estimator.Estimator
	sampler *estimator.Sampler

	mu           sync.Mutex
	state        models.SessionState
	gen          uint64 // bumped by every teardown
	attempts     int
	exhausted    bool
	lastErr      error
	detach       []func()
	localSeq     uint64
	pendingTrack string
	endedFor     string
	sample       estimator.Estimate
	teardown     *teardownRun
	onActive     func(*Session)
}

type teardownRun struct {
	done chan struct{}
}

// New creates a disconnected session for dev.
func New(dev device.Device, clk clock.Clock, bus *events.Bus, cfg Config, logger zerolog.Logger) *Session {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.EndTolerance <= 0 {
		cfg.EndTolerance = def.EndTolerance
	}

	id := uuid.NewString()
	s := &Session{
		id:     id,
		dev:    dev,
		clock:  clk,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Str("session_id", id).Logger(),
		est:    estimator.New(clk),
		state:  models.SessionDisconnected,
	}
	s.sampler = estimator.NewSampler(clk, cfg.SampleInterval, s.est, s.storeSample)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Estimator exposes the position estimator for the scheduler.
func (s *Session) Estimator() *estimator.Estimator { return s.est }

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent connect or fatal device error.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Sample returns the most recent UI-smoothing sample.
func (s *Session) Sample() estimator.Estimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample
}

// Connect registers the device. From Error it is the caller-initiated
// recovery attempt, bounded by Config.MaxRetries consecutive failures.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case models.SessionReady, models.SessionActive:
		s.mu.Unlock()
		return nil
	case models.SessionDisconnected, models.SessionError:
	default:
		from := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, from)
	}
	if s.exhausted {
		err := s.lastErr
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	if err := s.transitionLocked(models.SessionConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.detachLocked()
	s.detach = append(s.detach,
		s.dev.OnStateChanged(s.handleState),
		s.dev.OnError(s.handleError),
	)
	gen := s.gen
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "session", "connect")
	defer span.End()

	err := s.dev.Connect(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		// Teardown ran while we were dialling; drop the late connection.
		_ = s.dev.Disconnect()
		return ErrTornDown
	}
	if err != nil {
		telemetry.RecordError(span, err)
		s.attempts++
		s.lastErr = err
		_ = s.transitionLocked(models.SessionError)
		exhausted := s.attempts >= s.cfg.MaxRetries
		s.exhausted = exhausted
		attempts := s.attempts
		s.mu.Unlock()

		s.logger.Warn().Err(err).Int("attempt", attempts).Int("max_retries", s.cfg.MaxRetries).Msg("device connect failed")
		if exhausted {
			s.logger.Error().Err(err).Msg("device connect budget exhausted")
			s.bus.Publish(events.EventSessionFatal, events.Payload{"session_id": s.id, "error": err.Error(), "attempts": attempts})
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return fmt.Errorf("connect device: %w", err)
	}

	if s.state == models.SessionError {
		// The device failed between registering and this return.
		err := s.lastErr
		s.mu.Unlock()
		return fmt.Errorf("connect device: %w", err)
	}
	s.attempts = 0
	s.lastErr = nil
	err = s.transitionLocked(models.SessionReady)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info().Msg("device ready")
	return nil
}

// ConnectWithRetry calls Connect until it succeeds, the budget is spent,
// the device reports an error that needs user action, or ctx ends.
func (s *Session) ConnectWithRetry(ctx context.Context) error {
	for {
		err := s.Connect(ctx)
		if err == nil || errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrTornDown) {
			return err
		}
		if de, ok := device.AsError(err); ok && (de.Class == device.ClassAuthentication || de.Class == device.ClassAccount) {
			return err
		}
		if err := s.wait(ctx, s.cfg.RetryInterval); err != nil {
			return err
		}
	}
}

// ResetRetries clears a spent connect budget, e.g. after re-authentication.
func (s *Session) ResetRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.exhausted = false
}

// LoadTrack starts trackID at positionMs and makes this session the
// active output.
func (s *Session) LoadTrack(ctx context.Context, trackID string, positionMs int64) error {
	s.mu.Lock()
	if s.state != models.SessionReady && s.state != models.SessionActive {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: load track in %s", ErrNotReady, st)
	}
	s.pendingTrack = trackID
	s.endedFor = ""
	s.mu.Unlock()

	s.est.Override(trackID, positionMs, true)
	s.sampler.Restart()

	ctx, span := telemetry.StartSpan(ctx, "session", "load_track")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{"track_id": trackID, "position_ms": positionMs})

	if err := s.dev.LoadAndPlay(ctx, trackID, positionMs); err != nil {
		telemetry.RecordError(span, err)
		s.mu.Lock()
		if s.pendingTrack == trackID {
			s.pendingTrack = ""
		}
		s.mu.Unlock()
		s.commandFailed("load", err)
		return fmt.Errorf("load track %s: %w", trackID, err)
	}

	s.mu.Lock()
	var activated bool
	if s.state == models.SessionReady {
		activated = s.transitionLocked(models.SessionActive) == nil
	}
	hook := s.onActive
	s.mu.Unlock()

	if activated {
		s.logger.Info().Str("track_id", trackID).Msg("session active")
		if hook != nil {
			hook(s)
		}
	}
	return nil
}

// Pause pauses the device, freezing the estimate immediately.
func (s *Session) Pause(ctx context.Context) error {
	if err := s.requireActive("pause"); err != nil {
		return err
	}
	cur := s.est.Current()
	s.est.Override(cur.TrackID, cur.PositionMs, false)
	s.sampler.Stop()

	if err := s.dev.Pause(ctx); err != nil {
		s.commandFailed("pause", err)
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Resume resumes the device.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.requireActive("resume"); err != nil {
		return err
	}
	cur := s.est.Current()
	s.est.Override(cur.TrackID, cur.PositionMs, true)
	s.sampler.Restart()

	if err := s.dev.Resume(ctx); err != nil {
		s.commandFailed("resume", err)
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Seek moves the play head of the current track.
func (s *Session) Seek(ctx context.Context, positionMs int64) error {
	if err := s.requireActive("seek"); err != nil {
		return err
	}
	if positionMs < 0 {
		positionMs = 0
	}
	cur := s.est.Current()
	s.est.Override(cur.TrackID, positionMs, cur.Playing)

	if err := s.dev.Seek(ctx, positionMs); err != nil {
		s.commandFailed("seek", err)
		return fmt.Errorf("seek: %w", err)
	}
	return nil
}

// Refresh fetches the device state and applies it like a notification.
func (s *Session) Refresh(ctx context.Context) error {
	st, err := s.dev.State(ctx)
	if err != nil {
		return fmt.Errorf("get device state: %w", err)
	}
	s.handleState(st)
	return nil
}

func (s *Session) requireActive(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SessionActive {
		return fmt.Errorf("%w: %s in %s", ErrNotReady, op, s.state)
	}
	return nil
}

// commandFailed routes a failed command's device error through the
// error handler; transport errors are only logged.
func (s *Session) commandFailed(op string, err error) {
	if de, ok := device.AsError(err); ok {
		s.handleError(de)
		return
	}
	s.logger.Warn().Err(err).Str("command", op).Msg("device command failed")
}

// handleState turns a device notification into an estimator update.
func (s *Session) handleState(st device.State) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.state != models.SessionReady && s.state != models.SessionActive {
		s.mu.Unlock()
		return
	}
	if s.pendingTrack != "" {
		if st.TrackID != s.pendingTrack {
			// Report from before the latest load; the load wins.
			s.mu.Unlock()
			telemetry.EstimatorNotificationsTotal.WithLabelValues("superseded").Inc()
			return
		}
		s.pendingTrack = ""
	}

	seq := st.Seq
	if seq == 0 {
		s.localSeq++
		seq = s.localSeq
	} else if seq > s.localSeq {
		s.localSeq = seq
	}

	res := s.est.Apply(estimator.Notification{
		Seq:        seq,
		ReceivedAt: now,
		PositionMs: st.PositionMs,
		DurationMs: st.DurationMs,
		Playing:    !st.Paused,
		TrackID:    st.TrackID,
	})
	if !res.Applied {
		s.mu.Unlock()
		telemetry.EstimatorNotificationsTotal.WithLabelValues("stale").Inc()
		return
	}
	telemetry.EstimatorNotificationsTotal.WithLabelValues("applied").Inc()

	ended := false
	tolerance := s.cfg.EndTolerance.Milliseconds()
	atEnd := st.DurationMs > 0 && st.PositionMs >= st.DurationMs-tolerance
	switch {
	case st.Paused && atEnd && s.endedFor != st.TrackID:
		s.endedFor = st.TrackID
		ended = true
	case !atEnd && s.endedFor == st.TrackID:
		s.endedFor = ""
	}
	s.mu.Unlock()

	if st.Paused {
		s.sampler.Stop()
	} else {
		s.sampler.Restart()
	}

	s.bus.Publish(events.EventPlaybackState, events.Payload{
		"session_id":  s.id,
		"track_id":    st.TrackID,
		"position_ms": st.PositionMs,
		"duration_ms": st.DurationMs,
		"playing":     !st.Paused,
		"seq":         seq,
	})
	if ended {
		s.logger.Debug().Str("track_id", st.TrackID).Msg("device reports track end")
		s.bus.Publish(events.EventTrackEnded, events.Payload{"track_id": st.TrackID, "source": "device", "position_ms": st.PositionMs})
	}
}

// handleError classifies a device error: playback errors are a banner,
// the rest move the session to Error.
func (s *Session) handleError(de *device.Error) {
	telemetry.DeviceErrorsTotal.WithLabelValues(string(de.Class)).Inc()
	s.logger.Warn().Str("class", string(de.Class)).Str("message", de.Message).Bool("fatal", de.Fatal()).Msg("device error")

	if de.Fatal() {
		s.mu.Lock()
		switch s.state {
		case models.SessionConnecting, models.SessionReady, models.SessionActive:
			s.lastErr = de
			_ = s.transitionLocked(models.SessionError)
		}
		s.mu.Unlock()
		s.sampler.Stop()
	}

	s.bus.Publish(events.EventDeviceError, events.Payload{
		"session_id": s.id,
		"class":      string(de.Class),
		"message":    de.Message,
		"fatal":      de.Fatal(),
	})
}

func (s *Session) storeSample(e estimator.Estimate) {
	s.mu.Lock()
	s.sample = e
	s.mu.Unlock()
}

// transitionLocked moves to state "to" if the lifecycle allows it.
func (s *Session) transitionLocked(to models.SessionState) error {
	from := s.state
	if from == to {
		return nil
	}
	if !isValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to

	telemetry.SessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	telemetry.SetSessionState(string(to), AllStates())
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	s.bus.Publish(events.EventSessionState, events.Payload{"session_id": s.id, "from": string(from), "to": string(to)})
	return nil
}

func (s *Session) detachLocked() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
}

func (s *Session) wait(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := s.clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
