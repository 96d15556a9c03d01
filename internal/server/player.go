/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/playlist"
	"github.com/friendsincode/cadence/internal/scheduler"
	"github.com/friendsincode/cadence/internal/session"
)

var (
	// ErrNoPlayback is returned by transport commands when nothing is playing.
	ErrNoPlayback = errors.New("no active playback")

	// ErrNoDevice means the server was built without a device factory.
	ErrNoDevice = errors.New("no playback device configured")
)

// playback is one running session with its sequencer and scheduler.
type playback struct {
	ws     *workspace
	sess   *session.Session
	seq    *playlist.Sequencer
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PlaybackStatus is the UI view of the player.
type PlaybackStatus struct {
	Active     bool                `json:"active"`
	PlaylistID string              `json:"playlistId,omitempty"`
	SessionID  string              `json:"sessionId,omitempty"`
	State      models.SessionState `json:"state"`
	LastError  string              `json:"lastError,omitempty"`
	Sequence   *playlist.Status    `json:"sequence,omitempty"`
	Snapshot   *scheduler.Snapshot `json:"snapshot,omitempty"`
}

type player struct {
	srv    *Server
	logger zerolog.Logger

	ops sync.Mutex // serializes Play and Stop
	mu  sync.Mutex
	cur *playback
}

func newPlayer(srv *Server, logger zerolog.Logger) *player {
	return &player{
		srv:    srv,
		logger: logger.With().Str("component", "player").Logger(),
	}
}

// Play replaces any running playback with a new session that starts the
// playlist at track index, positionMs into that track.
func (p *player) Play(ctx context.Context, ws *workspace, index int, positionMs int64) (PlaybackStatus, error) {
	if p.srv.newDevice == nil {
		return PlaybackStatus{}, ErrNoDevice
	}
	if index < 0 || index >= len(ws.playlist.Tracks) {
		return PlaybackStatus{}, fmt.Errorf("%w: %d", playlist.ErrIndexInRange, index)
	}

	p.ops.Lock()
	defer p.ops.Unlock()

	if err := p.stopLocked(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("previous playback teardown failed")
	}

	cfg := p.srv.cfg
	sess := session.New(p.srv.newDevice(), p.srv.clock, p.srv.bus, session.Config{
		MaxRetries:     cfg.DeviceMaxRetries,
		RetryInterval:  cfg.DeviceRetryInterval,
		SampleInterval: cfg.SampleInterval,
	}, p.logger)
	p.srv.registry.Track(sess)

	if err := sess.ConnectWithRetry(ctx); err != nil {
		_ = p.srv.registry.Release(context.WithoutCancel(ctx), sess)
		return PlaybackStatus{}, err
	}

	seq := playlist.NewSequencer(sess, p.srv.bus, p.logger)
	seq.SetTracks(ws.playlist.Tracks)
	sched := scheduler.New(p.srv.clock, scheduler.Config{
		PollInterval:       cfg.PollInterval,
		CountdownThreshold: cfg.CountdownThresholdBeats,
		GoCueDisplay:       cfg.GoCueDisplay,
	}, sess.Estimator(), ws.segs, p.srv.repo.Tempo(ws.playlist.ID), p.srv.bus, p.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	pb := &playback{ws: ws, sess: sess, seq: seq, sched: sched, cancel: cancel}
	pb.wg.Add(2)
	go func() {
		defer pb.wg.Done()
		sched.Run(runCtx)
	}()
	go func() {
		defer pb.wg.Done()
		seq.Run(runCtx)
	}()

	p.mu.Lock()
	p.cur = pb
	p.mu.Unlock()

	if err := seq.Jump(ctx, index); err != nil {
		_ = p.stopLocked(context.WithoutCancel(ctx))
		return PlaybackStatus{}, err
	}
	if positionMs > 0 {
		if err := sess.Seek(ctx, positionMs); err != nil {
			p.logger.Warn().Err(err).Int64("position_ms", positionMs).Msg("initial seek failed")
		}
	}

	p.logger.Info().
		Str("playlist_id", ws.playlist.ID).
		Str("session_id", sess.ID()).
		Int("index", index).
		Msg("playback started")
	return p.Status(), nil
}

func (p *player) active() (*playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return nil, ErrNoPlayback
	}
	return p.cur, nil
}

// Pause pauses the running session.
func (p *player) Pause(ctx context.Context) error {
	pb, err := p.active()
	if err != nil {
		return err
	}
	return pb.sess.Pause(ctx)
}

// Resume resumes the running session.
func (p *player) Resume(ctx context.Context) error {
	pb, err := p.active()
	if err != nil {
		return err
	}
	return pb.sess.Resume(ctx)
}

// Seek moves within the current track.
func (p *player) Seek(ctx context.Context, positionMs int64) error {
	pb, err := p.active()
	if err != nil {
		return err
	}
	return pb.sess.Seek(ctx, positionMs)
}

// Next skips to the following track.
func (p *player) Next(ctx context.Context) (playlist.Outcome, error) {
	pb, err := p.active()
	if err != nil {
		return "", err
	}
	return pb.seq.Advance(ctx, pb.seq.Status().Track.ID)
}

// Previous restarts the track, or goes back one when near its start.
func (p *player) Previous(ctx context.Context) error {
	pb, err := p.active()
	if err != nil {
		return err
	}
	return pb.seq.Previous(ctx, pb.sess.Sample().PositionMs)
}

// Stop tears the running playback down. Stopping when idle is a no-op.
func (p *player) Stop(ctx context.Context) error {
	p.ops.Lock()
	defer p.ops.Unlock()
	return p.stopLocked(ctx)
}

func (p *player) stopLocked(ctx context.Context) error {
	p.mu.Lock()
	pb := p.cur
	p.cur = nil
	p.mu.Unlock()
	if pb == nil {
		return nil
	}

	pb.cancel()
	pb.wg.Wait()
	err := p.srv.registry.Release(ctx, pb.sess)
	p.logger.Info().Str("session_id", pb.sess.ID()).Msg("playback stopped")
	return err
}

// Status reports the current session, sequence and scheduler snapshot.
func (p *player) Status() PlaybackStatus {
	p.mu.Lock()
	pb := p.cur
	p.mu.Unlock()
	if pb == nil {
		return PlaybackStatus{State: models.SessionDisconnected}
	}

	st := PlaybackStatus{
		Active:     true,
		PlaylistID: pb.ws.playlist.ID,
		SessionID:  pb.sess.ID(),
		State:      pb.sess.State(),
	}
	if err := pb.sess.LastError(); err != nil {
		st.LastError = err.Error()
	}
	seq := pb.seq.Status()
	st.Sequence = &seq
	snap := pb.sched.Snapshot()
	st.Snapshot = &snap
	return st
}
