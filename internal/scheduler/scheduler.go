/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler derives discrete playback events (segment entry and
// exit, beat ticks, countdown warnings, go cues, track end) from the
// continuous position estimate and the current segments.
package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/estimator"
	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/telemetry"
)

// Config holds the scheduler's tuning constants.
type Config struct {
	PollInterval       time.Duration
	CountdownThreshold int // beats
	GoCueDisplay       time.Duration
	MaxBeatCatchUp     int // larger forward jumps are treated as seeks
}

// DefaultConfig returns the stock cadence settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:       50 * time.Millisecond,
		CountdownThreshold: 8,
		GoCueDisplay:       1500 * time.Millisecond,
		MaxBeatCatchUp:     4,
	}
}

// PositionSource yields the estimated playback state.
type PositionSource interface {
	Estimate(now time.Time) estimator.Estimate
}

// SegmentSource lists a track's segments ordered by start.
type SegmentSource interface {
	List(trackID string) []models.Segment
}

// TempoFunc returns the tempo in beats per minute for a track.
type TempoFunc func(trackID string) float64

// Snapshot is the UI-facing view after the most recent poll.
type Snapshot struct {
	TrackID          string          `json:"trackId,omitempty"`
	PositionMs       int64           `json:"positionMs"`
	DurationMs       int64           `json:"durationMs"`
	Playing          bool            `json:"playing"`
	Current          *models.Segment `json:"current,omitempty"`
	Next             *models.Segment `json:"next,omitempty"`
	BeatsUntilNext   int             `json:"beatsUntilNext"`
	HasNext          bool            `json:"hasNext"`
	BeatIndex        int64           `json:"beatIndex"`
	CountdownVisible bool            `json:"countdownVisible"`
	GoCueVisible     bool            `json:"goCueVisible"`
	TrackEnded       bool            `json:"trackEnded"`
}

type cueTarget struct {
	id      string
	startMs int64
}

type pending struct {
	eventType events.EventType
	payload   events.Payload
}

// Scheduler polls the estimate and publishes edge-detected events.
type Scheduler struct {
	clock  clock.Clock
	cfg    Config
	pos    PositionSource
	segs   SegmentSource
	tempo  TempoFunc
	bus    *events.Bus
	logger zerolog.Logger

	mu           sync.Mutex
	trackID      string
	beatValid    bool
	lastBeat     int64
	currentID    string
	target       *cueTarget
	warnedFor    string
	cuedFor      string
	endedFor     string
	goCueVisible bool
	goCueTimer   clock.Timer
	snapshot     Snapshot
}

// New creates a scheduler. tempo may be nil, in which case beats are off.
func New(clk clock.Clock, cfg Config, pos PositionSource, segs SegmentSource, tempo TempoFunc, bus *events.Bus, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CountdownThreshold <= 0 {
		cfg.CountdownThreshold = def.CountdownThreshold
	}
	if cfg.GoCueDisplay <= 0 {
		cfg.GoCueDisplay = def.GoCueDisplay
	}
	if cfg.MaxBeatCatchUp <= 0 {
		cfg.MaxBeatCatchUp = def.MaxBeatCatchUp
	}
	if tempo == nil {
		tempo = func(string) float64 { return 0 }
	}
	return &Scheduler{
		clock:  clk,
		cfg:    cfg,
		pos:    pos,
		segs:   segs,
		tempo:  tempo,
		bus:    bus,
		logger: logger.With().Str("component", "beat_scheduler").Logger(),
	}
}

// Run polls on the configured cadence until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer s.cancelGoCue()

	s.logger.Debug().Dur("interval", s.cfg.PollInterval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("scheduler stopped")
			return
		case <-ticker.C():
			s.Poll(s.clock.Now())
		}
	}
}

// Snapshot returns the state computed by the last poll.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot
	snap.GoCueVisible = s.goCueVisible
	return snap
}

// Poll samples the estimate once and publishes any events whose edge was crossed.
func (s *Scheduler) Poll(now time.Time) Snapshot {
	est := s.pos.Estimate(now)

	s.mu.Lock()
	var out []pending
	emit := func(et events.EventType, p events.Payload) {
		out = append(out, pending{eventType: et, payload: p})
	}

	if !est.Valid {
		s.snapshot = Snapshot{}
		snap := s.snapshot
		snap.GoCueVisible = s.goCueVisible
		s.mu.Unlock()
		return snap
	}

	if est.TrackID != s.trackID {
		s.resetTrackLocked(est.TrackID, emit)
	}

	pos := est.PositionMs
	segs := s.segs.List(est.TrackID)
	beatMs := BeatDurationMs(s.tempo(est.TrackID))

	current, hasCurrent := CurrentSegment(segs, pos)
	next, hasNext := NextSegment(segs, pos)

	// Segment entry and exit, edge-detected on the segment id.
	curID := ""
	if hasCurrent {
		curID = current.ID
	}
	if curID != s.currentID {
		if s.currentID != "" {
			emit(events.EventSegmentExited, events.Payload{"track_id": est.TrackID, "segment_id": s.currentID, "position_ms": pos})
		}
		if hasCurrent {
			emit(events.EventSegmentEntered, events.Payload{"track_id": est.TrackID, "segment_id": current.ID, "segment": current, "position_ms": pos})
		}
		s.currentID = curID
	}

	// Beat ticks, deduplicated on the integer beat index.
	var beatIdx int64
	if beatMs > 0 {
		beatIdx = int64(math.Floor(float64(pos) / beatMs))
		switch {
		case !s.beatValid:
			s.beatValid = true
		case est.Playing && beatIdx > s.lastBeat && beatIdx-s.lastBeat <= int64(s.cfg.MaxBeatCatchUp):
			for b := s.lastBeat + 1; b <= beatIdx; b++ {
				emit(events.EventBeatTick, events.Payload{"track_id": est.TrackID, "beat": b, "segment_id": curID})
			}
		}
		s.lastBeat = beatIdx
	}

	tolerance := math.Max(beatMs, float64(2*s.cfg.PollInterval.Milliseconds()))

	// Moving back before a cued boundary re-arms its cue. Small corrections
	// from a fresh notification stay within the tolerance.
	if s.cuedFor != "" {
		if start, ok := startOf(segs, s.cuedFor); !ok || float64(start-pos) > tolerance {
			s.cuedFor = ""
		}
	}

	// Go cue: the countdown target from the previous poll has been reached.
	if s.target != nil {
		if start, ok := startOf(segs, s.target.id); ok && pos >= start {
			if est.Playing && float64(pos-start) <= tolerance && s.cuedFor != s.target.id {
				s.cuedFor = s.target.id
				emit(events.EventGoCue, events.Payload{"track_id": est.TrackID, "segment_id": s.target.id, "position_ms": pos})
				s.armGoCueLocked()
			}
			s.target = nil
		}
	}

	snap := Snapshot{
		TrackID:    est.TrackID,
		PositionMs: pos,
		DurationMs: est.DurationMs,
		Playing:    est.Playing,
		BeatIndex:  beatIdx,
		HasNext:    hasNext,
	}
	if hasCurrent {
		c := current
		snap.Current = &c
	}

	warnFor := ""
	if hasNext {
		n := next
		snap.Next = &n
		s.target = &cueTarget{id: next.ID, startMs: next.StartMs}
		if beatMs > 0 {
			beats := BeatsUntil(next.StartMs, pos, beatMs)
			snap.BeatsUntilNext = beats
			snap.CountdownVisible = beats <= s.cfg.CountdownThreshold
			if snap.CountdownVisible {
				warnFor = next.ID
				if s.warnedFor != next.ID {
					emit(events.EventCountdownWarning, events.Payload{"track_id": est.TrackID, "segment_id": next.ID, "beats_until": beats, "segment": next})
				}
			}
		}
	} else {
		s.target = nil
	}
	// Leaving the countdown window re-arms the warning for the next entry.
	s.warnedFor = warnFor

	// Track end: at or past the duration with nothing left to play.
	if est.DurationMs > 0 {
		if pos >= est.DurationMs && !hasNext {
			snap.TrackEnded = true
			if s.endedFor != est.TrackID {
				s.endedFor = est.TrackID
				emit(events.EventTrackEnded, events.Payload{"track_id": est.TrackID, "source": "scheduler", "position_ms": pos})
			}
		} else if pos < est.DurationMs && s.endedFor == est.TrackID {
			s.endedFor = ""
		}
	}

	s.snapshot = snap
	snap.GoCueVisible = s.goCueVisible
	s.mu.Unlock()

	for _, p := range out {
		telemetry.SchedulerEventsTotal.WithLabelValues(string(p.eventType)).Inc()
		s.bus.Publish(p.eventType, p.payload)
	}
	return snap
}

func (s *Scheduler) resetTrackLocked(trackID string, emit func(events.EventType, events.Payload)) {
	if s.currentID != "" {
		emit(events.EventSegmentExited, events.Payload{"track_id": s.trackID, "segment_id": s.currentID})
	}
	s.logger.Debug().Str("from", s.trackID).Str("to", trackID).Msg("track changed")
	s.trackID = trackID
	s.beatValid = false
	s.lastBeat = 0
	s.currentID = ""
	s.target = nil
	s.warnedFor = ""
	s.cuedFor = ""
}

// armGoCueLocked shows the cue and schedules its auto-clear.
func (s *Scheduler) armGoCueLocked() {
	if s.goCueTimer != nil {
		s.goCueTimer.Stop()
	}
	s.goCueVisible = true
	s.goCueTimer = s.clock.AfterFunc(s.cfg.GoCueDisplay, s.clearGoCue)
}

func (s *Scheduler) clearGoCue() {
	s.mu.Lock()
	if !s.goCueVisible {
		s.mu.Unlock()
		return
	}
	s.goCueVisible = false
	s.goCueTimer = nil
	trackID := s.trackID
	s.mu.Unlock()
	s.bus.Publish(events.EventGoCueCleared, events.Payload{"track_id": trackID})
}

func (s *Scheduler) cancelGoCue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goCueTimer != nil {
		s.goCueTimer.Stop()
		s.goCueTimer = nil
	}
	s.goCueVisible = false
}

// BeatDurationMs returns 60000 / bpm, or 0 for a non-positive tempo.
func BeatDurationMs(bpm float64) float64 {
	if bpm <= 0 {
		return 0
	}
	return 60000 / bpm
}

// BeatsUntil returns ceil((startMs - posMs) / beatMs), floored at 0.
func BeatsUntil(startMs, posMs int64, beatMs float64) int {
	if beatMs <= 0 || startMs <= posMs {
		return 0
	}
	return int(math.Ceil(float64(startMs-posMs) / beatMs))
}

// CurrentSegment returns the segment with StartMs <= pos < EndMs.
func CurrentSegment(segs []models.Segment, pos int64) (models.Segment, bool) {
	for _, seg := range segs {
		if seg.Contains(pos) {
			return seg, true
		}
	}
	return models.Segment{}, false
}

// NextSegment returns the earliest segment starting after pos, and after
// the current segment's end when there is one.
func NextSegment(segs []models.Segment, pos int64) (models.Segment, bool) {
	floor := int64(math.MinInt64)
	if cur, ok := CurrentSegment(segs, pos); ok {
		floor = cur.EndMs
	}
	var best models.Segment
	found := false
	for _, seg := range segs {
		if seg.StartMs <= pos || seg.StartMs < floor {
			continue
		}
		if !found || seg.StartMs < best.StartMs {
			best = seg
			found = true
		}
	}
	return best, found
}

func startOf(segs []models.Segment, id string) (int64, bool) {
	for _, seg := range segs {
		if seg.ID == id {
			return seg.StartMs, true
		}
	}
	return 0, false
}
