/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package estimator predicts the remote device's playback position
// between sparse, irregular state notifications.
package estimator

import (
	"sync"
	"time"

	"github.com/friendsincode/cadence/internal/clock"
)

// Notification is one ground-truth state report from the remote device.
// Seq is a logical timestamp: a notification whose Seq is lower than the
// last applied one is stale and discarded.
type Notification struct {
	Seq        uint64
	ReceivedAt time.Time
	PositionMs int64
	DurationMs int64
	Playing    bool
	TrackID    string
}

// Estimate is the extrapolated playback state at a point in time.
// Valid is false until the first notification arrives; the zero value
// (position 0, not playing) is the documented sentinel.
type Estimate struct {
	PositionMs int64  `json:"positionMs"`
	DurationMs int64  `json:"durationMs"`
	Playing    bool   `json:"playing"`
	TrackID    string `json:"trackId,omitempty"`
	Valid      bool   `json:"valid"`
}

// Result reports what Apply did with a notification.
type Result struct {
	Applied      bool
	TrackChanged bool
}

type anchor struct {
	wallClock  time.Time
	positionMs int64
	durationMs int64
	playing    bool
	trackID    string
}

// Estimator holds the last trusted anchor. It never feeds its own
// extrapolation back into the anchor.
type Estimator struct {
	clock clock.Clock

	mu      sync.RWMutex
	anchor  *anchor
	lastSeq uint64
}

// New creates an estimator with no anchor.
func New(clk clock.Clock) *Estimator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Estimator{clock: clk}
}

// Apply re-anchors on every fresh notification. A track change replaces
// the anchor unconditionally; nothing is interpolated across tracks.
func (e *Estimator) Apply(n Notification) Result {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = e.clock.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.anchor != nil && n.Seq < e.lastSeq {
		return Result{}
	}

	changed := e.anchor == nil || e.anchor.trackID != n.TrackID
	e.anchor = &anchor{
		wallClock:  n.ReceivedAt,
		positionMs: n.PositionMs,
		durationMs: n.DurationMs,
		playing:    n.Playing,
		trackID:    n.TrackID,
	}
	e.lastSeq = n.Seq
	return Result{Applied: true, TrackChanged: changed}
}

// Override records an optimistic local state after a command is issued.
// It does not advance the logical timestamp, so the next notification
// always wins.
func (e *Estimator) Override(trackID string, positionMs int64, playing bool) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var duration int64
	if e.anchor != nil && e.anchor.trackID == trackID {
		duration = e.anchor.durationMs
	}
	e.anchor = &anchor{
		wallClock:  now,
		positionMs: positionMs,
		durationMs: duration,
		playing:    playing,
		trackID:    trackID,
	}
}

// Estimate extrapolates the anchor to now.
func (e *Estimator) Estimate(now time.Time) Estimate {
	e.mu.RLock()
	a := e.anchor
	e.mu.RUnlock()

	if a == nil {
		return Estimate{}
	}

	pos := a.positionMs
	if a.playing {
		pos += now.Sub(a.wallClock).Milliseconds()
	}
	if pos < 0 {
		pos = 0
	}
	if a.durationMs > 0 && pos > a.durationMs {
		pos = a.durationMs
	}

	return Estimate{
		PositionMs: pos,
		DurationMs: a.durationMs,
		Playing:    a.playing,
		TrackID:    a.trackID,
		Valid:      true,
	}
}

// Current is Estimate at the estimator's clock.
func (e *Estimator) Current() Estimate {
	return e.Estimate(e.clock.Now())
}

// Position returns the estimated position in milliseconds at now.
func (e *Estimator) Position(now time.Time) int64 {
	return e.Estimate(now).PositionMs
}

// LastSeq returns the logical timestamp of the last applied notification.
func (e *Estimator) LastSeq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSeq
}

// Reset forgets the anchor.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.anchor = nil
	e.lastSeq = 0
	e.mu.Unlock()
}
