/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package editor turns pointer drags on a segment edge into bounded,
// live segment updates that never violate the store's invariant.
package editor

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/segment"
)

// DefaultMinSegmentMs is the shortest segment a drag may produce.
const DefaultMinSegmentMs = 1000

var (
	// ErrNoGesture indicates a move or end without a matching begin.
	ErrNoGesture = errors.New("no drag gesture in progress")

	// ErrInvalidTimeline indicates a non-positive timeline width.
	ErrInvalidTimeline = errors.New("timeline width must be positive")
)

// Edge selects which boundary of a segment is being dragged.
type Edge int

const (
	EdgeStart Edge = iota
	EdgeEnd
)

func (e Edge) String() string {
	if e == EdgeStart {
		return "start"
	}
	return "end"
}

// ParseEdge converts "start" or "end".
func ParseEdge(s string) (Edge, error) {
	switch s {
	case "start":
		return EdgeStart, nil
	case "end":
		return EdgeEnd, nil
	}
	return 0, fmt.Errorf("unknown edge %q", s)
}

type gesture struct {
	trackID    string
	segmentID  string
	edge       Edge
	initialX   float64
	initialMs  int64
	durationMs int64
	msPerPixel float64
}

// Editor applies drag gestures to a segment store.
type Editor struct {
	store  *segment.Store
	minMs  int64
	logger zerolog.Logger

	mu      sync.Mutex
	gesture *gesture
}

// New creates an editor. minSegmentMs <= 0 selects DefaultMinSegmentMs.
func New(store *segment.Store, minSegmentMs int64, logger zerolog.Logger) *Editor {
	if minSegmentMs <= 0 {
		minSegmentMs = DefaultMinSegmentMs
	}
	return &Editor{
		store:  store,
		minMs:  minSegmentMs,
		logger: logger.With().Str("component", "segment_editor").Logger(),
	}
}

// BeginDrag captures the gesture origin. A gesture already in progress is replaced.
func (e *Editor) BeginDrag(trackID, segmentID string, edge Edge, pointerX, timelineWidthPx float64) error {
	if timelineWidthPx <= 0 {
		return ErrInvalidTimeline
	}
	durationMs, ok := e.store.Duration(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", segment.ErrUnknownTrack, trackID)
	}
	seg, ok := e.store.Get(trackID, segmentID)
	if !ok {
		return fmt.Errorf("%w: %s", segment.ErrNotFound, segmentID)
	}

	initial := seg.StartMs
	if edge == EdgeEnd {
		initial = seg.EndMs
	}

	e.mu.Lock()
	e.gesture = &gesture{
		trackID:    trackID,
		segmentID:  segmentID,
		edge:       edge,
		initialX:   pointerX,
		initialMs:  initial,
		durationMs: durationMs,
		msPerPixel: float64(durationMs) / timelineWidthPx,
	}
	e.mu.Unlock()

	e.logger.Debug().
		Str("track_id", trackID).
		Str("segment_id", segmentID).
		Str("edge", edge.String()).
		Msg("drag started")
	return nil
}

// Drag applies one pointer move and returns the segment as committed.
// The segment vanishing mid-gesture ends the gesture with ErrNotFound.
func (e *Editor) Drag(pointerX float64) (models.Segment, error) {
	e.mu.Lock()
	g := e.gesture
	e.mu.Unlock()
	if g == nil {
		return models.Segment{}, ErrNoGesture
	}

	delta := (pointerX - g.initialX) * g.msPerPixel
	candidate := g.initialMs + int64(math.Round(delta))
	candidate = clamp(candidate, 0, g.durationMs)

	seg, prev, next, err := e.store.Neighbors(g.trackID, g.segmentID)
	if err != nil {
		e.EndDrag()
		return models.Segment{}, err
	}

	updated := seg
	switch g.edge {
	case EdgeStart:
		lo := int64(0)
		if prev != nil {
			lo = prev.EndMs + e.minMs
		}
		// A neighbour already closer than the floor never pushes the edge.
		if lo > seg.StartMs {
			lo = seg.StartMs
		}
		hi := seg.EndMs - e.minMs
		if lo > hi {
			return seg, nil
		}
		updated.StartMs = clamp(candidate, lo, hi)
	case EdgeEnd:
		hi := g.durationMs
		if next != nil {
			hi = next.StartMs - e.minMs
		}
		if hi < seg.EndMs {
			hi = seg.EndMs
		}
		lo := seg.StartMs + e.minMs
		if lo > hi {
			return seg, nil
		}
		updated.EndMs = clamp(candidate, lo, hi)
	}

	if updated == seg {
		return seg, nil
	}
	return e.store.Upsert(g.trackID, updated)
}

// EndDrag finishes the gesture. Move-time clamping already guaranteed validity.
func (e *Editor) EndDrag() {
	e.mu.Lock()
	e.gesture = nil
	e.mu.Unlock()
}

// Dragging reports whether a gesture is in progress.
func (e *Editor) Dragging() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gesture != nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
