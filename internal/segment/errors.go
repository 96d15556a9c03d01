/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package segment

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every rejected mutation. Nothing is
	// applied when it is returned.
	ErrValidation = errors.New("segment validation failed")

	// ErrBounds indicates start >= end or a bound outside the track.
	ErrBounds = fmt.Errorf("%w: invalid bounds", ErrValidation)

	// ErrOverlap indicates the proposed range intersects another segment.
	ErrOverlap = fmt.Errorf("%w: overlapping segment", ErrValidation)

	// ErrInvalidField indicates an unknown type or out-of-range intensity.
	ErrInvalidField = fmt.Errorf("%w: invalid field", ErrValidation)

	// ErrNotFound indicates a missing segment, or no segment at a split point.
	ErrNotFound = errors.New("segment not found")

	// ErrUnknownTrack indicates the track has not been registered with the store.
	ErrUnknownTrack = fmt.Errorf("%w: unknown track", ErrNotFound)
)

// BoundsError describes rejected segment bounds.
type BoundsError struct {
	StartMs    int64
	EndMs      int64
	DurationMs int64
	Reason     string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("invalid bounds [%d, %d) for track of %d ms: %s", e.StartMs, e.EndMs, e.DurationMs, e.Reason)
}

func (e *BoundsError) Unwrap() error { return ErrBounds }

// OverlapError names the segment a proposal collided with.
type OverlapError struct {
	SegmentID  string
	ConflictID string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("segment %q overlaps segment %q", e.SegmentID, e.ConflictID)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }
