/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package segment holds the per-track ordered set of non-overlapping
// workout segments and validates every mutation against that invariant.
package segment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/models"
)

// ChangeFunc observes committed mutations. segs is a private copy.
type ChangeFunc func(trackID string, segs []models.Segment)

type trackSegments struct {
	durationMs int64
	segs       []models.Segment // sorted by StartMs
}

// Store is the sole mutator of record for segments of one playlist.
type Store struct {
	logger zerolog.Logger
	newID  func() string

	mu       sync.RWMutex
	tracks   map[string]*trackSegments
	onChange ChangeFunc
}

// NewStore creates an empty segment store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "segment_store").Logger(),
		newID:  uuid.NewString,
		tracks: make(map[string]*trackSegments),
	}
}

// OnChange registers the observer called after every committed mutation.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetTrack registers a track and its duration. Existing segments are kept.
func (s *Store) SetTrack(trackID string, durationMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tracks[trackID]; ok {
		ts.durationMs = durationMs
		return
	}
	s.tracks[trackID] = &trackSegments{durationMs: durationMs}
}

// Duration returns the registered duration of a track.
func (s *Store) Duration(trackID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tracks[trackID]
	if !ok {
		return 0, false
	}
	return ts.durationMs, true
}

// Tracks returns the ids of all registered tracks, sorted.
func (s *Store) Tracks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the segments of a track ordered by start time.
func (s *Store) List(trackID string) []models.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tracks[trackID]
	if !ok {
		return nil
	}
	out := make([]models.Segment, len(ts.segs))
	copy(out, ts.segs)
	return out
}

// Get returns a single segment.
func (s *Store) Get(trackID, segmentID string) (models.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tracks[trackID]
	if !ok {
		return models.Segment{}, false
	}
	if i := indexOf(ts.segs, segmentID); i >= 0 {
		return ts.segs[i], true
	}
	return models.Segment{}, false
}

// Neighbors returns the segment and its immediate predecessor and successor.
func (s *Store) Neighbors(trackID, segmentID string) (seg models.Segment, prev, next *models.Segment, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tracks[trackID]
	if !ok {
		return models.Segment{}, nil, nil, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	i := indexOf(ts.segs, segmentID)
	if i < 0 {
		return models.Segment{}, nil, nil, fmt.Errorf("%w: %s", ErrNotFound, segmentID)
	}
	if i > 0 {
		p := ts.segs[i-1]
		prev = &p
	}
	if i+1 < len(ts.segs) {
		n := ts.segs[i+1]
		next = &n
	}
	return ts.segs[i], prev, next, nil
}

// Upsert inserts or replaces a segment. An empty ID is assigned a new one.
func (s *Store) Upsert(trackID string, seg models.Segment) (models.Segment, error) {
	s.mu.Lock()
	ts, ok := s.tracks[trackID]
	if !ok {
		s.mu.Unlock()
		return models.Segment{}, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	if seg.ID == "" {
		seg.ID = s.newID()
	}
	if err := validateSegment(seg, ts.durationMs); err != nil {
		s.mu.Unlock()
		return models.Segment{}, err
	}
	for _, other := range ts.segs {
		if other.ID != seg.ID && other.Overlaps(seg) {
			s.mu.Unlock()
			return models.Segment{}, &OverlapError{SegmentID: seg.ID, ConflictID: other.ID}
		}
	}

	if i := indexOf(ts.segs, seg.ID); i >= 0 {
		ts.segs[i] = seg
	} else {
		ts.segs = append(ts.segs, seg)
	}
	sortSegments(ts.segs)
	s.commitLocked(trackID, ts)
	return seg, nil
}

// Insert creates a segment of up to lengthMs starting at startMs, clipped
// to the next segment and the end of the track.
func (s *Store) Insert(trackID string, startMs, lengthMs int64, typ models.SegmentType, intensity int, title string) (models.Segment, error) {
	s.mu.RLock()
	ts, ok := s.tracks[trackID]
	if !ok {
		s.mu.RUnlock()
		return models.Segment{}, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	end := startMs + lengthMs
	if end > ts.durationMs {
		end = ts.durationMs
	}
	for _, other := range ts.segs {
		if other.StartMs >= startMs && other.StartMs < end {
			end = other.StartMs
			break
		}
	}
	s.mu.RUnlock()

	return s.Upsert(trackID, models.Segment{
		StartMs:   startMs,
		EndMs:     end,
		Type:      typ,
		Intensity: intensity,
		Title:     title,
	})
}

// Remove deletes a segment. Missing segments are ignored.
func (s *Store) Remove(trackID, segmentID string) {
	s.mu.Lock()
	ts, ok := s.tracks[trackID]
	if !ok {
		s.mu.Unlock()
		return
	}
	i := indexOf(ts.segs, segmentID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	ts.segs = append(ts.segs[:i], ts.segs[i+1:]...)
	s.commitLocked(trackID, ts)
}

// ReplaceAll validates the whole set and swaps it in atomically.
// Segments without an ID are assigned one.
func (s *Store) ReplaceAll(trackID string, segs []models.Segment) error {
	return s.replace(trackID, segs, true)
}

// Restore loads persisted segments without notifying the change observer.
func (s *Store) Restore(trackID string, segs []models.Segment) error {
	return s.replace(trackID, segs, false)
}

func (s *Store) replace(trackID string, segs []models.Segment, notify bool) error {
	s.mu.Lock()
	ts, ok := s.tracks[trackID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}

	incoming := make([]models.Segment, len(segs))
	copy(incoming, segs)
	for i := range incoming {
		if incoming[i].ID == "" {
			incoming[i].ID = s.newID()
		}
	}
	if err := ValidateSet(incoming, ts.durationMs); err != nil {
		s.mu.Unlock()
		return err
	}

	ts.segs = incoming
	if notify {
		s.commitLocked(trackID, ts)
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Split cuts the segment containing atMs into [start, atMs) and [atMs, end).
func (s *Store) Split(trackID string, atMs int64) (left, right models.Segment, err error) {
	s.mu.Lock()
	ts, ok := s.tracks[trackID]
	if !ok {
		s.mu.Unlock()
		return left, right, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}

	idx := -1
	for i, seg := range ts.segs {
		if seg.StartMs <= atMs && atMs <= seg.EndMs {
			idx = i
			if seg.Contains(atMs) {
				break
			}
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return left, right, fmt.Errorf("%w: no segment at %d ms", ErrNotFound, atMs)
	}

	orig := ts.segs[idx]
	if atMs == orig.StartMs || atMs == orig.EndMs {
		s.mu.Unlock()
		return left, right, &BoundsError{
			StartMs:    orig.StartMs,
			EndMs:      orig.EndMs,
			DurationMs: ts.durationMs,
			Reason:     fmt.Sprintf("split point %d is a segment boundary", atMs),
		}
	}

	left = orig
	left.ID = s.newID()
	left.EndMs = atMs
	right = orig
	right.ID = s.newID()
	right.StartMs = atMs

	segs := make([]models.Segment, 0, len(ts.segs)+1)
	segs = append(segs, ts.segs[:idx]...)
	segs = append(segs, left, right)
	segs = append(segs, ts.segs[idx+1:]...)
	ts.segs = segs

	s.logger.Debug().
		Str("track_id", trackID).
		Str("segment_id", orig.ID).
		Int64("at_ms", atMs).
		Msg("segment split")

	s.commitLocked(trackID, ts)
	return left, right, nil
}

// commitLocked releases the lock and notifies the observer with a copy.
func (s *Store) commitLocked(trackID string, ts *trackSegments) {
	fn := s.onChange
	snapshot := make([]models.Segment, len(ts.segs))
	copy(snapshot, ts.segs)
	s.mu.Unlock()
	if fn != nil {
		fn(trackID, snapshot)
	}
}

// ValidateSet checks bounds, fields, unique ids and pairwise non-overlap.
// segs is sorted in place by start time.
func ValidateSet(segs []models.Segment, durationMs int64) error {
	seen := make(map[string]struct{}, len(segs))
	for _, seg := range segs {
		if err := validateSegment(seg, durationMs); err != nil {
			return err
		}
		if _, dup := seen[seg.ID]; dup {
			return fmt.Errorf("%w: duplicate segment id %q", ErrInvalidField, seg.ID)
		}
		seen[seg.ID] = struct{}{}
	}
	sortSegments(segs)
	for i := 1; i < len(segs); i++ {
		if segs[i-1].EndMs > segs[i].StartMs {
			return &OverlapError{SegmentID: segs[i].ID, ConflictID: segs[i-1].ID}
		}
	}
	return nil
}

func validateSegment(seg models.Segment, durationMs int64) error {
	switch {
	case seg.StartMs >= seg.EndMs:
		return &BoundsError{StartMs: seg.StartMs, EndMs: seg.EndMs, DurationMs: durationMs, Reason: "start must be before end"}
	case seg.StartMs < 0:
		return &BoundsError{StartMs: seg.StartMs, EndMs: seg.EndMs, DurationMs: durationMs, Reason: "start is negative"}
	case seg.EndMs > durationMs:
		return &BoundsError{StartMs: seg.StartMs, EndMs: seg.EndMs, DurationMs: durationMs, Reason: "end is past the track"}
	}
	if !seg.Type.Valid() {
		return fmt.Errorf("%w: unknown segment type %q", ErrInvalidField, seg.Type)
	}
	if !seg.ValidIntensity() {
		return fmt.Errorf("%w: intensity %d out of range", ErrInvalidField, seg.Intensity)
	}
	return nil
}

func sortSegments(segs []models.Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].StartMs < segs[j].StartMs })
}

func indexOf(segs []models.Segment, id string) int {
	for i := range segs {
		if segs[i].ID == id {
			return i
		}
	}
	return -1
}
