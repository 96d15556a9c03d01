/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"sort"

	"github.com/friendsincode/cadence/internal/models"
)

// SegmentLister returns a track's segments in local time.
type SegmentLister interface {
	List(trackID string) []models.Segment
}

// AbsoluteSegment is a segment placed on the playlist-wide timeline.
type AbsoluteSegment struct {
	TrackIndex int            `json:"trackIndex"`
	TrackID    string         `json:"trackId"`
	Segment    models.Segment `json:"segment"`
	StartMs    int64          `json:"absoluteStart"`
	EndMs      int64          `json:"absoluteEnd"`
}

// Timeline maps track-local times onto one playlist-wide axis using
// prefix sums of track durations.
type Timeline struct {
	tracks  []models.Track
	offsets []int64 // offsets[i] is the absolute start of track i
	total   int64
}

// NewTimeline builds a timeline for tracks.
func NewTimeline(tracks []models.Track) *Timeline {
	t := &Timeline{}
	t.Rebuild(tracks)
	return t
}

// Rebuild recomputes the prefix sums. Calling it again with the same
// tracks yields the same offsets.
func (t *Timeline) Rebuild(tracks []models.Track) {
	t.tracks = append([]models.Track(nil), tracks...)
	t.offsets = make([]int64, len(tracks))
	var sum int64
	for i, tr := range t.tracks {
		t.offsets[i] = sum
		if tr.DurationMs > 0 {
			sum += tr.DurationMs
		}
	}
	t.total = sum
}

// Len returns the number of tracks.
func (t *Timeline) Len() int { return len(t.tracks) }

// Total returns the summed duration of all tracks.
func (t *Timeline) Total() int64 { return t.total }

// Tracks returns a copy of the track list.
func (t *Timeline) Tracks() []models.Track {
	return append([]models.Track(nil), t.tracks...)
}

// Track returns the track at index i.
func (t *Timeline) Track(i int) (models.Track, bool) {
	if i < 0 || i >= len(t.tracks) {
		return models.Track{}, false
	}
	return t.tracks[i], true
}

// IndexOf returns the first index holding trackID, or -1.
func (t *Timeline) IndexOf(trackID string) int {
	for i, tr := range t.tracks {
		if tr.ID == trackID {
			return i
		}
	}
	return -1
}

// Offset returns the absolute start of track i.
func (t *Timeline) Offset(i int) (int64, bool) {
	if i < 0 || i >= len(t.offsets) {
		return 0, false
	}
	return t.offsets[i], true
}

// Absolute converts a local position in track i to playlist time.
func (t *Timeline) Absolute(i int, localMs int64) (int64, bool) {
	off, ok := t.Offset(i)
	if !ok {
		return 0, false
	}
	return off + localMs, true
}

// Locate maps an absolute time back to a track index and local offset.
// The end of the playlist maps to the end of the last track.
func (t *Timeline) Locate(absMs int64) (index int, localMs int64, ok bool) {
	if len(t.tracks) == 0 || absMs < 0 || absMs > t.total {
		return 0, 0, false
	}
	if absMs == t.total {
		last := len(t.tracks) - 1
		return last, absMs - t.offsets[last], true
	}
	// Largest i with offsets[i] <= absMs, skipping zero-length tracks.
	i := sort.Search(len(t.offsets), func(i int) bool { return t.offsets[i] > absMs }) - 1
	return i, absMs - t.offsets[i], true
}

// Segments returns every segment of the playlist on the absolute axis,
// in playback order.
func (t *Timeline) Segments(src SegmentLister) []AbsoluteSegment {
	var out []AbsoluteSegment
	for i, tr := range t.tracks {
		for _, seg := range src.List(tr.ID) {
			out = append(out, AbsoluteSegment{
				TrackIndex: i,
				TrackID:    tr.ID,
				Segment:    seg,
				StartMs:    t.offsets[i] + seg.StartMs,
				EndMs:      t.offsets[i] + seg.EndMs,
			})
		}
	}
	return out
}
