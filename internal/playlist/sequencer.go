/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/telemetry"
)

var (
	ErrEmpty        = errors.New("playlist has no tracks")
	ErrBusy         = errors.New("track change already in flight")
	ErrIndexInRange = errors.New("track index out of range")
)

// restartThreshold is how far into a track Previous restarts it instead of
// going back a track.
const restartThreshold = 3 * time.Second

// Loader issues "load track at position" commands to the playback session.
type Loader interface {
	LoadTrack(ctx context.Context, trackID string, positionMs int64) error
}

// Outcome describes what an Advance call did.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeFinished  Outcome = "finished"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeFailed    Outcome = "failed"
)

// Status is a point-in-time view of the sequencer.
type Status struct {
	Index    int          `json:"index"`
	Track    models.Track `json:"track"`
	Count    int          `json:"count"`
	Finished bool         `json:"finished"`
	OffsetMs int64        `json:"offsetMs"`
	TotalMs  int64        `json:"totalMs"`
}

// Sequencer walks a playlist, loading the next track whenever the current
// one ends.
type Sequencer struct {
	loader Loader
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	timeline *Timeline
	index    int
	inFlight bool
	finished bool
}

// NewSequencer creates an empty sequencer.
func NewSequencer(loader Loader, bus *events.Bus, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		loader:   loader,
		bus:      bus,
		logger:   logger.With().Str("component", "sequencer").Logger(),
		timeline: NewTimeline(nil),
	}
}

// SetTracks replaces the track list and recomputes the timeline. The
// current track keeps its position in the sequence when it is still present.
func (s *Sequencer) SetTracks(tracks []models.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var currentID string
	if tr, ok := s.timeline.Track(s.index); ok {
		currentID = tr.ID
	}
	s.timeline = NewTimeline(tracks)

	s.index = 0
	if i := s.timeline.IndexOf(currentID); i >= 0 {
		s.index = i
	}
	s.finished = false
	s.logger.Debug().Int("tracks", len(tracks)).Int64("total_ms", s.timeline.Total()).Msg("playlist timeline rebuilt")
}

// Timeline returns the current timeline. SetTracks installs a new one,
// so a returned timeline never changes under its reader.
func (s *Sequencer) Timeline() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// Status reports the current index and track.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Index:    s.index,
		Count:    s.timeline.Len(),
		Finished: s.finished,
		TotalMs:  s.timeline.Total(),
	}
	st.Track, _ = s.timeline.Track(s.index)
	st.OffsetMs, _ = s.timeline.Offset(s.index)
	return st
}

// Advance moves to the next track after endedTrackID finished. An empty
// endedTrackID skips the stale-signal check.
func (s *Sequencer) Advance(ctx context.Context, endedTrackID string) (Outcome, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return s.count(OutcomeDuplicate), nil
	}
	cur, ok := s.timeline.Track(s.index)
	if !ok {
		s.mu.Unlock()
		return s.count(OutcomeFailed), ErrEmpty
	}
	if endedTrackID != "" && endedTrackID != cur.ID {
		s.mu.Unlock()
		return s.count(OutcomeStale), nil
	}
	if s.finished {
		s.mu.Unlock()
		return s.count(OutcomeDuplicate), nil
	}
	if s.index >= s.timeline.Len()-1 {
		s.finished = true
		index := s.index
		s.mu.Unlock()
		s.logger.Info().Str("track_id", cur.ID).Msg("playlist finished")
		s.bus.Publish(events.EventPlaylistEnded, events.Payload{"track_id": cur.ID, "index": index})
		return s.count(OutcomeFinished), nil
	}
	next := s.index + 1
	tr, _ := s.timeline.Track(next)
	s.inFlight = true
	s.mu.Unlock()

	if err := s.finish(ctx, next, tr); err != nil {
		return s.count(OutcomeFailed), err
	}
	return s.count(OutcomeAdvanced), nil
}

// Jump loads the track at index from its start.
func (s *Sequencer) Jump(ctx context.Context, index int) error {
	tr, err := s.claim(index)
	if err != nil {
		return err
	}
	return s.finish(ctx, index, tr)
}

// Previous restarts the current track, or goes back one track when the
// position is within the first few seconds.
func (s *Sequencer) Previous(ctx context.Context, positionMs int64) error {
	idx := s.Status().Index
	if positionMs <= restartThreshold.Milliseconds() && idx > 0 {
		idx--
	}
	return s.Jump(ctx, idx)
}

// claim takes the in-flight flag for a change to index.
func (s *Sequencer) claim(index int) (models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return models.Track{}, ErrBusy
	}
	tr, ok := s.timeline.Track(index)
	if !ok {
		if s.timeline.Len() == 0 {
			return models.Track{}, ErrEmpty
		}
		return models.Track{}, fmt.Errorf("%w: %d", ErrIndexInRange, index)
	}
	s.inFlight = true
	return tr, nil
}

// finish issues the load for a claimed change and releases the flag.
func (s *Sequencer) finish(ctx context.Context, index int, tr models.Track) error {
	err := s.loader.LoadTrack(ctx, tr.ID, 0)

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("track_id", tr.ID).Int("index", index).Msg("load track failed")
		return fmt.Errorf("load track %s: %w", tr.ID, err)
	}
	s.index = index
	s.finished = false
	offset, _ := s.timeline.Offset(index)
	s.mu.Unlock()

	s.logger.Info().Str("track_id", tr.ID).Int("index", index).Msg("track changed")
	s.bus.Publish(events.EventTrackChanged, events.Payload{
		"track_id":  tr.ID,
		"index":     index,
		"offset_ms": offset,
		"track":     tr,
	})
	return nil
}

// Run advances on every track-ended event until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) {
	sub := s.bus.Subscribe(events.EventTrackEnded)
	defer s.bus.Unsubscribe(events.EventTrackEnded, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			trackID, _ := payload["track_id"].(string)
			outcome, err := s.Advance(ctx, trackID)
			if err != nil {
				s.logger.Warn().Err(err).Str("track_id", trackID).Msg("advance failed")
				continue
			}
			s.logger.Debug().Str("track_id", trackID).Str("outcome", string(outcome)).Msg("track ended")
		}
	}
}

func (s *Sequencer) count(o Outcome) Outcome {
	telemetry.PlaylistAdvancesTotal.WithLabelValues(string(o)).Inc()
	return o
}
