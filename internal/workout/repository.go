/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package workout persists segments and BPM records per (playlist, track)
// on top of a kv.Store.
package workout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/kv"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/segment"
)

const (
	segmentsPrefix = "segments:"
	bpmPrefix      = "bpm:"
)

var (
	// ErrInvalidBPM rejects a tempo outside models.MinBPM..models.MaxBPM.
	ErrInvalidBPM = errors.New("bpm out of range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("workout repository closed")
)

// Key joins the composite (playlist, track) key used in storage and in
// import/export documents.
func Key(playlistID, trackID string) string {
	return playlistID + ":" + trackID
}

// SplitKey undoes Key. Playlist ids never contain ':'; track ids may.
func SplitKey(key string) (playlistID, trackID string, ok bool) {
	playlistID, trackID, ok = strings.Cut(key, ":")
	if !ok || playlistID == "" || trackID == "" {
		return "", "", false
	}
	return playlistID, trackID, true
}

// Record is everything stored for one track of one playlist.
type Record struct {
	Segments []models.Segment `json:"segments" yaml:"segments"`
	BPM      *models.BPMRecord `json:"bpm,omitempty" yaml:"bpm,omitempty"`
}

// Config tunes the repository.
type Config struct {
	DefaultBPM float64
	Debounce   time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{DefaultBPM: 120, Debounce: 500 * time.Millisecond}
}

// Repository reads and writes workout data. Segment edits arrive through
// the attached segment.Store and are written after a debounce window.
type Repository struct {
	store  kv.Store
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	attached map[string]*segment.Store // playlistID -> live store
	pending  map[string][]models.Segment
	bpm      map[string]models.BPMRecord
	timer    clock.Timer
	closed   bool
}

// NewRepository creates a repository over store.
func NewRepository(store kv.Store, clk clock.Clock, cfg Config, logger zerolog.Logger) *Repository {
	def := DefaultConfig()
	if cfg.DefaultBPM <= 0 {
		cfg.DefaultBPM = def.DefaultBPM
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	return &Repository{
		store:    store,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "workout").Logger(),
		attached: make(map[string]*segment.Store),
		pending:  make(map[string][]models.Segment),
		bpm:      make(map[string]models.BPMRecord),
	}
}

// Open registers the playlist's tracks with segs, restores persisted
// segments and starts persisting edits. A persisted set that no longer fits
// its track is logged and left out.
func (r *Repository) Open(ctx context.Context, playlist models.Playlist, segs *segment.Store) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	for _, t := range playlist.Tracks {
		segs.SetTrack(t.ID, t.DurationMs)
		saved, err := r.LoadSegments(ctx, playlist.ID, t.ID)
		if err != nil {
			return err
		}
		if len(saved) == 0 {
			continue
		}
		if err := segs.Restore(t.ID, saved); err != nil {
			r.logger.Warn().Err(err).Str("playlist_id", playlist.ID).Str("track_id", t.ID).
				Msg("discarding persisted segments")
		}
	}

	playlistID := playlist.ID
	segs.OnChange(func(trackID string, list []models.Segment) {
		r.schedule(Key(playlistID, trackID), list)
	})

	r.mu.Lock()
	r.attached[playlistID] = segs
	r.mu.Unlock()

	r.logger.Info().Str("playlist_id", playlistID).Int("tracks", len(playlist.Tracks)).Msg("workout opened")
	return nil
}

// Detach stops persisting edits made to the playlist's store. Pending
// writes are kept and go out on the next flush.
func (r *Repository) Detach(playlistID string) {
	r.mu.Lock()
	segs := r.attached[playlistID]
	delete(r.attached, playlistID)
	r.mu.Unlock()
	if segs != nil {
		segs.OnChange(nil)
	}
}

// LoadSegments returns the persisted segments of a track. A missing or
// unreadable value is treated as no segments.
func (r *Repository) LoadSegments(ctx context.Context, playlistID, trackID string) ([]models.Segment, error) {
	var segs []models.Segment
	if !r.read(ctx, segmentsPrefix+Key(playlistID, trackID), &segs) {
		return nil, nil
	}
	return segs, nil
}

// SaveSegments writes segments immediately, bypassing the debounce.
func (r *Repository) SaveSegments(ctx context.Context, playlistID, trackID string, segs []models.Segment) error {
	key := Key(playlistID, trackID)
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
	return r.writeSegments(ctx, key, segs)
}

// BPM returns the track's tempo record, creating the default one on first use.
func (r *Repository) BPM(ctx context.Context, playlistID, trackID string) models.BPMRecord {
	key := Key(playlistID, trackID)

	r.mu.Lock()
	rec, ok := r.bpm[key]
	r.mu.Unlock()
	if ok {
		return rec
	}

	if !r.read(ctx, bpmPrefix+key, &rec) || !validTempo(rec.Tempo) {
		rec = models.BPMRecord{Tempo: r.cfg.DefaultBPM}
		if err := r.write(ctx, bpmPrefix+key, rec); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to persist default bpm")
		}
	}

	r.mu.Lock()
	r.bpm[key] = rec
	r.mu.Unlock()
	return rec
}

// SetBPM stores a user-entered tempo.
func (r *Repository) SetBPM(ctx context.Context, playlistID, trackID string, tempo float64) (models.BPMRecord, error) {
	if !validTempo(tempo) {
		return models.BPMRecord{}, fmt.Errorf("%w: %.1f not in %d-%d", ErrInvalidBPM, tempo, models.MinBPM, models.MaxBPM)
	}
	rec := models.BPMRecord{Tempo: tempo, IsManual: true}
	if err := r.putBPM(ctx, Key(playlistID, trackID), rec); err != nil {
		return models.BPMRecord{}, err
	}
	return rec, nil
}

// Tempo adapts BPM to the scheduler's per-track tempo lookup.
func (r *Repository) Tempo(playlistID string) func(trackID string) float64 {
	return func(trackID string) float64 {
		return r.BPM(context.Background(), playlistID, trackID).Tempo
	}
}

// Records returns every stored track record, keyed by composite key. An
// empty playlistID selects all playlists.
func (r *Repository) Records(ctx context.Context, playlistID string) (map[string]Record, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}

	filter := ""
	if playlistID != "" {
		filter = playlistID + ":"
	}
	out := make(map[string]Record)

	segKeys, err := r.store.Keys(ctx, segmentsPrefix+filter)
	if err != nil {
		return nil, err
	}
	for _, k := range segKeys {
		key := strings.TrimPrefix(k, segmentsPrefix)
		var segs []models.Segment
		if !r.read(ctx, k, &segs) {
			continue
		}
		rec := out[key]
		rec.Segments = segs
		out[key] = rec
	}

	bpmKeys, err := r.store.Keys(ctx, bpmPrefix+filter)
	if err != nil {
		return nil, err
	}
	for _, k := range bpmKeys {
		key := strings.TrimPrefix(k, bpmPrefix)
		var b models.BPMRecord
		if !r.read(ctx, k, &b) {
			continue
		}
		rec := out[key]
		rec.BPM = &b
		out[key] = rec
	}

	for key, rec := range out {
		if rec.Segments == nil {
			rec.Segments = []models.Segment{}
			out[key] = rec
		}
	}
	return out, nil
}

// Put replaces one track's record. Segments are validated against the
// live store when the playlist is open, otherwise only against each other.
func (r *Repository) Put(ctx context.Context, key string, rec Record) error {
	playlistID, trackID, ok := SplitKey(key)
	if !ok {
		return fmt.Errorf("malformed key %q", key)
	}
	if rec.BPM != nil && !validTempo(rec.BPM.Tempo) {
		return fmt.Errorf("%w: %.1f", ErrInvalidBPM, rec.BPM.Tempo)
	}

	r.mu.Lock()
	live := r.attached[playlistID]
	r.mu.Unlock()

	segs := append([]models.Segment(nil), rec.Segments...)
	for i := range segs {
		if segs[i].ID == "" {
			segs[i].ID = uuid.NewString()
		}
	}

	validated := false
	if live != nil {
		if _, known := live.Duration(trackID); known {
			// ReplaceAll notifies the observer, which schedules the write.
			if err := live.ReplaceAll(trackID, segs); err != nil {
				return err
			}
			segs = live.List(trackID)
			validated = true
		}
	}
	if !validated {
		if err := segment.ValidateSet(segs, maxEnd(segs)); err != nil {
			return err
		}
	}

	if err := r.SaveSegments(ctx, playlistID, trackID, segs); err != nil {
		return err
	}
	if rec.BPM != nil {
		return r.putBPM(ctx, key, *rec.BPM)
	}
	return nil
}

// Flush writes pending segment edits now.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	pending := r.pending
	r.pending = make(map[string][]models.Segment)
	r.mu.Unlock()

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := r.writeSegments(ctx, k, pending[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes, detaches every store and stops accepting edits.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]string, 0, len(r.attached))
	for id := range r.attached {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Detach(id)
	}
	return r.Flush(ctx)
}

func (r *Repository) schedule(key string, segs []models.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.pending[key] = segs
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(r.cfg.Debounce, func() {
		if err := r.Flush(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("debounced save failed")
		}
	})
}

func (r *Repository) putBPM(ctx context.Context, key string, rec models.BPMRecord) error {
	if err := r.write(ctx, bpmPrefix+key, rec); err != nil {
		return err
	}
	r.mu.Lock()
	r.bpm[key] = rec
	r.mu.Unlock()
	return nil
}

func (r *Repository) writeSegments(ctx context.Context, key string, segs []models.Segment) error {
	if segs == nil {
		segs = []models.Segment{}
	}
	if err := r.write(ctx, segmentsPrefix+key, segs); err != nil {
		return err
	}
	r.logger.Debug().Str("key", key).Int("segments", len(segs)).Msg("segments saved")
	return nil
}

func (r *Repository) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.store.Set(ctx, key, data)
}

// read decodes the value under key into dst. Storage and decode failures
// are logged and reported as absent.
func (r *Repository) read(ctx context.Context, key string, dst any) bool {
	data, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("storage read failed, treating as absent")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable value")
		return false
	}
	return true
}

func validTempo(t float64) bool {
	return t >= models.MinBPM && t <= models.MaxBPM
}

func maxEnd(segs []models.Segment) int64 {
	var end int64
	for _, s := range segs {
		if s.EndMs > end {
			end = s.EndMs
		}
	}
	return end
}
