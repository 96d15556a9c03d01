/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/editor"
	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/playlist"
	"github.com/friendsincode/cadence/internal/segment"
	"github.com/friendsincode/cadence/internal/workout"
)

// workspace is one opened playlist: its catalog metadata, live segment
// store and the drag editor over that store.
type workspace struct {
	playlist models.Playlist
	segs     *segment.Store
	editor   *editor.Editor
	bus      *events.Bus
}

// changed announces an edit to event stream clients.
func (w *workspace) changed(trackID string) {
	w.bus.Publish(events.EventSegmentsChanged, events.Payload{
		"playlist_id": w.playlist.ID,
		"track_id":    trackID,
		"segments":    w.segs.List(trackID),
	})
}

func (w *workspace) timeline() []playlist.AbsoluteSegment {
	return playlist.NewTimeline(w.playlist.Tracks).Segments(w.segs)
}

type workspaces struct {
	catalog Catalog
	repo    *workout.Repository
	bus     *events.Bus
	minMs   int64
	logger  zerolog.Logger

	mu      sync.Mutex
	byID    map[string]*workspace
	opening map[string]*sync.Mutex
}

func newWorkspaces(catalog Catalog, repo *workout.Repository, bus *events.Bus, minMs int64, logger zerolog.Logger) *workspaces {
	return &workspaces{
		catalog: catalog,
		repo:    repo,
		bus:     bus,
		minMs:   minMs,
		logger:  logger.With().Str("component", "workspaces").Logger(),
		byID:    make(map[string]*workspace),
		opening: make(map[string]*sync.Mutex),
	}
}

// Get returns the opened playlist, fetching it from the catalog and
// restoring its persisted workout on first use.
func (ws *workspaces) Get(ctx context.Context, playlistID, token string) (*workspace, error) {
	ws.mu.Lock()
	if w, ok := ws.byID[playlistID]; ok {
		ws.mu.Unlock()
		return w, nil
	}
	gate, ok := ws.opening[playlistID]
	if !ok {
		gate = &sync.Mutex{}
		ws.opening[playlistID] = gate
	}
	ws.mu.Unlock()

	// Serialize concurrent first opens of the same playlist.
	gate.Lock()
	defer gate.Unlock()

	ws.mu.Lock()
	if w, ok := ws.byID[playlistID]; ok {
		ws.mu.Unlock()
		return w, nil
	}
	ws.mu.Unlock()

	pl, err := ws.catalog.Playlist(ctx, playlistID, token)
	if err != nil {
		return nil, err
	}

	segs := segment.NewStore(ws.logger)
	if err := ws.repo.Open(ctx, pl, segs); err != nil {
		return nil, err
	}
	w := &workspace{
		playlist: pl,
		segs:     segs,
		editor:   editor.New(segs, ws.minMs, ws.logger),
		bus:      ws.bus,
	}

	ws.mu.Lock()
	ws.byID[playlistID] = w
	delete(ws.opening, playlistID)
	ws.mu.Unlock()

	ws.logger.Debug().Str("playlist_id", playlistID).Int("tracks", len(pl.Tracks)).Msg("playlist opened")
	return w, nil
}

// Lookup returns an already opened playlist.
func (ws *workspaces) Lookup(playlistID string) (*workspace, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.byID[playlistID]
	return w, ok
}
