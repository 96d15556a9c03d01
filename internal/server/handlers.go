/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/cadence/internal/catalog"
	"github.com/friendsincode/cadence/internal/device"
	"github.com/friendsincode/cadence/internal/editor"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/playlist"
	"github.com/friendsincode/cadence/internal/segment"
	"github.com/friendsincode/cadence/internal/session"
	"github.com/friendsincode/cadence/internal/transfer"
	"github.com/friendsincode/cadence/internal/workout"
)

// defaultInsertLengthMs is the length of a segment added without one.
const defaultInsertLengthMs = 30000

type segmentRequest struct {
	StartMs   int64              `json:"startTime"`
	EndMs     int64              `json:"endTime"`
	LengthMs  *int64             `json:"lengthMs,omitempty"`
	Type      models.SegmentType `json:"type"`
	Intensity int                `json:"intensity"`
	Title     string             `json:"title"`
}

type splitRequest struct {
	AtMs int64 `json:"atMs"`
}

type dragRequest struct {
	Phase         string  `json:"phase"`
	Edge          string  `json:"edge"`
	PointerX      float64 `json:"pointerX"`
	TimelineWidth float64 `json:"timelineWidth"`
}

type bpmRequest struct {
	Tempo float64 `json:"tempo"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeServiceError maps domain errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"

	var de *device.Error
	switch {
	case errors.Is(err, segment.ErrOverlap):
		status, code = http.StatusConflict, "segment_overlap"
	case errors.Is(err, segment.ErrUnknownTrack):
		status, code = http.StatusNotFound, "track_not_found"
	case errors.Is(err, segment.ErrNotFound):
		status, code = http.StatusNotFound, "segment_not_found"
	case errors.Is(err, segment.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, workout.ErrInvalidBPM):
		status, code = http.StatusUnprocessableEntity, "invalid_bpm"
	case errors.Is(err, editor.ErrInvalidTimeline):
		status, code = http.StatusUnprocessableEntity, "invalid_timeline_width"
	case errors.Is(err, editor.ErrNoGesture):
		status, code = http.StatusConflict, "no_drag_in_progress"
	case errors.Is(err, transfer.ErrInvalidDocument):
		status, code = http.StatusUnprocessableEntity, "invalid_document"
	case errors.Is(err, catalog.ErrNotFound):
		status, code = http.StatusNotFound, "playlist_not_found"
	case errors.Is(err, catalog.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "catalog_unauthorized"
	case errors.Is(err, playlist.ErrIndexInRange):
		status, code = http.StatusNotFound, "track_index_out_of_range"
	case errors.Is(err, playlist.ErrEmpty):
		status, code = http.StatusUnprocessableEntity, "playlist_empty"
	case errors.Is(err, playlist.ErrBusy):
		status, code = http.StatusConflict, "track_change_in_flight"
	case errors.Is(err, session.ErrRetriesExhausted):
		status, code = http.StatusServiceUnavailable, "device_unavailable"
	case errors.As(err, &de) && de.Fatal():
		status, code = http.StatusServiceUnavailable, "device_" + string(de.Class) + "_error"
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrInvalidTransition):
		status, code = http.StatusConflict, "session_not_ready"
	case errors.Is(err, ErrNoPlayback):
		status, code = http.StatusConflict, "no_active_playback"
	case errors.Is(err, ErrNoDevice):
		status, code = http.StatusServiceUnavailable, "no_device"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, status, code)
		return
	}
	writeJSON(w, status, map[string]string{"error": code, "detail": err.Error()})
}

// bearerToken returns the caller's catalog credential, falling back to
// the configured service token.
func (s *Server) bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return s.cfg.CatalogToken
}

// workspace opens the playlist named in the route, writing the error
// response itself on failure.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*workspace, bool) {
	playlistID := chi.URLParam(r, "playlistID")
	if playlistID == "" {
		writeError(w, http.StatusBadRequest, "playlist_id_required")
		return nil, false
	}
	ws, err := s.workspaces.Get(r.Context(), playlistID, s.bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	return ws, true
}

// handleSegmentTypes lists the segment type catalogue.
func (s *Server) handleSegmentTypes(w http.ResponseWriter, r *http.Request) {
	types := make([]map[string]string, 0, len(models.SegmentTypes()))
	for _, t := range models.SegmentTypes() {
		types = append(types, map[string]string{"type": string(t), "label": t.Label()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws.playlist)
}

// handleTimeline returns every segment of the playlist on the absolute axis.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	tl := playlist.NewTimeline(ws.playlist.Tracks)
	writeJSON(w, http.StatusOK, map[string]any{
		"totalMs":  tl.Total(),
		"segments": ws.timeline(),
	})
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	trackID := chi.URLParam(r, "trackID")
	if _, known := ws.segs.Duration(trackID); !known {
		writeError(w, http.StatusNotFound, "track_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": ws.segs.List(trackID)})
}

// handleUpsertSegment creates or replaces the segment with the route's id.
func (s *Server) handleUpsertSegment(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req segmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	trackID := chi.URLParam(r, "trackID")
	seg, err := ws.segs.Upsert(trackID, models.Segment{
		ID:        chi.URLParam(r, "segmentID"),
		StartMs:   req.StartMs,
		EndMs:     req.EndMs,
		Type:      req.Type,
		Intensity: req.Intensity,
		Title:     req.Title,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	ws.changed(trackID)
	writeJSON(w, http.StatusOK, seg)
}

// handleInsertSegment adds a segment at startTime, clipped to the next
// neighbour and the end of the track.
func (s *Server) handleInsertSegment(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req segmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	length := int64(defaultInsertLengthMs)
	if req.LengthMs != nil {
		length = *req.LengthMs
	}
	if req.Type == "" {
		req.Type = models.SegmentSteady
	}

	trackID := chi.URLParam(r, "trackID")
	seg, err := ws.segs.Insert(trackID, req.StartMs, length, req.Type, req.Intensity, req.Title)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	ws.changed(trackID)
	writeJSON(w, http.StatusCreated, seg)
}

func (s *Server) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	trackID := chi.URLParam(r, "trackID")
	segmentID := chi.URLParam(r, "segmentID")
	if _, found := ws.segs.Get(trackID, segmentID); !found {
		writeError(w, http.StatusNotFound, "segment_not_found")
		return
	}
	ws.segs.Remove(trackID, segmentID)
	ws.changed(trackID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	trackID := chi.URLParam(r, "trackID")
	left, right, err := ws.segs.Split(trackID, req.AtMs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	ws.changed(trackID)
	writeJSON(w, http.StatusOK, map[string]any{"left": left, "right": right})
}

// handleDragSegment drives one editor gesture: begin, any number of
// moves, then end.
func (s *Server) handleDragSegment(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req dragRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	trackID := chi.URLParam(r, "trackID")
	segmentID := chi.URLParam(r, "segmentID")

	switch req.Phase {
	case "begin":
		edge, err := editor.ParseEdge(req.Edge)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_edge")
			return
		}
		if err := ws.editor.BeginDrag(trackID, segmentID, edge, req.PointerX, req.TimelineWidth); err != nil {
			s.writeServiceError(w, err)
			return
		}
		seg, _ := ws.segs.Get(trackID, segmentID)
		writeJSON(w, http.StatusOK, seg)
	case "move":
		seg, err := ws.editor.Drag(req.PointerX)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		ws.changed(trackID)
		writeJSON(w, http.StatusOK, seg)
	case "end":
		ws.editor.EndDrag()
		seg, found := ws.segs.Get(trackID, segmentID)
		if !found {
			writeError(w, http.StatusNotFound, "segment_not_found")
			return
		}
		writeJSON(w, http.StatusOK, seg)
	default:
		writeError(w, http.StatusBadRequest, "invalid_phase")
	}
}

func (s *Server) handleGetBPM(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	trackID := chi.URLParam(r, "trackID")
	if _, known := ws.segs.Duration(trackID); !known {
		writeError(w, http.StatusNotFound, "track_not_found")
		return
	}
	writeJSON(w, http.StatusOK, s.repo.BPM(r.Context(), ws.playlist.ID, trackID))
}

func (s *Server) handlePutBPM(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req bpmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	trackID := chi.URLParam(r, "trackID")
	if _, known := ws.segs.Duration(trackID); !known {
		writeError(w, http.StatusNotFound, "track_not_found")
		return
	}
	rec, err := s.repo.SetBPM(r.Context(), ws.playlist.ID, trackID, req.Tempo)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExport streams the playlist's workout document.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	format, err := transfer.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_format")
		return
	}

	var buf bytes.Buffer
	if err := s.transfer.Export(r.Context(), &buf, ws.playlist.ID, format); err != nil {
		s.writeServiceError(w, err)
		return
	}

	contentType := "application/json"
	if format == transfer.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+ws.playlist.ID+`.workout.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleImport applies a workout document to this playlist, skipping
// malformed entries and entries that belong to other playlists.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	formatParam := r.URL.Query().Get("format")
	if formatParam == "" && strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		formatParam = "yaml"
	}
	format, err := transfer.ParseFormat(formatParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_format")
		return
	}

	report, err := s.transfer.Import(r.Context(), r.Body, format, transfer.Options{Playlist: ws.playlist.ID})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	for _, key := range report.Applied {
		if _, trackID, ok := workout.SplitKey(key); ok {
			ws.changed(trackID)
		}
	}
	writeJSON(w, http.StatusOK, report)
}
