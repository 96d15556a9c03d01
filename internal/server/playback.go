/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type playRequest struct {
	PlaylistID string `json:"playlistId"`
	Index      int    `json:"index"`
	PositionMs int64  `json:"positionMs"`
}

type seekRequest struct {
	PositionMs int64 `json:"positionMs"`
}

func (s *Server) handlePlaybackStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.player.Status())
}

// handlePlay starts a playlist on a fresh device session.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.PlaylistID == "" {
		writeError(w, http.StatusBadRequest, "playlist_id_required")
		return
	}

	ws, err := s.workspaces.Get(r.Context(), req.PlaylistID, s.bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	st, err := s.player.Play(r.Context(), ws, req.Index, req.PositionMs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.player.Pause(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.player.Resume(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := s.player.Seek(r.Context(), req.PositionMs); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.player.Next(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "status": s.player.Status()})
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	if err := s.player.Previous(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}

// handleStop tears the session down. The body is optional and ignored.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	if err := s.player.Stop(r.Context()); err != nil && !errors.Is(err, ErrNoPlayback) {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Status())
}
