/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transfer reads and writes workout documents:
//
//	{"tracks": {"<playlistId>:<trackId>": {"segments": [...], "bpm": {...}}}}
//
// Import applies well-formed entries and reports the rest as skipped.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/telemetry"
	"github.com/friendsincode/cadence/internal/workout"
)

// ErrInvalidDocument rejects a document whose top level is not
// an object with a "tracks" object.
var ErrInvalidDocument = errors.New("invalid workout document")

// Format is a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml". Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Document is the import/export file.
type Document struct {
	Tracks map[string]workout.Record `json:"tracks" yaml:"tracks"`
}

// Repository is the subset of workout.Repository used here.
type Repository interface {
	Records(ctx context.Context, playlistID string) (map[string]workout.Record, error)
	Put(ctx context.Context, key string, rec workout.Record) error
}

// Skip names an entry that was not applied.
type Skip struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Report summarizes an import.
type Report struct {
	Applied []string `json:"applied"`
	Skipped []Skip   `json:"skipped"`
}

// OK reports whether every entry was applied.
func (r Report) OK() bool { return len(r.Skipped) == 0 }

// Options restricts an import.
type Options struct {
	// Playlist, when set, skips entries belonging to other playlists.
	Playlist string
}

// Service moves documents in and out of a repository.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

// NewService creates a transfer service.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "transfer").Logger()}
}

// Export writes the records of playlistID (all playlists when empty).
func (s *Service) Export(ctx context.Context, w io.Writer, playlistID string, format Format) error {
	recs, err := s.repo.Records(ctx, playlistID)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	doc := Document{Tracks: recs}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	}
}

// Import applies every well-formed entry of the document in r. Only a
// malformed top level fails the whole import.
func (s *Service) Import(ctx context.Context, r io.Reader, format Format, opts Options) (Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Report{}, fmt.Errorf("read document: %w", err)
	}
	if format == FormatYAML {
		if data, err = yamlToJSON(data); err != nil {
			return Report{}, err
		}
	}

	entries, err := topLevel(data)
	if err != nil {
		return Report{}, err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := Report{Applied: []string{}, Skipped: []Skip{}}
	for _, key := range keys {
		if reason := s.apply(ctx, key, entries[key], opts); reason != "" {
			report.Skipped = append(report.Skipped, Skip{Key: key, Reason: reason})
			telemetry.ImportEntriesTotal.WithLabelValues("skipped").Inc()
			s.logger.Warn().Str("key", key).Str("reason", reason).Msg("import entry skipped")
			continue
		}
		report.Applied = append(report.Applied, key)
		telemetry.ImportEntriesTotal.WithLabelValues("applied").Inc()
	}

	s.logger.Info().Int("applied", len(report.Applied)).Int("skipped", len(report.Skipped)).Msg("import finished")
	return report, nil
}

// apply returns a skip reason, or "" when the entry was stored.
func (s *Service) apply(ctx context.Context, key string, raw json.RawMessage, opts Options) string {
	playlistID, _, ok := workout.SplitKey(key)
	if !ok {
		return "key is not playlistId:trackId"
	}
	if opts.Playlist != "" && playlistID != opts.Playlist {
		return "entry belongs to another playlist"
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return "entry is not an object"
	}
	segRaw, ok := fields["segments"]
	if !ok || bytes.Equal(bytes.TrimSpace(segRaw), []byte("null")) {
		return "missing segments"
	}

	var rec workout.Record
	if err := json.Unmarshal(segRaw, &rec.Segments); err != nil {
		return "segments is not a list of segments"
	}
	if bpmRaw, ok := fields["bpm"]; ok && !bytes.Equal(bytes.TrimSpace(bpmRaw), []byte("null")) {
		var bpm models.BPMRecord
		if err := json.Unmarshal(bpmRaw, &bpm); err != nil {
			return "bpm is not a tempo record"
		}
		rec.BPM = &bpm
	}

	if err := s.repo.Put(ctx, key, rec); err != nil {
		return err.Error()
	}
	return ""
}

func topLevel(data []byte) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("%w: top level must be an object", ErrInvalidDocument)
	}
	raw, ok := doc["tracks"]
	if !ok {
		return nil, fmt.Errorf("%w: missing tracks", ErrInvalidDocument)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
		return nil, fmt.Errorf("%w: tracks must be an object", ErrInvalidDocument)
	}
	return entries, nil
}

// yamlToJSON re-encodes a YAML document so both formats share one
// validation path.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return out, nil
}
