/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog fetches playlist metadata from the music catalog service.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/cadence/internal/models"
)

var (
	// ErrUnauthorized means the bearer credential was rejected.
	ErrUnauthorized = errors.New("catalog: unauthorized")
	// ErrNotFound means the playlist does not exist or is not visible.
	ErrNotFound = errors.New("catalog: playlist not found")
)

// Client is a read-only catalog API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a catalog client for baseURL.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type playlistResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tracks []struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		DurationMs int64    `json:"duration_ms"`
		Artists    []string `json:"artists"`
		ArtworkURL string   `json:"artwork_url"`
	} `json:"tracks"`
}

// Playlist fetches a playlist and its ordered tracks.
func (c *Client) Playlist(ctx context.Context, playlistID, token string) (models.Playlist, error) {
	resp, err := c.doRequest(ctx, "/v1/playlists/"+url.PathEscape(playlistID), token)
	if err != nil {
		return models.Playlist{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.Playlist{}, ErrUnauthorized
	case http.StatusNotFound:
		return models.Playlist{}, fmt.Errorf("%w: %s", ErrNotFound, playlistID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Playlist{}, fmt.Errorf("catalog error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw playlistResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.Playlist{}, fmt.Errorf("decode playlist: %w", err)
	}

	pl := models.Playlist{ID: raw.ID, Name: raw.Name, Tracks: make([]models.Track, 0, len(raw.Tracks))}
	if pl.ID == "" {
		pl.ID = playlistID
	}
	for _, t := range raw.Tracks {
		if t.ID == "" || t.DurationMs <= 0 {
			// Local files and unavailable tracks cannot be played remotely.
			continue
		}
		pl.Tracks = append(pl.Tracks, models.Track{
			ID:         t.ID,
			Name:       t.Name,
			DurationMs: t.DurationMs,
			Artists:    t.Artists,
			ArtworkURL: t.ArtworkURL,
		})
	}
	return pl, nil
}

func (c *Client) doRequest(ctx context.Context, path, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}
