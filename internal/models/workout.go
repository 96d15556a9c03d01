/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strconv"
	"time"
)

// SegmentType tags a segment with the workout phase it represents.
type SegmentType string

const (
	SegmentWarmup    SegmentType = "warmup"
	SegmentSteady    SegmentType = "steady"
	SegmentClimb     SegmentType = "climb"
	SegmentSprint    SegmentType = "sprint"
	SegmentRecovery  SegmentType = "recovery"
	SegmentIntervals SegmentType = "intervals"
	SegmentCooldown  SegmentType = "cooldown"
	SegmentRest      SegmentType = "rest"
)

var segmentTypeLabels = map[SegmentType]string{
	SegmentWarmup:    "Warm Up",
	SegmentSteady:    "Steady",
	SegmentClimb:     "Climb",
	SegmentSprint:    "Sprint",
	SegmentRecovery:  "Recovery",
	SegmentIntervals: "Intervals",
	SegmentCooldown:  "Cool Down",
	SegmentRest:      "Rest",
}

// SegmentTypes lists the closed set of segment types in display order.
func SegmentTypes() []SegmentType {
	return []SegmentType{
		SegmentWarmup,
		SegmentSteady,
		SegmentClimb,
		SegmentSprint,
		SegmentRecovery,
		SegmentIntervals,
		SegmentCooldown,
		SegmentRest,
	}
}

// Valid reports whether t belongs to the closed set.
func (t SegmentType) Valid() bool {
	_, ok := segmentTypeLabels[t]
	return ok
}

// Label returns the display label for the type.
func (t SegmentType) Label() string {
	if l, ok := segmentTypeLabels[t]; ok {
		return l
	}
	return string(t)
}

// IntensityMax marks an uncapped, all-out effort.
const IntensityMax = -1

// Segment is a labeled time range within a track. Times are milliseconds.
type Segment struct {
	ID        string      `json:"id" yaml:"id"`
	StartMs   int64       `json:"startTime" yaml:"startTime"`
	EndMs     int64       `json:"endTime" yaml:"endTime"`
	Type      SegmentType `json:"type" yaml:"type"`
	Intensity int         `json:"intensity" yaml:"intensity"`
	Title     string      `json:"title" yaml:"title"`
}

// DurationMs returns the segment length.
func (s Segment) DurationMs() int64 { return s.EndMs - s.StartMs }

// Contains reports whether pos falls in [StartMs, EndMs).
func (s Segment) Contains(pos int64) bool {
	return s.StartMs <= pos && pos < s.EndMs
}

// Overlaps reports whether the half-open ranges of s and o intersect.
func (s Segment) Overlaps(o Segment) bool {
	return !(s.EndMs <= o.StartMs || o.EndMs <= s.StartMs)
}

// ValidIntensity reports whether the intensity is in [0,100] or the max sentinel.
func (s Segment) ValidIntensity() bool {
	return s.Intensity == IntensityMax || (s.Intensity >= 0 && s.Intensity <= 100)
}

// IntensityLabel renders the intensity for display.
func (s Segment) IntensityLabel() string {
	if s.Intensity == IntensityMax {
		return "MAX"
	}
	return strconv.Itoa(s.Intensity) + "%"
}

// Track is catalog metadata for one playable track.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMs int64    `json:"durationMs"`
	Artists    []string `json:"artists"`
	ArtworkURL string   `json:"artworkUrl,omitempty"`
}

// Playlist is an ordered list of tracks fetched from the catalog.
type Playlist struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Tracks []Track `json:"tracks"`
}

// Tempo bounds accepted for BPM records.
const (
	MinBPM = 40
	MaxBPM = 250
)

// BPMRecord is the tempo for a track. IsManual separates user-entered
// values from the default fallback.
type BPMRecord struct {
	Tempo    float64 `json:"tempo" yaml:"tempo"`
	IsManual bool    `json:"isManual" yaml:"isManual"`
}

// BeatDuration returns the length of one beat at this tempo.
func (b BPMRecord) BeatDuration() time.Duration {
	if b.Tempo <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / b.Tempo)
}

// KVEntry is one row of the SQL-backed key-value store.
type KVEntry struct {
	Key       string    `gorm:"column:kv_key;type:varchar(512);primaryKey"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"index"`
}

// TableName implements gorm's tabler.
func (KVEntry) TableName() string { return "kv_entries" }

// SessionState is the lifecycle state of a remote player session.
type SessionState string

const (
	SessionDisconnected  SessionState = "disconnected"
	SessionConnecting    SessionState = "connecting"
	SessionReady         SessionState = "ready"
	SessionActive        SessionState = "active"
	SessionError         SessionState = "error"
	SessionDisconnecting SessionState = "disconnecting"
)
