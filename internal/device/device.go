/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package device defines the capability set of a remote playback device
// and a websocket implementation of it.
package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by commands issued before Connect or after
// Disconnect.
var ErrNotConnected = errors.New("device not connected")

// State is a playback state report pushed by, or fetched from, the device.
type State struct {
	Seq        uint64 `json:"seq,omitempty"`
	PositionMs int64  `json:"position"`
	DurationMs int64  `json:"duration"`
	Paused     bool   `json:"paused"`
	TrackID    string `json:"trackId"`
}

// ErrorClass is one of the device's error categories.
type ErrorClass string

const (
	ClassInitialization ErrorClass = "initialization"
	ClassAuthentication ErrorClass = "authentication"
	ClassAccount        ErrorClass = "account"
	ClassPlayback       ErrorClass = "playback"
)

// Valid reports whether c is a known class.
func (c ErrorClass) Valid() bool {
	switch c {
	case ClassInitialization, ClassAuthentication, ClassAccount, ClassPlayback:
		return true
	}
	return false
}

// Error is a failure reported by the device.
type Error struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s error: %s", e.Class, e.Message)
}

// Fatal reports whether the error blocks playback until the session is
// re-established. Playback errors are shown as a banner and do not.
func (e *Error) Fatal() bool {
	return e.Class != ClassPlayback
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// StateHandler receives pushed state notifications.
type StateHandler func(State)

// ErrorHandler receives pushed device errors.
type ErrorHandler func(*Error)

// Device is the narrow set of operations the session needs from a remote
// player. Handlers registered with OnStateChanged and OnError stay attached
// until the returned detach function is called.
type Device interface {
	Connect(ctx context.Context) error
	LoadAndPlay(ctx context.Context, trackID string, positionMs int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	State(ctx context.Context) (State, error)
	OnStateChanged(h StateHandler) (detach func())
	OnError(h ErrorHandler) (detach func())
	Disconnect() error
}
