/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Scheduler events derived from the position estimate.
	EventSegmentEntered   EventType = "segment.entered"
	EventSegmentExited    EventType = "segment.exited"
	EventBeatTick         EventType = "beat.tick"
	EventCountdownWarning EventType = "countdown.warning"
	EventGoCue            EventType = "cue.go"
	EventGoCueCleared     EventType = "cue.cleared"
	EventTrackEnded       EventType = "track.ended"

	// Remote player session events.
	EventPlaybackState EventType = "playback.state"
	EventSessionState  EventType = "session.state"
	EventDeviceError   EventType = "device.error"
	EventSessionFatal  EventType = "session.fatal"

	// Playlist sequencer events.
	EventTrackChanged    EventType = "playlist.track_changed"
	EventPlaylistEnded   EventType = "playlist.ended"
	EventSegmentsChanged EventType = "segments.changed"
)

// AllEventTypes lists every event type, for consumers that forward everything.
func AllEventTypes() []EventType {
	return []EventType{
		EventSegmentEntered,
		EventSegmentExited,
		EventBeatTick,
		EventCountdownWarning,
		EventGoCue,
		EventGoCueCleared,
		EventTrackEnded,
		EventPlaybackState,
		EventSessionState,
		EventDeviceError,
		EventSessionFatal,
		EventTrackChanged,
		EventPlaylistEnded,
		EventSegmentsChanged,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Event is a payload tagged with its type.
type Event struct {
	Type    EventType `json:"type"`
	Payload Payload   `json:"payload"`
}

// Tap receives every event published on the bus.
type Tap chan Event

// Bus implements a simple in-process pubsub. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
	taps []Tap
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	return b.SubscribeBuffered(eventType, 8)
}

// SubscribeBuffered registers a subscriber with a custom buffer size.
func (b *Bus) SubscribeBuffered(eventType EventType, size int) Subscriber {
	ch := make(Subscriber, size)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	// Sends never block, so they run under the read lock; Unsubscribe and
	// Untap close channels under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
	for _, tap := range b.taps {
		select {
		case tap <- Event{Type: eventType, Payload: payload}:
		default:
		}
	}
}

// Tap registers a receiver for events of every type.
func (b *Bus) Tap(size int) Tap {
	ch := make(Tap, size)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// Untap removes the tap and closes it.
func (b *Bus) Untap(tap Tap) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.taps {
		if candidate == tap {
			b.taps = append(b.taps[:i], b.taps[i+1:]...)
			close(tap)
			return
		}
	}
}

// Unsubscribe removes the subscriber and closes it.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}
