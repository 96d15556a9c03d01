/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/telemetry"
)

const (
	eventStreamPing     = 15 * time.Second
	snapshotInterval    = 250 * time.Millisecond
	eventStreamBuffer   = 256
	eventTypeSnapshot   = "playback.snapshot"
	eventTypeCommandErr = "command.error"
)

// streamMessage is one frame on the event stream.
type streamMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// streamCommand is a transport control sent by the client.
type streamCommand struct {
	Action     string `json:"action"`
	PositionMs int64  `json:"positionMs,omitempty"`
}

// handleEvents upgrades to a websocket that carries bus events, periodic
// playback snapshots while something is playing, and accepts transport
// commands from the client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := parseEventTypes(r.URL.Query().Get("types"))

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.EventStreamClients.Inc()
	defer telemetry.EventStreamClients.Dec()

	tap := s.bus.Tap(eventStreamBuffer)
	defer s.bus.Untap(tap)

	ctx := r.Context()
	done := make(chan struct{})
	commandCh := make(chan streamCommand, 16)

	go func() {
		defer close(done)
		for {
			var cmd streamCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				if ws.CloseStatus(err) != ws.StatusNormalClosure {
					s.logger.Debug().Err(err).Msg("event stream read ended")
				}
				return
			}
			select {
			case commandCh <- cmd:
			default:
				s.logger.Warn().Msg("command channel full, dropping message")
			}
		}
	}()

	pingTicker := time.NewTicker(eventStreamPing)
	defer pingTicker.Stop()
	snapshots := s.clock.NewTicker(snapshotInterval)
	defer snapshots.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			if err := s.send(ctx, conn, "ping", nil); err != nil {
				s.logger.Debug().Err(err).Msg("websocket ping failed")
				conn.Close(ws.StatusInternalError, "ping failed")
				return
			}

		case <-snapshots.C():
			st := s.player.Status()
			if !st.Active {
				continue
			}
			if err := s.send(ctx, conn, eventTypeSnapshot, st); err != nil {
				conn.Close(ws.StatusInternalError, "send failed")
				return
			}

		case ev, ok := <-tap:
			if !ok {
				conn.Close(ws.StatusNormalClosure, "bus closed")
				return
			}
			if len(filter) > 0 && !filter[ev.Type] {
				continue
			}
			if err := s.send(ctx, conn, string(ev.Type), ev.Payload); err != nil {
				s.logger.Debug().Err(err).Str("event_type", string(ev.Type)).Msg("websocket write failed")
				conn.Close(ws.StatusInternalError, "send failed")
				return
			}

		case cmd := <-commandCh:
			if err := s.runCommand(ctx, cmd); err != nil {
				s.logger.Warn().Err(err).Str("action", cmd.Action).Msg("stream command failed")
				_ = s.send(ctx, conn, eventTypeCommandErr, map[string]string{"action": cmd.Action, "error": err.Error()})
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *ws.Conn, typ string, data any) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, streamMessage{
		Type:      typ,
		Timestamp: s.clock.Now().UTC(),
		Data:      data,
	})
}

func (s *Server) runCommand(ctx context.Context, cmd streamCommand) error {
	switch cmd.Action {
	case "pause":
		return s.player.Pause(ctx)
	case "resume":
		return s.player.Resume(ctx)
	case "seek":
		return s.player.Seek(ctx, cmd.PositionMs)
	case "next":
		_, err := s.player.Next(ctx)
		return err
	case "previous":
		return s.player.Previous(ctx)
	case "stop":
		return s.player.Stop(ctx)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// parseEventTypes reads a comma separated ?types= filter. Unknown names
// are ignored; an empty result means every type.
func parseEventTypes(raw string) map[events.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	known := make(map[events.EventType]bool)
	for _, t := range events.AllEventTypes() {
		known[t] = true
	}
	out := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		t := events.EventType(strings.TrimSpace(part))
		if known[t] {
			out[t] = true
		}
	}
	return out
}
