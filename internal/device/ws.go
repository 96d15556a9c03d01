/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package device

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Message is the JSON frame exchanged with a websocket device.
type Message struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id,omitempty"`
	Token      string `json:"token,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	TrackID    string `json:"trackId,omitempty"`
	PositionMs int64  `json:"positionMs,omitempty"`
	State      *State `json:"state,omitempty"`
	Error      *Error `json:"error,omitempty"`
}

// Frame types.
const (
	MsgConnect  = "connect"
	MsgReady    = "ready"
	MsgLoad     = "load"
	MsgPause    = "pause"
	MsgResume   = "resume"
	MsgSeek     = "seek"
	MsgGetState = "get_state"
	MsgAck      = "ack"
	MsgState    = "state"
	MsgError    = "error"
)

// Config holds websocket device settings.
type Config struct {
	URL               string
	Token             string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
}

// DefaultConfig returns default device settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		ConnectionTimeout: 10 * time.Second,
		RequestTimeout:    5 * time.Second,
	}
}

// WSDevice drives a remote player over a websocket. Commands wait for the
// device's ack; state and error frames are pushed to registered listeners.
type WSDevice struct {
	Hub

	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	nextID   uint64
	pending  map[uint64]chan Message
	deviceID string
}

// NewWSDevice creates an unconnected websocket device.
func NewWSDevice(cfg *Config, logger zerolog.Logger) *WSDevice {
	c := *cfg
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return &WSDevice{
		cfg:     c,
		logger:  logger.With().Str("component", "ws_device").Logger(),
		pending: make(map[uint64]chan Message),
	}
}

// Connect dials the device, registers, and waits for it to report ready.
func (d *WSDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectionTimeout)
	defer cancel()

	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	d.logger.Info().Str("url", d.cfg.URL).Msg("connecting to playback device")
	conn, resp, err := websocket.Dial(ctx, d.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &Error{Class: ClassAuthentication, Message: resp.Status}
		}
		return &Error{Class: ClassInitialization, Message: err.Error()}
	}

	if err := wsjson.Write(ctx, conn, Message{Type: MsgConnect, Token: d.cfg.Token}); err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return &Error{Class: ClassInitialization, Message: err.Error()}
	}

	var ready Message
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		conn.Close(websocket.StatusInternalError, "no ready frame")
		return &Error{Class: ClassInitialization, Message: err.Error()}
	}
	switch ready.Type {
	case MsgReady:
	case MsgError:
		conn.Close(websocket.StatusNormalClosure, "rejected")
		if ready.Error != nil {
			return ready.Error
		}
		return &Error{Class: ClassInitialization, Message: "device rejected registration"}
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return &Error{Class: ClassInitialization, Message: fmt.Sprintf("unexpected %q frame during registration", ready.Type)}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.conn = conn
	d.cancel = loopCancel
	d.done = make(chan struct{})
	d.deviceID = ready.DeviceID
	done := d.done
	d.mu.Unlock()

	go d.readLoop(loopCtx, conn, done)

	d.logger.Info().Str("device_id", ready.DeviceID).Msg("playback device ready")
	return nil
}

// DeviceID returns the id the device reported on registration.
func (d *WSDevice) DeviceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

// LoadAndPlay starts trackID at positionMs.
func (d *WSDevice) LoadAndPlay(ctx context.Context, trackID string, positionMs int64) error {
	_, err := d.request(ctx, Message{Type: MsgLoad, TrackID: trackID, PositionMs: positionMs})
	return err
}

// Pause pauses playback.
func (d *WSDevice) Pause(ctx context.Context) error {
	_, err := d.request(ctx, Message{Type: MsgPause})
	return err
}

// Resume resumes playback.
func (d *WSDevice) Resume(ctx context.Context) error {
	_, err := d.request(ctx, Message{Type: MsgResume})
	return err
}

// Seek moves the play head.
func (d *WSDevice) Seek(ctx context.Context, positionMs int64) error {
	_, err := d.request(ctx, Message{Type: MsgSeek, PositionMs: positionMs})
	return err
}

// State fetches the device's current playback state.
func (d *WSDevice) State(ctx context.Context) (State, error) {
	reply, err := d.request(ctx, Message{Type: MsgGetState})
	if err != nil {
		return State{}, err
	}
	if reply.State == nil {
		return State{}, fmt.Errorf("device returned no state")
	}
	return *reply.State, nil
}

// Disconnect closes the connection. It is safe to call repeatedly.
func (d *WSDevice) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	cancel := d.cancel
	done := d.done
	d.conn = nil
	d.cancel = nil
	d.mu.Unlock()

	if conn == nil {
		return nil
	}

	d.logger.Info().Msg("disconnecting playback device")
	err := conn.Close(websocket.StatusNormalClosure, "session ended")
	cancel()
	<-done
	d.failPending()

	if err != nil {
		d.logger.Debug().Err(err).Msg("device close handshake incomplete")
	}
	return nil
}

func (d *WSDevice) request(ctx context.Context, msg Message) (Message, error) {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	d.nextID++
	msg.ID = d.nextID
	reply := make(chan Message, 1)
	d.pending[msg.ID] = reply
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.ID)
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return Message{}, ErrNotConnected
		}
		if r.Error != nil {
			return r, r.Error
		}
		return r, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%s: %w", msg.Type, ctx.Err())
	}
}

func (d *WSDevice) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.connectionLost(conn, err)
			return
		}

		if msg.ID != 0 && (msg.Type == MsgAck || msg.Type == MsgState) {
			d.mu.Lock()
			ch, ok := d.pending[msg.ID]
			d.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
				continue
			}
		}

		switch msg.Type {
		case MsgState:
			if msg.State != nil {
				d.EmitState(*msg.State)
			}
		case MsgError:
			if msg.Error != nil {
				d.logger.Warn().Str("class", string(msg.Error.Class)).Str("message", msg.Error.Message).Msg("device error")
				d.EmitError(msg.Error)
			}
		case MsgAck:
			// Late ack for a request that already timed out.
		default:
			d.logger.Debug().Str("type", msg.Type).Msg("ignoring device frame")
		}
	}
}

// connectionLost drops a connection the remote end closed so the next
// Connect dials again. The error is reported as an initialization failure
// because the session can only recover by reconnecting.
func (d *WSDevice) connectionLost(conn *websocket.Conn, err error) {
	d.mu.Lock()
	if d.conn != conn {
		// Disconnect already detached it.
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.conn = nil
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	conn.CloseNow()
	d.failPending()

	d.logger.Warn().Err(err).Msg("device connection lost")
	d.EmitError(&Error{Class: ClassInitialization, Message: "connection lost: " + err.Error()})
}

func (d *WSDevice) failPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}
