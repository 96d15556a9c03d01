/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus forwards in-process events to NATS so remote displays
// can follow playback.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL     string
	Subject string // prefix; events go to <Subject>.<event type>
	Token   string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	BufferSize    int
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "cadence.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		BufferSize:    256,
	}
}

// NATSBridge publishes every bus event to NATS.
type NATSBridge struct {
	conn    *nats.Conn
	bus     *events.Bus
	subject string
	size    int
	nodeID  string
	logger  zerolog.Logger
}

// NewNATSBridge connects to NATS. The connection reconnects on its own;
// events published while disconnected are buffered by the client.
func NewNATSBridge(cfg NATSConfig, bus *events.Bus, logger zerolog.Logger) (*NATSBridge, error) {
	def := DefaultNATSConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}

	logger = logger.With().Str("component", "nats_bridge").Logger()
	opts := []nats.Option{
		nats.Name("cadence"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info().Str("url", conn.ConnectedUrl()).Str("subject", cfg.Subject).Msg("nats bridge connected")

	return &NATSBridge{
		conn:    conn,
		bus:     bus,
		subject: cfg.Subject,
		size:    cfg.BufferSize,
		nodeID:  generateNodeID(),
		logger:  logger,
	}, nil
}

// Run forwards events until ctx is cancelled.
func (b *NATSBridge) Run(ctx context.Context) error {
	tap := b.bus.Tap(b.size)
	defer b.bus.Untap(tap)

	for {
		select {
		case <-ctx.Done():
			if err := b.conn.Flush(); err != nil {
				b.logger.Debug().Err(err).Msg("final flush failed")
			}
			return nil
		case ev := <-tap:
			b.forward(ev)
		}
	}
}

func (b *NATSBridge) forward(ev events.Event) {
	data, err := marshalNATSMessage(ev, b.nodeID, time.Now())
	if err != nil {
		telemetry.EventBridgeMessagesTotal.WithLabelValues("error").Inc()
		b.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("unencodable event payload")
		return
	}
	if err := b.conn.Publish(Subject(b.subject, ev.Type), data); err != nil {
		telemetry.EventBridgeMessagesTotal.WithLabelValues("error").Inc()
		b.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("nats publish failed")
		return
	}
	telemetry.EventBridgeMessagesTotal.WithLabelValues("ok").Inc()
}

// Close drains and closes the connection.
func (b *NATSBridge) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Subject returns the NATS subject for an event type.
func Subject(prefix string, eventType events.EventType) string {
	return prefix + "." + string(eventType)
}

// natsMessage represents a message published to NATS.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}

func marshalNATSMessage(ev events.Event, nodeID string, now time.Time) ([]byte, error) {
	return json.Marshal(natsMessage{
		EventType: ev.Type,
		Payload:   ev.Payload,
		Timestamp: now.UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalNATSMessage(data []byte) (*natsMessage, error) {
	var msg natsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal nats message: %w", err)
	}
	return &msg, nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cadence"
	}
	return host + "-" + uuid.NewString()[:8]
}
