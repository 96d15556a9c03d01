/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_api_requests_total",
		Help: "HTTP requests served, by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_api_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	EventStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_event_stream_clients",
		Help: "Connected websocket event stream clients.",
	})

	// Playback

	SchedulerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_scheduler_events_total",
		Help: "Events emitted by the beat scheduler, by type.",
	}, []string{"event_type"})

	EstimatorNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_estimator_notifications_total",
		Help: "Device state notifications seen by the position estimator.",
	}, []string{"result"})

	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_session_state",
		Help: "1 for the session's current state, 0 otherwise.",
	}, []string{"state"})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_session_transitions_total",
		Help: "Session state transitions.",
	}, []string{"from", "to"})

	SessionTeardownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_session_teardowns_total",
		Help: "Completed session teardowns, by outcome.",
	}, []string{"outcome"})

	DeviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_device_errors_total",
		Help: "Errors reported by the playback device, by class.",
	}, []string{"class"})

	PlaylistAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_playlist_advances_total",
		Help: "Playlist sequencer advances, by outcome.",
	}, []string{"outcome"})

	// Workout data

	SegmentMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_segment_mutations_total",
		Help: "Segment edits, by operation.",
	}, []string{"operation"})

	KVOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_kv_operations_total",
		Help: "Key-value store operations, by backend, operation and result.",
	}, []string{"backend", "operation", "result"})

	KVDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_kv_degraded",
		Help: "1 while the key-value store is serving from its in-memory fallback.",
	})

	ImportEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_import_entries_total",
		Help: "Workout import entries, by result.",
	}, []string{"result"})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_database_query_duration_seconds",
		Help:    "SQL storage query latency, by operation and table.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_database_errors_total",
		Help: "SQL storage errors, by operation.",
	}, []string{"operation"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_database_connections_active",
		Help: "Open SQL connections.",
	})

	EventBridgeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_event_bridge_messages_total",
		Help: "Events forwarded to the message broker, by result.",
	}, []string{"result"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionState marks state as the single active session state.
func SetSessionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
