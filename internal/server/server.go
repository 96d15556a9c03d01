/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/config"
	"github.com/friendsincode/cadence/internal/device"
	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/kv"
	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/session"
	"github.com/friendsincode/cadence/internal/telemetry"
	"github.com/friendsincode/cadence/internal/transfer"
	"github.com/friendsincode/cadence/internal/workout"
)

// Catalog resolves playlists. *catalog.Client satisfies it.
type Catalog interface {
	Playlist(ctx context.Context, playlistID, token string) (models.Playlist, error)
}

// Deps are the collaborators the server is built from.
type Deps struct {
	Catalog   Catalog
	Store     kv.Store
	NewDevice func() device.Device
	Bus       *events.Bus // optional; a fresh bus is created when nil
	Clock     clock.Clock // optional; wall clock when nil
}

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	clock     clock.Clock
	bus       *events.Bus
	catalog   Catalog
	store     kv.Store
	repo      *workout.Repository
	transfer  *transfer.Service
	registry  *session.Registry
	newDevice func() device.Device

	workspaces *workspaces
	player     *player
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("cadence-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for the websocket event stream
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    router,
		clock:     deps.Clock,
		bus:       deps.Bus,
		catalog:   deps.Catalog,
		store:     deps.Store,
		registry:  session.NewRegistry(logger),
		newDevice: deps.NewDevice,
	}

	srv.repo = workout.NewRepository(deps.Store, deps.Clock, workout.Config{
		DefaultBPM: cfg.DefaultBPM,
		Debounce:   cfg.PersistDebounce,
	}, logger)
	srv.DeferClose(func() error { return deps.Store.Close() })
	srv.DeferClose(func() error { return srv.repo.Close(context.Background()) })

	srv.transfer = transfer.NewService(srv.repo, logger)
	srv.workspaces = newWorkspaces(srv.catalog, srv.repo, srv.bus, cfg.MinSegmentMs, logger)
	srv.player = newPlayer(srv, logger)
	srv.DeferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.player.Stop(ctx)
	})

	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 for the websocket stream; the middleware timeout covers the rest.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bus returns the event bus shared by playback components.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok", "storage": s.storageStatus()}
		if sess := s.registry.Active(); sess != nil {
			resp["session"] = sess.State()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/segment-types", s.handleSegmentTypes)
		r.Get("/events", s.handleEvents)

		r.Route("/playlists/{playlistID}", func(r chi.Router) {
			r.Get("/", s.handlePlaylist)
			r.Get("/timeline", s.handleTimeline)
			r.Get("/export", s.handleExport)
			r.Post("/import", s.handleImport)

			r.Route("/tracks/{trackID}", func(r chi.Router) {
				r.Get("/segments", s.handleListSegments)
				r.Post("/segments", s.handleInsertSegment)
				r.Put("/segments/{segmentID}", s.handleUpsertSegment)
				r.Delete("/segments/{segmentID}", s.handleDeleteSegment)
				r.Post("/segments/{segmentID}/drag", s.handleDragSegment)
				r.Post("/split", s.handleSplit)
				r.Get("/bpm", s.handleGetBPM)
				r.Put("/bpm", s.handlePutBPM)
			})
		})

		r.Route("/playback", func(r chi.Router) {
			r.Get("/", s.handlePlaybackStatus)
			r.Post("/play", s.handlePlay)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/seek", s.handleSeek)
			r.Post("/next", s.handleNext)
			r.Post("/previous", s.handlePrevious)
			r.Post("/stop", s.handleStop)
		})
	})
}

func (s *Server) storageStatus() string {
	if r, ok := s.store.(*kv.Resilient); ok && r.Degraded() {
		return "degraded"
	}
	return "ok"
}
