// Package server exposes the world-management HTTP surface: world and
// agent CRUD, simulation control, event injection and query, snapshots,
// and the realtime websocket channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/events"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/observability"
	"github.com/simworld/simworld/pkg/scheduler"
	"github.com/simworld/simworld/pkg/store"
)

type Server struct {
	cfg       *config.ServerConfig
	store     store.Store
	stream    *memstream.Stream
	sched     *scheduler.Scheduler
	processor *events.Processor
	hub       *events.Hub
	conns     *events.ConnectionManager
	obs       *observability.Manager

	httpServer *http.Server
}

func New(
	cfg *config.ServerConfig,
	st store.Store,
	stream *memstream.Stream,
	sched *scheduler.Scheduler,
	proc *events.Processor,
	hub *events.Hub,
	conns *events.ConnectionManager,
	obs *observability.Manager,
) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		stream:    stream,
		sched:     sched,
		processor: proc,
		hub:       hub,
		conns:     conns,
		obs:       obs,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.obs != nil && s.obs.Registry() != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.obs.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/worlds", func(r chi.Router) {
		r.Post("/", s.handleCreateWorld)
		r.Get("/", s.handleListWorlds)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorld)
			r.Put("/", s.handleUpdateWorld)
			r.Delete("/", s.handleDeleteWorld)

			r.Post("/start", s.handleStartWorld)
			r.Post("/pause", s.handlePauseWorld)
			r.Post("/resume", s.handleResumeWorld)
			r.Post("/stop", s.handleStopWorld)

			r.Route("/agents", func(r chi.Router) {
				r.Post("/", s.handleCreateAgent)
				r.Get("/", s.handleListAgents)
				r.Get("/{agentID}", s.handleGetAgent)
				r.Delete("/{agentID}", s.handleDeleteAgent)
				r.Get("/{agentID}/memories", s.handleAgentMemories)
			})

			r.Get("/time", s.handleGetTime)
			r.Post("/time/advance", s.handleAdvanceTime)
			r.Post("/time/speed", s.handleSetSpeed)

			r.Post("/events", s.handleInjectEvent)
			r.Get("/events", s.handleListEvents)
			r.Post("/process", s.handleProcess)

			r.Post("/snapshots", s.handleTakeSnapshot)
			r.Get("/snapshots", s.handleListSnapshots)
			r.Post("/snapshots/{snapshotID}/restore", s.handleRestoreSnapshot)

			r.Get("/ws", s.handleWebsocket)
		})
	})
	return r
}

// ListenAndServe blocks until ctx is canceled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	if _, err := s.store.GetWorld(r.Context(), worldID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.conns.HandleConnection(r.Context(), conn, worldID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// writeError maps the model error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case model.IsNotFound(err):
		status = http.StatusNotFound
	case model.IsConflict(err):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}
