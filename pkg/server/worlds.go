package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/simworld/simworld/pkg/model"
)

type worldRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	TickLength  time.Duration        `json:"tick_length,omitempty"`
	TimeSpeed   float64              `json:"time_speed,omitempty"`
	CurrentTime *time.Time           `json:"current_time,omitempty"`
	Settings    *model.WorldSettings `json:"settings,omitempty"`
}

func (s *Server) handleCreateWorld(w http.ResponseWriter, r *http.Request) {
	var req worldRequest
	if !s.decode(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	world := &model.World{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      model.WorldStatusStopped,
		CurrentTime: now,
		TickLength:  req.TickLength,
		TimeSpeed:   req.TimeSpeed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.CurrentTime != nil {
		world.CurrentTime = req.CurrentTime.UTC()
	}
	if req.Settings != nil {
		world.Settings = *req.Settings
	}
	world.SetDefaults()
	if err := world.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.PutWorld(r.Context(), world); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, world)
}

func (s *Server) handleListWorlds(w http.ResponseWriter, r *http.Request) {
	status := model.WorldStatus(r.URL.Query().Get("status"))
	worlds, err := s.store.ListWorlds(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"worlds": worlds})
}

func (s *Server) handleGetWorld(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.GetWorld(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, world)
}

func (s *Server) handleUpdateWorld(w http.ResponseWriter, r *http.Request) {
	var req worldRequest
	if !s.decode(w, r, &req) {
		return
	}

	world, err := s.store.GetWorld(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.Name != "" {
		world.Name = req.Name
	}
	if req.Description != "" {
		world.Description = req.Description
	}
	if req.TickLength > 0 {
		world.TickLength = req.TickLength
	}
	if req.TimeSpeed > 0 {
		world.TimeSpeed = req.TimeSpeed
	}
	if req.Settings != nil {
		world.Settings = *req.Settings
	}
	world.UpdatedAt = time.Now().UTC()

	if err := world.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.PutWorld(r.Context(), world); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, world)
}

func (s *Server) handleDeleteWorld(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	world, err := s.store.GetWorld(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.sched.Running(id) {
		if err := s.sched.Stop(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
	}
	// The final snapshot outlives the cascade; it is the only record of
	// the world after deletion.
	snap, err := s.captureSnapshot(r.Context(), world,
		"final-"+world.CurrentTime.Format("20060102-150405"), "final snapshot before deletion")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteWorld(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id, "snapshot": snap})
}

func (s *Server) handleStartWorld(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Start)
}

func (s *Server) handlePauseWorld(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Pause)
}

func (s *Server) handleResumeWorld(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Resume)
}

func (s *Server) handleStopWorld(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Stop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, worldID string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	world, err := s.store.GetWorld(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, world)
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.GetWorld(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"current_time": world.CurrentTime,
		"tick_length":  world.TickLength,
		"time_speed":   world.TimeSpeed,
		"status":       world.Status,
	})
}

func (s *Server) handleAdvanceTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Steps int `json:"steps"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Steps == 0 {
		req.Steps = 1
	}

	id := chi.URLParam(r, "id")
	if err := s.sched.AdvanceManual(r.Context(), id, req.Steps); err != nil {
		s.writeError(w, err)
		return
	}
	world, err := s.store.GetWorld(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"current_time": world.CurrentTime,
		"steps":        req.Steps,
	})
}

func (s *Server) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeSpeed float64 `json:"time_speed"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.sched.SetSpeed(r.Context(), id, req.TimeSpeed); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"time_speed": req.TimeSpeed})
}
