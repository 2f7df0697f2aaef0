package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simworld/simworld/pkg/model"
)

type eventRequest struct {
	Kind        model.EventKind `json:"kind"`
	AgentID     string          `json:"agent_id,omitempty"`
	Description string          `json:"description"`
	Data        map[string]any  `json:"data,omitempty"`
	SimTime     *time.Time      `json:"sim_time,omitempty"`
}

// handleInjectEvent records an externally supplied event. The sim
// timestamp defaults to the world's current clock.
func (s *Server) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	world, err := s.store.GetWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = model.EventKindWorldEvent
	}
	if req.Description == "" {
		s.writeError(w, &model.ValidationError{Field: "description", Reason: "required"})
		return
	}

	simTime := world.CurrentTime
	if req.SimTime != nil {
		simTime = req.SimTime.UTC()
	}

	event, err := s.processor.Process(r.Context(), worldID, &model.Event{
		Kind:        req.Kind,
		AgentID:     req.AgentID,
		Description: req.Description,
		Data:        req.Data,
		SimTime:     simTime,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	if _, err := s.store.GetWorld(r.Context(), worldID); err != nil {
		s.writeError(w, err)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, &model.ValidationError{Field: "since", Reason: "must be RFC3339"})
			return
		}
		since = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, &model.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	events, err := s.store.ListEventsByWorld(r.Context(), worldID, since, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type processRequest struct {
	AgentID     string         `json:"agent_id,omitempty"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// handleProcess injects a user intervention. Interventions become
// high-priority observations for the targeted agents on their next
// perception pass.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	world, err := s.store.GetWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req processRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Description == "" {
		s.writeError(w, &model.ValidationError{Field: "description", Reason: "required"})
		return
	}

	event, err := s.processor.Process(r.Context(), worldID, &model.Event{
		Kind:        model.EventKindUserIntervention,
		AgentID:     req.AgentID,
		Description: req.Description,
		Data:        req.Data,
		SimTime:     world.CurrentTime,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, event)
}
