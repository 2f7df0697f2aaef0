package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/simworld/simworld/pkg/model"
)

type agentRequest struct {
	Name     string          `json:"name"`
	Traits   []string        `json:"traits,omitempty"`
	Goals    []string        `json:"goals,omitempty"`
	Persona  string          `json:"persona,omitempty"`
	Location *model.Location `json:"location,omitempty"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	world, err := s.store.GetWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req agentRequest
	if !s.decode(w, r, &req) {
		return
	}

	existing, err := s.store.ListAgentsByWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(existing) >= world.Settings.MaxAgents {
		s.writeError(w, &model.ValidationError{Field: "agents", Reason: "world is at max_agents capacity"})
		return
	}

	now := time.Now().UTC()
	agent := &model.Agent{
		ID:        uuid.NewString(),
		WorldID:   worldID,
		Name:      req.Name,
		Traits:    req.Traits,
		Goals:     req.Goals,
		Persona:   req.Persona,
		Status:    model.AgentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Location != nil {
		agent.Location = *req.Location
	}
	agent.SetDefaults()
	if err := agent.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.PutAgent(r.Context(), agent); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	if _, err := s.store.GetWorld(r.Context(), worldID); err != nil {
		s.writeError(w, err)
		return
	}
	agents, err := s.store.ListAgentsByWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agent.WorldID != chi.URLParam(r, "id") {
		s.writeError(w, &model.NotFoundError{Entity: "agent", ID: agent.ID})
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agent.WorldID != chi.URLParam(r, "id") {
		s.writeError(w, &model.NotFoundError{Entity: "agent", ID: agentID})
		return
	}
	if err := s.store.DeleteAgent(r.Context(), agentID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": agentID})
}

// handleAgentMemories serves either a plain newest-first listing or, when
// a query is present, scored retrieval against the world clock.
func (s *Server) handleAgentMemories(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	agentID := chi.URLParam(r, "agentID")

	world, err := s.store.GetWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agent.WorldID != worldID {
		s.writeError(w, &model.NotFoundError{Entity: "agent", ID: agentID})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, &model.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
	}

	if query := r.URL.Query().Get("query"); query != "" {
		memories, err := s.stream.RetrieveRelevant(r.Context(), agentID, query, limit, world.CurrentTime)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
		return
	}

	memories, err := s.store.ListMemoriesByAgent(r.Context(), agentID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}
