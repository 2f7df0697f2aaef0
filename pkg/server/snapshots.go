package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/simworld/simworld/pkg/model"
)

// snapshotPayload is the blob format: the full world, its agents, and
// every agent's memory stream at capture time.
type snapshotPayload struct {
	World    *model.World    `json:"world"`
	Agents   []*model.Agent  `json:"agents"`
	Memories []*model.Memory `json:"memories"`
}

type snapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.GetWorld(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req snapshotRequest
	if !s.decode(w, r, &req) {
		return
	}

	snap, err := s.captureSnapshot(r.Context(), world, req.Name, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}

// captureSnapshot serializes the world, its agents, and every agent's
// memory stream into a blob and records the snapshot entity.
func (s *Server) captureSnapshot(ctx context.Context, world *model.World, name, description string) (*model.Snapshot, error) {
	if name == "" {
		name = "snapshot-" + world.CurrentTime.Format("20060102-150405")
	}

	agents, err := s.store.ListAgentsByWorld(ctx, world.ID)
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload{World: world, Agents: agents}
	for _, agent := range agents {
		memories, err := s.store.ListMemoriesByAgent(ctx, agent.ID, 0)
		if err != nil {
			return nil, err
		}
		payload.Memories = append(payload.Memories, memories...)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		ID:          uuid.NewString(),
		WorldID:     world.ID,
		Name:        name,
		TakenAt:     time.Now().UTC(),
		AgentCount:  len(agents),
		Description: description,
	}
	snap.Location = fmt.Sprintf("snapshots/%s/%s.json", world.ID, snap.ID)

	if err := s.store.PutBlob(ctx, snap.Location, data); err != nil {
		return nil, err
	}
	if err := s.store.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	if _, err := s.store.GetWorld(r.Context(), worldID); err != nil {
		s.writeError(w, err)
		return
	}
	snaps, err := s.store.ListSnapshotsByWorld(r.Context(), worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// handleRestoreSnapshot rewinds a world to a captured state. The world
// comes back stopped regardless of its status at capture time; agents
// created after the capture are removed.
func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "id")
	snapID := chi.URLParam(r, "snapshotID")
	ctx := r.Context()

	snap, err := s.store.GetSnapshot(ctx, snapID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snap.WorldID != worldID {
		s.writeError(w, &model.NotFoundError{Entity: "snapshot", ID: snapID})
		return
	}

	if s.sched.Running(worldID) {
		if err := s.sched.Stop(ctx, worldID); err != nil {
			s.writeError(w, err)
			return
		}
	}

	data, err := s.store.GetBlob(ctx, snap.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeError(w, fmt.Errorf("corrupt snapshot payload: %w", err))
		return
	}

	current, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	world := payload.World
	world.Status = model.WorldStatusStopped
	world.Version = current.Version
	world.UpdatedAt = time.Now().UTC()
	if err := s.store.PutWorld(ctx, world); err != nil {
		s.writeError(w, err)
		return
	}

	// Drop agents that did not exist at capture time.
	inSnapshot := make(map[string]bool, len(payload.Agents))
	for _, agent := range payload.Agents {
		inSnapshot[agent.ID] = true
	}
	existing, err := s.store.ListAgentsByWorld(ctx, worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, agent := range existing {
		if !inSnapshot[agent.ID] {
			if err := s.store.DeleteAgent(ctx, agent.ID); err != nil && !model.IsNotFound(err) {
				s.writeError(w, err)
				return
			}
		}
	}

	for _, agent := range payload.Agents {
		agent.Version = 0
		if cur, err := s.store.GetAgent(ctx, agent.ID); err == nil {
			agent.Version = cur.Version
		}
		if err := s.store.PutAgent(ctx, agent); err != nil {
			s.writeError(w, err)
			return
		}
	}
	for _, mem := range payload.Memories {
		mem.Version = 0
		if cur, err := s.store.GetMemory(ctx, mem.ID); err == nil {
			mem.Version = cur.Version
		}
		if err := s.store.PutMemory(ctx, mem); err != nil {
			s.writeError(w, err)
			return
		}
	}

	restored, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"world":    restored,
	})
}
