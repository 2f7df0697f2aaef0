package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/simworld/simworld/pkg/model"
)

// MemoryStore is the in-process Store backend. Entities are deep-copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	worlds    map[string]*model.World
	agents    map[string]*model.Agent
	memories  map[string]*model.Memory
	events    map[string][]*model.Event // worldID → ordered events
	snapshots map[string]*model.Snapshot
	blobs     map[string][]byte

	agentsByWorld   map[string]map[string]bool
	memoriesByAgent map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		worlds:          make(map[string]*model.World),
		agents:          make(map[string]*model.Agent),
		memories:        make(map[string]*model.Memory),
		events:          make(map[string][]*model.Event),
		snapshots:       make(map[string]*model.Snapshot),
		blobs:           make(map[string][]byte),
		agentsByWorld:   make(map[string]map[string]bool),
		memoriesByAgent: make(map[string]map[string]bool),
	}
}

// checkVersion enforces the optimistic-concurrency contract and returns the
// next version to store.
func checkVersion(entity, id string, incoming, stored int64, exists bool) (int64, error) {
	if incoming == 0 {
		if exists {
			return 0, &model.ConflictError{Entity: entity, ID: id, Version: stored}
		}
		return 1, nil
	}
	if !exists {
		return 0, &model.NotFoundError{Entity: entity, ID: id}
	}
	if incoming != stored {
		return 0, &model.ConflictError{Entity: entity, ID: id, Version: stored}
	}
	return stored + 1, nil
}

func (s *MemoryStore) PutWorld(_ context.Context, w *model.World) error {
	if err := w.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.worlds[w.ID]
	var stored int64
	if ok {
		stored = existing.Version
	}
	next, err := checkVersion("world", w.ID, w.Version, stored, ok)
	if err != nil {
		return err
	}

	cp := *w
	cp.Version = next
	cp.CurrentTime = cp.CurrentTime.UTC()
	cp.UpdatedAt = time.Now().UTC()
	if !ok {
		cp.CreatedAt = cp.UpdatedAt
	} else {
		cp.CreatedAt = existing.CreatedAt
	}
	s.worlds[w.ID] = &cp
	w.Version = next
	return nil
}

func (s *MemoryStore) GetWorld(_ context.Context, id string) (*model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.worlds[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "world", ID: id}
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorlds(_ context.Context, status model.WorldStatus) ([]*model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		if status != "" && w.Status != status {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteWorld(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.worlds[id]; !ok {
		return &model.NotFoundError{Entity: "world", ID: id}
	}
	delete(s.worlds, id)
	for agentID := range s.agentsByWorld[id] {
		s.deleteAgentLocked(agentID)
	}
	delete(s.agentsByWorld, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) PutAgent(_ context.Context, a *model.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[a.ID]
	var stored int64
	if ok {
		stored = existing.Version
	}
	if ok && existing.WorldID != a.WorldID {
		return &model.ValidationError{Field: "world_id", Reason: "agent cannot change world"}
	}
	next, err := checkVersion("agent", a.ID, a.Version, stored, ok)
	if err != nil {
		return err
	}

	cp := copyAgent(a)
	cp.Version = next
	cp.UpdatedAt = time.Now().UTC()
	if !ok {
		cp.CreatedAt = cp.UpdatedAt
	} else {
		cp.CreatedAt = existing.CreatedAt
	}
	s.agents[a.ID] = cp

	if s.agentsByWorld[a.WorldID] == nil {
		s.agentsByWorld[a.WorldID] = make(map[string]bool)
	}
	s.agentsByWorld[a.WorldID][a.ID] = true
	a.Version = next
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "agent", ID: id}
	}
	return copyAgent(a), nil
}

func (s *MemoryStore) ListAgentsByWorld(_ context.Context, worldID string) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Agent, 0, len(s.agentsByWorld[worldID]))
	for id := range s.agentsByWorld[worldID] {
		out = append(out, copyAgent(s.agents[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return &model.NotFoundError{Entity: "agent", ID: id}
	}
	delete(s.agentsByWorld[a.WorldID], id)
	s.deleteAgentLocked(id)
	return nil
}

func (s *MemoryStore) deleteAgentLocked(id string) {
	delete(s.agents, id)
	for memID := range s.memoriesByAgent[id] {
		delete(s.memories, memID)
	}
	delete(s.memoriesByAgent, id)
}

func (s *MemoryStore) PutMemory(_ context.Context, m *model.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.memories[m.ID]
	var stored int64
	if ok {
		stored = existing.Version
	}
	if ok && existing.Importance != m.Importance {
		return &model.ValidationError{Field: "importance", Reason: "immutable after creation"}
	}
	next, err := checkVersion("memory", m.ID, m.Version, stored, ok)
	if err != nil {
		return err
	}

	cp := copyMemory(m)
	cp.Version = next
	cp.Timestamp = cp.Timestamp.UTC()
	cp.LastAccessed = cp.LastAccessed.UTC()
	s.memories[m.ID] = cp

	if s.memoriesByAgent[m.AgentID] == nil {
		s.memoriesByAgent[m.AgentID] = make(map[string]bool)
	}
	s.memoriesByAgent[m.AgentID][m.ID] = true
	m.Version = next
	return nil
}

func (s *MemoryStore) GetMemory(_ context.Context, id string) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "memory", ID: id}
	}
	return copyMemory(m), nil
}

func (s *MemoryStore) ListMemoriesByAgent(_ context.Context, agentID string, limit int) ([]*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Memory, 0, len(s.memoriesByAgent[agentID]))
	for id := range s.memoriesByAgent[agentID] {
		out = append(out, copyMemory(s.memories[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TouchMemory(_ context.Context, id string, accessedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return &model.NotFoundError{Entity: "memory", ID: id}
	}
	accessedAt = accessedAt.UTC()
	if accessedAt.After(m.LastAccessed) {
		m.LastAccessed = accessedAt
	}
	return nil
}

func (s *MemoryStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return &model.NotFoundError{Entity: "memory", ID: id}
	}
	delete(s.memoriesByAgent[m.AgentID], id)
	delete(s.memories, id)
	return nil
}

func (s *MemoryStore) PutEvent(_ context.Context, e *model.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyEvent(e)
	cp.Version = 1
	cp.SimTime = cp.SimTime.UTC()
	s.events[e.WorldID] = append(s.events[e.WorldID], cp)
	return nil
}

func (s *MemoryStore) ListEventsByWorld(_ context.Context, worldID string, since time.Time, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[worldID]
	out := make([]*model.Event, 0, len(all))
	for _, e := range all {
		if !since.IsZero() && e.SimTime.Before(since) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SimTime.Equal(out[j].SimTime) {
			return out[i].SimTime.Before(out[j].SimTime)
		}
		return out[i].Sequence < out[j].Sequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutSnapshot(_ context.Context, snap *model.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshots are immutable: create-only.
	if existing, ok := s.snapshots[snap.ID]; ok {
		return &model.ConflictError{Entity: "snapshot", ID: snap.ID, Version: existing.Version}
	}
	cp := *snap
	cp.Version = 1
	cp.TakenAt = cp.TakenAt.UTC()
	s.snapshots[snap.ID] = &cp
	snap.Version = 1
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, &model.NotFoundError{Entity: "snapshot", ID: id}
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryStore) ListSnapshotsByWorld(_ context.Context, worldID string) ([]*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Snapshot
	for _, snap := range s.snapshots {
		if snap.WorldID != worldID {
			continue
		}
		cp := *snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[id]; !ok {
		return &model.NotFoundError{Entity: "snapshot", ID: id}
	}
	delete(s.snapshots, id)
	return nil
}

func (s *MemoryStore) PutBlob(_ context.Context, location string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[location] = cp
	return nil
}

func (s *MemoryStore) GetBlob(_ context.Context, location string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[location]
	if !ok {
		return nil, &model.NotFoundError{Entity: "blob", ID: location}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyAgent(a *model.Agent) *model.Agent {
	cp := *a
	cp.Traits = append([]string(nil), a.Traits...)
	cp.Goals = append([]string(nil), a.Goals...)
	cp.Relationships = make(map[string]string, len(a.Relationships))
	for k, v := range a.Relationships {
		cp.Relationships[k] = v
	}
	cp.Plan.DailyGoals = append([]string(nil), a.Plan.DailyGoals...)
	cp.Plan.DailyActivities = append([]model.DailyActivity(nil), a.Plan.DailyActivities...)
	cp.Plan.HourlyActions = append([]model.HourlyAction(nil), a.Plan.HourlyActions...)
	if a.Plan.CurrentStep != nil {
		step := *a.Plan.CurrentStep
		cp.Plan.CurrentStep = &step
	}
	return &cp
}

func copyMemory(m *model.Memory) *model.Memory {
	cp := *m
	cp.RelatedMemories = append([]string(nil), m.RelatedMemories...)
	cp.Embedding = append([]float32(nil), m.Embedding...)
	cp.Tags = append([]string(nil), m.Tags...)
	return &cp
}

func copyEvent(e *model.Event) *model.Event {
	cp := *e
	cp.Consequences = append([]string(nil), e.Consequences...)
	if e.Data != nil {
		cp.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
