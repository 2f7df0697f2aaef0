package model

import "time"

// EventKind classifies a world event.
type EventKind string

const (
	EventKindAgentAction      EventKind = "agent_action"
	EventKindWorldEvent       EventKind = "world_event"
	EventKindUserIntervention EventKind = "user_intervention"
)

// Event is a durable, world-visible occurrence. Events for a given world are
// totally ordered by (SimTime, Sequence).
type Event struct {
	ID           string         `json:"id"`
	WorldID      string         `json:"world_id"`
	SimTime      time.Time      `json:"sim_time"`
	Sequence     uint64         `json:"sequence"`
	Kind         EventKind      `json:"kind"`
	AgentID      string         `json:"agent_id,omitempty"`
	Description  string         `json:"description"`
	Data         map[string]any `json:"data,omitempty"`
	Consequences []string       `json:"consequences,omitempty"`
	Version      int64          `json:"version"`
}

func (e *Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if e.WorldID == "" {
		return &ValidationError{Field: "world_id", Reason: "required"}
	}
	switch e.Kind {
	case EventKindAgentAction, EventKindWorldEvent, EventKindUserIntervention:
	default:
		return &ValidationError{Field: "kind", Reason: "unknown kind"}
	}
	return nil
}

// Snapshot is an immutable capture of a world's state.
type Snapshot struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"world_id"`
	Name        string    `json:"name"`
	TakenAt     time.Time `json:"taken_at"`
	Location    string    `json:"location"`
	AgentCount  int       `json:"agent_count"`
	Description string    `json:"description,omitempty"`
	Version     int64     `json:"version"`
}

func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if s.WorldID == "" {
		return &ValidationError{Field: "world_id", Reason: "required"}
	}
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}
