package model

import (
	"fmt"
	"time"
)

// MemoryKind discriminates the memory variant. Handling must be exhaustive;
// switches over MemoryKind should not have silent defaults.
type MemoryKind string

const (
	MemoryKindObservation MemoryKind = "observation"
	MemoryKindReflection  MemoryKind = "reflection"
	MemoryKindPlan        MemoryKind = "plan"
)

const (
	// MinImportance and MaxImportance bound memory importance scores.
	MinImportance = 1
	MaxImportance = 10
)

// Memory is one record in an agent's memory stream.
//
// Importance is immutable after creation. A reflection carries a non-empty
// RelatedMemories set forming its evidence chain. Embedding, when present,
// must have the configured dimension.
type Memory struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	WorldID         string     `json:"world_id"`
	Kind            MemoryKind `json:"kind"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
	LastAccessed    time.Time  `json:"last_accessed"`
	Importance      int        `json:"importance"`
	RelatedMemories []string   `json:"related_memories,omitempty"`
	Embedding       []float32  `json:"embedding,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Version         int64      `json:"version"`
}

func (m *Memory) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if m.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if m.WorldID == "" {
		return &ValidationError{Field: "world_id", Reason: "required"}
	}
	switch m.Kind {
	case MemoryKindObservation, MemoryKindReflection, MemoryKindPlan:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", m.Kind)}
	}
	if m.Content == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	if m.Importance < MinImportance || m.Importance > MaxImportance {
		return &ValidationError{Field: "importance", Reason: fmt.Sprintf("must be in [%d,%d]", MinImportance, MaxImportance)}
	}
	if m.LastAccessed.Before(m.Timestamp) {
		return &ValidationError{Field: "last_accessed", Reason: "must not precede timestamp"}
	}
	if m.Kind == MemoryKindReflection && len(m.RelatedMemories) == 0 {
		return &ValidationError{Field: "related_memories", Reason: "reflection requires evidence"}
	}
	return nil
}

// ClampImportance forces v into the valid importance range.
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}
