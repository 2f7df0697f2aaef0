// Package store provides typed access to worlds, agents, memories, events,
// and snapshots.
//
// All operations are idempotent on identifier. Writes use optimistic
// concurrency: an entity with Version 0 is a create and requires absence;
// a non-zero Version must match the stored version or the write fails with
// a ConflictError the caller resolves by refetching. No join semantics above
// the single-entity level — higher components assemble relationships.
package store

import (
	"context"
	"time"

	"github.com/simworld/simworld/pkg/model"
)

// Store is the persistence façade consumed by every other component.
type Store interface {
	PutWorld(ctx context.Context, w *model.World) error
	GetWorld(ctx context.Context, id string) (*model.World, error)
	// ListWorlds filters by status; empty status returns all worlds.
	ListWorlds(ctx context.Context, status model.WorldStatus) ([]*model.World, error)
	// DeleteWorld cascades deletion of the world's agents, memories, and
	// events. Callers wanting a final snapshot take it first.
	DeleteWorld(ctx context.Context, id string) error

	PutAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgentsByWorld(ctx context.Context, worldID string) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	PutMemory(ctx context.Context, m *model.Memory) error
	GetMemory(ctx context.Context, id string) (*model.Memory, error)
	// ListMemoriesByAgent returns memories newest-first; limit <= 0 means
	// no limit.
	ListMemoriesByAgent(ctx context.Context, agentID string, limit int) ([]*model.Memory, error)
	// TouchMemory updates only LastAccessed.
	TouchMemory(ctx context.Context, id string, accessedAt time.Time) error
	DeleteMemory(ctx context.Context, id string) error

	PutEvent(ctx context.Context, e *model.Event) error
	// ListEventsByWorld returns events ordered by (sim_time, sequence)
	// ascending, optionally filtered to events at or after since.
	ListEventsByWorld(ctx context.Context, worldID string, since time.Time, limit int) ([]*model.Event, error)

	PutSnapshot(ctx context.Context, s *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	ListSnapshotsByWorld(ctx context.Context, worldID string) ([]*model.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// PutBlob and GetBlob store opaque snapshot payloads by location key.
	PutBlob(ctx context.Context, location string, data []byte) error
	GetBlob(ctx context.Context, location string) ([]byte, error)

	Close() error
}
