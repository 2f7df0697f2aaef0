package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/model"
)

func testWorld(id string) *model.World {
	w := &model.World{
		ID:          id,
		Name:        "world-" + id,
		CurrentTime: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	w.SetDefaults()
	return w
}

func testAgent(id, worldID string) *model.Agent {
	a := &model.Agent{
		ID:      id,
		WorldID: worldID,
		Name:    "agent-" + id,
		Traits:  []string{"curious"},
	}
	a.SetDefaults()
	return a
}

func testMemory(id, agentID, worldID string, ts time.Time) *model.Memory {
	return &model.Memory{
		ID:           id,
		AgentID:      agentID,
		WorldID:      worldID,
		Kind:         model.MemoryKindObservation,
		Content:      "saw something at " + id,
		Timestamp:    ts,
		LastAccessed: ts,
		Importance:   4,
	}
}

func TestWorldRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := testWorld("w1")
	require.NoError(t, s.PutWorld(ctx, w))
	assert.Equal(t, int64(1), w.Version)

	got, err := s.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	assert.Equal(t, model.WorldStatusStopped, got.Status)
	assert.True(t, got.CurrentTime.Equal(w.CurrentTime))
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetWorld(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestPutWorld_ConditionalCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutWorld(ctx, testWorld("w1")))

	// Version 0 means create; the id is already taken.
	err := s.PutWorld(ctx, testWorld("w1"))
	assert.True(t, model.IsConflict(err))
}

func TestPutWorld_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := testWorld("w1")
	require.NoError(t, s.PutWorld(ctx, w))

	stale := *w
	stale.Version = 99
	err := s.PutWorld(ctx, &stale)
	require.True(t, model.IsConflict(err))
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Version)

	// The matching version advances.
	w.Name = "renamed"
	require.NoError(t, s.PutWorld(ctx, w))
	assert.Equal(t, int64(2), w.Version)

	// Non-zero version against a missing id is not-found, not create.
	ghost := testWorld("w2")
	ghost.Version = 1
	assert.True(t, model.IsNotFound(s.PutWorld(ctx, ghost)))
}

func TestDeleteWorld_Cascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutWorld(ctx, testWorld("w1")))
	require.NoError(t, s.PutAgent(ctx, testAgent("a1", "w1")))
	require.NoError(t, s.PutMemory(ctx, testMemory("m1", "a1", "w1", now)))
	require.NoError(t, s.PutEvent(ctx, &model.Event{
		ID:          "e1",
		WorldID:     "w1",
		SimTime:     now,
		Kind:        model.EventKindWorldEvent,
		Description: "it rained",
	}))

	require.NoError(t, s.DeleteWorld(ctx, "w1"))

	_, err := s.GetWorld(ctx, "w1")
	assert.True(t, model.IsNotFound(err))
	_, err = s.GetAgent(ctx, "a1")
	assert.True(t, model.IsNotFound(err))
	_, err = s.GetMemory(ctx, "m1")
	assert.True(t, model.IsNotFound(err))

	events, err := s.ListEventsByWorld(ctx, "w1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.True(t, model.IsNotFound(s.DeleteWorld(ctx, "w1")))
}

func TestPutAgent_CannotChangeWorld(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := testAgent("a1", "w1")
	require.NoError(t, s.PutAgent(ctx, a))

	moved := *a
	moved.WorldID = "w2"
	var verr *model.ValidationError
	require.ErrorAs(t, s.PutAgent(ctx, &moved), &verr)
	assert.Equal(t, "world_id", verr.Field)
}

func TestPutAgent_CopiesDoNotAlias(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := testAgent("a1", "w1")
	require.NoError(t, s.PutAgent(ctx, a))

	// Mutating the caller's slices must not leak into the stored copy.
	a.Traits[0] = "mutated"
	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"curious"}, got.Traits)
}

func TestPutMemory_ImportanceImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	m := testMemory("m1", "a1", "w1", now)
	require.NoError(t, s.PutMemory(ctx, m))

	changed := *m
	changed.Importance = 9
	var verr *model.ValidationError
	require.ErrorAs(t, s.PutMemory(ctx, &changed), &verr)
	assert.Equal(t, "importance", verr.Field)

	// Other fields stay writable under the same importance.
	m.Tags = []string{"weather"}
	require.NoError(t, s.PutMemory(ctx, m))
	assert.Equal(t, int64(2), m.Version)
}

func TestListMemoriesByAgent_NewestFirstWithLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.PutMemory(ctx, testMemory(id, "a1", "w1", base.Add(time.Duration(i)*time.Hour))))
	}
	// Different agent, must not appear.
	require.NoError(t, s.PutMemory(ctx, testMemory("other", "a2", "w1", base)))

	all, err := s.ListMemoriesByAgent(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m3", all[0].ID)
	assert.Equal(t, "m2", all[1].ID)
	assert.Equal(t, "m1", all[2].ID)

	limited, err := s.ListMemoriesByAgent(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "m3", limited[0].ID)

	none, err := s.ListMemoriesByAgent(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTouchMemory_MovesLastAccessedForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	m := testMemory("m1", "a1", "w1", base)
	require.NoError(t, s.PutMemory(ctx, m))

	later := base.Add(3 * time.Hour)
	require.NoError(t, s.TouchMemory(ctx, "m1", later))
	got, err := s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.LastAccessed.Equal(later))
	assert.Equal(t, int64(1), got.Version)

	// An earlier access time never rewinds the mark.
	require.NoError(t, s.TouchMemory(ctx, "m1", base.Add(time.Hour)))
	got, err = s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.LastAccessed.Equal(later))

	assert.True(t, model.IsNotFound(s.TouchMemory(ctx, "missing", later)))
}

func TestListEventsByWorld_OrderingSinceAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	put := func(id string, ts time.Time, seq uint64) {
		require.NoError(t, s.PutEvent(ctx, &model.Event{
			ID:          id,
			WorldID:     "w1",
			SimTime:     ts,
			Sequence:    seq,
			Kind:        model.EventKindAgentAction,
			AgentID:     "a1",
			Description: "did " + id,
		}))
	}
	// Inserted out of order on purpose.
	put("e3", base.Add(time.Minute), 3)
	put("e1", base, 1)
	put("e2", base, 2)

	events, err := s.ListEventsByWorld(ctx, "w1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
	assert.Equal(t, "e3", events[2].ID)

	since, err := s.ListEventsByWorld(ctx, "w1", base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "e3", since[0].ID)

	limited, err := s.ListEventsByWorld(ctx, "w1", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "e2", limited[1].ID)
}

func TestSnapshots_CreateOnlyAndBlobRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap := &model.Snapshot{
		ID:       "s1",
		WorldID:  "w1",
		Name:     "before-the-storm",
		TakenAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		Location: "snapshots/w1/s1.json",
	}
	require.NoError(t, s.PutSnapshot(ctx, snap))
	assert.Equal(t, int64(1), snap.Version)

	// Snapshots never update in place.
	assert.True(t, model.IsConflict(s.PutSnapshot(ctx, snap)))

	listed, err := s.ListSnapshotsByWorld(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "s1", listed[0].ID)

	payload := []byte(`{"world":{"id":"w1"}}`)
	require.NoError(t, s.PutBlob(ctx, snap.Location, payload))
	got, err := s.GetBlob(ctx, snap.Location)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = s.GetBlob(ctx, "snapshots/w1/other.json")
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, s.DeleteSnapshot(ctx, "s1"))
	_, err = s.GetSnapshot(ctx, "s1")
	assert.True(t, model.IsNotFound(err))
}

func TestDeleteAgent_RemovesMemories(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutAgent(ctx, testAgent("a1", "w1")))
	require.NoError(t, s.PutMemory(ctx, testMemory("m1", "a1", "w1", now)))

	require.NoError(t, s.DeleteAgent(ctx, "a1"))
	_, err := s.GetMemory(ctx, "m1")
	assert.True(t, model.IsNotFound(err))

	agents, err := s.ListAgentsByWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, agents)
}
