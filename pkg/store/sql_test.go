package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/model"
)

func newSQLTestStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so every statement sees the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	return s, db
}

func TestSQLStore_WorldRoundTrip(t *testing.T) {
	s, _ := newSQLTestStore(t)
	ctx := context.Background()

	w := testWorld("w1")
	require.NoError(t, s.PutWorld(ctx, w))
	assert.Equal(t, int64(1), w.Version)

	got, err := s.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	assert.True(t, got.CurrentTime.Equal(w.CurrentTime))

	// Duplicate create conflicts.
	assert.True(t, model.IsConflict(s.PutWorld(ctx, testWorld("w1"))))
}

func TestSQLStore_StaleVersionLosesNoUpdate(t *testing.T) {
	s, db := newSQLTestStore(t)
	ctx := context.Background()

	w := testWorld("w1")
	require.NoError(t, s.PutWorld(ctx, w))

	// Simulate a concurrent writer committing between this client's read
	// and its write: the stored version moves past the one it holds.
	_, err := db.ExecContext(ctx, "UPDATE worlds SET version = 7 WHERE id = ?", "w1")
	require.NoError(t, err)

	w.Name = "stale rename"
	err = s.PutWorld(ctx, w)
	require.True(t, model.IsConflict(err))
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(7), conflict.Version)

	// The stored document is untouched.
	got, err := s.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "world-w1", got.Name)
}

func TestSQLStore_MemoryImportanceImmutable(t *testing.T) {
	s, _ := newSQLTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	m := testMemory("m1", "a1", "w1", now)
	require.NoError(t, s.PutMemory(ctx, m))

	changed := *m
	changed.Importance = 9
	var verr *model.ValidationError
	require.ErrorAs(t, s.PutMemory(ctx, &changed), &verr)
	assert.Equal(t, "importance", verr.Field)

	// Same importance, other fields writable.
	m.Tags = []string{"weather"}
	require.NoError(t, s.PutMemory(ctx, m))
	assert.Equal(t, int64(2), m.Version)
}

func TestSQLStore_AgentCannotChangeWorld(t *testing.T) {
	s, _ := newSQLTestStore(t)
	ctx := context.Background()

	a := testAgent("a1", "w1")
	require.NoError(t, s.PutAgent(ctx, a))

	moved := *a
	moved.WorldID = "w2"
	var verr *model.ValidationError
	require.ErrorAs(t, s.PutAgent(ctx, &moved), &verr)
	assert.Equal(t, "world_id", verr.Field)
}

func TestSQLStore_DeleteWorldCascades(t *testing.T) {
	s, _ := newSQLTestStore(t)
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

	_, err := s.GetAgent(ctx, "a1")
	assert.True(t, model.IsNotFound(err))
	_, err = s.GetMemory(ctx, "m1")
	assert.True(t, model.IsNotFound(err))
	events, err := s.ListEventsByWorld(ctx, "w1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
