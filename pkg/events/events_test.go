package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/store"
)

var simTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newProcessor(t *testing.T) (*Processor, *store.MemoryStore, *Hub) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	hub := NewHub()
	return NewProcessor(st, hub), st, hub
}

func TestProcess_AssignsIdentityAndSequence(t *testing.T) {
	p, st, _ := newProcessor(t)
	ctx := context.Background()

	first, err := p.Process(ctx, "w1", &model.Event{
		Kind:        model.EventKindAgentAction,
		AgentID:     "a1",
		Description: "walked to the well",
		SimTime:     simTime,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "w1", first.WorldID)
	assert.Equal(t, uint64(1), first.Sequence)

	second, err := p.Process(ctx, "w1", &model.Event{
		Kind:        model.EventKindAgentAction,
		AgentID:     "a2",
		Description: "drew water",
		SimTime:     simTime,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := st.ListEventsByWorld(ctx, "w1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, first.ID, stored[0].ID)
	assert.Equal(t, second.ID, stored[1].ID)
}

func TestProcess_SequenceSeedsFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.PutEvent(context.Background(), &model.Event{
		ID:       "e-old",
		WorldID:  "w1",
		Kind:     model.EventKindWorldEvent,
		SimTime:  simTime,
		Sequence: 41,
	}))

	p := NewProcessor(st, NewHub())
	e, err := p.Process(context.Background(), "w1", &model.Event{
		Kind:        model.EventKindWorldEvent,
		Description: "rain started",
		SimTime:     simTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), e.Sequence)
}

func TestProcess_SequencesIndependentPerWorld(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	e1, err := p.Process(ctx, "w1", &model.Event{Kind: model.EventKindWorldEvent, SimTime: simTime})
	require.NoError(t, err)
	e2, err := p.Process(ctx, "w2", &model.Event{Kind: model.EventKindWorldEvent, SimTime: simTime})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(1), e2.Sequence)
}

func TestProcess_ConsequenceRules(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	action, err := p.Process(ctx, "w1", &model.Event{
		Kind: model.EventKindAgentAction, SimTime: simTime,
		Data: map[string]any{"action_kind": "communicate"},
	})
	require.NoError(t, err)
	assert.Contains(t, action.Consequences, "nearby agents may perceive this action")
	assert.Contains(t, action.Consequences, "dialogue partners update their relationship")

	world, err := p.Process(ctx, "w1", &model.Event{Kind: model.EventKindWorldEvent, SimTime: simTime})
	require.NoError(t, err)
	assert.Len(t, world.Consequences, 1)

	intervention, err := p.Process(ctx, "w1", &model.Event{Kind: model.EventKindUserIntervention, SimTime: simTime})
	require.NoError(t, err)
	assert.Contains(t, intervention.Consequences[0], "high-priority observation")
}

func TestProcess_RequiresSimTime(t *testing.T) {
	p, _, _ := newProcessor(t)
	_, err := p.Process(context.Background(), "w1", &model.Event{Kind: model.EventKindWorldEvent})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHub_FanOutAndWildcards(t *testing.T) {
	p, _, hub := newProcessor(t)

	exact, disposeExact := hub.Subscribe("w1", model.EventKindAgentAction)
	defer disposeExact()
	allKinds, disposeAll := hub.Subscribe("w1", "")
	defer disposeAll()
	otherWorld, disposeOther := hub.Subscribe("w2", "")
	defer disposeOther()

	e, err := p.Process(context.Background(), "w1", &model.Event{
		Kind: model.EventKindAgentAction, SimTime: simTime,
	})
	require.NoError(t, err)

	assert.Equal(t, e.ID, (<-exact).ID)
	assert.Equal(t, e.ID, (<-allKinds).ID)
	select {
	case got := <-otherWorld:
		t.Fatalf("unexpected delivery to other world: %v", got)
	default:
	}
}

func TestHub_DisposerStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, dispose := hub.Subscribe("w1", "")
	dispose()
	dispose() // idempotent

	hub.Publish(&model.Event{ID: "e1", WorldID: "w1", Kind: model.EventKindWorldEvent})

	_, open := <-ch
	assert.False(t, open, "channel closed after dispose")
}

func TestHub_DropOldestOnOverflow(t *testing.T) {
	hub := NewHub()
	ch, dispose := hub.Subscribe("w1", "")
	defer dispose()

	for i := 0; i < defaultBuffer+5; i++ {
		hub.Publish(&model.Event{
			ID:      string(rune('a' + i%26)),
			WorldID: "w1",
			Kind:    model.EventKindWorldEvent,
			Sequence: uint64(i + 1),
		})
	}

	// The oldest five were dropped; the newest survive in order.
	first := <-ch
	assert.Equal(t, uint64(6), first.Sequence)
	n := 1
	for {
		select {
		case <-ch:
			n++
		default:
			assert.Equal(t, defaultBuffer, n)
			return
		}
	}
}

func TestEnvelopeType(t *testing.T) {
	assert.Equal(t, "agent_update", envelopeType(&model.Event{Kind: model.EventKindAgentAction}))
	assert.Equal(t, "conversation", envelopeType(&model.Event{
		Kind: model.EventKindAgentAction,
		Data: map[string]any{"action_kind": "communicate"},
	}))
	assert.Equal(t, "memory_update", envelopeType(&model.Event{
		Kind: model.EventKindAgentAction,
		Data: map[string]any{"memory_id": "m1"},
	}))
	assert.Equal(t, "world_state", envelopeType(&model.Event{Kind: model.EventKindWorldEvent}))
	assert.Equal(t, "world_state", envelopeType(&model.Event{Kind: model.EventKindUserIntervention}))
}
