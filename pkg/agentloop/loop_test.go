package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/events"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/planner"
	"github.com/simworld/simworld/pkg/store"
)

var simNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptedLM drives the loop with a fixed minute action and utterance.
type scriptedLM struct {
	minuteAction string
	utterance    string
	planningErr  error
}

func (f *scriptedLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (f *scriptedLM) ScoreImportance(ctx context.Context, content, agentContext string) (int, error) {
	return gateway.FallbackImportance, nil
}

func (f *scriptedLM) Complete(ctx context.Context, kind gateway.CompletionKind, payload any, out any) error {
	switch kind {
	case gateway.CompletionPlanning:
		if f.planningErr != nil {
			return f.planningErr
		}
		raw, _ := json.Marshal(payload)
		var probe struct {
			Layer string `json:"layer"`
		}
		_ = json.Unmarshal(raw, &probe)
		var resp any
		switch probe.Layer {
		case "daily":
			resp = map[string]any{"goals": []string{"get through the day"}, "activities": []map[string]string{{"activity": "daily business", "time_slot": "08:00-18:00"}}}
		case "hourly":
			resp = map[string]any{"actions": []map[string]any{{"action": f.minuteAction, "hour": 9}}}
		case "minute":
			resp = map[string]any{"action": f.minuteAction, "reasoning": "scripted"}
		default:
			return fmt.Errorf("unknown layer %q", probe.Layer)
		}
		data, _ := json.Marshal(resp)
		return json.Unmarshal(data, out)
	case gateway.CompletionDialogue:
		data, _ := json.Marshal(map[string]string{"utterance": f.utterance})
		return json.Unmarshal(data, out)
	default:
		return fmt.Errorf("unexpected completion kind %q", kind)
	}
}

type fixture struct {
	loop  *Loop
	store *store.MemoryStore
	hub   *events.Hub
	world *model.World
}

func newFixture(t *testing.T, lm gateway.LM) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	rcfg := &config.RetrievalConfig{}
	rcfg.SetDefaults()
	stream := memstream.New(st, lm, nil, rcfg)

	pcfg := &config.PlannerConfig{}
	pcfg.SetDefaults()
	pl := planner.New(lm, stream, pcfg)

	hub := events.NewHub()
	proc := events.NewProcessor(st, hub)

	scfg := &config.SimulationConfig{}
	scfg.SetDefaults()

	world := &model.World{
		ID:          "w1",
		Name:        "Test World",
		Status:      model.WorldStatusRunning,
		CurrentTime: simNow,
		TickLength:  time.Minute,
		TimeSpeed:   1,
	}
	world.SetDefaults()
	require.NoError(t, st.PutWorld(context.Background(), world))

	return &fixture{
		loop:  New(st, stream, pl, proc, lm, scfg),
		store: st,
		hub:   hub,
		world: world,
	}
}

func (f *fixture) addAgent(t *testing.T, id, name string, loc model.Location) *model.Agent {
	t.Helper()
	a := &model.Agent{
		ID:       id,
		WorldID:  "w1",
		Name:     name,
		Location: loc,
		Status:   model.AgentStatusActive,
	}
	a.SetDefaults()
	require.NoError(t, f.store.PutAgent(context.Background(), a))
	return a
}

func memoriesOf(t *testing.T, st store.Store, agentID string) []*model.Memory {
	t.Helper()
	out, err := st.ListMemoriesByAgent(context.Background(), agentID, 0)
	require.NoError(t, err)
	return out
}

func TestRunAgent_InactiveIsNoOp(t *testing.T) {
	f := newFixture(t, &scriptedLM{minuteAction: "go to the market"})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})
	a.Status = model.AgentStatusInactive
	require.NoError(t, f.store.PutAgent(context.Background(), a))

	require.NoError(t, f.loop.RunAgent(context.Background(), f.world, a))

	assert.Empty(t, memoriesOf(t, f.store, "a1"))
	evs, err := f.store.ListEventsByWorld(context.Background(), "w1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRunAgent_FullCycleEmitsObservationThenEvent(t *testing.T) {
	f := newFixture(t, &scriptedLM{minuteAction: "go to the market square"})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})

	ch, dispose := f.hub.Subscribe("w1", model.EventKindAgentAction)
	defer dispose()

	require.NoError(t, f.loop.RunAgent(context.Background(), f.world, a))

	mems := memoriesOf(t, f.store, "a1")
	require.NotEmpty(t, mems, "perception recorded an observation")

	e := <-ch
	assert.Equal(t, "a1", e.AgentID)
	assert.Equal(t, "go to the market square", e.Description)
	assert.Equal(t, simNow, e.SimTime)
	assert.Equal(t, "move", e.Data["action_kind"])

	// Move handler applied before the event was emitted.
	stored, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "market square", stored.Location.Area)
	assert.Equal(t, "go to the market square", stored.CurrentAction)
	assert.Nil(t, stored.Plan.CurrentStep, "minute step consumed")
}

func TestRunAgent_CommunicateRecordsBothSidesAndRelationship(t *testing.T) {
	f := newFixture(t, &scriptedLM{
		minuteAction: "talk with Elias about the harvest",
		utterance:    "How is the harvest coming along?",
	})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})
	f.addAgent(t, "a2", "Elias", model.Location{X: 6, Y: 5})

	require.NoError(t, f.loop.RunAgent(context.Background(), f.world, a))

	var found bool
	for _, m := range memoriesOf(t, f.store, "a2") {
		if len(m.Tags) > 0 && m.Tags[0] == "dialogue" {
			found = true
			assert.Contains(t, m.Content, "How is the harvest coming along?")
		}
	}
	assert.True(t, found, "listener remembers the utterance")

	speaker, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "acquaintance", speaker.Relationships["a2"])

	listener, err := f.store.GetAgent(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, "acquaintance", listener.Relationships["a1"])

	evs, err := f.store.ListEventsByWorld(context.Background(), "w1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "communicate", evs[0].Data["action_kind"])
	assert.Equal(t, "a2", evs[0].Data["target_agent"])
}

func TestRunAgent_PerceivesNearbyAgentsOnly(t *testing.T) {
	f := newFixture(t, &scriptedLM{minuteAction: "ponder quietly"})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})
	f.addAgent(t, "a2", "Elias", model.Location{X: 7, Y: 5})
	f.addAgent(t, "a3", "Far Away Fen", model.Location{X: 95, Y: 95})

	require.NoError(t, f.loop.RunAgent(context.Background(), f.world, a))

	mems := memoriesOf(t, f.store, "a1")
	require.NotEmpty(t, mems)
	var observation string
	for _, m := range mems {
		if m.Kind == model.MemoryKindObservation && observation == "" {
			observation = m.Content
		}
	}
	assert.Contains(t, observation, "Elias")
	assert.NotContains(t, observation, "Fen")
}

func TestRunAgent_InterventionBecomesHighPriorityObservation(t *testing.T) {
	f := newFixture(t, &scriptedLM{minuteAction: "ponder quietly"})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})

	require.NoError(t, f.store.PutEvent(context.Background(), &model.Event{
		ID:          "e-intervene",
		WorldID:     "w1",
		Kind:        model.EventKindUserIntervention,
		Description: "a sudden storm rolls in",
		SimTime:     simNow.Add(-30 * time.Second),
		Sequence:    1,
	}))

	require.NoError(t, f.loop.RunAgent(context.Background(), f.world, a))

	var intervention *model.Memory
	for _, m := range memoriesOf(t, f.store, "a1") {
		if len(m.Tags) > 0 && m.Tags[0] == "intervention" {
			intervention = m
		}
	}
	require.NotNil(t, intervention)
	assert.Equal(t, "a sudden storm rolls in", intervention.Content)
	assert.Equal(t, interventionImportance, intervention.Importance)
}

func TestRunAgent_PlannerFallbackKeepsLoopMoving(t *testing.T) {
	f := newFixture(t, &scriptedLM{
		planningErr: &model.LMUnavailableError{Op: "planning", Err: fmt.Errorf("down")},
	})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})

	require.NoError(t, f.loop.RunAgent(context.Background(), f.world, a))

	evs, err := f.store.ListEventsByWorld(context.Background(), "w1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1, "fallback plan still produces an action event")
}

func TestPersistAgent_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t, &scriptedLM{minuteAction: "x"})
	a := f.addAgent(t, "a1", "Mara", model.Location{X: 5, Y: 5})

	// A concurrent writer bumps the version behind our back.
	other, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	other.Goals = []string{"new goal from elsewhere"}
	require.NoError(t, f.store.PutAgent(context.Background(), other))

	a.CurrentAction = "hammering"
	require.NoError(t, f.loop.persistAgent(context.Background(), a))

	stored, err := f.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "hammering", stored.CurrentAction)
	assert.Equal(t, []string{"new goal from elsewhere"}, stored.Goals, "concurrent write preserved")
}
