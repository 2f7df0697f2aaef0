package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/model"
)

var simNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type fakeLM struct {
	respond func(req planRequest) (any, error)
}

func (f *fakeLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (f *fakeLM) ScoreImportance(ctx context.Context, content, agentContext string) (int, error) {
	return gateway.FallbackImportance, nil
}

func (f *fakeLM) Complete(ctx context.Context, kind gateway.CompletionKind, payload any, out any) error {
	req, ok := payload.(planRequest)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	resp, err := f.respond(req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func lmDown() *fakeLM {
	return &fakeLM{respond: func(planRequest) (any, error) {
		return nil, &model.LMUnavailableError{Op: "planning", Err: fmt.Errorf("down")}
	}}
}

func testPlanner(lm gateway.LM) *Planner {
	cfg := &config.PlannerConfig{}
	cfg.SetDefaults()
	return New(lm, nil, cfg)
}

func testAgent() *model.Agent {
	return &model.Agent{
		ID:      "a1",
		WorldID: "w1",
		Name:    "Mara",
		Persona: "a pragmatic blacksmith",
		Goals:   []string{"finish the commissioned gate"},
		Status:  model.AgentStatusActive,
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		text   string
		kind   ActionKind
		target string
	}{
		{"go to the market square", ActionMove, "market square"},
		{"walk to the forge and start the fire", ActionMove, "forge"},
		{"talk with Elias about the harvest", ActionCommunicate, "elias about the harvest"},
		{"ask the baker for bread", ActionCommunicate, ""},
		{"eat breakfast at home", ActionInteract, ""},
		{"open the shop shutters", ActionInteract, ""},
		{"watch the sunrise from the hill", ActionObserve, ""},
		{"ponder the meaning of the dream", ActionGeneral, ""},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := Classify(tc.text)
			assert.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.text, got.Description)
			if tc.target != "" {
				assert.Equal(t, tc.target, got.Target)
			}
		})
	}
}

func TestNeedsReplan_Markers(t *testing.T) {
	p := testPlanner(lmDown())
	step := &model.MinuteStep{Action: "hammer the gate hinges"}

	d := p.NeedsReplan("an unexpected visitor arrived", step)
	assert.True(t, d.Minute)
	assert.False(t, d.Hourly)

	d = p.NeedsReplan("there is an emergency at the mill", step)
	assert.True(t, d.Minute)
	assert.True(t, d.Hourly)

	d = p.NeedsReplan("the morning is calm and quiet", step)
	assert.False(t, d.Needed())
}

func TestNeedsReplan_Contradiction(t *testing.T) {
	p := testPlanner(lmDown())
	step := &model.MinuteStep{Action: "buy bread at the bakery"}

	d := p.NeedsReplan("the bakery is closed today", step)
	assert.True(t, d.Minute)
	assert.False(t, d.Hourly)

	// Negation without overlap with the step is not a contradiction.
	d = p.NeedsReplan("the ferry is closed today", step)
	assert.False(t, d.Needed())

	d = p.NeedsReplan("the bakery is closed today", nil)
	assert.False(t, d.Needed())
}

func TestPlanDay_PopulatesLayers(t *testing.T) {
	lm := &fakeLM{respond: func(req planRequest) (any, error) {
		require.Equal(t, "daily", req.Layer)
		require.Equal(t, "Mara", req.AgentName)
		return dailyResponse{
			Goals: []string{"finish the gate"},
			Activities: []struct {
				Activity string `json:"activity"`
				TimeSlot string `json:"time_slot"`
			}{
				{Activity: "forge work", TimeSlot: "09:00-12:00"},
				{Activity: "deliver the gate", TimeSlot: "14:00-16:00"},
			},
		}, nil
	}}
	p := testPlanner(lm)
	agent := testAgent()
	agent.Plan.CurrentStep = &model.MinuteStep{Action: "stale step"}

	require.NoError(t, p.PlanDay(context.Background(), agent, simNow))
	assert.Equal(t, []string{"finish the gate"}, agent.Plan.DailyGoals)
	assert.Len(t, agent.Plan.DailyActivities, 2)
	assert.Equal(t, "2026-03-01", agent.Plan.PlannedDay)
	assert.Nil(t, agent.Plan.CurrentStep, "stale minute step discarded")
}

func TestPlanDay_FallbackOnLMUnavailable(t *testing.T) {
	p := testPlanner(lmDown())
	agent := testAgent()

	require.NoError(t, p.PlanDay(context.Background(), agent, simNow))
	assert.NotEmpty(t, agent.Plan.DailyActivities)
	assert.Equal(t, "2026-03-01", agent.Plan.PlannedDay)
}

func TestPlanMinute_FallbackOnLMUnavailable(t *testing.T) {
	p := testPlanner(lmDown())
	agent := testAgent()

	require.NoError(t, p.PlanMinute(context.Background(), agent, simNow))
	require.NotNil(t, agent.Plan.CurrentStep)
	assert.Contains(t, agent.Plan.CurrentStep.Action, "observe")
	assert.Equal(t, simNow, agent.Plan.CurrentStep.CreatedAt)
}

func TestPlanMinute_CancelledContextPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lm := &fakeLM{respond: func(planRequest) (any, error) {
		return nil, context.Canceled
	}}
	p := testPlanner(lm)

	err := p.PlanMinute(ctx, testAgent(), simNow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsurePlans_FillsAllLayers(t *testing.T) {
	lm := &fakeLM{respond: func(req planRequest) (any, error) {
		switch req.Layer {
		case "daily":
			return dailyResponse{Goals: []string{"g"}, Activities: []struct {
				Activity string `json:"activity"`
				TimeSlot string `json:"time_slot"`
			}{{Activity: "forge work", TimeSlot: "09:00-12:00"}}}, nil
		case "hourly":
			return hourlyResponse{Actions: []struct {
				Action string `json:"action"`
				Hour   int    `json:"hour"`
			}{{Action: "stoke the forge", Hour: 9}}}, nil
		case "minute":
			return minuteResponse{Action: "stoke the forge", Reasoning: "fire is low"}, nil
		}
		return nil, fmt.Errorf("unknown layer %q", req.Layer)
	}}
	p := testPlanner(lm)
	agent := testAgent()

	require.NoError(t, p.EnsurePlans(context.Background(), agent, simNow))
	assert.Equal(t, "2026-03-01", agent.Plan.PlannedDay)
	assert.Len(t, agent.Plan.HourlyActions, 1)
	require.NotNil(t, agent.Plan.CurrentStep)
	assert.Equal(t, "stoke the forge", agent.Plan.CurrentStep.Action)

	// A second call on the same simulated day is a no-op.
	lm.respond = func(planRequest) (any, error) {
		t.Fatal("no regeneration expected")
		return nil, nil
	}
	require.NoError(t, p.EnsurePlans(context.Background(), agent, simNow.Add(time.Minute)))
}

func TestEnsurePlans_NewDayRegenerates(t *testing.T) {
	calls := map[string]int{}
	lm := &fakeLM{respond: func(req planRequest) (any, error) {
		calls[req.Layer]++
		switch req.Layer {
		case "daily":
			return dailyResponse{Goals: []string{"g"}}, nil
		case "hourly":
			return hourlyResponse{}, nil
		case "minute":
			return minuteResponse{Action: "wake up"}, nil
		}
		return nil, nil
	}}
	p := testPlanner(lm)
	agent := testAgent()
	agent.Plan.PlannedDay = "2026-02-28"
	agent.Plan.CurrentStep = &model.MinuteStep{Action: "old step"}

	require.NoError(t, p.EnsurePlans(context.Background(), agent, simNow))
	assert.Equal(t, 1, calls["daily"])
	assert.Equal(t, "wake up", agent.Plan.CurrentStep.Action)
}

func TestTokenCounter_FallbackEstimate(t *testing.T) {
	tc := newTokenCounter("no-such-encoding")
	n := tc.Count("four score and seven years ago")
	assert.Greater(t, n, 0)
}
