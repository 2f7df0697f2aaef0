// Package agentloop runs one agent's cognition for one tick: perceive the
// surroundings, replan if the observation demands it, act on the current
// minute step, and record what happened as an event.
//
// The loop is strictly sequential for a single agent; the scheduler runs
// loops for different agents concurrently. Only this loop mutates its
// agent's record, so version conflicts are rare and resolved by refetching.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/events"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/planner"
	"github.com/simworld/simworld/pkg/store"
)

// interventionImportance is the fixed importance of observations produced
// from user interventions; they must reliably win retrieval.
const interventionImportance = 9

// agentWriteRetries bounds version-conflict retries on agent writes.
const agentWriteRetries = 3

type Loop struct {
	store     store.Store
	stream    *memstream.Stream
	planner   *planner.Planner
	processor *events.Processor
	lm        gateway.LM
	cfg       *config.SimulationConfig
}

func New(st store.Store, stream *memstream.Stream, pl *planner.Planner, proc *events.Processor, lm gateway.LM, cfg *config.SimulationConfig) *Loop {
	return &Loop{
		store:     st,
		stream:    stream,
		planner:   pl,
		processor: proc,
		lm:        lm,
		cfg:       cfg,
	}
}

// RunAgent executes one tick for the agent. Inactive and deleted agents
// are a no-op.
func (l *Loop) RunAgent(ctx context.Context, world *model.World, agent *model.Agent) error {
	if agent.Status != model.AgentStatusActive {
		return nil
	}
	ctx = gateway.WithWorld(ctx, world.ID)
	now := world.CurrentTime

	observation, err := l.perceive(ctx, world, agent, now)
	if err != nil {
		return fmt.Errorf("perception failed for agent %s: %w", agent.ID, err)
	}

	if err := l.replan(ctx, agent, observation, now); err != nil {
		return err
	}

	action, data, err := l.act(ctx, world, agent, now)
	if err != nil {
		return err
	}

	if err := l.persistAgent(ctx, agent); err != nil {
		return err
	}

	_, err = l.processor.Process(ctx, world.ID, &model.Event{
		Kind:        model.EventKindAgentAction,
		AgentID:     agent.ID,
		Description: action.Description,
		SimTime:     now,
		Data:        data,
	})
	return err
}

// perceive composes and records the observation for this tick and returns
// its text. User interventions become separate high-priority observations.
func (l *Loop) perceive(ctx context.Context, world *model.World, agent *model.Agent, now time.Time) (string, error) {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s is at %s", agent.Name, locationText(agent.Location)))

	neighbors, err := l.nearbyAgents(ctx, world, agent)
	if err != nil {
		return "", err
	}
	if len(neighbors) > 0 {
		names := make([]string, len(neighbors))
		for i, n := range neighbors {
			names[i] = n.Name
		}
		parts = append(parts, "nearby: "+strings.Join(names, ", "))
	}

	recent, err := l.recentEvents(ctx, world, agent, now)
	if err != nil {
		return "", err
	}
	for _, e := range recent {
		if e.Kind == model.EventKindUserIntervention {
			if _, err := l.stream.Append(ctx, memstream.AppendRequest{
				AgentID:    agent.ID,
				WorldID:    world.ID,
				Kind:       model.MemoryKindObservation,
				Content:    e.Description,
				Timestamp:  now,
				Importance: interventionImportance,
				Tags:       []string{"intervention"},
			}); err != nil {
				slog.Warn("Failed to record intervention observation",
					"agent", agent.ID, "error", err)
			}
			continue
		}
		if e.AgentID != agent.ID && e.Description != "" {
			parts = append(parts, e.Description)
		}
	}

	observation := strings.Join(parts, "; ")
	if _, err := l.stream.Append(ctx, memstream.AppendRequest{
		AgentID:   agent.ID,
		WorldID:   world.ID,
		Kind:      model.MemoryKindObservation,
		Content:   observation,
		Timestamp: now,
	}); err != nil {
		return "", err
	}
	return observation, nil
}

func (l *Loop) replan(ctx context.Context, agent *model.Agent, observation string, now time.Time) error {
	if err := l.planner.EnsurePlans(ctx, agent, now); err != nil {
		return err
	}

	decision := l.planner.NeedsReplan(observation, agent.Plan.CurrentStep)
	if decision.Hourly {
		if err := l.planner.PlanHour(ctx, agent, now); err != nil {
			return err
		}
	}
	if decision.Minute {
		if err := l.planner.PlanMinute(ctx, agent, now); err != nil {
			return err
		}
	}
	return nil
}

// act consumes the current minute step and dispatches its handler. It
// returns the classified action and the event payload describing what was
// done.
func (l *Loop) act(ctx context.Context, world *model.World, agent *model.Agent, now time.Time) (planner.Action, map[string]any, error) {
	if agent.Plan.CurrentStep == nil {
		if err := l.planner.PlanMinute(ctx, agent, now); err != nil {
			return planner.Action{}, nil, err
		}
	}
	step := agent.Plan.CurrentStep
	action := planner.Classify(step.Action)

	data := map[string]any{
		"action_kind": string(action.Kind),
	}
	if step.Reasoning != "" {
		data["reasoning"] = step.Reasoning
	}

	switch action.Kind {
	case planner.ActionMove:
		l.handleMove(world, agent, action)
		data["location"] = agent.Location

	case planner.ActionCommunicate:
		utterance, target, err := l.handleCommunicate(ctx, world, agent, action, now)
		if err != nil {
			return planner.Action{}, nil, err
		}
		if target != "" {
			data["target_agent"] = target
		}
		if utterance != "" {
			data["utterance"] = utterance
		}

	case planner.ActionInteract:
		data["object"] = action.Target

	case planner.ActionObserve:
		if _, err := l.stream.Append(ctx, memstream.AppendRequest{
			AgentID:   agent.ID,
			WorldID:   world.ID,
			Kind:      model.MemoryKindObservation,
			Content:   fmt.Sprintf("%s deliberately observed: %s", agent.Name, step.Action),
			Timestamp: now,
		}); err != nil {
			return planner.Action{}, nil, err
		}

	case planner.ActionGeneral:
		// Recorded as an event only.
	}

	agent.CurrentAction = step.Action
	agent.Plan.CurrentStep = nil
	agent.UpdatedAt = now
	return action, data, nil
}

// handleMove relocates the agent toward the named target area, clamped to
// the world bounds.
func (l *Loop) handleMove(world *model.World, agent *model.Agent, action planner.Action) {
	if action.Target != "" {
		agent.Location.Area = action.Target
	}
	// Without a map the move is abstract: drift toward the center of the
	// named area is unknowable, so only the area label changes.
	agent.Location.X = clamp(agent.Location.X, 0, float64(world.Settings.Width))
	agent.Location.Y = clamp(agent.Location.Y, 0, float64(world.Settings.Height))
}

func (l *Loop) persistAgent(ctx context.Context, agent *model.Agent) error {
	err := l.store.PutAgent(ctx, agent)
	for attempt := 0; model.IsConflict(err) && attempt < agentWriteRetries; attempt++ {
		fresh, gerr := l.store.GetAgent(ctx, agent.ID)
		if gerr != nil {
			return gerr
		}
		// Carry our cognitive outcome over the concurrent write.
		fresh.Plan = agent.Plan
		fresh.Location = agent.Location
		fresh.CurrentAction = agent.CurrentAction
		fresh.Relationships = agent.Relationships
		fresh.UpdatedAt = agent.UpdatedAt
		*agent = *fresh
		err = l.store.PutAgent(ctx, agent)
	}
	return err
}

func (l *Loop) nearbyAgents(ctx context.Context, world *model.World, agent *model.Agent) ([]*model.Agent, error) {
	all, err := l.store.ListAgentsByWorld(ctx, world.ID)
	if err != nil {
		return nil, err
	}
	var out []*model.Agent
	for _, other := range all {
		if other.ID == agent.ID || other.Status != model.AgentStatusActive {
			continue
		}
		if distance(agent.Location, other.Location) <= l.cfg.PerceptionRadius {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Loop) recentEvents(ctx context.Context, world *model.World, agent *model.Agent, now time.Time) ([]*model.Event, error) {
	since := now.Add(-world.TickLength * time.Duration(math.Ceil(world.TimeSpeed)))
	all, err := l.store.ListEventsByWorld(ctx, world.ID, since, 0)
	if err != nil {
		return nil, err
	}
	if len(all) > l.cfg.RecentEventWindow {
		all = all[len(all)-l.cfg.RecentEventWindow:]
	}
	return all, nil
}

func locationText(loc model.Location) string {
	if loc.Area != "" {
		return loc.Area
	}
	return fmt.Sprintf("(%.0f, %.0f)", loc.X, loc.Y)
}

func distance(a, b model.Location) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
