// Package planner generates and maintains the three plan layers an agent
// lives by: a coarse daily plan, an hourly expansion of the current
// activity, and a single minute-level next step.
//
// Every layer is produced by the language model from the agent's persona,
// goals, retrieved memories, and the parent layer. When the model is
// unavailable the planner degrades to deterministic fallback plans so the
// simulation keeps moving.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
)

type Planner struct {
	lm     gateway.LM
	stream *memstream.Stream
	cfg    *config.PlannerConfig
	tokens *tokenCounter
}

func New(lm gateway.LM, stream *memstream.Stream, cfg *config.PlannerConfig) *Planner {
	return &Planner{
		lm:     lm,
		stream: stream,
		cfg:    cfg,
		tokens: newTokenCounter(cfg.TokenEncoding),
	}
}

type planRequest struct {
	Layer         string   `json:"layer"`
	AgentName     string   `json:"agent_name"`
	Persona       string   `json:"persona,omitempty"`
	Traits        []string `json:"traits,omitempty"`
	Goals         []string `json:"goals,omitempty"`
	Day           string   `json:"day"`
	Hour          int      `json:"hour"`
	MemoryContext []string `json:"memory_context,omitempty"`
	DailyGoals    []string `json:"daily_goals,omitempty"`
	CurrentBlock  string   `json:"current_block,omitempty"`
	HourlyActions []string `json:"hourly_actions,omitempty"`
}

type dailyResponse struct {
	Goals      []string `json:"goals"`
	Activities []struct {
		Activity string `json:"activity"`
		TimeSlot string `json:"time_slot"`
	} `json:"activities"`
}

type hourlyResponse struct {
	Actions []struct {
		Action string `json:"action"`
		Hour   int    `json:"hour"`
	} `json:"actions"`
}

type minuteResponse struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
}

// PlanDay regenerates the daily layer in place and stamps PlannedDay.
// Stale hourly and minute layers are discarded.
func (p *Planner) PlanDay(ctx context.Context, agent *model.Agent, now time.Time) error {
	req := p.baseRequest("daily", agent, now)
	req.MemoryContext = p.memoryContext(ctx, agent, "plans and goals for today", now)

	var resp dailyResponse
	if err := p.lm.Complete(ctx, gateway.CompletionPlanning, req, &resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("daily planning degraded to fallback", "agent", agent.ID, "error", err)
		p.fallbackDaily(agent, now)
		p.recordPlanMemory(ctx, agent, now)
		return nil
	}

	agent.Plan.DailyGoals = resp.Goals
	agent.Plan.DailyActivities = make([]model.DailyActivity, len(resp.Activities))
	for i, a := range resp.Activities {
		agent.Plan.DailyActivities[i] = model.DailyActivity{Activity: a.Activity, TimeSlot: a.TimeSlot}
	}
	agent.Plan.PlannedDay = now.Format("2006-01-02")
	agent.Plan.HourlyActions = nil
	agent.Plan.CurrentStep = nil
	p.recordPlanMemory(ctx, agent, now)
	return nil
}

// recordPlanMemory writes the daily plan into the memory stream so future
// retrieval and reflection can draw on it.
func (p *Planner) recordPlanMemory(ctx context.Context, agent *model.Agent, now time.Time) {
	if p.stream == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %s:", agent.Plan.PlannedDay)
	for _, a := range agent.Plan.DailyActivities {
		fmt.Fprintf(&b, " %s (%s);", a.Activity, a.TimeSlot)
	}
	if _, err := p.stream.Append(ctx, memstream.AppendRequest{
		AgentID:    agent.ID,
		WorldID:    agent.WorldID,
		Kind:       model.MemoryKindPlan,
		Content:    b.String(),
		Timestamp:  now,
		Importance: 5,
		Tags:       []string{"plan"},
	}); err != nil {
		slog.Debug("failed to record plan memory", "agent", agent.ID, "error", err)
	}
}

// PlanHour expands the current daily activity into ordered hourly actions.
func (p *Planner) PlanHour(ctx context.Context, agent *model.Agent, now time.Time) error {
	req := p.baseRequest("hourly", agent, now)
	req.DailyGoals = agent.Plan.DailyGoals
	req.CurrentBlock = p.currentActivity(agent, now)
	req.MemoryContext = p.memoryContext(ctx, agent, req.CurrentBlock, now)

	var resp hourlyResponse
	if err := p.lm.Complete(ctx, gateway.CompletionPlanning, req, &resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("hourly planning degraded to fallback", "agent", agent.ID, "error", err)
		p.fallbackHourly(agent, now)
		return nil
	}

	agent.Plan.HourlyActions = make([]model.HourlyAction, len(resp.Actions))
	for i, a := range resp.Actions {
		agent.Plan.HourlyActions[i] = model.HourlyAction{Action: a.Action, Hour: a.Hour}
	}
	agent.Plan.CurrentStep = nil
	return nil
}

// PlanMinute produces the single next step the agent loop will execute.
func (p *Planner) PlanMinute(ctx context.Context, agent *model.Agent, now time.Time) error {
	req := p.baseRequest("minute", agent, now)
	req.DailyGoals = agent.Plan.DailyGoals
	req.CurrentBlock = p.currentActivity(agent, now)
	for _, a := range agent.Plan.HourlyActions {
		req.HourlyActions = append(req.HourlyActions, fmt.Sprintf("%02d:00 %s", a.Hour, a.Action))
	}
	req.MemoryContext = p.memoryContext(ctx, agent, req.CurrentBlock, now)

	var resp minuteResponse
	if err := p.lm.Complete(ctx, gateway.CompletionPlanning, req, &resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("minute planning degraded to fallback", "agent", agent.ID, "error", err)
		agent.Plan.CurrentStep = fallbackMinuteStep(now)
		return nil
	}
	if resp.Action == "" {
		agent.Plan.CurrentStep = fallbackMinuteStep(now)
		return nil
	}

	agent.Plan.CurrentStep = &model.MinuteStep{
		Action:    resp.Action,
		Reasoning: resp.Reasoning,
		CreatedAt: now,
	}
	return nil
}

// EnsurePlans fills in whichever layers are missing or stale for the
// simulated day, top down.
func (p *Planner) EnsurePlans(ctx context.Context, agent *model.Agent, now time.Time) error {
	if agent.Plan.PlannedDay != now.Format("2006-01-02") {
		if err := p.PlanDay(ctx, agent, now); err != nil {
			return err
		}
	}
	if len(agent.Plan.HourlyActions) == 0 {
		if err := p.PlanHour(ctx, agent, now); err != nil {
			return err
		}
	}
	if agent.Plan.CurrentStep == nil {
		if err := p.PlanMinute(ctx, agent, now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) baseRequest(layer string, agent *model.Agent, now time.Time) planRequest {
	return planRequest{
		Layer:     layer,
		AgentName: agent.Name,
		Persona:   agent.Persona,
		Traits:    agent.Traits,
		Goals:     agent.Goals,
		Day:       now.Format("2006-01-02"),
		Hour:      now.Hour(),
	}
}

// memoryContext retrieves supporting memories and trims them to the token
// budget. Retrieval failure yields an empty context, never an error.
func (p *Planner) memoryContext(ctx context.Context, agent *model.Agent, query string, now time.Time) []string {
	if p.stream == nil || query == "" {
		return nil
	}
	memories, err := p.stream.RetrieveRelevant(ctx, agent.ID, query, p.cfg.MemoryContextLimit, now)
	if err != nil {
		slog.Debug("plan context retrieval failed", "agent", agent.ID, "error", err)
		return nil
	}

	var out []string
	budget := p.cfg.ContextTokenBudget
	for _, m := range memories {
		cost := p.tokens.Count(m.Content)
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, m.Content)
	}
	return out
}

// currentActivity picks the daily activity block matching the simulated
// hour, by naive slot matching with a fallback to the first block.
func (p *Planner) currentActivity(agent *model.Agent, now time.Time) string {
	if len(agent.Plan.DailyActivities) == 0 {
		return ""
	}
	hourToken := fmt.Sprintf("%02d:", now.Hour())
	for _, a := range agent.Plan.DailyActivities {
		if strings.Contains(a.TimeSlot, hourToken) {
			return a.Activity
		}
	}
	idx := len(agent.Plan.DailyActivities) * now.Hour() / 24
	return agent.Plan.DailyActivities[idx].Activity
}

func (p *Planner) fallbackDaily(agent *model.Agent, now time.Time) {
	agent.Plan.DailyGoals = []string{"follow the usual routine"}
	agent.Plan.DailyActivities = []model.DailyActivity{
		{Activity: "morning routine", TimeSlot: "06:00-09:00"},
		{Activity: "attend to work and obligations", TimeSlot: "09:00-12:00"},
		{Activity: "midday meal and rest", TimeSlot: "12:00-14:00"},
		{Activity: "continue daily tasks", TimeSlot: "14:00-18:00"},
		{Activity: "evening social time", TimeSlot: "18:00-21:00"},
		{Activity: "wind down and sleep", TimeSlot: "21:00-06:00"},
	}
	agent.Plan.PlannedDay = now.Format("2006-01-02")
	agent.Plan.HourlyActions = nil
	agent.Plan.CurrentStep = nil
}

// fallbackHourly stretches the current activity across the next few hours.
func (p *Planner) fallbackHourly(agent *model.Agent, now time.Time) {
	activity := p.currentActivity(agent, now)
	if activity == "" {
		activity = "continue current activity"
	}
	agent.Plan.HourlyActions = []model.HourlyAction{
		{Action: activity, Hour: now.Hour()},
		{Action: activity, Hour: (now.Hour() + 1) % 24},
		{Action: activity, Hour: (now.Hour() + 2) % 24},
	}
	agent.Plan.CurrentStep = nil
}

func fallbackMinuteStep(now time.Time) *model.MinuteStep {
	return &model.MinuteStep{
		Action:    "observe the surroundings and choose the next action",
		Reasoning: "planning unavailable",
		CreatedAt: now,
	}
}
