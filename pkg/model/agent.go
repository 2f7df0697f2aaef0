package model

import "time"

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusDeleted  AgentStatus = "deleted"
)

// Location is a position within a world.
type Location struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Area string  `json:"area,omitempty"`
}

// DailyActivity is one coarse block of a daily plan.
type DailyActivity struct {
	Activity string `json:"activity"`
	TimeSlot string `json:"time_slot,omitempty"`
}

// HourlyAction is one step of an hourly plan.
type HourlyAction struct {
	Action string `json:"action"`
	Hour   int    `json:"hour"`
}

// MinuteStep is the single next action an agent intends to take.
type MinuteStep struct {
	Action    string    `json:"action"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PlanBundle carries all three plan layers for an agent.
type PlanBundle struct {
	DailyGoals      []string        `json:"daily_goals,omitempty"`
	DailyActivities []DailyActivity `json:"daily_activities,omitempty"`
	HourlyActions   []HourlyAction  `json:"hourly_actions,omitempty"`
	CurrentStep     *MinuteStep     `json:"current_step,omitempty"`
	PlannedDay      string          `json:"planned_day,omitempty"`
}

// Agent is an inhabitant of a world. An agent belongs to exactly one world
// for its lifetime; a deleted agent produces no further events.
type Agent struct {
	ID            string            `json:"id"`
	WorldID       string            `json:"world_id"`
	Name          string            `json:"name"`
	Traits        []string          `json:"traits,omitempty"`
	Goals         []string          `json:"goals,omitempty"`
	Persona       string            `json:"persona,omitempty"`
	Location      Location          `json:"location"`
	CurrentAction string            `json:"current_action,omitempty"`
	Plan          PlanBundle        `json:"plan"`
	Relationships map[string]string `json:"relationships,omitempty"`
	Status        AgentStatus       `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Version       int64             `json:"version"`
}

func (a *Agent) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if a.WorldID == "" {
		return &ValidationError{Field: "world_id", Reason: "required"}
	}
	if a.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	switch a.Status {
	case AgentStatusActive, AgentStatusInactive, AgentStatusDeleted:
	default:
		return &ValidationError{Field: "status", Reason: "unknown status"}
	}
	return nil
}

func (a *Agent) SetDefaults() {
	if a.Status == "" {
		a.Status = AgentStatusActive
	}
	if a.Relationships == nil {
		a.Relationships = map[string]string{}
	}
}
