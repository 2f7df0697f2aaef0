package model

import (
	"fmt"
	"time"
)

// WorldStatus is the lifecycle state of a world.
type WorldStatus string

const (
	WorldStatusRunning WorldStatus = "running"
	WorldStatusPaused  WorldStatus = "paused"
	WorldStatusStopped WorldStatus = "stopped"
)

// WorldSettings holds per-world tunables.
type WorldSettings struct {
	MaxAgents int `json:"max_agents" yaml:"max_agents"`
	Width     int `json:"width" yaml:"width"`
	Height    int `json:"height" yaml:"height"`
}

// World is a simulated environment hosting agents.
//
// Only a running world has an active scheduler loop. Pausing preserves
// CurrentTime; stopping finalizes it.
type World struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      WorldStatus   `json:"status"`
	CurrentTime time.Time     `json:"current_time"`
	TickLength  time.Duration `json:"tick_length"`
	TimeSpeed   float64       `json:"time_speed"`
	Settings    WorldSettings `json:"settings"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Version     int64         `json:"version"`
}

// Validate checks structural invariants before a write.
func (w *World) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if w.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	switch w.Status {
	case WorldStatusRunning, WorldStatusPaused, WorldStatusStopped:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", w.Status)}
	}
	if w.TickLength <= 0 {
		return &ValidationError{Field: "tick_length", Reason: "must be positive"}
	}
	if w.TimeSpeed <= 0 {
		return &ValidationError{Field: "time_speed", Reason: "must be positive"}
	}
	return nil
}

// SetDefaults fills zero-valued fields with sensible defaults.
func (w *World) SetDefaults() {
	if w.Status == "" {
		w.Status = WorldStatusStopped
	}
	if w.TickLength == 0 {
		w.TickLength = time.Minute
	}
	if w.TimeSpeed == 0 {
		w.TimeSpeed = 1.0
	}
	if w.Settings.MaxAgents == 0 {
		w.Settings.MaxAgents = 25
	}
	if w.Settings.Width == 0 {
		w.Settings.Width = 100
	}
	if w.Settings.Height == 0 {
		w.Settings.Height = 100
	}
}
