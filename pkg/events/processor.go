// Package events assigns identity and order to world events, derives
// their consequences, persists them, and fans them out to local and
// websocket subscribers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/observability"
	"github.com/simworld/simworld/pkg/store"
)

// Processor is the single write path for events. Sequence numbers are
// monotonic per world across ticks, so (SimTime, Sequence) totally orders
// a world's stream.
type Processor struct {
	store   store.Store
	hub     *Hub
	manager *ConnectionManager
	metrics *observability.Metrics

	mu  sync.Mutex
	seq map[string]uint64
}

type Option func(*Processor)

// WithConnectionManager attaches the websocket broadcast path.
func WithConnectionManager(m *ConnectionManager) Option {
	return func(p *Processor) {
		p.manager = m
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

func NewProcessor(st store.Store, hub *Hub, opts ...Option) *Processor {
	p := &Processor{
		store: st,
		hub:   hub,
		seq:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process completes the partial event (id, sequence, consequences),
// persists it, and publishes it. SimTime must carry the world's simulated
// clock at emission.
func (p *Processor) Process(ctx context.Context, worldID string, partial *model.Event) (*model.Event, error) {
	if partial == nil {
		return nil, &model.ValidationError{Field: "event", Reason: "required"}
	}
	if partial.SimTime.IsZero() {
		return nil, &model.ValidationError{Field: "sim_time", Reason: "required"}
	}

	e := *partial
	e.ID = uuid.NewString()
	e.WorldID = worldID
	e.SimTime = e.SimTime.UTC()
	e.Version = 0

	seq, err := p.nextSequence(ctx, worldID)
	if err != nil {
		return nil, err
	}
	e.Sequence = seq
	e.Consequences = append(e.Consequences, consequencesFor(&e)...)

	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := p.store.PutEvent(ctx, &e); err != nil {
		return nil, err
	}

	p.hub.Publish(&e)
	if p.manager != nil {
		p.manager.BroadcastEvent(&e)
	}
	if p.metrics != nil {
		p.metrics.RecordEvent(worldID, string(e.Kind))
	}
	return &e, nil
}

// nextSequence hands out the world's next sequence number, seeding the
// counter from the store on first use so restarts never reuse one.
func (p *Processor) nextSequence(ctx context.Context, worldID string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seq[worldID]; !ok {
		existing, err := p.store.ListEventsByWorld(ctx, worldID, time.Time{}, 0)
		if err != nil {
			return 0, fmt.Errorf("failed to seed event sequence: %w", err)
		}
		var max uint64
		for _, e := range existing {
			if e.Sequence > max {
				max = e.Sequence
			}
		}
		p.seq[worldID] = max
	}
	p.seq[worldID]++
	return p.seq[worldID], nil
}

// consequencesFor is the rule table mapping event kinds to follow-on
// effects recorded on the event itself.
func consequencesFor(e *model.Event) []string {
	switch e.Kind {
	case model.EventKindAgentAction:
		out := []string{"nearby agents may perceive this action"}
		if kind, _ := e.Data["action_kind"].(string); kind == "communicate" {
			out = append(out, "dialogue partners update their relationship")
		}
		return out
	case model.EventKindWorldEvent:
		return []string{"agents re-evaluate plans against the new world state"}
	case model.EventKindUserIntervention:
		return []string{"delivered to agents as a high-priority observation"}
	default:
		return nil
	}
}
