// Package scheduler drives the simulated clock. Each running world gets
// one goroutine that fires ticks at the configured real-time cadence; a
// tick fans agent loops out concurrently under a deadline, then advances
// the world's simulated time by tickLength × timeSpeed.
//
// Ticks for one world never overlap. Pause stops new ticks and lets the
// in-flight one finish; stop additionally waits for the drain.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/simworld/simworld/pkg/agentloop"
	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/events"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/observability"
	"github.com/simworld/simworld/pkg/store"
)

type Scheduler struct {
	store     store.Store
	loop      *agentloop.Loop
	processor *events.Processor
	metrics   *observability.Metrics
	cfg       *config.SimulationConfig

	mu      sync.Mutex
	runners map[string]*worldRunner
}

type worldRunner struct {
	cancel context.CancelFunc
	done   chan struct{}
	paused atomic.Bool

	// tickMu serializes ticks for the world, including manual advances.
	tickMu sync.Mutex
}

type Option func(*Scheduler)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func New(st store.Store, loop *agentloop.Loop, proc *events.Processor, cfg *config.SimulationConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     st,
		loop:      loop,
		processor: proc,
		cfg:       cfg,
		runners:   make(map[string]*worldRunner),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start moves a stopped world to running and begins its tick cadence.
func (s *Scheduler) Start(ctx context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runners[worldID]; ok {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}

	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	if world.Status == model.WorldStatusRunning {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}
	if err := s.setStatus(ctx, world, model.WorldStatusRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &worldRunner{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runners[worldID] = r
	go s.run(runCtx, worldID, r)

	s.updateActiveWorlds()
	return nil
}

// Pause blocks new ticks; the in-flight tick, if any, completes.
func (s *Scheduler) Pause(ctx context.Context, worldID string) error {
	s.mu.Lock()
	r, ok := s.runners[worldID]
	s.mu.Unlock()
	if !ok {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}
	if r.paused.Swap(true) {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}

	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	return s.setStatus(ctx, world, model.WorldStatusPaused)
}

// Resume restarts the cadence of a paused world.
func (s *Scheduler) Resume(ctx context.Context, worldID string) error {
	s.mu.Lock()
	r, ok := s.runners[worldID]
	s.mu.Unlock()
	if !ok || !r.paused.Load() {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}

	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	if err := s.setStatus(ctx, world, model.WorldStatusRunning); err != nil {
		return err
	}
	r.paused.Store(false)
	return nil
}

// Stop cancels the world's runner, waits for the drain, and finalizes the
// world as stopped.
func (s *Scheduler) Stop(ctx context.Context, worldID string) error {
	s.mu.Lock()
	r, ok := s.runners[worldID]
	if ok {
		delete(s.runners, worldID)
	}
	s.mu.Unlock()
	if !ok {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}

	r.cancel()
	<-r.done
	s.updateActiveWorlds()

	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	return s.setStatus(ctx, world, model.WorldStatusStopped)
}

// AdvanceManual runs steps ticks synchronously. The world must not be
// actively ticking: paused and stopped worlds advance, running ones
// conflict.
func (s *Scheduler) AdvanceManual(ctx context.Context, worldID string, steps int) error {
	if steps <= 0 {
		return &model.ValidationError{Field: "steps", Reason: "must be positive"}
	}

	s.mu.Lock()
	r := s.runners[worldID]
	s.mu.Unlock()
	if r != nil && !r.paused.Load() {
		return &model.ConflictError{Entity: "world", ID: worldID}
	}

	for i := 0; i < steps; i++ {
		if r != nil {
			r.tickMu.Lock()
		}
		err := s.tick(ctx, worldID)
		if r != nil {
			r.tickMu.Unlock()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SetSpeed updates the world's time multiplier; the change applies from
// the next tick.
func (s *Scheduler) SetSpeed(ctx context.Context, worldID string, speed float64) error {
	if speed <= 0 {
		return &model.ValidationError{Field: "time_speed", Reason: "must be positive"}
	}
	for {
		world, err := s.store.GetWorld(ctx, worldID)
		if err != nil {
			return err
		}
		world.TimeSpeed = speed
		world.UpdatedAt = time.Now().UTC()
		err = s.store.PutWorld(ctx, world)
		if !model.IsConflict(err) {
			return err
		}
	}
}

// Shutdown stops every scheduled world.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			slog.Warn("Failed to stop world during shutdown", "world", id, "error", err)
		}
	}
}

// Running reports whether the world currently has a runner.
func (s *Scheduler) Running(worldID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[worldID]
	return ok
}

func (s *Scheduler) run(ctx context.Context, worldID string, r *worldRunner) {
	defer close(r.done)

	ticker := time.NewTicker(s.cfg.BaseTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.paused.Load() {
				continue
			}
			r.tickMu.Lock()
			err := s.tick(ctx, worldID)
			r.tickMu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// The runner stays alive so a resume can restart
				// the cadence after the operator intervenes.
				s.failWorld(ctx, worldID, err)
			}
		}
	}
}

// tick executes one simulation step: fan agent loops out under the tick
// deadline, then advance and persist the simulated clock.
func (s *Scheduler) tick(ctx context.Context, worldID string) error {
	started := time.Now()

	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}

	agents, err := s.store.ListAgentsByWorld(ctx, worldID)
	if err != nil {
		return err
	}

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline)
	g, gctx := errgroup.WithContext(tickCtx)
	for _, agent := range agents {
		if agent.Status != model.AgentStatusActive {
			continue
		}
		g.Go(func() error {
			// Agent failures are isolated: a slow or broken agent
			// skips its turn, the tick goes on.
			if err := s.loop.RunAgent(gctx, world, agent); err != nil {
				slog.Warn("Agent loop failed this tick",
					"world", worldID, "agent", agent.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	cancel()

	advance := time.Duration(float64(world.TickLength) * world.TimeSpeed)
	for {
		world.CurrentTime = world.CurrentTime.Add(advance).UTC()
		world.UpdatedAt = time.Now().UTC()
		err = s.store.PutWorld(ctx, world)
		if !model.IsConflict(err) {
			break
		}
		fresh, gerr := s.store.GetWorld(ctx, worldID)
		if gerr != nil {
			return gerr
		}
		// Re-apply the advance on top of the concurrent write.
		advance = time.Duration(float64(fresh.TickLength) * fresh.TimeSpeed)
		world = fresh
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordTick(worldID, time.Since(started))
	}
	return nil
}

// failWorld pauses a world whose tick failed and records why.
func (s *Scheduler) failWorld(ctx context.Context, worldID string, cause error) {
	slog.Error("Tick failed, pausing world", "world", worldID, "error", cause)

	s.mu.Lock()
	if r, ok := s.runners[worldID]; ok {
		r.paused.Store(true)
	}
	s.mu.Unlock()

	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		slog.Error("Failed to load world after tick failure", "world", worldID, "error", err)
		return
	}
	if err := s.setStatus(ctx, world, model.WorldStatusPaused); err != nil {
		slog.Error("Failed to pause world after tick failure", "world", worldID, "error", err)
		return
	}

	_, err = s.processor.Process(ctx, worldID, &model.Event{
		Kind:        model.EventKindWorldEvent,
		Description: "world paused after tick failure: " + cause.Error(),
		SimTime:     world.CurrentTime,
	})
	if err != nil {
		slog.Error("Failed to record tick failure event", "world", worldID, "error", err)
	}
}

func (s *Scheduler) setStatus(ctx context.Context, world *model.World, status model.WorldStatus) error {
	for {
		world.Status = status
		world.UpdatedAt = time.Now().UTC()
		err := s.store.PutWorld(ctx, world)
		if !model.IsConflict(err) {
			return err
		}
		fresh, gerr := s.store.GetWorld(ctx, world.ID)
		if gerr != nil {
			return gerr
		}
		world = fresh
	}
}

func (s *Scheduler) updateActiveWorlds() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetActiveWorlds(len(s.runners))
}
