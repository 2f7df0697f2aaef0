// Package runtime assembles the simulation stack from configuration: the
// store, the LM gateway client, the vector index, the memory stream and
// reflection engine, the planner, the event pipeline, the scheduler, and
// the HTTP server.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/simworld/simworld/pkg/agentloop"
	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/events"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/observability"
	"github.com/simworld/simworld/pkg/planner"
	"github.com/simworld/simworld/pkg/reflection"
	"github.com/simworld/simworld/pkg/scheduler"
	"github.com/simworld/simworld/pkg/server"
	"github.com/simworld/simworld/pkg/store"
	"github.com/simworld/simworld/pkg/vector"
)

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	cfg *config.Config

	dbPool *config.DBPool
	store  store.Store
	lm     *gateway.Client
	index  vector.Provider

	stream     *memstream.Stream
	reflection *reflection.Engine
	planner    *planner.Planner

	hub       *events.Hub
	conns     *events.ConnectionManager
	processor *events.Processor

	loop  *agentloop.Loop
	sched *scheduler.Scheduler
	srv   *server.Server
	obs   *observability.Manager
}

func (r *Runtime) Store() store.Store              { return r.store }
func (r *Runtime) Stream() *memstream.Stream       { return r.stream }
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }
func (r *Runtime) Server() *server.Server          { return r.srv }
func (r *Runtime) Config() *config.Config          { return r.cfg }

// New wires the full stack. cfg must already be defaulted and validated.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := &Runtime{cfg: cfg}

	r.obs = observability.NewManager(cfg.Observability)
	if err := r.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	metrics := r.obs.Metrics()

	r.dbPool = config.NewDBPool()
	st, err := store.New(&cfg.Store, r.dbPool)
	if err != nil {
		r.closePartial(ctx)
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	r.store = st

	r.lm, err = gateway.NewClient(&cfg.Gateway, gateway.WithMetrics(metrics))
	if err != nil {
		r.closePartial(ctx)
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	r.index, err = vector.New(&cfg.Vector)
	if err != nil {
		r.closePartial(ctx)
		return nil, fmt.Errorf("failed to create vector provider: %w", err)
	}

	r.stream = memstream.New(r.store, r.lm, r.index, &cfg.Retrieval)
	r.reflection = reflection.New(r.store, r.stream, r.lm, &cfg.Reflection, reflection.WithMetrics(metrics))
	r.stream.SetAppendHook(r.reflection.Hook())

	r.planner = planner.New(r.lm, r.stream, &cfg.Planner)

	r.hub = events.NewHub()
	r.conns = events.NewConnectionManager(cfg.Server.WriteTimeout)
	r.processor = events.NewProcessor(r.store, r.hub,
		events.WithConnectionManager(r.conns),
		events.WithMetrics(metrics),
	)

	r.loop = agentloop.New(r.store, r.stream, r.planner, r.processor, r.lm, &cfg.Simulation)
	r.sched = scheduler.New(r.store, r.loop, r.processor, &cfg.Simulation, scheduler.WithMetrics(metrics))

	r.srv = server.New(&cfg.Server, r.store, r.stream, r.sched, r.processor, r.hub, r.conns, r.obs)

	return r, nil
}

// Serve runs the HTTP server until ctx is canceled, then drains the
// scheduler and releases every component.
func (r *Runtime) Serve(ctx context.Context) error {
	err := r.srv.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.Close(shutdownCtx)
	return err
}

// Close tears components down in reverse dependency order.
func (r *Runtime) Close(ctx context.Context) {
	if r.sched != nil {
		r.sched.Shutdown(ctx)
	}
	if r.conns != nil {
		r.conns.CloseAll()
	}
	r.closePartial(ctx)
}

func (r *Runtime) closePartial(ctx context.Context) {
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			slog.Warn("Failed to close vector provider", "error", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
	if r.dbPool != nil {
		if err := r.dbPool.Close(); err != nil {
			slog.Warn("Failed to close database pool", "error", err)
		}
	}
	if r.obs != nil {
		if err := r.obs.Shutdown(ctx); err != nil {
			slog.Warn("Failed to shut down observability", "error", err)
		}
	}
}
