// Package observability wires metrics and tracing for the simulation.
//
// Metrics are served from the prometheus registry exposed on /metrics;
// traces go to a stdout exporter when enabled. Both default to noop so the
// simulation never depends on collectors being present.
package observability

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/simworld/simworld/pkg/config"
)

type Manager struct {
	cfg config.ObservabilityConfig

	tracerProvider trace.TracerProvider
	metrics        *Metrics
	registry       *prometheus.Registry

	mu sync.RWMutex
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize builds the tracer provider and metric instruments.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	m.registry = prometheus.NewRegistry()
	if m.cfg.MetricsEnabled {
		// Bridge otel meters into the same registry so instrumented
		// libraries surface alongside native collectors.
		exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		_ = mp.Meter(m.cfg.ServiceName)
	}

	metrics, err := NewMetrics(m.registry, m.cfg.MetricsEnabled)
	if err != nil {
		return err
	}
	m.metrics = metrics
	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Registry returns the prometheus registry backing /metrics.
func (m *Manager) Registry() *prometheus.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sp.Shutdown(ctx)
	}
	return nil
}
