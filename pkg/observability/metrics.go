package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the simulation's instrument set. A nil-enabled Metrics is
// safe to call; every recorder no-ops.
type Metrics struct {
	enabled bool

	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	ticks          *prometheus.CounterVec
	tickLatency    *prometheus.HistogramVec
	events         *prometheus.CounterVec
	reflections    *prometheus.CounterVec
	activeWorlds   prometheus.Gauge
}

func NewMetrics(reg *prometheus.Registry, enabled bool) (*Metrics, error) {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m, nil
	}

	m.gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simworld_gateway_calls_total",
		Help: "LM gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	m.gatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simworld_gateway_latency_seconds",
		Help:    "LM gateway call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	m.ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simworld_ticks_total",
		Help: "World ticks executed.",
	}, []string{"world"})

	m.tickLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simworld_tick_duration_seconds",
		Help:    "Wall-clock duration of one world tick.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"world"})

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simworld_events_published_total",
		Help: "Events processed and published.",
	}, []string{"world", "kind"})

	m.reflections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simworld_reflections_total",
		Help: "Reflections synthesized.",
	}, []string{"world"})

	m.activeWorlds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simworld_active_worlds",
		Help: "Worlds currently running.",
	})

	for _, c := range []prometheus.Collector{
		m.gatewayCalls, m.gatewayLatency, m.ticks, m.tickLatency,
		m.events, m.reflections, m.activeWorlds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RecordGatewayCall(op, outcome string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.gatewayCalls.WithLabelValues(op, outcome).Inc()
	if outcome == "ok" {
		m.gatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordTick(worldID string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.ticks.WithLabelValues(worldID).Inc()
	m.tickLatency.WithLabelValues(worldID).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordEvent(worldID, kind string) {
	if m == nil || !m.enabled {
		return
	}
	m.events.WithLabelValues(worldID, kind).Inc()
}

func (m *Metrics) RecordReflection(worldID string) {
	if m == nil || !m.enabled {
		return
	}
	m.reflections.WithLabelValues(worldID).Inc()
}

func (m *Metrics) SetActiveWorlds(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.activeWorlds.Set(float64(n))
}
