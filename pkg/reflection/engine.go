// Package reflection synthesizes higher-level insights from an agent's
// accumulated observations.
//
// The engine watches memory appends; when the importance of recent
// observations crosses a threshold it asks the language model for salient
// questions, gathers supporting memories per question, and writes each
// synthesized insight back as a reflection memory whose evidence chain
// points at the memories it used. Reflection is best-effort: any model
// failure aborts the cycle silently.
package reflection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/observability"
	"github.com/simworld/simworld/pkg/store"
)

type Engine struct {
	store   store.Store
	stream  *memstream.Stream
	lm      gateway.LM
	cfg     *config.ReflectionConfig
	metrics *observability.Metrics

	mu       sync.Mutex
	inflight map[string]bool
}

type Option func(*Engine)

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(st store.Store, stream *memstream.Stream, lm gateway.LM, cfg *config.ReflectionConfig, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		stream:   stream,
		lm:       lm,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Hook returns the append observer to register on the memory stream.
func (e *Engine) Hook() memstream.AppendHook {
	return func(ctx context.Context, m *model.Memory) {
		e.OnMemoryAppended(ctx, m)
	}
}

// OnMemoryAppended evaluates the reflection trigger for the appended
// memory's agent and runs a reflection cycle when it fires. The appended
// memory's timestamp is the simulated clock reading.
func (e *Engine) OnMemoryAppended(ctx context.Context, m *model.Memory) {
	if m.Kind != model.MemoryKindObservation {
		return
	}

	fired, err := e.triggerFired(ctx, m.AgentID, m.Timestamp)
	if err != nil {
		slog.Debug("reflection trigger evaluation failed", "agent", m.AgentID, "error", err)
		return
	}
	if !fired {
		return
	}

	if !e.begin(m.AgentID) {
		return
	}
	defer e.end(m.AgentID)

	e.reflect(ctx, m.AgentID, m.WorldID, m.Timestamp, 1)
}

// triggerFired sums observation importance over the simulated window.
func (e *Engine) triggerFired(ctx context.Context, agentID string, now time.Time) (bool, error) {
	memories, err := e.store.ListMemoriesByAgent(ctx, agentID, 0)
	if err != nil {
		return false, err
	}

	cutoff := now.Add(-time.Duration(e.cfg.WindowHours * float64(time.Hour)))
	sum := 0
	for _, m := range memories {
		if m.Kind != model.MemoryKindObservation || m.Timestamp.Before(cutoff) {
			continue
		}
		sum += m.Importance
	}
	return sum > e.cfg.Threshold, nil
}

func (e *Engine) begin(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[agentID] {
		return false
	}
	e.inflight[agentID] = true
	return true
}

func (e *Engine) end(agentID string) {
	e.mu.Lock()
	delete(e.inflight, agentID)
	e.mu.Unlock()
}

type questionsRequest struct {
	Stage    string   `json:"stage"`
	AgentID  string   `json:"agent_id"`
	Memories []string `json:"memories"`
}

type questionsResponse struct {
	Questions []string `json:"questions"`
}

type insightRequest struct {
	Stage    string           `json:"stage"`
	AgentID  string           `json:"agent_id"`
	Question string           `json:"question"`
	Evidence []evidenceRecord `json:"evidence"`
}

type evidenceRecord struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type insightResponse struct {
	Insight    string   `json:"insight"`
	Evidence   []string `json:"evidence"`
	Importance int      `json:"importance"`
}

// reflect runs one reflection cycle at the given depth. Insights written
// at depth 1 can seed one more cycle whose questions draw on reflections,
// bounded by the configured maximum depth.
func (e *Engine) reflect(ctx context.Context, agentID, worldID string, now time.Time, depth int) {
	seedKind := model.MemoryKindObservation
	if depth > 1 {
		seedKind = model.MemoryKindReflection
	}
	seeds, err := e.recentOfKind(ctx, agentID, seedKind)
	if err != nil || len(seeds) == 0 {
		return
	}

	contents := make([]string, len(seeds))
	for i, m := range seeds {
		contents[i] = m.Content
	}

	var questions questionsResponse
	err = e.lm.Complete(ctx, gateway.CompletionReflection, questionsRequest{
		Stage:    "questions",
		AgentID:  agentID,
		Memories: contents,
	}, &questions)
	if err != nil {
		slog.Debug("reflection aborted: question generation failed", "agent", agentID, "error", err)
		return
	}

	wrote := 0
	for _, q := range questions.Questions {
		if e.synthesize(ctx, agentID, worldID, q, now) {
			wrote++
		}
	}

	if e.metrics != nil && wrote > 0 {
		e.metrics.RecordReflection(worldID)
	}
	if wrote > 0 && depth < e.cfg.MaxDepth {
		e.reflect(ctx, agentID, worldID, now, depth+1)
	}
}

// synthesize produces and stores one insight; reports whether a
// reflection memory was written.
func (e *Engine) synthesize(ctx context.Context, agentID, worldID, question string, now time.Time) bool {
	supporting, err := e.stream.RetrieveRelevant(ctx, agentID, question, e.cfg.EvidenceLimit, now)
	if err != nil || len(supporting) == 0 {
		return false
	}

	retrieved := make(map[string]bool, len(supporting))
	records := make([]evidenceRecord, len(supporting))
	for i, m := range supporting {
		retrieved[m.ID] = true
		records[i] = evidenceRecord{ID: m.ID, Content: m.Content}
	}

	var insight insightResponse
	err = e.lm.Complete(ctx, gateway.CompletionReflection, insightRequest{
		Stage:    "insight",
		AgentID:  agentID,
		Question: question,
		Evidence: records,
	}, &insight)
	if err != nil {
		slog.Debug("reflection aborted: insight synthesis failed", "agent", agentID, "error", err)
		return false
	}
	if insight.Insight == "" {
		return false
	}

	// Keep only evidence ids the model actually saw.
	evidence := make([]string, 0, len(insight.Evidence))
	for _, id := range insight.Evidence {
		if retrieved[id] {
			evidence = append(evidence, id)
		}
	}
	if len(evidence) == 0 {
		return false
	}

	_, err = e.stream.Append(ctx, memstream.AppendRequest{
		AgentID:         agentID,
		WorldID:         worldID,
		Kind:            model.MemoryKindReflection,
		Content:         insight.Insight,
		Timestamp:       now,
		Importance:      model.ClampImportance(insight.Importance),
		RelatedMemories: evidence,
	})
	if err != nil {
		slog.Debug("reflection insight write failed", "agent", agentID, "error", err)
		return false
	}
	return true
}

func (e *Engine) recentOfKind(ctx context.Context, agentID string, kind model.MemoryKind) ([]*model.Memory, error) {
	memories, err := e.store.ListMemoriesByAgent(ctx, agentID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Memory, 0, e.cfg.RecentObservations)
	for _, m := range memories {
		if m.Kind != kind {
			continue
		}
		out = append(out, m)
		if len(out) == e.cfg.RecentObservations {
			break
		}
	}
	return out, nil
}
