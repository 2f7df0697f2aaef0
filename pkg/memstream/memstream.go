// Package memstream implements the agent memory stream: append with
// importance scoring and embedding, scored retrieval, and evidence-chain
// traversal.
//
// Retrieval combines three pure scores computed against the world's
// simulated clock: cosine relevance to the query, exponentially decayed
// recency of last access, and normalized importance. The stream loads at
// most a configured window of recent memories per retrieval; when an agent
// has more, the vector index supplies older candidates which are rescored
// exactly alongside the window.
package memstream

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/store"
	"github.com/simworld/simworld/pkg/vector"
)

// AppendHook observes committed memories. The stream invokes it on its own
// goroutine after the write lands; the reflection engine registers one to
// evaluate its trigger.
type AppendHook func(ctx context.Context, m *model.Memory)

// AppendRequest describes a memory to add. Importance 0 means "score it";
// Timestamp is the world's simulated clock at append time.
type AppendRequest struct {
	AgentID         string
	WorldID         string
	Kind            model.MemoryKind
	Content         string
	Timestamp       time.Time
	Importance      int
	Tags            []string
	RelatedMemories []string
}

// Stream is the memory subsystem for all agents; state lives in the store
// and the vector index, so a Stream itself is stateless and safe for
// concurrent use.
type Stream struct {
	store store.Store
	lm    gateway.LM
	index vector.Provider
	cfg   *config.RetrievalConfig

	hook AppendHook
}

type Option func(*Stream)

// WithAppendHook registers the post-append observer.
func WithAppendHook(h AppendHook) Option {
	return func(s *Stream) {
		s.hook = h
	}
}

// SetAppendHook registers the observer after construction; the reflection
// engine needs the stream to exist before it can produce its hook. Call
// before the stream is shared across goroutines.
func (s *Stream) SetAppendHook(h AppendHook) {
	s.hook = h
}

func New(st store.Store, lm gateway.LM, index vector.Provider, cfg *config.RetrievalConfig, opts ...Option) *Stream {
	s := &Stream{
		store: st,
		lm:    lm,
		index: index,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append writes a memory, filling importance and embedding from the
// language model when absent, and returns the new memory's id.
//
// Embedding failure degrades to an embedding-less memory (relevance 0 at
// retrieval); only caller cancellation aborts the append.
func (s *Stream) Append(ctx context.Context, req AppendRequest) (string, error) {
	m := &model.Memory{
		ID:              uuid.NewString(),
		AgentID:         req.AgentID,
		WorldID:         req.WorldID,
		Kind:            req.Kind,
		Content:         req.Content,
		Timestamp:       req.Timestamp.UTC(),
		LastAccessed:    req.Timestamp.UTC(),
		Importance:      req.Importance,
		Tags:            req.Tags,
		RelatedMemories: req.RelatedMemories,
	}

	if m.Importance == 0 {
		score, err := s.lm.ScoreImportance(ctx, m.Content, "agent "+m.AgentID)
		if err != nil {
			return "", err
		}
		m.Importance = score
	}
	m.Importance = model.ClampImportance(m.Importance)

	vec, err := s.lm.Embed(ctx, m.Content)
	switch {
	case err == nil:
		m.Embedding = vec
	case ctx.Err() != nil:
		return "", ctx.Err()
	case model.IsFatal(err):
		// Corrupt embeddings (wrong dimension) halt the agent rather
		// than silently degrading its stream.
		return "", err
	default:
		slog.Debug("embedding unavailable, storing memory without one",
			"agent", m.AgentID, "error", err)
	}

	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := s.store.PutMemory(ctx, m); err != nil {
		return "", err
	}

	if s.index != nil && len(m.Embedding) > 0 {
		if err := s.index.Upsert(ctx, m.AgentID, m.ID, m.Embedding, map[string]any{
			"world_id": m.WorldID,
			"kind":     string(m.Kind),
			"content":  m.Content,
		}); err != nil {
			slog.Warn("Failed to index memory", "memory", m.ID, "error", err)
		}
	}

	if s.hook != nil {
		hooked := *m
		go s.hook(context.WithoutCancel(ctx), &hooked)
	}
	return m.ID, nil
}

// RetrieveRelevant returns the top limit memories for the query, scored
// against the simulated clock now, and touches their last-accessed time.
func (s *Stream) RetrieveRelevant(ctx context.Context, agentID, queryText string, limit int, now time.Time) ([]*model.Memory, error) {
	scored, err := s.RetrieveScored(ctx, agentID, queryText, limit, now, Weights{})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Memory, len(scored))
	for i, sc := range scored {
		out[i] = sc.Memory
	}
	return out, nil
}

// RetrieveScored is RetrieveRelevant exposing the per-memory scores and
// accepting per-call weights (zero weights select the configured defaults).
func (s *Stream) RetrieveScored(ctx context.Context, agentID, queryText string, limit int, now time.Time, w Weights) ([]Scored, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if w.isZero() {
		w = Weights{
			Relevance:  s.cfg.RelevanceWeight,
			Recency:    s.cfg.RecencyWeight,
			Importance: s.cfg.ImportanceWeight,
		}
	}

	queryVec, err := s.lm.Embed(ctx, queryText)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Degrade: retrieval proceeds on recency and importance alone.
		slog.Debug("query embedding unavailable, relevance scores zero", "error", err)
		queryVec = nil
	}

	candidates, err := s.loadCandidates(ctx, agentID, queryVec, limit)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(candidates))
	for _, m := range candidates {
		scored = append(scored, s.score(m, queryVec, now, w))
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Combined != b.Combined {
			return a.Combined > b.Combined
		}
		if !a.Memory.Timestamp.Equal(b.Memory.Timestamp) {
			return a.Memory.Timestamp.After(b.Memory.Timestamp)
		}
		return a.Memory.ID < b.Memory.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	accessed := now.UTC()
	for i := range scored {
		m := scored[i].Memory
		if err := s.store.TouchMemory(ctx, m.ID, accessed); err != nil {
			slog.Warn("Failed to touch memory", "memory", m.ID, "error", err)
			continue
		}
		// The store hands out copies; mirror the touch on the returned
		// record so callers see the new access time.
		if accessed.After(m.LastAccessed) {
			m.LastAccessed = accessed
		}
	}
	return scored, nil
}

// loadCandidates returns the scoring population: all memories when the
// agent holds at most the window, otherwise the newest window plus vector
// index candidates fetched by id.
func (s *Stream) loadCandidates(ctx context.Context, agentID string, queryVec []float32, limit int) ([]*model.Memory, error) {
	window, err := s.store.ListMemoriesByAgent(ctx, agentID, s.cfg.MaxLoaded)
	if err != nil {
		return nil, err
	}
	if len(window) < s.cfg.MaxLoaded || s.index == nil || len(queryVec) == 0 {
		return window, nil
	}

	results, err := s.index.Search(ctx, agentID, queryVec, limit)
	if err != nil {
		slog.Warn("Vector index search failed, using recent window only",
			"agent", agentID, "error", err)
		return window, nil
	}

	seen := make(map[string]bool, len(window))
	for _, m := range window {
		seen[m.ID] = true
	}
	for _, r := range results {
		if seen[r.ID] {
			continue
		}
		m, err := s.store.GetMemory(ctx, r.ID)
		if err != nil {
			if model.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		window = append(window, m)
		seen[r.ID] = true
	}
	return window, nil
}

// GetMemoryChain walks RelatedMemories depth-first from startID, visiting
// each memory once, and returns them in discovery order. The start memory
// is hop 0; depth bounds the number of hops taken from it.
func (s *Stream) GetMemoryChain(ctx context.Context, startID string, depth int) ([]*model.Memory, error) {
	start, err := s.store.GetMemory(ctx, startID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{startID: true}
	chain := []*model.Memory{start}

	var walk func(m *model.Memory, hops int) error
	walk = func(m *model.Memory, hops int) error {
		if hops >= depth {
			return nil
		}
		for _, relID := range m.RelatedMemories {
			if visited[relID] {
				continue
			}
			visited[relID] = true

			rel, err := s.store.GetMemory(ctx, relID)
			if err != nil {
				if model.IsNotFound(err) {
					continue
				}
				return err
			}
			chain = append(chain, rel)
			if err := walk(rel, hops+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start, 0); err != nil {
		return nil, err
	}
	return chain, nil
}
