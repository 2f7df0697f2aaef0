package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/config"
	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/store"
)

var simStart = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// scriptedLM answers reflection completions from canned responses and
// counts calls.
type scriptedLM struct {
	mu sync.Mutex

	questions    []string
	insight      func(req insightRequest) insightResponse
	completeErr  error
	completeOps  int32
	questionRuns int32
}

func (f *scriptedLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (f *scriptedLM) ScoreImportance(ctx context.Context, content, agentContext string) (int, error) {
	return gateway.FallbackImportance, nil
}

func (f *scriptedLM) Complete(ctx context.Context, kind gateway.CompletionKind, payload any, out any) error {
	atomic.AddInt32(&f.completeOps, 1)
	if f.completeErr != nil {
		return f.completeErr
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var probe struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return err
	}

	switch probe.Stage {
	case "questions":
		atomic.AddInt32(&f.questionRuns, 1)
		data, _ := json.Marshal(questionsResponse{Questions: f.questions})
		return json.Unmarshal(data, out)
	case "insight":
		var req insightRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		f.mu.Lock()
		resp := f.insight(req)
		f.mu.Unlock()
		data, _ := json.Marshal(resp)
		return json.Unmarshal(data, out)
	default:
		return fmt.Errorf("unexpected stage %q", probe.Stage)
	}
}

func testEngine(t *testing.T, lm gateway.LM, tweak func(*config.ReflectionConfig)) (*Engine, *store.MemoryStore, *memstream.Stream) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	rcfg := &config.RetrievalConfig{}
	rcfg.SetDefaults()
	stream := memstream.New(st, lm, nil, rcfg)

	cfg := &config.ReflectionConfig{}
	cfg.SetDefaults()
	cfg.MaxDepth = 1
	if tweak != nil {
		tweak(cfg)
	}

	e := New(st, stream, lm, cfg)
	return e, st, stream
}

func seedObservations(t *testing.T, st store.Store, agentID string, n, importance int, ts time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.PutMemory(context.Background(), &model.Memory{
			ID:           fmt.Sprintf("obs-%s-%d", agentID, i),
			AgentID:      agentID,
			WorldID:      "w1",
			Kind:         model.MemoryKindObservation,
			Content:      fmt.Sprintf("observation %d", i),
			Timestamp:    ts,
			LastAccessed: ts,
			Importance:   importance,
			Embedding:    []float32{1, 0},
		}))
	}
}

func listReflections(t *testing.T, st store.Store, agentID string) []*model.Memory {
	t.Helper()
	all, err := st.ListMemoriesByAgent(context.Background(), agentID, 0)
	require.NoError(t, err)
	var out []*model.Memory
	for _, m := range all {
		if m.Kind == model.MemoryKindReflection {
			out = append(out, m)
		}
	}
	return out
}

func TestTrigger_BelowThresholdDoesNothing(t *testing.T) {
	lm := &scriptedLM{questions: []string{"why?"}}
	e, st, _ := testEngine(t, lm, nil)

	// 14 observations at importance 10 = 140, below the 150 threshold.
	seedObservations(t, st, "a1", 14, 10, simStart)

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	assert.Empty(t, listReflections(t, st, "a1"))
	assert.Zero(t, atomic.LoadInt32(&lm.completeOps))
}

func TestTrigger_OldObservationsOutsideWindowIgnored(t *testing.T) {
	lm := &scriptedLM{questions: []string{"why?"}}
	e, st, _ := testEngine(t, lm, nil)

	// Plenty of importance, but all of it 25 simulated hours old.
	seedObservations(t, st, "a1", 30, 10, simStart.Add(-25*time.Hour))

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	assert.Empty(t, listReflections(t, st, "a1"))
}

func TestReflection_WritesInsightsWithEvidence(t *testing.T) {
	lm := &scriptedLM{
		questions: []string{"what is happening at the bakery?"},
		insight: func(req insightRequest) insightResponse {
			return insightResponse{
				Insight:    "the bakery is struggling",
				Evidence:   []string{req.Evidence[0].ID, "bogus-id"},
				Importance: 8,
			}
		},
	}
	e, st, _ := testEngine(t, lm, nil)
	seedObservations(t, st, "a1", 16, 10, simStart)

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	refs := listReflections(t, st, "a1")
	require.Len(t, refs, 1)
	assert.Equal(t, "the bakery is struggling", refs[0].Content)
	assert.Equal(t, 8, refs[0].Importance)
	// The fabricated id must have been dropped; the real one kept.
	require.Len(t, refs[0].RelatedMemories, 1)
	assert.NotEqual(t, "bogus-id", refs[0].RelatedMemories[0])
}

func TestReflection_AllEvidenceUnknownSkipsInsight(t *testing.T) {
	lm := &scriptedLM{
		questions: []string{"q"},
		insight: func(req insightRequest) insightResponse {
			return insightResponse{Insight: "unfounded claim", Evidence: []string{"nope"}, Importance: 5}
		},
	}
	e, st, _ := testEngine(t, lm, nil)
	seedObservations(t, st, "a1", 16, 10, simStart)

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	assert.Empty(t, listReflections(t, st, "a1"))
}

func TestReflection_ImportanceClamped(t *testing.T) {
	lm := &scriptedLM{
		questions: []string{"q"},
		insight: func(req insightRequest) insightResponse {
			return insightResponse{Insight: "big insight", Evidence: []string{req.Evidence[0].ID}, Importance: 40}
		},
	}
	e, st, _ := testEngine(t, lm, nil)
	seedObservations(t, st, "a1", 16, 10, simStart)

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	refs := listReflections(t, st, "a1")
	require.Len(t, refs, 1)
	assert.Equal(t, model.MaxImportance, refs[0].Importance)
}

func TestReflection_LMFailureIsSilent(t *testing.T) {
	lm := &scriptedLM{
		completeErr: &model.LMUnavailableError{Op: "reflection", Err: fmt.Errorf("down")},
	}
	e, st, _ := testEngine(t, lm, nil)
	seedObservations(t, st, "a1", 16, 10, simStart)

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	assert.Empty(t, listReflections(t, st, "a1"))
}

func TestReflection_InFlightGuard(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	lm := &scriptedLM{questions: []string{"q"}}
	lm.insight = func(req insightRequest) insightResponse {
		started <- struct{}{}
		<-release
		return insightResponse{Insight: "insight", Evidence: []string{req.Evidence[0].ID}, Importance: 5}
	}

	e, st, _ := testEngine(t, lm, nil)
	seedObservations(t, st, "a1", 16, 10, simStart)

	appended := &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.OnMemoryAppended(context.Background(), appended)
	}()
	<-started

	// Second trigger while the first is in flight must not start another.
	e.OnMemoryAppended(context.Background(), appended)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&lm.questionRuns))
	assert.Len(t, listReflections(t, st, "a1"), 1)
}

func TestReflection_DepthTwoSeedsFromReflections(t *testing.T) {
	lm := &scriptedLM{questions: []string{"q"}}
	lm.insight = func(req insightRequest) insightResponse {
		return insightResponse{Insight: "insight " + req.Question, Evidence: []string{req.Evidence[0].ID}, Importance: 6}
	}

	e, st, _ := testEngine(t, lm, func(cfg *config.ReflectionConfig) {
		cfg.MaxDepth = 2
	})
	seedObservations(t, st, "a1", 16, 10, simStart)

	e.OnMemoryAppended(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindObservation, Timestamp: simStart,
	})

	// One insight per depth.
	assert.Len(t, listReflections(t, st, "a1"), 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&lm.questionRuns))
}

func TestHook_IgnoresNonObservations(t *testing.T) {
	lm := &scriptedLM{questions: []string{"q"}}
	e, st, _ := testEngine(t, lm, nil)
	seedObservations(t, st, "a1", 20, 10, simStart)

	e.Hook()(context.Background(), &model.Memory{
		AgentID: "a1", WorldID: "w1",
		Kind: model.MemoryKindReflection, Timestamp: simStart,
	})

	assert.Zero(t, atomic.LoadInt32(&lm.completeOps))
	assert.Empty(t, listReflections(t, st, "a1"))
}
