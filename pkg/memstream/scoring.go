package memstream

import (
	"math"
	"time"

	"github.com/simworld/simworld/pkg/model"
)

// Weights controls the combined retrieval score. Zero-value weights fall
// back to the configured defaults.
type Weights struct {
	Relevance  float64
	Recency    float64
	Importance float64
}

func (w Weights) isZero() bool {
	return w.Relevance == 0 && w.Recency == 0 && w.Importance == 0
}

// Scored pairs a memory with its retrieval scores at call time.
type Scored struct {
	Memory *model.Memory

	Relevance  float64
	Recency    float64
	Importance float64
	Combined   float64
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty, mismatched, or zero-length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// recencyScore decays by half-life over simulated hours since last access.
// Accesses that have not yet happened on the simulated clock score 1.
func recencyScore(lastAccessed, now time.Time, halfLifeHours float64) float64 {
	hours := now.Sub(lastAccessed).Hours()
	if hours <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * hours / halfLifeHours)
}

func (s *Stream) score(m *model.Memory, queryVec []float32, now time.Time, w Weights) Scored {
	rel := CosineSimilarity(queryVec, m.Embedding)
	rec := recencyScore(m.LastAccessed, now, s.cfg.RecencyHalfLifeHours)
	imp := float64(m.Importance) / float64(model.MaxImportance)

	total := w.Relevance + w.Recency + w.Importance
	combined := (w.Relevance*rel + w.Recency*rec + w.Importance*imp) / total

	return Scored{
		Memory:     m,
		Relevance:  rel,
		Recency:    rec,
		Importance: imp,
		Combined:   combined,
	}
}
