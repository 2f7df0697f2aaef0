// Package gateway implements the language-model gateway client.
//
// The gateway service exposes three operations: text embedding, importance
// scoring, and structured completion. This client adds retries with
// exponential backoff, per-call deadlines, a single-flight layer that
// coalesces concurrent identical requests, LRU caching, and global plus
// per-world concurrency caps.
package gateway

import (
	"context"
)

// LM is the narrow contract cognitive components depend on. The production
// implementation is *Client; tests substitute fakes.
type LM interface {
	// Embed returns the embedding vector for text. Deterministic given
	// (model, text), so results are cacheable by content hash.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ScoreImportance rates text on [1,10] in the given agent context.
	// On parse failure or timeout it returns the fallback value 5 with
	// a nil error; the caller cannot distinguish and should not need to.
	ScoreImportance(ctx context.Context, content, agentContext string) (int, error)

	// Complete renders the template kind with payload and decodes the
	// structured response into out. Persistent failure surfaces a
	// model.LMUnavailableError; the caller chooses a fallback.
	Complete(ctx context.Context, kind CompletionKind, payload any, out any) error
}

// CompletionKind selects the generation template on the gateway service.
type CompletionKind string

const (
	CompletionReflection  CompletionKind = "reflection"
	CompletionPlanning    CompletionKind = "planning"
	CompletionDialogue    CompletionKind = "dialogue"
	CompletionAction      CompletionKind = "action"
	CompletionObservation CompletionKind = "observation"
)

// FallbackImportance is returned when importance scoring fails.
const FallbackImportance = 5

type worldKeyType struct{}

var worldKey worldKeyType

// WithWorld tags ctx with the calling world so the client can apply
// per-world concurrency caps.
func WithWorld(ctx context.Context, worldID string) context.Context {
	return context.WithValue(ctx, worldKey, worldID)
}

// WorldFrom extracts the world tag; empty when untagged.
func WorldFrom(ctx context.Context) string {
	if v, ok := ctx.Value(worldKey).(string); ok {
		return v
	}
	return ""
}
