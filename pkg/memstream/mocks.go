package memstream

import (
	"context"
	"fmt"

	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/model"
)

// fakeLM is a deterministic gateway substitute for tests.
type fakeLM struct {
	embedFn      func(text string) ([]float32, error)
	importanceFn func(content string) (int, error)
	completeFn   func(kind gateway.CompletionKind, payload any, out any) error

	embedCalls      int
	importanceCalls int
}

func (f *fakeLM) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if f.embedFn != nil {
		return f.embedFn(text)
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeLM) ScoreImportance(ctx context.Context, content, agentContext string) (int, error) {
	f.importanceCalls++
	if f.importanceFn != nil {
		return f.importanceFn(content)
	}
	return gateway.FallbackImportance, nil
}

func (f *fakeLM) Complete(ctx context.Context, kind gateway.CompletionKind, payload any, out any) error {
	if f.completeFn != nil {
		return f.completeFn(kind, payload, out)
	}
	return &model.LMUnavailableError{Op: string(kind), Err: fmt.Errorf("no completion configured")}
}
