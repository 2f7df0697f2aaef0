package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/config"
)

func TestChromemProvider_UpsertAndSearch(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, "agent-1", "m1", []float32{1, 0, 0}, map[string]any{"content": "saw the baker"}))
	require.NoError(t, p.Upsert(ctx, "agent-1", "m2", []float32{0, 1, 0}, map[string]any{"content": "locked the door"}))
	require.NoError(t, p.Upsert(ctx, "agent-1", "m3", []float32{0.9, 0.1, 0}, map[string]any{"content": "bought bread"}))

	results, err := p.Search(ctx, "agent-1", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m1", results[0].ID)
	assert.Equal(t, "m3", results[1].ID)
	assert.Equal(t, "saw the baker", results[0].Content)
}

func TestChromemProvider_SearchClampsTopK(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, "agent-1", "m1", []float32{1, 0}, nil))

	results, err := p.Search(ctx, "agent-1", []float32{1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemProvider_SearchEmptyCollection(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()

	results, err := p.Search(context.Background(), "agent-1", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemProvider_Delete(t *testing.T) {
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, "agent-1", "m1", []float32{1, 0}, nil))
	require.NoError(t, p.Delete(ctx, "agent-1", "m1"))

	results, err := p.Search(ctx, "agent-1", []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNew_SelectsProvider(t *testing.T) {
	p, err := New(&config.VectorConfig{Provider: "chromem"})
	require.NoError(t, err)
	assert.Equal(t, "chromem", p.Name())

	_, err = New(&config.VectorConfig{Provider: "bogus"})
	assert.Error(t, err)
}
