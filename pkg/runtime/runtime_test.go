package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simworld/simworld/pkg/config"
)

func TestNew_WiresDefaultStack(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	rt, err := New(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close(ctx)

	assert.NotNil(t, rt.Store())
	assert.NotNil(t, rt.Stream())
	assert.NotNil(t, rt.Scheduler())
	assert.NotNil(t, rt.Server())
	assert.Same(t, cfg, rt.Config())
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestNew_StackIsUsable(t *testing.T) {
	cfg := config.Default()
	ctx := context.Background()

	rt, err := New(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close(ctx)

	worlds, err := rt.Store().ListWorlds(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, worlds)
}
