package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "chromem", cfg.Vector.Provider)
	assert.Equal(t, 1536, cfg.Gateway.EmbeddingDimension)
	assert.Equal(t, time.Second, cfg.Simulation.BaseTickInterval)
	assert.Equal(t, 20, cfg.Retrieval.DefaultLimit)
}

func TestProcessConfigPipeline_RejectsBadSection(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Store.Backend = "cassandra"

	_, err := ProcessConfigPipeline(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

func TestGatewayConfig_WorldCapBoundedByGlobal(t *testing.T) {
	cfg := Default()
	cfg.Gateway.WorldConcurrency = cfg.Gateway.GlobalConcurrency + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world_concurrency")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SIM_TEST_HOST", "gateway.internal")
	t.Setenv("SIM_TEST_PORT", "9090")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced", "http://${SIM_TEST_HOST}/v1", "http://gateway.internal/v1"},
		{"simple", "host=$SIM_TEST_HOST", "host=gateway.internal"},
		{"default used", "${SIM_TEST_MISSING:-fallback}", "fallback"},
		{"default ignored", "${SIM_TEST_HOST:-fallback}", "gateway.internal"},
		{"unset braced", "${SIM_TEST_MISSING}", ""},
		{"no vars", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.in))
		})
	}
}

func TestExpandEnvVarsInData_CoercesTypes(t *testing.T) {
	t.Setenv("SIM_TEST_PORT", "9090")
	t.Setenv("SIM_TEST_FLAG", "true")

	data := map[string]interface{}{
		"port":    "${SIM_TEST_PORT}",
		"enabled": "${SIM_TEST_FLAG}",
		"nested": []interface{}{
			map[string]interface{}{"ratio": "${SIM_TEST_RATIO:-0.5}"},
		},
	}

	out, ok := ExpandEnvVarsInData(data).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 9090, out["port"])
	assert.Equal(t, true, out["enabled"])

	nested := out["nested"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 0.5, nested["ratio"])
}

func TestLoader_FileSource(t *testing.T) {
	t.Setenv("SIM_TEST_GATEWAY", "http://lm.internal:8100")

	dir := t.TempDir()
	path := filepath.Join(dir, "simworld.yaml")
	content := `
server:
  port: 9191
gateway:
  base_url: ${SIM_TEST_GATEWAY}
store:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader, err := NewLoader(LoaderOptions{Type: SourceTypeFile, Path: path})
	require.NoError(t, err)
	defer loader.Stop()

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "http://lm.internal:8100", cfg.Gateway.BaseURL)
	// Untouched sections still get defaults.
	assert.Equal(t, "chromem", cfg.Vector.Provider)
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)
}

func TestLoader_InvalidFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: cassandra\n"), 0o644))

	loader, err := NewLoader(LoaderOptions{Type: SourceTypeFile, Path: path})
	require.NoError(t, err)
	defer loader.Stop()

	_, err = loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

func TestNewLoader_RequiresPath(t *testing.T) {
	_, err := NewLoader(LoaderOptions{Type: SourceTypeFile})
	assert.Error(t, err)
}

func TestParseSourceType(t *testing.T) {
	for in, want := range map[string]SourceType{
		"file":      SourceTypeFile,
		"Consul":    SourceTypeConsul,
		" etcd ":    SourceTypeEtcd,
		"zk":        SourceTypeZookeeper,
		"zookeeper": SourceTypeZookeeper,
	} {
		got, err := ParseSourceType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSourceType("redis")
	assert.Error(t, err)
}
