package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Listen)
	assert.Equal(t, 3, cfg.Arena.MaxRounds)
	assert.Equal(t, "ordered", cfg.Arena.ChallengerPolicy)
	assert.True(t, cfg.Arena.Prefetch)
	assert.Equal(t, "data/arena.db", cfg.Store.Path)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
store:
  path: /var/lib/arena/arena.db
  ttl: 1h
arena:
  max_rounds: 5
  challenger_policy: random
  gen_timeout: 30s
models:
  - id: gpt
    provider: openai
    base_url: https://api.example.com/v1
    model: gpt-test
    api_key_env: EXAMPLE_API_KEY
  - id: local
    provider: mock
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "/var/lib/arena/arena.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Arena.MaxRounds)
	assert.Equal(t, "random", cfg.Arena.ChallengerPolicy)
	assert.Equal(t, 30*time.Second, Duration(cfg.Arena.GenTimeout, 0))
	assert.Equal(t, time.Hour, Duration(cfg.Store.TTL, 0))
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, "openai", cfg.Models[0].Provider)
	assert.Equal(t, "EXAMPLE_API_KEY", cfg.Models[0].APIKeyEnv)

	// Fields the file omits keep their defaults.
	assert.Equal(t, "15s", cfg.Server.ShutdownTimeout)
	assert.Equal(t, "2s", cfg.Arena.RetryBackoff)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9000\"\n"), 0o644))

	t.Setenv("ARENA_LISTEN", ":7000")
	t.Setenv("ARENA_MAX_ROUNDS", "4")
	t.Setenv("ARENA_CHALLENGER_POLICY", "random")
	t.Setenv("ARENA_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.Equal(t, 4, cfg.Arena.MaxRounds)
	assert.Equal(t, "random", cfg.Arena.ChallengerPolicy)
	assert.True(t, cfg.Logging.Debug)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Arena.MaxRounds = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Arena.ChallengerPolicy = "roulette"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Models = []ModelConfig{{ID: "m1", Provider: "carrier-pigeon"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Models = []ModelConfig{{Provider: "mock"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Models = []ModelConfig{
		{ID: "m1", Provider: "openai"},
		{ID: "m2", Provider: "gemini"},
		{ID: "m3", Provider: "mock"},
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a: map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDurationFallback(t *testing.T) {
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("not-a-duration", time.Minute))
	assert.Equal(t, 90*time.Second, Duration("90s", time.Minute))
}
