package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fusion-framework/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
queue:
  default: ${TEST_QUEUE_DEFAULT}
  retry_after: 30
  connections:
    file:
      driver: file
      path: /tmp/jobs
    redis:
      driver: redis
      host: 10.0.0.1
      port: 6380
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_QUEUE_DEFAULT", "redis")
	c, err := Load(writeFile(t, "queue.yaml", sample), true)
	require.NoError(t, err)
	require.True(t, c.Has("queue"))

	cfg, err := queue.ConfigFrom(c)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Default)
	assert.Equal(t, 30, cfg.RetryAfter)
	assert.Equal(t, 3, cfg.MaxTries)
	assert.Equal(t, "/tmp/jobs", cfg.Connections["file"].String("path", ""))
	assert.Equal(t, 6380, cfg.Connections["redis"].Int("port", 0))
	assert.Equal(t, "redis", cfg.Connections["redis"].Name())
}

func TestLoadJSON(t *testing.T) {
	c, err := Load(writeFile(t, "queue.json", `{"queue":{"default":"file"}}`), true)
	require.NoError(t, err)

	cfg, err := queue.ConfigFrom(c)
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Default)
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")

	c, err := Load(path, false)
	require.NoError(t, err)
	assert.False(t, c.Has("queue"))

	cfg, err := queue.ConfigFrom(c)
	require.NoError(t, err)
	assert.Equal(t, "sync", cfg.Default)

	_, err = Load(path, true)
	assert.Error(t, err)
}

func TestLoadBrokenFile(t *testing.T) {
	_, err := Load(writeFile(t, "queue.yaml", "queue: [\n"), true)
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dotenv := writeFile(t, ".env", "QUEUE_DRIVER=redis\nLOG_FORMAT=console\n")
	// godotenv never overrides variables that are already set
	t.Setenv("QUEUE_DRIVER", "")
	require.NoError(t, os.Unsetenv("QUEUE_DRIVER"))
	t.Setenv("LOG_FORMAT", "json")

	env, err := LoadEnv(dotenv)
	require.NoError(t, err)

	assert.Equal(t, "redis", env.Driver)
	assert.Equal(t, "json", env.LogFormat)
	assert.Equal(t, DefaultPath, env.ConfigPath)
}
