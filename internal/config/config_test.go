package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
  together:
    kind: openrouter
    api_key: literal-key
    base_url: https://example.com/v1

models:
  - tag: openai:gpt-4.1-mini
    name: GPT-4.1 mini
    vision: true
    input_per_million: "0.40"
    output_per_million: "1.60"

auth:
  session_secret: s1
  event_secret: e1
`)
	t.Setenv("TEST_OPENAI_KEY", "my-secret-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	openai, ok := cfg.Providers["openai"]
	require.True(t, ok, "openai provider should exist")
	assert.Equal(t, "my-secret-key", openai.APIKey)
	assert.Equal(t, "openai", openai.Kind)
	assert.Equal(t, "openrouter", cfg.Providers["together"].Kind)

	models, err := cfg.CatalogModels()
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "openai", models[0].Provider)
	assert.Equal(t, "gpt-4.1-mini", models[0].UpstreamName())
	assert.True(t, decimal.RequireFromString("0.4").Equal(models[0].InputPerMillion))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Generation.HistoryWindow)
	assert.Equal(t, 10*time.Second, cfg.Generation.CloseTimeout)
	assert.Equal(t, 30*time.Second, cfg.Callback.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "itzam", cfg.Tracing.ServiceName)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  read_timeout: 30s
`)
	t.Setenv("ITZAM_SERVER_PORT", "3000")
	t.Setenv("ITZAM_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("ITZAM_GENERATION_HISTORY_WINDOW", "4")
	t.Setenv("ITZAM_PROVIDERS_ANTHROPIC_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 4, cfg.Generation.HistoryWindow)
	assert.Equal(t, "from-env", cfg.Providers["anthropic"].APIKey)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("ITZAM_SERVER_PORT"))
	assert.Equal(t, "notify.discord_webhook_url", envKey("ITZAM_NOTIFY_DISCORD_WEBHOOK_URL"))
	assert.Equal(t, "providers.openai.base_url", envKey("ITZAM_PROVIDERS_OPENAI_BASE_URL"))
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log:
  level: loud
models:
  - tag: no-prefix
  - tag: openai:a
    input_per_million: "-1"
  - tag: openai:b
  - tag: openai:b
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log.level", "session_secret", "event_secret", "no-prefix", "negative price", "duplicate tag"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidateSeed(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  dsn: postgres://localhost/itzam
auth:
  session_secret: s
  event_secret: e
seed:
  api_key: dev
  workflows:
    - slug: support
`))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Seed.OwnerID)

	err = cfg.Validate()
	assert.ErrorContains(t, err, "seed only applies to the in-memory store")
	assert.ErrorContains(t, err, "seed.workflows[0]")
}
