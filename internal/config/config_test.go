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
	t.Setenv(EnvOpenAIModel, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, DefaultModel, cfg.LLM.OpenAI.Model)
	assert.Equal(t, 8, cfg.Search.Limit)
	assert.Equal(t, 3, cfg.Scrape.TopN)
	assert.Equal(t, 1, cfg.Job.MaxAttempts)
	assert.Equal(t, "memory", cfg.Storage.JobStore.Driver)
	assert.Equal(t, "none", cfg.Storage.Archive.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.True(t, cfg.Scrape.Firecrawl.MainContentOnly())
	assert.Equal(t, 30000, cfg.Scrape.Firecrawl.PageTimeoutMS)
	assert.Equal(t, 2000, cfg.Scrape.Firecrawl.WaitForMS)
}

func TestLoadYAMLResolvesCredentialsFromEnv(t *testing.T) {
	t.Setenv("TEST_SERP_KEY", "serp-secret")
	t.Setenv(EnvFirecrawlKey, "crawl-secret")
	t.Setenv(EnvOpenAIModel, "gpt-4.1-mini")

	dir := t.TempDir()
	path := filepath.Join(dir, "reportd.yaml")
	content := `
server:
  address: ":9090"
search:
  limit: 5
  serpapi:
    api_key_env: TEST_SERP_KEY
llm:
  openai:
    api_key: inline-key
    timeout_seconds: 30
storage:
  data_dir: var
  archive:
    driver: file
job:
  max_attempts: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 5, cfg.Search.Limit)
	assert.Equal(t, "serp-secret", cfg.Search.SerpAPI.Resolve())
	assert.Equal(t, "crawl-secret", cfg.Scrape.Firecrawl.Resolve())
	assert.Equal(t, "inline-key", cfg.LLM.OpenAI.Resolve())
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.OpenAI.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.OpenAI.Timeout())
	assert.Equal(t, filepath.Join(dir, "var"), cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join(dir, "var", "reports.log"), cfg.Storage.Archive.Path)
	assert.Equal(t, 2, cfg.Job.MaxAttempts)
}

func TestLoadJSONByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reportd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue":{"driver":"redis","redis":{"address":"127.0.0.1:6379"}}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "127.0.0.1:6379", cfg.Queue.Redis.Address)
}

func TestLoadKeepsExplicitZeroTemperature(t *testing.T) {
	dir := t.TempDir()
	zero := filepath.Join(dir, "zero.yaml")
	require.NoError(t, os.WriteFile(zero, []byte("llm:\n  openai:\n    temperature: 0\n"), 0o644))

	cfg, err := Load(zero)
	require.NoError(t, err)
	require.NotNil(t, cfg.LLM.OpenAI.Temperature)
	assert.Equal(t, 0.0, *cfg.LLM.OpenAI.Temperature)

	unset := filepath.Join(dir, "unset.yaml")
	require.NoError(t, os.WriteFile(unset, []byte("llm:\n  openai:\n    model: gpt-4o\n"), 0o644))

	cfg, err = Load(unset)
	require.NoError(t, err)
	assert.Nil(t, cfg.LLM.OpenAI.Temperature)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPathPrefersEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/reportd.yaml")
	assert.Equal(t, "/etc/reportd.yaml", Path())

	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, Path())
}
