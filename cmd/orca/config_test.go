package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/internal/scheduler"
	"github.com/rendis/orca/pkg/schema"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ORCA_HOME", home)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "orca.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.SQL.MaxAttempts)
	assert.True(t, cfg.SQL.ApprovalRequired)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileLayer(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ORCA_HOME", home)
	settings := `
log_level: debug
max_concurrent_runs: 8
llm:
  provider: azure
  base_url: https://example.openai.azure.com
  api_key: secret
  timeout: 15s
sql:
  name: warehouse
  dsn: file:/tmp/warehouse.db
  validators:
    - non_empty
schedules:
  - name: nightly
    cron: "0 2 * * *"
    goal: count orders in the warehouse
    auto_approve: true
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.yaml"), []byte(settings), 0o600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.MaxConcurrentRuns)
	assert.Equal(t, "azure", cfg.LLM.Provider)
	assert.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "warehouse", cfg.SQL.Name)
	assert.Equal(t, []string{"non_empty"}, cfg.SQL.Validators)
	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.SQL.MaxAttempts)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].Name)
	assert.True(t, cfg.Schedules[0].AutoApprove)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_JSONSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ORCA_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"),
		[]byte(`{"db_path": "/data/orca.db", "retrieval": {"top_k": 2}}`), 0o600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/data/orca.db", cfg.DBPath)
	assert.Equal(t, 2, cfg.Retrieval.TopK)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ORCA_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.yaml"), []byte("log_level: debug\n"), 0o600))
	t.Setenv("ORCA_LOG_LEVEL", "warn")
	t.Setenv("ORCA_MAX_CONCURRENT_RUNS", "2")
	t.Setenv("ORCA_LLM_API_KEY", "sk-test")
	t.Setenv("ORCA_SQL_ALLOW_WRITES", "true")
	t.Setenv("ORCA_LLM_TIMEOUT", "5s")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 2, cfg.MaxConcurrentRuns)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.True(t, cfg.SQL.AllowWrites)
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv("ORCA_HOME", t.TempDir())

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: [unclosed"), 0o600))
	_, err = loadConfig(bad)
	assert.Error(t, err)

	t.Setenv("ORCA_MAX_CONCURRENT_RUNS", "many")
	_, err = loadConfig("")
	assert.ErrorContains(t, err, "ORCA_MAX_CONCURRENT_RUNS")
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("ORCA_HOME", t.TempDir())

	cfg := defaultConfig()
	cfg.LogLevel = "loud"
	cfg.MaxConcurrentRuns = 0
	cfg.LLM.Provider = "other"
	cfg.Retrieval.Name = cfg.SQL.Name
	cfg.Schedules = []scheduler.Job{
		{Name: "a", Cron: "@daily", Goal: "count orders"},
		{Name: "a", Cron: "", Goal: " "},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	var oe *schema.OrcaError
	require.ErrorAs(t, err, &oe)
	// log_level, max_concurrent_runs, provider, retrieval.name, duplicate, cron, goal
	assert.Equal(t, 7, oe.Details["failures"])
	assert.Contains(t, oe.Message, "schedules[1].name: schedule \"a\" defined twice")
}
