// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/workflow"
)

const fullConfig = `
server:
  http_addr: "127.0.0.1:9000"
  coordinator_name: "coordinator"

auth:
  secret: "${TEST_COORDINATOR_SECRET}"
  token_ttl: "12h"
  signature_tolerance: "2m"
  sweep_interval: "30m"
  require_signatures: true

agents:
  endpoints:
    shopping-agent: "http://localhost:8004"
    fitness-agent: "http://localhost:8001"
  request_timeout: "10s"
  health_timeout: "1s"
  rate_limit: 5
  burst: 10
  retry:
    max_attempts: 3
    initial_backoff: "100ms"
    max_backoff: "2s"
    multiplier: 1.5

workflow:
  step_timeout: "60s"
  max_retries: 2
  workflow_timeout: "10m"
  retention: "48h"
  cleanup_interval: "15m"
  halt_policy: skip_dependents
  templates:
    - id: weekly_prep
      description: "Plan meals then shop"
      timeout: "5m"
      steps:
        - id: plan
          agent: nutrition-agent
          tool: meal_planner
          parameters:
            days: 7
        - id: shop
          agent: shopping-agent
          tool: shopping_optimizer
          dependencies: [plan]
          timeout: "30s"

sessions:
  timeout: "2h"
  cleanup_interval: "10m"
  snapshot_interval: "1m"

storage:
  backend: redis
  redis_addr: "redis:6379"
  redis_db: 2

textgen:
  api_key: "sk-test"
  model: "gpt-4o"
  max_tokens: 200
  temperature: 0.5
  timeout: "20s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("TEST_COORDINATOR_SECRET", "super-secret")

	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "coordinator", cfg.Server.CoordinatorName)

	assert.Equal(t, "super-secret", cfg.Auth.Secret)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 2*time.Minute, cfg.Auth.SignatureTolerance)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SweepInterval)
	assert.True(t, cfg.Auth.RequireSignatures)

	assert.Equal(t, []string{"fitness-agent", "shopping-agent"}, cfg.AgentNames())
	assert.Equal(t, 10*time.Second, cfg.Agents.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Agents.HealthTimeout)
	assert.InDelta(t, 5.0, cfg.Agents.RateLimit, 0.001)
	assert.Equal(t, 10, cfg.Agents.Burst)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.InitialBackoff)
	assert.Equal(t, 2*time.Second, policy.MaxBackoff)
	assert.InDelta(t, 1.5, policy.Multiplier, 0.001)

	assert.Equal(t, time.Minute, cfg.Workflow.StepTimeout)
	assert.Equal(t, 2, cfg.Workflow.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Workflow.WorkflowTimeout)
	assert.Equal(t, 48*time.Hour, cfg.Workflow.Retention)
	assert.Equal(t, 15*time.Minute, cfg.Workflow.CleanupInterval)
	assert.Equal(t, workflow.HaltSkipDependents, cfg.Workflow.HaltPolicy)
	require.Len(t, cfg.Workflow.Templates, 1)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.Templates[0].Timeout)
	assert.Equal(t, 30*time.Second, cfg.Workflow.Templates[0].Steps[1].Timeout)

	assert.Equal(t, 2*time.Hour, cfg.Sessions.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.CleanupInterval)
	assert.Equal(t, time.Minute, cfg.Sessions.SnapshotInterval)

	opts := cfg.StoreOptions()
	assert.Equal(t, store.BackendRedis, opts.Backend)
	assert.Equal(t, "redis:6379", opts.RedisAddr)
	assert.Equal(t, 2, opts.RedisDB)

	assert.Equal(t, ProviderOpenAI, cfg.TextGen.Provider, "api key implies openai")
	assert.Equal(t, "gpt-4o", cfg.TextGen.Model)
	assert.Equal(t, 200, cfg.TextGen.MaxTokens)
	assert.Equal(t, 20*time.Second, cfg.TextGen.Timeout)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("auth:\n  secret: s\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.HTTPAddr)
	assert.Equal(t, "master-coordinator", cfg.Server.CoordinatorName)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Auth.SignatureTolerance)
	assert.Equal(t, 2*time.Second, cfg.Agents.HealthTimeout)
	assert.Equal(t, 1, cfg.Agents.Burst)
	assert.Equal(t, 1, cfg.Agents.Retry.MaxAttempts)
	assert.Equal(t, workflow.DefaultStepTimeout, cfg.Workflow.StepTimeout)
	assert.Equal(t, workflow.DefaultMaxRetries, cfg.Workflow.MaxRetries)
	assert.Equal(t, workflow.DefaultWorkflowTimeout, cfg.Workflow.WorkflowTimeout)
	assert.Equal(t, workflow.DefaultRetention, cfg.Workflow.Retention)
	assert.Equal(t, workflow.HaltFailFast, cfg.Workflow.HaltPolicy)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.Timeout)
	assert.Equal(t, store.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "coven-coordinator.db", cfg.Storage.Path)
	assert.Equal(t, ProviderNone, cfg.TextGen.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.AgentNames())
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("COORD_TEST_A", "alpha")

	assert.Equal(t, "x alpha y", expandEnvVars("x ${COORD_TEST_A} y"))
	assert.Equal(t, "x  y", expandEnvVars("x ${COORD_TEST_UNSET_VAR} y"))
	assert.Equal(t, "$COORD_TEST_A", expandEnvVars("$COORD_TEST_A"))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing secret", "server:\n  http_addr: ':8000'\n", "auth.secret is required"},
		{"bad duration", "auth:\n  secret: s\n  token_ttl: soon\n", "auth.token_ttl"},
		{"negative duration", "auth:\n  secret: s\nworkflow:\n  step_timeout: -1s\n", "must not be negative"},
		{"unknown backend", "auth:\n  secret: s\nstorage:\n  backend: postgres\n", "storage.backend"},
		{"bad endpoint", "auth:\n  secret: s\nagents:\n  endpoints:\n    fitness-agent: 'localhost:8001'\n", "agents.endpoints.fitness-agent"},
		{"bad halt policy", "auth:\n  secret: s\nworkflow:\n  halt_policy: ignore\n", "workflow.halt_policy"},
		{"openai without key", "auth:\n  secret: s\ntextgen:\n  provider: openai\n", "textgen.api_key"},
		{"unknown provider", "auth:\n  secret: s\ntextgen:\n  provider: llama\n", "textgen.provider"},
		{"template without steps", "auth:\n  secret: s\nworkflow:\n  templates:\n    - id: empty\n", "has no steps"},
		{"step without tool", "auth:\n  secret: s\nworkflow:\n  templates:\n    - id: t\n      steps:\n        - id: a\n          agent: fitness-agent\n", "steps[0]"},
		{"bad yaml", "auth: [", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestDefinitions(t *testing.T) {
	t.Setenv("TEST_COORDINATOR_SECRET", "s")
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	defs, err := cfg.Workflow.Definitions(packs.Default(nil))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	def := defs[0]
	assert.Equal(t, "weekly_prep", def.ID)
	assert.Equal(t, "weekly_prep", def.Name, "name defaults to id")
	assert.Equal(t, []string{"nutrition-agent", "shopping-agent"}, def.Agents())
	assert.Equal(t, []string{"plan"}, def.Steps[1].Dependencies)
	assert.Equal(t, 7, def.Steps[0].Parameters["days"])
}

func TestDefinitions_UnknownTool(t *testing.T) {
	cfg, err := Parse([]byte(`
auth:
  secret: s
workflow:
  templates:
    - id: t
      steps:
        - id: a
          agent: fitness-agent
          tool: teleporter
`))
	require.NoError(t, err)

	_, err = cfg.Workflow.Definitions(packs.Default(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, packs.ErrToolNotFound)
}
