package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/protocol"
)

const sample = `
debug: false
server:
  addr: ":9090"
  max_concurrent_runs: 20
sse:
  keepalive_interval: 15s
  timeout: 2m
  backpressure: drop
errors:
  detail: full
protocol:
  mode: strict
  tolerate: [duplicate_end]
storage:
  driver: redis
  state_policy: on_snapshot
  redis:
    addr: localhost:6379
    prefix: "test:"
log:
  level: debug
  format: text
agents:
  - id: assistant
    provider: openai
    model: gpt-4o-mini
    system_message: You are helpful.
    timeout: 30s
  - id: claude
    provider: anthropic
    protocol:
      mode: lenient
  - id: echo
    provider: echo
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 20, cfg.Server.MaxConcurrentRuns)
	assert.Equal(t, 15*time.Second, cfg.SSE.KeepaliveInterval.D())
	assert.Equal(t, 2*time.Minute, cfg.SSE.Timeout.D())
	assert.Equal(t, "drop", cfg.SSE.Backpressure)
	assert.Equal(t, "full", cfg.ErrorDetail())
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "test:", cfg.Storage.Redis.Prefix)
	assert.Equal(t, "on_snapshot", cfg.Storage.StatePolicy)
	assert.Equal(t, "text", cfg.Log.Format)

	policy, err := cfg.Protocol.Policy()
	require.NoError(t, err)
	assert.True(t, policy.Tolerates(core.ViolationDuplicateEnd))

	require.Len(t, cfg.Agents, 3)
	assert.Equal(t, 30*time.Second, cfg.Agents[0].Timeout.D())
	assert.Equal(t, "You are helpful.", cfg.Agents[0].SystemMessage)

	claude, ok := cfg.Agent("claude")
	require.True(t, ok)
	require.NotNil(t, claude.Protocol)
	p, err := claude.Protocol.Policy()
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeLenient, p.Mode)

	_, ok = cfg.Agent("missing")
	assert.False(t, ok)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("agents: []\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.SSE.KeepaliveInterval.D())
	assert.Equal(t, 300*time.Second, cfg.SSE.Timeout.D())
	assert.Equal(t, "block", cfg.SSE.Backpressure)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "always", cfg.Storage.StatePolicy)
	assert.Equal(t, 10*time.Second, cfg.Storage.WriteTimeout.D())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "safe", cfg.ErrorDetail())
}

func TestErrorDetail_AutoFollowsDebug(t *testing.T) {
	cfg, err := Parse([]byte("debug: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.ErrorDetail())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("AGUIMESH_TEST_KEY", "sk-123")
	cfg, err := Parse([]byte("agents:\n  - id: a\n    provider: openai\n    api_key: ${AGUIMESH_TEST_KEY}\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-123", cfg.Agents[0].APIKey)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"backpressure", "sse:\n  backpressure: spill\n", "sse.backpressure"},
		{"detail", "errors:\n  detail: verbose\n", "errors.detail"},
		{"mode", "protocol:\n  mode: loose\n", "protocol"},
		{"tolerate", "protocol:\n  tolerate: [anything]\n", "unknown violation kind"},
		{"driver", "storage:\n  driver: postgres\n", "storage.driver"},
		{"mongo uri", "storage:\n  driver: mongo\n", "storage.mongo.uri"},
		{"redis addr", "storage:\n  driver: redis\n", "storage.redis.addr"},
		{"state policy", "storage:\n  state_policy: sometimes\n", "storage.state_policy"},
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"provider", "agents:\n  - id: a\n    provider: gemini\n", "unknown provider"},
		{"agent id", "agents:\n  - provider: echo\n", "id is required"},
		{"duplicate", "agents:\n  - id: a\n    provider: echo\n  - id: a\n    provider: echo\n", "duplicate id"},
		{"agent policy", "agents:\n  - id: a\n    provider: echo\n    protocol:\n      mode: x\n", "agents[0].protocol"},
		{"duration", "sse:\n  timeout: soon\n", "parse config"},
		{"empty sequential", "agents:\n  - id: s\n    provider: sequential\n", "at least one child"},
		{"loop children", "agents:\n  - id: a\n    provider: echo\n  - id: l\n    provider: loop\n    agents: [a, a]\n", "exactly one child"},
		{"forward child", "agents:\n  - id: p\n    provider: parallel\n    agents: [a]\n  - id: a\n    provider: echo\n", "declared before"},
		{"self child", "agents:\n  - id: s\n    provider: sequential\n    agents: [s]\n", "declared before"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: loud\n  format: xml\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aguimesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, ProviderEcho, cfg.Agents[0].Provider)
}

func TestParse_CompositeAgents(t *testing.T) {
	cfg, err := Parse([]byte(`
agents:
  - id: draft
    provider: echo
  - id: review
    provider: echo
  - id: pipeline
    provider: sequential
    agents: [draft, review]
  - id: retry
    provider: loop
    agents: [pipeline]
    max_iters: 3
    until: DONE
    interval: 1s
`))
	require.NoError(t, err)

	retry, ok := cfg.Agent("retry")
	require.True(t, ok)
	assert.True(t, retry.Composite())
	assert.Equal(t, []string{"pipeline"}, retry.Agents)
	assert.Equal(t, 3, retry.MaxIters)
	assert.Equal(t, "DONE", retry.Until)
	assert.Equal(t, time.Second, retry.Interval.D())

	draft, _ := cfg.Agent("draft")
	assert.False(t, draft.Composite())
}
