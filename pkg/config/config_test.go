package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matrix.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o
  apiKey: test-key
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.LLM.MaxIterations)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, "chromem", cfg.VectorStore.Type)
	assert.Equal(t, "matrix_knowledge", cfg.Memory.KnowledgeCollection)
	assert.Equal(t, "matrix_reflection", cfg.Memory.ReflectionCollection)
	assert.InDelta(t, 0.7, cfg.Memory.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.4, cfg.Memory.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Memory.MaxSimilarResults)
	require.NotNil(t, cfg.Memory.UseLLMDecisions)
	assert.True(t, *cfg.Memory.UseLLMDecisions)
	assert.Equal(t, 5000, cfg.History.WALFlushInterval)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfig_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_MATRIX_KEY", "secret-from-env")
	path := writeConfig(t, `
llm:
  provider: openai
  model: ${TEST_MATRIX_MODEL:-gpt-4o-mini}
  apiKey: ${TEST_MATRIX_KEY}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoadConfig_FillsMCPServerNames(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
mcpServers:
  docs:
    transport: sse
    url: http://localhost:8080/sse
  runner:
    transport: stdio
    command: ./runner
    args: ["--verbose"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.MCPServers, 2)
	assert.Equal(t, "docs", cfg.MCPServers["docs"].Name)
	assert.Equal(t, "runner", cfg.MCPServers["runner"].Name)
	assert.Equal(t, []string{"--verbose"}, cfg.MCPServers["runner"].Args)
}

func TestLoadConfig_RejectsMissingProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  model: gpt-4o
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider is required")
}

func TestLoadConfig_RejectsStdioServerWithoutCommand(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o
mcpServers:
  broken:
    transport: stdio
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdio transport requires a command")
}

func TestLoadConfig_RejectsRemoteServerWithoutURL(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o
mcpServers:
  broken:
    transport: sse
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_MATRIX_HOST", "db.internal")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"braced", "host: ${TEST_MATRIX_HOST}", "host: db.internal"},
		{"simple", "host: $TEST_MATRIX_HOST", "host: db.internal"},
		{"default_used", "host: ${TEST_MATRIX_UNSET:-localhost}", "host: localhost"},
		{"default_ignored", "host: ${TEST_MATRIX_HOST:-localhost}", "host: db.internal"},
		{"unset_braced", "host: ${TEST_MATRIX_UNSET}", "host: "},
		{"no_vars", "host: plain", "host: plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestEnvBool(t *testing.T) {
	for _, truthy := range []string{"1", "true", "TRUE", "yes", "on", " true "} {
		t.Setenv("TEST_MATRIX_FLAG", truthy)
		assert.True(t, EnvBool("TEST_MATRIX_FLAG"), "value %q", truthy)
	}
	for _, falsy := range []string{"", "0", "false", "off", "nope"} {
		t.Setenv("TEST_MATRIX_FLAG", falsy)
		assert.False(t, EnvBool("TEST_MATRIX_FLAG"), "value %q", falsy)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_MATRIX_INT", "42")
	assert.Equal(t, 42, EnvInt("TEST_MATRIX_INT", 7))

	t.Setenv("TEST_MATRIX_INT", "not-a-number")
	assert.Equal(t, 7, EnvInt("TEST_MATRIX_INT", 7))

	os.Unsetenv("TEST_MATRIX_INT")
	assert.Equal(t, 7, EnvInt("TEST_MATRIX_INT", 7))
}

func TestMemoryConfig_SetDefaultsKeepsExplicitFalse(t *testing.T) {
	cfg := MemoryConfig{
		UseLLMDecisions: BoolPtr(false),
		EnableDeletes:   BoolPtr(false),
	}
	cfg.SetDefaults()

	assert.False(t, *cfg.UseLLMDecisions)
	assert.False(t, *cfg.EnableDeletes)
}
