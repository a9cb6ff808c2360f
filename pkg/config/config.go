// Package config loads and validates the matrix.yml configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the matrix.yml file.
type Config struct {
	MCPServers   map[string]MCPServerConfig `yaml:"mcpServers"`
	LLM          LLMConfig                  `yaml:"llm"`
	Evaluation   *LLMConfig                 `yaml:"evaluation,omitempty"`
	Embedding    EmbeddingConfig            `yaml:"embedding"`
	SystemPrompt SystemPromptConfig         `yaml:"systemPrompt"`
	History      HistoryConfig              `yaml:"history"`
	VectorStore  VectorStoreConfig          `yaml:"vectorStore"`
	Memory       MemoryConfig               `yaml:"memory"`
	Metrics      MetricsConfig              `yaml:"metrics"`
}

// MCPServerConfig declares one remote tool server.
type MCPServerConfig struct {
	Name      string            `yaml:"-"` // filled from the map key at load time
	Transport string            `yaml:"transport,omitempty"` // stdio, sse, streamable-http
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Timeout   int               `yaml:"timeout,omitempty"` // seconds
}

// LLMConfig configures a language model backend.
type LLMConfig struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"apiKey"`
	BaseURL       string  `yaml:"baseUrl,omitempty"`
	APIVersion    string  `yaml:"apiVersion,omitempty"` // azure only
	MaxIterations int     `yaml:"maxIterations,omitempty"`
	MaxTokens     int     `yaml:"maxTokens,omitempty"`
	Temperature   float64 `yaml:"temperature,omitempty"`
	Timeout       int     `yaml:"timeout,omitempty"`
	MaxRetries    int     `yaml:"maxRetries,omitempty"`
	RetryDelay    int     `yaml:"retryDelay,omitempty"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 120
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2
	}
}

// Validate checks required fields.
func (c *LLMConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("llm provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

// EmbeddingConfig configures the embedding model.
type EmbeddingConfig struct {
	Type      string `yaml:"type"` // openai, ollama
	Model     string `yaml:"model"`
	APIKey    string `yaml:"apiKey,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	Timeout   int    `yaml:"timeout,omitempty"`
	BatchSize int    `yaml:"batchSize,omitempty"`
}

// SetDefaults applies default values.
func (c *EmbeddingConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// SystemPromptConfig configures the system prompt.
type SystemPromptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Content string `yaml:"content"`
}

// HistoryConfig configures the durable transcript store.
type HistoryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Backend          string `yaml:"backend,omitempty"` // postgres, sqlite; resolved from env when empty
	WALFlushInterval int    `yaml:"walFlushIntervalMs,omitempty"`
	WALMaxSize       int    `yaml:"walMaxSize,omitempty"`
}

// SetDefaults applies default values.
func (c *HistoryConfig) SetDefaults() {
	if c.WALFlushInterval <= 0 {
		c.WALFlushInterval = 5000
	}
	if c.WALMaxSize <= 0 {
		c.WALMaxSize = 10000
	}
}

// VectorStoreConfig configures the vector database.
type VectorStoreConfig struct {
	Type      string `yaml:"type"` // qdrant, chromem
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	APIKey    string `yaml:"apiKey,omitempty"`
	EnableTLS *bool  `yaml:"enableTls,omitempty"`
	Path      string `yaml:"path,omitempty"` // chromem persistence directory
}

// SetDefaults applies default values.
func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Type == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port <= 0 {
			c.Port = 6334
		}
	}
}

// MemoryConfig tunes the knowledge and reflection pipelines.
type MemoryConfig struct {
	KnowledgeCollection  string  `yaml:"knowledgeCollection,omitempty"`
	ReflectionCollection string  `yaml:"reflectionCollection,omitempty"`
	SimilarityThreshold  float64 `yaml:"similarityThreshold,omitempty"`
	MaxSimilarResults    int     `yaml:"maxSimilarResults,omitempty"`
	ConfidenceThreshold  float64 `yaml:"confidenceThreshold,omitempty"`
	UseLLMDecisions      *bool   `yaml:"useLlmDecisions,omitempty"`
	EnableDeletes        *bool   `yaml:"enableDeleteOperations,omitempty"`
	DetectorThreshold    float64 `yaml:"detectorThreshold,omitempty"`
}

// SetDefaults applies default values.
func (c *MemoryConfig) SetDefaults() {
	if c.KnowledgeCollection == "" {
		c.KnowledgeCollection = "matrix_knowledge"
	}
	if c.ReflectionCollection == "" {
		c.ReflectionCollection = "matrix_reflection"
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.7
	}
	if c.MaxSimilarResults <= 0 {
		c.MaxSimilarResults = 5
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.4
	}
	if c.UseLLMDecisions == nil {
		c.UseLLMDecisions = BoolPtr(true)
	}
	if c.EnableDeletes == nil {
		c.EnableDeletes = BoolPtr(true)
	}
	if c.DetectorThreshold <= 0 {
		c.DetectorThreshold = 0.6
	}
}

// MetricsConfig configures the prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// SetDefaults applies default values.
func (c *MetricsConfig) SetDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
}

// BoolPtr returns a pointer to the given bool.
func BoolPtr(b bool) *bool {
	return &b
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	if c.Evaluation != nil {
		c.Evaluation.SetDefaults()
	}
	c.Embedding.SetDefaults()
	c.History.SetDefaults()
	c.VectorStore.SetDefaults()
	c.Memory.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	for name, server := range c.MCPServers {
		if server.Transport == "stdio" && server.Command == "" {
			return fmt.Errorf("mcp server %s: stdio transport requires a command", name)
		}
		if server.Transport != "stdio" && server.Command == "" && server.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for %s transport", name, server.Transport)
		}
	}
	return nil
}

// LoadConfig loads configuration from the given file path. Values may
// reference environment variables with ${VAR} or ${VAR:-default}; they
// are expanded after parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for name, server := range cfg.MCPServers {
		server.Name = name
		cfg.MCPServers[name] = server
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
