// Package embedders provides embedding providers and the process-wide
// embedding disable latch used by the memory pipelines.
package embedders

import (
	"fmt"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/registry"
)

type EmbedderProvider interface {
	Embed(text string) ([]float32, error)

	GetDimension() int

	GetModelName() string

	Close() error
}

type EmbedderRegistry struct {
	*registry.BaseRegistry[EmbedderProvider]
}

func NewEmbedderRegistry() *EmbedderRegistry {
	return &EmbedderRegistry{
		BaseRegistry: registry.NewBaseRegistry[EmbedderProvider](),
	}
}

func (r *EmbedderRegistry) RegisterEmbedder(name string, provider EmbedderProvider) error {
	if name == "" {
		return fmt.Errorf("embedder name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("embedder provider cannot be nil")
	}
	return r.Register(name, provider)
}

func (r *EmbedderRegistry) CreateEmbedderFromConfig(name string, cfg *config.EmbeddingConfig) (EmbedderProvider, error) {
	if name == "" {
		return nil, fmt.Errorf("embedder name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	var provider EmbedderProvider
	var err error

	switch cfg.Type {
	case "ollama":
		provider, err = NewOllamaEmbedderFromConfig(cfg)
	case "openai":
		provider, err = NewOpenAIEmbedderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create embedder provider: %w", err)
	}

	if err := r.RegisterEmbedder(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register embedder: %w", err)
	}

	return provider, nil
}

func (r *EmbedderRegistry) GetEmbedder(name string) (EmbedderProvider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("embedder provider '%s' not found", name)
	}
	return provider, nil
}

// HasActiveEmbedders reports whether at least one embedder is registered
// and the global latch has not been tripped.
func (r *EmbedderRegistry) HasActiveEmbedders() bool {
	return r.Count() > 0 && !Disabled()
}
