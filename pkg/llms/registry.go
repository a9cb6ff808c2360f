package llms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/registry"
)

// ErrUnsupportedProvider is returned for provider names outside the
// known families. Session initialization fails fast on it rather than
// guessing a wire format.
var ErrUnsupportedProvider = errors.New("unsupported llm provider")

// defaultBaseURLs for the OpenAI-compatible family. Overridable via
// config baseUrl.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
	"lmstudio":   "http://localhost:1234/v1",
	"qwen":       "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
}

// ProviderFamily returns the wire-format family for a provider name:
// "openai", "azure", or "anthropic". Matching is case-insensitive.
func ProviderFamily(provider string) (string, error) {
	switch strings.ToLower(provider) {
	case "openai", "openrouter", "ollama", "lmstudio", "qwen", "gemini":
		return "openai", nil
	case "azure":
		return "azure", nil
	case "anthropic", "aws":
		return "anthropic", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}

// NewProviderFromConfig builds the provider client for the configured
// vendor name.
func NewProviderFromConfig(cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}

	family, err := ProviderFamily(cfg.Provider)
	if err != nil {
		return nil, err
	}

	switch family {
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultBaseURLs[strings.ToLower(cfg.Provider)]
		}
		return NewOpenAIProvider(cfg, false)
	case "azure":
		return NewOpenAIProvider(cfg, true)
	default:
		return NewAnthropicProvider(cfg)
	}
}

// ProviderRegistry tracks constructed providers by name so the main
// and evaluation models can be shared across sessions.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// CreateProvider builds, registers, and returns a provider under the
// given name, replacing any previous registration.
func (r *ProviderRegistry) CreateProvider(name string, cfg *config.LLMConfig) (Provider, error) {
	provider, err := NewProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider %q: %w", name, err)
	}
	if err := r.Replace(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}
