// Package llmcontext holds the per-session transcript: ordered messages,
// history persistence, system prompt merging, and per-provider shaping.
package llmcontext

import (
	"github.com/matrixagent/matrix/pkg/llms"
	"github.com/matrixagent/matrix/pkg/protocol"
)

// Formatter shapes a transcript for one provider family. Format returns
// the provider-ready message list plus the system prompt to send out of
// band; families that inline the system prompt return an empty string.
type Formatter interface {
	Family() string
	Format(systemPrompt string, messages []protocol.Message) ([]protocol.Message, string)
}

// NewFormatter resolves the formatter for a provider name. Fails with
// llms.ErrUnsupportedProvider for unknown providers.
func NewFormatter(provider string) (Formatter, error) {
	family, err := llms.ProviderFamily(provider)
	if err != nil {
		return nil, err
	}

	switch family {
	case "anthropic":
		return &anthropicFormatter{}, nil
	case "azure":
		return &openAIFormatter{family: "azure"}, nil
	default:
		return &openAIFormatter{family: "openai"}, nil
	}
}

// openAIFormatter inlines the system prompt as a leading system-role
// message. Azure uses the same shape.
type openAIFormatter struct {
	family string
}

func (f *openAIFormatter) Family() string { return f.family }

func (f *openAIFormatter) Format(systemPrompt string, messages []protocol.Message) ([]protocol.Message, string) {
	if systemPrompt == "" {
		return messages, ""
	}

	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, protocol.Message{Role: protocol.RoleSystem, Content: systemPrompt})
	out = append(out, messages...)
	return out, ""
}

// anthropicFormatter keeps the transcript untouched; the messages API
// takes the system prompt as a top-level field.
type anthropicFormatter struct{}

func (f *anthropicFormatter) Family() string { return "anthropic" }

func (f *anthropicFormatter) Format(systemPrompt string, messages []protocol.Message) ([]protocol.Message, string) {
	return messages, systemPrompt
}

var (
	_ Formatter = (*openAIFormatter)(nil)
	_ Formatter = (*anthropicFormatter)(nil)
)
