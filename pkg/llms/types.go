// Package llms contains the provider clients that talk to LLM APIs.
// Providers accept the wire-neutral transcript and shape it into each
// vendor's request format.
package llms

import (
	"context"

	"github.com/matrixagent/matrix/pkg/protocol"
)

// ToolDefinition is the provider-neutral description of a callable tool.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GenerateOptions tunes a single provider call.
type GenerateOptions struct {
	// DisableTools omits the tool list and forces tool-choice none.
	// Used by the retry path to break pathological tool loops.
	DisableTools bool

	// SystemPrompt overrides the formatted system message when set.
	SystemPrompt string
}

// GenerateResult is a single provider response.
type GenerateResult struct {
	// Text is the concatenated textual content.
	Text string

	// Thinking carries reasoning content emitted before tool calls.
	Thinking string

	// ToolCalls are the tool invocations requested by the model.
	ToolCalls []protocol.ToolCall

	// InputTokens / OutputTokens from the provider usage block.
	InputTokens  int
	OutputTokens int
}

// Provider is a single LLM backend.
type Provider interface {
	// GetModelName returns the configured model identifier.
	GetModelName() string

	// Generate sends the formatted transcript and returns the
	// response. Transport retries are handled by the caller.
	Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, opts GenerateOptions) (*GenerateResult, error)
}
