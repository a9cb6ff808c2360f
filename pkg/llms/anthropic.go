package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/httpclient"
	"github.com/matrixagent/matrix/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic messages API. It also serves
// Bedrock-style aws deployments pointed at a compatible gateway URL.
type AnthropicProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
}

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice  *AnthropicChoice   `json:"tool_choice,omitempty"`
}

type AnthropicChoice struct {
	Type string `json:"type"`
}

type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

type AnthropicContent struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	Signature string                 `json:"signature,omitempty"`
	Data      string                 `json:"data,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Source    *AnthropicImageSource  `json:"source,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider builds the provider. BaseURL defaults to the
// public API host.
func NewAnthropicProvider(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for anthropic")
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, opts GenerateOptions) (*GenerateResult, error) {
	request, err := p.buildRequest(messages, tools, opts)
	if err != nil {
		return nil, err
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("API error: %s", response.Error.Message)
	}

	result := &GenerateResult{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}

	var texts []string
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "thinking":
			result.Thinking += block.Thinking
		case "tool_use":
			argsJSON, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool input: %w", err)
			}
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
				ID: block.ID,
				Function: protocol.FunctionCall{
					Name:      block.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}
	result.Text = strings.Join(texts, "")

	return result, nil
}

// buildRequest shapes the transcript into the messages API format.
// System messages are lifted into the top-level system field; tool
// results become tool_result blocks inside a user message.
func (p *AnthropicProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, opts GenerateOptions) (AnthropicRequest, error) {
	var systemParts []string
	if opts.SystemPrompt != "" {
		systemParts = append(systemParts, opts.SystemPrompt)
	}

	anthropicMessages := make([]AnthropicMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}

		case protocol.RoleTool:
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role: "user",
				Content: []AnthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Text(),
				}},
			})

		case protocol.RoleAssistant:
			content := assistantContent(msg)
			if len(content) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role:    "assistant",
				Content: content,
			})

		default:
			content := userContent(msg)
			if len(content) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role:    "user",
				Content: content,
			})
		}
	}

	request := AnthropicRequest{
		Model:       p.config.Model,
		Messages:    anthropicMessages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		System:      strings.Join(systemParts, "\n\n"),
	}

	if opts.DisableTools {
		request.ToolChoice = &AnthropicChoice{Type: "none"}
	} else if len(tools) > 0 {
		anthropicTools := make([]AnthropicTool, len(tools))
		for i, tool := range tools {
			anthropicTools[i] = AnthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		request.Tools = anthropicTools
	}

	return request, nil
}

func assistantContent(msg protocol.Message) []AnthropicContent {
	var content []AnthropicContent

	for _, part := range msg.Parts {
		switch part.Type {
		case protocol.ContentPartTypeThinking:
			content = append(content, AnthropicContent{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.Signature,
			})
		case protocol.ContentPartTypeRedactedThinking:
			content = append(content, AnthropicContent{
				Type: "redacted_thinking",
				Data: part.Data,
			})
		case protocol.ContentPartTypeText:
			if part.Text != "" {
				content = append(content, AnthropicContent{Type: "text", Text: part.Text})
			}
		}
	}

	if len(msg.Parts) == 0 && msg.Content != "" {
		content = append(content, AnthropicContent{Type: "text", Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		input := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			// Best effort; the raw string survives in history either way.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		content = append(content, AnthropicContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return content
}

func userContent(msg protocol.Message) []AnthropicContent {
	var content []AnthropicContent

	for _, part := range msg.Parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			if part.Text != "" {
				content = append(content, AnthropicContent{Type: "text", Text: part.Text})
			}
		case protocol.ContentPartTypeImage:
			if part.Data != "" {
				content = append(content, AnthropicContent{
					Type: "image",
					Source: &AnthropicImageSource{
						Type:      "base64",
						MediaType: part.MediaType,
						Data:      part.Data,
					},
				})
			}
		}
	}

	if len(msg.Parts) == 0 && msg.Content != "" {
		content = append(content, AnthropicContent{Type: "text", Text: msg.Content})
	}

	return content
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	host := strings.TrimSuffix(p.config.BaseURL, "/")
	if host == "" {
		host = "https://api.anthropic.com"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	body, _ := io.ReadAll(resp.Body)

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

var _ Provider = (*AnthropicProvider)(nil)
