package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/httpclient"
	"github.com/matrixagent/matrix/pkg/protocol"
)

// OpenAIProvider speaks the chat-completions wire format. It serves
// OpenAI itself plus the compatible vendors (openrouter, ollama,
// lmstudio, qwen, gemini via the compatibility endpoint) and, with the
// azure flag set, Azure OpenAI deployments.
type OpenAIProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
	azure      bool
}

type OpenAIRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"` // string or []OpenAIContentPart
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

type OpenAIImageURL struct {
	URL string `json:"url"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAIResponse struct {
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

type OpenAIChoice struct {
	Message      OpenAIChoiceMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type OpenAIChoiceMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider builds the provider for an OpenAI-compatible
// endpoint. azure switches auth and URL construction to the Azure
// conventions (api-key header, api-version query parameter).
func NewOpenAIProvider(cfg *config.LLMConfig, azure bool) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}
	if azure && cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseUrl is required for azure deployments")
	}

	return &OpenAIProvider{
		config: cfg,
		azure:  azure,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, opts GenerateOptions) (*GenerateResult, error) {
	request := p.buildRequest(messages, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	result := &GenerateResult{
		Text:         choice.Message.Content,
		Thinking:     choice.Message.ReasoningContent,
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
			ID: tc.ID,
			Function: protocol.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return result, nil
}

func (p *OpenAIProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, opts GenerateOptions) OpenAIRequest {
	openaiMessages := make([]OpenAIMessage, 0, len(messages))
	for _, msg := range messages {
		openaiMessages = append(openaiMessages, convertToOpenAIMessage(msg))
	}

	request := OpenAIRequest{
		Model:       p.config.Model,
		Messages:    openaiMessages,
		Temperature: p.config.Temperature,
	}
	if p.config.MaxTokens > 0 {
		maxTokens := p.config.MaxTokens
		request.MaxTokens = &maxTokens
	}

	if opts.DisableTools {
		request.ToolChoice = "none"
	} else if len(tools) > 0 {
		request.Tools = convertToOpenAITools(tools)
		request.ToolChoice = "auto"
	}

	return request
}

func convertToOpenAIMessage(msg protocol.Message) OpenAIMessage {
	if msg.Role == protocol.RoleTool {
		return OpenAIMessage{
			Role:       "tool",
			Content:    msg.Text(),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
	}

	out := OpenAIMessage{Role: string(msg.Role)}

	var parts []OpenAIContentPart
	for _, part := range msg.Parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			parts = append(parts, OpenAIContentPart{Type: "text", Text: part.Text})
		case protocol.ContentPartTypeImage:
			if part.Data != "" {
				parts = append(parts, OpenAIContentPart{
					Type: "image_url",
					ImageURL: &OpenAIImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Data),
					},
				})
			}
		}
	}

	switch {
	case len(parts) > 0:
		out.Content = parts
	default:
		out.Content = msg.Content
	}

	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, OpenAIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: OpenAIFunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return out
}

func convertToOpenAITools(tools []ToolDefinition) []OpenAITool {
	result := make([]OpenAITool, len(tools))
	for i, tool := range tools {
		result[i] = OpenAITool{
			Type:     "function",
			Function: OpenAIToolFunction(tool),
		}
	}
	return result
}

// requestURL renders the completions endpoint. Azure deployments embed
// the deployment name in the base URL and version via query parameter.
func (p *OpenAIProvider) requestURL() string {
	base := strings.TrimSuffix(p.config.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}

	endpoint := base + "/chat/completions"
	if p.azure {
		version := p.config.APIVersion
		if version == "" {
			version = "2024-02-15-preview"
		}
		endpoint += "?api-version=" + url.QueryEscape(version)
	}
	return endpoint
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request OpenAIRequest) (*OpenAIResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL(), bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		if p.azure {
			req.Header.Set("api-key", p.config.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
		}
	}

	resp, err := p.httpClient.Do(req)
	// The retrying client can return both a response and an error for
	// non-2xx statuses; prefer the API error body when present.
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if apiErr := parseOpenAIErrorBody(body); apiErr != nil {
				return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, apiErr.Message)
			}
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response OpenAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func parseOpenAIErrorBody(body []byte) *OpenAIError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error OpenAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
