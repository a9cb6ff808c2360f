package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/protocol"
)

func openAITestConfig(url string) *config.LLMConfig {
	cfg := &config.LLMConfig{
		Provider: "openai",
		Model:    "gpt-4o",
		APIKey:   "test-key",
		BaseURL:  url,
	}
	cfg.SetDefaults()
	cfg.MaxRetries = 0
	return cfg
}

func TestOpenAIProvider_Generate(t *testing.T) {
	var gotReq OpenAIRequest
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := OpenAIResponse{
			Choices: []OpenAIChoice{{
				Message: OpenAIChoiceMessage{
					Role:    "assistant",
					Content: "hello there",
				},
				FinishReason: "stop",
			}},
			Usage: OpenAIUsage{PromptTokens: 10, CompletionTokens: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), false)
	require.NoError(t, err)

	messages := []protocol.Message{
		{Role: protocol.RoleSystem, Content: "be brief"},
		{Role: protocol.RoleUser, Content: "hi"},
	}
	tools := []ToolDefinition{{
		Name:        "lookup",
		Description: "look something up",
		Parameters:  map[string]interface{}{"type": "object"},
	}}

	result, err := provider.Generate(context.Background(), messages, tools, GenerateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Text)
	assert.Equal(t, 10, result.InputTokens)
	assert.Equal(t, 5, result.OutputTokens)
	assert.Empty(t, result.ToolCalls)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	require.Len(t, gotReq.Tools, 1)
	assert.Equal(t, "lookup", gotReq.Tools[0].Function.Name)
	assert.Equal(t, "auto", gotReq.ToolChoice)
}

func TestOpenAIProvider_GenerateToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := OpenAIResponse{
			Choices: []OpenAIChoice{{
				Message: OpenAIChoiceMessage{
					Role: "assistant",
					ToolCalls: []OpenAIToolCall{{
						ID:   "call_1",
						Type: "function",
						Function: OpenAIFunctionCall{
							Name:      "lookup",
							Arguments: `{"q":"weather"}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), false)
	require.NoError(t, err)

	result, err := provider.Generate(context.Background(),
		[]protocol.Message{{Role: protocol.RoleUser, Content: "weather?"}}, nil, GenerateOptions{})
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "call_1", result.ToolCalls[0].ID)
	assert.Equal(t, "lookup", result.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"weather"}`, result.ToolCalls[0].Function.Arguments)
}

func TestOpenAIProvider_DisableToolsOmitsToolList(t *testing.T) {
	var gotReq OpenAIRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(OpenAIResponse{
			Choices: []OpenAIChoice{{Message: OpenAIChoiceMessage{Content: "ok"}}},
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), false)
	require.NoError(t, err)

	tools := []ToolDefinition{{Name: "lookup"}}
	_, err = provider.Generate(context.Background(),
		[]protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, tools,
		GenerateOptions{DisableTools: true})
	require.NoError(t, err)

	assert.Empty(t, gotReq.Tools)
	assert.Equal(t, "none", gotReq.ToolChoice)
}

func TestOpenAIProvider_ToolResultMessageShape(t *testing.T) {
	var gotReq OpenAIRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(OpenAIResponse{
			Choices: []OpenAIChoice{{Message: OpenAIChoiceMessage{Content: "done"}}},
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), false)
	require.NoError(t, err)

	messages := []protocol.Message{
		{Role: protocol.RoleUser, Content: "weather?"},
		{
			Role: protocol.RoleAssistant,
			ToolCalls: []protocol.ToolCall{{
				ID:       "call_1",
				Function: protocol.FunctionCall{Name: "lookup", Arguments: `{"q":"weather"}`},
			}},
		},
		protocol.NewToolResultMessage("call_1", "lookup", "sunny"),
	}

	_, err = provider.Generate(context.Background(), messages, nil, GenerateOptions{})
	require.NoError(t, err)

	require.Len(t, gotReq.Messages, 3)
	assistant := gotReq.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)

	toolMsg := gotReq.Messages[2]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "sunny", toolMsg.Content)
}

func TestOpenAIProvider_AzureAuthAndVersion(t *testing.T) {
	var gotAPIKey, gotVersion, gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("api-key")
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.URL.Query().Get("api-version")
		json.NewEncoder(w).Encode(OpenAIResponse{
			Choices: []OpenAIChoice{{Message: OpenAIChoiceMessage{Content: "ok"}}},
		})
	}))
	defer server.Close()

	cfg := openAITestConfig(server.URL)
	cfg.Provider = "azure"
	cfg.APIVersion = "2024-06-01"

	provider, err := NewOpenAIProvider(cfg, true)
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(),
		[]protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, nil, GenerateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotAPIKey)
	assert.Empty(t, gotAuth)
	assert.Equal(t, "2024-06-01", gotVersion)
}

func TestOpenAIProvider_APIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), false)
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(),
		[]protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, nil, GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}
