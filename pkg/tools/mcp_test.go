package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/config"
)

func TestNewMCPToolSource_RequiresEndpoint(t *testing.T) {
	_, err := NewMCPToolSource(config.MCPServerConfig{Name: "bad"})
	require.Error(t, err)
}

func TestMCPToolSource_DiscoverAndExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{}})
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "search",
						"description": "searches things",
						"inputSchema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"query": map[string]any{"type": "string"},
							},
						},
					},
				},
			}})
		case "tools/call":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "three results"}},
			}})
		}
	}))
	defer server.Close()

	source, err := NewMCPToolSource(config.MCPServerConfig{Name: "search-server", URL: server.URL})
	require.NoError(t, err)
	require.NoError(t, source.DiscoverTools(context.Background()))

	infos := source.ListTools()
	require.Len(t, infos, 1)
	assert.Equal(t, "search", infos[0].Name)
	assert.Equal(t, "object", infos[0].Schema["type"])

	tool, ok := source.GetTool("search")
	require.True(t, ok)

	result, err := tool.Execute(context.Background(), map[string]interface{}{"query": "x"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "three results", result.Content)
}

func TestMCPToolSource_SessionIDRoundTrip(t *testing.T) {
	var seenSessionIDs []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSessionIDs = append(seenSessionIDs, r.Header.Get("mcp-session-id"))
		w.Header().Set("mcp-session-id", "sess-abc")

		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{
				"tools": []any{},
			}})
		default:
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{}})
		}
	}))
	defer server.Close()

	source, err := NewMCPToolSource(config.MCPServerConfig{Name: "s", URL: server.URL})
	require.NoError(t, err)
	require.NoError(t, source.DiscoverTools(context.Background()))

	// initialize had no session id; tools/list must carry the one
	// returned by the server.
	require.Len(t, seenSessionIDs, 2)
	assert.Empty(t, seenSessionIDs[0])
	assert.Equal(t, "sess-abc", seenSessionIDs[1])
}

func TestMCPToolSource_SSEResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		var result map[string]any
		switch req.Method {
		case "tools/list":
			result = map[string]any{"tools": []any{
				map[string]any{"name": "sse_tool", "description": "served over sse"},
			}}
		default:
			result = map[string]any{}
		}
		payload, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: result})
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}))
	defer server.Close()

	source, err := NewMCPToolSource(config.MCPServerConfig{Name: "sse", URL: server.URL, Transport: "sse"})
	require.NoError(t, err)
	require.NoError(t, source.DiscoverTools(context.Background()))

	infos := source.ListTools()
	require.Len(t, infos, 1)
	assert.Equal(t, "sse_tool", infos[0].Name)
}

func TestMCPToolSource_ToolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{
				"tools": []any{map[string]any{"name": "flaky"}},
			}})
		case "tools/call":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{
				"isError": true,
				"content": []any{map[string]any{"type": "text", "text": "backend exploded"}},
			}})
		default:
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{}})
		}
	}))
	defer server.Close()

	source, err := NewMCPToolSource(config.MCPServerConfig{Name: "s", URL: server.URL})
	require.NoError(t, err)
	require.NoError(t, source.DiscoverTools(context.Background()))

	tool, ok := source.GetTool("flaky")
	require.True(t, ok)

	result, err := tool.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "backend exploded")
}
