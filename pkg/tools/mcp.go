package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// defaultSSETimeout bounds reading one SSE response.
	defaultSSETimeout = 5 * time.Minute
)

// MCPToolSource exposes the tools of one MCP server. stdio transport
// uses the mcp-go client; sse and streamable-http go through the
// retrying HTTP client.
type MCPToolSource struct {
	cfg config.MCPServerConfig

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	tools      map[string]Tool
	order      []string
	connected  bool

	sessionMu sync.RWMutex
	sessionID string
}

// NewMCPToolSource builds a source for one server config. The
// connection is established on DiscoverTools, not here.
func NewMCPToolSource(cfg config.MCPServerConfig) (*MCPToolSource, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required for MCP server %q", cfg.Name)
	}
	return &MCPToolSource{
		cfg:   cfg,
		tools: make(map[string]Tool),
	}, nil
}

func (s *MCPToolSource) GetName() string { return s.cfg.Name }
func (s *MCPToolSource) GetType() string { return "mcp" }

// DiscoverTools connects and lists the server's tools.
func (s *MCPToolSource) DiscoverTools(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	if s.cfg.Command != "" || s.cfg.Transport == "stdio" {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

func (s *MCPToolSource) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, convertEnv(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "matrix", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	for _, mcpTool := range listResp.Tools {
		tool := &remoteTool{
			source: s,
			info: ToolInfo{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Schema:      convertSchema(mcpTool.InputSchema),
			},
			useStdio: true,
		}
		s.addTool(tool)
	}

	s.stdio = mcpClient
	s.connected = true

	slog.Info("Connected to MCP server (stdio)",
		"name", s.cfg.Name, "command", s.cfg.Command, "tools", len(s.tools))
	return nil
}

func (s *MCPToolSource) connectHTTP(ctx context.Context) error {
	timeout := 30 * time.Second
	if s.cfg.Timeout > 0 {
		timeout = time.Duration(s.cfg.Timeout) * time.Second
	}
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.makeHTTPRequest(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "matrix", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := s.makeHTTPRequest(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	for _, toolRaw := range toolsList {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		var schema map[string]any
		if inputSchema, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = inputSchema
		}

		s.addTool(&remoteTool{
			source: s,
			info: ToolInfo{
				Name:        name,
				Description: desc,
				Schema:      schema,
				ServerURL:   s.cfg.URL,
			},
		})
	}

	s.connected = true

	slog.Info("Connected to MCP server (HTTP)",
		"name", s.cfg.Name, "url", s.cfg.URL, "transport", s.cfg.Transport, "tools", len(s.tools))
	return nil
}

func (s *MCPToolSource) addTool(tool Tool) {
	name := tool.GetName()
	if _, exists := s.tools[name]; !exists {
		s.order = append(s.order, name)
	}
	s.tools[name] = tool
}

// ListTools returns the discovered tools.
func (s *MCPToolSource) ListTools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		infos = append(infos, s.tools[name].GetInfo())
	}
	return infos
}

// GetTool returns a discovered tool by name.
func (s *MCPToolSource) GetTool(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.tools[name]
	return tool, ok
}

// Close shuts down the transport.
func (s *MCPToolSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	s.tools = make(map[string]Tool)
	s.order = nil

	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		return err
	}
	s.httpClient = nil
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// makeHTTPRequest sends one JSON-RPC request. The mcp-session-id header
// round-trips for streamable-http servers.
func (s *MCPToolSource) makeHTTPRequest(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an
// SSE body.
func (s *MCPToolSource) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
				return &resp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			lineStr := strings.TrimSpace(string(line))

			if lineStr == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(defaultSSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", defaultSSETimeout)
	}
}

// remoteTool is a discovered remote tool.
type remoteTool struct {
	source   *MCPToolSource
	info     ToolInfo
	useStdio bool
}

func (t *remoteTool) GetInfo() ToolInfo      { return t.info }
func (t *remoteTool) GetName() string        { return t.info.Name }
func (t *remoteTool) GetDescription() string { return t.info.Description }

func (t *remoteTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	var content string
	var err error
	if t.useStdio {
		content, err = t.callStdio(ctx, args)
	} else {
		content, err = t.callHTTP(ctx, args)
	}

	meta := map[string]interface{}{
		"source":    t.source.cfg.Name,
		"tool_type": "remote",
	}

	if err != nil {
		return ToolResult{
			Success:       false,
			Error:         err.Error(),
			ToolName:      t.info.Name,
			ExecutionTime: time.Since(start),
			Metadata:      meta,
		}, err
	}

	return ToolResult{
		Success:       true,
		Content:       strings.TrimSpace(content),
		ToolName:      t.info.Name,
		ExecutionTime: time.Since(start),
		Metadata:      meta,
	}, nil
}

func (t *remoteTool) callStdio(ctx context.Context, args map[string]interface{}) (string, error) {
	t.source.mu.Lock()
	mcpClient := t.source.stdio
	t.source.mu.Unlock()

	if mcpClient == nil {
		return "", fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.info.Name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, block := range resp.Content {
		if textContent, ok := block.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("MCP tool error: %s", joined)
	}
	return joined, nil
}

func (t *remoteTool) callHTTP(ctx context.Context, args map[string]interface{}) (string, error) {
	resp, err := t.source.makeHTTPRequest(ctx, "tools/call", map[string]any{
		"name":      t.info.Name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("MCP error: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		raw, _ := json.Marshal(resp.Result)
		return string(raw), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	joined := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("MCP tool error: %s", joined)
	}
	return joined, nil
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

var (
	_ ToolSource = (*MCPToolSource)(nil)
	_ Tool       = (*remoteTool)(nil)
)
