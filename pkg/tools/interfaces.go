// Package tools provides the unified tool surface: internal tools,
// remote MCP tools, and the manager that routes execution between them.
package tools

import (
	"context"
	"time"
)

// ToolInfo describes a tool to agents and providers. Schema is a JSON
// Schema object for the tool's arguments.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"inputSchema,omitempty"`
	ServerURL   string                 `json:"server_url,omitempty"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success       bool                   `json:"success"`
	Content       string                 `json:"content,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ToolName      string                 `json:"tool_name"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Tool is a single executable tool.
type Tool interface {
	GetInfo() ToolInfo
	GetName() string
	GetDescription() string
	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

// SessionAwareTool receives the calling session's id alongside the
// arguments. The manager prefers this entry point when available.
type SessionAwareTool interface {
	Tool
	ExecuteForSession(ctx context.Context, sessionID string, args map[string]interface{}) (ToolResult, error)
}

// ToolSource is a collection of tools sharing a discovery mechanism.
type ToolSource interface {
	GetName() string
	GetType() string
	DiscoverTools(ctx context.Context) error
	ListTools() []ToolInfo
	GetTool(name string) (Tool, bool)
}
