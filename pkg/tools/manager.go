package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/llms"
)

var (
	// ErrToolNotFound is returned when no source owns the name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout is returned when execution exceeds the deadline.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// ConflictStrategy resolves tool name collisions between sources.
type ConflictStrategy string

const (
	// ConflictPrefixInternal moves the internal tool to an
	// "internal_" prefixed name; the remote tool keeps the bare name.
	ConflictPrefixInternal ConflictStrategy = "prefix-internal"

	// ConflictPreferMCP lets the remote tool shadow the internal one.
	ConflictPreferMCP ConflictStrategy = "prefer-mcp"

	// ConflictFirstWins keeps whichever registered first.
	ConflictFirstWins ConflictStrategy = "first-wins"

	// ConflictError fails tool population on any collision.
	ConflictError ConflictStrategy = "error"
)

const defaultToolTimeout = 60 * time.Second

// ManagerConfig tunes the unified manager.
type ManagerConfig struct {
	DefaultTimeout   time.Duration
	ConflictStrategy ConflictStrategy
	ServerMode       string // default or aggregator
}

// ManagerConfigFromEnv reads AGGREGATOR_TIMEOUT (seconds),
// AGGREGATOR_CONFLICT_RESOLUTION, and MCP_SERVER_MODE.
func ManagerConfigFromEnv() ManagerConfig {
	cfg := ManagerConfig{
		DefaultTimeout:   defaultToolTimeout,
		ConflictStrategy: ConflictPrefixInternal,
		ServerMode:       "default",
	}

	if secs := config.EnvInt("AGGREGATOR_TIMEOUT", 0); secs > 0 {
		cfg.DefaultTimeout = time.Duration(secs) * time.Second
	}

	switch ConflictStrategy(os.Getenv("AGGREGATOR_CONFLICT_RESOLUTION")) {
	case ConflictPreferMCP:
		cfg.ConflictStrategy = ConflictPreferMCP
	case ConflictFirstWins:
		cfg.ConflictStrategy = ConflictFirstWins
	case ConflictError:
		cfg.ConflictStrategy = ConflictError
	case ConflictPrefixInternal:
		cfg.ConflictStrategy = ConflictPrefixInternal
	}

	if mode := os.Getenv("MCP_SERVER_MODE"); mode == "aggregator" {
		cfg.ServerMode = "aggregator"
	}

	return cfg
}

// toolEntry is one resolved name in the unified table.
type toolEntry struct {
	tool       Tool
	sourceType string
	hidden     bool
}

// Manager unifies internal and remote tools behind one execute path.
// Remote discovery is lazy: the table is populated on first use and
// refreshed only on explicit Reload.
type Manager struct {
	cfg      ManagerConfig
	internal *LocalSource

	mu      sync.Mutex
	remote  []*MCPToolSource
	entries map[string]toolEntry
	order   []string
	loaded  bool
}

// NewManager builds a manager over the given local source. A nil
// internal source gets an empty one.
func NewManager(cfg ManagerConfig, internal *LocalSource) *Manager {
	if internal == nil {
		internal = NewLocalSource("internal")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultToolTimeout
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = ConflictPrefixInternal
	}
	return &Manager{
		cfg:      cfg,
		internal: internal,
	}
}

// Internal returns the local source for registering in-process tools.
func (m *Manager) Internal() *LocalSource { return m.internal }

// AddMCPSource attaches a remote source. Discovery happens on the next
// population.
func (m *Manager) AddMCPSource(source *MCPToolSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = append(m.remote, source)
	m.loaded = false
}

// Reload forces rediscovery on next use.
func (m *Manager) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
}

// populateLocked builds the unified table. Remote discovery failures
// are logged and skipped so one dead server does not take down the
// tool surface; collisions resolve per the configured strategy.
func (m *Manager) populateLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	entries := make(map[string]toolEntry)
	var order []string

	add := func(name string, e toolEntry) {
		if _, exists := entries[name]; !exists {
			order = append(order, name)
		}
		entries[name] = e
	}

	for _, name := range m.internal.names() {
		tool, _ := m.internal.GetTool(name)
		add(name, toolEntry{
			tool:       tool,
			sourceType: "internal",
			hidden:     m.internal.isHidden(name),
		})
	}

	for _, source := range m.remote {
		if err := source.DiscoverTools(ctx); err != nil {
			slog.Warn("MCP discovery failed, skipping source",
				"source", source.GetName(), "error", err)
			continue
		}

		for _, info := range source.ListTools() {
			tool, ok := source.GetTool(info.Name)
			if !ok {
				continue
			}
			remote := toolEntry{tool: tool, sourceType: "mcp"}

			existing, collision := entries[info.Name]
			if !collision {
				add(info.Name, remote)
				continue
			}

			switch m.cfg.ConflictStrategy {
			case ConflictError:
				return fmt.Errorf("tool name collision: %q provided by %s and %s",
					info.Name, existing.sourceType, source.GetName())
			case ConflictFirstWins:
				// keep existing
			case ConflictPreferMCP:
				add(info.Name, remote)
			default: // prefix-internal
				if existing.sourceType == "internal" {
					add("internal_"+info.Name, existing)
				}
				add(info.Name, remote)
			}
		}
	}

	m.entries = entries
	m.order = order
	m.loaded = true
	return nil
}

// GetAllTools returns agent-accessible tools. Hidden internal tools
// are omitted.
func (m *Manager) GetAllTools(ctx context.Context) ([]ToolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.populateLocked(ctx); err != nil {
		return nil, err
	}

	var infos []ToolInfo
	for _, name := range m.order {
		e := m.entries[name]
		if e.hidden {
			continue
		}
		info := e.tool.GetInfo()
		info.Name = name
		infos = append(infos, info)
	}
	return infos, nil
}

// GetToolsForProvider shapes the agent-visible tool list for a
// provider. OpenRouter and Qwen enforce strict function-name charsets,
// so names are sanitized for them.
func (m *Manager) GetToolsForProvider(ctx context.Context, provider string) ([]llms.ToolDefinition, error) {
	infos, err := m.GetAllTools(ctx)
	if err != nil {
		return nil, err
	}

	strictNames := provider == "openrouter" || provider == "qwen"

	defs := make([]llms.ToolDefinition, 0, len(infos))
	for _, info := range infos {
		name := info.Name
		if strictNames {
			name = sanitizeToolName(name)
		}

		params := info.Schema
		if params == nil {
			params = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}

		defs = append(defs, llms.ToolDefinition{
			Name:        name,
			Description: info.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

// ExecuteTool routes a call to the owning source under the default
// timeout. The session id reaches tools that are session-aware.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, sessionID string) (ToolResult, error) {
	m.mu.Lock()
	err := m.populateLocked(ctx)
	entry, ok := m.entries[name]
	m.mu.Unlock()

	if err != nil {
		return ToolResult{ToolName: name, Error: err.Error()}, err
	}
	if !ok {
		return ToolResult{ToolName: name, Error: "tool not found"},
			fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	return m.run(ctx, entry.tool, name, args, sessionID)
}

// ExecuteToolWithoutLoading executes against the already-populated
// table, falling back to the internal source when population has not
// happened yet. Background jobs use it to avoid paying remote
// discovery on every turn.
func (m *Manager) ExecuteToolWithoutLoading(ctx context.Context, name string, args map[string]interface{}, sessionID string) (ToolResult, error) {
	m.mu.Lock()
	entry, ok := m.entries[name]
	m.mu.Unlock()

	if !ok {
		tool, found := m.internal.GetTool(name)
		if !found {
			return ToolResult{ToolName: name, Error: "tool not found"},
				fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		entry = toolEntry{tool: tool, sourceType: "internal"}
	}

	return m.run(ctx, entry.tool, name, args, sessionID)
}

// HasTool reports whether the name resolves without forcing remote
// discovery.
func (m *Manager) HasTool(name string) bool {
	m.mu.Lock()
	_, ok := m.entries[name]
	m.mu.Unlock()
	if ok {
		return true
	}
	return m.internal.Has(name)
}

// run executes a tool with the timeout applied, even against tools
// that ignore their context.
func (m *Manager) run(ctx context.Context, tool Tool, name string, args map[string]interface{}, sessionID string) (ToolResult, error) {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, m.cfg.DefaultTimeout)
	defer cancel()

	type outcome struct {
		result ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		var res ToolResult
		var err error
		if sa, ok := tool.(SessionAwareTool); ok && sessionID != "" {
			res, err = sa.ExecuteForSession(execCtx, sessionID, args)
		} else {
			res, err = tool.Execute(execCtx, args)
		}
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.result.ToolName == "" {
			out.result.ToolName = name
		}
		if out.result.ExecutionTime == 0 {
			out.result.ExecutionTime = time.Since(start)
		}
		return out.result, out.err
	case <-execCtx.Done():
		err := fmt.Errorf("%w: %s after %v", ErrToolTimeout, name, m.cfg.DefaultTimeout)
		return ToolResult{
			Success:       false,
			Error:         err.Error(),
			ToolName:      name,
			ExecutionTime: time.Since(start),
		}, err
	}
}

func sanitizeToolName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	out := sb.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
