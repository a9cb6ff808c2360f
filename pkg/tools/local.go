package tools

import (
	"context"
	"fmt"
	"sync"
)

// LocalSource holds in-process tools. Tools registered as hidden are
// executable but never listed to agents.
type LocalSource struct {
	name string

	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	hidden map[string]bool
}

// NewLocalSource creates an empty local source.
func NewLocalSource(name string) *LocalSource {
	if name == "" {
		name = "local"
	}
	return &LocalSource{
		name:   name,
		tools:  make(map[string]Tool),
		hidden: make(map[string]bool),
	}
}

func (s *LocalSource) GetName() string { return s.name }
func (s *LocalSource) GetType() string { return "local" }

// Register adds a tool. Duplicate names error.
func (s *LocalSource) Register(tool Tool) error {
	return s.register(tool, false)
}

// RegisterHidden adds a tool that agents cannot see.
func (s *LocalSource) RegisterHidden(tool Tool) error {
	return s.register(tool, true)
}

func (s *LocalSource) register(tool Tool, hidden bool) error {
	name := tool.GetName()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	s.tools[name] = tool
	s.order = append(s.order, name)
	s.hidden[name] = hidden
	return nil
}

// DiscoverTools is a no-op; local tools are registered explicitly.
func (s *LocalSource) DiscoverTools(ctx context.Context) error { return nil }

// ListTools returns agent-visible tools in registration order.
func (s *LocalSource) ListTools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []ToolInfo
	for _, name := range s.order {
		if s.hidden[name] {
			continue
		}
		infos = append(infos, s.tools[name].GetInfo())
	}
	return infos
}

// GetTool returns a tool by name, including hidden ones.
func (s *LocalSource) GetTool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, ok := s.tools[name]
	return tool, ok
}

func (s *LocalSource) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *LocalSource) isHidden(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hidden[name]
}

// Has reports whether a tool name is registered.
func (s *LocalSource) Has(name string) bool {
	_, ok := s.GetTool(name)
	return ok
}

var _ ToolSource = (*LocalSource)(nil)

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	Info ToolInfo
	Fn   func(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

func (t *FuncTool) GetInfo() ToolInfo      { return t.Info }
func (t *FuncTool) GetName() string        { return t.Info.Name }
func (t *FuncTool) GetDescription() string { return t.Info.Description }

func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	return t.Fn(ctx, args)
}

var _ Tool = (*FuncTool)(nil)
