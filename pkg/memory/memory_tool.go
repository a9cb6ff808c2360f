package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrixagent/matrix/pkg/tools"
)

// MemoryToolName is the agent-facing knowledge tool.
const MemoryToolName = "matrix_memory"

// MemoryTool exposes the knowledge store to the agent: search over
// stored entries and explicit fact storage through the full pipeline.
type MemoryTool struct {
	engine *KnowledgeEngine
}

var _ tools.SessionAwareTool = (*MemoryTool)(nil)

func NewMemoryTool(engine *KnowledgeEngine) *MemoryTool {
	return &MemoryTool{engine: engine}
}

func (t *MemoryTool) GetName() string { return MemoryToolName }

func (t *MemoryTool) GetDescription() string {
	return "Search long-term memory or store a fact for future conversations"
}

func (t *MemoryTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        MemoryToolName,
		Description: t.GetDescription(),
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"search", "store"},
					"description": "search existing memories or store a new fact",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "search query (action=search)",
				},
				"fact": map[string]interface{}{
					"type":        "string",
					"description": "fact to remember (action=store)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "maximum search results",
				},
			},
			"required": []string{"action"},
		},
	}
}

func (t *MemoryTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	return t.ExecuteForSession(ctx, "", args)
}

func (t *MemoryTool) ExecuteForSession(ctx context.Context, sessionID string, args map[string]interface{}) (tools.ToolResult, error) {
	action, _ := args["action"].(string)

	switch strings.ToLower(action) {
	case "search":
		return t.search(ctx, args)
	case "store":
		return t.store(ctx, sessionID, args)
	default:
		return tools.ToolResult{}, fmt.Errorf("unknown action %q, want search or store", action)
	}
}

func (t *MemoryTool) search(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.ToolResult{}, fmt.Errorf("query is required for search")
	}

	limit := 0
	if n, ok := args["limit"].(float64); ok {
		limit = int(n)
	}

	hits, err := t.engine.SearchMemories(ctx, query, limit)
	if err != nil {
		return tools.ToolResult{}, err
	}

	if len(hits) == 0 {
		return tools.ToolResult{
			Success:  true,
			Content:  "No matching memories found.",
			ToolName: MemoryToolName,
		}, nil
	}

	type entry struct {
		Content string  `json:"content"`
		Score   float32 `json:"score"`
	}
	entries := make([]entry, 0, len(hits))
	for _, hit := range hits {
		entries = append(entries, entry{Content: hit.Content, Score: hit.Score})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return tools.ToolResult{}, fmt.Errorf("failed to encode results: %w", err)
	}

	return tools.ToolResult{
		Success:  true,
		Content:  string(payload),
		ToolName: MemoryToolName,
		Metadata: map[string]interface{}{"hits": len(hits)},
	}, nil
}

func (t *MemoryTool) store(ctx context.Context, sessionID string, args map[string]interface{}) (tools.ToolResult, error) {
	fact, _ := args["fact"].(string)
	if strings.TrimSpace(fact) == "" {
		return tools.ToolResult{}, fmt.Errorf("fact is required for store")
	}

	action, err := t.engine.StoreFact(ctx, sessionID, fact)
	if err != nil {
		return tools.ToolResult{}, err
	}

	return tools.ToolResult{
		Success:  true,
		Content:  fmt.Sprintf("Memory operation: %s (confidence %.2f)", action.Event, action.Confidence),
		ToolName: MemoryToolName,
		Metadata: map[string]interface{}{
			"event":         string(action.Event),
			"qualitySource": string(action.QualitySource),
		},
	}, nil
}
