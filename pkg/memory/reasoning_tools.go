package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matrixagent/matrix/pkg/databases"
	"github.com/matrixagent/matrix/pkg/embedders"
	"github.com/matrixagent/matrix/pkg/tools"
)

// ExtractReasoningTool splits a reasoning trace into discrete steps.
// Extraction is purely lexical; quality judgment belongs to the
// evaluation stage.
type ExtractReasoningTool struct{}

var _ tools.Tool = (*ExtractReasoningTool)(nil)

func NewExtractReasoningTool() *ExtractReasoningTool { return &ExtractReasoningTool{} }

func (t *ExtractReasoningTool) GetName() string { return ExtractReasoningToolName }

func (t *ExtractReasoningTool) GetDescription() string {
	return "Split a reasoning trace into discrete steps"
}

func (t *ExtractReasoningTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        ExtractReasoningToolName,
		Description: t.GetDescription(),
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "text containing reasoning to split",
				},
			},
			"required": []string{"text"},
		},
	}
}

func (t *ExtractReasoningTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return tools.ToolResult{}, fmt.Errorf("text is required")
	}

	steps := splitReasoningSteps(text)
	payload, err := json.Marshal(steps)
	if err != nil {
		return tools.ToolResult{}, fmt.Errorf("failed to encode steps: %w", err)
	}

	return tools.ToolResult{
		Success:  true,
		Content:  string(payload),
		ToolName: ExtractReasoningToolName,
		Metadata: map[string]interface{}{"steps": len(steps)},
	}, nil
}

// splitReasoningSteps keeps sentences that carry a reasoning marker or
// appear as numbered items. Empty result means the text had structure
// but no recognizable reasoning.
func splitReasoningSteps(text string) []string {
	var steps []string

	for _, raw := range sentenceSplit.Split(text, -1) {
		sentence := strings.TrimSpace(raw)
		if len(sentence) < 8 {
			continue
		}
		if numberedListPattern.MatchString(sentence) {
			steps = append(steps, strings.TrimSpace(numberedListPattern.ReplaceAllString(sentence, "")))
			continue
		}
		lower := strings.ToLower(sentence)
		for _, marker := range reasoningMarkers {
			if strings.Contains(lower, marker) {
				steps = append(steps, sentence)
				break
			}
		}
	}
	return steps
}

// StoreReasoningTool persists one evaluated reasoning step into the
// reflection collection.
type StoreReasoningTool struct {
	db         databases.DatabaseProvider
	embedder   embedders.EmbedderProvider
	collection string
}

var _ tools.SessionAwareTool = (*StoreReasoningTool)(nil)

func NewStoreReasoningTool(db databases.DatabaseProvider, embedder embedders.EmbedderProvider, collection string) *StoreReasoningTool {
	return &StoreReasoningTool{db: db, embedder: embedder, collection: collection}
}

func (t *StoreReasoningTool) GetName() string { return StoreReasoningToolName }

func (t *StoreReasoningTool) GetDescription() string {
	return "Store an evaluated reasoning step in reflection memory"
}

func (t *StoreReasoningTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        StoreReasoningToolName,
		Description: t.GetDescription(),
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"step": map[string]interface{}{
					"type":        "string",
					"description": "the reasoning step to store",
				},
				"qualityScore": map[string]interface{}{
					"type":        "number",
					"description": "evaluation quality score 0.0-1.0",
				},
			},
			"required": []string{"step"},
		},
	}
}

func (t *StoreReasoningTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	return t.ExecuteForSession(ctx, "", args)
}

func (t *StoreReasoningTool) ExecuteForSession(ctx context.Context, sessionID string, args map[string]interface{}) (tools.ToolResult, error) {
	step, _ := args["step"].(string)
	if strings.TrimSpace(step) == "" {
		return tools.ToolResult{}, fmt.Errorf("step is required")
	}
	if t.db == nil || t.embedder == nil {
		return tools.ToolResult{}, fmt.Errorf("reflection store not configured")
	}
	if embedders.Disabled() {
		return tools.ToolResult{}, fmt.Errorf("embeddings are disabled")
	}

	qualityScore := 0.0
	if v, ok := args["qualityScore"].(float64); ok {
		qualityScore = v
	}

	vector, err := t.embedder.Embed(step)
	if err != nil {
		embedders.Disable(fmt.Sprintf("embedding failed: %v", err))
		return tools.ToolResult{}, fmt.Errorf("failed to embed step: %w", err)
	}

	id := uniqueID(ctx, t.db, t.collection, newReflectionID)
	payload := map[string]interface{}{
		"content":      step,
		"qualityScore": qualityScore,
		"sessionId":    sessionID,
		"createdAt":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := t.db.Upsert(ctx, t.collection, id, vector, payload); err != nil {
		return tools.ToolResult{}, fmt.Errorf("failed to store step: %w", err)
	}

	return tools.ToolResult{
		Success:  true,
		Content:  "Reasoning step stored.",
		ToolName: StoreReasoningToolName,
		Metadata: map[string]interface{}{"id": id},
	}, nil
}
