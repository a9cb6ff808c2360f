package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/tools"
)

// AskMatrixToolName is the umbrella tool that lets one agent pose a
// full question to the runtime, including its memory and tools.
const AskMatrixToolName = "ask_matrix"

// AskMatrixEnabled reports whether the umbrella tool should be
// registered.
func AskMatrixEnabled() bool {
	return config.EnvBool("USE_ASK_MATRIX")
}

// AskMatrixTool runs a complete turn on a caller-named session and
// returns the final response text. The turn's background memory work
// is awaited so callers observe a consistent store.
type AskMatrixTool struct {
	manager *Manager
}

var _ tools.SessionAwareTool = (*AskMatrixTool)(nil)

func NewAskMatrixTool(manager *Manager) *AskMatrixTool {
	return &AskMatrixTool{manager: manager}
}

func (t *AskMatrixTool) GetName() string { return AskMatrixToolName }

func (t *AskMatrixTool) GetDescription() string {
	return "Ask the Matrix agent a question with full memory and tool access"
}

func (t *AskMatrixTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        AskMatrixToolName,
		Description: t.GetDescription(),
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question": map[string]interface{}{
					"type":        "string",
					"description": "the question to answer",
				},
				"session": map[string]interface{}{
					"type":        "string",
					"description": "session id to run under; defaults to a shared ask session",
				},
			},
			"required": []string{"question"},
		},
	}
}

func (t *AskMatrixTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	return t.ExecuteForSession(ctx, "", args)
}

func (t *AskMatrixTool) ExecuteForSession(ctx context.Context, sessionID string, args map[string]interface{}) (tools.ToolResult, error) {
	question, _ := args["question"].(string)
	if strings.TrimSpace(question) == "" {
		return tools.ToolResult{}, fmt.Errorf("question is required")
	}

	target, _ := args["session"].(string)
	if target == "" {
		target = "ask-matrix"
	}
	// Never run the umbrella turn on the calling session: that would
	// deadlock on its single-flight lock.
	if target == sessionID {
		target = sessionID + ":ask"
	}

	result, err := t.manager.Run(ctx, target, question, nil, nil)
	if err != nil {
		return tools.ToolResult{}, fmt.Errorf("ask_matrix run failed: %w", err)
	}
	_ = result.Background.Wait()

	return tools.ToolResult{
		Success:  true,
		Content:  result.Response,
		ToolName: AskMatrixToolName,
		Metadata: map[string]interface{}{"session": target},
	}, nil
}
