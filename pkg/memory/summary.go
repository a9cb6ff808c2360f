package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/matrixagent/matrix/pkg/protocol"
)

// Interaction is the ordered, compacted record of one turn used as
// pipeline input.
type Interaction struct {
	UserText string   `json:"userText"`
	Lines    []string `json:"lines"`
}

// CollectInteraction compacts a turn's messages into summary lines:
// the user text, one line per tool call, one line per tool result,
// and the assistant text.
func CollectInteraction(userText string, turnMessages []protocol.Message) Interaction {
	lines := []string{}
	if strings.TrimSpace(userText) != "" {
		lines = append(lines, "User: "+strings.TrimSpace(userText))
	}

	for _, msg := range turnMessages {
		switch msg.Role {
		case protocol.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				lines = append(lines, summarizeToolCall(tc))
			}
			if text := strings.TrimSpace(msg.Text()); text != "" {
				lines = append(lines, "Assistant: "+text)
			}
		case protocol.RoleTool:
			lines = append(lines, summarizeToolResult(msg))
		}
	}

	return Interaction{UserText: userText, Lines: lines}
}

// summarizeToolCall renders "name with key=value" one-liners.
func summarizeToolCall(tc protocol.ToolCall) string {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || len(args) == 0 {
		return fmt.Sprintf("Tool call: %s", tc.Function.Name)
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, truncateValue(args[k])))
	}
	return fmt.Sprintf("Tool call: %s with %s", tc.Function.Name, strings.Join(parts, ", "))
}

// summarizeToolResult renders a compact line for a tool result: line
// counts for file-like payloads, item counts for list-like payloads,
// otherwise a truncated snippet.
func summarizeToolResult(msg protocol.Message) string {
	payload := strings.TrimSpace(msg.Text())
	name := msg.Name
	if name == "" {
		name = "tool"
	}

	if payload == "" {
		return fmt.Sprintf("Tool result: %s returned nothing", name)
	}

	var items []interface{}
	if err := json.Unmarshal([]byte(payload), &items); err == nil {
		return fmt.Sprintf("Tool result: %s returned %d items", name, len(items))
	}

	if lineCount := strings.Count(payload, "\n") + 1; lineCount > 3 {
		return fmt.Sprintf("Tool result: %s returned %d lines", name, lineCount)
	}

	snippet := payload
	if len(snippet) > 120 {
		snippet = snippet[:120] + "..."
	}
	return fmt.Sprintf("Tool result: %s returned %q", name, snippet)
}

func truncateValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}
