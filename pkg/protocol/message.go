// Package protocol defines the wire-neutral message and tool-call types
// shared by the context manager, LLM providers, and history store.
package protocol

import (
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ContentPartType discriminates multipart content blocks.
type ContentPartType string

const (
	ContentPartTypeText             ContentPartType = "text"
	ContentPartTypeImage            ContentPartType = "image"
	ContentPartTypeThinking         ContentPartType = "thinking"
	ContentPartTypeRedactedThinking ContentPartType = "redacted_thinking"
)

// ContentPart is a single block of structured message content.
type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
// Arguments are opaque to the runtime; only tool implementations
// interpret them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// Message is one entry of a session transcript. Content is either a
// plain string (Content) or structured blocks (Parts); Parts wins when
// both are set. Insertion order is preserved; messages are never
// re-ordered after append.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// Text returns the textual content of the message, concatenating text
// parts when the message is multipart.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}

	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == ContentPartTypeText && part.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// HasToolCalls reports whether the message requests tool invocations.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ImageData is an inline image attachment for a user turn.
type ImageData struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

// Validate reports whether the attachment carries both required fields.
func (d *ImageData) Validate() bool {
	return d != nil && d.Image != "" && d.MimeType != ""
}

// NewUserMessage builds a plain-text user message, attaching image data
// as a structured part when present.
func NewUserMessage(text string, image *ImageData) Message {
	if image == nil {
		return Message{Role: RoleUser, Content: text}
	}
	return Message{
		Role: RoleUser,
		Parts: []ContentPart{
			{Type: ContentPartTypeText, Text: text},
			{Type: ContentPartTypeImage, MediaType: image.MimeType, Data: image.Image},
		},
	}
}

// NewToolResultMessage builds the tool-role message that satisfies the
// given tool call.
func NewToolResultMessage(callID, name, payload string) Message {
	return Message{
		Role:       RoleTool,
		Content:    payload,
		ToolCallID: callID,
		Name:       name,
	}
}
