package llmcontext

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/matrixagent/matrix/pkg/history"
	"github.com/matrixagent/matrix/pkg/protocol"
)

// defaultContextTokens bounds the formatted transcript when no budget
// is configured.
const defaultContextTokens = 32000

// Config configures a context manager.
type Config struct {
	SessionID        string
	Provider         string // llm provider name, selects the formatter
	Model            string // used for token counting
	SystemPrompt     string
	MaxContextTokens int
}

// Manager holds the ordered transcript for one session. Appends persist
// to the history provider before returning; a nil provider makes the
// transcript ephemeral. System prompt merging and provider shaping
// happen at format time, never in the stored transcript.
type Manager struct {
	cfg       Config
	formatter Formatter
	counter   *TokenCounter

	mu       sync.RWMutex
	messages []protocol.Message
	provider history.Provider
}

// NewManager builds a manager with the formatter for cfg.Provider.
// Fails with llms.ErrUnsupportedProvider for unknown provider names.
func NewManager(cfg Config, provider history.Provider) (*Manager, error) {
	formatter, err := NewFormatter(cfg.Provider)
	if err != nil {
		return nil, err
	}

	counter, err := NewTokenCounter(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to build token counter: %w", err)
	}

	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = defaultContextTokens
	}

	return &Manager{
		cfg:       cfg,
		formatter: formatter,
		counter:   counter,
		provider:  provider,
	}, nil
}

// Family returns the provider family of the active formatter.
func (m *Manager) Family() string {
	return m.formatter.Family()
}

// SetHistoryProvider re-binds the history provider. Used when storage
// comes up lazily after the manager was created.
func (m *Manager) SetHistoryProvider(provider history.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = provider
}

// SetSystemPrompt replaces the prompt merged at format time.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.SystemPrompt = prompt
}

// AddUserMessage appends a user turn, with an optional inline image.
func (m *Manager) AddUserMessage(ctx context.Context, text string, image *protocol.ImageData) error {
	if image != nil && !image.Validate() {
		image = nil
	}
	return m.append(ctx, protocol.NewUserMessage(text, image))
}

// AddAssistantMessage appends an assistant turn, with any tool calls it
// requested.
func (m *Manager) AddAssistantMessage(ctx context.Context, text string, toolCalls []protocol.ToolCall) error {
	return m.append(ctx, protocol.Message{
		Role:      protocol.RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
	})
}

// AddToolResult appends the tool-role message satisfying a tool call.
func (m *Manager) AddToolResult(ctx context.Context, callID, name, payload string) error {
	return m.append(ctx, protocol.NewToolResultMessage(callID, name, payload))
}

// append persists the message, then adds it to the transcript. A
// history write failure is logged and the append proceeds; losing
// durability must not lose the live conversation.
func (m *Manager) append(ctx context.Context, msg protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider != nil {
		if err := m.provider.SaveMessage(ctx, m.cfg.SessionID, msg); err != nil {
			slog.Warn("Failed to persist message, keeping in-memory copy",
				"session_id", m.cfg.SessionID, "role", msg.Role, "error", err)
		}
	}

	m.messages = append(m.messages, msg)
	return nil
}

// GetRawMessages returns a copy of the transcript as stored.
func (m *Manager) GetRawMessages() []protocol.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessageCount returns the transcript length.
func (m *Manager) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// GetFormattedMessages returns the provider-ready transcript: history
// truncated to the token budget, system prompt merged per the
// formatter. The second return is the out-of-band system prompt for
// families that do not inline it.
func (m *Manager) GetFormattedMessages() ([]protocol.Message, string) {
	m.mu.RLock()
	messages := make([]protocol.Message, len(m.messages))
	copy(messages, m.messages)
	systemPrompt := m.cfg.SystemPrompt
	budget := m.cfg.MaxContextTokens
	m.mu.RUnlock()

	fitted := m.counter.FitWithinLimit(messages, budget)
	if len(fitted) < len(messages) {
		slog.Debug("Transcript truncated to token budget",
			"session_id", m.cfg.SessionID,
			"dropped", len(messages)-len(fitted),
			"budget", budget)
	}

	return m.formatter.Format(systemPrompt, fitted)
}

// RestoreHistory replaces the transcript with the provider's stored
// messages.
func (m *Manager) RestoreHistory(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider == nil {
		return history.ErrDisabled
	}

	messages, err := m.provider.GetMessages(ctx, m.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to restore history: %w", err)
	}

	m.messages = messages
	return nil
}

// SetMessages replaces the transcript in bulk without touching the
// history provider.
func (m *Manager) SetMessages(messages []protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = make([]protocol.Message, len(messages))
	copy(m.messages, messages)
}

// AppendLocal adds a message to the transcript without persisting it.
// Restoration paths use it to replay already-durable messages.
func (m *Manager) AppendLocal(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// ClearMessages empties the in-memory transcript. Stored history is
// untouched.
func (m *Manager) ClearMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// ClearHistory clears the provider-side transcript for this session.
func (m *Manager) ClearHistory(ctx context.Context) error {
	m.mu.RLock()
	provider := m.provider
	m.mu.RUnlock()

	if provider == nil {
		return nil
	}
	return provider.ClearHistory(ctx, m.cfg.SessionID)
}

// HistoryProvider returns the bound provider, nil when ephemeral.
func (m *Manager) HistoryProvider() history.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.provider
}
