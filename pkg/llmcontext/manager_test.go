package llmcontext

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/history"
	"github.com/matrixagent/matrix/pkg/llms"
	"github.com/matrixagent/matrix/pkg/protocol"
)

// fakeHistory records saves and serves canned reads.
type fakeHistory struct {
	saved    []protocol.Message
	stored   []protocol.Message
	saveErr  error
	readErr  error
	clearers int
}

func (f *fakeHistory) SaveMessage(ctx context.Context, sessionID string, msg protocol.Message) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakeHistory) GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.stored, nil
}

func (f *fakeHistory) ClearHistory(ctx context.Context, sessionID string) error {
	f.clearers++
	f.stored = nil
	return nil
}

func (f *fakeHistory) Close() error { return nil }

func newTestManager(t *testing.T, provider string, h *fakeHistory) *Manager {
	t.Helper()
	var p history.Provider
	if h != nil {
		p = h
	}
	m, err := NewManager(Config{
		SessionID:    "s1",
		Provider:     provider,
		Model:        "gpt-4",
		SystemPrompt: "you are terse",
	}, p)
	require.NoError(t, err)
	return m
}

func TestNewManager_UnsupportedProvider(t *testing.T) {
	_, err := NewManager(Config{Provider: "mystery", Model: "gpt-4"}, nil)
	assert.ErrorIs(t, err, llms.ErrUnsupportedProvider)
}

func TestManager_AppendPersistsBeforeReturn(t *testing.T) {
	h := &fakeHistory{}
	m := newTestManager(t, "openai", h)

	require.NoError(t, m.AddUserMessage(context.Background(), "hello", nil))
	require.NoError(t, m.AddAssistantMessage(context.Background(), "hi", nil))
	require.NoError(t, m.AddToolResult(context.Background(), "call_1", "lookup", "result"))

	require.Len(t, h.saved, 3)
	assert.Equal(t, protocol.RoleUser, h.saved[0].Role)
	assert.Equal(t, protocol.RoleAssistant, h.saved[1].Role)
	assert.Equal(t, protocol.RoleTool, h.saved[2].Role)
	assert.Equal(t, "call_1", h.saved[2].ToolCallID)

	assert.Equal(t, 3, m.MessageCount())
}

func TestManager_AppendSurvivesWriteFailure(t *testing.T) {
	h := &fakeHistory{saveErr: errors.New("db down")}
	m := newTestManager(t, "openai", h)

	require.NoError(t, m.AddUserMessage(context.Background(), "hello", nil))
	assert.Equal(t, 1, m.MessageCount())
}

func TestManager_EphemeralWithoutProvider(t *testing.T) {
	m := newTestManager(t, "openai", nil)

	require.NoError(t, m.AddUserMessage(context.Background(), "hello", nil))
	assert.Equal(t, 1, m.MessageCount())

	err := m.RestoreHistory(context.Background())
	assert.Error(t, err)
}

func TestManager_FormattedMessagesOpenAI(t *testing.T) {
	m := newTestManager(t, "openai", nil)
	require.NoError(t, m.AddUserMessage(context.Background(), "hello", nil))

	formatted, systemPrompt := m.GetFormattedMessages()

	assert.Empty(t, systemPrompt)
	require.Len(t, formatted, 2)
	assert.Equal(t, protocol.RoleSystem, formatted[0].Role)
	assert.Equal(t, "you are terse", formatted[0].Content)
	assert.Equal(t, protocol.RoleUser, formatted[1].Role)
}

func TestManager_FormattedMessagesAnthropic(t *testing.T) {
	m := newTestManager(t, "anthropic", nil)
	require.NoError(t, m.AddUserMessage(context.Background(), "hello", nil))

	formatted, systemPrompt := m.GetFormattedMessages()

	assert.Equal(t, "you are terse", systemPrompt)
	require.Len(t, formatted, 1)
	assert.Equal(t, protocol.RoleUser, formatted[0].Role)
}

func TestManager_TokenBudgetDropsOldest(t *testing.T) {
	m, err := NewManager(Config{
		SessionID:        "s1",
		Provider:         "openai",
		Model:            "gpt-4",
		MaxContextTokens: 40,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, m.AddUserMessage(context.Background(),
			"a reasonably long message used to overflow the budget", nil))
	}

	formatted, _ := m.GetFormattedMessages()
	assert.Less(t, len(formatted), 20)
	assert.NotEmpty(t, formatted)
	// Most recent messages survive.
	assert.Equal(t, protocol.RoleUser, formatted[len(formatted)-1].Role)
}

func TestManager_RestoreHistory(t *testing.T) {
	h := &fakeHistory{stored: []protocol.Message{
		{Role: protocol.RoleUser, Content: "one"},
		{Role: protocol.RoleAssistant, Content: "two"},
	}}
	m := newTestManager(t, "openai", h)

	require.NoError(t, m.RestoreHistory(context.Background()))
	raw := m.GetRawMessages()
	require.Len(t, raw, 2)
	assert.Equal(t, "one", raw[0].Content)
}

func TestManager_SetAndClearMessages(t *testing.T) {
	m := newTestManager(t, "openai", nil)

	m.SetMessages([]protocol.Message{{Role: protocol.RoleUser, Content: "bulk"}})
	assert.Equal(t, 1, m.MessageCount())

	m.AppendLocal(protocol.Message{Role: protocol.RoleAssistant, Content: "local"})
	assert.Equal(t, 2, m.MessageCount())

	m.ClearMessages()
	assert.Equal(t, 0, m.MessageCount())
}

func TestManager_InvalidImageDropped(t *testing.T) {
	m := newTestManager(t, "openai", nil)

	require.NoError(t, m.AddUserMessage(context.Background(), "look",
		&protocol.ImageData{Image: "", MimeType: "image/png"}))

	raw := m.GetRawMessages()
	require.Len(t, raw, 1)
	assert.Empty(t, raw[0].Parts)
	assert.Equal(t, "look", raw[0].Content)
}

func TestNewFormatter_Families(t *testing.T) {
	for provider, family := range map[string]string{
		"openai":    "openai",
		"qwen":      "openai",
		"azure":     "azure",
		"aws":       "anthropic",
		"anthropic": "anthropic",
	} {
		f, err := NewFormatter(provider)
		require.NoError(t, err, provider)
		assert.Equal(t, family, f.Family(), provider)
	}
}
