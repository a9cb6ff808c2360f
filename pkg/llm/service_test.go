package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/event"
	"github.com/matrixagent/matrix/pkg/llmcontext"
	"github.com/matrixagent/matrix/pkg/llms"
	"github.com/matrixagent/matrix/pkg/protocol"
	"github.com/matrixagent/matrix/pkg/tools"
)

type scriptedCall struct {
	result *llms.GenerateResult
	err    error
}

type scriptedProvider struct {
	script []scriptedCall
	calls  []struct {
		tools []llms.ToolDefinition
		opts  llms.GenerateOptions
	}
}

func (p *scriptedProvider) GetModelName() string { return "test-model" }

func (p *scriptedProvider) Generate(ctx context.Context, messages []protocol.Message, toolDefs []llms.ToolDefinition, opts llms.GenerateOptions) (*llms.GenerateResult, error) {
	p.calls = append(p.calls, struct {
		tools []llms.ToolDefinition
		opts  llms.GenerateOptions
	}{toolDefs, opts})

	if len(p.script) == 0 {
		return &llms.GenerateResult{Text: "exhausted"}, nil
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next.result, next.err
}

type recordingTools struct {
	defs     []llms.ToolDefinition
	executed []string
	args     []map[string]interface{}
	result   tools.ToolResult
	err      error
}

func (r *recordingTools) GetToolsForProvider(ctx context.Context, provider string) ([]llms.ToolDefinition, error) {
	return r.defs, nil
}

func (r *recordingTools) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, sessionID string) (tools.ToolResult, error) {
	r.executed = append(r.executed, name)
	r.args = append(r.args, args)
	return r.result, r.err
}

func newTestContext(t *testing.T) *llmcontext.Manager {
	t.Helper()
	cm, err := llmcontext.NewManager(llmcontext.Config{
		SessionID: "s1",
		Provider:  "openai",
		Model:     "gpt-4o",
	}, nil)
	require.NoError(t, err)
	return cm
}

func toolCallResult(name, args string) *llms.GenerateResult {
	return &llms.GenerateResult{
		ToolCalls: []protocol.ToolCall{
			{ID: "call-1", Function: protocol.FunctionCall{Name: name, Arguments: args}},
		},
	}
}

func TestGenerate_ToolLoop(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{result: toolCallResult("lookup", `{"key": "alpha"}`)},
		{result: &llms.GenerateResult{Text: "the value is 7"}},
	}}
	toolProvider := &recordingTools{
		result: tools.ToolResult{Success: true, Content: "7"},
	}
	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "what is alpha?", nil))

	svc := NewService(provider, "openai", toolProvider, nil)
	text, err := svc.Generate(context.Background(), "s1", cm)

	require.NoError(t, err)
	assert.Equal(t, "the value is 7", text)
	require.Equal(t, []string{"lookup"}, toolProvider.executed)
	assert.Equal(t, map[string]interface{}{"key": "alpha"}, toolProvider.args[0])

	// user, assistant tool call, tool result, final assistant
	assert.Equal(t, 4, cm.MessageCount())
}

func TestGenerate_TransportRetryDropsTools(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{err: fmt.Errorf("connection reset")},
		{err: fmt.Errorf("connection reset")},
		{result: &llms.GenerateResult{Text: "recovered"}},
	}}
	toolProvider := &recordingTools{
		defs: []llms.ToolDefinition{{Name: "lookup"}},
	}
	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "hi", nil))

	svc := NewService(provider, "openai", toolProvider, nil)
	text, err := svc.Generate(context.Background(), "s1", cm)

	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	require.Len(t, provider.calls, 3)
	assert.NotEmpty(t, provider.calls[0].tools)
	assert.Empty(t, provider.calls[1].tools)
	assert.True(t, provider.calls[1].opts.DisableTools)
	assert.Empty(t, provider.calls[2].tools)
}

func TestGenerate_BadToolArgumentsBecomeResult(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{result: toolCallResult("lookup", `"42"`)},
		{result: &llms.GenerateResult{Text: "done"}},
	}}
	toolProvider := &recordingTools{}
	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "hi", nil))

	svc := NewService(provider, "openai", toolProvider, nil)
	text, err := svc.Generate(context.Background(), "s1", cm)

	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Empty(t, toolProvider.executed)

	messages := cm.GetRawMessages()
	var toolMsg *protocol.Message
	for i := range messages {
		if messages[i].Role == protocol.RoleTool {
			toolMsg = &messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Text(), "invalid tool arguments")
}

func TestGenerate_IterationLimit(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{result: toolCallResult("lookup", `{}`)},
		{result: toolCallResult("lookup", `{}`)},
		{result: toolCallResult("lookup", `{}`)},
	}}
	toolProvider := &recordingTools{
		result: tools.ToolResult{Success: true, Content: "x"},
	}
	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "hi", nil))

	svc := NewService(provider, "openai", toolProvider, nil)
	svc.SetMaxIterations(2)

	_, err := svc.Generate(context.Background(), "s1", cm)
	require.ErrorIs(t, err, ErrIterationLimit)
}

func TestGenerate_EmitsCompletionEvent(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{result: &llms.GenerateResult{Text: "hello", InputTokens: 12, OutputTokens: 3}},
	}}
	bus := event.NewBus()
	completed := make(chan event.Event, 1)
	bus.Subscribe(event.TypeResponseCompleted, func(evt event.Event) {
		select {
		case completed <- evt:
		default:
		}
	})

	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "hi", nil))

	svc := NewService(provider, "openai", nil, bus)
	_, err := svc.Generate(context.Background(), "s1", cm)
	require.NoError(t, err)

	select {
	case evt := <-completed:
		assert.Equal(t, "s1", evt.Metadata.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a completion event")
	}
}

func TestGenerate_ToolCallContentEmittedAsThinking(t *testing.T) {
	planning := &llms.GenerateResult{
		Text: "Let me look that up first.",
		ToolCalls: []protocol.ToolCall{
			{ID: "call-1", Function: protocol.FunctionCall{Name: "lookup", Arguments: `{}`}},
		},
	}
	provider := &scriptedProvider{script: []scriptedCall{
		{result: planning},
		{result: &llms.GenerateResult{Text: "found it"}},
	}}
	toolProvider := &recordingTools{
		result: tools.ToolResult{Success: true, Content: "x"},
	}

	bus := event.NewBus()
	thinking := make(chan event.Event, 1)
	bus.Subscribe(event.TypeThinking, func(evt event.Event) {
		select {
		case thinking <- evt:
		default:
		}
	})

	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "hi", nil))

	svc := NewService(provider, "openai", toolProvider, bus)
	_, err := svc.Generate(context.Background(), "s1", cm)
	require.NoError(t, err)

	select {
	case evt := <-thinking:
		data, ok := evt.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Let me look that up first.", data["thinking"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a thinking event for the tool-calling turn")
	}
}

func TestGenerate_ToolErrorBecomesResultPayload(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{result: toolCallResult("lookup", `{}`)},
		{result: &llms.GenerateResult{Text: "done"}},
	}}
	toolProvider := &recordingTools{err: fmt.Errorf("backend down")}
	cm := newTestContext(t)
	require.NoError(t, cm.AddUserMessage(context.Background(), "hi", nil))

	svc := NewService(provider, "openai", toolProvider, nil)
	text, err := svc.Generate(context.Background(), "s1", cm)

	require.NoError(t, err)
	assert.Equal(t, "done", text)

	messages := cm.GetRawMessages()
	last := messages[len(messages)-2]
	assert.Equal(t, protocol.RoleTool, last.Role)
	assert.Contains(t, last.Text(), "backend down")
}

func TestDirectGenerate(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{result: &llms.GenerateResult{Text: "direct answer"}},
	}}

	svc := NewService(provider, "openai", nil, nil)
	text, err := svc.DirectGenerate(context.Background(), "summarize this", "you are terse")

	require.NoError(t, err)
	assert.Equal(t, "direct answer", text)
	require.Len(t, provider.calls, 1)
	assert.True(t, provider.calls[0].opts.DisableTools)
	assert.Equal(t, "you are terse", provider.calls[0].opts.SystemPrompt)
	assert.Empty(t, provider.calls[0].tools)
}

func TestDirectGenerate_RetriesThenFails(t *testing.T) {
	provider := &scriptedProvider{script: []scriptedCall{
		{err: fmt.Errorf("boom")},
		{err: fmt.Errorf("boom")},
		{err: fmt.Errorf("boom")},
	}}

	svc := NewService(provider, "openai", nil, nil)
	_, err := svc.DirectGenerate(context.Background(), "hi", "")

	require.Error(t, err)
	assert.Len(t, provider.calls, 3)
}

func TestParseToolArguments(t *testing.T) {
	args, err := parseToolArguments(`{"a": 1,}`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), args["a"])

	args, err = parseToolArguments("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = parseToolArguments(`"just a string"`)
	require.Error(t, err)
}
