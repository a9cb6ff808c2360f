// Package llm implements the tool-calling service on top of the
// provider clients: the generate loop, transport retries, tool
// dispatch, and event emission.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/matrixagent/matrix/pkg/event"
	"github.com/matrixagent/matrix/pkg/llmcontext"
	"github.com/matrixagent/matrix/pkg/llms"
	"github.com/matrixagent/matrix/pkg/protocol"
	"github.com/matrixagent/matrix/pkg/tools"
)

// ErrIterationLimit means the model kept requesting tools past the
// iteration budget.
var ErrIterationLimit = errors.New("tool iteration limit reached")

const (
	defaultMaxIterations = 5
	transportAttempts    = 3
	retryBackoff         = 500 * time.Millisecond
)

// ToolProvider is the slice of the tool manager the service needs.
type ToolProvider interface {
	GetToolsForProvider(ctx context.Context, provider string) ([]llms.ToolDefinition, error)
	ExecuteTool(ctx context.Context, name string, args map[string]interface{}, sessionID string) (tools.ToolResult, error)
}

// Service drives one provider through the tool-calling loop. It owns
// no transcript; the caller's context manager does.
type Service struct {
	provider     llms.Provider
	providerName string
	tools        ToolProvider
	bus          *event.Bus

	maxIterations int
}

// NewService builds a service. toolProvider and bus may be nil for
// tool-less or event-less use.
func NewService(provider llms.Provider, providerName string, toolProvider ToolProvider, bus *event.Bus) *Service {
	return &Service{
		provider:      provider,
		providerName:  providerName,
		tools:         toolProvider,
		bus:           bus,
		maxIterations: defaultMaxIterations,
	}
}

// SetMaxIterations overrides the tool-loop budget.
func (s *Service) SetMaxIterations(n int) {
	if n > 0 {
		s.maxIterations = n
	}
}

// Generate runs the loop against the session transcript until the
// model produces a final text answer. Assistant turns and tool results
// are appended to the context manager as they happen, so an error
// midway leaves a consistent transcript behind.
func (s *Service) Generate(ctx context.Context, sessionID string, cm *llmcontext.Manager) (string, error) {
	s.emit(sessionID, event.TypeResponseStarted, map[string]any{
		"model": s.provider.GetModelName(),
	})

	var toolDefs []llms.ToolDefinition
	if s.tools != nil {
		defs, err := s.tools.GetToolsForProvider(ctx, s.providerName)
		if err != nil {
			slog.Warn("Tool discovery failed, continuing without tools", "error", err)
		} else {
			toolDefs = defs
		}
	}

	for iteration := 0; iteration < s.maxIterations; iteration++ {
		messages, systemPrompt := cm.GetFormattedMessages()

		result, err := s.generateWithRetry(ctx, messages, toolDefs, systemPrompt)
		if err != nil {
			s.emit(sessionID, event.TypeResponseError, map[string]any{"error": err.Error()})
			return "", err
		}

		// Text alongside tool calls is the model narrating its plan;
		// surface it as thinking when no reasoning block was returned.
		thinking := result.Thinking
		if thinking == "" && len(result.ToolCalls) > 0 {
			thinking = result.Text
		}
		if thinking != "" {
			s.emit(sessionID, event.TypeThinking, map[string]any{"thinking": thinking})
		}

		if err := cm.AddAssistantMessage(ctx, result.Text, result.ToolCalls); err != nil {
			return "", fmt.Errorf("failed to record assistant message: %w", err)
		}

		if len(result.ToolCalls) == 0 {
			s.emit(sessionID, event.TypeResponseCompleted, map[string]any{
				"model":        s.provider.GetModelName(),
				"inputTokens":  result.InputTokens,
				"outputTokens": result.OutputTokens,
				"iterations":   iteration + 1,
			})
			return result.Text, nil
		}

		for _, call := range result.ToolCalls {
			payload := s.runToolCall(ctx, sessionID, call)
			if err := cm.AddToolResult(ctx, call.ID, call.Function.Name, payload); err != nil {
				return "", fmt.Errorf("failed to record tool result: %w", err)
			}
		}
	}

	s.emit(sessionID, event.TypeResponseError, map[string]any{"error": ErrIterationLimit.Error()})
	return "", ErrIterationLimit
}

// DirectGenerate is the single-shot path used by background pipelines:
// no transcript, no tools, one user message.
func (s *Service) DirectGenerate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	messages := []protocol.Message{protocol.NewUserMessage(prompt, nil)}

	opts := llms.GenerateOptions{
		DisableTools: true,
		SystemPrompt: systemPrompt,
	}

	var lastErr error
	for attempt := 1; attempt <= transportAttempts; attempt++ {
		result, err := s.provider.Generate(ctx, messages, nil, opts)
		if err == nil {
			return result.Text, nil
		}
		lastErr = err
		if attempt < transportAttempts {
			if sleepErr := sleepCtx(ctx, retryBackoff*time.Duration(attempt)); sleepErr != nil {
				return "", sleepErr
			}
		}
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", transportAttempts, lastErr)
}

// generateWithRetry retries transport failures with linear backoff.
// Retries run without tools so a provider choking on the tool payload
// can still answer.
func (s *Service) generateWithRetry(ctx context.Context, messages []protocol.Message, toolDefs []llms.ToolDefinition, systemPrompt string) (*llms.GenerateResult, error) {
	var lastErr error
	for attempt := 1; attempt <= transportAttempts; attempt++ {
		opts := llms.GenerateOptions{SystemPrompt: systemPrompt}
		callTools := toolDefs
		if attempt > 1 {
			opts.DisableTools = true
			callTools = nil
		}

		result, err := s.provider.Generate(ctx, messages, callTools, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Warn("LLM call failed", "attempt", attempt, "error", err)

		if attempt < transportAttempts {
			if sleepErr := sleepCtx(ctx, retryBackoff*time.Duration(attempt)); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, fmt.Errorf("generation failed after %d attempts: %w", transportAttempts, lastErr)
}

// runToolCall resolves one tool invocation into a result payload.
// Failures become payload text so the model can see and recover from
// them on the next iteration.
func (s *Service) runToolCall(ctx context.Context, sessionID string, call protocol.ToolCall) string {
	args, err := parseToolArguments(call.Function.Arguments)
	if err != nil {
		s.emit(sessionID, event.TypeToolFailed, map[string]any{
			"tool":  call.Function.Name,
			"error": err.Error(),
		})
		return fmt.Sprintf("Error: invalid tool arguments: %v", err)
	}

	if s.tools == nil {
		return fmt.Sprintf("Error: tool %q is not available", call.Function.Name)
	}

	result, err := s.tools.ExecuteTool(ctx, call.Function.Name, args, sessionID)
	if err != nil {
		s.emit(sessionID, event.TypeToolFailed, map[string]any{
			"tool":  call.Function.Name,
			"error": err.Error(),
		})
		return fmt.Sprintf("Error: %v", err)
	}

	s.emit(sessionID, event.TypeToolExecuted, map[string]any{
		"tool":       call.Function.Name,
		"durationMs": result.ExecutionTime.Milliseconds(),
	})

	if !result.Success && result.Error != "" {
		return "Error: " + result.Error
	}
	return result.Content
}

// parseToolArguments decodes model-produced argument JSON, repairing
// near-JSON before giving up.
func parseToolArguments(raw string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]interface{}{}, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("unparseable arguments %q", trimmed)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("unparseable arguments %q", trimmed)
	}
	return args, nil
}

func (s *Service) emit(sessionID, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.EmitSession(sessionID, eventType, data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
