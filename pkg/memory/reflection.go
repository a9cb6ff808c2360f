package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/embedders"
	"github.com/matrixagent/matrix/pkg/event"
	"github.com/matrixagent/matrix/pkg/tools"
)

const (
	ExtractReasoningToolName = "extract_reasoning_steps"
	StoreReasoningToolName   = "store_reasoning_memory"
)

// ToolRunner is the slice of the tool manager the reflection pipeline
// uses: presence checks plus background execution that must not pull
// in remote discovery.
type ToolRunner interface {
	HasTool(name string) bool
	ExecuteToolWithoutLoading(ctx context.Context, name string, args map[string]interface{}, sessionID string) (tools.ToolResult, error)
}

// StepEvaluation is the evaluation model's verdict on one reasoning step.
type StepEvaluation struct {
	QualityScore float64  `json:"qualityScore"`
	ShouldStore  bool     `json:"shouldStore"`
	Issues       []string `json:"issues,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

const evaluationSystemPrompt = `You review a single reasoning step for long-term storage. Judge whether it captures a reusable insight.
Respond with only a JSON object: {"qualityScore": 0.0-1.0, "shouldStore": true|false, "issues": [...], "suggestions": [...]}.`

// ReflectionEngine stores high-quality reasoning traces. Every stage
// recovers independently: a failed step never aborts the rest of the
// batch and nothing propagates to the conversation path.
type ReflectionEngine struct {
	runner  ToolRunner
	evalLLM DecisionLLM
	bus     *event.Bus

	detectorThreshold float64
}

func NewReflectionEngine(runner ToolRunner, evalLLM DecisionLLM, bus *event.Bus, cfg config.MemoryConfig) *ReflectionEngine {
	return &ReflectionEngine{
		runner:            runner,
		evalLLM:           evalLLM,
		bus:               bus,
		detectorThreshold: cfg.DetectorThreshold,
	}
}

// ShouldReflect applies the pipeline gates in order: global embedding
// latch, environment kill switch, both reasoning tools registered, and
// the reasoning detector on the user input.
func (r *ReflectionEngine) ShouldReflect(userInput string) bool {
	if embedders.Disabled() {
		return false
	}
	if config.EnvBool("DISABLE_REFLECTION_MEMORY") {
		return false
	}
	if r.runner == nil || !r.runner.HasTool(ExtractReasoningToolName) || !r.runner.HasTool(StoreReasoningToolName) {
		return false
	}
	detected := DetectReasoning(userInput)
	return detected.ContainsReasoning && detected.Confidence >= r.detectorThreshold
}

// Reflect runs extract, evaluate, store for one user input and returns
// how many steps were stored.
func (r *ReflectionEngine) Reflect(ctx context.Context, sessionID, userInput string) int {
	if !r.ShouldReflect(userInput) {
		return 0
	}

	steps, err := r.extractSteps(ctx, sessionID, userInput)
	if err != nil {
		slog.Warn("Reasoning extraction failed", "error", err)
		r.emitFailed(sessionID, "extract", err)
		return 0
	}

	stored := 0
	for _, step := range steps {
		eval, err := r.evaluateStep(ctx, step)
		if err != nil {
			slog.Debug("Step evaluation failed, skipping step", "error", err)
			r.emitFailed(sessionID, "evaluate", err)
			continue
		}
		if !eval.ShouldStore {
			continue
		}

		if err := r.storeStep(ctx, sessionID, step, eval); err != nil {
			slog.Warn("Reasoning step storage failed", "error", err)
			r.emitFailed(sessionID, "store", err)
			continue
		}
		stored++
		r.bus.EmitSession(sessionID, event.TypeReflectionStored, map[string]any{
			"step":         step,
			"qualityScore": eval.QualityScore,
		})
	}
	return stored
}

func (r *ReflectionEngine) extractSteps(ctx context.Context, sessionID, input string) ([]string, error) {
	result, err := r.runner.ExecuteToolWithoutLoading(ctx, ExtractReasoningToolName, map[string]interface{}{
		"text": input,
	}, sessionID)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("extraction tool failed: %s", result.Error)
	}

	steps, err := parseStringArray(result.Content)
	if err != nil {
		return nil, fmt.Errorf("unparseable extraction output: %w", err)
	}
	return steps, nil
}

func (r *ReflectionEngine) evaluateStep(ctx context.Context, step string) (*StepEvaluation, error) {
	if r.evalLLM == nil {
		// No evaluation model configured; store on detector evidence alone.
		return &StepEvaluation{QualityScore: 0.5, ShouldStore: true}, nil
	}

	prompt := "Reasoning step:\n" + step
	response, err := r.evalLLM.DirectGenerate(ctx, prompt, evaluationSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("evaluation call failed: %w", err)
	}

	var eval StepEvaluation
	trimmed := strings.TrimSpace(response)
	if err := json.Unmarshal([]byte(trimmed), &eval); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return nil, fmt.Errorf("unparseable evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &eval); err != nil {
			return nil, fmt.Errorf("unparseable evaluation: %w", err)
		}
	}
	return &eval, nil
}

func (r *ReflectionEngine) storeStep(ctx context.Context, sessionID, step string, eval *StepEvaluation) error {
	result, err := r.runner.ExecuteToolWithoutLoading(ctx, StoreReasoningToolName, map[string]interface{}{
		"step":         step,
		"qualityScore": eval.QualityScore,
	}, sessionID)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("storage tool failed: %s", result.Error)
	}
	return nil
}

func (r *ReflectionEngine) emitFailed(sessionID, stage string, err error) {
	r.bus.EmitSession(sessionID, event.TypeReflectionFailed, map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
}

// parseStringArray accepts a JSON string array, a repaired one, or a
// plain newline-separated list.
func parseStringArray(s string) ([]string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}

	var steps []string
	if err := json.Unmarshal([]byte(trimmed), &steps); err == nil {
		return steps, nil
	}
	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if err := json.Unmarshal([]byte(repaired), &steps); err == nil {
			return steps, nil
		}
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789.) "))
		if line != "" {
			steps = append(steps, line)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps found in %q", truncateValue(trimmed))
	}
	return steps, nil
}
