package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/matrixagent/matrix/pkg/databases"
)

// DecisionLLM is the narrow surface the decision engine needs from the
// LLM service. The main conversation loop is never used here.
type DecisionLLM interface {
	DirectGenerate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// DecisionOptions tune one decision run.
type DecisionOptions struct {
	SimilarityThreshold float64
	MaxSimilarResults   int
	UseLLMDecisions     bool
	ConfidenceThreshold float64
	EnableDeletes       bool
}

// DecisionContext is the merged conversational context handed to the
// decision prompt.
type DecisionContext struct {
	SessionID         string   `json:"sessionId"`
	ConversationTopic string   `json:"conversationTopic,omitempty"`
	RecentMessages    []string `json:"recentMessages,omitempty"`

	// Metadata is the merged session + per-run metadata blob; it is
	// stored alongside persisted entries.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// llmDecision is the JSON shape the decision model must return.
type llmDecision struct {
	Operation      string  `json:"operation"`
	Confidence     float64 `json:"confidence"`
	TargetMemoryID string  `json:"targetMemoryId,omitempty"`
}

const decisionSystemPrompt = `You manage a long-term memory store. Given a new fact and similar stored memories, decide one operation:
ADD (store as new), UPDATE (replace a stored memory), DELETE (remove a stored memory), NONE (ignore).
Respond with only a JSON object: {"operation": "...", "confidence": 0.0-1.0, "targetMemoryId": "..."}.`

// DecisionEngine picks an operation per fact: the LLM strategy when
// configured, the similarity rules as fallback, and the confidence
// gate as the final word.
type DecisionEngine struct {
	llm DecisionLLM
}

// NewDecisionEngine builds the engine. llm may be nil, in which case
// only similarity rules apply.
func NewDecisionEngine(llm DecisionLLM) *DecisionEngine {
	return &DecisionEngine{llm: llm}
}

// Decide resolves the operation for one fact against its similar
// memories. hits must already be filtered by the similarity threshold
// and sorted by score descending.
func (e *DecisionEngine) Decide(ctx context.Context, fact string, hits []databases.SearchResult, decCtx DecisionContext, opts DecisionOptions) Action {
	var action Action
	var err error

	if opts.UseLLMDecisions && e.llm != nil {
		action, err = e.decideLLM(ctx, fact, hits, decCtx)
		if err != nil {
			slog.Debug("LLM decision failed, using similarity rules", "error", err)
			action = e.decideSimilarity(fact, hits, opts)
		}
	} else {
		action = e.decideSimilarity(fact, hits, opts)
	}

	action.Text = fact
	if action.Tags == nil {
		action.Tags = ExtractTags(fact)
	}

	if action.Event == EventDelete && !opts.EnableDeletes {
		action.Event = EventNone
	}

	// Confidence gate: anything below the threshold becomes a NONE.
	if action.Confidence < opts.ConfidenceThreshold {
		action.Event = EventNone
	}

	return action
}

func (e *DecisionEngine) decideLLM(ctx context.Context, fact string, hits []databases.SearchResult, decCtx DecisionContext) (Action, error) {
	prompt := buildDecisionPrompt(fact, hits, decCtx)

	response, err := e.llm.DirectGenerate(ctx, prompt, decisionSystemPrompt)
	if err != nil {
		return Action{}, fmt.Errorf("decision llm call failed: %w", err)
	}

	decision, err := parseDecision(response)
	if err != nil {
		return Action{}, err
	}

	event := Event(strings.ToUpper(strings.TrimSpace(decision.Operation)))
	switch event {
	case EventAdd, EventUpdate, EventDelete, EventNone:
	default:
		return Action{}, fmt.Errorf("invalid operation %q in decision", decision.Operation)
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return Action{}, fmt.Errorf("confidence %v out of range", decision.Confidence)
	}

	action := Action{
		Event:          event,
		Confidence:     decision.Confidence,
		QualitySource:  SourceLLM,
		TargetMemoryID: decision.TargetMemoryID,
	}

	if event == EventUpdate {
		if action.TargetMemoryID == "" && len(hits) > 0 {
			action.TargetMemoryID = hits[0].ID
		}
		action.OldMemory = findHitText(hits, action.TargetMemoryID)
	}
	return action, nil
}

// decideSimilarity applies the fixed rules: no hits ADD@0.8, top hit
// above 0.9 NONE@0.9, top hit in (threshold, 0.9] UPDATE@0.75 with the
// old text, otherwise ADD@0.7.
func (e *DecisionEngine) decideSimilarity(fact string, hits []databases.SearchResult, opts DecisionOptions) Action {
	if len(hits) == 0 {
		return Action{Event: EventAdd, Confidence: 0.8, QualitySource: SourceSimilarity}
	}

	top := hits[0]
	switch {
	case top.Score > 0.9:
		return Action{
			Event:          EventNone,
			Confidence:     0.9,
			QualitySource:  SourceSimilarity,
			TargetMemoryID: top.ID,
		}
	case float64(top.Score) > opts.SimilarityThreshold:
		return Action{
			Event:          EventUpdate,
			Confidence:     0.75,
			QualitySource:  SourceSimilarity,
			TargetMemoryID: top.ID,
			OldMemory:      top.Content,
		}
	default:
		return Action{Event: EventAdd, Confidence: 0.7, QualitySource: SourceSimilarity}
	}
}

func buildDecisionPrompt(fact string, hits []databases.SearchResult, decCtx DecisionContext) string {
	var sb strings.Builder
	sb.WriteString("New fact:\n")
	sb.WriteString(fact)
	sb.WriteString("\n\nSimilar stored memories:\n")

	limit := len(hits)
	if limit > 3 {
		limit = 3
	}
	if limit == 0 {
		sb.WriteString("(none)\n")
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&sb, "- id=%s score=%.2f text=%s\n", hits[i].ID, hits[i].Score, hits[i].Content)
	}

	if decCtx.ConversationTopic != "" {
		fmt.Fprintf(&sb, "\nConversation topic: %s\n", decCtx.ConversationTopic)
	}
	if len(decCtx.RecentMessages) > 0 {
		sb.WriteString("\nRecent messages:\n")
		for _, msg := range decCtx.RecentMessages {
			fmt.Fprintf(&sb, "- %s\n", msg)
		}
	}

	return sb.String()
}

var jsonObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

// parseDecision is the tolerant parse chain: direct JSON, repaired
// JSON, regex-extracted JSON, then keyword fallback.
func parseDecision(response string) (*llmDecision, error) {
	trimmed := strings.TrimSpace(response)

	var decision llmDecision
	if err := json.Unmarshal([]byte(trimmed), &decision); err == nil && decision.Operation != "" {
		return &decision, nil
	}

	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if err := json.Unmarshal([]byte(repaired), &decision); err == nil && decision.Operation != "" {
			return &decision, nil
		}
	}

	if match := jsonObjectPattern.FindString(trimmed); match != "" {
		if err := json.Unmarshal([]byte(match), &decision); err == nil && decision.Operation != "" {
			return &decision, nil
		}
	}

	// Keyword fallback: take the first operation word present.
	upper := strings.ToUpper(trimmed)
	for _, op := range []Event{EventUpdate, EventDelete, EventNone, EventAdd} {
		if strings.Contains(upper, string(op)) {
			return &llmDecision{Operation: string(op), Confidence: 0.5}, nil
		}
	}

	return nil, fmt.Errorf("unparseable decision response: %q", truncateValue(trimmed))
}

func findHitText(hits []databases.SearchResult, id string) string {
	for _, hit := range hits {
		if hit.ID == id {
			return hit.Content
		}
	}
	if len(hits) > 0 {
		return hits[0].Content
	}
	return ""
}
