package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/databases"
)

type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) DirectGenerate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func testOpts() DecisionOptions {
	return DecisionOptions{
		SimilarityThreshold: 0.7,
		MaxSimilarResults:   5,
		ConfidenceThreshold: 0.4,
		EnableDeletes:       true,
	}
}

func TestDecideSimilarity_NoHits(t *testing.T) {
	engine := NewDecisionEngine(nil)

	action := engine.Decide(context.Background(), "Go channels block until both sides are ready.", nil, DecisionContext{}, testOpts())

	assert.Equal(t, EventAdd, action.Event)
	assert.Equal(t, 0.8, action.Confidence)
	assert.Equal(t, SourceSimilarity, action.QualitySource)
}

func TestDecideSimilarity_NearDuplicate(t *testing.T) {
	engine := NewDecisionEngine(nil)
	hits := []databases.SearchResult{
		{ID: "42", Score: 0.95, Content: "Go channels block until both sides are ready."},
	}

	action := engine.Decide(context.Background(), "Go channels block until both sides are ready.", hits, DecisionContext{}, testOpts())

	assert.Equal(t, EventNone, action.Event)
	assert.Equal(t, 0.9, action.Confidence)
	assert.Equal(t, "42", action.TargetMemoryID)
}

func TestDecideSimilarity_Update(t *testing.T) {
	engine := NewDecisionEngine(nil)
	hits := []databases.SearchResult{
		{ID: "7", Score: 0.8, Content: "Channels in Go can block."},
	}

	action := engine.Decide(context.Background(), "Go channels block until both sender and receiver are ready.", hits, DecisionContext{}, testOpts())

	assert.Equal(t, EventUpdate, action.Event)
	assert.Equal(t, 0.75, action.Confidence)
	assert.Equal(t, "7", action.TargetMemoryID)
	assert.Equal(t, "Channels in Go can block.", action.OldMemory)
}

func TestDecideSimilarity_LowScoreAdds(t *testing.T) {
	engine := NewDecisionEngine(nil)
	hits := []databases.SearchResult{
		{ID: "7", Score: 0.5, Content: "Unrelated entry."},
	}

	opts := testOpts()
	opts.SimilarityThreshold = 0.6

	action := engine.Decide(context.Background(), "SQLite stores the whole database in one file.", hits, DecisionContext{}, opts)

	assert.Equal(t, EventAdd, action.Event)
	assert.Equal(t, 0.7, action.Confidence)
}

func TestDecide_ConfidenceGate(t *testing.T) {
	llm := &fakeLLM{response: `{"operation": "ADD", "confidence": 0.2}`}
	engine := NewDecisionEngine(llm)

	opts := testOpts()
	opts.UseLLMDecisions = true

	action := engine.Decide(context.Background(), "Maybe something about docker.", nil, DecisionContext{}, opts)

	assert.Equal(t, EventNone, action.Event)
	assert.Equal(t, SourceLLM, action.QualitySource)
}

func TestDecide_DeletesDisabled(t *testing.T) {
	llm := &fakeLLM{response: `{"operation": "DELETE", "confidence": 0.9, "targetMemoryId": "5"}`}
	engine := NewDecisionEngine(llm)

	opts := testOpts()
	opts.UseLLMDecisions = true
	opts.EnableDeletes = false

	action := engine.Decide(context.Background(), "Forget what I said about python.", nil, DecisionContext{}, opts)

	assert.Equal(t, EventNone, action.Event)
}

func TestDecide_LLMFailureFallsBack(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("upstream down")}
	engine := NewDecisionEngine(llm)

	opts := testOpts()
	opts.UseLLMDecisions = true

	action := engine.Decide(context.Background(), "Postgres uses MVCC for concurrency control.", nil, DecisionContext{}, opts)

	assert.Equal(t, EventAdd, action.Event)
	assert.Equal(t, SourceSimilarity, action.QualitySource)
}

func TestDecide_LLMUpdateGetsOldMemory(t *testing.T) {
	llm := &fakeLLM{response: `{"operation": "UPDATE", "confidence": 0.85, "targetMemoryId": "11"}`}
	engine := NewDecisionEngine(llm)
	hits := []databases.SearchResult{
		{ID: "11", Score: 0.82, Content: "Docker images are layered."},
	}

	opts := testOpts()
	opts.UseLLMDecisions = true

	action := engine.Decide(context.Background(), "Docker images are built from layered filesystems.", hits, DecisionContext{}, opts)

	assert.Equal(t, EventUpdate, action.Event)
	assert.Equal(t, "11", action.TargetMemoryID)
	assert.Equal(t, "Docker images are layered.", action.OldMemory)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "clean JSON",
			response: `{"operation": "ADD", "confidence": 0.9}`,
			want:     "ADD",
		},
		{
			name:     "broken JSON repaired",
			response: `{"operation": "UPDATE", "confidence": 0.8,}`,
			want:     "UPDATE",
		},
		{
			name:     "embedded in prose",
			response: "Here is my decision: {\"operation\": \"NONE\", \"confidence\": 0.9} hope that helps",
			want:     "NONE",
		},
		{
			name:     "keyword fallback",
			response: "I would UPDATE the existing memory with the new detail.",
			want:     "UPDATE",
		},
		{
			name:     "nothing usable",
			response: "I cannot help with that.",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := parseDecision(tt.response)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision.Operation)
		})
	}
}

func TestBuildDecisionPrompt_LimitsHits(t *testing.T) {
	hits := make([]databases.SearchResult, 5)
	for i := range hits {
		hits[i] = databases.SearchResult{ID: fmt.Sprintf("%d", i), Score: 0.8, Content: fmt.Sprintf("memory %d", i)}
	}

	prompt := buildDecisionPrompt("a fact", hits, DecisionContext{})

	assert.Contains(t, prompt, "memory 2")
	assert.NotContains(t, prompt, "memory 3")
}
