package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/databases"
	"github.com/matrixagent/matrix/pkg/embedders"
	"github.com/matrixagent/matrix/pkg/event"
)

// KnowledgeEngine runs the knowledge pipeline for one finished turn:
// extract facts, decide an operation per fact, persist the outcome.
// Pipeline errors are reported on the bus and logged, never returned
// to the conversation path.
type KnowledgeEngine struct {
	db       databases.DatabaseProvider
	embedder embedders.EmbedderProvider
	decider  *DecisionEngine
	bus      *event.Bus

	baseCollection string
	opts           DecisionOptions
}

// NewKnowledgeEngine wires the pipeline. The stores written per
// operation are resolved at run time from the environment gates, see
// Collections.
func NewKnowledgeEngine(db databases.DatabaseProvider, embedder embedders.EmbedderProvider, decider *DecisionEngine, bus *event.Bus, cfg config.MemoryConfig) *KnowledgeEngine {
	return &KnowledgeEngine{
		db:             db,
		embedder:       embedder,
		decider:        decider,
		bus:            bus,
		baseCollection: cfg.KnowledgeCollection,
		opts: DecisionOptions{
			SimilarityThreshold: cfg.SimilarityThreshold,
			MaxSimilarResults:   cfg.MaxSimilarResults,
			UseLLMDecisions:     cfg.UseLLMDecisions == nil || *cfg.UseLLMDecisions,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			EnableDeletes:       cfg.EnableDeletes == nil || *cfg.EnableDeletes,
		},
	}
}

// Collections returns the stores this pipeline persists to: the default
// collection unless DISABLE_DEFAULT_MEMORY is set, plus the
// "_workspace" suffixed collection when USE_WORKSPACE_MEMORY is set.
// With both gates open every operation lands in both stores.
func (k *KnowledgeEngine) Collections() []string {
	var out []string
	if !config.EnvBool("DISABLE_DEFAULT_MEMORY") {
		out = append(out, k.baseCollection)
	}
	if config.EnvBool("USE_WORKSPACE_MEMORY") {
		out = append(out, k.baseCollection+"_workspace")
	}
	return out
}

// Collection returns the collection reads run against.
func (k *KnowledgeEngine) Collection() string {
	if cols := k.Collections(); len(cols) > 0 {
		return cols[0]
	}
	return k.baseCollection
}

// Enabled reports whether the pipeline can run at all.
func (k *KnowledgeEngine) Enabled() bool {
	if len(k.Collections()) == 0 {
		return false
	}
	return k.db != nil && k.embedder != nil && !embedders.Disabled()
}

// ProcessInteraction runs the full pipeline for one turn and returns
// the actions taken. A nil slice means the pipeline was skipped.
func (k *KnowledgeEngine) ProcessInteraction(ctx context.Context, sessionID string, interaction Interaction) []Action {
	return k.ProcessInteractionWithContext(ctx, sessionID, interaction, DecisionContext{})
}

// ProcessInteractionWithContext is ProcessInteraction with caller
// overrides merged into the decision context.
func (k *KnowledgeEngine) ProcessInteractionWithContext(ctx context.Context, sessionID string, interaction Interaction, decCtx DecisionContext) []Action {
	if !k.Enabled() {
		return nil
	}

	facts := ExtractFacts(interaction)
	if len(facts) == 0 {
		return nil
	}

	decCtx.SessionID = sessionID
	if len(decCtx.RecentMessages) == 0 {
		decCtx.RecentMessages = interaction.Lines
	}

	actions := make([]Action, 0, len(facts))
	for _, fact := range facts {
		action := k.processFact(ctx, sessionID, fact, decCtx)
		actions = append(actions, action)
		if embedders.Disabled() {
			// The latch tripped mid-run; stop embedding further facts.
			break
		}
	}
	return actions
}

func (k *KnowledgeEngine) processFact(ctx context.Context, sessionID, fact string, decCtx DecisionContext) Action {
	vector, err := k.embedder.Embed(fact)
	if err != nil {
		embedders.Disable(fmt.Sprintf("embedding failed: %v", err))
		k.bus.EmitSession(sessionID, event.TypeMemoryOpFailed, map[string]any{
			"stage": "embed",
			"error": err.Error(),
		})
		// Degraded outcome: keep the fact as an unpersisted ADD.
		return Action{
			Event:         EventAdd,
			Text:          fact,
			Tags:          ExtractTags(fact),
			Confidence:    0.6,
			QualitySource: SourceHeuristic,
		}
	}

	hits := k.searchSimilar(ctx, sessionID, vector)
	action := k.decider.Decide(ctx, fact, hits, decCtx, k.opts)

	if err := k.apply(ctx, sessionID, action, vector, decCtx.Metadata); err != nil {
		slog.Warn("Memory persistence failed", "event", action.Event, "error", err)
		k.bus.EmitSession(sessionID, event.TypeMemoryOpFailed, map[string]any{
			"stage": "persist",
			"event": string(action.Event),
			"error": err.Error(),
		})
		return action
	}

	if action.Event != EventNone {
		k.bus.EmitSession(sessionID, event.TypeMemoryOperation, map[string]any{
			"event":         string(action.Event),
			"content":       action.Text,
			"confidence":    action.Confidence,
			"qualitySource": string(action.QualitySource),
		})
	}
	return action
}

// searchSimilar returns hits at or above the similarity threshold,
// best first. Search failures degrade to no hits.
func (k *KnowledgeEngine) searchSimilar(ctx context.Context, sessionID string, vector []float32) []databases.SearchResult {
	start := time.Now()
	collection := k.Collection()
	results, err := k.db.Search(ctx, collection, vector, k.opts.MaxSimilarResults)
	if err != nil {
		slog.Warn("Memory similarity search failed", "error", err)
		return nil
	}

	filtered := results[:0]
	for _, r := range results {
		if float64(r.Score) >= k.opts.SimilarityThreshold {
			filtered = append(filtered, r)
		}
	}

	k.bus.EmitSession(sessionID, event.TypeMemorySearch, map[string]any{
		"collection": collection,
		"hits":       len(filtered),
		"durationMs": time.Since(start).Milliseconds(),
	})
	return filtered
}

func (k *KnowledgeEngine) apply(ctx context.Context, sessionID string, action Action, vector []float32, meta map[string]interface{}) error {
	for _, collection := range k.Collections() {
		if err := k.applyTo(ctx, collection, sessionID, action, vector, meta); err != nil {
			return err
		}
	}
	return nil
}

func (k *KnowledgeEngine) applyTo(ctx context.Context, collection, sessionID string, action Action, vector []float32, meta map[string]interface{}) error {
	switch action.Event {
	case EventAdd:
		id := uniqueID(ctx, k.db, collection, newKnowledgeID)
		return k.db.Upsert(ctx, collection, id, vector, k.payload(sessionID, action, meta))
	case EventUpdate:
		id := action.TargetMemoryID
		if id == "" {
			id = uniqueID(ctx, k.db, collection, newKnowledgeID)
		}
		return k.db.Upsert(ctx, collection, id, vector, k.payload(sessionID, action, meta))
	case EventDelete:
		if action.TargetMemoryID == "" {
			return nil
		}
		return k.db.Delete(ctx, collection, action.TargetMemoryID)
	default:
		return nil
	}
}

func (k *KnowledgeEngine) payload(sessionID string, action Action, meta map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"content":       action.Text,
		"tags":          action.Tags,
		"confidence":    action.Confidence,
		"event":         string(action.Event),
		"qualitySource": string(action.QualitySource),
		"sessionId":     sessionID,
		"createdAt":     time.Now().UTC().Format(time.RFC3339),
	}
	if action.CodePattern != "" {
		payload["codePattern"] = action.CodePattern
	}
	if action.OldMemory != "" {
		payload["oldMemory"] = action.OldMemory
	}
	for key, value := range meta {
		if _, taken := payload[key]; !taken {
			payload[key] = value
		}
	}
	return payload
}

// SearchMemories embeds a query and returns matching stored entries.
// Used by the memory tool.
func (k *KnowledgeEngine) SearchMemories(ctx context.Context, query string, topK int) ([]databases.SearchResult, error) {
	if k.db == nil || k.embedder == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	if embedders.Disabled() {
		return nil, fmt.Errorf("embeddings are disabled")
	}
	if topK <= 0 {
		topK = k.opts.MaxSimilarResults
	}

	vector, err := k.embedder.Embed(query)
	if err != nil {
		embedders.Disable(fmt.Sprintf("embedding failed: %v", err))
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return k.db.Search(ctx, k.Collection(), vector, topK)
}

// StoreFact bypasses extraction and runs the decide+persist stages for
// one explicit fact. Used by the memory tool.
func (k *KnowledgeEngine) StoreFact(ctx context.Context, sessionID, fact string) (Action, error) {
	if !k.Enabled() {
		return Action{}, fmt.Errorf("memory pipeline is disabled")
	}
	action := k.processFact(ctx, sessionID, fact, DecisionContext{SessionID: sessionID})
	return action, nil
}
