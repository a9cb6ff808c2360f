// Package memory implements the knowledge and reflection pipelines:
// fact extraction from finished turns, ADD/UPDATE/DELETE/NONE decisions
// against the vector store, and reasoning-trace storage.
package memory

import (
	"context"
	"math/rand"
	"strconv"

	"github.com/matrixagent/matrix/pkg/databases"
)

// Event is the operation chosen for one fact.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// QualitySource records which mechanism produced a decision.
type QualitySource string

const (
	SourceLLM        QualitySource = "llm"
	SourceSimilarity QualitySource = "similarity"
	SourceHeuristic  QualitySource = "heuristic"
)

// Knowledge and reflection entries draw ids from disjoint ranges so
// the two collections can never collide.
const (
	knowledgeIDMin = 1
	knowledgeIDMax = 333333

	reflectionIDMin = 333334
	reflectionIDMax = 666666
)

// maxIDDraws bounds the redraw loop when allocating a fresh id.
const maxIDDraws = 8

// Action is the decided outcome for one extracted fact.
type Action struct {
	Event          Event         `json:"event"`
	Text           string        `json:"text"`
	Tags           []string      `json:"tags,omitempty"`
	Confidence     float64       `json:"confidence"`
	QualitySource  QualitySource `json:"qualitySource"`
	TargetMemoryID string        `json:"targetMemoryId,omitempty"`
	OldMemory      string        `json:"oldMemory,omitempty"`
	CodePattern    string        `json:"codePattern,omitempty"`
}

// newKnowledgeID returns a random id in the knowledge range.
func newKnowledgeID() int {
	return knowledgeIDMin + rand.Intn(knowledgeIDMax-knowledgeIDMin+1)
}

// newReflectionID returns a random id in the reflection range.
func newReflectionID() int {
	return reflectionIDMin + rand.Intn(reflectionIDMax-reflectionIDMin+1)
}

// uniqueID draws ids until one is unused in the collection, so a fresh
// entry never lands on an existing one. An existence-check failure or
// draw exhaustion keeps the last draw; the ranges hold 333333 ids each,
// so exhaustion means the store is effectively full.
func uniqueID(ctx context.Context, db databases.DatabaseProvider, collection string, draw func() int) string {
	id := strconv.Itoa(draw())
	for i := 0; i < maxIDDraws; i++ {
		taken, err := db.Has(ctx, collection, id)
		if err != nil || !taken {
			return id
		}
		id = strconv.Itoa(draw())
	}
	return id
}
