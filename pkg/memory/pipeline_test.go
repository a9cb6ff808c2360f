package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/protocol"
)

func TestDetectReasoning(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{
			name: "explicit reasoning",
			text: "First we lock the mutex, then we update the map, because concurrent writes corrupt it.",
			want: true,
		},
		{
			name: "numbered plan",
			text: "1. fetch the page\n2. parse the table\n3. store the rows, so that reruns are cheap",
			want: true,
		},
		{
			name: "plain statement",
			text: "The weather is nice today.",
			want: false,
		},
		{
			name: "single marker is not enough",
			text: "I like this because it is fast.",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DetectReasoning(tt.text)
			assert.Equal(t, tt.want, result.ContainsReasoning)
			if tt.want {
				assert.GreaterOrEqual(t, result.Confidence, 0.5)
			}
		})
	}
}

func TestCollectInteraction(t *testing.T) {
	msgs := []protocol.Message{
		{
			Role: protocol.RoleAssistant,
			ToolCalls: []protocol.ToolCall{
				{
					ID: "c1",
					Function: protocol.FunctionCall{
						Name:      "search_docs",
						Arguments: `{"query": "goroutine leaks", "limit": 5}`,
					},
				},
			},
		},
		{
			Role:    protocol.RoleTool,
			Name:    "search_docs",
			Content: `["doc1", "doc2", "doc3"]`,
		},
		{
			Role:    protocol.RoleAssistant,
			Content: "Goroutine leaks usually come from blocked channel sends.",
		},
	}

	interaction := CollectInteraction("how do I find goroutine leaks?", msgs)

	require.Len(t, interaction.Lines, 4)
	assert.Equal(t, "User: how do I find goroutine leaks?", interaction.Lines[0])
	assert.Equal(t, "Tool call: search_docs with limit=5, query=goroutine leaks", interaction.Lines[1])
	assert.Equal(t, "Tool result: search_docs returned 3 items", interaction.Lines[2])
	assert.Equal(t, "Assistant: Goroutine leaks usually come from blocked channel sends.", interaction.Lines[3])
}

func TestSummarizeToolResult_LongOutput(t *testing.T) {
	msg := protocol.Message{
		Role:    protocol.RoleTool,
		Name:    "read_file",
		Content: "line1\nline2\nline3\nline4\nline5",
	}

	assert.Equal(t, "Tool result: read_file returned 5 lines", summarizeToolResult(msg))
}

func TestExtractFacts(t *testing.T) {
	interaction := Interaction{
		Lines: []string{
			"User: In Python, def defines a function. What about lambdas?",
			"Tool call: search_docs with query=lambdas",
			"Assistant: Lambdas in Python are single-expression anonymous functions.",
		},
	}

	facts := ExtractFacts(interaction)

	require.Len(t, facts, 2)
	assert.Equal(t, "In Python, def defines a function", facts[0])
	assert.Equal(t, "Lambdas in Python are single-expression anonymous functions", facts[1])
	assert.NotContains(t, facts[0], "lambdas")
}

func TestExtractFacts_DropsShortAndDuplicate(t *testing.T) {
	interaction := Interaction{
		Lines: []string{
			"User: ok. Docker containers share the host kernel. Docker containers share the host kernel.",
		},
	}

	facts := ExtractFacts(interaction)

	require.Len(t, facts, 1)
	assert.Equal(t, "Docker containers share the host kernel", facts[0])
}

func TestExtractTags(t *testing.T) {
	assert.Contains(t, ExtractTags("In Python, def defines a function."), "python")

	tags := ExtractTags("Cassandra compaction merges sstables")
	assert.NotEmpty(t, tags)
	assert.Contains(t, tags, "cassandra")
}

func TestIDRanges(t *testing.T) {
	for i := 0; i < 100; i++ {
		kid := newKnowledgeID()
		assert.GreaterOrEqual(t, kid, knowledgeIDMin)
		assert.LessOrEqual(t, kid, knowledgeIDMax)

		rid := newReflectionID()
		assert.GreaterOrEqual(t, rid, reflectionIDMin)
		assert.LessOrEqual(t, rid, reflectionIDMax)
	}
}
