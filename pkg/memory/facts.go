package memory

import (
	"regexp"
	"strings"
)

var sentenceSplit = regexp.MustCompile(`[.!?]\s+|\n+`)

// knownTopics seed the tag extractor; anything else falls back to
// frequent significant words.
var knownTopics = []string{
	"python", "go", "golang", "javascript", "typescript", "rust", "java",
	"sql", "postgres", "sqlite", "docker", "kubernetes", "git", "linux",
	"http", "api", "json", "yaml", "regex", "function", "class", "test",
	"error", "config", "database", "memory", "file", "server",
}

// ExtractFacts pulls declarative candidate facts from an interaction.
// Questions and short fragments are dropped; order follows the
// interaction.
func ExtractFacts(interaction Interaction) []string {
	var facts []string
	seen := make(map[string]bool)

	consider := func(text string) {
		for _, raw := range sentenceSplit.Split(text, -1) {
			sentence := strings.TrimSpace(raw)
			if strings.HasSuffix(sentence, "?") || strings.Contains(sentence, "? ") {
				continue
			}
			sentence = strings.TrimRight(sentence, ".!")
			if len(sentence) < 16 {
				continue
			}
			key := strings.ToLower(sentence)
			if seen[key] {
				continue
			}
			seen[key] = true
			facts = append(facts, sentence)
		}
	}

	for _, line := range interaction.Lines {
		switch {
		case strings.HasPrefix(line, "User: "):
			consider(strings.TrimPrefix(line, "User: "))
		case strings.HasPrefix(line, "Assistant: "):
			consider(strings.TrimPrefix(line, "Assistant: "))
		}
	}

	return facts
}

// ExtractTags derives lowercase topic tags for a fact.
func ExtractTags(fact string) []string {
	lower := strings.ToLower(fact)

	var tags []string
	seen := make(map[string]bool)
	for _, topic := range knownTopics {
		if strings.Contains(lower, topic) && !seen[topic] {
			seen[topic] = true
			tags = append(tags, topic)
		}
	}

	if len(tags) == 0 {
		// Fall back to the longest words in the fact.
		for _, word := range strings.Fields(lower) {
			word = strings.Trim(word, ".,;:!?\"'()")
			if len(word) >= 6 && !seen[word] {
				seen[word] = true
				tags = append(tags, word)
			}
			if len(tags) == 3 {
				break
			}
		}
	}

	return tags
}
