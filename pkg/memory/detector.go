package memory

import (
	"regexp"
	"strings"
)

// DetectorResult is the outcome of scanning text for reasoning content.
type DetectorResult struct {
	ContainsReasoning bool     `json:"containsReasoning"`
	Confidence        float64  `json:"confidence"`
	Markers           []string `json:"markers,omitempty"`
}

// reasoningMarkers are phrases that indicate explicit reasoning in
// user input. Each hit contributes to the confidence score.
var reasoningMarkers = []string{
	"because", "therefore", "so that", "which means", "as a result",
	"first", "then", "next", "finally", "step",
	"if", "otherwise", "in order to", "the reason",
	"let's think", "let me think", "consider",
}

var numberedListPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)

// DetectReasoning scores user input for reasoning content. The score
// saturates at 1.0; threshold comparison is the caller's job.
func DetectReasoning(input string) DetectorResult {
	lower := strings.ToLower(input)

	var hits []string
	for _, marker := range reasoningMarkers {
		if strings.Contains(lower, marker) {
			hits = append(hits, marker)
		}
	}
	if numberedListPattern.MatchString(input) {
		hits = append(hits, "numbered-list")
	}

	confidence := float64(len(hits)) * 0.25
	if confidence > 1.0 {
		confidence = 1.0
	}

	return DetectorResult{
		ContainsReasoning: len(hits) >= 2,
		Confidence:        confidence,
		Markers:           hits,
	}
}
