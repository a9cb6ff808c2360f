package llmcontext

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/matrixagent/matrix/pkg/protocol"
)

// TokenCounter counts transcript tokens for a specific model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model, falling back
// to the cl100k_base encoding for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts one message including per-message role overhead.
func (tc *TokenCounter) CountMessage(msg protocol.Message) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	// <|start|>role|content<|end|>
	total := 3
	total += len(tc.encoding.Encode(string(msg.Role), nil, nil))
	total += len(tc.encoding.Encode(msg.Text(), nil, nil))
	for _, tc2 := range msg.ToolCalls {
		total += len(tc.encoding.Encode(tc2.Function.Name, nil, nil))
		total += len(tc.encoding.Encode(tc2.Function.Arguments, nil, nil))
	}
	return total
}

// FitWithinLimit keeps the most recent messages that fit the budget.
// Order is preserved.
func (tc *TokenCounter) FitWithinLimit(messages []protocol.Message, maxTokens int) []protocol.Message {
	if len(messages) == 0 || maxTokens <= 0 {
		return messages
	}

	// Reply priming overhead.
	currentTokens := 3
	cut := 0

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := tc.CountMessage(messages[i])
		if currentTokens+msgTokens > maxTokens {
			cut = i + 1
			break
		}
		currentTokens += msgTokens
	}

	return messages[cut:]
}
