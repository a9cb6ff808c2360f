package embedders

import (
	"log/slog"
	"sync"

	"github.com/matrixagent/matrix/pkg/config"
)

// The disable latch is process-wide: one embedding failure anywhere
// turns all memory work into a no-op until reset. Writers are
// idempotent; readers must re-check on each use rather than caching
// the value.
var latch struct {
	mu       sync.RWMutex
	disabled bool
	reason   string
}

// Disabled reports whether embeddings are globally off, either by
// environment (DISABLE_EMBEDDINGS / EMBEDDING_DISABLED) or because a
// previous failure tripped the latch.
func Disabled() bool {
	if config.EnvBool("DISABLE_EMBEDDINGS") || config.EnvBool("EMBEDDING_DISABLED") {
		return true
	}
	latch.mu.RLock()
	defer latch.mu.RUnlock()
	return latch.disabled
}

// Disable trips the latch. Safe to call repeatedly; only the first
// reason is kept.
func Disable(reason string) {
	latch.mu.Lock()
	defer latch.mu.Unlock()
	if latch.disabled {
		return
	}
	latch.disabled = true
	latch.reason = reason
	slog.Warn("Embeddings disabled for the rest of the process", "reason", reason)
}

// DisableReason returns the recorded reason, if any.
func DisableReason() string {
	latch.mu.RLock()
	defer latch.mu.RUnlock()
	return latch.reason
}

// Reset clears the latch. Intended for tests.
func Reset() {
	latch.mu.Lock()
	defer latch.mu.Unlock()
	latch.disabled = false
	latch.reason = ""
}
