// Package history implements the durable transcript store: a SQL
// provider (postgres or sqlite), a write-ahead log provider, and a
// multi-backend composite that fans WAL writes out to a primary and a
// backup.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/protocol"
)

var (
	// ErrDisabled is returned by the factory when no backend is
	// configured; sessions then run with an ephemeral transcript.
	ErrDisabled = errors.New("history is disabled")

	// ErrProviderClosed is returned on use after Close.
	ErrProviderClosed = errors.New("history provider is closed")
)

// Provider is the durable backing store for session transcripts.
// Implementations must be safe for use from multiple sessions.
type Provider interface {
	// SaveMessage appends one message to a session transcript. The
	// message is durable (or queued in a WAL) when the call returns.
	SaveMessage(ctx context.Context, sessionID string, msg protocol.Message) error

	// GetMessages returns a session transcript in insertion order.
	GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error)

	// ClearHistory removes all messages for a session.
	ClearHistory(ctx context.Context, sessionID string) error

	// Close releases the underlying connection or flushes pending
	// writes.
	Close() error
}

// NewProviderFromEnv builds the history provider selected by the
// environment: MULTI_BACKEND enables the multi-backend composite,
// otherwise a single SQL provider is used. Returns ErrDisabled when
// history is off in config and no backend is forced.
func NewProviderFromEnv(cfg *config.HistoryConfig) (Provider, error) {
	if cfg != nil && !cfg.Enabled && !config.EnvBool("MULTI_BACKEND") {
		return nil, ErrDisabled
	}

	if config.EnvBool("MULTI_BACKEND") {
		return NewMultiBackendFromEnv(cfg)
	}

	sqlCfg := SQLConfigFromEnv()
	provider, err := NewSQLProvider(sqlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build history provider: %w", err)
	}
	return provider, nil
}

// SQLConfigFromEnv resolves the storage backend once: Postgres when
// PG_URL or STORAGE_DATABASE_HOST+STORAGE_DATABASE_NAME are configured,
// SQLite otherwise.
func SQLConfigFromEnv() SQLConfig {
	if url := os.Getenv("PG_URL"); url != "" {
		return SQLConfig{Driver: "postgres", URL: url}
	}

	host := os.Getenv("STORAGE_DATABASE_HOST")
	name := os.Getenv("STORAGE_DATABASE_NAME")
	if host != "" && name != "" {
		return SQLConfig{
			Driver:   "postgres",
			Host:     host,
			Port:     config.EnvInt("STORAGE_DATABASE_PORT", 5432),
			Database: name,
			User:     os.Getenv("STORAGE_DATABASE_USER"),
			Password: os.Getenv("STORAGE_DATABASE_PASSWORD"),
			SSLMode:  os.Getenv("STORAGE_DATABASE_SSL"),
		}
	}

	path := os.Getenv("STORAGE_DATABASE_PATH")
	if path == "" {
		path = "matrix.db"
	}
	if name != "" {
		path = name
	}
	return SQLConfig{Driver: "sqlite", Path: path}
}
