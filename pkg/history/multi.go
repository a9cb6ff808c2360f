package history

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/protocol"
)

// primaryReadBudget bounds how long a read waits on the primary before
// falling back to the backup.
const primaryReadBudget = 250 * time.Millisecond

// MultiBackendProvider owns a primary, a backup, and a WAL. Writes go
// to the WAL synchronously and fan out to primary and backup on the
// flush tick. Reads prefer primary, fall back to backup, and surface
// the WAL tail when both fail.
type MultiBackendProvider struct {
	primary Provider
	backup  Provider
	wal     *WALProvider
}

// NewMultiBackendProvider wires the composite. primary and backup must
// be non-nil; the WAL is created here so its sink can target both.
func NewMultiBackendProvider(primary, backup Provider, walCfg WALConfig) (*MultiBackendProvider, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary provider is required")
	}
	if backup == nil {
		return nil, fmt.Errorf("backup provider is required")
	}

	m := &MultiBackendProvider{
		primary: primary,
		backup:  backup,
	}
	m.wal = NewWALProvider(walCfg, m.fanOut)
	return m, nil
}

// NewMultiBackendFromEnv builds the composite from environment
// configuration: SQL primary per the storage env vars, a SQLite backup
// beside it.
func NewMultiBackendFromEnv(cfg *config.HistoryConfig) (*MultiBackendProvider, error) {
	primary, err := NewSQLProvider(SQLConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to build primary backend: %w", err)
	}

	backup, err := NewSQLProvider(SQLConfig{Driver: "sqlite", Path: "matrix_backup.db"})
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to build backup backend: %w", err)
	}

	walCfg := WALConfigFromEnv()
	if cfg != nil {
		if cfg.WALFlushInterval > 0 {
			walCfg.FlushInterval = time.Duration(cfg.WALFlushInterval) * time.Millisecond
		}
		if cfg.WALMaxSize > 0 {
			walCfg.MaxSize = cfg.WALMaxSize
		}
	}

	return NewMultiBackendProvider(primary, backup, walCfg)
}

// fanOut is the WAL flush sink: every record is written to primary and
// backup. A primary failure fails the flush (records are retained); a
// backup failure is logged and tolerated.
func (m *MultiBackendProvider) fanOut(ctx context.Context, records []Record) error {
	for _, rec := range records {
		if err := m.primary.SaveMessage(ctx, rec.SessionID, rec.Message); err != nil {
			return fmt.Errorf("primary write failed: %w", err)
		}
	}
	for _, rec := range records {
		if err := m.backup.SaveMessage(ctx, rec.SessionID, rec.Message); err != nil {
			slog.Warn("Backup write failed", "session_id", rec.SessionID, "error", err)
		}
	}
	return nil
}

// SaveMessage writes to the WAL only; durability in primary/backup is
// deferred to the flush tick.
func (m *MultiBackendProvider) SaveMessage(ctx context.Context, sessionID string, msg protocol.Message) error {
	return m.wal.SaveMessage(ctx, sessionID, msg)
}

// GetMessages reads from primary within the read budget, then backup,
// then the WAL tail. The WAL tail is always appended so unflushed
// writes are visible to readers.
func (m *MultiBackendProvider) GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	tail, _ := m.wal.GetMessages(ctx, sessionID)

	primaryCtx, cancel := context.WithTimeout(ctx, primaryReadBudget)
	defer cancel()

	messages, err := m.primary.GetMessages(primaryCtx, sessionID)
	if err == nil {
		return mergeTail(messages, tail), nil
	}
	slog.Warn("Primary read failed, trying backup", "session_id", sessionID, "error", err)

	messages, backupErr := m.backup.GetMessages(ctx, sessionID)
	if backupErr == nil {
		return mergeTail(messages, tail), nil
	}
	slog.Warn("Backup read failed, surfacing WAL tail", "session_id", sessionID, "error", backupErr)

	return tail, nil
}

// mergeTail appends the WAL tail to a stored transcript, skipping the
// leading tail records a flush tick already landed in the store between
// the tail snapshot and the read.
func mergeTail(stored, tail []protocol.Message) []protocol.Message {
	overlap := len(tail)
	if overlap > len(stored) {
		overlap = len(stored)
	}
	for ; overlap > 0; overlap-- {
		if messagesEqual(stored[len(stored)-overlap:], tail[:overlap]) {
			break
		}
	}
	return append(stored, tail[overlap:]...)
}

func messagesEqual(a, b []protocol.Message) bool {
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ClearHistory clears all three stores.
func (m *MultiBackendProvider) ClearHistory(ctx context.Context, sessionID string) error {
	if err := m.wal.ClearHistory(ctx, sessionID); err != nil {
		return err
	}
	if err := m.primary.ClearHistory(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear primary: %w", err)
	}
	if err := m.backup.ClearHistory(ctx, sessionID); err != nil {
		slog.Warn("Failed to clear backup", "session_id", sessionID, "error", err)
	}
	return nil
}

// Flush forces a WAL drain. Exposed for tests and shutdown paths.
func (m *MultiBackendProvider) Flush(ctx context.Context) error {
	return m.wal.Flush(ctx)
}

// Close flushes the WAL and closes all backends.
func (m *MultiBackendProvider) Close() error {
	walErr := m.wal.Close()
	primaryErr := m.primary.Close()
	backupErr := m.backup.Close()

	if walErr != nil {
		return walErr
	}
	if primaryErr != nil {
		return primaryErr
	}
	return backupErr
}

var _ Provider = (*MultiBackendProvider)(nil)
