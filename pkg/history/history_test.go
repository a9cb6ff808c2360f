package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/protocol"
)

func sqliteProvider(t *testing.T) *SQLProvider {
	t.Helper()
	provider, err := NewSQLProvider(SQLConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func userMsg(text string) protocol.Message {
	return protocol.Message{Role: protocol.RoleUser, Content: text}
}

func TestSQLProvider_SaveAndGetInOrder(t *testing.T) {
	provider := sqliteProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.SaveMessage(ctx, "s1", userMsg("first")))
	require.NoError(t, provider.SaveMessage(ctx, "s1", protocol.Message{Role: protocol.RoleAssistant, Content: "second"}))
	require.NoError(t, provider.SaveMessage(ctx, "s2", userMsg("other session")))

	messages, err := provider.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, protocol.RoleAssistant, messages[1].Role)
	assert.Equal(t, "second", messages[1].Content)
}

func TestSQLProvider_RoundTripsToolCalls(t *testing.T) {
	provider := sqliteProvider(t)
	ctx := context.Background()

	msg := protocol.Message{
		Role: protocol.RoleAssistant,
		ToolCalls: []protocol.ToolCall{
			{ID: "call-1", Function: protocol.FunctionCall{Name: "search", Arguments: `{"query":"goroutines"}`}},
		},
	}
	require.NoError(t, provider.SaveMessage(ctx, "s1", msg))

	messages, err := provider.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, "search", messages[0].ToolCalls[0].Function.Name)
}

func TestSQLProvider_ClearHistory(t *testing.T) {
	provider := sqliteProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.SaveMessage(ctx, "s1", userMsg("keep me not")))
	require.NoError(t, provider.SaveMessage(ctx, "s2", userMsg("survivor")))
	require.NoError(t, provider.ClearHistory(ctx, "s1"))

	messages, err := provider.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	messages, err = provider.GetMessages(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSQLProvider_RejectsEmptySessionID(t *testing.T) {
	provider := sqliteProvider(t)
	assert.Error(t, provider.SaveMessage(context.Background(), "", userMsg("hi")))
}

func TestSQLProvider_UseAfterClose(t *testing.T) {
	provider := sqliteProvider(t)
	require.NoError(t, provider.Close())

	err := provider.SaveMessage(context.Background(), "s1", userMsg("hi"))
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestSQLProvider_RejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLProvider(SQLConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestWALProvider_FlushesToSink(t *testing.T) {
	var mu sync.Mutex
	var flushed []Record
	sink := func(ctx context.Context, records []Record) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, records...)
		return nil
	}

	wal := NewWALProvider(WALConfig{FlushInterval: 10 * time.Millisecond, MaxSize: 100}, sink)
	defer wal.Close()

	ctx := context.Background()
	require.NoError(t, wal.SaveMessage(ctx, "s1", userMsg("a")))
	require.NoError(t, wal.SaveMessage(ctx, "s1", userMsg("b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, wal.PendingCount())
}

func TestWALProvider_SinkFailureRetainsRecords(t *testing.T) {
	sink := func(ctx context.Context, records []Record) error {
		return fmt.Errorf("sink down")
	}
	wal := NewWALProvider(WALConfig{FlushInterval: time.Hour, MaxSize: 100}, sink)
	defer wal.Close()

	ctx := context.Background()
	require.NoError(t, wal.SaveMessage(ctx, "s1", userMsg("a")))

	err := wal.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, wal.PendingCount())

	messages, err := wal.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestWALProvider_OverflowFailsLoudly(t *testing.T) {
	wal := NewWALProvider(WALConfig{FlushInterval: time.Hour, MaxSize: 2}, nil)
	defer wal.Close()

	ctx := context.Background()
	require.NoError(t, wal.SaveMessage(ctx, "s1", userMsg("a")))
	require.NoError(t, wal.SaveMessage(ctx, "s1", userMsg("b")))

	err := wal.SaveMessage(ctx, "s1", userMsg("c"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAL overflow")
}

func TestWALProvider_ClearHistoryDropsSessionOnly(t *testing.T) {
	wal := NewWALProvider(WALConfig{FlushInterval: time.Hour, MaxSize: 10}, nil)
	defer wal.Close()

	ctx := context.Background()
	require.NoError(t, wal.SaveMessage(ctx, "s1", userMsg("a")))
	require.NoError(t, wal.SaveMessage(ctx, "s2", userMsg("b")))
	require.NoError(t, wal.ClearHistory(ctx, "s1"))

	assert.Equal(t, 1, wal.PendingCount())
	messages, _ := wal.GetMessages(ctx, "s2")
	assert.Len(t, messages, 1)
}

// failingProvider errors on every call. Used to exercise fallback paths.
type failingProvider struct{}

func (failingProvider) SaveMessage(context.Context, string, protocol.Message) error {
	return fmt.Errorf("backend down")
}

func (failingProvider) GetMessages(context.Context, string) ([]protocol.Message, error) {
	return nil, fmt.Errorf("backend down")
}

func (failingProvider) ClearHistory(context.Context, string) error {
	return fmt.Errorf("backend down")
}

func (failingProvider) Close() error { return nil }

func TestMultiBackend_WritesFanOutToBothBackends(t *testing.T) {
	primary := sqliteProvider(t)
	backup := sqliteProvider(t)

	multi, err := NewMultiBackendProvider(primary, backup, WALConfig{FlushInterval: time.Hour, MaxSize: 100})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, multi.SaveMessage(ctx, "s1", userMsg("hello")))
	require.NoError(t, multi.Flush(ctx))

	fromPrimary, err := primary.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, fromPrimary, 1)

	fromBackup, err := backup.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, fromBackup, 1)
}

func TestMultiBackend_UnflushedWritesVisibleToReaders(t *testing.T) {
	primary := sqliteProvider(t)
	backup := sqliteProvider(t)

	multi, err := NewMultiBackendProvider(primary, backup, WALConfig{FlushInterval: time.Hour, MaxSize: 100})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, multi.SaveMessage(ctx, "s1", userMsg("not yet flushed")))

	messages, err := multi.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "not yet flushed", messages[0].Content)
}

func TestMultiBackend_ReadFallsBackToBackup(t *testing.T) {
	backup := sqliteProvider(t)
	require.NoError(t, backup.SaveMessage(context.Background(), "s1", userMsg("from backup")))

	multi, err := NewMultiBackendProvider(failingProvider{}, backup, WALConfig{FlushInterval: time.Hour, MaxSize: 100})
	require.NoError(t, err)

	messages, err := multi.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "from backup", messages[0].Content)
}

func TestMultiBackend_PrimaryFlushFailureRetainsWAL(t *testing.T) {
	backup := sqliteProvider(t)

	multi, err := NewMultiBackendProvider(failingProvider{}, backup, WALConfig{FlushInterval: time.Hour, MaxSize: 100})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, multi.SaveMessage(ctx, "s1", userMsg("held")))
	require.Error(t, multi.Flush(ctx))

	// The record survives in the WAL tail and reads still see it.
	messages, err := multi.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

// flushDuringRead triggers a callback before delegating reads,
// simulating a flush tick landing between the WAL tail snapshot and the
// primary read.
type flushDuringRead struct {
	Provider
	beforeRead func()
}

func (p *flushDuringRead) GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	p.beforeRead()
	return p.Provider.GetMessages(ctx, sessionID)
}

func TestMultiBackend_FlushDuringReadDoesNotDuplicate(t *testing.T) {
	primary := sqliteProvider(t)
	backup := sqliteProvider(t)

	wrapped := &flushDuringRead{Provider: primary}
	multi, err := NewMultiBackendProvider(wrapped, backup, WALConfig{FlushInterval: time.Hour, MaxSize: 100})
	require.NoError(t, err)
	wrapped.beforeRead = func() { _ = multi.Flush(context.Background()) }

	ctx := context.Background()
	require.NoError(t, multi.SaveMessage(ctx, "s1", userMsg("a")))
	require.NoError(t, multi.SaveMessage(ctx, "s1", userMsg("b")))

	messages, err := multi.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "a", messages[0].Content)
	assert.Equal(t, "b", messages[1].Content)
}

func TestMergeTail(t *testing.T) {
	a, b, c := userMsg("a"), userMsg("b"), userMsg("c")

	// Flushed prefix of the tail already present in the store.
	merged := mergeTail([]protocol.Message{a, b}, []protocol.Message{b, c})
	require.Len(t, merged, 3)
	assert.Equal(t, "c", merged[2].Content)

	// Disjoint tail appends whole.
	merged = mergeTail([]protocol.Message{a}, []protocol.Message{b, c})
	assert.Len(t, merged, 3)

	// Fully flushed tail adds nothing.
	merged = mergeTail([]protocol.Message{a, b}, []protocol.Message{a, b})
	assert.Len(t, merged, 2)
}

func TestSQLConfigFromEnv(t *testing.T) {
	t.Run("pg_url_wins", func(t *testing.T) {
		t.Setenv("PG_URL", "postgres://app@db/matrix")
		cfg := SQLConfigFromEnv()
		assert.Equal(t, "postgres", cfg.Driver)
		assert.Equal(t, "postgres://app@db/matrix", cfg.URL)
	})

	t.Run("discrete_postgres_fields", func(t *testing.T) {
		t.Setenv("PG_URL", "")
		t.Setenv("STORAGE_DATABASE_HOST", "db.internal")
		t.Setenv("STORAGE_DATABASE_NAME", "matrix")
		t.Setenv("STORAGE_DATABASE_PORT", "5433")
		t.Setenv("STORAGE_DATABASE_USER", "app")
		cfg := SQLConfigFromEnv()
		assert.Equal(t, "postgres", cfg.Driver)
		assert.Equal(t, "db.internal", cfg.Host)
		assert.Equal(t, 5433, cfg.Port)
		assert.Equal(t, "app", cfg.User)
	})

	t.Run("sqlite_default", func(t *testing.T) {
		t.Setenv("PG_URL", "")
		t.Setenv("STORAGE_DATABASE_HOST", "")
		t.Setenv("STORAGE_DATABASE_NAME", "")
		t.Setenv("STORAGE_DATABASE_PATH", "")
		cfg := SQLConfigFromEnv()
		assert.Equal(t, "sqlite", cfg.Driver)
		assert.Equal(t, "matrix.db", cfg.Path)
	})
}

func TestNewProviderFromEnv_Disabled(t *testing.T) {
	t.Setenv("MULTI_BACKEND", "")
	cfg := &config.HistoryConfig{Enabled: false}

	_, err := NewProviderFromEnv(cfg)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestSQLConfig_ConnectionString(t *testing.T) {
	pg := SQLConfig{Driver: "postgres", Host: "h", Port: 5432, Database: "d", User: "u", Password: "p"}
	assert.Equal(t, "host=h port=5432 dbname=d user=u password=p sslmode=disable", pg.ConnectionString())

	url := SQLConfig{Driver: "postgres", URL: "postgres://x"}
	assert.Equal(t, "postgres://x", url.ConnectionString())

	lite := SQLConfig{Driver: "sqlite", Path: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db", lite.ConnectionString())
}
