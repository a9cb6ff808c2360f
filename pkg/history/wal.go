package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/protocol"
)

// Record is a single WAL entry.
type Record struct {
	SessionID string           `json:"sessionId"`
	Message   protocol.Message `json:"message"`
	At        time.Time        `json:"at"`
}

// FlushSink receives drained WAL records. A sink error re-queues the
// batch; the WAL never drops records on its own.
type FlushSink func(ctx context.Context, records []Record) error

// WALConfig configures the write-ahead log provider.
type WALConfig struct {
	FlushInterval time.Duration
	MaxSize       int
}

// WALConfigFromEnv reads WAL_FLUSH_INTERVAL (ms, default 5000).
func WALConfigFromEnv() WALConfig {
	return WALConfig{
		FlushInterval: time.Duration(config.EnvInt("WAL_FLUSH_INTERVAL", 5000)) * time.Millisecond,
		MaxSize:       config.EnvInt("WAL_MAX_SIZE", 10000),
	}
}

// WALProvider is an in-memory append log flushed to a sink on a timer.
// Writes are cheap and synchronous; durability is deferred to the
// flush tick. When the log reaches MaxSize, writes fail loudly rather
// than silently discarding records.
type WALProvider struct {
	cfg  WALConfig
	sink FlushSink

	mu      sync.Mutex
	pending []Record
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewWALProvider starts the flush timer. sink may be nil, in which
// case records accumulate until drained explicitly via Drain.
func NewWALProvider(cfg WALConfig, sink FlushSink) *WALProvider {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}

	w := &WALProvider{
		cfg:  cfg,
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

func (w *WALProvider) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				slog.Warn("WAL flush failed, records retained", "error", err)
			}
		case <-w.stop:
			return
		}
	}
}

// SaveMessage appends to the log. Fails with an overflow error when
// the log is full.
func (w *WALProvider) SaveMessage(ctx context.Context, sessionID string, msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrProviderClosed
	}
	if len(w.pending) >= w.cfg.MaxSize {
		return fmt.Errorf("WAL overflow: %d records pending, flush sink cannot keep up", len(w.pending))
	}

	w.pending = append(w.pending, Record{
		SessionID: sessionID,
		Message:   msg,
		At:        time.Now().UTC(),
	})
	return nil
}

// GetMessages returns the unflushed tail for a session.
func (w *WALProvider) GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var messages []protocol.Message
	for _, rec := range w.pending {
		if rec.SessionID == sessionID {
			messages = append(messages, rec.Message)
		}
	}
	return messages, nil
}

// ClearHistory drops pending records for a session.
func (w *WALProvider) ClearHistory(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.pending[:0]
	for _, rec := range w.pending {
		if rec.SessionID != sessionID {
			kept = append(kept, rec)
		}
	}
	w.pending = kept
	return nil
}

// Flush drains pending records into the sink. On sink failure the
// batch is re-queued ahead of any records written meanwhile.
func (w *WALProvider) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 || w.sink == nil {
		if len(batch) > 0 {
			// No sink configured: keep records for readers.
			w.mu.Lock()
			w.pending = append(batch, w.pending...)
			w.mu.Unlock()
		}
		return nil
	}

	if err := w.sink(ctx, batch); err != nil {
		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		return fmt.Errorf("flush sink failed for %d records: %w", len(batch), err)
	}
	return nil
}

// PendingCount returns the number of unflushed records.
func (w *WALProvider) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops the timer and performs a final flush.
func (w *WALProvider) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	return w.Flush(context.Background())
}

var _ Provider = (*WALProvider)(nil)
