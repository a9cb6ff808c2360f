package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/matrixagent/matrix/pkg/protocol"
)

// RecordVersion stamps serialized sessions. Mismatched records are
// restored best-effort with a warning.
const RecordVersion = "1.0.0"

// RecordMetadata is the session metadata block of a HistoryRecord.
type RecordMetadata struct {
	CreatedAt             time.Time              `json:"createdAt"`
	LastActivity          time.Time              `json:"lastActivity"`
	HistoryEnabled        bool                   `json:"historyEnabled"`
	HistoryBackend        string                 `json:"historyBackend,omitempty"`
	Environment           string                 `json:"environment,omitempty"`
	SessionMemoryMetadata map[string]interface{} `json:"sessionMemoryMetadata,omitempty"`
}

// HistoryRecord is the versioned serialized form of a session.
// Functions (merge hooks, schemas) are never serialized; they must be
// re-supplied on deserialization.
type HistoryRecord struct {
	ID                  string                 `json:"id"`
	Metadata            RecordMetadata         `json:"metadata"`
	ConversationHistory []protocol.Message     `json:"conversationHistory"`
	Options             map[string]interface{} `json:"options,omitempty"`
	Version             string                 `json:"version"`
	SerializedAt        time.Time              `json:"serializedAt"`
}

// Serialize captures the session transcript, preferring the history
// provider and falling back to the in-memory transcript.
func (s *Session) Serialize(ctx context.Context) (*HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, fmt.Errorf("serialize session %s: %w", s.ID, ErrNotInitialized)
	}

	var messages []protocol.Message
	if s.historyProvider != nil {
		stored, err := s.historyProvider.GetMessages(ctx, s.ID)
		if err != nil {
			slog.Warn("History read failed during serialize, using in-memory transcript", "sessionID", s.ID, "error", err)
			messages = s.cm.GetRawMessages()
		} else {
			messages = stored
		}
	} else {
		messages = s.cm.GetRawMessages()
	}

	return &HistoryRecord{
		ID: s.ID,
		Metadata: RecordMetadata{
			CreatedAt:             s.createdAt,
			LastActivity:          s.lastActivity,
			HistoryEnabled:        s.historyProvider != nil,
			HistoryBackend:        s.services.Config.History.Backend,
			Environment:           os.Getenv("MATRIX_ENV"),
			SessionMemoryMetadata: s.opts.MemoryMetadata,
		},
		ConversationHistory: messages,
		Version:             RecordVersion,
		SerializedAt:        time.Now().UTC(),
	}, nil
}

// Deserialize rebuilds a session from a record: the provider history
// is cleared and re-written in order, then the transcript is loaded
// into the context manager. opts re-supplies the function-valued
// fields a record cannot carry.
func Deserialize(ctx context.Context, record *HistoryRecord, services *Services, opts Options) (*Session, error) {
	if record == nil || record.ID == "" {
		return nil, fmt.Errorf("deserialize session: record is missing an id")
	}
	if record.Version != RecordVersion {
		slog.Warn("Session record version mismatch, restoring best-effort",
			"sessionID", record.ID, "recordVersion", record.Version, "want", RecordVersion)
	}

	if opts.MemoryMetadata == nil {
		opts.MemoryMetadata = record.Metadata.SessionMemoryMetadata
	}

	s := New(record.ID, services, opts)
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("deserialize session %s: %w", record.ID, err)
	}
	if !record.Metadata.CreatedAt.IsZero() {
		s.createdAt = record.Metadata.CreatedAt
	}
	s.lastActivity = record.Metadata.LastActivity

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyProvider != nil {
		if err := s.historyProvider.ClearHistory(ctx, s.ID); err != nil {
			slog.Warn("Failed to clear history before restore", "sessionID", s.ID, "error", err)
		}
		for _, msg := range record.ConversationHistory {
			if err := s.historyProvider.SaveMessage(ctx, s.ID, msg); err != nil {
				slog.Warn("Failed to re-save message during restore", "sessionID", s.ID, "error", err)
			}
		}
	}

	s.cm.SetMessages(record.ConversationHistory)
	s.restored = true
	return s, nil
}
