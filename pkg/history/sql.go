package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrixagent/matrix/pkg/protocol"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig configures the SQL history provider.
type SQLConfig struct {
	Driver   string // postgres or sqlite
	URL      string // postgres connection URL; wins over discrete fields
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	Path     string // sqlite file path
	MaxConns int
	MaxIdle  int
}

// ConnectionString renders the driver-specific DSN.
func (c SQLConfig) ConnectionString() string {
	switch c.Driver {
	case "postgres":
		if c.URL != "" {
			return c.URL
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
	default:
		return c.Path
	}
}

const (
	createHistoryTableSQLite = `
CREATE TABLE IF NOT EXISTS session_messages (
    session_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    role VARCHAR(50) NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id);
`

	createHistoryTablePostgres = `
CREATE TABLE IF NOT EXISTS session_messages (
    session_id VARCHAR(255) NOT NULL,
    seq BIGINT NOT NULL,
    role VARCHAR(50) NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id);
`
)

// SQLProvider stores transcripts in a table keyed by (session_id, seq).
type SQLProvider struct {
	db      *sql.DB
	dialect string

	mu     sync.Mutex
	closed bool
}

// NewSQLProvider opens the database and ensures the schema exists.
func NewSQLProvider(cfg SQLConfig) (*SQLProvider, error) {
	switch cfg.Driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", cfg.Driver)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	provider := &SQLProvider{db: db, dialect: cfg.Driver}
	if err := provider.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return provider, nil
}

// NewSQLProviderFromDB wraps an existing connection. Used by tests and
// by the multi-backend provider when sharing a pool.
func NewSQLProviderFromDB(db *sql.DB, dialect string) (*SQLProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	provider := &SQLProvider{db: db, dialect: dialect}
	if err := provider.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return provider, nil
}

func (p *SQLProvider) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createHistoryTableSQLite
	if p.dialect == "postgres" {
		schema = createHistoryTablePostgres
	}

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create session_messages table: %w", err)
	}
	return nil
}

func (p *SQLProvider) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = ?`
	if p.dialect == "postgres" {
		query = `SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = $1`
	}

	var max int64
	if err := p.db.QueryRowContext(ctx, query, sessionID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return max + 1, nil
}

// SaveMessage appends a message with the next sequence number. The
// per-provider mutex keeps seq allocation and insert atomic across
// sessions sharing this provider.
func (p *SQLProvider) SaveMessage(ctx context.Context, sessionID string, msg protocol.Message) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}

	seq, err := p.nextSeq(ctx, sessionID)
	if err != nil {
		return err
	}

	messageJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	query := `INSERT INTO session_messages (session_id, seq, role, message_json, created_at) VALUES (?, ?, ?, ?, ?)`
	if p.dialect == "postgres" {
		query = `INSERT INTO session_messages (session_id, seq, role, message_json, created_at) VALUES ($1, $2, $3, $4, $5)`
	}

	if _, err := p.db.ExecContext(ctx, query, sessionID, seq, string(msg.Role), string(messageJSON), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessages returns the transcript ordered by sequence number.
func (p *SQLProvider) GetMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	query := `SELECT message_json FROM session_messages WHERE session_id = ? ORDER BY seq ASC`
	if p.dialect == "postgres" {
		query = `SELECT message_json FROM session_messages WHERE session_id = $1 ORDER BY seq ASC`
	}

	rows, err := p.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// ClearHistory deletes all messages for a session.
func (p *SQLProvider) ClearHistory(ctx context.Context, sessionID string) error {
	query := `DELETE FROM session_messages WHERE session_id = ?`
	if p.dialect == "postgres" {
		query = `DELETE FROM session_messages WHERE session_id = $1`
	}

	if _, err := p.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (p *SQLProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

var _ Provider = (*SQLProvider)(nil)
