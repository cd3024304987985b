// Package assistant – checkpoint.go implements durable, thread-keyed dialogue
// memory. Each completed dialogue turn (user payload + assistant reply) is
// appended atomically; the full ordered history is replayed into the model
// prompt on every call.
package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CheckpointStore is the durable history backend, keyed by thread id.
type CheckpointStore interface {
	// LoadHistory returns the ordered role-tagged messages of a thread.
	LoadHistory(ctx context.Context, threadID string) ([]ChatMessage, error)

	// AppendTurn atomically appends one user/assistant exchange.
	AppendTurn(ctx context.Context, threadID, userMessage, assistantMessage string) error

	// ClearHistory removes all turns of a thread.
	ClearHistory(ctx context.Context, threadID string) error

	// Close releases the backend.
	Close() error
}

// SQLiteCheckpointStore stores dialogue turns in ashley.db.
type SQLiteCheckpointStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS dialogue_turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	user_message TEXT NOT NULL,
	assistant_message TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dialogue_turns_thread ON dialogue_turns(thread_id, id);
`

// OpenCheckpointStore opens (or creates) the checkpoint database in dataDir.
func OpenCheckpointStore(dataDir string, logger *slog.Logger) (*SQLiteCheckpointStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := filepath.Join(dataDir, "ashley.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}

	logger.Info("checkpoint store opened", "path", path)
	return &SQLiteCheckpointStore{db: db, logger: logger.With("component", "checkpoint")}, nil
}

// LoadHistory reads all turns of a thread in insertion order and expands each
// into a user and an assistant message.
func (s *SQLiteCheckpointStore) LoadHistory(ctx context.Context, threadID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_message, assistant_message
		FROM dialogue_turns
		WHERE thread_id = ?
		ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var history []ChatMessage
	for rows.Next() {
		var user, asst string
		if err := rows.Scan(&user, &asst); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		history = append(history,
			ChatMessage{Role: RoleUser, Content: user},
			ChatMessage{Role: RoleAssistant, Content: asst},
		)
	}
	return history, rows.Err()
}

// AppendTurn writes one exchange in a single insert, which SQLite applies
// atomically per statement.
func (s *SQLiteCheckpointStore) AppendTurn(ctx context.Context, threadID, userMessage, assistantMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dialogue_turns (thread_id, user_message, assistant_message, created_at)
		VALUES (?, ?, ?, ?)`,
		threadID, userMessage, assistantMessage, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Error("failed to append turn", "thread_id", threadID, "error", err)
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ClearHistory removes all turns of a thread.
func (s *SQLiteCheckpointStore) ClearHistory(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dialogue_turns WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	s.logger.Info("thread history cleared", "thread_id", threadID)
	return nil
}

// Maintain compacts the database. Run periodically from the maintenance cron.
func (s *SQLiteCheckpointStore) Maintain(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}
