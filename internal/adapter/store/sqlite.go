package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatstream/internal/domain"
)

// SQLiteStore implements domain.TranscriptStore using SQLite. Versions are
// stored as one JSON document per message.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			mode       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			key             TEXT NOT NULL,
			position        INTEGER NOT NULL,
			role            TEXT NOT NULL,
			input_key       TEXT NOT NULL DEFAULT '',
			selected        INTEGER NOT NULL DEFAULT 0,
			versions        TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL,
			PRIMARY KEY (conversation_id, key)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS messages_position
			ON messages (conversation_id, position);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var (
		conv               domain.Conversation
		createdAt, updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, mode, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&conv.ID, &conv.Mode, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.LoadConversation", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, role, input_key, selected, versions, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg                  domain.Message
			versionsJSON, msgCAt string
		)
		if err := rows.Scan(&msg.Key, &msg.Role, &msg.InputKey, &msg.Selected, &versionsJSON, &msgCAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(versionsJSON), &msg.Versions); err != nil {
			return nil, fmt.Errorf("decode versions of %s: %w", msg.Key, err)
		}
		msg.ConversationID = id
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, msgCAt)
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return &conv, nil
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, mode, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		conv.ID, conv.Mode, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: save conversation: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID string, position int, msg *domain.Message) error {
	versions, err := json.Marshal(msg.Versions)
	if err != nil {
		return fmt.Errorf("marshal versions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, key, position, role, input_key, selected, versions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, key) DO UPDATE SET
			selected = excluded.selected,
			versions = excluded.versions`,
		conversationID, msg.Key, position, msg.Role, msg.InputKey, msg.Selected,
		string(versions), formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: save message: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
