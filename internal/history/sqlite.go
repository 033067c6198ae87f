// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history persists conversations in a local SQLite database. It
// implements the store's Persister: conversations are saved whole after each
// mutation and loaded whole at startup. Message text is searchable; the
// index is a plain LIKE scan, which is fine at desktop scale.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/clawdesk/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	thinking_mode INTEGER NOT NULL DEFAULT 0,
	pinned        INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	position        INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	thinking        TEXT NOT NULL DEFAULT '',
	attachments     TEXT NOT NULL DEFAULT '[]',
	model_used      TEXT NOT NULL DEFAULT '',
	stop_reason     TEXT NOT NULL DEFAULT '',
	usage_input     INTEGER NOT NULL DEFAULT 0,
	usage_output    INTEGER NOT NULL DEFAULT 0,
	usage_total     INTEGER NOT NULL DEFAULT 0,
	send_status     TEXT NOT NULL DEFAULT '',
	send_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, position);

CREATE TABLE IF NOT EXISTS app_flags (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the SQLite-backed conversation archive.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// SaveConversation upserts the conversation and replaces its messages. The
// whole save is one transaction; a crash leaves either the old or the new
// version, never a mix.
func (s *Store) SaveConversation(conv *model.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, model, thinking_mode, pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			thinking_mode = excluded.thinking_mode,
			pinned = excluded.pinned,
			updated_at = excluded.updated_at`,
		conv.ID, conv.GetTitle(), conv.Model, conv.ThinkingMode, conv.Pinned,
		conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, conversation_id, position, role, content, thinking,
			attachments, model_used, stop_reason,
			usage_input, usage_output, usage_total,
			send_status, send_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range conv.Messages {
		// A message still streaming is saved as its partial content.
		attachments, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to encode attachments: %w", err)
		}
		_, err = stmt.Exec(msg.ID, conv.ID, i, string(msg.Role), msg.GetDisplayContent(),
			msg.ThinkingContent, string(attachments), msg.ModelUsed, msg.StopReason,
			msg.Usage.Input, msg.Usage.Output, msg.Usage.Total,
			string(msg.SendStatus), msg.SendError, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(id string) error {
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// LoadAll returns every stored conversation with its messages, most recently
// updated first.
func (s *Store) LoadAll() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, model, thinking_mode, pinned, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		conv := &model.Conversation{}
		var title string
		if err := rows.Scan(&conv.ID, &title, &conv.Model, &conv.ThinkingMode,
			&conv.Pinned, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.Title = title
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conv := range convs {
		if err := s.loadMessages(conv); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// loadMessages fills a conversation's message list in stored order.
func (s *Store) loadMessages(conv *model.Conversation) error {
	rows, err := s.db.Query(`
		SELECT id, role, content, thinking, attachments, model_used, stop_reason,
			usage_input, usage_output, usage_total, send_status, send_error, created_at
		FROM messages WHERE conversation_id = ? ORDER BY position`, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg := &model.Message{}
		var role, attachments, status string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.ThinkingContent,
			&attachments, &msg.ModelUsed, &msg.StopReason,
			&msg.Usage.Input, &msg.Usage.Output, &msg.Usage.Total,
			&status, &msg.SendError, &msg.Timestamp); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		msg.SendStatus = model.SendStatus(status)
		msg.IsPending = msg.SendStatus.IsPending()
		if attachments != "" && attachments != "[]" {
			if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
				return fmt.Errorf("failed to decode attachments: %w", err)
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return rows.Err()
}

// =============================================================================
// SEARCH
// =============================================================================

// SearchResult is one message matching a search query.
type SearchResult struct {
	ConversationID string
	MessageID      string
	Title          string
	Snippet        string
	Timestamp      time.Time
}

const snippetLen = 120

// SearchMessages finds messages whose content contains the query, newest
// first, case-insensitively.
func (s *Store) SearchMessages(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT m.conversation_id, m.id, c.title, m.content, m.created_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.content LIKE '%' || ? || '%'
		ORDER BY m.created_at DESC LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var content string
		if err := rows.Scan(&r.ConversationID, &r.MessageID, &r.Title, &content, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		runes := []rune(content)
		if len(runes) > snippetLen {
			content = string(runes[:snippetLen]) + "..."
		}
		r.Snippet = content
		results = append(results, r)
	}
	return results, rows.Err()
}

// =============================================================================
// APP FLAGS
// =============================================================================

// SetFlag stores a small application flag, e.g. onboarding completion.
func (s *Store) SetFlag(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_flags (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// GetFlag reads a flag, returning "" when unset.
func (s *Store) GetFlag(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get flag %s: %w", key, err)
	}
	return value, nil
}
