package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/botsapp/internal/domain"
)

// AppendMessage stores a chat message and bumps the chat's last_message_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ContentType == "" {
		m.ContentType = domain.ContentText
	}

	return withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, chat_id, role, content, content_type, attachment_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChatID, m.Role, m.Content, m.ContentType, nullString(m.AttachmentURL), m.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_message_at = ? WHERE id = ?`,
			m.CreatedAt.Unix(), m.ChatID); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		return tx.Commit()
	})
}

// ListRecentMessages returns up to limit most recent messages, oldest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, role, content, content_type, COALESCE(attachment_url, ''), created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.ContentType, &m.AttachmentURL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = fromUnix(createdAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AppendLifecycle stores one trace entry of an agent run.
func (s *SQLiteStore) AppendLifecycle(ctx context.Context, e *domain.LifecycleMessage) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return withRetry(ctx, "append lifecycle", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO lifecycle_messages
			(id, chat_id, bot_id, session_id, role, content, content_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ChatID, e.BotID, e.SessionID, e.Role, e.Content, e.ContentType, e.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert lifecycle message: %w", err)
		}
		return nil
	})
}

// ListLifecycle returns trace entries for a chat in insertion order.
func (s *SQLiteStore) ListLifecycle(ctx context.Context, chatID, sessionID string) ([]*domain.LifecycleMessage, error) {
	query := `SELECT id, chat_id, bot_id, session_id, role, content, content_type, created_at
		FROM lifecycle_messages WHERE chat_id = ?`
	args := []any{chatID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle messages: %w", err)
	}
	defer closeRows(rows, "lifecycle messages")

	var out []*domain.LifecycleMessage
	for rows.Next() {
		var e domain.LifecycleMessage
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ChatID, &e.BotID, &e.SessionID, &e.Role, &e.Content, &e.ContentType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle row: %w", err)
		}
		e.CreatedAt = fromUnix(createdAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle messages: %w", err)
	}
	return out, nil
}
