package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/botsapp/internal/domain"
)

const reminderColumns = `id, chat_id, user_id, message, reminder_type, trigger_at, is_completed, created_at`

func scanReminder(scanner interface{ Scan(...any) error }) (*domain.Reminder, error) {
	var r domain.Reminder
	var typ string
	var triggerAt, createdAt int64
	if err := scanner.Scan(&r.ID, &r.ChatID, &r.UserID, &r.Message, &typ, &triggerAt, &r.IsCompleted, &createdAt); err != nil {
		return nil, err
	}
	r.Type = domain.ReminderType(typ)
	r.TriggerAt = fromUnix(triggerAt)
	r.CreatedAt = fromUnix(createdAt)
	return &r, nil
}

func (s *SQLiteStore) queryReminders(ctx context.Context, what, query string, args ...any) ([]*domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer closeRows(rows, what)

	var out []*domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

// CreateReminder inserts a new reminder. Trigger time is stored in UTC.
func (s *SQLiteStore) CreateReminder(ctx context.Context, r *domain.Reminder) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.TriggerAt = r.TriggerAt.UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO reminders (`+reminderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChatID, r.UserID, r.Message, string(r.Type), r.TriggerAt.Unix(), r.IsCompleted, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

// GetReminder retrieves a reminder by ID.
func (s *SQLiteStore) GetReminder(ctx context.Context, id string) (*domain.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder row: %w", err)
	}
	return r, nil
}

// ListPendingReminders returns every reminder not yet completed.
func (s *SQLiteStore) ListPendingReminders(ctx context.Context) ([]*domain.Reminder, error) {
	return s.queryReminders(ctx, "pending reminders",
		`SELECT `+reminderColumns+` FROM reminders WHERE is_completed = 0 ORDER BY trigger_at`)
}

// ListRemindersByUser returns all reminders of a user ordered by trigger time.
func (s *SQLiteStore) ListRemindersByUser(ctx context.Context, userID string) ([]*domain.Reminder, error) {
	return s.queryReminders(ctx, "user reminders",
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY trigger_at`, userID)
}

// FindPendingReminder returns the earliest matching incomplete reminder.
func (s *SQLiteStore) FindPendingReminder(ctx context.Context, chatID string, typ domain.ReminderType, keyword string) (*domain.Reminder, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(keyword)) + "%"
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE chat_id = ? AND reminder_type = ? AND is_completed = 0 AND lower(message) LIKE ?
		ORDER BY trigger_at LIMIT 1`, chatID, string(typ), pattern)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder row: %w", err)
	}
	return r, nil
}

// CompleteReminder flips is_completed false -> true exactly once.
func (s *SQLiteStore) CompleteReminder(ctx context.Context, id string) (bool, error) {
	var applied bool
	err := withRetry(ctx, "complete reminder", func() error {
		result, err := s.db.ExecContext(ctx, `UPDATE reminders SET is_completed = 1 WHERE id = ? AND is_completed = 0`, id)
		if err != nil {
			return fmt.Errorf("complete reminder: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		applied = rows == 1
		return nil
	})
	return applied, err
}

// DeleteReminder removes a reminder owned by userID.
func (s *SQLiteStore) DeleteReminder(ctx context.Context, id, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete reminder: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetProactiveState loads the quota row for a chat, creating it if missing.
func (s *SQLiteStore) GetProactiveState(ctx context.Context, chatID string) (*domain.ProactiveState, error) {
	now := time.Now().Unix()
	err := withRetry(ctx, "create proactive state", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO proactive_state (chat_id, message_count, session_counter, last_reset_at, updated_at)
			VALUES (?, 0, 0, ?, ?) ON CONFLICT(chat_id) DO NOTHING`, chatID, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure proactive state: %w", err)
	}

	var st domain.ProactiveState
	var lastReset, updatedAt int64
	err = s.db.QueryRowContext(ctx, `SELECT chat_id, message_count, session_counter, last_reset_at, updated_at
		FROM proactive_state WHERE chat_id = ?`, chatID).
		Scan(&st.ChatID, &st.MessageCount, &st.SessionCounter, &lastReset, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan proactive state: %w", err)
	}
	st.LastResetAt = fromUnix(lastReset)
	st.UpdatedAt = fromUnix(updatedAt)
	return &st, nil
}

// BeginProactiveSession increments session_counter and returns the new value.
func (s *SQLiteStore) BeginProactiveSession(ctx context.Context, chatID string) (int, error) {
	var counter int
	err := withRetry(ctx, "begin proactive session", func() error {
		return s.db.QueryRowContext(ctx, `UPDATE proactive_state
			SET session_counter = session_counter + 1, updated_at = ?
			WHERE chat_id = ? RETURNING session_counter`, time.Now().Unix(), chatID).Scan(&counter)
	})
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("proactive state not found for chat %s", chatID)
	}
	if err != nil {
		return 0, fmt.Errorf("begin proactive session: %w", err)
	}
	return counter, nil
}

// IncrementProactiveCount adds one to message_count, clamped at max.
func (s *SQLiteStore) IncrementProactiveCount(ctx context.Context, chatID string, max int) (int, error) {
	var count int
	err := withRetry(ctx, "increment proactive count", func() error {
		return s.db.QueryRowContext(ctx, `UPDATE proactive_state
			SET message_count = MIN(message_count + 1, ?), updated_at = ?
			WHERE chat_id = ? RETURNING message_count`, max, time.Now().Unix(), chatID).Scan(&count)
	})
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("proactive state not found for chat %s", chatID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment proactive count: %w", err)
	}
	return count, nil
}

// ResetProactiveCount sets message_count back to zero.
func (s *SQLiteStore) ResetProactiveCount(ctx context.Context, chatID string) error {
	now := time.Now().Unix()
	err := withRetry(ctx, "reset proactive count", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO proactive_state (chat_id, message_count, session_counter, last_reset_at, updated_at)
			VALUES (?, 0, 0, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET message_count = 0, last_reset_at = excluded.last_reset_at, updated_at = excluded.updated_at`,
			chatID, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset proactive count: %w", err)
	}
	return nil
}
