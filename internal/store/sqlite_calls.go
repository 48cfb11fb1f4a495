package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/botsapp/internal/domain"
)

const callColumns = `id, user_id, chat_id, reminder_id, status, ring_message, scheduled_for,
	ringing_at, accepted_at, ended_at, end_reason, created_at, updated_at`

func scanCallIntent(scanner interface{ Scan(...any) error }) (*domain.CallIntent, error) {
	var c domain.CallIntent
	var reminderID, ringMessage, endReason sql.NullString
	var scheduledFor, ringingAt, acceptedAt, endedAt sql.NullInt64
	var status string
	var createdAt, updatedAt int64

	if err := scanner.Scan(&c.ID, &c.UserID, &c.ChatID, &reminderID, &status, &ringMessage, &scheduledFor,
		&ringingAt, &acceptedAt, &endedAt, &endReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ReminderID = reminderID.String
	c.Status = domain.CallStatus(status)
	c.RingMessage = ringMessage.String
	c.ScheduledFor = fromNullUnix(scheduledFor)
	c.RingingAt = fromNullUnix(ringingAt)
	c.AcceptedAt = fromNullUnix(acceptedAt)
	c.EndedAt = fromNullUnix(endedAt)
	c.EndReason = endReason.String
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)
	return &c, nil
}

// CreateCallIntent inserts a new call intent.
func (s *SQLiteStore) CreateCallIntent(ctx context.Context, c *domain.CallIntent) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx, `INSERT INTO call_intents (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ChatID, nullString(c.ReminderID), string(c.Status), nullString(c.RingMessage),
		nullUnix(c.ScheduledFor), nullUnix(c.RingingAt), nullUnix(c.AcceptedAt), nullUnix(c.EndedAt),
		nullString(c.EndReason), c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert call intent: %w", err)
	}
	return nil
}

// GetCallIntent retrieves a call intent by ID.
func (s *SQLiteStore) GetCallIntent(ctx context.Context, id string) (*domain.CallIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_intents WHERE id = ?`, id)
	c, err := scanCallIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan call intent row: %w", err)
	}
	return c, nil
}

// GetCallIntentByReminder returns the intent created for a reminder, if any.
func (s *SQLiteStore) GetCallIntentByReminder(ctx context.Context, reminderID string) (*domain.CallIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_intents WHERE reminder_id = ?`, reminderID)
	c, err := scanCallIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan call intent row: %w", err)
	}
	return c, nil
}

// ListCallIntentsByStatus returns every intent in the given status, oldest first.
func (s *SQLiteStore) ListCallIntentsByStatus(ctx context.Context, status domain.CallStatus) ([]*domain.CallIntent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM call_intents
		WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query call intents: %w", err)
	}
	defer closeRows(rows, "call intents")

	var out []*domain.CallIntent
	for rows.Next() {
		c, err := scanCallIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call intent row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call intents: %w", err)
	}
	return out, nil
}

// TransitionCallIntent performs a compare-and-swap on the stored status.
// The timestamp column stamped depends on the target status.
func (s *SQLiteStore) TransitionCallIntent(ctx context.Context, id string, from, to domain.CallStatus, endReason string, at time.Time) (bool, error) {
	var stampColumn string
	switch {
	case to == domain.CallRinging:
		stampColumn = "ringing_at"
	case to == domain.CallAccepted:
		stampColumn = "accepted_at"
	case to.IsTerminal():
		stampColumn = "ended_at"
	default:
		return false, fmt.Errorf("no timestamp column for status %q", to)
	}

	query := `UPDATE call_intents
		SET status = ?, updated_at = ?, ` + stampColumn + ` = ?, end_reason = COALESCE(?, end_reason)
		WHERE id = ? AND status = ?`

	var applied bool
	err := withRetry(ctx, "transition call intent", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(to), at.Unix(), at.Unix(), nullString(endReason), id, string(from))
		if err != nil {
			return fmt.Errorf("update call intent status: %w", err)
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
