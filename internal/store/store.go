// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/botsapp/internal/domain"
)

// Repository defines the interface for persisting users, bots, chats and the
// scheduling state of the realtime core.
type Repository interface {
	// GetUser retrieves a user by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateDeviceTokens replaces the push tokens of a user. Empty values clear them.
	UpdateDeviceTokens(ctx context.Context, userID, fcmToken, voipToken string) error

	// GetBot retrieves a bot by ID. Returns nil, nil when absent.
	GetBot(ctx context.Context, botID string) (*domain.Bot, error)

	// UpsertBot creates or updates a bot record.
	UpsertBot(ctx context.Context, bot *domain.Bot) error

	// ListProactiveBots returns bots with a positive proactive interval.
	ListProactiveBots(ctx context.Context) ([]*domain.Bot, error)

	// UpdateBotProactive changes the proactive settings of a bot.
	UpdateBotProactive(ctx context.Context, botID string, intervalMinutes, maxMessages int, prompt string) error

	// GetChat retrieves a chat by ID. Returns nil, nil when absent.
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)

	// UpsertChat creates or updates a chat record.
	UpsertChat(ctx context.Context, chat *domain.Chat) error

	// ListChatsByBot returns every chat that talks to the given bot.
	ListChatsByBot(ctx context.Context, botID string) ([]*domain.Chat, error)

	// AppendMessage stores a chat message and bumps the chat's last_message_at.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListRecentMessages returns up to limit most recent messages, oldest first.
	ListRecentMessages(ctx context.Context, chatID string, limit int) ([]*domain.Message, error)

	// AppendLifecycle stores one trace entry of an agent run.
	AppendLifecycle(ctx context.Context, entry *domain.LifecycleMessage) error

	// ListLifecycle returns trace entries for a chat, optionally filtered by session.
	ListLifecycle(ctx context.Context, chatID, sessionID string) ([]*domain.LifecycleMessage, error)

	// CreateCallIntent inserts a new call intent.
	CreateCallIntent(ctx context.Context, intent *domain.CallIntent) error

	// GetCallIntent retrieves a call intent by ID. Returns nil, nil when absent.
	GetCallIntent(ctx context.Context, id string) (*domain.CallIntent, error)

	// GetCallIntentByReminder returns the intent created for a reminder, if any.
	GetCallIntentByReminder(ctx context.Context, reminderID string) (*domain.CallIntent, error)

	// TransitionCallIntent moves an intent from one status to another only if
	// the stored status still equals from. Returns false when it did not.
	TransitionCallIntent(ctx context.Context, id string, from, to domain.CallStatus, endReason string, at time.Time) (bool, error)

	// ListCallIntentsByStatus returns every intent in the given status, oldest first.
	ListCallIntentsByStatus(ctx context.Context, status domain.CallStatus) ([]*domain.CallIntent, error)

	// CreateReminder inserts a new reminder.
	CreateReminder(ctx context.Context, r *domain.Reminder) error

	// GetReminder retrieves a reminder by ID. Returns nil, nil when absent.
	GetReminder(ctx context.Context, id string) (*domain.Reminder, error)

	// ListPendingReminders returns every reminder not yet completed.
	ListPendingReminders(ctx context.Context) ([]*domain.Reminder, error)

	// ListRemindersByUser returns all reminders of a user ordered by trigger time.
	ListRemindersByUser(ctx context.Context, userID string) ([]*domain.Reminder, error)

	// FindPendingReminder returns the earliest incomplete reminder of the given
	// type in a chat whose message contains keyword (case-insensitive).
	FindPendingReminder(ctx context.Context, chatID string, typ domain.ReminderType, keyword string) (*domain.Reminder, error)

	// CompleteReminder flips is_completed false -> true. Returns false if it
	// was already completed or does not exist.
	CompleteReminder(ctx context.Context, id string) (bool, error)

	// DeleteReminder removes a reminder owned by userID.
	DeleteReminder(ctx context.Context, id, userID string) (bool, error)

	// GetProactiveState loads the quota row for a chat, creating it if missing.
	GetProactiveState(ctx context.Context, chatID string) (*domain.ProactiveState, error)

	// BeginProactiveSession increments session_counter and returns the new value.
	BeginProactiveSession(ctx context.Context, chatID string) (int, error)

	// IncrementProactiveCount adds one to message_count, clamped at max.
	IncrementProactiveCount(ctx context.Context, chatID string, max int) (int, error)

	// ResetProactiveCount sets message_count back to zero.
	ResetProactiveCount(ctx context.Context, chatID string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
