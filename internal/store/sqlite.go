package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/botsapp/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		fcm_token TEXT,
		voip_token TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		avatar_url TEXT,
		system_prompt TEXT NOT NULL DEFAULT '',
		voice_name TEXT,
		enabled_tools TEXT NOT NULL DEFAULT '[]',
		proactive_interval_minutes INTEGER NOT NULL DEFAULT 0,
		proactive_max_messages INTEGER NOT NULL DEFAULT 5,
		proactivity_prompt TEXT
	);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		is_muted INTEGER NOT NULL DEFAULT 0,
		unread_count INTEGER NOT NULL DEFAULT 0,
		last_message_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chats_bot ON chats(bot_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		attachment_url TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS lifecycle_messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_chat_session ON lifecycle_messages(chat_id, session_id);

	CREATE TABLE IF NOT EXISTS call_intents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		reminder_id TEXT,
		status TEXT NOT NULL,
		ring_message TEXT,
		scheduled_for INTEGER,
		ringing_at INTEGER,
		accepted_at INTEGER,
		ended_at INTEGER,
		end_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_call_intents_reminder ON call_intents(reminder_id) WHERE reminder_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		reminder_type TEXT NOT NULL,
		trigger_at INTEGER NOT NULL,
		is_completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_pending ON reminders(trigger_at) WHERE is_completed = 0;

	CREATE TABLE IF NOT EXISTS proactive_state (
		chat_id TEXT PRIMARY KEY,
		message_count INTEGER NOT NULL DEFAULT 0,
		session_counter INTEGER NOT NULL DEFAULT 0,
		last_reset_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, fcm_token, voip_token, created_at FROM users WHERE id = ?`, userID)

	var user domain.User
	var fcm, voip sql.NullString
	var createdAt int64
	err := row.Scan(&user.ID, &user.DisplayName, &fcm, &voip, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.FCMToken = fcm.String
	user.VoIPToken = voip.String
	user.CreatedAt = fromUnix(createdAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (id, display_name, fcm_token, voip_token, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		fcm_token = excluded.fcm_token,
		voip_token = excluded.voip_token`

	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.DisplayName, nullString(user.FCMToken), nullString(user.VoIPToken), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateDeviceTokens replaces the push tokens of a user.
func (s *SQLiteStore) UpdateDeviceTokens(ctx context.Context, userID, fcmToken, voipToken string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET fcm_token = ?, voip_token = ? WHERE id = ?`,
		nullString(fcmToken), nullString(voipToken), userID)
	if err != nil {
		return fmt.Errorf("update device tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

const botColumns = `id, name, avatar_url, system_prompt, voice_name, enabled_tools,
	proactive_interval_minutes, proactive_max_messages, proactivity_prompt`

func scanBot(scanner interface{ Scan(...any) error }) (*domain.Bot, error) {
	var bot domain.Bot
	var avatar, voice, prompt sql.NullString
	var tools string
	if err := scanner.Scan(&bot.ID, &bot.Name, &avatar, &bot.SystemPrompt, &voice, &tools,
		&bot.ProactiveIntervalMinutes, &bot.ProactiveMaxMessages, &prompt); err != nil {
		return nil, err
	}
	bot.AvatarURL = avatar.String
	bot.VoiceName = voice.String
	bot.ProactivityPrompt = prompt.String
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &bot.EnabledTools); err != nil {
			slog.Warn("Invalid enabled_tools JSON", "bot_id", bot.ID, "error", err)
		}
	}
	return &bot, nil
}

// GetBot retrieves a bot by ID.
func (s *SQLiteStore) GetBot(ctx context.Context, botID string) (*domain.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, botID)
	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot row: %w", err)
	}
	return bot, nil
}

// UpsertBot creates or updates a bot record.
func (s *SQLiteStore) UpsertBot(ctx context.Context, bot *domain.Bot) error {
	tools, err := json.Marshal(bot.EnabledTools)
	if err != nil {
		return fmt.Errorf("marshal enabled tools: %w", err)
	}
	if bot.EnabledTools == nil {
		tools = []byte("[]")
	}

	query := `
	INSERT INTO bots (` + botColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		avatar_url = excluded.avatar_url,
		system_prompt = excluded.system_prompt,
		voice_name = excluded.voice_name,
		enabled_tools = excluded.enabled_tools,
		proactive_interval_minutes = excluded.proactive_interval_minutes,
		proactive_max_messages = excluded.proactive_max_messages,
		proactivity_prompt = excluded.proactivity_prompt`

	_, err = s.db.ExecContext(ctx, query,
		bot.ID, bot.Name, nullString(bot.AvatarURL), bot.SystemPrompt, nullString(bot.VoiceName), string(tools),
		bot.ProactiveIntervalMinutes, bot.MaxProactiveMessages(), nullString(bot.ProactivityPrompt))
	if err != nil {
		return fmt.Errorf("upsert bot: %w", err)
	}
	return nil
}

// ListProactiveBots returns bots with a positive proactive interval.
func (s *SQLiteStore) ListProactiveBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE proactive_interval_minutes > 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query proactive bots: %w", err)
	}
	defer closeRows(rows, "proactive bots")

	var bots []*domain.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proactive bots: %w", err)
	}
	return bots, nil
}

// UpdateBotProactive changes the proactive settings of a bot.
func (s *SQLiteStore) UpdateBotProactive(ctx context.Context, botID string, intervalMinutes, maxMessages int, prompt string) error {
	if intervalMinutes < 0 {
		intervalMinutes = 0
	}
	if maxMessages < 1 {
		maxMessages = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET proactive_interval_minutes = ?, proactive_max_messages = ?, proactivity_prompt = ? WHERE id = ?`,
		intervalMinutes, maxMessages, nullString(prompt), botID)
	if err != nil {
		return fmt.Errorf("update bot proactive: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("bot not found")
	}
	return nil
}

func scanChat(scanner interface{ Scan(...any) error }) (*domain.Chat, error) {
	var chat domain.Chat
	var last sql.NullInt64
	if err := scanner.Scan(&chat.ID, &chat.UserID, &chat.BotID, &chat.IsMuted, &chat.UnreadCount, &last); err != nil {
		return nil, err
	}
	chat.LastMessageAt = fromNullUnix(last)
	return &chat, nil
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, bot_id, is_muted, unread_count, last_message_at FROM chats WHERE id = ?`, chatID)
	chat, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

// UpsertChat creates or updates a chat record.
func (s *SQLiteStore) UpsertChat(ctx context.Context, chat *domain.Chat) error {
	query := `
	INSERT INTO chats (id, user_id, bot_id, is_muted, unread_count, last_message_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		is_muted = excluded.is_muted,
		unread_count = excluded.unread_count,
		last_message_at = COALESCE(excluded.last_message_at, chats.last_message_at)`

	_, err := s.db.ExecContext(ctx, query,
		chat.ID, chat.UserID, chat.BotID, chat.IsMuted, chat.UnreadCount, nullUnix(chat.LastMessageAt))
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// ListChatsByBot returns every chat of a bot.
func (s *SQLiteStore) ListChatsByBot(ctx context.Context, botID string) ([]*domain.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, bot_id, is_muted, unread_count, last_message_at FROM chats WHERE bot_id = ? ORDER BY id`, botID)
	if err != nil {
		return nil, fmt.Errorf("query chats by bot: %w", err)
	}
	defer closeRows(rows, "chats by bot")

	var chats []*domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
