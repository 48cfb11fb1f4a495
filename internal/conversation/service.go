// Package conversation runs agent turns for a chat and delivers the results
// to the user, both for live messages and for proactive check-ins.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/botsapp/internal/agent"
	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/push"
	"github.com/ashureev/botsapp/internal/store"
)

// ErrChatNotFound is returned when a chat or its bot does not exist.
var ErrChatNotFound = errors.New("chat not found")

const (
	defaultHistoryLimit = 30
	pushBodyLimit       = 160
)

// CoreTools are available to every bot regardless of its enabled tool list.
var CoreTools = []string{
	agent.ToolSendMessage,
	agent.ToolScheduleCall,
	agent.ToolSetReminder,
	agent.ToolCancelSchedule,
	agent.ToolCallNow,
}

// Presence delivers frames to online clients.
type Presence interface {
	SendToUser(ctx context.Context, userID string, msg any) int
	IsOnline(userID string) bool
}

// Alerter sends a plain push notification.
type Alerter interface {
	SendAlert(ctx context.Context, user *domain.User, a push.Alert) bool
}

// Service ties the agent loop to chat persistence and delivery.
type Service struct {
	repo         store.Repository
	loop         *agent.Loop
	tools        *agent.Registry
	presence     Presence
	alerts       Alerter
	location     *time.Location
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// Config holds the collaborators of a Service.
type Config struct {
	Repo     store.Repository
	Loop     *agent.Loop
	Tools    *agent.Registry
	Presence Presence
	Alerts   Alerter
	Location *time.Location
	// HistoryLimit bounds how many past messages are sent to the model.
	HistoryLimit int
	Logger       *slog.Logger
}

// NewService creates a conversation service.
func NewService(cfg Config) *Service {
	s := &Service{
		repo:         cfg.Repo,
		loop:         cfg.Loop,
		tools:        cfg.Tools,
		presence:     cfg.Presence,
		alerts:       cfg.Alerts,
		location:     cfg.Location,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.historyLimit <= 0 {
		s.historyLimit = defaultHistoryLimit
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// target is everything a run needs to know about a chat.
type target struct {
	user *domain.User
	chat *domain.Chat
	bot  *domain.Bot
}

func (s *Service) load(ctx context.Context, chatID string) (*target, error) {
	chat, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return nil, ErrChatNotFound
	}
	bot, err := s.repo.GetBot(ctx, chat.BotID)
	if err != nil {
		return nil, fmt.Errorf("load bot: %w", err)
	}
	if bot == nil {
		return nil, ErrChatNotFound
	}
	user, err := s.repo.GetUser(ctx, chat.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		user = &domain.User{ID: chat.UserID}
	}
	return &target{user: user, chat: chat, bot: bot}, nil
}

// SaveUserMessage persists an inbound message after checking the chat
// belongs to userID, and echoes it back to the user's connections.
func (s *Service) SaveUserMessage(ctx context.Context, userID string, in *domain.Message) (*domain.Message, error) {
	chat, err := s.repo.GetChat(ctx, in.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if chat == nil || chat.UserID != userID {
		return nil, ErrChatNotFound
	}
	msg := &domain.Message{
		ID:            uuid.NewString(),
		ChatID:        in.ChatID,
		Role:          domain.RoleUser,
		Content:       in.Content,
		ContentType:   in.ContentType,
		AttachmentURL: in.AttachmentURL,
		CreatedAt:     s.now().UTC(),
	}
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentText
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	s.presence.SendToUser(ctx, userID, domain.NewMessageFrame(domain.FrameMessage, msg))
	return msg, nil
}

// Reply runs the bot's turn for the latest message of a chat. Text produced
// while reasoning is streamed as it arrives; the final reply is persisted and
// delivered. A model failure surfaces as an error frame.
func (s *Service) Reply(ctx context.Context, chatID string) error {
	t, err := s.load(ctx, chatID)
	if err != nil {
		return err
	}

	s.typing(ctx, t, true)
	defer s.typing(ctx, t, false)

	sessionID := uuid.NewString()
	out, runErr := s.run(ctx, t, sessionID, "", "", func(text string) {
		s.presence.SendToUser(ctx, t.user.ID, domain.StreamFrame{Type: domain.FrameStream, ChatID: chatID, Token: text})
	})

	reply := out.Text
	if out.Delivered != nil && out.Delivered.Message != "" {
		reply = out.Delivered.Message
	}
	if strings.TrimSpace(reply) != "" {
		if _, err := s.Deliver(ctx, t.user, t.chat, t.bot, reply); err != nil {
			return err
		}
	}

	if runErr != nil {
		s.presence.SendToUser(ctx, t.user.ID, domain.ErrorFrame{
			Type:    domain.FrameError,
			ChatID:  chatID,
			Message: "The assistant could not respond. Please try again.",
		})
		return runErr
	}
	return nil
}

// CheckIn runs a proactive turn. It reports whether the bot sent a message.
// The loop only delivers through send_message, so a run that merely thinks
// out loud does not reach the user.
func (s *Service) CheckIn(ctx context.Context, chatID string, session int) (bool, error) {
	t, err := s.load(ctx, chatID)
	if err != nil {
		return false, err
	}
	prompt := t.bot.CheckInPrompt()
	out, err := s.run(ctx, t, fmt.Sprintf("proactive-%d", session), prompt, checkInInstructions(prompt), nil)
	if err != nil {
		return false, err
	}
	if out.Delivered == nil || strings.TrimSpace(out.Delivered.Message) == "" {
		return false, nil
	}
	if _, err := s.Deliver(ctx, t.user, t.chat, t.bot, out.Delivered.Message); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) run(ctx context.Context, t *target, sessionID, input, extra string, onText func(string)) (agent.Outcome, error) {
	history, err := s.repo.ListRecentMessages(ctx, t.chat.ID, s.historyLimit)
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("load history: %w", err)
	}
	now := s.now()
	return s.loop.Run(ctx, agent.Invocation{
		System:  s.systemPrompt(t.bot, now, extra),
		History: toAgentHistory(history),
		Input:   input,
		Tools:   s.tools.Subset(append(append([]string{}, CoreTools...), t.bot.EnabledTools...)...),
		Context: agent.ToolContext{
			UserID:    t.user.ID,
			ChatID:    t.chat.ID,
			BotID:     t.bot.ID,
			SessionID: sessionID,
			Now:       now,
			Location:  s.location,
		},
		OnText: onText,
	})
}

func (s *Service) systemPrompt(bot *domain.Bot, now time.Time, extra string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(bot.SystemPrompt))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are %s. The current time is %s (%s).",
		bot.Name, now.In(s.location).Format("Monday, 2 January 2006 15:04"), s.location.String())
	b.WriteString(" Use send_message to deliver your reply to the user.")
	if extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

func checkInInstructions(prompt string) string {
	return "This is a scheduled check-in, not a reply. Your instruction: \"" + prompt + "\"\n" +
		"Gather what you need with the available tools, then decide whether the user should hear from you. " +
		"Call send_message only if there is something worth interrupting them for; otherwise end without it."
}

// Deliver persists an assistant message and pushes it to the user: a
// message_complete frame to live connections, or an alert push when the user
// is offline and the chat is not muted.
func (s *Service) Deliver(ctx context.Context, user *domain.User, chat *domain.Chat, bot *domain.Bot, text string) (*domain.Message, error) {
	msg := &domain.Message{
		ID:          uuid.NewString(),
		ChatID:      chat.ID,
		Role:        domain.RoleAssistant,
		Content:     text,
		ContentType: domain.ContentText,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save reply: %w", err)
	}

	if s.presence.SendToUser(ctx, user.ID, domain.NewMessageFrame(domain.FrameMessageComplete, msg)) > 0 {
		return msg, nil
	}
	if chat.IsMuted || s.alerts == nil {
		return msg, nil
	}
	if !s.alerts.SendAlert(ctx, user, push.Alert{
		Title:     bot.Name,
		Body:      Truncate(text, pushBodyLimit),
		ChatID:    chat.ID,
		AvatarURL: bot.AvatarURL,
	}) {
		s.logger.Debug("Reply not pushed", "user_id", user.ID, "chat_id", chat.ID)
	}
	return msg, nil
}

func (s *Service) typing(ctx context.Context, t *target, on bool) {
	s.presence.SendToUser(ctx, t.user.ID, domain.TypingFrame{Type: domain.FrameTyping, ChatID: t.chat.ID, IsTyping: on})
}

func toAgentHistory(msgs []*domain.Message) []agent.Message {
	out := make([]agent.Message, 0, len(msgs))
	for _, m := range msgs {
		text := m.Content
		if m.AttachmentURL != "" {
			text = strings.TrimSpace(text + "\n[attachment: " + m.AttachmentURL + "]")
		}
		if text == "" {
			continue
		}
		role := agent.RoleUser
		if m.Role == domain.RoleAssistant {
			role = agent.RoleAssistant
		}
		out = append(out, agent.Message{Role: role, Text: text})
	}
	return out
}

// Truncate shortens s to at most n runes, ending with an ellipsis when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
