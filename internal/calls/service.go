// Package calls implements the outbound call intent state machine.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/push"
	"github.com/ashureev/botsapp/internal/store"
)

// Errors returned by Transition.
var (
	ErrNotFound          = errors.New("call intent not found")
	ErrTerminal          = errors.New("call intent already ended")
	ErrInvalidTransition = errors.New("invalid call status transition")
)

// End reasons recorded by the service itself.
const (
	ReasonTimeout        = "timeout"
	ReasonVoIPPushFailed = "voip_push_failed"
	ReasonUserEnd        = "user_end"
)

const casAttempts = 3

// Pusher rings a user's device.
type Pusher interface {
	RingCall(ctx context.Context, user *domain.User, c push.CallAlert) bool
}

// Presence delivers frames to online clients.
type Presence interface {
	SendToUser(ctx context.Context, userID string, msg any) int
}

// Service owns every CallIntent status write.
type Service struct {
	repo        store.Repository
	pusher      Pusher
	presence    Presence
	metrics     *observability.Metrics
	ringTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewService creates a call service. A ringTimeout of 0 disables the missed timer.
func NewService(repo store.Repository, pusher Pusher, presence Presence, m *observability.Metrics, ringTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		pusher:      pusher,
		presence:    presence,
		metrics:     m,
		ringTimeout: ringTimeout,
		logger:      logger,
		now:         time.Now,
		timers:      make(map[string]*time.Timer),
	}
}

// CreateParams describes a new call intent.
type CreateParams struct {
	UserID       string
	ChatID       string
	ReminderID   string
	RingMessage  string
	ScheduledFor *time.Time
}

// Create stores a queued intent.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.CallIntent, error) {
	intent := &domain.CallIntent{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		ChatID:       p.ChatID,
		ReminderID:   p.ReminderID,
		Status:       domain.CallQueued,
		RingMessage:  p.RingMessage,
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateCallIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create call intent: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CallsScheduled.Inc()
	}
	s.logger.Info("Call intent created", "call_id", intent.ID, "chat_id", intent.ChatID, "reminder_id", intent.ReminderID)
	return intent, nil
}

// CreateForReminder returns the intent tied to reminderID, creating it once.
// The boolean is true only for the caller that created it.
func (s *Service) CreateForReminder(ctx context.Context, r *domain.Reminder) (*domain.CallIntent, bool, error) {
	existing, err := s.repo.GetCallIntentByReminder(ctx, r.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	trigger := r.TriggerAt
	intent, err := s.Create(ctx, CreateParams{
		UserID:       r.UserID,
		ChatID:       r.ChatID,
		ReminderID:   r.ID,
		RingMessage:  r.Message,
		ScheduledFor: &trigger,
	})
	if err != nil {
		// Lost a race on the unique reminder index.
		if again, getErr := s.repo.GetCallIntentByReminder(ctx, r.ID); getErr == nil && again != nil {
			return again, false, nil
		}
		return nil, false, err
	}
	return intent, true, nil
}

// Get returns an intent or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.CallIntent, error) {
	intent, err := s.repo.GetCallIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, ErrNotFound
	}
	return intent, nil
}

// Transition moves an intent to status to. The first terminal write wins:
// once an intent is terminal every later call returns ErrTerminal and
// neither the status, the end reason nor the metrics change.
func (s *Service) Transition(ctx context.Context, id string, to domain.CallStatus, endReason string) (*domain.CallIntent, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return current, ErrTerminal
		}
		if !domain.CanTransition(current.Status, to) {
			return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}

		reason := endReason
		if reason == "" && to.IsTerminal() && to != domain.CallCompleted {
			reason = string(to)
		}

		at := s.now().UTC()
		applied, err := s.repo.TransitionCallIntent(ctx, id, current.Status, to, reason, at)
		if err != nil {
			return nil, fmt.Errorf("transition call intent: %w", err)
		}
		if !applied {
			// Someone else moved it; re-evaluate against the new status.
			continue
		}

		if s.metrics != nil {
			s.metrics.CallTransitions.WithLabelValues(string(to)).Inc()
		}
		if current.Status == domain.CallRinging {
			s.stopTimer(id)
		}
		s.logger.Info("Call status changed", "call_id", id, "from", current.Status, "to", to, "reason", reason)

		updated, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("transition call intent %s: too much contention", id)
}

// Ring moves a queued intent to ringing and alerts the user's devices.
// Online clients get a scheduled_call frame; devices get a VoIP push with
// alert fallback. If nothing could be reached the intent fails with
// reason voip_push_failed and false is returned.
func (s *Service) Ring(ctx context.Context, intent *domain.CallIntent) (bool, error) {
	ringing, err := s.Transition(ctx, intent.ID, domain.CallRinging, "")
	if err != nil {
		return false, err
	}

	user, err := s.repo.GetUser(ctx, ringing.UserID)
	if err != nil {
		// Still ringing in storage; let the timeout end it.
		s.armTimer(ringing.ID, s.ringTimeout)
		return false, fmt.Errorf("load user: %w", err)
	}
	botName, botAvatar := s.botIdentity(ctx, ringing.ChatID)

	delivered := 0
	if s.presence != nil {
		delivered = s.presence.SendToUser(ctx, ringing.UserID, domain.ScheduledCallFrame{
			Type:      domain.FrameScheduledCall,
			CallID:    ringing.ID,
			ChatID:    ringing.ChatID,
			BotName:   botName,
			BotAvatar: botAvatar,
			Message:   ringing.RingMessage,
		})
	}

	pushed := false
	if user != nil && s.pusher != nil {
		pushed = s.pusher.RingCall(ctx, user, push.CallAlert{
			CallID:    ringing.ID,
			ChatID:    ringing.ChatID,
			BotName:   botName,
			BotAvatar: botAvatar,
			Message:   ringing.RingMessage,
		})
	}

	if !pushed && delivered == 0 {
		if _, err := s.Transition(ctx, ringing.ID, domain.CallFailed, ReasonVoIPPushFailed); err != nil && !errors.Is(err, ErrTerminal) {
			s.logger.Warn("Failed to mark unreachable call as failed", "call_id", ringing.ID, "error", err)
		}
		return false, nil
	}

	s.armTimer(ringing.ID, s.ringTimeout)
	return true, nil
}

func (s *Service) botIdentity(ctx context.Context, chatID string) (string, string) {
	chat, err := s.repo.GetChat(ctx, chatID)
	if err != nil || chat == nil {
		return "AI", ""
	}
	bot, err := s.repo.GetBot(ctx, chat.BotID)
	if err != nil || bot == nil {
		return "AI", ""
	}
	return bot.Name, bot.AvatarURL
}

// Recover re-arms ring timeouts lost with a restart. Intents that have
// been ringing longer than the ring timeout are marked missed right away.
// Returns the number of intents moved to missed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.ringTimeout <= 0 {
		return 0, nil
	}
	ringing, err := s.repo.ListCallIntentsByStatus(ctx, domain.CallRinging)
	if err != nil {
		return 0, fmt.Errorf("list ringing calls: %w", err)
	}

	now := s.now()
	missed := 0
	for _, intent := range ringing {
		since := intent.UpdatedAt
		if intent.RingingAt != nil {
			since = *intent.RingingAt
		}
		remaining := s.ringTimeout - now.Sub(since)
		if remaining > 0 {
			s.armTimer(intent.ID, remaining)
			continue
		}
		if s.expire(ctx, intent.ID) {
			missed++
		}
	}
	s.logger.Info("Recovered ringing calls", "ringing", len(ringing), "missed", missed)
	return missed, nil
}

func (s *Service) armTimer(id string, after time.Duration) {
	if s.ringTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.expire(ctx, id)
	})
}

// expire moves a ringing intent to missed. Reports whether it did.
func (s *Service) expire(ctx context.Context, id string) bool {
	_, err := s.Transition(ctx, id, domain.CallMissed, ReasonTimeout)
	switch {
	case err == nil:
		s.logger.Info("Call not answered in time", "call_id", id)
		return true
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrInvalidTransition):
	default:
		s.logger.Warn("Ring timeout transition failed", "call_id", id, "error", err)
	}
	return false
}

func (s *Service) stopTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Stop cancels every pending ring timeout.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
