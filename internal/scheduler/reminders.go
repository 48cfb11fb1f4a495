package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/push"
	"github.com/ashureev/botsapp/internal/store"
)

const (
	jobReminder = "reminder"
	fireTimeout = time.Minute
)

// CallRinger creates the call intent for a reminder and rings it.
type CallRinger interface {
	CreateForReminder(ctx context.Context, r *domain.Reminder) (*domain.CallIntent, bool, error)
	Ring(ctx context.Context, intent *domain.CallIntent) (bool, error)
}

// Presence delivers frames to online clients.
type Presence interface {
	SendToUser(ctx context.Context, userID string, msg any) int
}

// Alerter sends a plain push notification.
type Alerter interface {
	SendAlert(ctx context.Context, user *domain.User, a push.Alert) bool
}

// Reminders keeps one cron entry per pending reminder. The database is the
// source of truth; entries are rebuilt from it by LoadPending.
type Reminders struct {
	cron     *cron.Cron
	repo     store.Repository
	calls    CallRinger
	presence Presence
	alerts   Alerter
	metrics  *observability.Metrics
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	inflight map[string]struct{}
}

// ReminderConfig holds the collaborators of Reminders.
type ReminderConfig struct {
	Cron     *cron.Cron
	Repo     store.Repository
	Calls    CallRinger
	Presence Presence
	Alerts   Alerter
	Metrics  *observability.Metrics
	// MisfireGrace is how late a reminder found at startup may still fire.
	MisfireGrace time.Duration
	Logger       *slog.Logger
}

// NewReminders creates a reminder scheduler.
func NewReminders(cfg ReminderConfig) *Reminders {
	r := &Reminders{
		cron:     cfg.Cron,
		repo:     cfg.Repo,
		calls:    cfg.Calls,
		presence: cfg.Presence,
		alerts:   cfg.Alerts,
		metrics:  cfg.Metrics,
		grace:    cfg.MisfireGrace,
		logger:   cfg.Logger,
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
		inflight: make(map[string]struct{}),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Schedule registers a reminder, replacing any existing entry for the same
// id. An overdue reminder fires right away.
func (r *Reminders) Schedule(rem *domain.Reminder) error {
	if rem == nil || rem.ID == "" {
		return errors.New("reminder id is required")
	}
	id := rem.ID
	at := rem.TriggerAt.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[id]; ok {
		r.cron.Remove(old)
	}
	var entry cron.EntryID
	entry = r.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		if err := r.Fire(ctx, id); err != nil {
			r.logger.Error("Reminder job failed", "reminder_id", id, "error", err)
		}
		r.mu.Lock()
		if r.entries[id] == entry {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.cron.Remove(entry)
	}))
	r.entries[id] = entry
	r.logger.Debug("Reminder scheduled", "reminder_id", id, "trigger_at", at)
	return nil
}

// Unschedule removes the entry for id if present.
func (r *Reminders) Unschedule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}
}

// Pending returns how many reminders have a live cron entry.
func (r *Reminders) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// LoadPending re-registers every incomplete reminder. Those already past
// their trigger fire immediately if they are within the misfire grace and
// are otherwise left pending and unscheduled.
func (r *Reminders) LoadPending(ctx context.Context) (int, error) {
	pending, err := r.repo.ListPendingReminders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending reminders: %w", err)
	}
	now := r.now()
	loaded := 0
	for _, rem := range pending {
		if late := now.Sub(rem.TriggerAt); late > 0 && late > r.grace {
			r.logger.Warn("Skipping missed reminder", "reminder_id", rem.ID, "trigger_at", rem.TriggerAt, "late", late)
			r.count("missed")
			continue
		}
		if err := r.Schedule(rem); err != nil {
			r.logger.Warn("Failed to schedule reminder", "reminder_id", rem.ID, "error", err)
			continue
		}
		loaded++
	}
	r.logger.Info("Loaded pending reminders", "count", loaded)
	return loaded, nil
}

// Fire runs the side effect of a reminder and marks it completed. Firing
// the same reminder again, concurrently or later, does nothing.
func (r *Reminders) Fire(ctx context.Context, id string) error {
	if !r.acquire(id) {
		r.logger.Debug("Reminder already firing", "reminder_id", id)
		return nil
	}
	defer r.release(id)

	rem, err := r.repo.GetReminder(ctx, id)
	if err != nil {
		r.count("error")
		return fmt.Errorf("load reminder: %w", err)
	}
	if rem == nil || rem.IsCompleted {
		return nil
	}

	switch rem.Type {
	case domain.ReminderCall:
		err = r.fireCall(ctx, rem)
	default:
		err = r.fireMessage(ctx, rem)
	}
	if err != nil {
		r.count("error")
		return err
	}

	if _, err := r.repo.CompleteReminder(ctx, id); err != nil {
		r.count("error")
		return fmt.Errorf("complete reminder: %w", err)
	}
	r.count("success")
	r.logger.Info("Reminder fired", "reminder_id", id, "type", rem.Type, "user_id", rem.UserID)
	return nil
}

func (r *Reminders) fireCall(ctx context.Context, rem *domain.Reminder) error {
	intent, created, err := r.calls.CreateForReminder(ctx, rem)
	if err != nil {
		return fmt.Errorf("create call intent: %w", err)
	}
	if !created && intent.Status != domain.CallQueued {
		return nil
	}
	if _, err := r.calls.Ring(ctx, intent); err != nil {
		return fmt.Errorf("ring call: %w", err)
	}
	return nil
}

func (r *Reminders) fireMessage(ctx context.Context, rem *domain.Reminder) error {
	if r.presence.SendToUser(ctx, rem.UserID, domain.ReminderFrame{
		Type:         domain.FrameReminder,
		ChatID:       rem.ChatID,
		Message:      rem.Message,
		ReminderType: string(rem.Type),
		ReminderID:   rem.ID,
	}) > 0 {
		return nil
	}
	if r.alerts == nil {
		return nil
	}
	user, err := r.repo.GetUser(ctx, rem.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		r.logger.Warn("Reminder user not found", "reminder_id", rem.ID, "user_id", rem.UserID)
		return nil
	}
	r.alerts.SendAlert(ctx, user, push.Alert{Title: "Reminder", Body: rem.Message, ChatID: rem.ChatID})
	return nil
}

func (r *Reminders) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Reminders) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Reminders) count(status string) {
	if r.metrics != nil {
		r.metrics.SchedulerJobs.WithLabelValues(jobReminder, status).Inc()
	}
}
