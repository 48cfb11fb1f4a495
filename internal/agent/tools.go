package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/botsapp/internal/calls"
	"github.com/ashureev/botsapp/internal/domain"
)

// Built-in tool names.
const (
	ToolSendMessage    = "send_message"
	ToolScheduleCall   = "schedule_call"
	ToolSetReminder    = "set_reminder"
	ToolCancelSchedule = "cancel_schedule"
	ToolCallNow        = "call_now"
)

// ReminderStore is the persistence the scheduling tools need.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *domain.Reminder) error
	FindPendingReminder(ctx context.Context, chatID string, typ domain.ReminderType, keyword string) (*domain.Reminder, error)
	CompleteReminder(ctx context.Context, id string) (bool, error)
}

// ReminderScheduler registers and removes timer jobs.
type ReminderScheduler interface {
	Schedule(r *domain.Reminder) error
	Unschedule(id string)
}

// CallRinger creates and rings call intents.
type CallRinger interface {
	Create(ctx context.Context, p calls.CreateParams) (*domain.CallIntent, error)
	Ring(ctx context.Context, intent *domain.CallIntent) (bool, error)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func objectSchema(required []string, props map[string]any) map[string]any {
	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]any{"type": "object", "properties": props, "required": req}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// SendMessageTool delivers the bot's message to the user. Its first
// successful call ends the run.
type SendMessageTool struct{}

func (SendMessageTool) Name() string { return ToolSendMessage }

func (SendMessageTool) Description() string {
	return "Send a message to the user in the main chat. Call this once with the final reply."
}

func (SendMessageTool) Schema() map[string]any {
	return objectSchema([]string{"message"}, map[string]any{
		"message": stringProp("The text to send to the user"),
	})
}

// Terminal marks send_message as the delivery tool.
func (SendMessageTool) Terminal() bool { return true }

func (SendMessageTool) Invoke(_ context.Context, _ ToolContext, args map[string]any) (Result, error) {
	msg := stringArg(args, "message")
	if msg == "" {
		return nil, errors.New("message cannot be empty")
	}
	return OK(map[string]any{"action": "push_to_main", "message": msg}), nil
}

// scheduleTool backs both schedule_call and set_reminder.
type scheduleTool struct {
	name      string
	desc      string
	typ       domain.ReminderType
	store     ReminderStore
	scheduler ReminderScheduler
}

// NewScheduleCallTool returns the schedule_call tool.
func NewScheduleCallTool(store ReminderStore, scheduler ReminderScheduler) Tool {
	return &scheduleTool{
		name:      ToolScheduleCall,
		desc:      "Schedule a voice call to the user at a future time.",
		typ:       domain.ReminderCall,
		store:     store,
		scheduler: scheduler,
	}
}

// NewSetReminderTool returns the set_reminder tool.
func NewSetReminderTool(store ReminderStore, scheduler ReminderScheduler) Tool {
	return &scheduleTool{
		name:      ToolSetReminder,
		desc:      "Send the user a reminder message at a future time.",
		typ:       domain.ReminderMessage,
		store:     store,
		scheduler: scheduler,
	}
}

func (t *scheduleTool) Name() string        { return t.name }
func (t *scheduleTool) Description() string { return t.desc }

func (t *scheduleTool) Schema() map[string]any {
	return objectSchema([]string{"time", "message"}, map[string]any{
		"time":    stringProp("ISO 8601 date-time. Without an offset it is read in the user's timezone."),
		"message": stringProp("What the call or reminder is about"),
	})
}

func (t *scheduleTool) Invoke(ctx context.Context, tc ToolContext, args map[string]any) (Result, error) {
	msg := stringArg(args, "message")
	if msg == "" {
		return nil, errors.New("message cannot be empty")
	}
	when, err := ParseScheduleTime(stringArg(args, "time"), tc.Location)
	if err != nil {
		return nil, err
	}
	now := tc.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !when.After(now) {
		return nil, fmt.Errorf("time %s is in the past", when.Format(time.RFC3339))
	}

	r := &domain.Reminder{
		ID:        uuid.NewString(),
		ChatID:    tc.ChatID,
		UserID:    tc.UserID,
		Message:   msg,
		Type:      t.typ,
		TriggerAt: when.UTC(),
		CreatedAt: now.UTC(),
	}
	if err := t.store.CreateReminder(ctx, r); err != nil {
		return nil, fmt.Errorf("save reminder: %w", err)
	}
	if err := t.scheduler.Schedule(r); err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}
	return OK(map[string]any{
		"reminder_id":   r.ID,
		"scheduled_for": r.TriggerAt.Format(time.RFC3339),
		"message":       msg,
	}), nil
}

// CancelScheduleTool cancels the earliest pending call matching a keyword.
type CancelScheduleTool struct {
	Store     ReminderStore
	Scheduler ReminderScheduler
}

func (CancelScheduleTool) Name() string { return ToolCancelSchedule }

func (CancelScheduleTool) Description() string {
	return "Cancel a previously scheduled call whose description contains the keyword."
}

func (CancelScheduleTool) Schema() map[string]any {
	return objectSchema([]string{"message_keyword"}, map[string]any{
		"message_keyword": stringProp("A word from the scheduled call's message"),
	})
}

func (t CancelScheduleTool) Invoke(ctx context.Context, tc ToolContext, args map[string]any) (Result, error) {
	keyword := stringArg(args, "message_keyword")
	if keyword == "" {
		return nil, errors.New("message_keyword cannot be empty")
	}
	r, err := t.Store.FindPendingReminder(ctx, tc.ChatID, domain.ReminderCall, keyword)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return Fail("no scheduled call matches " + keyword), nil
	}
	if _, err := t.Store.CompleteReminder(ctx, r.ID); err != nil {
		return nil, err
	}
	t.Scheduler.Unschedule(r.ID)
	return OK(map[string]any{"cancelled_id": r.ID, "message": r.Message}), nil
}

// CallNowTool rings the user immediately.
type CallNowTool struct {
	Calls CallRinger
}

func (CallNowTool) Name() string { return ToolCallNow }

func (CallNowTool) Description() string {
	return "Start a voice call with the user right now."
}

func (CallNowTool) Schema() map[string]any {
	return objectSchema(nil, map[string]any{
		"message": stringProp("Short reason shown on the incoming call screen"),
	})
}

func (t CallNowTool) Invoke(ctx context.Context, tc ToolContext, args map[string]any) (Result, error) {
	intent, err := t.Calls.Create(ctx, calls.CreateParams{
		UserID:      tc.UserID,
		ChatID:      tc.ChatID,
		RingMessage: stringArg(args, "message"),
	})
	if err != nil {
		return nil, err
	}
	ok, err := t.Calls.Ring(ctx, intent)
	if err != nil {
		return nil, err
	}
	if !ok {
		res := Fail("could not reach the user's device")
		res["call_id"] = intent.ID
		return res, nil
	}
	return OK(map[string]any{"call_id": intent.ID, "status": string(domain.CallRinging)}), nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseScheduleTime accepts RFC 3339 or a naive local date-time read in loc.
func ParseScheduleTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("time cannot be empty")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use ISO 8601", s)
}
