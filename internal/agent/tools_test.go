package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/botsapp/internal/calls"
	"github.com/ashureev/botsapp/internal/domain"
)

type memReminders struct {
	mu        sync.Mutex
	reminders map[string]*domain.Reminder
}

func newMemReminders() *memReminders {
	return &memReminders{reminders: make(map[string]*domain.Reminder)}
}

func (m *memReminders) CreateReminder(_ context.Context, r *domain.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reminders[r.ID] = &cp
	return nil
}

func (m *memReminders) FindPendingReminder(_ context.Context, chatID string, typ domain.ReminderType, keyword string) (*domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reminders {
		if r.ChatID == chatID && r.Type == typ && !r.IsCompleted &&
			strings.Contains(strings.ToLower(r.Message), strings.ToLower(keyword)) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memReminders) CompleteReminder(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.IsCompleted {
		return false, nil
	}
	r.IsCompleted = true
	return true, nil
}

type memScheduler struct {
	scheduled   []string
	unscheduled []string
}

func (s *memScheduler) Schedule(r *domain.Reminder) error {
	s.scheduled = append(s.scheduled, r.ID)
	return nil
}

func (s *memScheduler) Unschedule(id string) {
	s.unscheduled = append(s.unscheduled, id)
}

type fakeRinger struct {
	ok      bool
	created []calls.CreateParams
}

func (f *fakeRinger) Create(_ context.Context, p calls.CreateParams) (*domain.CallIntent, error) {
	f.created = append(f.created, p)
	return &domain.CallIntent{ID: "call-1", UserID: p.UserID, ChatID: p.ChatID, Status: domain.CallQueued}, nil
}

func (f *fakeRinger) Ring(_ context.Context, _ *domain.CallIntent) (bool, error) {
	return f.ok, nil
}

var ist = time.FixedZone("IST", 5*3600+1800)

func TestParseScheduleTime(t *testing.T) {
	t.Parallel()

	got, err := ParseScheduleTime("2025-03-01T09:30:00", ist)
	if err != nil {
		t.Fatalf("ParseScheduleTime() error = %v", err)
	}
	if want := time.Date(2025, 3, 1, 4, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("naive time = %v, want %v", got.UTC(), want)
	}

	got, err = ParseScheduleTime("2025-03-01T09:30:00Z", ist)
	if err != nil {
		t.Fatalf("ParseScheduleTime() error = %v", err)
	}
	if want := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("offset time = %v, want %v", got, want)
	}

	if _, err := ParseScheduleTime("2025-03-01 09:30", ist); err != nil {
		t.Fatalf("space layout error = %v", err)
	}
	if _, err := ParseScheduleTime("tomorrow morning", ist); err == nil {
		t.Fatal("expected error for free text")
	}
}

func TestScheduleCallCreatesCallReminder(t *testing.T) {
	t.Parallel()

	store := newMemReminders()
	sched := &memScheduler{}
	tool := NewScheduleCallTool(store, sched)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	res, err := tool.Invoke(context.Background(), ToolContext{UserID: "u1", ChatID: "c1", Now: now, Location: ist},
		map[string]any{"time": "2025-03-01T09:30:00", "message": "morning standup"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success() {
		t.Fatalf("result = %v", res)
	}
	id, _ := res["reminder_id"].(string)
	r := store.reminders[id]
	if r == nil {
		t.Fatal("reminder not stored")
	}
	if r.Type != domain.ReminderCall || r.UserID != "u1" || r.ChatID != "c1" {
		t.Fatalf("reminder = %+v", r)
	}
	if r.TriggerAt.Location() != time.UTC || !r.TriggerAt.Equal(time.Date(2025, 3, 1, 4, 0, 0, 0, time.UTC)) {
		t.Fatalf("TriggerAt = %v", r.TriggerAt)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != id {
		t.Fatalf("scheduled = %v", sched.scheduled)
	}
}

func TestScheduleRejectsPastTime(t *testing.T) {
	t.Parallel()

	store := newMemReminders()
	sched := &memScheduler{}
	tool := NewSetReminderTool(store, sched)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := tool.Invoke(context.Background(), ToolContext{Now: now},
		map[string]any{"time": "2025-03-01T11:00:00Z", "message": "too late"})
	if err == nil {
		t.Fatal("expected error for a past time")
	}
	if len(store.reminders) != 0 || len(sched.scheduled) != 0 {
		t.Fatal("past reminder must not be stored or scheduled")
	}
}

func TestCancelSchedule(t *testing.T) {
	t.Parallel()

	store := newMemReminders()
	sched := &memScheduler{}
	_ = store.CreateReminder(context.Background(), &domain.Reminder{ID: "r1", ChatID: "c1", Type: domain.ReminderCall, Message: "Dentist appointment"})
	tool := CancelScheduleTool{Store: store, Scheduler: sched}
	tc := ToolContext{ChatID: "c1"}

	res, err := tool.Invoke(context.Background(), tc, map[string]any{"message_keyword": "dentist"})
	if err != nil || !res.Success() {
		t.Fatalf("Invoke() = %v, %v", res, err)
	}
	if !store.reminders["r1"].IsCompleted {
		t.Fatal("reminder not completed")
	}
	if len(sched.unscheduled) != 1 || sched.unscheduled[0] != "r1" {
		t.Fatalf("unscheduled = %v", sched.unscheduled)
	}

	res, err = tool.Invoke(context.Background(), tc, map[string]any{"message_keyword": "dentist"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Success() {
		t.Fatal("second cancel should report no match")
	}
}

func TestCallNowReportsUnreachableDevice(t *testing.T) {
	t.Parallel()

	ringer := &fakeRinger{ok: false}
	res, err := CallNowTool{Calls: ringer}.Invoke(context.Background(), ToolContext{UserID: "u1", ChatID: "c1"},
		map[string]any{"message": "quick sync"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Success() || res["call_id"] != "call-1" {
		t.Fatalf("result = %v", res)
	}
	if len(ringer.created) != 1 || ringer.created[0].RingMessage != "quick sync" {
		t.Fatalf("created = %+v", ringer.created)
	}

	ringer.ok = true
	res, _ = CallNowTool{Calls: ringer}.Invoke(context.Background(), ToolContext{UserID: "u1", ChatID: "c1"}, map[string]any{})
	if !res.Success() || res["status"] != string(domain.CallRinging) {
		t.Fatalf("result = %v", res)
	}
}

func TestRegistrySubsetAndSpecs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(SendMessageTool{}, CallNowTool{}, CancelScheduleTool{})
	sub := reg.Subset(ToolSendMessage, "web_search")
	if names := sub.Names(); len(names) != 1 || names[0] != ToolSendMessage {
		t.Fatalf("Subset names = %v", names)
	}
	specs := reg.Specs()
	if len(specs) != 3 || specs[0].Name != ToolCallNow {
		t.Fatalf("Specs = %+v", specs)
	}
}

func TestToGeminiContentsGroupsFunctionResponses(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}},
		{Role: RoleTool, ToolCallID: "1", ToolName: "a", Result: OK(nil)},
		{Role: RoleTool, ToolCallID: "2", ToolName: "b", Result: Fail("x")},
	}
	contents := toGeminiContents(msgs)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if got := len(contents[2].Parts); got != 2 {
		t.Fatalf("function response parts = %d, want 2", got)
	}
	schema := toGeminiSchema(SendMessageTool{}.Schema())
	if schema.Type != "OBJECT" || schema.Properties["message"].Type != "STRING" || len(schema.Required) != 1 {
		t.Fatalf("schema = %+v", schema)
	}
}
