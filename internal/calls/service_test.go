package calls

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/push"
	"github.com/ashureev/botsapp/internal/store"
)

type fakePusher struct {
	mu    sync.Mutex
	ok    bool
	calls []push.CallAlert
}

func (p *fakePusher) RingCall(_ context.Context, _ *domain.User, c push.CallAlert) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	return p.ok
}

type fakePresence struct {
	mu     sync.Mutex
	online bool
	frames []any
}

func (p *fakePresence) SendToUser(_ context.Context, _ string, msg any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return 0
	}
	p.frames = append(p.frames, msg)
	return 1
}

type fixture struct {
	svc      *Service
	repo     store.Repository
	metrics  *observability.Metrics
	pusher   *fakePusher
	presence *fakePresence
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	_ = repo.UpsertUser(ctx, &domain.User{ID: "u1", VoIPToken: "voip"})
	_ = repo.UpsertBot(ctx, &domain.Bot{ID: "b1", Name: "Maya", AvatarURL: "/a/maya.png"})
	_ = repo.UpsertChat(ctx, &domain.Chat{ID: "c1", UserID: "u1", BotID: "b1"})

	m := observability.NewMetrics(prometheus.NewRegistry())
	p := &fakePusher{ok: true}
	pr := &fakePresence{}
	svc := NewService(repo, p, pr, m, ringTimeout, nil)
	t.Cleanup(svc.Stop)
	return &fixture{svc: svc, repo: repo, metrics: m, pusher: p, presence: pr}
}

func (f *fixture) outcome(status string) float64 {
	return testutil.ToFloat64(f.metrics.CallTransitions.WithLabelValues(status))
}

func TestHappyPathTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	intent, err := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1", RingMessage: "check-in"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if testutil.ToFloat64(f.metrics.CallsScheduled) != 1 {
		t.Error("scheduled metric not incremented")
	}

	for _, to := range []domain.CallStatus{domain.CallRinging, domain.CallAccepted, domain.CallCompleted} {
		got, err := f.svc.Transition(ctx, intent.ID, to, "")
		if err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
		if got.Status != to {
			t.Fatalf("status = %s, want %s", got.Status, to)
		}
	}

	final, _ := f.svc.Get(ctx, intent.ID)
	if final.RingingAt == nil || final.AcceptedAt == nil || final.EndedAt == nil {
		t.Errorf("timestamps not stamped: %+v", final)
	}
	if f.outcome("completed") != 1 {
		t.Error("completed metric not incremented")
	}
}

func TestTerminalIsFirstWriteWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	if _, err := f.svc.Transition(ctx, intent.ID, domain.CallRinging, ""); err != nil {
		t.Fatal(err)
	}
	missed, err := f.svc.Transition(ctx, intent.ID, domain.CallMissed, "")
	if err != nil {
		t.Fatalf("Transition(missed) error = %v", err)
	}
	if missed.EndReason != "missed" {
		t.Errorf("default end reason = %q, want missed", missed.EndReason)
	}

	for _, to := range []domain.CallStatus{domain.CallAccepted, domain.CallFailed, domain.CallCompleted} {
		if _, err := f.svc.Transition(ctx, intent.ID, to, "late"); !errors.Is(err, ErrTerminal) {
			t.Errorf("Transition(%s) on terminal = %v, want ErrTerminal", to, err)
		}
	}

	got, _ := f.svc.Get(ctx, intent.ID)
	if got.Status != domain.CallMissed || got.EndReason != "missed" {
		t.Errorf("terminal intent changed: %s / %s", got.Status, got.EndReason)
	}
	if f.outcome("missed") != 1 || f.outcome("accepted") != 0 || f.outcome("failed") != 0 {
		t.Error("metrics changed on a no-op transition")
	}
}

func TestInvalidTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	if _, err := f.svc.Transition(ctx, intent.ID, domain.CallAccepted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued->accepted = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Transition(ctx, "missing", domain.CallRinging, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing intent = %v, want ErrNotFound", err)
	}
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	_, _ = f.svc.Transition(ctx, intent.ID, domain.CallRinging, "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, to := range []domain.CallStatus{domain.CallMissed, domain.CallDeclined, domain.CallFailed} {
		wg.Add(1)
		go func(to domain.CallStatus) {
			defer wg.Done()
			if _, err := f.svc.Transition(ctx, intent.ID, to, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("terminal winners = %d, want 1", wins)
	}
	total := f.outcome("missed") + f.outcome("declined") + f.outcome("failed")
	if total != 1 {
		t.Errorf("terminal metric total = %v, want 1", total)
	}
}

func TestRingFailsWhenUnreachable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	f.pusher.ok = false
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	ok, err := f.svc.Ring(ctx, intent)
	if err != nil {
		t.Fatalf("Ring() error = %v", err)
	}
	if ok {
		t.Fatal("Ring() = true, want false")
	}
	got, _ := f.svc.Get(ctx, intent.ID)
	if got.Status != domain.CallFailed || got.EndReason != ReasonVoIPPushFailed {
		t.Errorf("intent = %s / %s, want failed / voip_push_failed", got.Status, got.EndReason)
	}
}

func TestRingSendsForegroundFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	f.presence.online = true
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1", RingMessage: "wake up"})
	if ok, err := f.svc.Ring(ctx, intent); err != nil || !ok {
		t.Fatalf("Ring() = %v, %v", ok, err)
	}
	if len(f.presence.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(f.presence.frames))
	}
	frame := f.presence.frames[0].(domain.ScheduledCallFrame)
	if frame.BotName != "Maya" || frame.Message != "wake up" || frame.CallID != intent.ID {
		t.Errorf("frame = %+v", frame)
	}
	if len(f.pusher.calls) != 1 || f.pusher.calls[0].BotAvatar != "/a/maya.png" {
		t.Errorf("push calls = %+v", f.pusher.calls)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	if ok, err := f.svc.Ring(ctx, intent); err != nil || !ok {
		t.Fatalf("Ring() = %v, %v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.svc.Get(ctx, intent.ID)
		if got.Status == domain.CallMissed {
			if got.EndReason != ReasonTimeout {
				t.Errorf("end reason = %q, want timeout", got.EndReason)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("intent never became missed")
}

func TestAcceptBeforeTimeoutWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	_, _ = f.svc.Ring(ctx, intent)
	if _, err := f.svc.Transition(ctx, intent.ID, domain.CallAccepted, ""); err != nil {
		t.Fatalf("accept error = %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	got, _ := f.svc.Get(ctx, intent.ID)
	if got.Status != domain.CallAccepted {
		t.Errorf("status = %s, want accepted", got.Status)
	}
	if f.outcome("missed") != 0 {
		t.Error("missed metric incremented after accept")
	}
}

type userLookupFails struct {
	store.Repository
}

func (userLookupFails) GetUser(context.Context, string) (*domain.User, error) {
	return nil, errors.New("database is locked")
}

func TestRingArmsTimeoutWhenUserLookupFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	svc := NewService(userLookupFails{f.repo}, f.pusher, f.presence, f.metrics, 30*time.Millisecond, nil)
	t.Cleanup(svc.Stop)
	ctx := context.Background()

	intent, _ := svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	if _, err := svc.Ring(ctx, intent); err == nil {
		t.Fatal("Ring() error = nil, want user lookup error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := svc.Get(ctx, intent.ID)
		if got.Status == domain.CallMissed {
			if got.EndReason != ReasonTimeout {
				t.Errorf("end reason = %q, want timeout", got.EndReason)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("intent stayed ringing after a failed Ring")
}

func TestRecoverSweepsRingingIntents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	ringAt := func(at time.Time) *domain.CallIntent {
		t.Helper()
		intent, err := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		f.svc.now = func() time.Time { return at }
		if _, err := f.svc.Transition(ctx, intent.ID, domain.CallRinging, ""); err != nil {
			t.Fatalf("Transition(ringing) error = %v", err)
		}
		return intent
	}
	stale := ringAt(now.Add(-2 * time.Minute))
	fresh := ringAt(now.Add(-20 * time.Second))
	f.svc.now = func() time.Time { return now }

	missed, err := f.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if missed != 1 {
		t.Errorf("Recover() missed = %d, want 1", missed)
	}

	got, _ := f.svc.Get(ctx, stale.ID)
	if got.Status != domain.CallMissed || got.EndReason != ReasonTimeout {
		t.Errorf("stale intent = %s/%q, want missed/timeout", got.Status, got.EndReason)
	}
	got, _ = f.svc.Get(ctx, fresh.ID)
	if got.Status != domain.CallRinging {
		t.Errorf("fresh intent = %s, want ringing", got.Status)
	}

	f.svc.mu.Lock()
	_, armed := f.svc.timers[fresh.ID]
	_, staleArmed := f.svc.timers[stale.ID]
	f.svc.mu.Unlock()
	if !armed {
		t.Error("fresh intent has no ring timer after Recover")
	}
	if staleArmed {
		t.Error("stale intent kept a ring timer")
	}
}

func TestRecoverDisabledWithoutTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	intent, _ := f.svc.Create(ctx, CreateParams{UserID: "u1", ChatID: "c1"})
	if _, err := f.svc.Transition(ctx, intent.ID, domain.CallRinging, ""); err != nil {
		t.Fatal(err)
	}
	if missed, err := f.svc.Recover(ctx); err != nil || missed != 0 {
		t.Fatalf("Recover() = %d, %v", missed, err)
	}
	got, _ := f.svc.Get(ctx, intent.ID)
	if got.Status != domain.CallRinging {
		t.Errorf("status = %s, want ringing", got.Status)
	}
}

func TestCreateForReminderIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	r := &domain.Reminder{ID: "r1", UserID: "u1", ChatID: "c1", Message: "call", Type: domain.ReminderCall, TriggerAt: time.Now()}
	first, created, err := f.svc.CreateForReminder(ctx, r)
	if err != nil || !created {
		t.Fatalf("first CreateForReminder = %v, %v", created, err)
	}
	second, created, err := f.svc.CreateForReminder(ctx, r)
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("second CreateForReminder = %v, %v, %v", second, created, err)
	}
	if testutil.ToFloat64(f.metrics.CallsScheduled) != 1 {
		t.Error("scheduled metric incremented twice")
	}
}
