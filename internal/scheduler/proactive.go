package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/store"
)

const (
	jobProactive    = "proactive"
	proactiveBudget = 5 * time.Minute
)

// CheckInRunner runs one proactive agent turn for a chat and reports
// whether a message reached the user.
type CheckInRunner interface {
	CheckIn(ctx context.Context, chatID string, session int) (bool, error)
}

// Proactive keeps one interval job per bot with check-ins enabled.
type Proactive struct {
	cron    *cron.Cron
	repo    store.Repository
	runner  CheckInRunner
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewProactive creates the proactive trigger.
func NewProactive(c *cron.Cron, repo store.Repository, runner CheckInRunner, m *observability.Metrics, logger *slog.Logger) *Proactive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proactive{
		cron:    c,
		repo:    repo,
		runner:  runner,
		metrics: m,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// LoadAll registers a job for every bot with a positive interval.
func (p *Proactive) LoadAll(ctx context.Context) (int, error) {
	bots, err := p.repo.ListProactiveBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list proactive bots: %w", err)
	}
	for _, b := range bots {
		p.Upsert(b)
	}
	p.logger.Info("Loaded proactive bots", "count", len(bots))
	return len(bots), nil
}

// Upsert (re)registers the job for a bot. A zero interval removes it.
func (p *Proactive) Upsert(bot *domain.Bot) {
	p.Remove(bot.ID)
	interval := bot.ProactiveInterval()
	if interval <= 0 {
		return
	}

	botID := bot.ID
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{logger: p.logger})).Then(cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), proactiveBudget)
		defer cancel()
		if err := p.Run(ctx, botID); err != nil {
			p.logger.Error("Proactive job failed", "bot_id", botID, "error", err)
		}
	}))

	p.mu.Lock()
	p.entries[botID] = p.cron.Schedule(cron.Every(interval), job)
	p.mu.Unlock()
	p.logger.Info("Proactive job registered", "bot_id", botID, "interval", interval)
}

// Remove drops the job of a bot.
func (p *Proactive) Remove(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[botID]; ok {
		p.cron.Remove(entry)
		delete(p.entries, botID)
	}
}

// Registered reports whether a bot has a live job.
func (p *Proactive) Registered(botID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[botID]
	return ok
}

// Run checks in on every chat of a bot. A failing chat does not stop the others.
func (p *Proactive) Run(ctx context.Context, botID string) error {
	bot, err := p.repo.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot: %w", err)
	}
	if bot == nil || bot.ProactiveInterval() <= 0 {
		p.logger.Info("Proactive bot missing or disabled, skipping", "bot_id", botID)
		return nil
	}
	chats, err := p.repo.ListChatsByBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	for _, chat := range chats {
		status, err := p.runChat(ctx, bot, chat)
		if err != nil {
			p.logger.Warn("Proactive check-in failed", "bot_id", botID, "chat_id", chat.ID, "error", err)
			status = "error"
		}
		if p.metrics != nil {
			p.metrics.SchedulerJobs.WithLabelValues(jobProactive, status).Inc()
		}
	}
	return nil
}

func (p *Proactive) runChat(ctx context.Context, bot *domain.Bot, chat *domain.Chat) (string, error) {
	limit := bot.MaxProactiveMessages()
	state, err := p.repo.GetProactiveState(ctx, chat.ID)
	if err != nil {
		return "", err
	}
	if state.QuotaReached(limit) {
		p.logger.Debug("Proactive quota reached", "chat_id", chat.ID, "count", state.MessageCount, "max", limit)
		return "skipped", nil
	}

	session, err := p.repo.BeginProactiveSession(ctx, chat.ID)
	if err != nil {
		return "", err
	}
	sent, err := p.runner.CheckIn(ctx, chat.ID, session)
	if err != nil {
		return "", err
	}
	if !sent {
		return "quiet", nil
	}
	count, err := p.repo.IncrementProactiveCount(ctx, chat.ID, limit)
	if err != nil {
		return "", err
	}
	p.logger.Info("Proactive message sent", "chat_id", chat.ID, "session", session, "count", count, "max", limit)
	return "success", nil
}
