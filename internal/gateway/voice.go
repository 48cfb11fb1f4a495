package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/botsapp/internal/calls"
	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/identity"
	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/store"
	"github.com/ashureev/botsapp/internal/voice"
)

const voiceHistoryLimit = 50

// CallTransitioner moves call intents through their lifecycle.
type CallTransitioner interface {
	Get(ctx context.Context, id string) (*domain.CallIntent, error)
	Transition(ctx context.Context, id string, to domain.CallStatus, endReason string) (*domain.CallIntent, error)
}

// VoiceHandler serves /ws/voice/{chat_id}.
type VoiceHandler struct {
	tokens  *identity.Tokens
	repo    store.Repository
	calls   CallTransitioner
	dialer  voice.Dialer
	metrics *observability.Metrics
	origins []string
	logger  *slog.Logger
}

// VoiceConfig holds the collaborators of a VoiceHandler.
type VoiceConfig struct {
	Tokens  *identity.Tokens
	Repo    store.Repository
	Calls   CallTransitioner
	Dialer  voice.Dialer
	Metrics *observability.Metrics
	Origins []string
	Logger  *slog.Logger
}

// NewVoiceHandler creates the voice call handler.
func NewVoiceHandler(cfg VoiceConfig) *VoiceHandler {
	h := &VoiceHandler{
		tokens:  cfg.Tokens,
		repo:    cfg.Repo,
		calls:   cfg.Calls,
		dialer:  cfg.Dialer,
		metrics: cfg.Metrics,
		origins: cfg.Origins,
		logger:  cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// ServeHTTP runs one voice call. When call_id names one of the user's
// ringing intents it becomes accepted, and hanging up completes it.
func (h *VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := accept(w, r, h.origins)
	if err != nil {
		h.logger.Error("Failed to accept voice socket", "error", err)
		return
	}

	userID, err := h.tokens.Authenticate(r, h.repo)
	if err != nil {
		h.logger.Warn("Rejected voice socket", "ip", identity.IPFromRequest(r), "error", err)
		_ = ws.Close(StatusUnauthorized, "Unauthorized")
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "call ended"); closeErr != nil {
			h.logger.Debug("Failed to close voice socket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx := r.Context()
	chatID := chi.URLParam(r, "chat_id")
	chat, err := h.repo.GetChat(ctx, chatID)
	if err != nil || chat == nil || chat.UserID != userID {
		if err != nil {
			h.logger.Error("Failed to load chat", "chat_id", chatID, "error", err)
		}
		_ = writeJSON(ctx, ws, domain.ErrorFrame{Type: domain.FrameError, ChatID: chatID, Message: "Chat not found"})
		return
	}
	bot, err := h.repo.GetBot(ctx, chat.BotID)
	if err != nil {
		h.logger.Warn("Failed to load bot", "bot_id", chat.BotID, "error", err)
	}

	callID := r.URL.Query().Get("call_id")
	callContext, owned := h.answer(ctx, userID, callID)

	history, err := h.repo.ListRecentMessages(ctx, chatID, voiceHistoryLimit)
	if err != nil {
		h.logger.Warn("Failed to load call history", "chat_id", chatID, "error", err)
	}

	cfg := voice.SessionConfig{SystemPrompt: voice.BuildPrompt(bot, callContext, history)}
	if bot != nil {
		cfg.VoiceName = voice.NormalizeVoice(bot.VoiceName)
	} else {
		cfg.VoiceName = voice.NormalizeVoice("")
	}

	hooks := voice.Hooks{}
	if owned {
		hooks.OnEndCall = func(ctx context.Context) {
			h.transition(context.WithoutCancel(ctx), callID, domain.CallCompleted, calls.ReasonUserEnd)
		}
	}

	h.logger.Info("Voice call starting", "user_id", userID, "chat_id", chatID, "call_id", callID)
	bridge := voice.NewBridge(h.dialer, h.metrics, h.logger)
	if err := bridge.Run(ctx, ws, cfg, hooks); err != nil {
		h.logger.Warn("Voice call ended with error", "chat_id", chatID, "error", err)
	}
}

// answer accepts the user's ringing intent and returns its ring message as
// context for the call. owned is false for unknown or foreign intents, which
// are then never touched again by this socket.
func (h *VoiceHandler) answer(ctx context.Context, userID, callID string) (callContext string, owned bool) {
	if callID == "" || h.calls == nil {
		return "", false
	}
	intent, err := h.calls.Get(ctx, callID)
	if err != nil || intent.UserID != userID {
		h.logger.Warn("Ignoring call_id", "call_id", callID, "user_id", userID, "error", err)
		return "", false
	}
	h.transition(ctx, callID, domain.CallAccepted, "")
	return intent.RingMessage, true
}

func (h *VoiceHandler) transition(ctx context.Context, callID string, to domain.CallStatus, reason string) {
	if h.calls == nil {
		return
	}
	_, err := h.calls.Transition(ctx, callID, to, reason)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrTerminal), errors.Is(err, calls.ErrInvalidTransition):
		h.logger.Debug("Call transition skipped", "call_id", callID, "to", to, "error", err)
	default:
		h.logger.Error("Call transition failed", "call_id", callID, "to", to, "error", err)
	}
}
