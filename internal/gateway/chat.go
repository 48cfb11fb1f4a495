// Package gateway serves the realtime WebSocket endpoints: the live chat
// socket and the per-call voice socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/botsapp/internal/conversation"
	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/identity"
	"github.com/ashureev/botsapp/internal/presence"
	"github.com/ashureev/botsapp/internal/store"
)

// StatusUnauthorized closes sockets whose token did not verify.
const StatusUnauthorized websocket.StatusCode = 4001

const (
	readLimit      = 1 << 20
	replyQueueSize = 8
	replyTimeout   = 2 * time.Minute
	writeTimeout   = 5 * time.Second
)

// Conversation persists inbound messages and produces bot replies.
type Conversation interface {
	SaveUserMessage(ctx context.Context, userID string, in *domain.Message) (*domain.Message, error)
	Reply(ctx context.Context, chatID string) error
}

// ChatHandler serves /ws.
type ChatHandler struct {
	tokens   *identity.Tokens
	repo     store.Repository
	conv     Conversation
	presence *presence.Router
	limiter  *RateLimiter
	origins  []string
	logger   *slog.Logger

	// replies tracks detached reply runs so shutdown can wait for them.
	replies sync.WaitGroup
}

// ChatConfig holds the collaborators of a ChatHandler.
type ChatConfig struct {
	Tokens   *identity.Tokens
	Repo     store.Repository
	Conv     Conversation
	Presence *presence.Router
	Limiter  *RateLimiter
	// Origins are host patterns accepted for browser clients. Empty allows any.
	Origins []string
	Logger  *slog.Logger
}

// NewChatHandler creates the live chat handler.
func NewChatHandler(cfg ChatConfig) *ChatHandler {
	h := &ChatHandler{
		tokens:   cfg.Tokens,
		repo:     cfg.Repo,
		conv:     cfg.Conv,
		presence: cfg.Presence,
		limiter:  cfg.Limiter,
		origins:  cfg.Origins,
		logger:   cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Wait blocks until every connection's reply worker has finished, or ctx
// is done. Connections must be closed first or their workers never exit.
func (h *ChatHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.replies.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and relays chat frames until the client leaves.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := accept(w, r, h.origins)
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	userID, err := h.tokens.Authenticate(r, h.repo)
	if err != nil {
		h.logger.Warn("Rejected chat socket", "ip", identity.IPFromRequest(r), "error", err)
		_ = ws.Close(StatusUnauthorized, "Unauthorized")
		return
	}
	ws.SetReadLimit(readLimit)

	h.presence.Connect(userID, ws)
	defer func() {
		h.presence.Disconnect(userID, ws)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	h.logger.Info("Chat socket connected", "user_id", userID)

	// Replies for one connection run in order, off the read loop, and
	// outlive the socket so an answer still lands when the client drops.
	queue := make(chan string, replyQueueSize)
	h.replies.Add(1)
	go func() {
		defer h.replies.Done()
		for chatID := range queue {
			h.reply(context.WithoutCancel(r.Context()), chatID)
		}
	}()
	defer close(queue)

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Chat socket closed by client", "user_id", userID)
			} else {
				h.logger.Debug("Chat socket read error", "user_id", userID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame domain.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.writeError(ctx, ws, "", "Invalid frame")
			continue
		}

		switch frame.Type {
		case domain.FrameMessage:
			chatID, ok := h.admit(ctx, ws, userID, frame)
			if !ok {
				continue
			}
			select {
			case queue <- chatID:
			default:
				h.writeError(ctx, ws, chatID, "Still answering your previous messages")
			}
		case domain.FrameTyping:
			h.logger.Debug("User typing", "user_id", userID, "chat_id", frame.ChatID, "is_typing", frame.IsTyping)
		default:
			h.logger.Debug("Unknown chat frame", "user_id", userID, "type", frame.Type)
		}
	}
}

// admit validates and stores an inbound message. A user message restarts
// the chat's proactive quota.
func (h *ChatHandler) admit(ctx context.Context, ws *websocket.Conn, userID string, f domain.ClientFrame) (string, bool) {
	if f.ChatID == "" {
		h.writeError(ctx, ws, "", "chat_id is required")
		return "", false
	}
	if strings.TrimSpace(f.Content) == "" && f.AttachmentURL == "" {
		h.writeError(ctx, ws, f.ChatID, "Message is empty")
		return "", false
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		h.writeError(ctx, ws, f.ChatID, "Too many messages, slow down")
		return "", false
	}

	_, err := h.conv.SaveUserMessage(ctx, userID, &domain.Message{
		ChatID:        f.ChatID,
		Content:       f.Content,
		ContentType:   f.ContentType,
		AttachmentURL: f.AttachmentURL,
	})
	if errors.Is(err, conversation.ErrChatNotFound) {
		h.writeError(ctx, ws, f.ChatID, "Chat not found")
		return "", false
	}
	if err != nil {
		h.logger.Error("Failed to save message", "user_id", userID, "chat_id", f.ChatID, "error", err)
		h.writeError(ctx, ws, f.ChatID, "Message could not be saved")
		return "", false
	}

	if err := h.repo.ResetProactiveCount(ctx, f.ChatID); err != nil {
		h.logger.Warn("Failed to reset proactive count", "chat_id", f.ChatID, "error", err)
	}
	return f.ChatID, true
}

func (h *ChatHandler) reply(ctx context.Context, chatID string) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := h.conv.Reply(ctx, chatID); err != nil {
		h.logger.Error("Reply failed", "chat_id", chatID, "error", err)
	}
}

func (h *ChatHandler) writeError(ctx context.Context, ws *websocket.Conn, chatID, msg string) {
	if err := writeJSON(ctx, ws, domain.ErrorFrame{Type: domain.FrameError, ChatID: chatID, Message: msg}); err != nil {
		h.logger.Debug("Failed to send error frame", "error", err)
	}
}

func accept(w http.ResponseWriter, r *http.Request, origins []string) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{OriginPatterns: origins}
	if len(origins) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	return websocket.Accept(w, r, opts)
}

// OriginPatterns converts CORS origins such as "https://app.example.com"
// into the host patterns the WebSocket handshake checks against.
func OriginPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		} else if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
