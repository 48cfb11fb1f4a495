package push

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/botsapp/internal/domain"
)

// CallAlert describes an incoming AI call.
type CallAlert struct {
	CallID    string
	ChatID    string
	BotName   string
	BotAvatar string
	Message   string
}

// Alert is a plain user-visible notification.
type Alert struct {
	Title     string
	Body      string
	ChatID    string
	AvatarURL string
}

// Notifier picks a transport per device token and applies the call-push
// fallback policy. A nil APNs dispatcher or FCM sender disables that path.
type Notifier struct {
	apns    *Dispatcher
	fcm     *FCMSender
	retries int
	baseURL string
	logger  *slog.Logger
}

// NewNotifier wires the transports. baseURL makes relative avatar paths absolute.
func NewNotifier(apns *Dispatcher, fcm *FCMSender, retries int, baseURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		apns:    apns,
		fcm:     fcm,
		retries: retries,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// RingCall tries a VoIP push first. If the user has no VoIP token or the
// VoIP push fails, a plain alert is sent to the same user instead.
func (n *Notifier) RingCall(ctx context.Context, user *domain.User, c CallAlert) bool {
	avatar := n.absoluteURL(c.BotAvatar)
	if user.VoIPToken != "" && n.apns != nil {
		body := c.Message
		if body == "" {
			body = "Scheduled AI call"
		}
		payload := map[string]any{
			"aps": map[string]any{
				"alert":             map[string]any{"title": c.BotName, "body": body},
				"sound":             "default",
				"content-available": 1,
			},
			"call": map[string]any{
				"call_id":    c.CallID,
				"chat_id":    c.ChatID,
				"bot_name":   c.BotName,
				"bot_avatar": avatar,
				"message":    c.Message,
			},
		}
		if n.apns.SendPush(ctx, user.VoIPToken, Notification{Kind: KindVoIP, Payload: payload}, n.retries) {
			return true
		}
		n.logger.Warn("VoIP push failed, falling back to alert", "user_id", user.ID, "call_id", c.CallID)
	}

	return n.SendAlert(ctx, user, Alert{
		Title:     c.BotName,
		Body:      "Scheduled call from " + c.BotName,
		ChatID:    c.ChatID,
		AvatarURL: c.BotAvatar,
	})
}

// SendAlert delivers a plain notification to the user's alert token.
func (n *Notifier) SendAlert(ctx context.Context, user *domain.User, a Alert) bool {
	token := strings.TrimSpace(user.FCMToken)
	if token == "" {
		n.logger.Debug("No alert token, skipping push", "user_id", user.ID)
		return false
	}
	avatar := n.absoluteURL(a.AvatarURL)

	if domain.IsAPNsToken(token) {
		if n.apns == nil {
			n.logger.Warn("APNs not configured, dropping alert", "user_id", user.ID)
			return false
		}
		payload := map[string]any{
			"aps": map[string]any{
				"alert":           map[string]any{"title": a.Title, "body": a.Body},
				"sound":           "default",
				"badge":           1,
				"mutable-content": 1,
				"category":        "CHAT_MESSAGE",
			},
			"chat_id":    a.ChatID,
			"avatar_url": avatar,
		}
		return n.apns.SendPush(ctx, token, Notification{Kind: KindAlert, Payload: payload}, n.retries)
	}

	if n.fcm == nil {
		n.logger.Warn("FCM not configured, dropping alert", "user_id", user.ID)
		return false
	}
	return n.fcm.Send(ctx, token, FCMMessage{
		Title: a.Title,
		Body:  a.Body,
		Data:  map[string]string{"chat_id": a.ChatID, "avatar_url": avatar},
	}, n.retries)
}

func (n *Notifier) absoluteURL(u string) string {
	if u == "" || n.baseURL == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return n.baseURL + "/" + strings.TrimLeft(u, "/")
}
