package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/ashureev/botsapp/internal/observability"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// FCMMessage is the subset of the HTTP v1 message we send.
type FCMMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// FCMSender posts to the Firebase Cloud Messaging HTTP v1 API.
type FCMSender struct {
	client   *http.Client
	endpoint string
	backoff  time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewFCMSender loads a service-account key and returns an authorized sender.
func NewFCMSender(ctx context.Context, credentialsPath, projectID string, m *observability.Metrics) (*FCMSender, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read fcm credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parse fcm credentials: %w", err)
	}
	client := conf.Client(ctx)
	client.Timeout = 10 * time.Second
	endpoint := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID)
	return NewFCMSenderWithClient(client, endpoint, m), nil
}

// NewFCMSenderWithClient uses a pre-authorized client and explicit endpoint.
func NewFCMSenderWithClient(client *http.Client, endpoint string, m *observability.Metrics) *FCMSender {
	return &FCMSender{
		client:   client,
		endpoint: endpoint,
		backoff:  defaultBackoff,
		metrics:  m,
		logger:   slog.Default(),
	}
}

// Send delivers msg to an FCM registration token with the same retry policy
// as the APNs dispatcher.
func (f *FCMSender) Send(ctx context.Context, token string, msg FCMMessage, retries int) bool {
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"token":        token,
			"notification": map[string]string{"title": msg.Title, "body": msg.Body},
			"data":         msg.Data,
			"android":      map[string]any{"priority": "high"},
			"apns": map[string]any{
				"payload": map[string]any{"aps": map[string]any{"sound": "default", "badge": 1}},
			},
		},
	})
	if err != nil {
		f.countFailure()
		return false
	}

	ok := attemptWithBackoff(ctx, retries, f.backoff, func(int) error {
		return f.post(ctx, body)
	}, func(attempt int, err error) {
		f.logger.Warn("FCM push attempt failed", "attempt", attempt, "error", err)
	})
	if ok {
		if f.metrics != nil {
			f.metrics.PushSent.WithLabelValues(observability.PushKindFCM).Inc()
		}
		return true
	}
	f.logger.Error("FCM push failed after retries", "retries", retries)
	f.countFailure()
	return false
}

func (f *FCMSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("fcm status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}

func (f *FCMSender) countFailure() {
	if f.metrics != nil {
		f.metrics.PushFailed.WithLabelValues(observability.PushKindFCM).Inc()
	}
}
