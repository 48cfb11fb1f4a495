// Package push delivers mobile notifications over APNs and FCM with
// bounded retries.
package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/shared"
)

// APNs hosts.
const (
	ProductionHost = "https://api.push.apple.com"
	SandboxHost    = "https://api.sandbox.push.apple.com"
)

const (
	// DefaultRetries is the number of attempts SendPush makes when asked for 0.
	DefaultRetries = 3
	defaultBackoff = 250 * time.Millisecond
)

// Kind selects APNs headers.
type Kind string

// Notification kinds.
const (
	KindVoIP  Kind = "voip"
	KindAlert Kind = "alert"
)

// Notification is one APNs request body plus its kind.
type Notification struct {
	Kind    Kind
	Payload map[string]any
}

// Dispatcher sends notifications to APNs.
type Dispatcher struct {
	client   *http.Client
	host     string
	bundleID string
	signer   *Signer
	backoff  time.Duration
	now      func() time.Time
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the HTTP/2 client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithHost overrides the APNs host.
func WithHost(host string) DispatcherOption {
	return func(d *Dispatcher) { d.host = host }
}

// WithBackoff sets the delay before the second attempt. Later delays double.
func WithBackoff(base time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = base }
}

// WithDispatcherMetrics records push outcomes.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates an APNs dispatcher. sandbox selects the development host.
func NewDispatcher(signer *Signer, bundleID string, sandbox bool, opts ...DispatcherOption) (*Dispatcher, error) {
	host := ProductionHost
	if sandbox {
		host = SandboxHost
	}
	d := &Dispatcher{
		host:     host,
		bundleID: bundleID,
		signer:   signer,
		backoff:  defaultBackoff,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		tr := &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
		d.client = &http.Client{Transport: tr, Timeout: 10 * time.Second}
	}
	return d, nil
}

// SendPush delivers n to deviceToken. It makes up to retries attempts with
// exponential backoff and returns true on the first 2xx response. When every
// attempt fails the failure metric is incremented once and false is returned.
func (d *Dispatcher) SendPush(ctx context.Context, deviceToken string, n Notification, retries int) bool {
	kind := string(n.Kind)
	body, err := json.Marshal(n.Payload)
	if err != nil {
		d.logger.Error("APNs payload marshal failed", "kind", kind, "error", err)
		d.countFailure(kind)
		return false
	}

	// One assertion per call; APNs accepts it for up to an hour.
	assertion, err := d.signer.Sign(d.now())
	if err != nil {
		d.logger.Error("APNs assertion signing failed", "error", err)
		d.countFailure(kind)
		return false
	}

	ok := attemptWithBackoff(ctx, retries, d.backoff, func(attempt int) error {
		return d.post(ctx, deviceToken, n.Kind, assertion, body)
	}, func(attempt int, err error) {
		d.logger.Warn("APNs push attempt failed", "kind", kind, "attempt", attempt, "error", err)
	})
	if ok {
		d.countSent(kind)
		return true
	}
	d.logger.Error("APNs push failed after retries", "kind", kind, "retries", retries)
	d.countFailure(kind)
	return false
}

func (d *Dispatcher) post(ctx context.Context, deviceToken string, kind Kind, assertion string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.host+"/3/device/"+deviceToken, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build apns request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+assertion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("apns-priority", "10")
	switch kind {
	case KindVoIP:
		req.Header.Set("apns-topic", d.bundleID+".voip")
		req.Header.Set("apns-push-type", "voip")
		req.Header.Set("apns-expiration", "0")
	default:
		req.Header.Set("apns-topic", d.bundleID)
		req.Header.Set("apns-push-type", "alert")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var reason struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reason)
	return fmt.Errorf("apns status %d: %s", resp.StatusCode, reason.Reason)
}

func (d *Dispatcher) countSent(kind string) {
	if d.metrics != nil {
		d.metrics.PushSent.WithLabelValues(kind).Inc()
	}
}

func (d *Dispatcher) countFailure(kind string) {
	if d.metrics != nil {
		d.metrics.PushFailed.WithLabelValues(kind).Inc()
	}
}

// attemptWithBackoff runs fn up to retries times (DefaultRetries if <= 0),
// sleeping base, 2*base, ... between attempts. onFail sees each failure.
func attemptWithBackoff(ctx context.Context, retries int, base time.Duration, fn func(attempt int) error, onFail func(attempt int, err error)) bool {
	if retries <= 0 {
		retries = DefaultRetries
	}
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			if err := shared.Sleep(ctx, shared.Backoff(base, attempt-1)); err != nil {
				return false
			}
		}
		err := fn(attempt + 1)
		if err == nil {
			return true
		}
		if onFail != nil {
			onFail(attempt+1, err)
		}
	}
	return false
}
