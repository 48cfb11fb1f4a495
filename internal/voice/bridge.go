// Package voice relays live call audio between a client socket and an
// upstream realtime voice model.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
)

// ErrBridgeUsed is returned when Run is called on a bridge that already ran.
var ErrBridgeUsed = errors.New("voice bridge already started")

// State is the lifecycle stage of a bridge.
type State int32

// Bridge states.
const (
	StateIdle State = iota
	StateSessionStarting
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSessionStarting:
		return "session_starting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind tells what an upstream event carries.
type EventKind int

// Upstream event kinds.
const (
	EventAudio EventKind = iota
	EventUserTranscript
	EventBotTranscript
	EventTurnComplete
)

// Event is one unit of upstream output.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
}

// Upstream is an open realtime voice session.
type Upstream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	EndTurn(ctx context.Context) error
	// Receive blocks for the next batch of events. io.EOF ends the stream.
	Receive(ctx context.Context) ([]Event, error)
	Close() error
}

// SessionConfig configures an upstream session.
type SessionConfig struct {
	SystemPrompt string
	VoiceName    string
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Upstream, error)
}

// ClientConn is the client side of a call.
type ClientConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
}

// Hooks are called on client control frames.
type Hooks struct {
	// OnEndCall runs when the client hangs up with an end_call frame.
	OnEndCall func(ctx context.Context)
}

// Bridge runs one call. It is single use.
type Bridge struct {
	dialer  Dialer
	metrics *observability.Metrics
	logger  *slog.Logger
	state   atomic.Int32
}

// NewBridge creates a bridge.
func NewBridge(dialer Dialer, m *observability.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{dialer: dialer, metrics: m, logger: logger}
}

// State returns the current state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

type controlFrame struct {
	Type string `json:"type"`
}

// Run opens the upstream session, tells the client it is ready and relays
// in both directions until either side finishes. Whichever direction ends
// first stops the other, and the upstream is closed exactly once.
func (b *Bridge) Run(ctx context.Context, client ClientConn, cfg SessionConfig, hooks Hooks) error {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateSessionStarting)) {
		return ErrBridgeUsed
	}
	defer b.state.Store(int32(StateClosed))

	up, err := b.dialer.Dial(ctx, cfg)
	if err != nil {
		_ = b.writeJSON(ctx, client, domain.ErrorFrame{Type: domain.FrameError, Message: "Voice session unavailable"})
		return fmt.Errorf("open voice session: %w", err)
	}
	var closeOnce sync.Once
	closeUpstream := func() {
		closeOnce.Do(func() {
			if err := up.Close(); err != nil {
				b.logger.Debug("Failed to close voice session", "error", err)
			}
		})
	}
	defer closeUpstream()

	if b.metrics != nil {
		b.metrics.VoiceSessions.Inc()
		defer b.metrics.VoiceSessions.Dec()
	}

	b.state.Store(int32(StateActive))
	if err := b.writeJSON(ctx, client, controlFrame{Type: domain.FrameReady}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 2)
	go func() { done <- b.inbound(relayCtx, client, up, hooks) }()
	go func() { done <- b.outbound(relayCtx, client, up) }()

	first := <-done
	cancel()
	closeUpstream()
	<-done

	b.logger.Info("Voice call ended", "error", first)
	return first
}

// inbound relays client audio and control frames upstream. It returns nil
// when the client hangs up or disconnects.
func (b *Bridge) inbound(ctx context.Context, client ClientConn, up Upstream, hooks Hooks) error {
	chunks := 0
	for {
		typ, data, err := client.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read client: %w", err)
		}

		if typ == websocket.MessageBinary {
			chunks++
			if chunks%50 == 1 {
				b.logger.Debug("Audio from client", "chunks", chunks, "bytes", len(data))
			}
			if err := up.SendAudio(ctx, data); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
			continue
		}

		var msg controlFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("Ignoring malformed control frame", "error", err)
			continue
		}
		switch msg.Type {
		case domain.FrameEndCall:
			b.logger.Info("Client ended call")
			if hooks.OnEndCall != nil {
				hooks.OnEndCall(ctx)
			}
			return nil
		case domain.FrameUserTurnEnd, domain.FrameTurnEnd:
			if err := up.EndTurn(ctx); err != nil {
				return fmt.Errorf("end turn: %w", err)
			}
		}
	}
}

// outbound relays upstream audio and transcripts to the client. Repeated
// transcript lines are sent once.
func (b *Bridge) outbound(ctx context.Context, client ClientConn, up Upstream) error {
	var lastUser, lastBot string
	for {
		events, err := up.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive upstream: %w", err)
		}
		for _, ev := range events {
			var werr error
			switch ev.Kind {
			case EventAudio:
				if len(ev.Audio) > 0 {
					werr = client.Write(ctx, websocket.MessageBinary, ev.Audio)
				}
			case EventUserTranscript:
				text := strings.TrimSpace(ev.Text)
				if text != "" && text != lastUser {
					lastUser = text
					werr = b.writeJSON(ctx, client, domain.VoiceFrame{Type: domain.FrameVoice, Role: domain.RoleUser, Text: text})
				}
			case EventBotTranscript:
				text := strings.TrimSpace(ev.Text)
				if text != "" && text != lastBot {
					lastBot = text
					werr = b.writeJSON(ctx, client, domain.VoiceFrame{Type: domain.FrameVoice, Role: domain.RoleAssistant, Text: text})
				}
			case EventTurnComplete:
				werr = b.writeJSON(ctx, client, controlFrame{Type: domain.FrameTurnComplete})
			}
			if werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write client: %w", werr)
			}
		}
	}
}

func (b *Bridge) writeJSON(ctx context.Context, client ClientConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return client.Write(ctx, websocket.MessageText, data)
}
