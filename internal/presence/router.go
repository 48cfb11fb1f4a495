// Package presence tracks live client connections per user and fans
// messages out to them.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/botsapp/internal/observability"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn the router writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Router maps user IDs to their live connections. A user may have several
// devices or tabs open at once, and the same connection may be registered
// more than once; every registration counts. Sending never fails loudly:
// connections that reject a write are pruned and the caller gets the
// delivered count.
type Router struct {
	mu           sync.RWMutex
	active       map[string]map[Conn]int
	writeTimeout time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithWriteTimeout bounds each individual write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithMetrics records connection counts and prunes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		active:       make(map[string]map[Conn]int),
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers conn for userID. Registering the same conn again adds
// another registration; each one receives its own copy of every frame.
func (r *Router) Connect(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[userID]
	if !ok {
		conns = make(map[Conn]int)
		r.active[userID] = conns
	}
	conns[conn]++
	if r.metrics != nil {
		r.metrics.PresenceConnections.Inc()
	}
	r.logger.Info("Presence connected", "user_id", userID, "connections", countLocked(conns))
}

// Disconnect removes one registration of conn. The user entry is dropped
// when nothing is left.
func (r *Router) Disconnect(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[userID]
	if !ok || conns[conn] == 0 {
		return
	}
	conns[conn]--
	if conns[conn] == 0 {
		delete(conns, conn)
	}
	if len(conns) == 0 {
		delete(r.active, userID)
	}
	if r.metrics != nil {
		r.metrics.PresenceConnections.Dec()
	}
	r.logger.Info("Presence disconnected", "user_id", userID)
}

// pruneLocked drops every registration of conn and returns how many there were.
func (r *Router) pruneLocked(userID string, conn Conn) int {
	conns, ok := r.active[userID]
	if !ok {
		return 0
	}
	n := conns[conn]
	if n == 0 {
		return 0
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.active, userID)
	}
	if r.metrics != nil {
		r.metrics.PresenceConnections.Sub(float64(n))
	}
	return n
}

func countLocked(conns map[Conn]int) int {
	n := 0
	for _, c := range conns {
		n += c
	}
	return n
}

// IsOnline reports whether userID has at least one live connection.
func (r *Router) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[userID]) > 0
}

// Count returns the number of registrations of userID.
func (r *Router) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countLocked(r.active[userID])
}

// SendToUser marshals msg once as JSON and writes it to every connection of
// userID. Connections whose write fails are closed and removed. Returns the
// number of successful deliveries, 0 if the user is offline.
func (r *Router) SendToUser(ctx context.Context, userID string, msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("Presence marshal failed", "user_id", userID, "error", err)
		return 0
	}
	return r.SendRaw(ctx, userID, websocket.MessageText, data)
}

// SendRaw writes a pre-encoded frame to every connection of userID.
func (r *Router) SendRaw(ctx context.Context, userID string, typ websocket.MessageType, data []byte) int {
	type target struct {
		conn Conn
		regs int
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.active[userID]))
	for c, n := range r.active[userID] {
		targets = append(targets, target{conn: c, regs: n})
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	delivered := 0
	var dead []Conn
	for _, t := range targets {
		for i := 0; i < t.regs; i++ {
			if err := r.write(ctx, t.conn, typ, data); err != nil {
				r.logger.Warn("Presence write failed, pruning connection", "user_id", userID, "error", err)
				dead = append(dead, t.conn)
				break
			}
			delivered++
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, c := range dead {
			if r.pruneLocked(userID, c) > 0 && r.metrics != nil {
				r.metrics.PresencePruned.Inc()
			}
		}
		r.mu.Unlock()
		for _, c := range dead {
			_ = c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
	return delivered
}

func (r *Router) write(ctx context.Context, c Conn, typ websocket.MessageType, data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errPanicWrite
		}
	}()
	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return c.Write(wctx, typ, data)
}

// CloseUser forcefully terminates all connections of a user.
func (r *Router) CloseUser(userID string) {
	r.mu.Lock()
	conns := r.active[userID]
	delete(r.active, userID)
	if r.metrics != nil {
		r.metrics.PresenceConnections.Sub(float64(countLocked(conns)))
	}
	r.mu.Unlock()

	closeConns(conns, websocket.StatusNormalClosure, "session closed")
	if len(conns) > 0 {
		r.logger.Info("Presence closed user", "user_id", userID, "connections", len(conns))
	}
}

// CloseAll terminates every connection, concurrently, and returns once each
// close handshake has finished or timed out. Used on shutdown so that
// handlers blocked reading a hijacked socket return.
func (r *Router) CloseAll() {
	r.mu.Lock()
	all := make(map[Conn]int)
	for userID, conns := range r.active {
		for c, n := range conns {
			all[c] += n
		}
		delete(r.active, userID)
	}
	if r.metrics != nil {
		r.metrics.PresenceConnections.Sub(float64(countLocked(all)))
	}
	r.mu.Unlock()

	closeConns(all, websocket.StatusGoingAway, "server shutting down")
	r.logger.Info("Presence closed all connections", "connections", len(all))
}

func closeConns(conns map[Conn]int, code websocket.StatusCode, reason string) {
	var wg sync.WaitGroup
	for c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			_ = c.Close(code, reason)
		}(c)
	}
	wg.Wait()
}
