package presence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ashureev/botsapp/internal/observability"
)

type fakeConn struct {
	mu     sync.Mutex
	fail   bool
	frames [][]byte
	closed bool
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestSendToUserOffline(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	if n := r.SendToUser(context.Background(), "nobody", map[string]string{"type": "typing"}); n != 0 {
		t.Errorf("SendToUser(offline) = %d, want 0", n)
	}
}

func TestConnectDisconnect(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	a, b := &fakeConn{}, &fakeConn{}

	r.Connect("u1", a)
	r.Connect("u1", b)
	if got := r.Count("u1"); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	r.Disconnect("u1", a)
	if !r.IsOnline("u1") {
		t.Fatal("user should still be online with one connection")
	}
	r.Disconnect("u1", b)
	if r.IsOnline("u1") {
		t.Fatal("user should be offline")
	}
	r.mu.RLock()
	_, present := r.active["u1"]
	r.mu.RUnlock()
	if present {
		t.Error("empty user entry should be removed")
	}
}

func TestDuplicateConnectGrowsSet(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	r := NewRouter(WithMetrics(m))
	c := &fakeConn{}

	r.Connect("u1", c)
	r.Connect("u1", c)
	if got := r.Count("u1"); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if n := r.SendToUser(context.Background(), "u1", "x"); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if c.count() != 2 {
		t.Errorf("frames = %d, want 2", c.count())
	}

	r.Disconnect("u1", c)
	if got := r.Count("u1"); got != 1 || !r.IsOnline("u1") {
		t.Fatalf("after one Disconnect: Count = %d, online = %v", got, r.IsOnline("u1"))
	}
	r.Disconnect("u1", c)
	if r.IsOnline("u1") {
		t.Error("user should be offline after both registrations are removed")
	}
	if got := testutil.ToFloat64(m.PresenceConnections); got != 0 {
		t.Errorf("connections gauge = %v, want 0", got)
	}
}

func TestSendToUserPrunesFailedConnections(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	r := NewRouter(WithMetrics(m))

	good, bad := &fakeConn{}, &fakeConn{fail: true}
	r.Connect("u1", good)
	r.Connect("u1", bad)

	n := r.SendToUser(context.Background(), "u1", map[string]string{"type": "message"})
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if good.count() != 1 {
		t.Errorf("good conn frames = %d", good.count())
	}
	if !bad.closed {
		t.Error("failed conn should be closed")
	}
	if r.Count("u1") != 1 {
		t.Errorf("Count after prune = %d, want 1", r.Count("u1"))
	}
	if got := testutil.ToFloat64(m.PresencePruned); got != 1 {
		t.Errorf("pruned metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PresenceConnections); got != 1 {
		t.Errorf("connections gauge = %v, want 1", got)
	}
}

func TestSendToUserAllFailedGoesOffline(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	r.Connect("u1", &fakeConn{fail: true})
	r.Connect("u1", &fakeConn{fail: true})

	if n := r.SendToUser(context.Background(), "u1", "x"); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if r.IsOnline("u1") {
		t.Error("user with only failed connections should be offline")
	}
}

func TestCloseUser(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	a := &fakeConn{}
	r.Connect("u1", a)
	r.CloseUser("u1")
	if !a.closed || r.IsOnline("u1") {
		t.Error("CloseUser should close and forget connections")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Connect("u1", a)
	r.Connect("u1", a)
	r.Connect("u1", b)
	r.Connect("u2", c)

	r.CloseAll()
	if !a.closed || !b.closed || !c.closed {
		t.Error("every connection should be closed")
	}
	if r.IsOnline("u1") || r.IsOnline("u2") {
		t.Error("no user should remain online")
	}
}

// blockingConn parks every write until release is closed.
type blockingConn struct {
	fakeConn
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return c.fakeConn.Write(ctx, typ, p)
}

func TestDisconnectDuringSend(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	r := NewRouter(WithMetrics(m))
	c := &blockingConn{started: make(chan struct{}), release: make(chan struct{})}
	r.Connect("u1", c)

	done := make(chan int, 1)
	go func() { done <- r.SendToUser(context.Background(), "u1", "x") }()

	<-c.started
	r.Disconnect("u1", c)
	if got := r.Count("u1"); got != 0 {
		t.Errorf("Count while send is parked = %d, want 0", got)
	}
	close(c.release)

	if n := <-done; n != 1 {
		t.Errorf("delivered = %d, want 1 (the write was already in flight)", n)
	}
	if r.Count("u1") != 0 || r.IsOnline("u1") {
		t.Error("user should stay offline after the in-flight send finishes")
	}
	if got := testutil.ToFloat64(m.PresenceConnections); got != 0 {
		t.Errorf("connections gauge = %v, want 0", got)
	}
}

func TestDisconnectDuringFailedSend(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	r := NewRouter(WithMetrics(m))
	c := &blockingConn{fakeConn: fakeConn{fail: true}, started: make(chan struct{}), release: make(chan struct{})}
	r.Connect("u1", c)

	done := make(chan int, 1)
	go func() { done <- r.SendToUser(context.Background(), "u1", "x") }()

	<-c.started
	r.Disconnect("u1", c)
	close(c.release)

	if n := <-done; n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if got := testutil.ToFloat64(m.PresencePruned); got != 0 {
		t.Errorf("pruned = %v, want 0 for an already removed connection", got)
	}
	if got := testutil.ToFloat64(m.PresenceConnections); got != 0 {
		t.Errorf("connections gauge = %v, want 0", got)
	}
}

func TestConcurrentSendAndConnect(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		c := &fakeConn{fail: i%3 == 0}
		go func() {
			defer wg.Done()
			r.Connect("u1", c)
		}()
		go func(i int) {
			defer wg.Done()
			r.SendToUser(context.Background(), "u1", strconv.Itoa(i))
		}(i)
	}
	wg.Wait()
	if r.Count("u1") > 50 {
		t.Errorf("Count = %d", r.Count("u1"))
	}
}
