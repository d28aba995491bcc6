package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// mockFeedServer upgrades every request and hands the connection to handler.
func mockFeedServer(t *testing.T, dials *atomic.Int64, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		if dials != nil {
			dials.Add(1)
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:              url,
		Coin:             "HYPE",
		Channels:         []string{"trades", "fills"},
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		BaseRetryDelay:   10 * time.Millisecond,
		MaxRetryAttempts: 2,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerStartSubscribes(t *testing.T) {
	var mu sync.Mutex
	var subs []subscribeRequest

	server := mockFeedServer(t, nil, func(conn *websocket.Conn) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			mu.Lock()
			subs = append(subs, req)
			mu.Unlock()
		}
	})
	defer server.Close()

	m := NewManager(testOptions(wsURL(server)), zerolog.Nop())
	defer m.Stop()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if state, attempts := m.Status(); state != StateSubscribed || attempts != 0 {
		t.Fatalf("expected subscribed/0, got %s/%d", state, attempts)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subs) == 2
	}, "expected two subscription requests")

	mu.Lock()
	defer mu.Unlock()
	for i, channel := range []string{"trades", "fills"} {
		if subs[i].Method != "subscribe" {
			t.Fatalf("expected subscribe method, got %q", subs[i].Method)
		}
		if subs[i].Subscription.Type != channel || subs[i].Subscription.Coin != "HYPE" {
			t.Fatalf("unexpected subscription %#v", subs[i])
		}
	}
}

func TestManagerStartIdempotent(t *testing.T) {
	var dials atomic.Int64
	server := mockFeedServer(t, &dials, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testOptions(wsURL(server)), zerolog.Nop())
	defer m.Stop()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op success: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected exactly one connection, got %d", got)
	}
}

func TestManagerStartFailure(t *testing.T) {
	server := mockFeedServer(t, nil, func(conn *websocket.Conn) {})
	url := wsURL(server)
	server.Close()

	m := NewManager(testOptions(url), zerolog.Nop())
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start against a dead endpoint should fail")
	}

	if state, _ := m.Status(); state != StateDisconnected {
		t.Fatalf("expected disconnected after failed Start, got %s", state)
	}
}

func TestManagerFramesDispatchedInOrder(t *testing.T) {
	server := mockFeedServer(t, nil, func(conn *websocket.Conn) {
		for _, frame := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var frames []string

	m := NewManager(testOptions(wsURL(server)), zerolog.Nop())
	m.OnFrame(func(raw []byte) {
		mu.Lock()
		frames = append(frames, string(raw))
		mu.Unlock()
	})
	defer m.Stop()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 3
	}, "expected three dispatched frames")

	mu.Lock()
	defer mu.Unlock()
	if frames[0] != `{"n":1}` || frames[2] != `{"n":3}` {
		t.Fatalf("frames out of order: %v", frames)
	}
}

func TestManagerReconnectExhaustsAttempts(t *testing.T) {
	// First dial succeeds and is dropped immediately; every later handshake
	// is refused so reconnect attempts accumulate until the cap.
	var attempts atomic.Int64
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	m := NewManager(testOptions(wsURL(server)), zerolog.Nop())
	defer m.Stop()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		state, _ := m.Status()
		return state == StateDisconnected
	}, "manager should settle at disconnected after exhausting attempts")

	// Initial connect plus MaxRetryAttempts refused handshakes.
	settled := attempts.Load()
	if settled != 3 {
		t.Fatalf("expected 3 dials (1 initial + 2 retries), got %d", settled)
	}
	time.Sleep(100 * time.Millisecond)
	if attempts.Load() != settled {
		t.Fatal("no automatic retry should happen after giving up")
	}
}

func TestManagerStopCancelsPendingRetry(t *testing.T) {
	var dials atomic.Int64
	server := mockFeedServer(t, &dials, func(conn *websocket.Conn) {})
	defer server.Close()

	opts := testOptions(wsURL(server))
	opts.BaseRetryDelay = 200 * time.Millisecond

	m := NewManager(opts, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		state, _ := m.Status()
		return state == StateReconnecting
	}, "manager should enter reconnecting after server drop")

	dialed := dials.Load()
	m.Stop()

	time.Sleep(400 * time.Millisecond)
	if dials.Load() != dialed {
		t.Fatal("stop should cancel the pending retry timer")
	}
	if state, attempts := m.Status(); state != StateDisconnected || attempts != 0 {
		t.Fatalf("expected disconnected/0 after Stop, got %s/%d", state, attempts)
	}
}

func TestManagerStopIdempotent(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:0"), zerolog.Nop())
	m.Stop()
	m.Stop()

	if state, _ := m.Status(); state != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", state)
	}
}

func TestManagerRestartAfterStop(t *testing.T) {
	var dials atomic.Int64
	server := mockFeedServer(t, &dials, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testOptions(wsURL(server)), zerolog.Nop())
	defer m.Stop()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	m.Stop()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart after Stop failed: %v", err)
	}
	if state, _ := m.Status(); state != StateSubscribed {
		t.Fatalf("expected subscribed after restart, got %s", state)
	}
}
