package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the transient connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateReconnecting State = "reconnecting"
)

// Handler receives every inbound frame in arrival order.
type Handler func(raw []byte)

// Options parameterise the feed connection.
type Options struct {
	URL              string
	Coin             string
	Channels         []string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BaseRetryDelay   time.Duration
	MaxRetryAttempts int
}

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

// Manager owns one outbound WebSocket connection to the feed endpoint:
// connect, subscribe, receive, detect failure, reconnect with linear backoff.
// Retry delay grows as baseDelay × attempt; the attempt count is hard-capped
// and exhausting it parks the manager at disconnected until the next Start.
type Manager struct {
	opts    Options
	logger  zerolog.Logger
	handler Handler

	mu         sync.Mutex
	ctx        context.Context
	state      State
	attempts   int
	conn       *websocket.Conn
	retryTimer *time.Timer

	// gen invalidates read loops and retry timers of previous connection
	// lifecycles; it bumps on every Start and Stop.
	gen uint64
}

// NewManager constructs a feed connection manager.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = 5 * time.Second
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = 5
	}

	return &Manager{
		opts:   opts,
		logger: logger.With().Str("component", "feed").Logger(),
		state:  StateDisconnected,
	}
}

// OnFrame registers the frame handler. Must be called before Start.
func (m *Manager) OnFrame(handler Handler) {
	m.handler = handler
}

// Start opens the connection and issues the channel subscriptions. Calling it
// while already connecting or subscribed is a successful no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateSubscribed || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.state = StateConnecting
	m.attempts = 0
	m.ctx = ctx
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return fmt.Errorf("connect feed: %w", err)
	}

	m.adopt(gen, conn)
	return nil
}

// Stop cancels any pending retry timer, closes the live connection, and
// settles at disconnected. Idempotent from any state.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.stopTimerLocked()
	m.closeConnLocked()
	m.state = StateDisconnected
	m.attempts = 0
}

// Status reports the current connection state and reconnect attempt count.
func (m *Manager) Status() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.attempts
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, m.opts.URL, nil)
	return conn, err
}

// adopt installs a freshly dialed connection, subscribes, and spawns the read
// loop. A generation mismatch means Stop won the race; the dial is discarded.
func (m *Manager) adopt(gen uint64, conn *websocket.Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateSubscribed
	m.attempts = 0
	m.mu.Unlock()

	m.subscribe(conn)
	m.logger.Info().Str("url", m.opts.URL).Str("coin", m.opts.Coin).Msg("feed connected")

	go m.readLoop(gen, conn)
}

// subscribe issues one fire-and-forget request per configured channel. The
// upstream protocol does not gate data on subscription acks, so write
// failures are logged and left to the read loop to surface.
func (m *Manager) subscribe(conn *websocket.Conn) {
	for _, channel := range m.opts.Channels {
		payload, err := json.Marshal(subscribeRequest{
			Method:       "subscribe",
			Subscription: subscription{Type: channel, Coin: m.opts.Coin},
		})
		if err != nil {
			m.logger.Error().Err(err).Str("channel", channel).Msg("marshal subscribe request")
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe write failed")
			continue
		}
		m.logger.Debug().Str("channel", channel).Msg("subscription sent")
	}
}

// readLoop dispatches frames in arrival order until the connection breaks.
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		if m.handler != nil {
			m.handler(raw)
		}
	}
}

func (m *Manager) handleDisconnect(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		// Intentional stop or superseded connection.
		return
	}

	m.closeConnLocked()
	m.logger.Warn().Err(cause).Msg("feed connection lost")
	m.scheduleRetryLocked()
}

// scheduleRetryLocked arms the single-shot backoff timer. Caller holds mu.
func (m *Manager) scheduleRetryLocked() {
	m.attempts++
	if m.attempts > m.opts.MaxRetryAttempts {
		m.state = StateDisconnected
		m.logger.Error().
			Int("max_attempts", m.opts.MaxRetryAttempts).
			Msg("重连次数已达上限, 停止自动重试")
		return
	}

	m.state = StateReconnecting
	delay := time.Duration(m.attempts) * m.opts.BaseRetryDelay
	gen := m.gen

	m.logger.Info().
		Int("attempt", m.attempts).
		Int("max_attempts", m.opts.MaxRetryAttempts).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	m.retryTimer = time.AfterFunc(delay, func() {
		m.retry(gen)
	})
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen && m.state == StateReconnecting {
			m.logger.Warn().Err(err).Int("attempt", m.attempts).Msg("reconnect failed")
			m.scheduleRetryLocked()
		}
		m.mu.Unlock()
		return
	}

	m.adopt(gen, conn)
}

func (m *Manager) stopTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) closeConnLocked() {
	if m.conn == nil {
		return
	}
	m.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	m.conn.Close()
	m.conn = nil
}
