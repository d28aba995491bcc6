package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hype-trade-alerts/internal/alerting"
	"hype-trade-alerts/internal/feed"
	"hype-trade-alerts/internal/normalize"
	"hype-trade-alerts/internal/storage"
)

// RunState is the controller lifecycle state.
type RunState string

const (
	StateStopped  RunState = "stopped"
	StateStarting RunState = "starting"
	StateRunning  RunState = "running"
	StateStopping RunState = "stopping"
)

// Connection abstracts the feed connection manager lifecycle.
type Connection interface {
	Start(ctx context.Context) error
	Stop()
	Status() (feed.State, int)
}

// Status is the read-only view exposed to the control surface. It is composed
// on demand from the controller, the connection, and a live storage probe.
type Status struct {
	Running           bool       `json:"running"`
	ConnectionState   feed.State `json:"connectionState"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	StorageConnected  bool       `json:"storageConnected"`
}

// Monitor coordinates the start/stop lifecycle of the ingestion pipeline:
// feed frames flow through normalize → dedup/persist → notify. One Monitor
// per process owns the single feed connection.
type Monitor struct {
	conn       Connection
	store      storage.TradeStore
	notifier   alerting.Notifier
	normalizer *normalize.Normalizer
	logger     zerolog.Logger

	notifyTimeout time.Duration

	mu    sync.Mutex
	state RunState
	ctx   context.Context
}

// New constructs the monitor controller.
func New(conn Connection, store storage.TradeStore, notifier alerting.Notifier, normalizer *normalize.Normalizer, notifyTimeout time.Duration, logger zerolog.Logger) *Monitor {
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	return &Monitor{
		conn:          conn,
		store:         store,
		notifier:      notifier,
		normalizer:    normalizer,
		logger:        logger.With().Str("component", "monitor").Logger(),
		notifyTimeout: notifyTimeout,
		state:         StateStopped,
	}
}

// Start verifies storage reachability and opens the feed connection. Starting
// an already running monitor is a successful no-op so callers can
// poll-and-start idempotently.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateStarting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStarting
	m.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.store.Ping(pingCtx)
	cancel()
	if err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("storage unreachable: %w", err)
	}

	if err := m.conn.Start(ctx); err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("start feed connection: %w", err)
	}

	m.mu.Lock()
	m.state = StateRunning
	m.ctx = ctx
	m.mu.Unlock()

	m.logger.Info().Msg("监控已启动")
	return nil
}

// Stop shuts the feed connection down. Idempotent; always succeeds.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.mu.Unlock()

	m.conn.Stop()
	m.setState(StateStopped)
	m.logger.Info().Msg("监控已停止")
}

// Status composes a fresh snapshot; nothing here is cached.
func (m *Monitor) Status(ctx context.Context) Status {
	m.mu.Lock()
	running := m.state == StateRunning
	m.mu.Unlock()

	connState, attempts := m.conn.Status()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	storageUp := m.store.Ping(pingCtx) == nil

	return Status{
		Running:           running,
		ConnectionState:   connState,
		ReconnectAttempts: attempts,
		StorageConnected:  storageUp,
	}
}

// HandleFrame ingests one raw feed frame. Frames are processed in arrival
// order; only notification delivery leaves the calling goroutine.
func (m *Monitor) HandleFrame(raw []byte) {
	for _, candidate := range m.normalizer.Normalize(raw) {
		m.process(candidate)
	}
}

func (m *Monitor) process(candidate normalize.Candidate) {
	record := storage.TradeRecord{
		TradeID:       candidate.TradeID,
		Coin:          candidate.Coin,
		Side:          candidate.Side,
		Quantity:      candidate.Quantity,
		Price:         candidate.Price,
		Notional:      candidate.Notional,
		WalletAddress: candidate.Wallet,
		ObservedAt:    candidate.ObservedAt,
		BlockHeight:   candidate.BlockHeight,
	}
	if candidate.TxHash != "" {
		hash := candidate.TxHash
		record.TxHash = &hash
	}

	ctx := m.runCtx()
	stored, err := m.admit(ctx, record)
	if err != nil {
		// Feed re-delivery is not deterministic, so the candidate is
		// dropped rather than retried.
		m.logger.Error().Err(err).Str("trade_id", record.TradeID).Msg("persist failed, trade dropped")
		return
	}
	if !stored {
		m.logger.Debug().Str("trade_id", record.TradeID).Msg("duplicate trade ignored")
		return
	}

	m.logger.Info().
		Str("trade_id", record.TradeID).
		Str("side", record.Side).
		Str("notional", record.Notional.StringFixed(2)).
		Str("wallet", alerting.ShortWallet(record.WalletAddress)).
		Msg("new trade stored")

	go m.notify(record)
}

// admit is the dedup gate: the existence lookup is an optimization, the
// storage unique constraint is the correctness guarantee across reconnect
// replay races.
func (m *Monitor) admit(ctx context.Context, record storage.TradeRecord) (bool, error) {
	exists, err := m.store.TradeExists(ctx, record.TradeID)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		return false, nil
	}

	stored, err := m.store.InsertTrade(ctx, record)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	return stored, nil
}

// notify performs one best-effort delivery. Persistence already committed, so
// every failure here is logged and swallowed.
func (m *Monitor) notify(record storage.TradeRecord) {
	if m.notifier == nil {
		m.logger.Debug().Msg("通知通道未配置, 跳过推送")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
	defer cancel()

	note := alerting.Notification{
		Coin:       record.Coin,
		Side:       record.Side,
		Quantity:   record.Quantity,
		Price:      record.Price,
		Notional:   record.Notional,
		Wallet:     record.WalletAddress,
		ObservedAt: record.ObservedAt,
	}

	if err := m.notifier.Notify(ctx, note); err != nil {
		m.logger.Warn().Err(err).Str("trade_id", record.TradeID).Msg("notification failed")
		return
	}

	if err := m.store.MarkNotificationSent(ctx, record.TradeID); err != nil {
		m.logger.Warn().Err(err).Str("trade_id", record.TradeID).Msg("mark notification sent failed")
	}
}

func (m *Monitor) setState(state RunState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Monitor) runCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
