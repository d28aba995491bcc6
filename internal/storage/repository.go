package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint breaches.
const uniqueViolation = "23505"

const (
	insertTradeSQL = `INSERT INTO trades (
        trade_id,
        coin,
        side,
        quantity,
        price,
        notional,
        wallet_address,
        observed_at,
        block_height,
        tx_hash,
        notification_sent
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	tradeExistsSQL = `SELECT EXISTS (SELECT 1 FROM trades WHERE trade_id = $1);`

	markNotificationSentSQL = `UPDATE trades
    SET notification_sent = TRUE
    WHERE trade_id = $1;`

	tradeColumns = `trade_id,
        coin,
        side,
        quantity,
        price,
        notional,
        wallet_address,
        observed_at,
        block_height,
        tx_hash,
        notification_sent,
        created_at`

	listRecentTradesSQL = `SELECT ` + tradeColumns + `
    FROM trades
    ORDER BY observed_at DESC
    LIMIT $1;`

	listTradesBetweenSQL = `SELECT ` + tradeColumns + `
    FROM trades
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`
)

// TradeStore defines operations for trade persistence and lookup.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade TradeRecord) (bool, error)
	TradeExists(ctx context.Context, tradeID string) (bool, error)
	MarkNotificationSent(ctx context.Context, tradeID string) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, Pagination, error)
	RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	TradesBetween(ctx context.Context, from, to time.Time) ([]TradeRecord, error)
	Ping(ctx context.Context) error
}

// Store aggregates access to the trades collection.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping probes the database for liveness.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// InsertTrade persists a new trade. The unique constraint on trade_id is the
// authoritative dedup mechanism: a violation reports (false, nil) rather than
// an error, so concurrent admits of the same trade collapse to one row.
func (s *Store) InsertTrade(ctx context.Context, trade TradeRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var block interface{}
	if trade.BlockHeight != nil {
		block = *trade.BlockHeight
	}
	var txHash interface{}
	if trade.TxHash != nil {
		txHash = *trade.TxHash
	}

	_, execErr := pool.Exec(ctx, insertTradeSQL,
		trade.TradeID,
		trade.Coin,
		trade.Side,
		trade.Quantity.String(),
		trade.Price.String(),
		trade.Notional.String(),
		trade.WalletAddress,
		trade.ObservedAt,
		block,
		txHash,
		trade.NotificationSent,
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("insert trade: %w", execErr)
	}
	return true, nil
}

// TradeExists reports whether a trade id has already been stored.
func (s *Store) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, tradeExistsSQL, tradeID).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("trade exists: %w", scanErr)
	}
	return exists, nil
}

// MarkNotificationSent flips the notification flag after successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, tradeID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markNotificationSentSQL, tradeID)
	if execErr != nil {
		return fmt.Errorf("mark notification sent: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListTrades returns one page of trades matching the filter, newest first.
func (s *Store) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, Pagination, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, Pagination{}, err
	}

	filter = normalizeFilter(filter)
	where, args := buildTradeFilter(filter)

	var total int64
	countSQL := "SELECT COUNT(*) FROM trades" + where
	if scanErr := pool.QueryRow(ctx, countSQL, args...).Scan(&total); scanErr != nil {
		return nil, Pagination{}, fmt.Errorf("count trades: %w", scanErr)
	}

	listSQL := fmt.Sprintf(
		"SELECT %s FROM trades%s ORDER BY observed_at DESC LIMIT $%d OFFSET $%d",
		tradeColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)

	rows, queryErr := pool.Query(ctx, listSQL, args...)
	if queryErr != nil {
		return nil, Pagination{}, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	trades, scanErr := collectTrades(rows, filter.PerPage)
	if scanErr != nil {
		return nil, Pagination{}, scanErr
	}

	return trades, paginate(filter.Page, filter.PerPage, total), nil
}

// RecentTrades lists the most recent trades ordered by descending event time.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	return collectTrades(rows, limit)
}

// TradesBetween lists trades within a time window in ascending event order.
func (s *Store) TradesBetween(ctx context.Context, from, to time.Time) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades between: %w", queryErr)
	}
	defer rows.Close()

	return collectTrades(rows, 0)
}

func normalizeFilter(filter TradeFilter) TradeFilter {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 50
	}
	return filter
}

// buildTradeFilter renders the WHERE clause and bind args for a TradeFilter.
func buildTradeFilter(filter TradeFilter) (string, []interface{}) {
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)

	if filter.Side != "" {
		args = append(args, strings.ToUpper(filter.Side))
		conditions = append(conditions, fmt.Sprintf("side = $%d", len(args)))
	}
	if filter.MinNotional != nil {
		args = append(args, filter.MinNotional.String())
		conditions = append(conditions, fmt.Sprintf("notional >= $%d::numeric", len(args)))
	}
	if filter.Wallet != "" {
		args = append(args, "%"+filter.Wallet+"%")
		conditions = append(conditions, fmt.Sprintf("wallet_address ILIKE $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func paginate(page, perPage int, total int64) Pagination {
	pages := int((total + int64(perPage) - 1) / int64(perPage))
	return Pagination{
		Page:    page,
		Pages:   pages,
		Total:   total,
		HasNext: page < pages,
		HasPrev: page > 1,
	}
}

func collectTrades(rows pgx.Rows, sizeHint int) ([]TradeRecord, error) {
	trades := make([]TradeRecord, 0, sizeHint)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanTrade(rows pgx.Rows) (TradeRecord, error) {
	var (
		tradeID     string
		coin        string
		side        string
		quantityStr string
		priceStr    string
		notionalStr string
		wallet      string
		observedAt  time.Time
		block       sql.NullInt64
		txHash      sql.NullString
		notified    bool
		createdAt   time.Time
	)

	if err := rows.Scan(
		&tradeID,
		&coin,
		&side,
		&quantityStr,
		&priceStr,
		&notionalStr,
		&wallet,
		&observedAt,
		&block,
		&txHash,
		&notified,
		&createdAt,
	); err != nil {
		return TradeRecord{}, err
	}

	quantity, err := decimal.NewFromString(quantityStr)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("parse quantity: %w", err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("parse price: %w", err)
	}
	notional, err := decimal.NewFromString(notionalStr)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("parse notional: %w", err)
	}

	trade := TradeRecord{
		TradeID:          tradeID,
		Coin:             coin,
		Side:             side,
		Quantity:         quantity,
		Price:            price,
		Notional:         notional,
		WalletAddress:    wallet,
		ObservedAt:       observedAt,
		NotificationSent: notified,
		CreatedAt:        createdAt,
	}

	if block.Valid {
		value := block.Int64
		trade.BlockHeight = &value
	}
	if txHash.Valid {
		hash := txHash.String
		trade.TxHash = &hash
	}

	return trade, nil
}
