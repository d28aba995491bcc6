package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade side values.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// TradeRecord is the persisted unit: one qualifying trade observed on the feed.
// Notional is fixed at insert time as Quantity × Price and never recomputed.
type TradeRecord struct {
	TradeID          string
	Coin             string
	Side             string
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	Notional         decimal.Decimal
	WalletAddress    string
	ObservedAt       time.Time
	BlockHeight      *int64
	TxHash           *string
	NotificationSent bool
	CreatedAt        time.Time
}

// TradeFilter narrows trade history queries.
type TradeFilter struct {
	Side        string
	MinNotional *decimal.Decimal
	Wallet      string
	Page        int
	PerPage     int
}

// Pagination describes one page of a filtered result set.
type Pagination struct {
	Page    int   `json:"page"`
	Pages   int   `json:"pages"`
	Total   int64 `json:"total"`
	HasNext bool  `json:"hasNext"`
	HasPrev bool  `json:"hasPrev"`
}
