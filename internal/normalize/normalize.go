package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Channels of the multiplexed feed that carry trade-shaped payloads.
const (
	ChannelTrades = "trades"
	ChannelFills  = "fills"
)

const unknownWallet = "unknown"

// Candidate is a trade-shaped record extracted from a raw frame, before
// dedup. Notional is fixed here as Quantity × Price.
type Candidate struct {
	TradeID     string
	Coin        string
	Side        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Notional    decimal.Decimal
	Wallet      string
	ObservedAt  time.Time
	BlockHeight *int64
	TxHash      string
}

// envelope is the outer shape of every feed frame.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// aliasField is an ordered list of payload keys tried in priority order; the
// first present key wins. Newer field names come before legacy ones.
type aliasField []string

// Field alias policies for the Hyperliquid trade/fill payloads.
var (
	coinAliases   = aliasField{"coin", "symbol"}
	sizeAliases   = aliasField{"sz", "size"}
	priceAliases  = aliasField{"px", "price"}
	walletAliases = aliasField{"user", "maker", "address"}
	hashAliases   = aliasField{"hash", "tx"}
)

// Normalizer converts raw multiplexed feed frames into candidate trades for
// one tracked coin, discarding anything below the significance threshold.
type Normalizer struct {
	coin      string
	threshold decimal.Decimal
	logger    zerolog.Logger
}

// New constructs a Normalizer for the given coin and minimum notional.
func New(coin string, minNotional decimal.Decimal, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		coin:      coin,
		threshold: minNotional,
		logger:    logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize extracts zero or more candidate trades from one raw frame.
// Unparseable frames and items are skipped, never fatal.
func (n *Normalizer) Normalize(raw []byte) []Candidate {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		n.logger.Debug().Err(err).Msg("丢弃无法解析的帧")
		return nil
	}

	if (env.Channel != ChannelTrades && env.Channel != ChannelFills) || len(env.Data) == 0 {
		return nil
	}

	items := splitItems(env.Data)
	candidates := make([]Candidate, 0, len(items))

	for _, item := range items {
		candidate, ok := n.normalizeItem(env.Channel, item)
		if !ok {
			continue
		}
		if candidate.Notional.LessThan(n.threshold) {
			n.logger.Debug().
				Str("trade_id", candidate.TradeID).
				Str("notional", candidate.Notional.String()).
				Msg("below significance threshold, dropped")
			continue
		}
		candidates = append(candidates, candidate)
	}

	return candidates
}

// splitItems tolerates both single-object and array-of-object payload shapes.
func splitItems(data json.RawMessage) []map[string]interface{} {
	var many []map[string]interface{}
	if err := json.Unmarshal(data, &many); err == nil {
		return many
	}

	var one map[string]interface{}
	if err := json.Unmarshal(data, &one); err == nil {
		return []map[string]interface{}{one}
	}
	return nil
}

func (n *Normalizer) normalizeItem(channel string, item map[string]interface{}) (Candidate, bool) {
	coin := coinAliases.extractString(item)
	if !strings.EqualFold(coin, n.coin) {
		return Candidate{}, false
	}

	quantity := sizeAliases.extractDecimal(item)
	price := priceAliases.extractDecimal(item)

	candidate := Candidate{
		TradeID:    tradeID(channel, item),
		Coin:       n.coin,
		Side:       normalizeSide(item),
		Quantity:   quantity,
		Price:      price,
		Notional:   quantity.Mul(price),
		Wallet:     normalizeWallet(walletAliases.extractString(item)),
		ObservedAt: observedAt(item),
		TxHash:     hashAliases.extractString(item),
	}

	if height, ok := toInt64(item["blockHeight"]); ok {
		candidate.BlockHeight = &height
	}

	return candidate, true
}

// extractString returns the first present alias as a string, or "".
func (f aliasField) extractString(item map[string]interface{}) string {
	for _, key := range f {
		if value, ok := item[key]; ok {
			if s, ok := value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// extractDecimal returns the first parseable alias, defaulting to zero rather
// than failing the item.
func (f aliasField) extractDecimal(item map[string]interface{}) decimal.Decimal {
	for _, key := range f {
		value, ok := item[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if parsed, err := decimal.NewFromString(v); err == nil {
				return parsed
			}
		case float64:
			return decimal.NewFromFloat(v)
		case json.Number:
			if parsed, err := decimal.NewFromString(v.String()); err == nil {
				return parsed
			}
		}
	}
	return decimal.Zero
}

// normalizeSide maps the explicit side code when present ("B"/"A" on the
// trades channel, full words elsewhere) and falls back to the legacy
// direction string. Anything unrecognised is treated as a sell, matching
// upstream fill semantics.
func normalizeSide(item map[string]interface{}) string {
	if side, ok := item["side"].(string); ok && side != "" {
		switch strings.ToUpper(side[:1]) {
		case "B":
			return "BUY"
		case "A", "S":
			return "SELL"
		}
	}
	if dir, ok := item["dir"].(string); ok && strings.EqualFold(dir, "buy") {
		return "BUY"
	}
	return "SELL"
}

// normalizeWallet applies EIP-55 checksum casing to EVM-shaped addresses and
// passes anything else through untouched.
func normalizeWallet(wallet string) string {
	if wallet == "" {
		return unknownWallet
	}
	if common.IsHexAddress(wallet) {
		return common.HexToAddress(wallet).Hex()
	}
	return wallet
}

// tradeID prefers the upstream tid; frames without one get a synthetic id
// derived from event time plus a random suffix so replays stay distinct from
// genuine duplicates. Fills are prefixed to avoid colliding with trade tids.
func tradeID(channel string, item map[string]interface{}) string {
	prefix := ""
	if channel == ChannelFills {
		prefix = "fill-"
	}

	if tid, ok := toInt64(item["tid"]); ok {
		return fmt.Sprintf("%s%d", prefix, tid)
	}

	millis := time.Now().UnixMilli()
	if ts, ok := toInt64(item["time"]); ok {
		millis = ts
	}
	return fmt.Sprintf("%s%d-%s", prefix, millis, uuid.NewString()[:8])
}

// observedAt reads the upstream event time (ms epoch); ingestion time is the
// fallback only when the feed omits it.
func observedAt(item map[string]interface{}) time.Time {
	if millis, ok := toInt64(item["time"]); ok {
		return time.UnixMilli(millis).UTC()
	}
	return time.Now().UTC()
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	case string:
		var parsed int64
		if _, err := fmt.Sscan(v, &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
