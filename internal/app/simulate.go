package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hype-trade-alerts/internal/alerting"
)

// SimulateTrade 构造一条合成成交帧, 走一遍归一化与推送流程以验证配置。
// 不触及数据库。
func (a *App) SimulateTrade(ctx context.Context, side string, quantity, price decimal.Decimal) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	sideCode := "A"
	if side == "BUY" {
		sideCode = "B"
	}

	frame, err := json.Marshal(map[string]interface{}{
		"channel": "trades",
		"data": map[string]interface{}{
			"coin": a.Config.Feed.Coin,
			"side": sideCode,
			"sz":   quantity.String(),
			"px":   price.String(),
			"user": "0x0000000000000000000000000000000000000000",
			"tid":  time.Now().UnixMilli(),
			"time": time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return err
	}

	candidates := a.newNormalizer().Normalize(frame)
	if len(candidates) == 0 {
		return fmt.Errorf("合成成交低于显著性阈值 (%.0f USD), 未触发推送", a.Config.Monitor.MinNotionalUSD)
	}

	for _, candidate := range candidates {
		note := alerting.Notification{
			Coin:       candidate.Coin,
			Side:       candidate.Side,
			Quantity:   candidate.Quantity,
			Price:      candidate.Price,
			Notional:   candidate.Notional,
			Wallet:     candidate.Wallet,
			ObservedAt: candidate.ObservedAt,
		}
		if err := notifier.Notify(ctx, note); err != nil {
			return err
		}
	}

	return nil
}
