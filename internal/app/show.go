package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"hype-trade-alerts/internal/alerting"
)

// Show prints recent trades.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	trades, err := store.RecentTrades(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(os.Stdout, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSide\tNotional $\tQuantity\tPrice $\tWallet\tNotified")

	for _, trade := range trades {
		notified := ""
		if trade.NotificationSent {
			notified = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			trade.ObservedAt.UTC().Format(time.RFC3339),
			trade.Side,
			trade.Notional.StringFixed(2),
			trade.Quantity.String(),
			trade.Price.StringFixed(4),
			alerting.ShortWallet(trade.WalletAddress),
			notified,
		)
	}

	writer.Flush()
	return nil
}
