package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"hype-trade-alerts/internal/storage"
)

// Export renders historical trade flow as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	trades, err := store.TradesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		a.Logger.Info().Msg("no trades found for export window")
		return nil
	}

	downsampled := downsampleTrades(trades, opts.MaxPoints)
	a.Logger.Info().Int("total", len(trades)).Int("exported", len(downsampled)).Msg("exporting trades")

	if opts.CSVPath != "" {
		if err := writeTradesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTradesPNG(opts.PNGPath, a.Config.Feed.Coin, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTrades(trades []storage.TradeRecord, max int) []storage.TradeRecord {
	if max <= 0 || len(trades) <= max {
		return trades
	}

	result := make([]storage.TradeRecord, 0, max)
	step := float64(len(trades)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(trades) {
			idx = len(trades) - 1
		}
		result = append(result, trades[idx])
	}
	return result
}

func writeTradesCSV(path string, trades []storage.TradeRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "trade_id", "side", "quantity", "price", "notional_usd", "wallet_address", "notification_sent"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, trade := range trades {
		notified := "false"
		if trade.NotificationSent {
			notified = "true"
		}
		record := []string{
			trade.ObservedAt.Format(time.RFC3339),
			trade.TradeID,
			trade.Side,
			trade.Quantity.String(),
			trade.Price.String(),
			trade.Notional.String(),
			trade.WalletAddress,
			notified,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeTradesPNG(path, coin string, trades []storage.TradeRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(trades))
	notional := make([]float64, len(trades))
	price := make([]float64, len(trades))

	for i, trade := range trades {
		x[i] = trade.ObservedAt
		notional[i] = trade.Notional.InexactFloat64()
		price[i] = trade.Price.InexactFloat64()
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Notional (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Price (" + coin + "/USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Notional",
				XValues: x,
				YValues: notional,
			},
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
