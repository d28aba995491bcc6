package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateSide     string
	simulateQuantity string
	simulatePrice    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send a synthetic trade through the notification pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		side := strings.ToUpper(simulateSide)
		if side != "BUY" && side != "SELL" {
			return fmt.Errorf("--side must be BUY or SELL")
		}

		quantity, err := decimal.NewFromString(simulateQuantity)
		if err != nil {
			return fmt.Errorf("invalid --quantity value: %w", err)
		}

		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}

		return getApp().SimulateTrade(cmd.Context(), side, quantity, price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSide, "side", "BUY", "Trade side (BUY or SELL)")
	simulateCmd.Flags().StringVar(&simulateQuantity, "quantity", "100", "Trade quantity in coin units")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "25.0", "Trade price in USD")
}
