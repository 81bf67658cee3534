package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"ibkr-trader/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account and market status",
		Long:  "Connect to the gateway, print the account summary and open positions, and disconnect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			b := newBroker(app.Config, app.Logger)
			if err := b.Connect(ctx); err != nil {
				return err
			}
			defer b.Disconnect(context.Background())

			summary, err := b.AccountSummary(ctx)
			if err != nil {
				return err
			}
			positions, err := b.Positions(ctx)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]any{
					"market_open": utils.IsMarketOpen(time.Now()),
					"account":     summary,
					"positions":   positions,
				})
			}

			if utils.IsMarketOpen(time.Now()) {
				output.Success("market is open")
			} else {
				output.Dim("market is closed")
			}
			output.Println()

			output.Bold("Account %s", summary.AccountID)
			output.Printf("  net liquidation: %s\n", utils.FormatCurrency(summary.NetLiquidation))
			output.Printf("  available:       %s\n", utils.FormatCurrency(summary.AvailableFunds))
			output.Printf("  buying power:    %s\n", utils.FormatCurrency(summary.BuyingPower))
			output.Printf("  daily pnl:       %s (%s)\n",
				output.FormatPnL(summary.DailyPnL), output.FormatPercent(summary.DailyPnLPercent()))
			output.Println()

			if len(positions) == 0 {
				output.Dim("no open positions")
				return nil
			}

			output.Bold("Positions")
			table := NewTable(output, "CONTRACT", "QTY", "AVG", "MARK", "PNL")
			for _, p := range positions {
				table.AddRow(
					p.Contract.ID(),
					utils.FormatQuantity(p.Quantity),
					utils.FormatCurrency(p.AveragePrice),
					utils.FormatCurrency(p.MarketPrice),
					output.FormatPnL(p.PnL),
				)
			}
			table.Render()
			return nil
		},
	}
}
