package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ibkr-trader/internal/store"
	"ibkr-trader/pkg/utils"
)

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Trade journal",
		Long:  "List trades, review statistics, and export the journal.",
	}

	cmd.AddCommand(newJournalListCmd(app))
	cmd.AddCommand(newJournalStatsCmd(app))
	cmd.AddCommand(newJournalDailyCmd(app))
	cmd.AddCommand(newJournalExportCmd(app))

	return cmd
}

func openJournal(app *App) (*store.SQLiteJournal, error) {
	return store.NewSQLiteJournal(journalPath(app.Config))
}

// journalFilter builds a query filter from the shared journal flags.
func journalFilter(cmd *cobra.Command) store.TradeFilter {
	symbol, _ := cmd.Flags().GetString("symbol")
	reason, _ := cmd.Flags().GetString("reason")
	days, _ := cmd.Flags().GetInt("days")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := store.TradeFilter{Symbol: symbol, ExitReason: reason, Limit: limit}
	if days > 0 {
		filter.From = time.Now().AddDate(0, 0, -days)
	}
	return filter
}

func addJournalFlags(cmd *cobra.Command) {
	cmd.Flags().String("symbol", "", "filter by underlying symbol")
	cmd.Flags().String("reason", "", "filter by exit reason (manual, stop_loss, take_profit, chase, panic)")
	cmd.Flags().Int("days", 0, "only include the last N days")
}

func newJournalListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			trades, err := journal.GetTrades(cmd.Context(), journalFilter(cmd))
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("no trades recorded")
				return nil
			}

			table := NewTable(output, "EXITED", "CONTRACT", "QTY", "ENTRY", "EXIT", "PNL", "REASON")
			for _, t := range trades {
				contract := fmt.Sprintf("%s %s %.0f%s", t.Symbol, t.Expiry, t.Strike, t.Right)
				table.AddRow(
					t.ExitedAt.Local().Format("01-02 15:04"),
					contract,
					fmt.Sprintf("%d", t.Quantity),
					fmt.Sprintf("%.2f", t.EntryPrice),
					fmt.Sprintf("%.2f", t.ExitPrice),
					output.FormatPnL(t.PnL),
					t.ExitReason,
				)
			}
			table.Render()
			return nil
		},
	}
	addJournalFlags(cmd)
	cmd.Flags().Int("limit", 50, "maximum trades to list")
	return cmd
}

func newJournalStatsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate journal statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			days, _ := cmd.Flags().GetInt("days")
			var from time.Time
			if days > 0 {
				from = time.Now().AddDate(0, 0, -days)
			}

			stats, err := journal.Stats(cmd.Context(), from, time.Time{})
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(stats)
			}
			if stats.TotalTrades == 0 {
				output.Dim("no trades recorded")
				return nil
			}

			output.Bold("Journal statistics")
			output.Printf("  trades:       %d (%d wins, %d losses)\n", stats.TotalTrades, stats.Wins, stats.Losses)
			output.Printf("  win rate:     %.1f%%\n", stats.WinRate)
			output.Printf("  total pnl:    %s\n", output.FormatPnL(stats.TotalPnL))
			output.Printf("  avg win:      %s\n", utils.FormatCurrency(stats.AvgWin))
			output.Printf("  avg loss:     %s\n", utils.FormatCurrency(stats.AvgLoss))
			output.Printf("  largest win:  %s\n", utils.FormatCurrency(stats.LargestWin))
			output.Printf("  largest loss: %s\n", utils.FormatCurrency(stats.LargestLoss))
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "only include the last N days")
	return cmd
}

func newJournalDailyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Per-day PnL rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			days, _ := cmd.Flags().GetInt("days")
			var from time.Time
			if days > 0 {
				from = time.Now().AddDate(0, 0, -days)
			}

			summaries, err := journal.DailySummaries(cmd.Context(), from, time.Time{})
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(summaries)
			}
			if len(summaries) == 0 {
				output.Dim("no trades recorded")
				return nil
			}

			table := NewTable(output, "DATE", "TRADES", "PNL", "WIN RATE", "BEST", "WORST")
			for _, d := range summaries {
				table.AddRow(
					d.Date,
					fmt.Sprintf("%d", d.Trades),
					output.FormatPnL(d.PnL),
					fmt.Sprintf("%.0f%%", d.WinRate),
					utils.FormatCurrency(d.BestPnL),
					utils.FormatCurrency(d.WorstPnL),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("days", 30, "only include the last N days")
	return cmd
}

func newJournalExportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export trades as CSV",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(app)
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if err := journal.ExportCSV(cmd.Context(), journalFilter(cmd), out); err != nil {
				return err
			}
			if len(args) == 1 {
				NewOutput(cmd).Success("exported to %s", args[0])
			}
			return nil
		},
	}
	addJournalFlags(cmd)
	cmd.Flags().Int("limit", 0, "maximum trades to export")
	return cmd
}
