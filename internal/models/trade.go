package models

import "time"

// Trade represents a completed round trip recorded in the journal.
type Trade struct {
	ID         string    `csv:"id"`
	Symbol     string    `csv:"symbol"`
	Right      string    `csv:"right"`
	Strike     float64   `csv:"strike"`
	Expiry     string    `csv:"expiry"`
	Quantity   int       `csv:"quantity"`
	EntryPrice float64   `csv:"entry_price"`
	ExitPrice  float64   `csv:"exit_price"`
	PnL        float64   `csv:"pnl"`
	PnLPercent float64   `csv:"pnl_percent"`
	ExitReason string    `csv:"exit_reason"` // manual, stop_loss, take_profit, chase, panic
	EnteredAt  time.Time `csv:"entered_at"`
	ExitedAt   time.Time `csv:"exited_at"`
}

// Win reports whether the trade was profitable.
func (t Trade) Win() bool {
	return t.PnL > 0
}

// TradeStats aggregates journal statistics.
type TradeStats struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64
	AvgWin      float64
	AvgLoss     float64
	TotalPnL    float64
	LargestWin  float64
	LargestLoss float64
}

// DailySummary is a per-day PnL rollup.
type DailySummary struct {
	Date     string // YYYY-MM-DD
	Trades   int
	PnL      float64
	WinRate  float64
	BestPnL  float64
	WorstPnL float64
}
