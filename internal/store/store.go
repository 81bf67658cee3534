// Package store persists the trade journal.
package store

import (
	"context"
	"io"
	"time"

	"ibkr-trader/internal/models"
)

// Journal defines the trade journal interface.
type Journal interface {
	// LogTrade records a completed round trip.
	LogTrade(ctx context.Context, trade *models.Trade) error
	// GetTrades returns trades matching the filter, newest first.
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	// Stats aggregates win rate and PnL over a date range.
	Stats(ctx context.Context, from, to time.Time) (*models.TradeStats, error)
	// DailySummaries rolls trades up per calendar day, newest first.
	DailySummaries(ctx context.Context, from, to time.Time) ([]models.DailySummary, error)
	// ExportCSV writes trades matching the filter as CSV.
	ExportCSV(ctx context.Context, filter TradeFilter, w io.Writer) error

	Close() error
}

// TradeFilter narrows journal queries. Zero values match everything.
type TradeFilter struct {
	Symbol     string
	ExitReason string
	From       time.Time
	To         time.Time
	Limit      int
}
