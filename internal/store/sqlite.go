package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	_ "github.com/mattn/go-sqlite3"

	"ibkr-trader/internal/models"
)

// SQLiteJournal implements Journal on SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens or creates the journal database.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		option_right TEXT NOT NULL,
		strike REAL NOT NULL,
		expiry TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		pnl_percent REAL NOT NULL,
		exit_reason TEXT NOT NULL,
		entered_at DATETIME NOT NULL,
		exited_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_exited ON trades(exited_at);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// LogTrade records a completed round trip. Re-logging the same trade ID
// overwrites the earlier row.
func (j *SQLiteJournal) LogTrade(ctx context.Context, trade *models.Trade) error {
	if trade.ID == "" {
		return fmt.Errorf("trade has no id")
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
		(id, symbol, option_right, strike, expiry, quantity, entry_price, exit_price,
		 pnl, pnl_percent, exit_reason, entered_at, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.Symbol, trade.Right, trade.Strike, trade.Expiry,
		trade.Quantity, trade.EntryPrice, trade.ExitPrice,
		trade.PnL, trade.PnLPercent, trade.ExitReason,
		trade.EnteredAt.UTC(), trade.ExitedAt.UTC())
	if err != nil {
		return fmt.Errorf("logging trade %s: %w", trade.ID, err)
	}
	return nil
}

// RecordTrade adapts LogTrade to the trading manager's journal interface.
func (j *SQLiteJournal) RecordTrade(trade models.Trade) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return j.LogTrade(ctx, &trade)
}

// GetTrades returns trades matching the filter, newest first.
func (j *SQLiteJournal) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := `
		SELECT id, symbol, option_right, strike, expiry, quantity, entry_price,
		       exit_price, pnl, pnl_percent, exit_reason, entered_at, exited_at
		FROM trades`

	var conds []string
	var args []any
	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.ExitReason != "" {
		conds = append(conds, "exit_reason = ?")
		args = append(args, filter.ExitReason)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "exited_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		conds = append(conds, "exited_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY exited_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Right, &t.Strike, &t.Expiry,
			&t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.PnLPercent,
			&t.ExitReason, &t.EnteredAt, &t.ExitedAt); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Stats aggregates win rate and PnL over a date range. Zero times widen
// the range to everything.
func (j *SQLiteJournal) Stats(ctx context.Context, from, to time.Time) (*models.TradeStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(CASE WHEN pnl > 0 THEN pnl END), 0),
		       COALESCE(AVG(CASE WHEN pnl <= 0 THEN pnl END), 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(MAX(pnl), 0),
		       COALESCE(MIN(pnl), 0)
		FROM trades WHERE 1=1`

	var args []any
	if !from.IsZero() {
		query += " AND exited_at >= ?"
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += " AND exited_at <= ?"
		args = append(args, to.UTC())
	}

	stats := &models.TradeStats{}
	err := j.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalTrades, &stats.Wins, &stats.Losses,
		&stats.AvgWin, &stats.AvgLoss, &stats.TotalPnL,
		&stats.LargestWin, &stats.LargestLoss)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades) * 100
	}
	return stats, nil
}

// DailySummaries rolls trades up per calendar day, newest first.
func (j *SQLiteJournal) DailySummaries(ctx context.Context, from, to time.Time) ([]models.DailySummary, error) {
	query := `
		SELECT DATE(exited_at),
		       COUNT(*),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(MAX(pnl), 0),
		       COALESCE(MIN(pnl), 0)
		FROM trades WHERE 1=1`

	var args []any
	if !from.IsZero() {
		query += " AND exited_at >= ?"
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += " AND exited_at <= ?"
		args = append(args, to.UTC())
	}
	query += " GROUP BY DATE(exited_at) ORDER BY DATE(exited_at) DESC"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily summaries: %w", err)
	}
	defer rows.Close()

	var out []models.DailySummary
	for rows.Next() {
		var d models.DailySummary
		var wins int
		if err := rows.Scan(&d.Date, &d.Trades, &d.PnL, &wins, &d.BestPnL, &d.WorstPnL); err != nil {
			return nil, fmt.Errorf("scanning daily summary: %w", err)
		}
		if d.Trades > 0 {
			d.WinRate = float64(wins) / float64(d.Trades) * 100
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ExportCSV writes trades matching the filter as CSV.
func (j *SQLiteJournal) ExportCSV(ctx context.Context, filter TradeFilter, w io.Writer) error {
	trades, err := j.GetTrades(ctx, filter)
	if err != nil {
		return err
	}
	if err := gocsv.Marshal(&trades, w); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}
