// Package models provides domain models for the trading engine.
package models

import (
	"fmt"
	"time"
)

// SecType represents the security type of a contract.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeForex  SecType = "CASH"
)

// Right represents the right of an option contract.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Exchange constants used when routing IB contracts.
const (
	ExchangeSmart    = "SMART"
	ExchangeIdealPro = "IDEALPRO"
)

// Contract identifies a tradeable IB contract.
type Contract struct {
	Symbol     string
	SecType    SecType
	Exchange   string
	Currency   string
	Expiry     string // YYYYMMDD, options only
	Strike     float64
	Right      Right
	Multiplier string
	ConID      int64
}

// NewStockContract creates a SMART-routed USD stock contract.
func NewStockContract(symbol string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeStock,
		Exchange: ExchangeSmart,
		Currency: "USD",
	}
}

// NewOptionContract creates a SMART-routed USD option contract.
func NewOptionContract(symbol, expiry string, strike float64, right Right) Contract {
	return Contract{
		Symbol:     symbol,
		SecType:    SecTypeOption,
		Exchange:   ExchangeSmart,
		Currency:   "USD",
		Expiry:     expiry,
		Strike:     strike,
		Right:      right,
		Multiplier: "100",
	}
}

// NewForexContract creates an IDEALPRO currency-pair contract such as USD/CAD.
func NewForexContract(base, quote string) Contract {
	return Contract{
		Symbol:   base,
		SecType:  SecTypeForex,
		Exchange: ExchangeIdealPro,
		Currency: quote,
	}
}

// ID returns a stable identifier for subscription and cache keys.
func (c Contract) ID() string {
	if c.SecType == SecTypeOption {
		return fmt.Sprintf("%s_%s_%s_%g_%s", c.Symbol, c.SecType, c.Expiry, c.Strike, c.Right)
	}
	return fmt.Sprintf("%s_%s_%s_%s", c.Symbol, c.SecType, c.Exchange, c.Currency)
}

// IsOption reports whether the contract is an option.
func (c Contract) IsOption() bool {
	return c.SecType == SecTypeOption
}

// Tick represents a real-time market data sample for a contract.
type Tick struct {
	Contract  Contract
	Last      float64
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	Volume    int64
	Close     float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, falling back to the last price.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// OptionQuote represents an option tick with greeks.
type OptionQuote struct {
	Contract     Contract
	Last         float64
	Bid          float64
	Ask          float64
	Volume       int64
	OpenInterest int64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
	IV           float64
	Timestamp    time.Time
}

// OptionChain holds the strikes and expirations available for an underlying.
type OptionChain struct {
	Symbol      string
	Expirations []string // YYYYMMDD, sorted ascending
	Strikes     []float64
}

// AccountSummary holds the account metrics the engine tracks.
type AccountSummary struct {
	AccountID      string
	Currency       string
	NetLiquidation float64
	AvailableFunds float64
	BuyingPower    float64
	DailyPnL       float64
	UpdatedAt      time.Time
}

// DailyPnLPercent returns the daily PnL as a percentage of net liquidation.
func (a AccountSummary) DailyPnLPercent() float64 {
	if a.NetLiquidation == 0 {
		return 0
	}
	return a.DailyPnL / a.NetLiquidation * 100
}

// ForexRate represents a currency conversion rate sample.
type ForexRate struct {
	Base      string
	Quote     string
	Rate      float64
	Timestamp time.Time
}

// Position represents an open position.
type Position struct {
	Contract     Contract
	Quantity     int
	AveragePrice float64
	MarketPrice  float64
	PnL          float64
	PnLPercent   float64
	OpenedAt     time.Time
}
