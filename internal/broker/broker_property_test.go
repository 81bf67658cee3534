package broker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"ibkr-trader/internal/models"
)

// Property: a round trip through the paper broker books a cash change and
// realized PnL equal to (exit - entry) * quantity * multiplier, for any
// prices and quantity.
func TestProperty_PaperRoundTripConservesCash(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	qtyGen := gen.IntRange(1, 20)
	entryGen := gen.Float64Range(0.10, 20.0)
	moveGen := gen.Float64Range(-0.5, 0.5)

	properties.Property("realized PnL matches the price move", prop.ForAll(
		func(qty int, entry, move float64) bool {
			exit := entry * (1 + move)
			if exit <= 0.01 {
				exit = 0.01
			}

			p := NewPaperBroker(PaperConfig{InitialCash: 100000})
			p.Connect(context.Background())
			contract := models.NewOptionContract("SPY", "20260130", 500, models.RightCall)

			p.UpdateTick(models.Tick{Contract: contract, Bid: entry, Ask: entry})
			buy := &models.Order{Contract: contract, Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: qty}
			if _, err := p.PlaceOrder(context.Background(), buy); err != nil {
				return false
			}

			p.UpdateTick(models.Tick{Contract: contract, Bid: exit, Ask: exit})
			sell := &models.Order{Contract: contract, Side: models.OrderSideSell, Type: models.OrderTypeMarket, Quantity: qty}
			if _, err := p.PlaceOrder(context.Background(), sell); err != nil {
				return false
			}

			summary, err := p.AccountSummary(context.Background())
			if err != nil {
				return false
			}

			wantPnL := (exit - entry) * float64(qty) * 100
			if math.Abs(summary.DailyPnL-wantPnL) > 1e-6 {
				return false
			}
			return math.Abs(summary.AvailableFunds-(100000+wantPnL)) < 1e-6
		},
		qtyGen,
		entryGen,
		moveGen,
	))

	properties.TestingRun(t)
}
