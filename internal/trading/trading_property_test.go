package trading

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"ibkr-trader/internal/config"
)

// Property: rounded prices always land on the exchange increment for
// their band and never fall below a cent.
func TestProperty_RoundToTickOnGrid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("price lands on its tick grid", prop.ForAll(
		func(price float64) bool {
			rounded := RoundToTick(price)
			if rounded < minPrice {
				return false
			}
			if rounded == minPrice {
				// The cent floor sits off the nickel grid.
				return true
			}
			tick := TickSize(rounded)
			cents := math.Round(rounded * 100)
			ticksInCents := math.Round(tick * 100)
			return math.Mod(cents, ticksInCents) == 0
		},
		gen.Float64Range(0.001, 50.0),
	))

	properties.Property("rounding moves at most half a tick", prop.ForAll(
		func(price float64) bool {
			rounded := RoundToTick(price)
			// Band crossings near 3.00 may shift by the larger tick.
			return math.Abs(rounded-price) <= tickAbove/2+1e-9
		},
		gen.Float64Range(0.05, 50.0),
	))

	properties.TestingRun(t)
}

// Property: sizing never exceeds any of the three limits except for the
// single contract minimum on an otherwise viable order.
func TestProperty_OrderQuantityRespectsLimits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	tiers := config.DefaultRiskTiers()

	properties.Property("quantity stays within every limit", prop.ForAll(
		func(ask, maxValue, account, pnlPct float64) bool {
			qty := orderQuantity(ask, maxValue, account, pnlPct, "USD", tiers)
			if qty < 1 {
				return false
			}

			tier := tierFor(tiers, pnlPct)
			limit := math.Min(maxValue, account*tier.AccountTradeLimit/100)
			limit = math.Min(limit, pdtBuffer(account, "USD"))
			cost := float64(qty) * ask
			return cost <= limit+1e-6 || qty == 1
		},
		gen.Float64Range(0.05, 20.0),
		gen.Float64Range(50, 5000),
		gen.Float64Range(3000, 250000),
		gen.Float64Range(-10, 10),
	))

	properties.TestingRun(t)
}
