package trading

import (
	"math"

	"ibkr-trader/internal/config"
)

// Pattern day trading minimums by account currency.
const (
	pdtMinimumUSD = 2000
	pdtMinimumCAD = 2500
)

func pdtMinimum(currency string) float64 {
	if currency == "CAD" {
		return pdtMinimumCAD
	}
	return pdtMinimumUSD
}

// pdtBuffer keeps a cushion above the pattern day trading minimum: 80% of
// the equity above the floor is spendable. A non-positive account value
// buys nothing.
func pdtBuffer(accountValue float64, currency string) float64 {
	if accountValue <= 0 {
		return 0
	}
	buffer := 0.8 * (accountValue - pdtMinimum(currency))
	if buffer < 0 {
		return 0
	}
	return buffer
}

// tierFor returns the first risk tier whose threshold is at or below the
// magnitude of the day's PnL percent. Tiers are ordered deepest first. The
// sign is ignored on purpose: a big up day tightens sizing the same as a
// big down day, so a hot streak cannot balloon position size.
func tierFor(tiers []config.RiskTier, dailyPnLPercent float64) config.RiskTier {
	if len(tiers) == 0 {
		return config.RiskTier{AccountTradeLimit: 100, StopLoss: 25, ProfitGain: 35}
	}
	swing := math.Abs(dailyPnLPercent)
	for _, tier := range tiers {
		if swing >= tier.LossThreshold {
			return tier
		}
	}
	return tiers[len(tiers)-1]
}

// orderQuantity sizes a buy as the floor of the tightest limit divided by
// the option price, never below one contract. The limits are the
// configured cap, the drawdown tier, and the pattern day trading buffer.
func orderQuantity(askPrice, maxTradeValue, accountValue, dailyPnLPercent float64, currency string, tiers []config.RiskTier) int {
	if askPrice <= 0 {
		return 0
	}

	limit := maxTradeValue

	tier := tierFor(tiers, dailyPnLPercent)
	if accountValue > 0 {
		if tiered := tier.AccountTradeLimit / 100 * accountValue; tiered < limit {
			limit = tiered
		}
	}

	if buffer := pdtBuffer(accountValue, currency); buffer < limit {
		limit = buffer
	}

	qty := int(math.Floor(limit / askPrice))
	if qty < 1 {
		return 1
	}
	return qty
}
