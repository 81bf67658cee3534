package subscription

import (
	"math"
	"time"

	"ibkr-trader/internal/models"
	"ibkr-trader/pkg/utils"
)

const expiryLayout = "20060102"

// SelectExpiration picks the expiration to trade at time now. Mornings
// prefer the same-day expiry; afternoons roll to the next business day so
// positions are not opened into the close of a dying contract. When the
// preferred date is not listed, the nearest future date wins, then the
// nearest overall.
func SelectExpiration(chain *models.OptionChain, now time.Time) string {
	if chain == nil || len(chain.Expirations) == 0 {
		return ""
	}

	et := utils.Eastern(now)
	var target string
	if utils.BeforeNoonEastern(et) {
		target = et.Format(expiryLayout)
	} else {
		target = utils.NextBusinessDay(et).Format(expiryLayout)
	}

	for _, exp := range chain.Expirations {
		if exp == target {
			return exp
		}
	}

	// Nearest future date first. Expirations are sorted ascending.
	for _, exp := range chain.Expirations {
		if exp > target {
			return exp
		}
	}
	return chain.Expirations[len(chain.Expirations)-1]
}

// SelectStrike picks the strike nearest to round(price). An exact round
// match wins; otherwise the closest listed strike does.
func SelectStrike(chain *models.OptionChain, price float64) float64 {
	if chain == nil || len(chain.Strikes) == 0 || price <= 0 {
		return 0
	}

	target := math.Round(price)
	best := chain.Strikes[0]
	bestDist := math.Abs(best - target)
	for _, s := range chain.Strikes[1:] {
		if d := math.Abs(s - target); d < bestDist {
			best = s
			bestDist = d
		}
	}
	return best
}
