package trading

import "math"

// Option price increments: $0.05 below $3.00, $0.10 at or above, and never
// below a cent.
const (
	tickBoundary = 3.00
	tickBelow    = 0.05
	tickAbove    = 0.10
	minPrice     = 0.01
)

// TickSize returns the minimum price increment at the given price level.
func TickSize(price float64) float64 {
	if price < tickBoundary {
		return tickBelow
	}
	return tickAbove
}

// RoundToTick snaps a price to the nearest valid increment for its level,
// clamping at one cent.
func RoundToTick(price float64) float64 {
	if price <= 0 {
		return minPrice
	}

	tick := TickSize(price)
	rounded := math.Round(price/tick) * tick
	// Float math leaves dust like 2.4499999; settle on cents.
	rounded = math.Round(rounded*100) / 100
	if rounded < minPrice {
		return minPrice
	}
	return rounded
}
