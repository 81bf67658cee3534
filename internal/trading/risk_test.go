package trading

import (
	"math"
	"testing"

	"ibkr-trader/internal/config"
)

func TestTickSize(t *testing.T) {
	tests := []struct {
		price float64
		want  float64
	}{
		{0.50, 0.05},
		{2.99, 0.05},
		{3.00, 0.10},
		{12.40, 0.10},
	}

	for _, tt := range tests {
		if got := TickSize(tt.price); got != tt.want {
			t.Errorf("TickSize(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price float64
		want  float64
	}{
		{1.23, 1.25},
		{1.22, 1.20},
		{0.975, 1.00}, // half rounds away from zero
		{3.04, 3.00},
		{3.06, 3.10},
		{0.003, 0.01}, // never below a cent
		{-1.0, 0.01},
	}

	for _, tt := range tests {
		if got := RoundToTick(tt.price); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToTick(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestPDTBuffer(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		currency string
		want     float64
	}{
		{"usd above minimum", 10000, "USD", 0.8 * 8000},
		{"cad above minimum", 10000, "CAD", 0.8 * 7500},
		{"at minimum", 2000, "USD", 0},
		{"below minimum", 1500, "USD", 0},
		{"zero account", 0, "USD", 0},
		{"negative account", -500, "USD", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pdtBuffer(tt.value, tt.currency); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("pdtBuffer(%v, %s) = %v, want %v", tt.value, tt.currency, got, tt.want)
			}
		})
	}
}

func TestTierForSelectsBySwing(t *testing.T) {
	tiers := config.DefaultRiskTiers()

	tests := []struct {
		pnlPercent float64
		wantLimit  float64
	}{
		{1.5, 8},  // small up day, loosest tier
		{0, 8},    // flat
		{-2.5, 6}, // past the 2% threshold
		{-4.0, 4}, // past 4%
		{-7.0, 2}, // deepest drawdown
		{7.0, 2},  // big up day tightens sizing just like a drawdown
		{4.5, 4},  // sign is ignored
		{-100, 2}, // clamps to the deepest tier
	}

	for _, tt := range tests {
		got := tierFor(tiers, tt.pnlPercent)
		if got.AccountTradeLimit != tt.wantLimit {
			t.Errorf("tierFor(%v) limit = %v, want %v", tt.pnlPercent, got.AccountTradeLimit, tt.wantLimit)
		}
	}
}

func TestOrderQuantity(t *testing.T) {
	tiers := config.DefaultRiskTiers()

	tests := []struct {
		name     string
		ask      float64
		maxValue float64
		account  float64
		pnlPct   float64
		want     int
	}{
		// max trade value is the binding limit: 500/1.25
		{"max value binds", 1.25, 500, 100000, 0, 400},
		// tier limit binds: 8% of 5000 = 400, pdt buffer 0.8*3000 = 2400
		{"tier limit binds", 1.00, 5000, 5000, 0, 400},
		// pdt buffer binds: 0.8*(2100-2000) = 80, under the 8% tier limit
		{"pdt buffer binds", 1.00, 5000, 2100, 0, 80},
		// drawdown tightens the tier: 2% of 100000 = 2000
		{"drawdown tier", 1.00, 50000, 100000, -7, 2000},
		{"expensive option still buys one", 50.0, 10, 100000, 0, 1},
		{"zero ask", 0, 500, 100000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := orderQuantity(tt.ask, tt.maxValue, tt.account, tt.pnlPct, "USD", tiers)
			if got != tt.want {
				t.Errorf("orderQuantity = %d, want %d", got, tt.want)
			}
		})
	}
}
