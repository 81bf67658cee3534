package utils

import (
	"fmt"
	"strings"
)

// FormatCurrency formats an amount as dollars with thousands separators.
func FormatCurrency(amount float64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := fmt.Sprintf("%.2f", amount)
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := "$" + b.String() + "." + parts[1]
	if neg {
		return "-" + out
	}
	return out
}

// FormatPercent formats a percentage with a leading sign.
func FormatPercent(value float64) string {
	return fmt.Sprintf("%+.2f%%", value)
}

// FormatPnL formats a profit/loss amount with a leading sign.
func FormatPnL(pnl float64) string {
	if pnl >= 0 {
		return "+" + FormatCurrency(pnl)
	}
	return FormatCurrency(pnl)
}

// FormatQuantity formats a contract count.
func FormatQuantity(qty int) string {
	if qty == 1 {
		return "1 contract"
	}
	return fmt.Sprintf("%d contracts", qty)
}
