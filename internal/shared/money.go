package shared

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MoneyTolerance is the maximum allowed drift between a declared payment
// total and the recomputed total.
var MoneyTolerance = decimal.NewFromFloat(0.01)

// RoundMoney normalises a monetary value to two decimal places using
// round-half-up. This is the single rounding rule used on both the preview
// and the persistence path; intermediate sums stay exact and are rounded
// exactly once.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WithinTolerance reports whether two monetary values differ by at most
// MoneyTolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MoneyTolerance)
}

var moneyPrinter = message.NewPrinter(language.English)

// FormatAmount renders a monetary value for user-facing messages with
// grouping separators and two decimal digits.
func FormatAmount(d decimal.Decimal) string {
	f, _ := RoundMoney(d).Float64()
	return moneyPrinter.Sprintf("%.2f", f)
}
