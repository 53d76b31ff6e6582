package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// ComputeTotals runs the ledger arithmetic over every line item and
// aggregates the results. It is pure and stateless: the same input always
// yields the same totals, and the preview path and the persistence path both
// call exactly this function so the two executions cannot drift.
//
// Per selected item:
//
//	remaining = max(0, original - (paid + priorDiscount) - currentDiscount)
//	payable   = override when 0 <= override <= remaining, else remaining
//	due       = remaining - payable
//
// Unselected items contribute nothing regardless of their discount or
// override fields. Accumulators are rounded once, at the end, with the
// canonical round-half-up rule.
func ComputeTotals(items []FeeLineItem) (LedgerTotals, []ItemBreakdown) {
	var (
		totalOriginal decimal.Decimal
		totalDiscount decimal.Decimal
		totalPayable  decimal.Decimal
		totalDue      decimal.Decimal
		selected      int
	)
	breakdowns := make([]ItemBreakdown, 0, len(items))

	for _, it := range items {
		if !it.Selected {
			continue
		}
		remaining := it.RemainingPayable()
		payable := remaining
		due := decimal.Zero
		if o := it.PayableOverride; o != nil && !o.IsNegative() && o.LessThanOrEqual(remaining) {
			payable = shared.RoundMoney(*o)
			due = remaining.Sub(payable)
		}

		totalOriginal = totalOriginal.Add(it.OriginalAmount)
		totalDiscount = totalDiscount.Add(it.CurrentDiscount)
		totalPayable = totalPayable.Add(payable)
		totalDue = totalDue.Add(due)
		selected++

		breakdowns = append(breakdowns, ItemBreakdown{
			ItemID:       it.ID,
			Payable:      payable,
			Due:          due,
			CarryForward: it.CarryForward,
		})
	}

	return LedgerTotals{
		TotalOriginal: shared.RoundMoney(totalOriginal),
		TotalDiscount: shared.RoundMoney(totalDiscount),
		TotalPayable:  shared.RoundMoney(totalPayable),
		TotalDue:      shared.RoundMoney(totalDue),
		SelectedCount: selected,
	}, breakdowns
}
