package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// BalanceSource supplies a student's unpaid balance rolled over from the
// prior billing period. Implemented by the period-rollover boundary.
type BalanceSource interface {
	CarryForwardBalance(ctx context.Context, studentID string) (decimal.Decimal, error)
}

// CarryForwardItem wraps a prior-period balance as a synthetic fee line item.
// The item obeys the same invariants as every other line item; only its
// discount ceiling differs, because it carries no prior-payment history.
func CarryForwardItem(balance decimal.Decimal) FeeLineItem {
	return FeeLineItem{
		ID:             CarryForwardItemID,
		Title:          "Carry Forward",
		OriginalAmount: shared.RoundMoney(balance),
		CarryForward:   true,
	}
}

// CarryForwardHandler fetches the prior-period balance and splices it into
// the item set handed to the calculator.
type CarryForwardHandler struct {
	source BalanceSource
}

// NewCarryForwardHandler constructs the handler.
func NewCarryForwardHandler(source BalanceSource) *CarryForwardHandler {
	return &CarryForwardHandler{source: source}
}

// Extend returns the items with the synthetic carry-forward item appended
// when the student has a positive rolled-over balance. A zero balance adds
// nothing.
func (h *CarryForwardHandler) Extend(ctx context.Context, studentID string, items []FeeLineItem) ([]FeeLineItem, error) {
	if h == nil || h.source == nil {
		return items, nil
	}
	balance, err := h.source.CarryForwardBalance(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() {
		return items, nil
	}
	out := make([]FeeLineItem, 0, len(items)+1)
	out = append(out, items...)
	out = append(out, CarryForwardItem(balance))
	return out, nil
}
