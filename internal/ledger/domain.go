package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// PaymentMode enumerates the accepted payment channels.
type PaymentMode string

const (
	PaymentModeCash         PaymentMode = "CASH"
	PaymentModeCheque       PaymentMode = "CHEQUE"
	PaymentModeBankTransfer PaymentMode = "BANK_TRANSFER"
	PaymentModeMobileMoney  PaymentMode = "MOBILE_MONEY"
	PaymentModeCard         PaymentMode = "CARD"
)

// Known reports whether the mode belongs to the closed set.
func (m PaymentMode) Known() bool {
	switch m {
	case PaymentModeCash, PaymentModeCheque, PaymentModeBankTransfer, PaymentModeMobileMoney, PaymentModeCard:
		return true
	}
	return false
}

// RequiresReference reports whether the mode needs an external transaction
// reference and source. Only cash is exempt.
func (m PaymentMode) RequiresReference() bool {
	return m != PaymentModeCash
}

// CarryForwardItemID identifies the synthetic prior-balance line item within
// a student's ledger.
const CarryForwardItemID = "carry-forward"

// FeeLineItem is one chargeable item on a student's ledger, or the synthetic
// carry-forward balance rolled over from a prior period.
type FeeLineItem struct {
	ID              string           `json:"id"`
	Title           string           `json:"title,omitempty"`
	OriginalAmount  decimal.Decimal  `json:"original_amount"`
	PaidAmount      decimal.Decimal  `json:"paid_amount"`       // settled in prior transactions
	AppliedDiscount decimal.Decimal  `json:"applied_discount"`  // discounted in prior transactions
	CurrentDiscount decimal.Decimal  `json:"current_discount"`  // discount in the transaction being prepared
	Selected        bool             `json:"selected"`
	PayableOverride *decimal.Decimal `json:"payable_override,omitempty"` // user-chosen partial payment, nil when absent
	CarryForward    bool             `json:"carry_forward"`
}

// NewFeeLineItem validates and normalises a fee line item sourced from the
// fee-assignment boundary. Monetary inputs must be non-negative; they are
// rounded to the canonical two decimal places on entry.
func NewFeeLineItem(id, title string, original, paid, appliedDiscount decimal.Decimal) (FeeLineItem, error) {
	if id == "" {
		return FeeLineItem{}, errors.New("ledger: fee line item id required")
	}
	for name, v := range map[string]decimal.Decimal{
		"original amount":  original,
		"paid amount":      paid,
		"applied discount": appliedDiscount,
	} {
		if v.IsNegative() {
			return FeeLineItem{}, fmt.Errorf("ledger: %s must not be negative", name)
		}
	}
	return FeeLineItem{
		ID:              id,
		Title:           title,
		OriginalAmount:  shared.RoundMoney(original),
		PaidAmount:      shared.RoundMoney(paid),
		AppliedDiscount: shared.RoundMoney(appliedDiscount),
	}, nil
}

// RemainingPayable is the balance still open on the item for the transaction
// under preparation, floored at zero.
func (it FeeLineItem) RemainingPayable() decimal.Decimal {
	rem := it.OriginalAmount.
		Sub(it.PaidAmount.Add(it.AppliedDiscount)).
		Sub(it.CurrentDiscount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return shared.RoundMoney(rem)
}

// DiscountCeiling is the largest current discount the item admits. The
// carry-forward item has no prior-payment history in this model, so its
// ceiling is its own amount.
func (it FeeLineItem) DiscountCeiling() decimal.Decimal {
	if it.CarryForward {
		return it.OriginalAmount
	}
	return it.OriginalAmount.Sub(it.PaidAmount).Sub(it.AppliedDiscount)
}

// LedgerTotals aggregates the computed figures across all selected items.
// Derived, never persisted.
type LedgerTotals struct {
	TotalOriginal decimal.Decimal `json:"total_original"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	TotalPayable  decimal.Decimal `json:"total_payable"`
	TotalDue      decimal.Decimal `json:"total_due"`
	SelectedCount int             `json:"selected_count"`
}

// ItemBreakdown is the per-item calculation result paired with LedgerTotals.
type ItemBreakdown struct {
	ItemID       string          `json:"item_id"`
	Payable      decimal.Decimal `json:"payable"`
	Due          decimal.Decimal `json:"due"`
	CarryForward bool            `json:"carry_forward,omitempty"`
}

// SubmissionLine is one fee line item's share of a payment submission.
type SubmissionLine struct {
	FeeLineItemID   string          `json:"fee_line_item_id"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	AmountApplied   decimal.Decimal `json:"amount_applied"`
}

// PaymentSubmission is a candidate payment as confirmed by the user, prior
// to validation.
type PaymentSubmission struct {
	StudentID      string
	Mode           PaymentMode
	Reference      string
	Source         string
	DepositDate    time.Time
	Lines          []SubmissionLine
	DeclaredTotal  decimal.Decimal
	IdempotencyKey string
}

// ItemDelta is the server-acknowledged amount applied to one line item. The
// persistence side may recompute, so deltas can differ from the request.
type ItemDelta struct {
	FeeLineItemID   string          `json:"fee_line_item_id"`
	AmountApplied   decimal.Decimal `json:"amount_applied"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
}

// Ledger is the working set of one student's fee line items. It is read
// freely during preview and mutated only by the submission coordinator, and
// only with acknowledged deltas.
type Ledger struct {
	StudentID string
	Items     []FeeLineItem
}

// Item returns a pointer to the line item with the given id, or nil.
func (l *Ledger) Item(id string) *FeeLineItem {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return &l.Items[i]
		}
	}
	return nil
}

// ApplyDeltas folds acknowledged per-item deltas into the ledger: settled
// amounts are incremented and the consumed in-flight edits cleared. The whole
// batch is checked before any item is touched so a bad delta leaves the
// ledger untouched.
func (l *Ledger) ApplyDeltas(deltas []ItemDelta) error {
	for _, d := range deltas {
		if l.Item(d.FeeLineItemID) == nil {
			return fmt.Errorf("ledger: delta for unknown item %q", d.FeeLineItemID)
		}
		if d.AmountApplied.IsNegative() || d.DiscountApplied.IsNegative() {
			return fmt.Errorf("ledger: negative delta for item %q", d.FeeLineItemID)
		}
	}
	for _, d := range deltas {
		it := l.Item(d.FeeLineItemID)
		it.PaidAmount = shared.RoundMoney(it.PaidAmount.Add(d.AmountApplied))
		it.AppliedDiscount = shared.RoundMoney(it.AppliedDiscount.Add(d.DiscountApplied))
		it.CurrentDiscount = decimal.Zero
		it.PayableOverride = nil
	}
	return nil
}
