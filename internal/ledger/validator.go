package ledger

import (
	"fmt"
	"strings"

	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	ErrKindNoFeeSelected                    ErrorKind = "NO_FEE_SELECTED"
	ErrKindMissingPaymentMode               ErrorKind = "MISSING_PAYMENT_MODE"
	ErrKindMissingPaymentReference          ErrorKind = "MISSING_PAYMENT_REFERENCE"
	ErrKindDiscountExceedsRemainingBalance  ErrorKind = "DISCOUNT_EXCEEDS_REMAINING_BALANCE"
	ErrKindCarryForwardDiscountExceedsTotal ErrorKind = "CARRY_FORWARD_DISCOUNT_EXCEEDS_AMOUNT"
	ErrKindTotalMismatch                    ErrorKind = "TOTAL_MISMATCH"
)

// ValidationError is one local, recoverable problem with a submission.
type ValidationError struct {
	Kind    ErrorKind `json:"kind"`
	ItemID  string    `json:"item_id,omitempty"`
	Message string    `json:"message"`
}

func (e ValidationError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.ItemID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// RejectedError carries every validation failure of one attempt so the
// caller can show all problems at once.
type RejectedError struct {
	Errors []ValidationError
}

func (e *RejectedError) Error() string {
	kinds := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		kinds = append(kinds, string(v.Kind))
	}
	return "ledger: submission rejected: " + strings.Join(kinds, ", ")
}

// PaymentValidator checks a proposed submission against computed totals and
// the standalone business rules. It has no side effects and never touches
// persistence; the same checks run on the preview side and inside the commit
// transaction.
type PaymentValidator struct{}

// NewPaymentValidator constructs the validator.
func NewPaymentValidator() *PaymentValidator {
	return &PaymentValidator{}
}

// Validate returns nil on success or the full list of failures. Checks run
// in a fixed order but all of them run; a failed check never hides a later
// one.
func (v *PaymentValidator) Validate(sub PaymentSubmission, items []FeeLineItem, totals LedgerTotals) []ValidationError {
	var errs []ValidationError

	if totals.SelectedCount == 0 {
		errs = append(errs, ValidationError{
			Kind:    ErrKindNoFeeSelected,
			Message: "select at least one fee to pay",
		})
	}

	if sub.Mode == "" || !sub.Mode.Known() {
		errs = append(errs, ValidationError{
			Kind:    ErrKindMissingPaymentMode,
			Message: "payment mode is required",
		})
	} else if sub.Mode.RequiresReference() && (sub.Reference == "" || sub.Source == "") {
		errs = append(errs, ValidationError{
			Kind:    ErrKindMissingPaymentReference,
			Message: fmt.Sprintf("%s payments require a transaction reference and source", sub.Mode),
		})
	}

	// Carry-forward discount ceiling is checked before the ordinary items:
	// its ceiling is the carried balance itself, not balance minus history.
	for _, it := range items {
		if !it.CarryForward || !it.Selected {
			continue
		}
		if it.CurrentDiscount.GreaterThan(it.DiscountCeiling()) {
			errs = append(errs, ValidationError{
				Kind:   ErrKindCarryForwardDiscountExceedsTotal,
				ItemID: it.ID,
				Message: fmt.Sprintf("carry forward discount %s exceeds the carried balance %s",
					shared.FormatAmount(it.CurrentDiscount), shared.FormatAmount(it.OriginalAmount)),
			})
		}
	}

	for _, it := range items {
		if it.CarryForward || !it.Selected {
			continue
		}
		if it.CurrentDiscount.GreaterThan(it.DiscountCeiling()) {
			errs = append(errs, ValidationError{
				Kind:   ErrKindDiscountExceedsRemainingBalance,
				ItemID: it.ID,
				Message: fmt.Sprintf("discount %s exceeds the remaining balance %s",
					shared.FormatAmount(it.CurrentDiscount), shared.FormatAmount(it.DiscountCeiling())),
			})
		}
	}

	if !shared.WithinTolerance(sub.DeclaredTotal, totals.TotalPayable) {
		errs = append(errs, ValidationError{
			Kind: ErrKindTotalMismatch,
			Message: fmt.Sprintf("declared amount %s does not match the payable total %s",
				shared.FormatAmount(sub.DeclaredTotal), shared.FormatAmount(totals.TotalPayable)),
		})
	}

	return errs
}
