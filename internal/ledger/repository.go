package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/scholaris-erp/scholaris-erp/internal/platform/db"
	"github.com/scholaris-erp/scholaris-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the fee ledger. It
// implements both the read-side RepositoryPort and the PersistencePort: the
// commit path re-runs the same calculator and validator the preview side
// uses, so the authoritative numbers can never drift from the previewed
// ones.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ErrNotFound indicates resource not found.
var ErrNotFound = errors.New("ledger: not found")

// ErrBadSubmissionLine indicates a submission line that cannot be tied to a
// valid ledger item.
var ErrBadSubmissionLine = errors.New("ledger: bad submission line")

// ListFeeLineItems returns the student's assigned fee line items in
// assignment order.
func (r *Repository) ListFeeLineItems(ctx context.Context, studentID string) ([]FeeLineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, original_amount, paid_amount, applied_discount
		FROM student_fee_items
		WHERE student_id = $1
		ORDER BY created_at, id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list fee items: %w", err)
	}
	defer rows.Close()

	var items []FeeLineItem
	for rows.Next() {
		var (
			id, title                string
			original, paid, discount decimal.Decimal
		)
		if err := rows.Scan(&id, &title, &original, &paid, &discount); err != nil {
			return nil, fmt.Errorf("ledger: scan fee item: %w", err)
		}
		item, err := NewFeeLineItem(id, title, original, paid, discount)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list fee items: %w", err)
	}
	if len(items) == 0 {
		// Distinguish a student with no assigned fees from one that does
		// not exist at all.
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM students WHERE id = $1)`, studentID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("ledger: check student: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("ledger: student %s: %w", studentID, ErrNotFound)
		}
	}
	return items, nil
}

// CarryForwardBalance returns the student's rolled-over balance, zero when
// none was recorded.
func (r *Repository) CarryForwardBalance(ctx context.Context, studentID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM student_carry_forward WHERE student_id = $1`, studentID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: carry forward balance: %w", err)
	}
	return balance, nil
}

// SubmitPayment commits a validated payment in one repeatable-read
// transaction: it reloads the student's items under lock, re-runs the
// calculator and validator against the submission, claims the idempotency
// key, and only then writes the payment, its allocations, and the per-item
// increments. Any failure rolls the whole attempt back.
func (r *Repository) SubmitPayment(ctx context.Context, sub PaymentSubmission) (*PaymentReceipt, error) {
	var receipt *PaymentReceipt
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		receipt, err = r.submitTx(ctx, tx, sub)
		return err
	})
	if err != nil {
		var perr *PersistenceError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, mapPgError("submit payment", err)
	}
	return receipt, nil
}

func (r *Repository) submitTx(ctx context.Context, tx pgx.Tx, sub PaymentSubmission) (*PaymentReceipt, error) {
	stored, err := r.lockFeeLineItems(ctx, tx, sub.StudentID)
	if err != nil {
		return nil, err
	}
	carry, err := r.lockCarryForward(ctx, tx, sub.StudentID)
	if err != nil {
		return nil, err
	}
	if carry.IsPositive() {
		stored = append(stored, CarryForwardItem(carry))
	}

	items, err := materializeSubmission(stored, sub.Lines)
	if err != nil {
		return nil, &PersistenceError{
			Kind:      PersistServerRejected,
			Message:   err.Error(),
			Retryable: false,
			Err:       err,
		}
	}

	// Authoritative re-execution of the preview arithmetic.
	totals, breakdown := ComputeTotals(items)
	if verrs := NewPaymentValidator().Validate(sub, items, totals); len(verrs) > 0 {
		rej := &RejectedError{Errors: verrs}
		return nil, &PersistenceError{
			Kind:      PersistServerRejected,
			Message:   rej.Error(),
			Retryable: false,
			Err:       rej,
		}
	}

	receiptNumber := "RCPT-" + uuid.NewString()[:8]
	if sub.IdempotencyKey != "" {
		if err := shared.NewSubmissionKeys(tx).Claim(ctx, sub.IdempotencyKey, receiptNumber); err != nil {
			if errors.Is(err, shared.ErrDuplicateSubmission) {
				return nil, &PersistenceError{
					Kind:      PersistServerRejected,
					Message:   "submission was already processed",
					Retryable: false,
					Err:       err,
				}
			}
			return nil, mapPgError("claim submission key", err)
		}
	}

	paymentID := uuid.New()
	depositDate := sub.DepositDate
	if depositDate.IsZero() {
		depositDate = time.Now()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, receipt_number, student_id, mode, reference, source, deposit_date, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		paymentID, receiptNumber, sub.StudentID, string(sub.Mode), sub.Reference, sub.Source,
		depositDate, totals.TotalPayable)
	if err != nil {
		return nil, mapPgError("insert payment", err)
	}

	payableByItem := make(map[string]decimal.Decimal, len(breakdown))
	for _, b := range breakdown {
		payableByItem[b.ItemID] = b.Payable
	}

	deltas := make([]ItemDelta, 0, len(sub.Lines))
	for _, line := range sub.Lines {
		amount := payableByItem[line.FeeLineItemID]
		discount := shared.RoundMoney(line.DiscountApplied)

		_, err = tx.Exec(ctx, `
			INSERT INTO payment_allocations (id, payment_id, fee_item_id, amount_applied, discount_applied)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), paymentID, line.FeeLineItemID, amount, discount)
		if err != nil {
			return nil, mapPgError("insert allocation", err)
		}

		if line.FeeLineItemID == CarryForwardItemID {
			_, err = tx.Exec(ctx, `
				UPDATE student_carry_forward
				SET balance = balance - $2 - $3, updated_at = NOW()
				WHERE student_id = $1`,
				sub.StudentID, amount, discount)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE student_fee_items
				SET paid_amount = paid_amount + $2,
				    applied_discount = applied_discount + $3,
				    updated_at = NOW()
				WHERE id = $1`,
				line.FeeLineItemID, amount, discount)
		}
		if err != nil {
			return nil, mapPgError("apply item delta", err)
		}

		deltas = append(deltas, ItemDelta{
			FeeLineItemID:   line.FeeLineItemID,
			AmountApplied:   amount,
			DiscountApplied: discount,
		})
	}

	return &PaymentReceipt{ReceiptNumber: receiptNumber, Deltas: deltas}, nil
}

func (r *Repository) lockFeeLineItems(ctx context.Context, tx pgx.Tx, studentID string) ([]FeeLineItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, title, original_amount, paid_amount, applied_discount
		FROM student_fee_items
		WHERE student_id = $1
		ORDER BY created_at, id
		FOR UPDATE`, studentID)
	if err != nil {
		return nil, mapPgError("lock fee items", err)
	}
	defer rows.Close()

	var items []FeeLineItem
	for rows.Next() {
		var (
			id, title                string
			original, paid, discount decimal.Decimal
		)
		if err := rows.Scan(&id, &title, &original, &paid, &discount); err != nil {
			return nil, mapPgError("scan fee item", err)
		}
		item, err := NewFeeLineItem(id, title, original, paid, discount)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("lock fee items", err)
	}
	return items, nil
}

func (r *Repository) lockCarryForward(ctx context.Context, tx pgx.Tx, studentID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT balance FROM student_carry_forward WHERE student_id = $1 FOR UPDATE`, studentID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, mapPgError("lock carry forward", err)
	}
	return balance, nil
}

// materializeSubmission overlays submission lines onto the stored items the
// same way the preview overlays user edits: a line selects its item, sets
// the current discount, and becomes a partial-payment override whenever the
// applied amount is less than the remaining payable. Items not named by any
// line stay unselected.
func materializeSubmission(stored []FeeLineItem, lines []SubmissionLine) ([]FeeLineItem, error) {
	items := make([]FeeLineItem, len(stored))
	copy(items, stored)
	for _, line := range lines {
		idx := -1
		for i := range items {
			if items[i].ID == line.FeeLineItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: no such item %q", ErrBadSubmissionLine, line.FeeLineItemID)
		}
		if line.AmountApplied.IsNegative() || line.DiscountApplied.IsNegative() {
			return nil, fmt.Errorf("%w: negative amounts for %q", ErrBadSubmissionLine, line.FeeLineItemID)
		}
		items[idx].Selected = true
		items[idx].CurrentDiscount = shared.RoundMoney(line.DiscountApplied)
		if remaining := items[idx].RemainingPayable(); !line.AmountApplied.Equal(remaining) {
			override := shared.RoundMoney(line.AmountApplied)
			items[idx].PayableOverride = &override
		}
	}
	return items, nil
}

// mapPgError folds database failures into the persistence taxonomy. SQLSTATE
// carrying failures are server rejections; connectivity problems stay
// retryable.
func mapPgError(op string, err error) *PersistenceError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &PersistenceError{
			Kind:      PersistServerRejected,
			Message:   fmt.Sprintf("%s: %s", op, pgErr.Message),
			Retryable: false,
			Err:       err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PersistenceError{
			Kind:      PersistTimeout,
			Message:   op + ": deadline exceeded",
			Retryable: true,
			Err:       err,
		}
	}
	return &PersistenceError{
		Kind:      PersistNetworkFailure,
		Message:   op + ": database unavailable",
		Retryable: true,
		Err:       err,
	}
}
