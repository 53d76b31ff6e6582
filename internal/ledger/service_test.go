package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memoryRepo backs both the read side and the persistence port, mirroring
// what the SQL repository does inside its transaction: overlay the submitted
// lines, recompute, validate, then settle the amounts.
type memoryRepo struct {
	mu      sync.Mutex
	items   map[string][]FeeLineItem
	carry   map[string]decimal.Decimal
	keys    map[string]string
	listErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items: make(map[string][]FeeLineItem),
		carry: make(map[string]decimal.Decimal),
		keys:  make(map[string]string),
	}
}

func (m *memoryRepo) seed(studentID string, items ...FeeLineItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[studentID] = items
}

func (m *memoryRepo) ListFeeLineItems(_ context.Context, studentID string) ([]FeeLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	stored, ok := m.items[studentID]
	if !ok {
		return nil, fmt.Errorf("ledger: student %s: %w", studentID, ErrNotFound)
	}
	out := make([]FeeLineItem, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *memoryRepo) CarryForwardBalance(_ context.Context, studentID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.carry[studentID], nil
}

func (m *memoryRepo) SubmitPayment(_ context.Context, sub PaymentSubmission) (*PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]FeeLineItem, len(m.items[sub.StudentID]))
	copy(stored, m.items[sub.StudentID])
	if bal := m.carry[sub.StudentID]; bal.IsPositive() {
		stored = append(stored, CarryForwardItem(bal))
	}

	items, err := materializeSubmission(stored, sub.Lines)
	if err != nil {
		return nil, &PersistenceError{Kind: PersistServerRejected, Message: err.Error(), Err: err}
	}
	totals, breakdown := ComputeTotals(items)
	if verrs := NewPaymentValidator().Validate(sub, items, totals); len(verrs) > 0 {
		rej := &RejectedError{Errors: verrs}
		return nil, &PersistenceError{Kind: PersistServerRejected, Message: rej.Error(), Err: rej}
	}

	if sub.IdempotencyKey != "" {
		if _, dup := m.keys[sub.IdempotencyKey]; dup {
			return nil, &PersistenceError{Kind: PersistServerRejected, Message: "submission was already processed"}
		}
	}

	receipt := fmt.Sprintf("RCPT-%04d", len(m.keys)+1)
	if sub.IdempotencyKey != "" {
		m.keys[sub.IdempotencyKey] = receipt
	}

	payableByItem := make(map[string]decimal.Decimal, len(breakdown))
	for _, b := range breakdown {
		payableByItem[b.ItemID] = b.Payable
	}

	deltas := make([]ItemDelta, 0, len(sub.Lines))
	for _, line := range sub.Lines {
		amount := payableByItem[line.FeeLineItemID]
		discount := line.DiscountApplied

		if line.FeeLineItemID == CarryForwardItemID {
			m.carry[sub.StudentID] = m.carry[sub.StudentID].Sub(amount).Sub(discount)
		} else {
			for i := range m.items[sub.StudentID] {
				it := &m.items[sub.StudentID][i]
				if it.ID == line.FeeLineItemID {
					it.PaidAmount = it.PaidAmount.Add(amount)
					it.AppliedDiscount = it.AppliedDiscount.Add(discount)
				}
			}
		}
		deltas = append(deltas, ItemDelta{
			FeeLineItemID:   line.FeeLineItemID,
			AmountApplied:   amount,
			DiscountApplied: discount,
		})
	}
	return &PaymentReceipt{ReceiptNumber: receipt, Deltas: deltas}, nil
}

func newTestService(repo *memoryRepo) *Service {
	coord := NewCoordinator(repo, NewPaymentValidator(), slog.New(slog.NewTextHandler(io.Discard, nil)), CoordinatorConfig{})
	return NewService(repo, NewCarryForwardHandler(repo), coord, nil)
}

func TestLoadLedgerSplicesCarryForward(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "0", "0"))
	repo.carry["stu-1"] = dec("300.00")
	svc := newTestService(repo)

	led, err := svc.LoadLedger(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Len(t, led.Items, 2)
	require.Equal(t, CarryForwardItemID, led.Items[1].ID)
}

func TestLoadLedgerUnknownStudent(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.LoadLedger(context.Background(), "stu-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotTotalsOverStoredState(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1",
		feeItem("a", "500.00", "100.00", "0"),
		feeItem("b", "300.00", "0", "50.00"))
	svc := newTestService(repo)

	snap, err := svc.Snapshot(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Equal(t, "stu-1", snap.StudentID)
	require.Len(t, snap.Items, 2)
	// Nothing is selected on the stored ledger, so the totals are empty; the
	// open balances live on the items themselves.
	require.Equal(t, 0, snap.Totals.SelectedCount)
	requireAmount(t, "0.00", snap.Totals.TotalPayable)
	requireAmount(t, "400.00", snap.Items[0].RemainingPayable())
	requireAmount(t, "250.00", snap.Items[1].RemainingPayable())
}

func TestPreviewAppliesEdits(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1",
		feeItem("a", "500.00", "0", "0"),
		feeItem("b", "300.00", "0", "0"))
	svc := newTestService(repo)

	totals, breakdown, err := svc.Preview(context.Background(), "stu-1", []ItemEdit{
		{ItemID: "a", Selected: true},
		{ItemID: "b", Selected: true, CurrentDiscount: dec("50.00")},
	})
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	requireAmount(t, "750.00", totals.TotalPayable)
	requireAmount(t, "50.00", totals.TotalDiscount)
}

func TestPreviewRejectsUnknownItem(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("a", "500.00", "0", "0"))
	svc := newTestService(repo)

	_, _, err := svc.Preview(context.Background(), "stu-1", []ItemEdit{{ItemID: "ghost", Selected: true}})
	require.Error(t, err)
}

func TestSubmitSettlesItemsEndToEnd(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "400.00", "100.00"))
	svc := newTestService(repo)

	res, err := svc.Submit(context.Background(), "stu-1", PaymentSubmission{
		StudentID: "stu-1",
		Mode:      PaymentModeCash,
		Lines: []SubmissionLine{{
			FeeLineItemID:   "tuition",
			DiscountApplied: dec("50.00"),
			AmountApplied:   dec("450.00"),
		}},
		DeclaredTotal: dec("450.00"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReceiptNumber)
	requireAmount(t, "0.00", res.UpdatedTotals.TotalDue)

	// Stored state reflects the settlement; a fresh snapshot owes nothing.
	snap, err := svc.Snapshot(context.Background(), "stu-1")
	require.NoError(t, err)
	requireAmount(t, "850.00", snap.Items[0].PaidAmount)
	requireAmount(t, "150.00", snap.Items[0].AppliedDiscount)
	requireAmount(t, "0.00", snap.Items[0].RemainingPayable())
}

func TestSubmitPartialPaymentLeavesDue(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "0", "0"))
	svc := newTestService(repo)

	res, err := svc.Submit(context.Background(), "stu-1", PaymentSubmission{
		StudentID: "stu-1",
		Mode:      PaymentModeCash,
		Lines: []SubmissionLine{{
			FeeLineItemID: "tuition",
			AmountApplied: dec("400.00"),
		}},
		DeclaredTotal: dec("400.00"),
	})
	require.NoError(t, err)
	// After the partial settlement the item still carries an open balance.
	requireAmount(t, "600.00", res.UpdatedTotals.TotalPayable)

	snap, err := svc.Snapshot(context.Background(), "stu-1")
	require.NoError(t, err)
	requireAmount(t, "600.00", snap.Items[0].RemainingPayable())
}

func TestSubmitRejectedLeavesStoredStateUntouched(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "0", "0"))
	svc := newTestService(repo)

	_, err := svc.Submit(context.Background(), "stu-1", PaymentSubmission{
		StudentID: "stu-1",
		Mode:      PaymentModeCash,
		Lines: []SubmissionLine{{
			FeeLineItemID: "tuition",
			AmountApplied: dec("1000.00"),
		}},
		DeclaredTotal: dec("700.00"), // does not match
	})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ErrKindTotalMismatch, rej.Errors[0].Kind)

	snap, err := svc.Snapshot(context.Background(), "stu-1")
	require.NoError(t, err)
	requireAmount(t, "0.00", snap.Items[0].PaidAmount)
}

func TestSubmitUnknownLineMapsToBadSubmission(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "0", "0"))
	svc := newTestService(repo)

	_, err := svc.Submit(context.Background(), "stu-1", PaymentSubmission{
		StudentID:     "stu-1",
		Mode:          PaymentModeCash,
		Lines:         []SubmissionLine{{FeeLineItemID: "ghost", AmountApplied: dec("10.00")}},
		DeclaredTotal: dec("10.00"),
	})
	require.ErrorIs(t, err, ErrBadSubmissionLine)
}

func TestSubmitPaysDownCarryForward(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "1000.00", "0"))
	repo.carry["stu-1"] = dec("300.00")
	svc := newTestService(repo)

	_, err := svc.Submit(context.Background(), "stu-1", PaymentSubmission{
		StudentID: "stu-1",
		Mode:      PaymentModeCash,
		Lines: []SubmissionLine{{
			FeeLineItemID:   CarryForwardItemID,
			DiscountApplied: dec("100.00"),
			AmountApplied:   dec("200.00"),
		}},
		DeclaredTotal: dec("200.00"),
	})
	require.NoError(t, err)
	require.True(t, repo.carry["stu-1"].IsZero(), "carried balance should be settled, got %s", repo.carry["stu-1"])

	// The next load no longer splices a carry forward item.
	led, err := svc.LoadLedger(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Len(t, led.Items, 1)
}

func TestSubmitDuplicateIdempotencyKeyRejected(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed("stu-1", feeItem("tuition", "1000.00", "0", "0"))
	svc := newTestService(repo)

	sub := PaymentSubmission{
		StudentID:      "stu-1",
		Mode:           PaymentModeCash,
		Lines:          []SubmissionLine{{FeeLineItemID: "tuition", AmountApplied: dec("500.00")}},
		DeclaredTotal:  dec("500.00"),
		IdempotencyKey: "key-1",
	}
	_, err := svc.Submit(context.Background(), "stu-1", sub)
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), "stu-1", sub)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PersistServerRejected, perr.Kind)
	require.False(t, perr.Retryable)
}

func TestSubmitLoadFailurePropagates(t *testing.T) {
	repo := newMemoryRepo()
	repo.listErr = errors.New("database offline")
	svc := newTestService(repo)

	_, err := svc.Submit(context.Background(), "stu-1", PaymentSubmission{StudentID: "stu-1"})
	require.ErrorIs(t, err, repo.listErr)
}

// The preview path and the persistence path must produce identical numbers
// for the same inputs. Each fixture is previewed through the service and then
// submitted; the settled totals have to agree with what the preview promised.
func TestPreviewAndPersistenceAgree(t *testing.T) {
	type fixture struct {
		name     string
		items    []FeeLineItem
		carry    string
		edits    []ItemEdit
		expected string // total payable both sides must report
	}

	withHistory := feeItem("tuition", "1000.00", "400.00", "100.00")
	fixtures := []fixture{
		{
			name:     "single item full payment",
			items:    []FeeLineItem{feeItem("tuition", "1000.00", "0", "0")},
			edits:    []ItemEdit{{ItemID: "tuition", Selected: true}},
			expected: "1000.00",
		},
		{
			name:     "history and session discount",
			items:    []FeeLineItem{withHistory},
			edits:    []ItemEdit{{ItemID: "tuition", Selected: true, CurrentDiscount: dec("50.00")}},
			expected: "450.00",
		},
		{
			name:  "partial payment override",
			items: []FeeLineItem{withHistory},
			edits: []ItemEdit{{
				ItemID: "tuition", Selected: true,
				CurrentDiscount: dec("50.00"), PayableOverride: decPtr("200.00"),
			}},
			expected: "200.00",
		},
		{
			name: "multiple items one discounted",
			items: []FeeLineItem{
				feeItem("a", "500.00", "0", "0"),
				feeItem("b", "300.00", "0", "0"),
			},
			edits: []ItemEdit{
				{ItemID: "a", Selected: true},
				{ItemID: "b", Selected: true, CurrentDiscount: dec("50.00")},
			},
			expected: "750.00",
		},
		{
			name:     "discounted carry forward",
			items:    []FeeLineItem{feeItem("tuition", "200.00", "200.00", "0")},
			carry:    "300.00",
			edits:    []ItemEdit{{ItemID: CarryForwardItemID, Selected: true, CurrentDiscount: dec("100.00")}},
			expected: "200.00",
		},
		{
			name:     "fractional amounts",
			items:    []FeeLineItem{feeItem("a", "333.33", "111.11", "0")},
			edits:    []ItemEdit{{ItemID: "a", Selected: true, CurrentDiscount: dec("22.22")}},
			expected: "200.00",
		},
	}

	for _, fx := range fixtures {
		t.Run(fx.name, func(t *testing.T) {
			repo := newMemoryRepo()
			repo.seed("stu-1", fx.items...)
			if fx.carry != "" {
				repo.carry["stu-1"] = dec(fx.carry)
			}
			svc := newTestService(repo)
			ctx := context.Background()

			totals, breakdown, err := svc.Preview(ctx, "stu-1", fx.edits)
			require.NoError(t, err)
			requireAmount(t, fx.expected, totals.TotalPayable)

			lines := make([]SubmissionLine, 0, len(breakdown))
			for _, b := range breakdown {
				var discount decimal.Decimal
				for _, e := range fx.edits {
					if e.ItemID == b.ItemID {
						discount = e.CurrentDiscount
					}
				}
				lines = append(lines, SubmissionLine{
					FeeLineItemID:   b.ItemID,
					DiscountApplied: discount,
					AmountApplied:   b.Payable,
				})
			}

			res, err := svc.Submit(ctx, "stu-1", PaymentSubmission{
				StudentID:     "stu-1",
				Mode:          PaymentModeCash,
				Lines:         lines,
				DeclaredTotal: totals.TotalPayable,
			})
			require.NoError(t, err)

			// Acknowledged deltas total exactly what the preview promised.
			sum := decimal.Zero
			for _, d := range res.Deltas {
				sum = sum.Add(d.AmountApplied)
			}
			requireAmount(t, fx.expected, sum)
		})
	}
}
