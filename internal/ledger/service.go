package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// RepositoryPort defines the read-side data access the service needs. The
// fee-assignment and period-rollover modules own the data; the ledger only
// reads it.
type RepositoryPort interface {
	ListFeeLineItems(ctx context.Context, studentID string) ([]FeeLineItem, error)
	CarryForwardBalance(ctx context.Context, studentID string) (decimal.Decimal, error)
}

// ItemEdit is one in-progress user mutation of a line item's selection,
// discount, or partial-payment override.
type ItemEdit struct {
	ItemID          string           `json:"item_id"`
	Selected        bool             `json:"selected"`
	CurrentDiscount decimal.Decimal  `json:"current_discount"`
	PayableOverride *decimal.Decimal `json:"payable_override,omitempty"`
}

// ApplyEdits overlays user edits onto a fresh copy of the items. Every edit
// must name a known item; the stored slice is never mutated.
func ApplyEdits(items []FeeLineItem, edits []ItemEdit) ([]FeeLineItem, error) {
	out := make([]FeeLineItem, len(items))
	copy(out, items)
	for _, e := range edits {
		idx := -1
		for i := range out {
			if out[i].ID == e.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("ledger: edit for unknown item %q", e.ItemID)
		}
		if e.CurrentDiscount.IsNegative() {
			return nil, fmt.Errorf("ledger: negative discount for item %q", e.ItemID)
		}
		out[idx].Selected = e.Selected
		out[idx].CurrentDiscount = e.CurrentDiscount
		out[idx].PayableOverride = e.PayableOverride
	}
	return out, nil
}

// Snapshot is a read-only view of a student's ledger with computed totals.
type Snapshot struct {
	StudentID string          `json:"student_id"`
	Items     []FeeLineItem   `json:"items"`
	Totals    LedgerTotals    `json:"totals"`
	Breakdown []ItemBreakdown `json:"breakdown"`
}

// Service composes loading, carry-forward splicing, preview calculation and
// submission for the HTTP layer.
type Service struct {
	repo        RepositoryPort
	carry       *CarryForwardHandler
	cache       *SnapshotCache
	coordinator *Coordinator

	flight singleflight.Group
}

// NewService constructs the ledger service. cache may be nil.
func NewService(repo RepositoryPort, carry *CarryForwardHandler, coordinator *Coordinator, cache *SnapshotCache) *Service {
	return &Service{repo: repo, carry: carry, coordinator: coordinator, cache: cache}
}

// LoadLedger assembles the student's working ledger: assigned fee line items
// plus the synthetic carry-forward item when a rolled-over balance exists.
func (s *Service) LoadLedger(ctx context.Context, studentID string) (*Ledger, error) {
	items, err := s.repo.ListFeeLineItems(ctx, studentID)
	if err != nil {
		return nil, err
	}
	items, err = s.carry.Extend(ctx, studentID, items)
	if err != nil {
		return nil, err
	}
	return &Ledger{StudentID: studentID, Items: items}, nil
}

// Snapshot returns the persisted ledger state with totals over the items as
// stored (nothing selected). Concurrent requests for the same student share
// one load; the result is cached until the next successful submission.
func (s *Service) Snapshot(ctx context.Context, studentID string) (*Snapshot, error) {
	if s.cache != nil {
		if snap, ok := s.cache.Get(ctx, studentID); ok {
			return snap, nil
		}
	}
	v, err, _ := s.flight.Do(studentID, func() (any, error) {
		led, err := s.LoadLedger(ctx, studentID)
		if err != nil {
			return nil, err
		}
		totals, breakdown := ComputeTotals(led.Items)
		snap := &Snapshot{
			StudentID: studentID,
			Items:     led.Items,
			Totals:    totals,
			Breakdown: breakdown,
		}
		if s.cache != nil {
			s.cache.Set(ctx, snap)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Preview recomputes totals for a set of in-progress edits. It runs
// synchronously on every call; callers must not serve totals older than the
// latest edit.
func (s *Service) Preview(ctx context.Context, studentID string, edits []ItemEdit) (LedgerTotals, []ItemBreakdown, error) {
	led, err := s.LoadLedger(ctx, studentID)
	if err != nil {
		return LedgerTotals{}, nil, err
	}
	items, err := ApplyEdits(led.Items, edits)
	if err != nil {
		return LedgerTotals{}, nil, err
	}
	totals, breakdown := ComputeTotals(items)
	return totals, breakdown, nil
}

// Submit materialises the submission lines onto the stored ledger the same
// way the persistence side does, drives the coordinator through the full
// pipeline, and drops the stale snapshot cache on success.
func (s *Service) Submit(ctx context.Context, studentID string, sub PaymentSubmission) (*SubmissionResult, error) {
	led, err := s.LoadLedger(ctx, studentID)
	if err != nil {
		return nil, err
	}
	led.Items, err = materializeSubmission(led.Items, sub.Lines)
	if err != nil {
		return nil, err
	}
	res, err := s.coordinator.Submit(ctx, led, sub)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, studentID)
	}
	return res, nil
}
