package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFeeLineItemRejectsNegatives(t *testing.T) {
	_, err := NewFeeLineItem("a", "Tuition", dec("-1"), dec("0"), dec("0"))
	require.Error(t, err)

	_, err = NewFeeLineItem("a", "Tuition", dec("100"), dec("-1"), dec("0"))
	require.Error(t, err)

	_, err = NewFeeLineItem("a", "Tuition", dec("100"), dec("0"), dec("-1"))
	require.Error(t, err)
}

func TestNewFeeLineItemRoundsOnEntry(t *testing.T) {
	it, err := NewFeeLineItem("a", "Tuition", dec("100.005"), dec("10.004"), dec("0"))
	require.NoError(t, err)
	requireAmount(t, "100.01", it.OriginalAmount)
	requireAmount(t, "10.00", it.PaidAmount)
}

func TestRemainingPayableFloorsAtZero(t *testing.T) {
	it := feeItem("a", "100.00", "90.00", "0")
	it.CurrentDiscount = dec("50.00")
	requireAmount(t, "0.00", it.RemainingPayable())
}

func TestDiscountCeilingExcludesHistory(t *testing.T) {
	it := feeItem("a", "1000.00", "400.00", "100.00")
	requireAmount(t, "500.00", it.DiscountCeiling())
}

func TestDiscountCeilingForCarryForwardIsFullBalance(t *testing.T) {
	cf := CarryForwardItem(dec("300.00"))
	requireAmount(t, "300.00", cf.DiscountCeiling())
}

func TestApplyDeltasClearsConsumedEdits(t *testing.T) {
	it := feeItem("a", "1000.00", "0", "0")
	it.Selected = true
	it.CurrentDiscount = dec("50.00")
	it.PayableOverride = decPtr("200.00")
	led := &Ledger{StudentID: "stu-1", Items: []FeeLineItem{it}}

	err := led.ApplyDeltas([]ItemDelta{{
		FeeLineItemID:   "a",
		AmountApplied:   dec("200.00"),
		DiscountApplied: dec("50.00"),
	}})
	require.NoError(t, err)

	got := led.Item("a")
	requireAmount(t, "200.00", got.PaidAmount)
	requireAmount(t, "50.00", got.AppliedDiscount)
	require.True(t, got.CurrentDiscount.IsZero())
	require.Nil(t, got.PayableOverride)
}

func TestApplyDeltasAllOrNothing(t *testing.T) {
	a := feeItem("a", "100.00", "0", "0")
	b := feeItem("b", "100.00", "0", "0")
	led := &Ledger{StudentID: "stu-1", Items: []FeeLineItem{a, b}}

	err := led.ApplyDeltas([]ItemDelta{
		{FeeLineItemID: "a", AmountApplied: dec("100.00")},
		{FeeLineItemID: "ghost", AmountApplied: dec("1.00")},
	})
	require.Error(t, err)

	// The valid delta must not have been applied either.
	requireAmount(t, "0.00", led.Item("a").PaidAmount)
}

func TestApplyDeltasRejectsNegative(t *testing.T) {
	led := &Ledger{StudentID: "stu-1", Items: []FeeLineItem{feeItem("a", "100.00", "0", "0")}}
	err := led.ApplyDeltas([]ItemDelta{{FeeLineItemID: "a", AmountApplied: dec("-5.00")}})
	require.Error(t, err)
}

func TestPaymentModeReferenceRules(t *testing.T) {
	require.False(t, PaymentModeCash.RequiresReference())
	for _, m := range []PaymentMode{PaymentModeCheque, PaymentModeBankTransfer, PaymentModeMobileMoney, PaymentModeCard} {
		require.True(t, m.RequiresReference(), "mode %s", m)
	}
	require.False(t, PaymentMode("BARTER").Known())
}
