package shared

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRoundMoneyHalfUp(t *testing.T) {
	cases := map[string]string{
		"1.005":   "1.01",
		"1.004":   "1.00",
		"1.015":   "1.02",
		"-1.005":  "-1.01",
		"0":       "0.00",
		"99.999":  "100.00",
		"42.10":   "42.10",
		"0.12345": "0.12",
	}
	for in, want := range cases {
		got := RoundMoney(decimal.RequireFromString(in))
		require.Equal(t, want, got.StringFixed(2), "RoundMoney(%s)", in)
	}
}

func TestRoundMoneyIdempotent(t *testing.T) {
	d := decimal.RequireFromString("7.777")
	once := RoundMoney(d)
	twice := RoundMoney(once)
	require.True(t, once.Equal(twice))
}

func TestWithinTolerance(t *testing.T) {
	a := decimal.RequireFromString("100.00")
	require.True(t, WithinTolerance(a, decimal.RequireFromString("100.00")))
	require.True(t, WithinTolerance(a, decimal.RequireFromString("100.01")))
	require.True(t, WithinTolerance(a, decimal.RequireFromString("99.99")))
	require.False(t, WithinTolerance(a, decimal.RequireFromString("100.02")))
	require.False(t, WithinTolerance(a, decimal.RequireFromString("99.98")))
}

func TestFormatAmountGroupsThousands(t *testing.T) {
	require.Equal(t, "12,345.68", FormatAmount(decimal.RequireFromString("12345.675")))
	require.Equal(t, "0.00", FormatAmount(decimal.Zero))
}
