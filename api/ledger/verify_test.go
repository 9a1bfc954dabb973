package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWithinTolerance(t *testing.T) {
	cases := []struct {
		name      string
		expected  string
		actual    string
		tolerance float64
		want      bool
	}{
		{"exact match", "100.00", "100.00", 0.01, true},
		{"tiny drift inside", "100.00", "100.005", 0.01, true},
		{"drift at the edge", "100.00", "101.00", 0.01, true},
		{"clearly out", "100.00", "105.00", 0.01, false},
		{"zero tolerance", "100.00", "100.01", 0, false},
		{"near-zero balances use the floor", "0", "0.005", 0.01, true},
		{"near-zero but out", "0", "0.50", 0.01, false},
		{"negative balances", "-100.00", "-100.50", 0.01, true},
		{"large balance scales the band", "10000.00", "10050.00", 0.01, true},
	}
	for _, tc := range cases {
		got := WithinTolerance(dec(tc.expected), dec(tc.actual), tc.tolerance)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestWithinToleranceSymmetric(t *testing.T) {
	assert.Equal(t,
		WithinTolerance(dec("100"), dec("103"), 0.01),
		WithinTolerance(dec("103"), dec("100"), 0.01))
}

func TestDiagnose(t *testing.T) {
	assert.Equal(t, DiagnosisConsistent, Diagnose(dec("100"), dec("100.005"), 0.01))
	assert.Equal(t, DiagnosisExcess, Diagnose(dec("100"), dec("105"), 0.01))
	assert.Equal(t, DiagnosisDeficit, Diagnose(dec("105"), dec("100"), 0.01))
}

func TestOpeningEvent(t *testing.T) {
	ev := openingEvent(1, 10, dec("500.00"))
	assert.Equal(t, ChangeInitial, ev.ChangeType)
	assert.True(t, ev.AmountBefore.IsZero())
	assert.Equal(t, "500", ev.AmountAfter.String())
	assert.True(t, ev.AmountAfter.Sub(ev.AmountBefore).Equal(ev.ChangeAmount))
}

func TestUpdatePreferenceRejectsOutOfRange(t *testing.T) {
	v := &Verifier{}
	ctx := context.Background()

	err := v.UpdatePreference(ctx, &Preference{UserID: 1, Tolerance: 1.5})
	assert.ErrorContains(t, err, "tolerance")

	err = v.UpdatePreference(ctx, &Preference{UserID: 1, Tolerance: 0.01, AutoAcceptConfidence: -0.2})
	assert.ErrorContains(t, err, "auto_accept_confidence")
}

func TestBalanceEventArithmetic(t *testing.T) {
	ev := &BalanceEvent{
		ChangeAmount: dec("-35.00"),
		AmountBefore: dec("100.00"),
	}
	ev.AmountAfter = ev.AmountBefore.Add(ev.ChangeAmount)
	assert.True(t, ev.AmountAfter.Sub(ev.AmountBefore).Equal(ev.ChangeAmount))
	assert.Equal(t, "65", ev.AmountAfter.String())
}
