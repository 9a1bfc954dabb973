package importer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDirection(t *testing.T) {
	cases := []struct {
		text   string
		policy DirectionPolicy
		want   Direction
	}{
		{"收入", PolicyAmbiguousExpense, DirectionIncome},
		{"支出", PolicyAmbiguousExpense, DirectionExpense},
		{"Income", PolicyAmbiguousExpense, DirectionIncome},
		{"转账", PolicyAmbiguousExpense, DirectionExpense},
		{"转账", PolicyAmbiguousTransfer, DirectionTransfer},
		{"红包", PolicyAmbiguousExpense, DirectionExpense},
		{"美团退款", PolicyAmbiguousExpense, DirectionIncome},
		{"商户付款", PolicyAmbiguousExpense, DirectionExpense},
	}
	for _, tc := range cases {
		got, err := ResolveDirection(tc.text, tc.policy)
		require.NoError(t, err, tc.text)
		assert.Equal(t, tc.want, got, "text %q policy %q", tc.text, tc.policy)
	}
}

func TestResolveDirectionSkipPolicy(t *testing.T) {
	_, err := ResolveDirection("转账", PolicyAmbiguousSkip)
	assert.ErrorIs(t, err, ErrAmbiguousSkipped)
}

func TestResolveDirectionUnknown(t *testing.T) {
	_, err := ResolveDirection("mystery", PolicyAmbiguousExpense)
	assert.Error(t, err)
	_, err = ResolveDirection("", PolicyAmbiguousExpense)
	assert.Error(t, err)
}

func testOpts() ImportOptions {
	return ImportOptions{
		UserID:           1,
		Source:           "wechat",
		DefaultAccountID: 10,
		SkipDuplicates:   true,
		DirectionPolicy:  PolicyAmbiguousExpense,
		DuplicateWindow:  time.Minute,
	}
}

func TestNormalizeSignsAmounts(t *testing.T) {
	row := &ParsedRow{
		RowNumber:     6,
		Time:          time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC),
		DirectionText: "支出",
		Amount:        decimal.RequireFromString("88.00"),
		MerchantName:  "星巴克",
	}
	txn, rowErr := Normalize(row, testOpts())
	require.Nil(t, rowErr)
	assert.Equal(t, DirectionExpense, txn.Direction)
	assert.Equal(t, "-88", txn.Amount.String())
	assert.Equal(t, int64(10), txn.AccountID)

	row.DirectionText = "收入"
	// The file prints the magnitude with a minus for some banks; the sign is
	// derived from the direction, not the text.
	row.Amount = decimal.RequireFromString("-88.00")
	txn, rowErr = Normalize(row, testOpts())
	require.Nil(t, rowErr)
	assert.Equal(t, "88", txn.Amount.String())
}

func TestNormalizeAmbiguousSkipFlagsPolicy(t *testing.T) {
	row := &ParsedRow{
		RowNumber:     5,
		DirectionText: "转账",
		Amount:        decimal.RequireFromString("200"),
	}
	opts := testOpts()
	opts.DirectionPolicy = PolicyAmbiguousSkip
	_, rowErr := Normalize(row, opts)
	require.NotNil(t, rowErr)
	assert.True(t, rowErr.PolicySkip, "policy skips are not failures")

	// a genuinely unknown direction is a failure, not a policy skip
	row.DirectionText = "mystery"
	_, rowErr = Normalize(row, opts)
	require.NotNil(t, rowErr)
	assert.False(t, rowErr.PolicySkip)
}

func TestNormalizeZeroAmountFails(t *testing.T) {
	row := &ParsedRow{
		RowNumber:     3,
		DirectionText: "支出",
		Amount:        decimal.Zero,
	}
	_, rowErr := Normalize(row, testOpts())
	require.NotNil(t, rowErr)
	assert.Equal(t, ErrKindInvalidAmount, rowErr.Kind)
}

func TestNormalizeRemarkFallsBackToMerchant(t *testing.T) {
	row := &ParsedRow{
		RowNumber:     4,
		DirectionText: "支出",
		Amount:        decimal.RequireFromString("10"),
		MerchantName:  "美团外卖",
	}
	txn, rowErr := Normalize(row, testOpts())
	require.Nil(t, rowErr)
	assert.Equal(t, "美团外卖", txn.Remark)
}

func txnAt(ts time.Time, amount, merchant, providerID string) *CanonicalTransaction {
	return &CanonicalTransaction{
		UserID:        1,
		Amount:        decimal.RequireFromString(amount),
		MerchantName:  merchant,
		ProviderTxnID: providerID,
		OccurredAt:    ts,
	}
}

func TestDuplicateDetectorProviderID(t *testing.T) {
	history := map[string]bool{"known": true}
	d := NewDuplicateDetector(time.Minute, func(userID int64, id string) (bool, error) {
		return history[id], nil
	})

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	dup, err := d.IsDuplicate(txnAt(base, "-35", "a", "known"))
	require.NoError(t, err)
	assert.True(t, dup, "persisted history hit")

	dup, err = d.IsDuplicate(txnAt(base, "-35", "a", "fresh"))
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = d.IsDuplicate(txnAt(base.Add(time.Hour), "-99", "b", "fresh"))
	require.NoError(t, err)
	assert.True(t, dup, "repeated provider id within the batch")
}

func TestDuplicateDetectorFuzzyWindow(t *testing.T) {
	d := NewDuplicateDetector(time.Minute, nil)
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	dup, err := d.IsDuplicate(txnAt(base, "-35", "星巴克", ""))
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = d.IsDuplicate(txnAt(base.Add(30*time.Second), "-35", "星巴克", ""))
	require.NoError(t, err)
	assert.True(t, dup, "same amount and merchant inside the window")

	dup, err = d.IsDuplicate(txnAt(base.Add(10*time.Minute), "-35", "星巴克", ""))
	require.NoError(t, err)
	assert.False(t, dup, "outside the window")

	dup, err = d.IsDuplicate(txnAt(base.Add(15*time.Second), "-36", "星巴克", ""))
	require.NoError(t, err)
	assert.False(t, dup, "different amount")
}
