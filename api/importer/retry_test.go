package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SmartBillBook/internal/config"
)

func TestAutoFixDate(t *testing.T) {
	raw := autoFix(ErrKindInvalidDate, RawRow{TransactionTime: " 2024年1月15日  10:30:00 "})
	ts, err := ParseTimestamp(raw.TransactionTime)
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, 15, ts.Day())
	assert.Equal(t, 10, ts.Hour())

	raw = autoFix(ErrKindInvalidDate, RawRow{TransactionTime: "2024-01-15T10:30:00"})
	_, err = ParseTimestamp(raw.TransactionTime)
	assert.NoError(t, err)
}

func TestAutoFixAmount(t *testing.T) {
	raw := autoFix(ErrKindInvalidAmount, RawRow{Amount: " ¥1,234.56 "})
	amount, err := ParseAmount(raw.Amount)
	require.NoError(t, err)
	assert.Equal(t, "1234.56", amount.String())

	raw = autoFix(ErrKindInvalidAmount, RawRow{Amount: "￥35，000"})
	amount, err = ParseAmount(raw.Amount)
	require.NoError(t, err)
	assert.Equal(t, "35000", amount.String())
}

func TestAutoFixCategoryClearsBadID(t *testing.T) {
	raw := autoFix(ErrKindInvalidCategory, RawRow{CategoryID: 99})
	assert.Zero(t, raw.CategoryID)
}

func TestApplyCorrections(t *testing.T) {
	raw := RawRow{TransactionTime: "bad", Amount: "also bad"}
	fixed := applyCorrections(raw, map[string]string{
		FieldTransactionTime: "2024-01-15 10:00:00",
		FieldAmount:          "35.00",
		FieldMerchantName:    "星巴克",
		"unknown_field":      "ignored",
	})
	assert.Equal(t, "2024-01-15 10:00:00", fixed.TransactionTime)
	assert.Equal(t, "35.00", fixed.Amount)
	assert.Equal(t, "星巴克", fixed.MerchantName)
}

func errRec(kind ErrorKind, msg string) *ErrorRecord {
	return &ErrorRecord{Kind: kind, Message: msg, CanRetry: kind.AutoFixable()}
}

func TestAnalyzeErrorsGroupsByKind(t *testing.T) {
	recs := []*ErrorRecord{
		errRec(ErrKindInvalidDate, "row 2: unrecognized time format"),
		errRec(ErrKindInvalidDate, "row 3: unrecognized time format"),
		errRec(ErrKindInvalidDate, "row 4: unrecognized time format"),
		errRec(ErrKindInvalidDate, "row 5: unrecognized time format"),
		errRec(ErrKindInvalidAmount, "row 6: unparseable amount"),
		errRec(ErrKindValidation, "row 7: something odd"),
	}

	analysis := AnalyzeErrors(42, recs)
	assert.Equal(t, int64(42), analysis.BatchID)
	assert.Equal(t, 6, analysis.TotalErrors)
	assert.Equal(t, 5, analysis.Fixable)
	require.Len(t, analysis.Groups, 3)

	// largest group first, samples capped
	assert.Equal(t, ErrKindInvalidDate, analysis.Groups[0].Kind)
	assert.Equal(t, 4, analysis.Groups[0].Count)
	assert.Len(t, analysis.Groups[0].Samples, config.ErrorSamplesPerKind)
	assert.True(t, analysis.Groups[0].AutoFixable)
	assert.False(t, analysis.Groups[2].AutoFixable)
}

func TestAnalyzeUserErrorsAcrossBatches(t *testing.T) {
	batchRec := func(batchID int64, kind ErrorKind, msg string) *ErrorRecord {
		rec := errRec(kind, msg)
		rec.BatchID = batchID
		return rec
	}
	recs := []*ErrorRecord{
		batchRec(1, ErrKindInvalidDate, "row 2: unrecognized time format"),
		batchRec(2, ErrKindInvalidDate, "row 5: unrecognized time format"),
		batchRec(3, ErrKindInvalidDate, "row 9: unrecognized time format"),
		batchRec(3, ErrKindValidation, "row 10: something odd"),
	}

	stats := AnalyzeUserErrors(7, 30, recs)
	assert.Equal(t, int64(7), stats.UserID)
	assert.Equal(t, 30, stats.WindowDays)
	assert.Equal(t, 4, stats.TotalErrors)
	assert.Equal(t, 3, stats.Fixable)

	// the recurring cause clusters across batches, not within one
	require.Len(t, stats.Groups, 2)
	assert.Equal(t, ErrKindInvalidDate, stats.Groups[0].Kind)
	assert.Equal(t, 3, stats.Groups[0].Count)
	require.Len(t, stats.Patterns, 1)
	assert.Contains(t, stats.Patterns[0], "unrecognized date format")
}

func TestDetectPatterns(t *testing.T) {
	recs := []*ErrorRecord{
		errRec(ErrKindInvalidDate, "row 2: unrecognized time format \"13-05\""),
		errRec(ErrKindInvalidDate, "row 3: unrecognized time format \"13-06\""),
		errRec(ErrKindInvalidAmount, "row 4: unparseable amount \"x\""),
	}
	patterns := detectPatterns(recs)
	require.Len(t, patterns, 1)
	assert.Contains(t, patterns[0], "unrecognized date format")
	assert.Contains(t, patterns[0], "2 rows")
}

func TestErrorKindAutoFixable(t *testing.T) {
	assert.True(t, ErrKindInvalidDate.AutoFixable())
	assert.True(t, ErrKindDuplicate.AutoFixable())
	assert.False(t, ErrKindValidation.AutoFixable())
}
