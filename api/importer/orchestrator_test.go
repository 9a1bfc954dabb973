package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readerForRows(t *testing.T, dataRows ...string) *RowReader {
	t.Helper()
	csv := "交易时间,收/支,金额(元),交易对方\n"
	for _, row := range dataRows {
		csv += row + "\n"
	}
	result, err := ParseFile([]byte(csv), "bill.csv", defaultMappingTable(), 40)
	require.NoError(t, err)
	return NewRowReader(result)
}

func passthroughDeps(recorded *[]*RowError) rowDeps {
	return rowDeps{
		Normalize:   Normalize,
		IsDuplicate: func(*CanonicalTransaction) (bool, error) { return false, nil },
		Persist:     func(context.Context, *CanonicalTransaction) error { return nil },
		RecordError: func(_ context.Context, re *RowError) error {
			*recorded = append(*recorded, re)
			return nil
		},
	}
}

func TestProcessRowsPartialBatch(t *testing.T) {
	reader := readerForRows(t,
		"2024-01-15 12:00:00,支出,35.00,星巴克",
		"not-a-date,支出,10.00,美团",
		"2024-01-16 08:00:00,收入,100.00,工资")
	require.Equal(t, 3, reader.CandidateCount())

	var recorded []*RowError
	tally := processRows(context.Background(), reader, testOpts(), passthroughDeps(&recorded))

	assert.Equal(t, Tally{Success: 2, Failed: 1}, tally)
	assert.Equal(t, BatchPartial, decideStatus(tally))
	require.Len(t, recorded, 1)
	assert.Equal(t, ErrKindInvalidDate, recorded[0].Kind)
	assert.Equal(t, "not-a-date", recorded[0].Raw.TransactionTime)

	// success + failed + skipped never exceeds the candidate count
	assert.Equal(t, 3, tally.Success+tally.Failed+tally.Skipped)
}

func TestProcessRowsAllSuccess(t *testing.T) {
	reader := readerForRows(t,
		"2024-01-15 12:00:00,支出,35.00,星巴克",
		"2024-01-16 08:00:00,收入,100.00,工资")

	var recorded []*RowError
	tally := processRows(context.Background(), reader, testOpts(), passthroughDeps(&recorded))

	assert.Equal(t, Tally{Success: 2}, tally)
	assert.Equal(t, BatchSuccess, decideStatus(tally))
	assert.Empty(t, recorded)
}

func TestProcessRowsAllFailed(t *testing.T) {
	reader := readerForRows(t,
		"bad,支出,35.00,a",
		"worse,支出,10.00,b")

	var recorded []*RowError
	tally := processRows(context.Background(), reader, testOpts(), passthroughDeps(&recorded))

	assert.Equal(t, Tally{Failed: 2}, tally)
	assert.Equal(t, BatchFailed, decideStatus(tally))
	assert.Len(t, recorded, 2)
}

func TestProcessRowsSkipsDuplicates(t *testing.T) {
	reader := readerForRows(t,
		"2024-01-15 12:00:00,支出,35.00,星巴克",
		"2024-01-15 12:00:00,支出,35.00,星巴克")

	var recorded []*RowError
	deps := passthroughDeps(&recorded)
	seen := false
	deps.IsDuplicate = func(*CanonicalTransaction) (bool, error) {
		if seen {
			return true, nil
		}
		seen = true
		return false, nil
	}

	tally := processRows(context.Background(), reader, testOpts(), deps)
	assert.Equal(t, Tally{Success: 1, Skipped: 1}, tally)
	assert.Equal(t, BatchSuccess, decideStatus(tally))

	// the skipped row leaves a retryable duplicate record behind
	require.Len(t, recorded, 1)
	assert.Equal(t, ErrKindDuplicate, recorded[0].Kind)
	assert.Equal(t, 3, recorded[0].RowNumber)
}

func TestDecideStatusAllSkipped(t *testing.T) {
	// nothing was imported, so the batch is not a clean success
	assert.Equal(t, BatchPartial, decideStatus(Tally{Skipped: 2}))
	assert.Equal(t, BatchPartial, decideStatus(Tally{Skipped: 1, Failed: 1}))
}

func TestProcessRowsDuplicateWithoutSkip(t *testing.T) {
	reader := readerForRows(t,
		"2024-01-15 12:00:00,支出,35.00,星巴克")

	var recorded []*RowError
	var persisted []*CanonicalTransaction
	deps := passthroughDeps(&recorded)
	deps.IsDuplicate = func(*CanonicalTransaction) (bool, error) { return true, nil }
	deps.Persist = func(_ context.Context, txn *CanonicalTransaction) error {
		persisted = append(persisted, txn)
		return nil
	}

	opts := testOpts()
	opts.SkipDuplicates = false
	tally := processRows(context.Background(), reader, opts, deps)

	// duplicates are imported flagged when skipping is off
	assert.Equal(t, Tally{Success: 1}, tally)
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].Duplicate)
	assert.Empty(t, recorded)
}

func TestProcessRowsPersistFailureIsolated(t *testing.T) {
	reader := readerForRows(t,
		"2024-01-15 12:00:00,支出,35.00,星巴克",
		"2024-01-16 08:00:00,收入,100.00,工资")

	var recorded []*RowError
	deps := passthroughDeps(&recorded)
	calls := 0
	deps.Persist = func(context.Context, *CanonicalTransaction) error {
		calls++
		if calls == 1 {
			return errors.New("constraint violated")
		}
		return nil
	}

	tally := processRows(context.Background(), reader, testOpts(), deps)
	assert.Equal(t, Tally{Success: 1, Failed: 1}, tally)
	assert.Equal(t, BatchPartial, decideStatus(tally))
}

func TestProcessRowsAmbiguousSkipPolicy(t *testing.T) {
	reader := readerForRows(t,
		"2024-01-15 12:00:00,转账,200.00,张三",
		"2024-01-16 08:00:00,收入,100.00,工资")

	var recorded []*RowError
	opts := testOpts()
	opts.DirectionPolicy = PolicyAmbiguousSkip
	tally := processRows(context.Background(), reader, opts, passthroughDeps(&recorded))

	assert.Equal(t, Tally{Success: 1, Skipped: 1}, tally)
	assert.Empty(t, recorded, "skipped rows are not error records")
}

func TestDecideStatusEmptyBatch(t *testing.T) {
	assert.Equal(t, BatchSuccess, decideStatus(Tally{}))
}

func TestSummarize(t *testing.T) {
	s := summarize(Tally{Success: 2, Failed: 1, Skipped: 0}, 3)
	assert.Equal(t, "3 rows: 2 imported, 1 failed, 0 skipped", s)
}
