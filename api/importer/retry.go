package importer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"

	"SmartBillBook/internal/config"
)

// ErrorGroup is the analysis view for one error kind within a batch.
type ErrorGroup struct {
	Kind         ErrorKind      `json:"error_type"`
	Count        int            `json:"count"`
	AutoFixable  bool           `json:"auto_fixable"`
	SuggestedFix string         `json:"suggested_fix"`
	Samples      []*ErrorRecord `json:"samples"`
}

// BatchAnalysis summarizes a batch's failures for the review UI.
type BatchAnalysis struct {
	BatchID     int64         `json:"batch_id"`
	TotalErrors int           `json:"total_errors"`
	Fixable     int           `json:"auto_fixable_errors"`
	Groups      []*ErrorGroup `json:"groups"`
	Patterns    []string      `json:"patterns,omitempty"`
}

// AnalyzeErrors groups a batch's pending errors by kind with a few samples
// each, plus message-level pattern hints.
func AnalyzeErrors(batchID int64, recs []*ErrorRecord) *BatchAnalysis {
	groups, fixable := groupErrors(recs)
	return &BatchAnalysis{
		BatchID:     batchID,
		TotalErrors: len(recs),
		Fixable:     fixable,
		Groups:      groups,
		Patterns:    detectPatterns(recs),
	}
}

// groupErrors buckets error records by kind, largest bucket first, keeping a
// few samples per kind. Shared by the per-batch analysis and the cross-batch
// statistics.
func groupErrors(recs []*ErrorRecord) ([]*ErrorGroup, int) {
	byKind := map[ErrorKind][]*ErrorRecord{}
	for _, rec := range recs {
		byKind[rec.Kind] = append(byKind[rec.Kind], rec)
	}

	kinds := make([]ErrorKind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if len(byKind[kinds[i]]) != len(byKind[kinds[j]]) {
			return len(byKind[kinds[i]]) > len(byKind[kinds[j]])
		}
		return kinds[i] < kinds[j]
	})

	groups := make([]*ErrorGroup, 0, len(kinds))
	fixable := 0
	for _, kind := range kinds {
		group := &ErrorGroup{
			Kind:         kind,
			Count:        len(byKind[kind]),
			AutoFixable:  kind.AutoFixable(),
			SuggestedFix: suggestedFix(kind),
		}
		for i, rec := range byKind[kind] {
			if i >= config.ErrorSamplesPerKind {
				break
			}
			group.Samples = append(group.Samples, rec)
		}
		if group.AutoFixable {
			fixable += group.Count
		}
		groups = append(groups, group)
	}
	return groups, fixable
}

// ImportStats is the cross-batch import health view for one user over a
// recent window.
type ImportStats struct {
	UserID         int64         `json:"user_id"`
	WindowDays     int           `json:"window_days"`
	Batches        int           `json:"batch_count"`
	TotalRecords   int           `json:"total_records"`
	SuccessRecords int           `json:"success_records"`
	FailedRecords  int           `json:"failed_records"`
	SkippedRecords int           `json:"skipped_records"`
	TotalErrors    int           `json:"total_errors"`
	Fixable        int           `json:"auto_fixable_errors"`
	Groups         []*ErrorGroup `json:"groups,omitempty"`
	Patterns       []string      `json:"patterns,omitempty"`
}

// AnalyzeUserErrors builds the error side of the statistics from a user's
// recent error records, regardless of which batch each came from. Recurring
// causes that never cluster within a single batch surface here.
func AnalyzeUserErrors(userID int64, windowDays int, recs []*ErrorRecord) *ImportStats {
	stats := &ImportStats{
		UserID:      userID,
		WindowDays:  windowDays,
		TotalErrors: len(recs),
	}
	stats.Groups, stats.Fixable = groupErrors(recs)
	stats.Patterns = detectPatterns(recs)
	return stats
}

// detectPatterns scans error messages for recurring causes worth surfacing
// above the per-kind grouping.
func detectPatterns(recs []*ErrorRecord) []string {
	var patterns []string
	counts := map[string]int{}
	for _, rec := range recs {
		msg := strings.ToLower(rec.Message)
		switch {
		case strings.Contains(msg, "empty"):
			counts["empty fields"]++
		case strings.Contains(msg, "time format") || strings.Contains(msg, "transaction time"):
			counts["unrecognized date format"]++
		case strings.Contains(msg, "amount"):
			counts["unparseable amounts"]++
		case strings.Contains(msg, "duplicate"):
			counts["duplicated rows"]++
		case strings.Contains(msg, "account"):
			counts["missing target account"]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] >= 2 {
			patterns = append(patterns, fmt.Sprintf("%s (%d rows)", k, counts[k]))
		}
	}
	return patterns
}

// RetryEngine replays failed rows through the normal pipeline after applying
// user corrections and kind-specific automatic fixes.
type RetryEngine struct {
	store       *Store
	ledger      LedgerRecorder
	categorizer Categorizer
}

func NewRetryEngine(store *Store, ledger LedgerRecorder, categorizer Categorizer) *RetryEngine {
	return &RetryEngine{store: store, ledger: ledger, categorizer: categorizer}
}

// RetryResult reports the outcome of one replay attempt.
type RetryResult struct {
	ErrorID       int64  `json:"error_id"`
	Resolved      bool   `json:"resolved"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

// Retry replays one failed row. Corrections overwrite raw fields before the
// automatic fixes run; a row already resolved or ignored is a no-op.
func (e *RetryEngine) Retry(ctx context.Context, errorID int64, corrections map[string]string, opts ImportOptions) (*RetryResult, error) {
	rec, err := e.store.GetErrorRecord(ctx, errorID)
	if err != nil {
		return nil, err
	}
	if rec.Status != "pending" {
		return &RetryResult{ErrorID: errorID, Resolved: rec.Status == "resolved",
			Message: "record is already " + rec.Status, RetryCount: rec.RetryCount}, nil
	}
	if rec.RetryCount >= config.MaxRetryCount {
		return &RetryResult{ErrorID: errorID,
			Message:    fmt.Sprintf("retry limit of %d reached", config.MaxRetryCount),
			RetryCount: rec.RetryCount}, nil
	}

	raw := applyCorrections(rec.Raw, corrections)
	raw = autoFix(rec.Kind, raw)

	txn, rowErr := e.rebuild(raw, rec.RowNumber, opts)
	if rowErr == nil {
		rowErr = e.validate(ctx, txn, opts)
	}
	if rowErr != nil {
		if err := e.store.BumpRetryCount(ctx, errorID, rowErr.Message); err != nil {
			return nil, err
		}
		return &RetryResult{ErrorID: errorID, Message: rowErr.Message,
			RetryCount: rec.RetryCount + 1}, nil
	}

	var appendEvent func(*sql.Tx, *CanonicalTransaction) error
	if e.ledger != nil {
		appendEvent = func(tx *sql.Tx, txn *CanonicalTransaction) error {
			return e.ledger.RecordTransactionTx(ctx, tx, txn)
		}
	}
	if err := e.store.InsertTransaction(ctx, txn, rec.BatchID, appendEvent); err != nil {
		if bumpErr := e.store.BumpRetryCount(ctx, errorID, err.Error()); bumpErr != nil {
			return nil, bumpErr
		}
		return &RetryResult{ErrorID: errorID, Message: err.Error(),
			RetryCount: rec.RetryCount + 1}, nil
	}

	method := "auto_fix"
	if len(corrections) > 0 {
		method = "manual_correction"
	}
	if err := e.store.MarkErrorResolved(ctx, errorID, method); err != nil {
		return nil, err
	}
	if err := e.store.SettleRetrySuccess(ctx, rec.BatchID, rec.Kind == ErrKindDuplicate); err != nil {
		log.Println("[Importer] settle retried batch", rec.BatchID, "failed:", err)
	}
	return &RetryResult{ErrorID: errorID, Resolved: true, TransactionID: txn.ID,
		RetryCount: rec.RetryCount}, nil
}

// RetryBatch replays every pending fixable error of a batch.
func (e *RetryEngine) RetryBatch(ctx context.Context, batchID int64, opts ImportOptions) ([]*RetryResult, error) {
	recs, err := e.store.ListErrors(ctx, batchID, "pending")
	if err != nil {
		return nil, err
	}
	results := make([]*RetryResult, 0, len(recs))
	for _, rec := range recs {
		if !rec.CanRetry {
			continue
		}
		res, err := e.Retry(ctx, rec.ID, nil, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func applyCorrections(raw RawRow, corrections map[string]string) RawRow {
	for field, value := range corrections {
		switch field {
		case FieldTransactionTime:
			raw.TransactionTime = value
		case FieldDirection:
			raw.Direction = value
		case FieldAmount:
			raw.Amount = value
		case FieldMerchantName:
			raw.MerchantName = value
		case FieldPaymentMethod:
			raw.PaymentMethod = value
		case FieldRemark:
			raw.Remark = value
		case FieldProviderTxnID:
			raw.ProviderTxnID = value
		}
	}
	return raw
}

// autoFix applies the kind-specific cleanups before the row is re-parsed.
// Parsing itself already tolerates most of these; the fixes here cover the
// residue seen in real exports.
func autoFix(kind ErrorKind, raw RawRow) RawRow {
	switch kind {
	case ErrKindInvalidDate:
		s := strings.TrimSpace(raw.TransactionTime)
		s = strings.NewReplacer("年", "-", "月", "-", "日", "", "T", " ").Replace(s)
		s = strings.Join(strings.Fields(s), " ")
		raw.TransactionTime = s
	case ErrKindInvalidAmount:
		s := strings.TrimSpace(raw.Amount)
		s = strings.NewReplacer("¥", "", "￥", "", "$", "", ",", "", "，", "", " ", "").Replace(s)
		raw.Amount = s
	case ErrKindInvalidCategory:
		// Drop the bad category so classification can fill it in.
		raw.CategoryID = 0
	}
	return raw
}

// rebuild runs the corrected raw row back through parse and normalize.
func (e *RetryEngine) rebuild(raw RawRow, rowNumber int, opts ImportOptions) (*CanonicalTransaction, *RowError) {
	ts, err := ParseTimestamp(raw.TransactionTime)
	if err != nil {
		return nil, &RowError{RowNumber: rowNumber, Kind: ErrKindInvalidDate,
			Message: err.Error(), Raw: raw}
	}
	amount, err := ParseAmount(raw.Amount)
	if err != nil {
		return nil, &RowError{RowNumber: rowNumber, Kind: ErrKindInvalidAmount,
			Message: err.Error(), Raw: raw}
	}
	row := &ParsedRow{
		RowNumber:        rowNumber,
		Time:             ts,
		DirectionText:    raw.Direction,
		Amount:           amount,
		MerchantName:     cleanMerchantName(raw.MerchantName),
		PaymentMethod:    raw.PaymentMethod,
		Remark:           raw.Remark,
		ProviderTxnID:    cleanProviderID(raw.ProviderTxnID),
		ProviderCategory: raw.ProviderCategory,
		Raw:              raw,
	}
	txn, rowErr := Normalize(row, opts)
	if rowErr != nil {
		return nil, rowErr
	}
	if raw.CategoryID != 0 {
		txn.CategoryID = raw.CategoryID
	}
	if raw.AccountID != 0 {
		txn.AccountID = raw.AccountID
	}
	return txn, nil
}

// validate re-checks references and fills gaps the way the import pipeline
// would have.
func (e *RetryEngine) validate(ctx context.Context, txn *CanonicalTransaction, opts ImportOptions) *RowError {
	if txn.AccountID == 0 {
		txn.AccountID = opts.DefaultAccountID
	}
	if ok, err := e.store.AccountExists(ctx, txn.UserID, txn.AccountID); err != nil {
		return &RowError{Kind: ErrKindValidation, Message: err.Error()}
	} else if !ok {
		return &RowError{Kind: ErrKindInvalidAccount,
			Message: fmt.Sprintf("account %d not found", txn.AccountID)}
	}
	if txn.CategoryID != 0 {
		if ok, err := e.store.CategoryExists(ctx, txn.UserID, txn.CategoryID); err != nil {
			return &RowError{Kind: ErrKindValidation, Message: err.Error()}
		} else if !ok {
			txn.CategoryID = 0
		}
	}
	if txn.CategoryID == 0 && e.categorizer != nil && txn.MerchantName != "" {
		categoryID, _, err := e.categorizer.SuggestCategory(ctx, txn.UserID,
			txn.MerchantName, string(txn.Direction), txn.Amount)
		if err == nil {
			txn.CategoryID = categoryID
		}
	}
	return nil
}
