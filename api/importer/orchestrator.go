package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"SmartBillBook/internal/logger"
)

// Tally accumulates per-row outcomes for one batch.
type Tally struct {
	Success int
	Failed  int
	Skipped int
}

// rowDeps are the side effects the row loop needs. The loop itself is pure
// control flow so it can be exercised without a database.
type rowDeps struct {
	Normalize   func(*ParsedRow, ImportOptions) (*CanonicalTransaction, *RowError)
	IsDuplicate func(*CanonicalTransaction) (bool, error)
	Categorize  func(context.Context, *CanonicalTransaction) error
	Persist     func(context.Context, *CanonicalTransaction) error
	RecordError func(context.Context, *RowError) error
}

// processRows drains the reader, isolating every row failure. A persistence
// error on one row fails that row only; the rest of the batch continues.
func processRows(ctx context.Context, reader *RowReader, opts ImportOptions, deps rowDeps) Tally {
	var t Tally
	for {
		row, rowErr := reader.Next()
		if row == nil && rowErr == nil {
			return t
		}
		if rowErr != nil {
			t.Failed++
			recordRowError(ctx, deps, rowErr)
			continue
		}

		txn, rowErr := deps.Normalize(row, opts)
		if rowErr != nil {
			if rowErr.PolicySkip {
				t.Skipped++
				continue
			}
			t.Failed++
			recordRowError(ctx, deps, rowErr)
			continue
		}

		dup, err := deps.IsDuplicate(txn)
		if err != nil {
			t.Failed++
			recordRowError(ctx, deps, &RowError{
				RowNumber: row.RowNumber,
				Kind:      ErrKindValidation,
				Message:   fmt.Sprintf("row %d: duplicate check failed: %v", row.RowNumber, err),
				Raw:       row.Raw,
			})
			continue
		}
		if dup {
			if opts.SkipDuplicates {
				// Skipped rows still leave an error record so the user can
				// see what was dropped and re-import it if it was a false
				// positive.
				t.Skipped++
				recordRowError(ctx, deps, &RowError{
					RowNumber: row.RowNumber,
					Kind:      ErrKindDuplicate,
					Message:   fmt.Sprintf("row %d: duplicate of an already recorded transaction", row.RowNumber),
					Raw:       row.Raw,
				})
				continue
			}
			// Imported anyway, flagged for review. A provider-id collision
			// still fails below on the unique index.
			txn.Duplicate = true
		}

		if deps.Categorize != nil {
			if err := deps.Categorize(ctx, txn); err != nil {
				t.Failed++
				recordRowError(ctx, deps, &RowError{
					RowNumber: row.RowNumber,
					Kind:      ErrKindInvalidCategory,
					Message:   fmt.Sprintf("row %d: %v", row.RowNumber, err),
					Raw:       row.Raw,
				})
				continue
			}
		}

		if err := deps.Persist(ctx, txn); err != nil {
			kind := ErrKindValidation
			var re *RowError
			if errors.As(err, &re) {
				kind = re.Kind
			}
			t.Failed++
			recordRowError(ctx, deps, &RowError{
				RowNumber: row.RowNumber,
				Kind:      kind,
				Message:   fmt.Sprintf("row %d: %v", row.RowNumber, err),
				Raw:       row.Raw,
			})
			continue
		}
		t.Success++
	}
}

func recordRowError(ctx context.Context, deps rowDeps, rowErr *RowError) {
	if deps.RecordError == nil {
		return
	}
	if err := deps.RecordError(ctx, rowErr); err != nil {
		log.Println("[Importer] failed to store error record:", err)
	}
}

// decideStatus maps the final tally onto a terminal batch status. SUCCESS
// requires zero failures and at least one imported row; an empty batch is
// also a success. A non-empty batch where nothing was imported but nothing
// failed (everything skipped) is PARTIAL.
func decideStatus(t Tally) BatchStatus {
	switch {
	case t.Success+t.Failed+t.Skipped == 0:
		return BatchSuccess
	case t.Failed == 0 && t.Success > 0:
		return BatchSuccess
	case t.Success == 0 && t.Skipped == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

func summarize(t Tally, total int) string {
	return fmt.Sprintf("%d rows: %d imported, %d failed, %d skipped",
		total, t.Success, t.Failed, t.Skipped)
}

// LedgerRecorder posts a transaction's balance event inside the caller's
// database transaction, so the transaction row and its event commit or roll
// back together. Implemented by the ledger service.
type LedgerRecorder interface {
	RecordTransactionTx(ctx context.Context, tx *sql.Tx, txn *CanonicalTransaction) error
}

// BatchVerifier re-checks account balances after a batch lands. Best effort.
type BatchVerifier interface {
	VerifyAccounts(ctx context.Context, userID, batchID int64, accountIDs []int64) error
}

// Categorizer suggests a category for an uncategorized transaction.
type Categorizer interface {
	SuggestCategory(ctx context.Context, userID int64, merchantName string, direction string, amount decimal.Decimal) (int64, float64, error)
}

// Orchestrator runs the asynchronous import pipeline for one uploaded file.
type Orchestrator struct {
	store       *Store
	ledger      LedgerRecorder
	verifier    BatchVerifier
	categorizer Categorizer
	mappings    *MappingTable
	headerScan  int
}

func NewOrchestrator(store *Store, ledger LedgerRecorder, verifier BatchVerifier,
	categorizer Categorizer, mappings *MappingTable, headerScan int) *Orchestrator {
	return &Orchestrator{
		store:       store,
		ledger:      ledger,
		verifier:    verifier,
		categorizer: categorizer,
		mappings:    mappings,
		headerScan:  headerScan,
	}
}

// Run drives a batch from pending to a terminal status. Intended to run in
// its own goroutine after the upload handler returns; ctx is detached from
// the HTTP request on purpose.
func (o *Orchestrator) Run(ctx context.Context, batch *ImportBatch, data []byte, opts ImportOptions) {
	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit(fmt.Sprintf("import batch %d started for user %d (%s)",
			batch.ID, opts.UserID, batch.FileName))
	}

	result, err := ParseFile(data, batch.FileName, o.mappings, o.headerScan)
	if err != nil {
		o.failBatch(ctx, batch.ID, err)
		return
	}

	reader := NewRowReader(result)
	total := reader.CandidateCount()
	if err := o.store.MarkProcessing(ctx, batch.ID, total); err != nil {
		log.Println("[Importer] batch", batch.ID, "could not enter processing:", err)
		return
	}

	detector := NewDuplicateDetector(opts.DuplicateWindow, o.store.HasProviderTxn)
	touched := map[int64]bool{}

	deps := rowDeps{
		Normalize:   Normalize,
		IsDuplicate: detector.IsDuplicate,
		Persist: func(ctx context.Context, txn *CanonicalTransaction) error {
			if ok, err := o.store.AccountExists(ctx, txn.UserID, txn.AccountID); err != nil {
				return err
			} else if !ok {
				return &RowError{Kind: ErrKindInvalidAccount,
					Message: fmt.Sprintf("account %d not found", txn.AccountID)}
			}
			var appendEvent func(*sql.Tx, *CanonicalTransaction) error
			if o.ledger != nil {
				appendEvent = func(tx *sql.Tx, txn *CanonicalTransaction) error {
					return o.ledger.RecordTransactionTx(ctx, tx, txn)
				}
			}
			if err := o.store.InsertTransaction(ctx, txn, batch.ID, appendEvent); err != nil {
				return err
			}
			touched[txn.AccountID] = true
			return nil
		},
		RecordError: func(ctx context.Context, rowErr *RowError) error {
			return o.store.InsertErrorRecord(ctx, errorRecordFrom(batch.ID, rowErr))
		},
	}
	if opts.AutoCategorize && o.categorizer != nil {
		deps.Categorize = func(ctx context.Context, txn *CanonicalTransaction) error {
			if txn.CategoryID != 0 || txn.MerchantName == "" {
				return nil
			}
			categoryID, _, err := o.categorizer.SuggestCategory(ctx, txn.UserID,
				txn.MerchantName, string(txn.Direction), txn.Amount)
			if err != nil {
				// Classification is advisory; an unreachable engine must not
				// fail the row.
				log.Println("[Importer] categorize failed:", err)
				return nil
			}
			txn.CategoryID = categoryID
			return nil
		}
	}

	tally := processRows(ctx, reader, opts, deps)
	status := decideStatus(tally)
	if err := o.store.Finalize(ctx, batch.ID, status, tally, summarize(tally, total)); err != nil {
		log.Println("[Importer] finalize batch", batch.ID, "failed:", err)
		return
	}

	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit(fmt.Sprintf("import batch %d finished: %s (%s)",
			batch.ID, status, summarize(tally, total)))
	}

	if o.verifier != nil && len(touched) > 0 {
		ids := make([]int64, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		if err := o.verifier.VerifyAccounts(ctx, opts.UserID, batch.ID, ids); err != nil {
			log.Println("[Importer] post-import verification failed:", err)
		}
	}
}

// failBatch records a file-level failure: terminal FAILED, zero rows touched.
func (o *Orchestrator) failBatch(ctx context.Context, batchID int64, cause error) {
	if err := o.store.Finalize(ctx, batchID, BatchFailed, Tally{}, cause.Error()); err != nil {
		log.Println("[Importer] failing batch", batchID, "failed:", err)
	}
	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit(fmt.Sprintf("import batch %d failed: %v", batchID, cause))
	}
}

func errorRecordFrom(batchID int64, rowErr *RowError) *ErrorRecord {
	return &ErrorRecord{
		BatchID:      batchID,
		RowNumber:    rowErr.RowNumber,
		Kind:         rowErr.Kind,
		Message:      rowErr.Message,
		Raw:          rowErr.Raw,
		SuggestedFix: suggestedFix(rowErr.Kind),
		CanRetry:     rowErr.Kind.AutoFixable(),
	}
}

// suggestedFix gives a human-readable hint per error kind, shown in the
// error report.
func suggestedFix(kind ErrorKind) string {
	switch kind {
	case ErrKindInvalidDate:
		return "Provide the transaction time as YYYY-MM-DD HH:MM:SS"
	case ErrKindInvalidAmount:
		return "Provide a numeric amount, currency symbols are removed automatically"
	case ErrKindDuplicate:
		return "Enable skip_duplicates or remove the duplicated row"
	case ErrKindInvalidCategory:
		return "Pick an existing category or leave it blank for auto-classification"
	case ErrKindInvalidAccount:
		return "Pick an existing active account as the import target"
	default:
		return ""
	}
}
