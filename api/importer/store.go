package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store wraps the importer's relational persistence. All writes that touch a
// batch and its rows run inside transactions on the shared pool.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// pqFriendlyMessage maps common postgres error codes onto messages the bill
// upload UI can show directly.
func pqFriendlyMessage(err error) string {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505":
			return "A record with the same identifier already exists"
		case "23503":
			return "Referenced account or category does not exist"
		case "23502":
			return "A required field is missing"
		case "22001":
			return "A field value is too long"
		}
	}
	return err.Error()
}

func (s *Store) CreateBatch(ctx context.Context, b *ImportBatch) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO import_batches
			(user_id, source, file_name, file_size, checksum, status,
			 total_records, success_records, failed_records, skipped_records,
			 started_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, NOW())
		RETURNING id, started_at`,
		b.UserID, b.Source, b.FileName, b.FileSize, b.Checksum, BatchPending,
	).Scan(&b.ID, &b.StartedAt)
	if err != nil {
		return fmt.Errorf("create import batch: %s", pqFriendlyMessage(err))
	}
	b.Status = BatchPending
	return nil
}

// MarkProcessing transitions pending -> processing and records the candidate
// row count. It refuses to touch a batch that already left pending.
func (s *Store) MarkProcessing(ctx context.Context, batchID int64, totalRecords int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_batches
		SET status = $1, total_records = $2
		WHERE id = $3 AND status = $4`,
		BatchProcessing, totalRecords, batchID, BatchPending)
	if err != nil {
		return fmt.Errorf("mark batch processing: %s", pqFriendlyMessage(err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("batch %d is not pending", batchID)
	}
	return nil
}

// Finalize writes the terminal status and counters exactly once. A batch that
// is already terminal is left untouched.
func (s *Store) Finalize(ctx context.Context, batchID int64, status BatchStatus, t Tally, summary string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_batches
		SET status = $1, success_records = $2, failed_records = $3,
		    skipped_records = $4, summary = $5, completed_at = NOW()
		WHERE id = $6 AND status IN ($7, $8)`,
		status, t.Success, t.Failed, t.Skipped, summary, batchID,
		BatchPending, BatchProcessing)
	if err != nil {
		return fmt.Errorf("finalize batch: %s", pqFriendlyMessage(err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("batch %d already finalized", batchID)
	}
	return nil
}

// FindBatchByChecksum returns the most recent non-failed batch carrying the
// same file fingerprint, or nil.
func (s *Store) FindBatchByChecksum(ctx context.Context, userID int64, sum string) (*ImportBatch, error) {
	b := &ImportBatch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, file_name, started_at
		FROM import_batches
		WHERE user_id = $1 AND checksum = $2 AND status <> $3
		ORDER BY started_at DESC
		LIMIT 1`,
		userID, sum, BatchFailed,
	).Scan(&b.ID, &b.Status, &b.FileName, &b.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find batch by checksum: %s", pqFriendlyMessage(err))
	}
	b.UserID = userID
	b.Checksum = sum
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID, userID int64) (*ImportBatch, error) {
	b := &ImportBatch{}
	var summary, sum sql.NullString
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, source, file_name, file_size, checksum, status,
		       total_records, success_records, failed_records, skipped_records,
		       summary, started_at, completed_at
		FROM import_batches WHERE id = $1 AND user_id = $2`,
		batchID, userID,
	).Scan(&b.ID, &b.UserID, &b.Source, &b.FileName, &b.FileSize, &sum,
		&b.Status, &b.TotalRecords, &b.SuccessRecords, &b.FailedRecords,
		&b.SkippedRecords, &summary, &b.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %s", pqFriendlyMessage(err))
	}
	b.Summary = summary.String
	b.Checksum = sum.String
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	return b, nil
}

func (s *Store) ListBatches(ctx context.Context, userID int64, limit, offset int) ([]*ImportBatch, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, source, file_name, file_size, status, total_records,
		       success_records, failed_records, skipped_records, summary,
		       started_at, completed_at
		FROM import_batches
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %s", pqFriendlyMessage(err))
	}
	defer rows.Close()

	batches := []*ImportBatch{}
	for rows.Next() {
		b := &ImportBatch{}
		var summary sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&b.ID, &b.UserID, &b.Source, &b.FileName, &b.FileSize,
			&b.Status, &b.TotalRecords, &b.SuccessRecords, &b.FailedRecords,
			&b.SkippedRecords, &summary, &b.StartedAt, &completed); err != nil {
			return nil, err
		}
		b.Summary = summary.String
		if completed.Valid {
			t := completed.Time
			b.CompletedAt = &t
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) InsertErrorRecord(ctx context.Context, rec *ErrorRecord) error {
	rawJSON, err := json.Marshal(rec.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw row: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO import_error_records
			(batch_id, row_number, error_type, error_message, raw_data,
			 suggested_fix, can_retry, retry_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 'pending')
		RETURNING id`,
		rec.BatchID, rec.RowNumber, rec.Kind, rec.Message, rawJSON,
		rec.SuggestedFix, rec.CanRetry,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert error record: %s", pqFriendlyMessage(err))
	}
	rec.Status = "pending"
	return nil
}

func (s *Store) GetErrorRecord(ctx context.Context, errorID int64) (*ErrorRecord, error) {
	rec := &ErrorRecord{}
	var rawJSON []byte
	var fix, resolution sql.NullString
	var resolved sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, row_number, error_type, error_message, raw_data,
		       suggested_fix, can_retry, retry_count, status, resolved_at,
		       resolution_method
		FROM import_error_records WHERE id = $1`,
		errorID,
	).Scan(&rec.ID, &rec.BatchID, &rec.RowNumber, &rec.Kind, &rec.Message,
		&rawJSON, &fix, &rec.CanRetry, &rec.RetryCount, &rec.Status,
		&resolved, &resolution)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("error record %d not found", errorID)
	}
	if err != nil {
		return nil, fmt.Errorf("get error record: %s", pqFriendlyMessage(err))
	}
	if err := json.Unmarshal(rawJSON, &rec.Raw); err != nil {
		return nil, fmt.Errorf("decode raw row: %w", err)
	}
	rec.SuggestedFix = fix.String
	rec.ResolutionMethod = resolution.String
	if resolved.Valid {
		t := resolved.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}

func (s *Store) ListErrors(ctx context.Context, batchID int64, status string) ([]*ErrorRecord, error) {
	query := `
		SELECT id, batch_id, row_number, error_type, error_message, raw_data,
		       suggested_fix, can_retry, retry_count, status, resolved_at,
		       resolution_method
		FROM import_error_records
		WHERE batch_id = $1`
	args := []interface{}{batchID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY row_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list error records: %s", pqFriendlyMessage(err))
	}
	defer rows.Close()
	return scanErrorRecords(rows)
}

// ListUserErrors returns a user's pending error records across all of their
// batches within the window, newest first. Feeds the cross-batch statistics.
func (s *Store) ListUserErrors(ctx context.Context, userID int64, windowDays int) ([]*ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.batch_id, e.row_number, e.error_type, e.error_message,
		       e.raw_data, e.suggested_fix, e.can_retry, e.retry_count,
		       e.status, e.resolved_at, e.resolution_method
		FROM import_error_records e
		JOIN import_batches b ON b.id = e.batch_id
		WHERE b.user_id = $1 AND e.status = 'pending'
		  AND e.created_at >= NOW() - ($2 || ' days')::interval
		ORDER BY e.id DESC`,
		userID, windowDays)
	if err != nil {
		return nil, fmt.Errorf("list user errors: %s", pqFriendlyMessage(err))
	}
	defer rows.Close()
	return scanErrorRecords(rows)
}

func scanErrorRecords(rows *sql.Rows) ([]*ErrorRecord, error) {
	recs := []*ErrorRecord{}
	for rows.Next() {
		rec := &ErrorRecord{}
		var rawJSON []byte
		var fix, resolution sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.RowNumber, &rec.Kind,
			&rec.Message, &rawJSON, &fix, &rec.CanRetry, &rec.RetryCount,
			&rec.Status, &resolved, &resolution); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawJSON, &rec.Raw); err != nil {
			return nil, fmt.Errorf("decode raw row: %w", err)
		}
		rec.SuggestedFix = fix.String
		rec.ResolutionMethod = resolution.String
		if resolved.Valid {
			t := resolved.Time
			rec.ResolvedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UserImportStats aggregates a user's recent batches and attaches the
// cross-batch error analysis.
func (s *Store) UserImportStats(ctx context.Context, userID int64, windowDays int) (*ImportStats, error) {
	recs, err := s.ListUserErrors(ctx, userID, windowDays)
	if err != nil {
		return nil, err
	}
	stats := AnalyzeUserErrors(userID, windowDays, recs)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_records), 0),
		       COALESCE(SUM(success_records), 0), COALESCE(SUM(failed_records), 0),
		       COALESCE(SUM(skipped_records), 0)
		FROM import_batches
		WHERE user_id = $1 AND started_at >= NOW() - ($2 || ' days')::interval`,
		userID, windowDays,
	).Scan(&stats.Batches, &stats.TotalRecords, &stats.SuccessRecords,
		&stats.FailedRecords, &stats.SkippedRecords)
	if err != nil {
		return nil, fmt.Errorf("import stats: %s", pqFriendlyMessage(err))
	}
	return stats, nil
}

// MarkErrorResolved stamps a record resolved with the method used.
func (s *Store) MarkErrorResolved(ctx context.Context, errorID int64, method string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_error_records
		SET status = 'resolved', resolved_at = NOW(), resolution_method = $1
		WHERE id = $2`,
		method, errorID)
	if err != nil {
		return fmt.Errorf("resolve error record: %s", pqFriendlyMessage(err))
	}
	return nil
}

func (s *Store) MarkErrorIgnored(ctx context.Context, errorID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_error_records
		SET status = 'ignored', resolved_at = NOW(), resolution_method = 'ignored'
		WHERE id = $1 AND status = 'pending'`,
		errorID)
	if err != nil {
		return fmt.Errorf("ignore error record: %s", pqFriendlyMessage(err))
	}
	return nil
}

// SettleRetrySuccess moves one resolved row onto its batch's success counter
// and re-derives the terminal status, so the user-visible counts keep matching
// what was actually imported. Rows that were skipped as duplicates come off
// the skipped counter, everything else off the failed counter.
func (s *Store) SettleRetrySuccess(ctx context.Context, batchID int64, wasSkipped bool) error {
	var err error
	if wasSkipped {
		_, err = s.db.ExecContext(ctx, `
			UPDATE import_batches
			SET success_records = success_records + 1,
			    skipped_records = GREATEST(skipped_records - 1, 0),
			    status = CASE WHEN failed_records = 0 THEN $1 ELSE $2 END
			WHERE id = $3 AND status IN ($1, $2)`,
			BatchSuccess, BatchPartial, batchID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE import_batches
			SET success_records = success_records + 1,
			    failed_records = GREATEST(failed_records - 1, 0),
			    status = CASE WHEN failed_records <= 1 THEN $1 ELSE $2 END
			WHERE id = $3 AND status IN ($1, $2, $4)`,
			BatchSuccess, BatchPartial, batchID, BatchFailed)
	}
	if err != nil {
		return fmt.Errorf("settle retried batch: %s", pqFriendlyMessage(err))
	}
	return nil
}

// BumpRetryCount increments the attempt counter after a failed retry.
func (s *Store) BumpRetryCount(ctx context.Context, errorID int64, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_error_records
		SET retry_count = retry_count + 1, error_message = $1
		WHERE id = $2`,
		message, errorID)
	if err != nil {
		return fmt.Errorf("bump retry count: %s", pqFriendlyMessage(err))
	}
	return nil
}

// HasProviderTxn reports whether a provider transaction id already exists for
// the user, from any earlier import.
func (s *Store) HasProviderTxn(userID int64, providerTxnID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE user_id = $1 AND provider_txn_id = $2
		)`, userID, providerTxnID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check provider txn: %s", pqFriendlyMessage(err))
	}
	return exists, nil
}

// AccountExists validates an account id belongs to the user and is active.
func (s *Store) AccountExists(ctx context.Context, userID, accountID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM accounts
			WHERE id = $1 AND user_id = $2 AND is_active
		)`, accountID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account: %s", pqFriendlyMessage(err))
	}
	return exists, nil
}

// CategoryExists validates a category id is visible to the user (their own or
// a system category).
func (s *Store) CategoryExists(ctx context.Context, userID, categoryID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM categories
			WHERE id = $1 AND (user_id = $2 OR user_id IS NULL)
		)`, categoryID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check category: %s", pqFriendlyMessage(err))
	}
	return exists, nil
}

// InsertTransaction persists a canonical transaction together with its
// balance ledger event in one database transaction.
func (s *Store) InsertTransaction(ctx context.Context, txn *CanonicalTransaction, batchID int64,
	appendEvent func(tx *sql.Tx, txn *CanonicalTransaction) error) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin txn: %w", err)
	}
	defer tx.Rollback()

	var toAccount interface{}
	if txn.ToAccountID != nil {
		toAccount = *txn.ToAccountID
	}
	var providerTxnID interface{}
	if txn.ProviderTxnID != "" {
		providerTxnID = txn.ProviderTxnID
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions
			(user_id, direction, amount, category_id, account_id, to_account_id,
			 occurred_at, remark, source, provider_txn_id, merchant_name,
			 provider_category, payment_method, import_batch_id, is_duplicate,
			 created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		RETURNING id`,
		txn.UserID, txn.Direction, txn.Amount, txn.CategoryID, txn.AccountID,
		toAccount, txn.OccurredAt, txn.Remark, txn.Source, providerTxnID,
		txn.MerchantName, txn.ProviderCategory, txn.PaymentMethod, batchID,
		txn.Duplicate,
	).Scan(&txn.ID)
	if err != nil {
		return fmt.Errorf("insert transaction: %s", pqFriendlyMessage(err))
	}

	if appendEvent != nil {
		if err := appendEvent(tx, txn); err != nil {
			return fmt.Errorf("append balance event: %w", err)
		}
	}
	return tx.Commit()
}

// FailStuckBatches force-fails PROCESSING batches whose worker died. Used by
// the sweep job.
func (s *Store) FailStuckBatches(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_batches
		SET status = $1, summary = 'import worker did not finish; batch failed by sweep',
		    completed_at = NOW()
		WHERE status = $2 AND started_at < NOW() - $3::interval`,
		BatchFailed, BatchProcessing,
		fmt.Sprintf("%d minutes", int(olderThan.Minutes())))
	if err != nil {
		return 0, fmt.Errorf("fail stuck batches: %s", pqFriendlyMessage(err))
	}
	return res.RowsAffected()
}
