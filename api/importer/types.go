package importer

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the import batch state machine value.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchSuccess    BatchStatus = "success"
	BatchFailed     BatchStatus = "failed"
	BatchPartial    BatchStatus = "partial"
)

// Terminal reports whether the batch can no longer change status.
func (s BatchStatus) Terminal() bool {
	return s == BatchSuccess || s == BatchFailed || s == BatchPartial
}

// Direction of a canonical transaction.
type Direction string

const (
	DirectionIncome   Direction = "income"
	DirectionExpense  Direction = "expense"
	DirectionTransfer Direction = "transfer"
)

// ErrorKind is the fixed row-failure taxonomy.
type ErrorKind string

const (
	ErrKindInvalidDate     ErrorKind = "INVALID_DATE_FORMAT"
	ErrKindInvalidAmount   ErrorKind = "INVALID_AMOUNT"
	ErrKindDuplicate       ErrorKind = "DUPLICATE_TRANSACTION"
	ErrKindInvalidCategory ErrorKind = "INVALID_CATEGORY"
	ErrKindInvalidAccount  ErrorKind = "INVALID_ACCOUNT"
	ErrKindValidation      ErrorKind = "VALIDATION_ERROR"
)

// AutoFixable reports whether the retry engine has an automatic fix for the kind.
func (k ErrorKind) AutoFixable() bool {
	switch k {
	case ErrKindInvalidDate, ErrKindInvalidAmount, ErrKindDuplicate,
		ErrKindInvalidCategory, ErrKindInvalidAccount:
		return true
	}
	return false
}

// Sentinel errors for file-level failures. These fail the whole batch with
// zero rows processed, unlike row-scoped failures.
var (
	ErrFileTooLarge      = errors.New("bill file exceeds the size limit")
	ErrUndecodableFile   = errors.New("bill file is not valid UTF-8 or GB18030 text")
	ErrNoHeaderRow       = errors.New("no header row found in bill file")
	ErrMissingColumns    = errors.New("bill file is missing required columns")
	ErrUnsupportedFormat = errors.New("unsupported bill file format")
	ErrBatchNotFound     = errors.New("import batch not found")
)

// RawRow is the replayable raw payload stored with every error record: the
// known bill fields plus an open extension map for columns we do not model.
type RawRow struct {
	TransactionTime  string            `json:"transaction_time,omitempty"`
	Direction        string            `json:"direction,omitempty"`
	Amount           string            `json:"amount,omitempty"`
	MerchantName     string            `json:"merchant_name,omitempty"`
	PaymentMethod    string            `json:"payment_method,omitempty"`
	Remark           string            `json:"remark,omitempty"`
	ProviderTxnID    string            `json:"provider_txn_id,omitempty"`
	ProviderCategory string            `json:"provider_category,omitempty"`
	CategoryID       int64             `json:"category_id,omitempty"`
	AccountID        int64             `json:"account_id,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// ParsedRow is one typed row produced by the row reader.
type ParsedRow struct {
	RowNumber        int
	Time             time.Time
	DirectionText    string
	Amount           decimal.Decimal // unsigned magnitude as printed in the file
	MerchantName     string
	PaymentMethod    string
	Remark           string
	ProviderTxnID    string
	ProviderCategory string
	Raw              RawRow
}

// RowError is a row-scoped parse/normalize failure. The orchestrator converts
// it into an ErrorRecord; it never aborts the remaining rows.
type RowError struct {
	RowNumber int
	Kind      ErrorKind
	Message   string
	Raw       RawRow
	// PolicySkip marks a row dropped by an explicit import policy. The
	// orchestrator counts it skipped instead of failed and writes no
	// error record.
	PolicySkip bool
}

func (e *RowError) Error() string {
	return e.Message
}

// ImportBatch mirrors the import_batches table. Batches are never deleted.
type ImportBatch struct {
	ID             int64       `json:"id"`
	UserID         int64       `json:"user_id"`
	Source         string      `json:"source"`
	FileName       string      `json:"file_name"`
	FileSize       int64       `json:"file_size"`
	Checksum       string      `json:"checksum,omitempty"`
	Status         BatchStatus `json:"status"`
	TotalRecords   int         `json:"total_records"`
	SuccessRecords int         `json:"success_records"`
	FailedRecords  int         `json:"failed_records"`
	SkippedRecords int         `json:"skipped_records"`
	Summary        string      `json:"summary"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// ErrorRecord mirrors the import_error_records table (cascade-deleted with
// its batch).
type ErrorRecord struct {
	ID               int64      `json:"id"`
	BatchID          int64      `json:"batch_id"`
	RowNumber        int        `json:"row_number"`
	Kind             ErrorKind  `json:"error_type"`
	Message          string     `json:"error_message"`
	Raw              RawRow     `json:"raw_data"`
	SuggestedFix     string     `json:"suggested_fix,omitempty"`
	CanRetry         bool       `json:"can_retry"`
	RetryCount       int        `json:"retry_count"`
	Status           string     `json:"status"` // pending / resolved / ignored
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionMethod string     `json:"resolution_method,omitempty"`
}

// CanonicalTransaction is the normalized internal representation of one
// financial movement. Amount is signed: income positive, expense negative.
type CanonicalTransaction struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	Direction        Direction       `json:"direction"`
	Amount           decimal.Decimal `json:"amount"`
	CategoryID       int64           `json:"category_id"`
	AccountID        int64           `json:"account_id"`
	ToAccountID      *int64          `json:"to_account_id,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Remark           string          `json:"remark,omitempty"`
	Source           string          `json:"source"`
	ProviderTxnID    string          `json:"provider_txn_id,omitempty"`
	MerchantName     string          `json:"merchant_name,omitempty"`
	ProviderCategory string          `json:"provider_category,omitempty"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	Duplicate        bool            `json:"is_duplicate"`
}

// ImportOptions are the caller-supplied knobs for one batch.
type ImportOptions struct {
	UserID           int64
	Source           string
	DefaultAccountID int64
	SkipDuplicates   bool
	AutoCategorize   bool
	DirectionPolicy  DirectionPolicy
	DuplicateWindow  time.Duration
}
