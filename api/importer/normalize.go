package importer

import (
	"fmt"
	"strings"
	"time"
)

// DirectionPolicy decides how rows whose direction text is ambiguous
// (transfers, red packets, withdrawals) are classified.
type DirectionPolicy string

const (
	// PolicyAmbiguousExpense treats ambiguous rows as expenses. Default.
	PolicyAmbiguousExpense DirectionPolicy = "expense"
	// PolicyAmbiguousTransfer keeps ambiguous rows as transfers.
	PolicyAmbiguousTransfer DirectionPolicy = "transfer"
	// PolicyAmbiguousSkip drops ambiguous rows as skipped.
	PolicyAmbiguousSkip DirectionPolicy = "skip"
)

// ErrAmbiguousSkipped marks a row dropped by PolicyAmbiguousSkip. The
// orchestrator counts it as skipped, not failed.
var ErrAmbiguousSkipped = fmt.Errorf("ambiguous direction row skipped by policy")

var exactDirections = map[string]Direction{
	"收入":      DirectionIncome,
	"支出":      DirectionExpense,
	"income":  DirectionIncome,
	"expense": DirectionExpense,
	"收":       DirectionIncome,
	"支":       DirectionExpense,
	"credit":  DirectionIncome,
	"debit":   DirectionExpense,
}

// ambiguousDirections are provider labels that can mean either side of the
// ledger depending on context the bill file does not carry.
var ambiguousDirections = map[string]bool{
	"转账":          true,
	"红包":          true,
	"提现":          true,
	"其他":          true,
	"/":           true,
	"不计收支":        true,
	"transfer":    true,
	"red packet":  true,
	"withdrawal":  true,
	"other":       true,
}

var incomeHints = []string{"退款", "收款", "入账", "转入", "refund", "received", "deposit"}
var expenseHints = []string{"付款", "消费", "缴费", "转出", "payment", "purchase", "spent"}

// ResolveDirection maps a provider direction label to a canonical direction.
// Exact labels first, then keyword hints, then the ambiguity policy.
func ResolveDirection(text string, policy DirectionPolicy) (Direction, error) {
	v := strings.ToLower(strings.TrimSpace(text))
	if v == "" {
		return "", fmt.Errorf("direction is empty")
	}
	if d, ok := exactDirections[v]; ok {
		return d, nil
	}
	if ambiguousDirections[v] {
		switch policy {
		case PolicyAmbiguousTransfer:
			return DirectionTransfer, nil
		case PolicyAmbiguousSkip:
			return "", ErrAmbiguousSkipped
		default:
			return DirectionExpense, nil
		}
	}
	for _, hint := range incomeHints {
		if strings.Contains(v, hint) {
			return DirectionIncome, nil
		}
	}
	for _, hint := range expenseHints {
		if strings.Contains(v, hint) {
			return DirectionExpense, nil
		}
	}
	return "", fmt.Errorf("unrecognized direction %q", text)
}

// Normalize converts a parsed row into the canonical signed representation:
// income amounts positive, expense and ambiguous-as-expense amounts negative.
func Normalize(row *ParsedRow, opts ImportOptions) (*CanonicalTransaction, *RowError) {
	dir, err := ResolveDirection(row.DirectionText, opts.DirectionPolicy)
	if err != nil {
		if err == ErrAmbiguousSkipped {
			return nil, &RowError{
				RowNumber:  row.RowNumber,
				Kind:       ErrKindValidation,
				Message:    err.Error(),
				Raw:        row.Raw,
				PolicySkip: true,
			}
		}
		return nil, &RowError{
			RowNumber: row.RowNumber,
			Kind:      ErrKindValidation,
			Message:   fmt.Sprintf("row %d: %v", row.RowNumber, err),
			Raw:       row.Raw,
		}
	}

	amount := row.Amount.Abs()
	if dir == DirectionExpense || dir == DirectionTransfer {
		amount = amount.Neg()
	}
	if amount.IsZero() {
		return nil, &RowError{
			RowNumber: row.RowNumber,
			Kind:      ErrKindInvalidAmount,
			Message:   fmt.Sprintf("row %d: amount is zero", row.RowNumber),
			Raw:       row.Raw,
		}
	}

	remark := row.Remark
	if remark == "" {
		remark = row.MerchantName
	}

	return &CanonicalTransaction{
		UserID:           opts.UserID,
		Direction:        dir,
		Amount:           amount,
		AccountID:        opts.DefaultAccountID,
		OccurredAt:       row.Time,
		Remark:           remark,
		Source:           opts.Source,
		ProviderTxnID:    row.ProviderTxnID,
		MerchantName:     row.MerchantName,
		ProviderCategory: row.ProviderCategory,
		PaymentMethod:    row.PaymentMethod,
	}, nil
}

// DuplicateDetector finds duplicates by provider transaction id against
// persisted history, and by a time/amount/merchant window within the batch.
type DuplicateDetector struct {
	// HasProviderTxn reports whether a provider transaction id is already
	// recorded for the user. Nil disables the persisted check.
	HasProviderTxn func(userID int64, providerTxnID string) (bool, error)

	window time.Duration
	seen   map[string]bool
	batch  []*CanonicalTransaction
}

func NewDuplicateDetector(window time.Duration, hasProviderTxn func(int64, string) (bool, error)) *DuplicateDetector {
	if window <= 0 {
		window = time.Minute
	}
	return &DuplicateDetector{
		HasProviderTxn: hasProviderTxn,
		window:         window,
		seen:           map[string]bool{},
	}
}

// IsDuplicate checks the transaction against history and the current batch,
// then records it for subsequent checks.
func (d *DuplicateDetector) IsDuplicate(txn *CanonicalTransaction) (bool, error) {
	if txn.ProviderTxnID != "" {
		if d.seen[txn.ProviderTxnID] {
			return true, nil
		}
		if d.HasProviderTxn != nil {
			dup, err := d.HasProviderTxn(txn.UserID, txn.ProviderTxnID)
			if err != nil {
				return false, err
			}
			if dup {
				d.seen[txn.ProviderTxnID] = true
				return true, nil
			}
		}
		d.seen[txn.ProviderTxnID] = true
		d.batch = append(d.batch, txn)
		return false, nil
	}

	// No provider id: fall back to a batch-scoped fuzzy match.
	for _, prev := range d.batch {
		if !prev.Amount.Equal(txn.Amount) {
			continue
		}
		if prev.MerchantName != txn.MerchantName {
			continue
		}
		delta := txn.OccurredAt.Sub(prev.OccurredAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= d.window {
			return true, nil
		}
	}
	d.batch = append(d.batch, txn)
	return false, nil
}
