package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"SmartBillBook/internal/config"
	"SmartBillBook/internal/notification"
)

// Diagnosis labels which way a balance mismatch leans.
type Diagnosis string

const (
	DiagnosisConsistent Diagnosis = "consistent"
	// DiagnosisExcess means the account holds more than the ledger explains,
	// usually unrecorded income.
	DiagnosisExcess Diagnosis = "excess_balance"
	// DiagnosisDeficit means the account holds less than the ledger explains,
	// usually unrecorded spending.
	DiagnosisDeficit Diagnosis = "deficit_balance"
)

// WithinTolerance checks |actual - expected| <= tolerance * max(|expected|,
// |actual|, 1). The floor of 1 keeps near-zero balances from demanding
// impossible precision.
func WithinTolerance(expected, actual decimal.Decimal, tolerance float64) bool {
	diff := actual.Sub(expected).Abs()
	scale := decimal.NewFromInt(1)
	if expected.Abs().GreaterThan(scale) {
		scale = expected.Abs()
	}
	if actual.Abs().GreaterThan(scale) {
		scale = actual.Abs()
	}
	limit := scale.Mul(decimal.NewFromFloat(tolerance))
	return diff.LessThanOrEqual(limit)
}

// Diagnose classifies a mismatch.
func Diagnose(expected, actual decimal.Decimal, tolerance float64) Diagnosis {
	if WithinTolerance(expected, actual, tolerance) {
		return DiagnosisConsistent
	}
	if actual.GreaterThan(expected) {
		return DiagnosisExcess
	}
	return DiagnosisDeficit
}

// Verification is one persisted balance check result. BatchID links checks
// triggered by an import back to their batch; Tolerance records the value the
// check actually ran with.
type Verification struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	AccountID  int64           `json:"account_id"`
	BatchID    int64           `json:"batch_id,omitempty"`
	Expected   decimal.Decimal `json:"expected_balance"`
	Actual     decimal.Decimal `json:"actual_balance"`
	Difference decimal.Decimal `json:"difference"`
	Tolerance  float64         `json:"tolerance"`
	Diagnosis  Diagnosis       `json:"diagnosis"`
	Status     string          `json:"status"` // pending / resolved / ignored
	Hint       string          `json:"hint,omitempty"`
	Recent     []RecentTxn     `json:"recent_transactions,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// RecentTxn is one entry of the bounded activity list attached to a
// mismatch, to point the user at what to re-check.
type RecentTxn struct {
	ID           int64           `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	MerchantName string          `json:"merchant_name,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Preference is the per-user tuning record, created with defaults the first
// time it is read.
type Preference struct {
	UserID    int64   `json:"user_id"`
	Tolerance float64 `json:"tolerance"`
	// AutoVerify runs a balance check on every import-touched account.
	AutoVerify bool `json:"auto_verify"`
	// AutoAcceptConfidence is the classification confidence above which a
	// suggestion is applied without asking.
	AutoAcceptConfidence float64 `json:"auto_accept_confidence"`
	// DuplicateWindowSec is the default fuzzy dedup window for imports.
	DuplicateWindowSec int `json:"duplicate_window_sec"`
	// LearningEnabled gates whether the user's corrections feed back into
	// merchant mappings.
	LearningEnabled bool `json:"learning_enabled"`
}

// Verifier reconciles account balances against the event ledger and persists
// mismatches for review.
type Verifier struct {
	store  *Store
	db     *sql.DB
	center *notification.Center
}

func NewVerifier(store *Store, db *sql.DB, center *notification.Center) *Verifier {
	return &Verifier{store: store, db: db, center: center}
}

// GetPreference reads a user's settings, inserting the defaults on first use.
func (v *Verifier) GetPreference(ctx context.Context, userID int64) (*Preference, error) {
	p := &Preference{UserID: userID}
	err := v.db.QueryRowContext(ctx, `
		SELECT tolerance, auto_verify, auto_accept_confidence,
		       duplicate_window_sec, learning_enabled
		FROM verification_preferences
		WHERE user_id = $1`,
		userID).Scan(&p.Tolerance, &p.AutoVerify, &p.AutoAcceptConfidence,
		&p.DuplicateWindowSec, &p.LearningEnabled)
	if err == sql.ErrNoRows {
		p.Tolerance = config.DefaultTolerance
		p.AutoVerify = true
		p.AutoAcceptConfidence = config.AutoAcceptConfidence
		p.DuplicateWindowSec = config.DefaultDuplicateWindowSec
		p.LearningEnabled = true
		_, err = v.db.ExecContext(ctx, `
			INSERT INTO verification_preferences
				(user_id, tolerance, auto_verify, auto_accept_confidence,
				 duplicate_window_sec, learning_enabled)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, p.Tolerance, p.AutoVerify, p.AutoAcceptConfidence,
			p.DuplicateWindowSec, p.LearningEnabled)
		if err != nil {
			return nil, fmt.Errorf("seed preference: %w", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return p, nil
}

func (v *Verifier) UpdatePreference(ctx context.Context, p *Preference) error {
	if p.Tolerance < 0 || p.Tolerance > 1 {
		return fmt.Errorf("tolerance must be between 0 and 1")
	}
	if p.AutoAcceptConfidence < 0 || p.AutoAcceptConfidence > 1 {
		return fmt.Errorf("auto_accept_confidence must be between 0 and 1")
	}
	if p.DuplicateWindowSec <= 0 {
		p.DuplicateWindowSec = config.DefaultDuplicateWindowSec
	}
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO verification_preferences
			(user_id, tolerance, auto_verify, auto_accept_confidence,
			 duplicate_window_sec, learning_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET tolerance = EXCLUDED.tolerance,
		    auto_verify = EXCLUDED.auto_verify,
		    auto_accept_confidence = EXCLUDED.auto_accept_confidence,
		    duplicate_window_sec = EXCLUDED.duplicate_window_sec,
		    learning_enabled = EXCLUDED.learning_enabled`,
		p.UserID, p.Tolerance, p.AutoVerify, p.AutoAcceptConfidence,
		p.DuplicateWindowSec, p.LearningEnabled)
	if err != nil {
		return fmt.Errorf("update preference: %w", err)
	}
	return nil
}

// VerifyAccount checks one account and persists the result when it
// mismatches. A batchID of zero means the check was not triggered by an
// import; a tolerance of zero or less falls back to the user's preference.
func (v *Verifier) VerifyAccount(ctx context.Context, userID, accountID, batchID int64, tolerance float64) (*Verification, error) {
	if tolerance <= 0 {
		pref, err := v.GetPreference(ctx, userID)
		if err != nil {
			return nil, err
		}
		tolerance = pref.Tolerance
	}
	expected, err := v.store.ExpectedBalance(ctx, userID, accountID, nil)
	if err != nil {
		return nil, err
	}
	actual, err := v.store.ActualBalance(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	ver := &Verification{
		UserID:     userID,
		AccountID:  accountID,
		BatchID:    batchID,
		Expected:   expected,
		Actual:     actual,
		Difference: actual.Sub(expected),
		Tolerance:  tolerance,
		Diagnosis:  Diagnose(expected, actual, tolerance),
		Status:     "pending",
		CreatedAt:  time.Now(),
	}
	if ver.Diagnosis == DiagnosisConsistent {
		ver.Status = "resolved"
		return ver, nil
	}

	ver.Hint = v.mismatchHint(ctx, ver)
	ver.Recent = v.recentTransactions(ctx, ver.UserID, ver.AccountID)
	var batchRef interface{}
	if batchID != 0 {
		batchRef = batchID
	}
	err = v.db.QueryRowContext(ctx, `
		INSERT INTO account_verifications
			(user_id, account_id, batch_id, expected_balance, actual_balance,
			 difference, tolerance, diagnosis, status, hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, NOW())
		RETURNING id, created_at`,
		ver.UserID, ver.AccountID, batchRef, ver.Expected, ver.Actual,
		ver.Difference, ver.Tolerance, ver.Diagnosis, ver.Hint,
	).Scan(&ver.ID, &ver.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("persist verification: %w", err)
	}
	if v.center != nil {
		v.center.Push(userID, string(ver.Diagnosis), ver.Hint)
	}
	return ver, nil
}

// VerifyAccounts checks every account a batch touched, logging rather than
// failing on individual errors. Implements the importer's post-import hook.
func (v *Verifier) VerifyAccounts(ctx context.Context, userID, batchID int64, accountIDs []int64) error {
	for _, accountID := range accountIDs {
		if _, err := v.VerifyAccount(ctx, userID, accountID, batchID, 0); err != nil {
			log.Println("[Ledger] verify account", accountID, "failed:", err)
		}
	}
	return nil
}

// mismatchHint summarizes the recent activity around a mismatch so the user
// knows where to look.
func (v *Verifier) mismatchHint(ctx context.Context, ver *Verification) string {
	var recent int
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND account_id = $2
		  AND occurred_at >= NOW() - INTERVAL '7 days'`,
		ver.UserID, ver.AccountID).Scan(&recent)
	if err != nil {
		recent = 0
	}
	switch ver.Diagnosis {
	case DiagnosisExcess:
		return fmt.Sprintf("account holds %s more than recorded; check for unrecorded income (%d transactions in the last 7 days)",
			ver.Difference.Abs().StringFixed(2), recent)
	case DiagnosisDeficit:
		return fmt.Sprintf("account holds %s less than recorded; check for unrecorded spending (%d transactions in the last 7 days)",
			ver.Difference.Abs().StringFixed(2), recent)
	}
	return ""
}

// recentTransactions pulls the latest few movements on the account. Errors
// degrade to an empty list, the mismatch itself is the payload.
func (v *Verifier) recentTransactions(ctx context.Context, userID, accountID int64) []RecentTxn {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, amount, COALESCE(merchant_name, ''), occurred_at
		FROM transactions
		WHERE user_id = $1 AND account_id = $2
		ORDER BY occurred_at DESC
		LIMIT 5`,
		userID, accountID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var recent []RecentTxn
	for rows.Next() {
		var txn RecentTxn
		if err := rows.Scan(&txn.ID, &txn.Amount, &txn.MerchantName, &txn.OccurredAt); err != nil {
			return recent
		}
		recent = append(recent, txn)
	}
	return recent
}

// Summary is the aggregate verification health for a user.
type Summary struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Resolved      int        `json:"resolved"`
	Ignored       int        `json:"ignored"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

func (v *Verifier) GetSummary(ctx context.Context, userID int64) (*Summary, error) {
	s := &Summary{}
	var last sql.NullTime
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'resolved'),
		       COUNT(*) FILTER (WHERE status = 'ignored'),
		       MAX(created_at)
		FROM account_verifications
		WHERE user_id = $1`,
		userID).Scan(&s.Total, &s.Pending, &s.Resolved, &s.Ignored, &last)
	if err != nil {
		return nil, fmt.Errorf("verification summary: %w", err)
	}
	if last.Valid {
		t := last.Time
		s.LastCheckedAt = &t
	}
	return s, nil
}

// ListHistory returns a user's verification records across all statuses,
// newest first.
func (v *Verifier) ListHistory(ctx context.Context, userID int64, status string, limit int) ([]*Verification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT id, user_id, account_id, batch_id, expected_balance,
		       actual_balance, difference, tolerance, diagnosis, status, hint,
		       created_at, resolved_at
		FROM account_verifications
		WHERE user_id = $1`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verification history: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

// ListMismatches returns the recent pending mismatches for review.
func (v *Verifier) ListMismatches(ctx context.Context, userID int64) ([]*Verification, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, user_id, account_id, batch_id, expected_balance,
		       actual_balance, difference, tolerance, diagnosis, status, hint,
		       created_at, resolved_at
		FROM account_verifications
		WHERE user_id = $1 AND status = 'pending'
		  AND created_at >= NOW() - ($2 || ' days')::interval
		ORDER BY created_at DESC
		LIMIT $3`,
		userID, config.MismatchReviewDays, config.MismatchReviewLimit)
	if err != nil {
		return nil, fmt.Errorf("list mismatches: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

func scanVerifications(rows *sql.Rows) ([]*Verification, error) {
	vers := []*Verification{}
	for rows.Next() {
		ver := &Verification{}
		var batchID sql.NullInt64
		var hint sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&ver.ID, &ver.UserID, &ver.AccountID, &batchID,
			&ver.Expected, &ver.Actual, &ver.Difference, &ver.Tolerance,
			&ver.Diagnosis, &ver.Status, &hint, &ver.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		ver.BatchID = batchID.Int64
		ver.Hint = hint.String
		if resolved.Valid {
			t := resolved.Time
			ver.ResolvedAt = &t
		}
		vers = append(vers, ver)
	}
	return vers, rows.Err()
}

// ResolveMismatch closes a verification, optionally appending a correction
// event that brings the ledger in line with the observed balance.
func (v *Verifier) ResolveMismatch(ctx context.Context, userID, verificationID int64, applyCorrection bool) error {
	var accountID int64
	var actual decimal.Decimal
	err := v.db.QueryRowContext(ctx, `
		SELECT account_id, actual_balance FROM account_verifications
		WHERE id = $1 AND user_id = $2 AND status = 'pending'`,
		verificationID, userID).Scan(&accountID, &actual)
	if err == sql.ErrNoRows {
		return fmt.Errorf("verification %d not found or not pending", verificationID)
	}
	if err != nil {
		return fmt.Errorf("load verification: %w", err)
	}

	if applyCorrection {
		if _, err := v.store.RecordAdjustment(ctx, userID, accountID, actual,
			fmt.Sprintf("correction from verification %d", verificationID)); err != nil {
			return err
		}
	}
	_, err = v.db.ExecContext(ctx, `
		UPDATE account_verifications
		SET status = 'resolved', resolved_at = NOW()
		WHERE id = $1`,
		verificationID)
	if err != nil {
		return fmt.Errorf("resolve verification: %w", err)
	}
	return nil
}

// IgnoreMismatch marks a verification ignored without touching balances.
func (v *Verifier) IgnoreMismatch(ctx context.Context, userID, verificationID int64) error {
	res, err := v.db.ExecContext(ctx, `
		UPDATE account_verifications
		SET status = 'ignored', resolved_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'pending'`,
		verificationID, userID)
	if err != nil {
		return fmt.Errorf("ignore verification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("verification %d not found or not pending", verificationID)
	}
	return nil
}
