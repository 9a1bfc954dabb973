package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"SmartBillBook/api/importer"
)

// ChangeType labels the cause of one balance movement.
type ChangeType string

const (
	ChangeInitial     ChangeType = "initial"
	ChangeTransaction ChangeType = "transaction"
	ChangeTransferOut ChangeType = "transfer_out"
	ChangeTransferIn  ChangeType = "transfer_in"
	ChangeAdjustment  ChangeType = "adjustment"
	ChangeCorrection  ChangeType = "correction"
)

// BalanceEvent is one append-only row of an account's balance history.
// amount_after = amount_before + change_amount holds for every row.
type BalanceEvent struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	AccountID     int64           `json:"account_id"`
	ChangeType    ChangeType      `json:"change_type"`
	ChangeAmount  decimal.Decimal `json:"change_amount"`
	AmountBefore  decimal.Decimal `json:"amount_before"`
	AmountAfter   decimal.Decimal `json:"amount_after"`
	TransactionID *int64          `json:"transaction_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Remark        string          `json:"remark,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Store is the append-only balance ledger. Events are never updated or
// deleted; corrections append compensating rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// appendEventTx appends one event inside the caller's transaction, reading
// the account balance under FOR UPDATE so concurrent appends serialize. The
// first event on an account opens its history with the recorded initial
// balance, so replaying the log reproduces the balance from nothing.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev *BalanceEvent) error {
	var before, initial decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT balance, initial_balance FROM accounts
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`,
		ev.AccountID, ev.UserID).Scan(&before, &initial)
	if err == sql.ErrNoRows {
		return fmt.Errorf("account %d not found", ev.AccountID)
	}
	if err != nil {
		return fmt.Errorf("lock account balance: %w", err)
	}

	var seeded bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM balance_events
			WHERE user_id = $1 AND account_id = $2
		)`, ev.UserID, ev.AccountID).Scan(&seeded)
	if err != nil {
		return fmt.Errorf("check event history: %w", err)
	}
	if !seeded && !initial.IsZero() {
		if err := insertEventRow(ctx, tx, openingEvent(ev.UserID, ev.AccountID, initial)); err != nil {
			return err
		}
	}

	ev.AmountBefore = before
	ev.AmountAfter = before.Add(ev.ChangeAmount)
	if !ev.AmountAfter.Sub(ev.AmountBefore).Equal(ev.ChangeAmount) {
		return fmt.Errorf("balance event arithmetic broken for account %d", ev.AccountID)
	}
	if err := insertEventRow(ctx, tx, ev); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1, updated_at = NOW()
		WHERE id = $2`,
		ev.AmountAfter, ev.AccountID)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	return nil
}

// openingEvent builds the initial event of an account's history: zero to the
// recorded initial balance.
func openingEvent(userID, accountID int64, initial decimal.Decimal) *BalanceEvent {
	return &BalanceEvent{
		UserID:       userID,
		AccountID:    accountID,
		ChangeType:   ChangeInitial,
		ChangeAmount: initial,
		AmountBefore: decimal.Zero,
		AmountAfter:  initial,
		Remark:       "opening balance",
	}
}

func insertEventRow(ctx context.Context, tx *sql.Tx, ev *BalanceEvent) error {
	var txnID interface{}
	if ev.TransactionID != nil {
		txnID = *ev.TransactionID
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO balance_events
			(user_id, account_id, change_type, change_amount, amount_before,
			 amount_after, transaction_id, reference, remark, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at`,
		ev.UserID, ev.AccountID, ev.ChangeType, ev.ChangeAmount,
		ev.AmountBefore, ev.AmountAfter, txnID, ev.Reference, ev.Remark,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append balance event: %w", err)
	}
	return nil
}

// RecordTransactionTx posts a canonical transaction's balance effect inside
// the caller's transaction, so the transaction row and its event commit or
// roll back together. The signed amount is applied as-is; transfers post two
// legs. Implements the importer's ledger hook.
func (s *Store) RecordTransactionTx(ctx context.Context, tx *sql.Tx, txn *importer.CanonicalTransaction) error {
	if txn.Direction == importer.DirectionTransfer && txn.ToAccountID != nil {
		return s.recordTransferTx(ctx, tx, txn)
	}
	txnID := txn.ID
	return s.appendEventTx(ctx, tx, &BalanceEvent{
		UserID:        txn.UserID,
		AccountID:     txn.AccountID,
		ChangeType:    ChangeTransaction,
		ChangeAmount:  txn.Amount,
		TransactionID: &txnID,
		Remark:        txn.Remark,
	})
}

// recordTransferTx appends the out and in legs, linked by a shared reference
// id, inside the caller's transaction.
func (s *Store) recordTransferTx(ctx context.Context, tx *sql.Tx, txn *importer.CanonicalTransaction) error {
	if txn.ToAccountID == nil {
		return fmt.Errorf("transfer requires a destination account")
	}
	reference := uuid.NewString()
	magnitude := txn.Amount.Abs()
	txnID := txn.ID

	out := &BalanceEvent{
		UserID:        txn.UserID,
		AccountID:     txn.AccountID,
		ChangeType:    ChangeTransferOut,
		ChangeAmount:  magnitude.Neg(),
		TransactionID: &txnID,
		Reference:     reference,
		Remark:        txn.Remark,
	}
	if err := s.appendEventTx(ctx, tx, out); err != nil {
		return err
	}
	in := &BalanceEvent{
		UserID:        txn.UserID,
		AccountID:     *txn.ToAccountID,
		ChangeType:    ChangeTransferIn,
		ChangeAmount:  magnitude,
		TransactionID: &txnID,
		Reference:     reference,
		Remark:        txn.Remark,
	}
	return s.appendEventTx(ctx, tx, in)
}

// RecordAdjustment sets an account to a target balance by appending the
// difference as an adjustment event. Returns the appended event.
func (s *Store) RecordAdjustment(ctx context.Context, userID, accountID int64, target decimal.Decimal, remark string) (*BalanceEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		accountID, userID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %d not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	ev := &BalanceEvent{
		UserID:       userID,
		AccountID:    accountID,
		ChangeType:   ChangeAdjustment,
		ChangeAmount: target.Sub(current),
		Remark:       remark,
	}
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	return ev, tx.Commit()
}

// ExpectedBalance replays the event log for an account: the latest
// amount_after at or before the cutoff (nil cutoff means now). An account
// with no history falls back to its recorded initial balance.
func (s *Store) ExpectedBalance(ctx context.Context, userID, accountID int64, cutoff *time.Time) (decimal.Decimal, error) {
	var after decimal.Decimal
	var err error
	if cutoff != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT amount_after FROM balance_events
			WHERE user_id = $1 AND account_id = $2 AND created_at <= $3
			ORDER BY id DESC LIMIT 1`,
			userID, accountID, *cutoff).Scan(&after)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT amount_after FROM balance_events
			WHERE user_id = $1 AND account_id = $2
			ORDER BY id DESC LIMIT 1`,
			userID, accountID).Scan(&after)
	}
	if err == sql.ErrNoRows {
		var initial decimal.Decimal
		err = s.db.QueryRowContext(ctx, `
			SELECT initial_balance FROM accounts
			WHERE id = $1 AND user_id = $2`,
			accountID, userID).Scan(&initial)
		if err == sql.ErrNoRows {
			return decimal.Zero, fmt.Errorf("account %d not found", accountID)
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("initial balance: %w", err)
		}
		return initial, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("expected balance: %w", err)
	}
	return after, nil
}

// ActualBalance reads the denormalized account balance.
func (s *Store) ActualBalance(ctx context.Context, userID, accountID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE id = $1 AND user_id = $2`,
		accountID, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("account %d not found", accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("actual balance: %w", err)
	}
	return balance, nil
}

// ListEvents returns an account's recent balance history, newest first.
func (s *Store) ListEvents(ctx context.Context, userID, accountID int64, limit int) ([]*BalanceEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, account_id, change_type, change_amount,
		       amount_before, amount_after, transaction_id, reference, remark,
		       created_at
		FROM balance_events
		WHERE user_id = $1 AND account_id = $2
		ORDER BY id DESC
		LIMIT $3`,
		userID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*BalanceEvent{}
	for rows.Next() {
		ev := &BalanceEvent{}
		var txnID sql.NullInt64
		var reference, remark sql.NullString
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.AccountID, &ev.ChangeType,
			&ev.ChangeAmount, &ev.AmountBefore, &ev.AmountAfter, &txnID,
			&reference, &remark, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if txnID.Valid {
			id := txnID.Int64
			ev.TransactionID = &id
		}
		ev.Reference = reference.String
		ev.Remark = remark.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
