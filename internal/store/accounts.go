package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/genchain/pkg/schema"
)

// CreateAccount opens a token account with an initial balance and records
// the opening credit in the ledger.
func (s *SQLStore) CreateAccount(ctx context.Context, userID string, balance int64) error {
	if balance < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "initial balance must be non-negative, got %d", balance)
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin create account", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO accounts (user_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`),
		userID, balance, now, now,
	)
	if err != nil {
		return storeError("insert account", err)
	}
	ok, err := applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "account %q already exists", userID)
	}
	if balance > 0 {
		if err := insertLedgerEntry(ctx, s, tx, LedgerEntry{
			UserID: userID, Delta: balance, BalanceAfter: balance, Reason: LedgerReasonCredit, CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit create account", err)
	}
	return nil
}

func (s *SQLStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.queryRow(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, storeNotFound("account", userID)
	}
	if err != nil {
		return 0, storeError("get balance", err)
	}
	return balance, nil
}

// CompareAndSwapBalance sets the balance to next only if it still equals
// expected. The ledger entry is written in the same transaction with its
// delta and balance_after filled in.
func (s *SQLStore) CompareAndSwapBalance(ctx context.Context, userID string, expected, next int64, entry LedgerEntry) (bool, error) {
	if next < 0 {
		return false, schema.NewErrorf(schema.ErrCodeInsufficientTokens, "balance for %s cannot go below zero", userID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeError("begin balance swap", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?`),
		next, now, userID, expected,
	)
	if err != nil {
		return false, storeError("swap balance", err)
	}
	ok, err := applied(res)
	if err != nil || !ok {
		return false, err
	}

	entry.UserID = userID
	entry.Delta = next - expected
	entry.BalanceAfter = next
	entry.CreatedAt = timeOrNow(entry.CreatedAt)
	if err := insertLedgerEntry(ctx, s, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storeError("commit balance swap", err)
	}
	return true, nil
}

// CreditBalance adds amount to the balance and returns the new balance.
func (s *SQLStore) CreditBalance(ctx context.Context, userID string, amount int64, entry LedgerEntry) (int64, error) {
	if amount <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "credit amount must be positive, got %d", amount)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin credit", err)
	}
	defer tx.Rollback()

	balance, err := creditTx(ctx, s, tx, userID, amount, entry)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit credit", err)
	}
	return balance, nil
}

func (s *SQLStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	query := `SELECT id, user_id, generation_id, delta, balance_after, reason, created_at
		FROM token_ledger WHERE user_id = ? ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.query(ctx, query, userID)
	if err != nil {
		return nil, storeError("list ledger", err)
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		var genID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &genID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.GenerationID = genID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// creditTx increments a balance inside an open transaction.
func creditTx(ctx context.Context, s *SQLStore, tx *sql.Tx, userID string, amount int64, entry LedgerEntry) (int64, error) {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`),
		amount, now, userID,
	)
	if err != nil {
		return 0, storeError("credit balance", err)
	}
	if err := checkRowsAffected(res, "account", userID); err != nil {
		return 0, err
	}
	var balance int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT balance FROM accounts WHERE user_id = ?`), userID).Scan(&balance); err != nil {
		return 0, storeError("read balance", err)
	}

	entry.UserID = userID
	entry.Delta = amount
	entry.BalanceAfter = balance
	if entry.Reason == "" {
		entry.Reason = LedgerReasonCredit
	}
	entry.CreatedAt = timeOrNow(entry.CreatedAt)
	if err := insertLedgerEntry(ctx, s, tx, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

func insertLedgerEntry(ctx context.Context, s *SQLStore, tx *sql.Tx, e LedgerEntry) error {
	_, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO token_ledger (user_id, generation_id, delta, balance_after, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.UserID, nullStr(e.GenerationID), e.Delta, e.BalanceAfter, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return storeError("insert ledger entry", err)
	}
	return nil
}
