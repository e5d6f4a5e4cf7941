package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Accounts ───────────────────────────────────────────────────────────────

const accountCols = `scope, user_id, balance, total_earned, total_spent,
	daily_streak, last_daily, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (domain.Account, error) {
	var a domain.Account
	var lastDaily, created, updated int64
	err := s.Scan(&a.Scope, &a.User, &a.Balance, &a.TotalEarned, &a.TotalSpent,
		&a.DailyStreak, &lastDaily, &created, &updated)
	if err != nil {
		return a, err
	}
	a.LastDaily = fromMs(lastDaily)
	a.CreatedAt = fromMs(created)
	a.UpdatedAt = fromMs(updated)
	return a, nil
}

func getAccount(ctx context.Context, q querier, scope, user string) (domain.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE scope = ? AND user_id = ?`, scope, user))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("account %s/%s: %w", scope, user, domain.ErrUnknownAccount)
	}
	return a, err
}

// OpenAccount creates the account with the starting balance if it does not
// exist. The starting balance counts toward total_earned and is not logged.
func (t *Tx) OpenAccount(scope, user string, starting int64, now time.Time) (domain.Account, bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT OR IGNORE INTO accounts (scope, user_id, balance, total_earned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, scope, user, starting, starting, ms(now), ms(now))
	if err != nil {
		return domain.Account{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Account{}, false, err
	}
	a, err := getAccount(t.ctx, t.tx, scope, user)
	return a, n == 1, err
}

// Account reads an account inside the transaction.
func (t *Tx) Account(scope, user string) (domain.Account, error) {
	return getAccount(t.ctx, t.tx, scope, user)
}

// Credit adds amount to an existing account and returns the new balance.
// A credit that would overflow the balance or total_earned is refused with
// ErrInvalidAmount.
func (t *Tx) Credit(scope, user string, amount int64, now time.Time) (int64, error) {
	var balance int64
	room := math.MaxInt64 - amount
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE accounts
		SET balance = balance + ?, total_earned = total_earned + ?, updated_at = ?
		WHERE scope = ? AND user_id = ? AND balance <= ? AND total_earned <= ?
		RETURNING balance
	`, amount, amount, ms(now), scope, user, room, room).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := getAccount(t.ctx, t.tx, scope, user); getErr != nil {
			return 0, fmt.Errorf("credit %s/%s: %w", scope, user, getErr)
		}
		return 0, fmt.Errorf("credit %s/%s of %d would overflow: %w", scope, user, amount, domain.ErrInvalidAmount)
	}
	return balance, err
}

// Debit subtracts amount only if the balance covers it. The predicate in the
// UPDATE is the guard; no prior read is trusted.
func (t *Tx) Debit(scope, user string, amount int64, now time.Time) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE accounts
		SET balance = balance - ?, total_spent = total_spent + ?, updated_at = ?
		WHERE scope = ? AND user_id = ? AND balance >= ? AND total_spent <= ?
		RETURNING balance
	`, amount, amount, ms(now), scope, user, amount, math.MaxInt64-amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	a, getErr := getAccount(t.ctx, t.tx, scope, user)
	if getErr != nil {
		return 0, fmt.Errorf("debit %s/%s: %w", scope, user, getErr)
	}
	if a.Balance >= amount {
		return 0, fmt.Errorf("debit %s/%s of %d would overflow total_spent: %w", scope, user, amount, domain.ErrInvalidAmount)
	}
	return 0, fmt.Errorf("debit %s/%s of %d: %w", scope, user, amount, domain.ErrInsufficientFunds)
}

// RecordDaily pays a daily reward if the account has not claimed since
// dayStart. A second claim in the same day returns ErrInvalidState.
func (t *Tx) RecordDaily(scope, user string, reward int64, streak int, dayStart, now time.Time) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE accounts
		SET balance = balance + ?, total_earned = total_earned + ?,
			daily_streak = ?, last_daily = ?, updated_at = ?
		WHERE scope = ? AND user_id = ? AND last_daily < ? AND balance <= ? AND total_earned <= ?
		RETURNING balance
	`, reward, reward, streak, ms(now), ms(now), scope, user, ms(dayStart),
		math.MaxInt64-reward, math.MaxInt64-reward).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		a, getErr := getAccount(t.ctx, t.tx, scope, user)
		if getErr != nil {
			return 0, getErr
		}
		if a.LastDaily.Before(dayStart) {
			return 0, fmt.Errorf("daily reward of %d would overflow: %w", reward, domain.ErrInvalidAmount)
		}
		return 0, fmt.Errorf("daily reward already claimed: %w", domain.ErrInvalidState)
	}
	return balance, err
}

// ─── Transaction Log ────────────────────────────────────────────────────────

const txCols = `id, scope, from_user, to_user, amount, kind, description,
	COALESCE(idempotency_key, ''), ref, created_at`

func scanTransaction(s scanner) (domain.Transaction, error) {
	var tr domain.Transaction
	var kind string
	var created int64
	err := s.Scan(&tr.ID, &tr.Scope, &tr.From, &tr.To, &tr.Amount, &kind,
		&tr.Description, &tr.IdempotencyKey, &tr.Ref, &created)
	tr.Kind = domain.TxKind(kind)
	tr.CreatedAt = fromMs(created)
	return tr, err
}

// AppendTransaction inserts a log row and returns it with its id.
func (t *Tx) AppendTransaction(tr domain.Transaction) (domain.Transaction, error) {
	var key any
	if tr.IdempotencyKey != "" {
		key = tr.IdempotencyKey
	}
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO transactions (scope, from_user, to_user, amount, kind, description, idempotency_key, ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, tr.Scope, tr.From, tr.To, tr.Amount, string(tr.Kind), tr.Description, key, tr.Ref, ms(tr.CreatedAt)).Scan(&tr.ID)
	if err != nil {
		return tr, fmt.Errorf("append transaction: %w", err)
	}
	return tr, nil
}

// TransactionByKey looks up a previously recorded idempotency key.
func (t *Tx) TransactionByKey(scope, key string) (domain.Transaction, bool, error) {
	tr, err := scanTransaction(t.tx.QueryRowContext(t.ctx,
		`SELECT `+txCols+` FROM transactions WHERE scope = ? AND idempotency_key = ?`, scope, key))
	if errors.Is(err, sql.ErrNoRows) {
		return tr, false, nil
	}
	if err != nil {
		return tr, false, err
	}
	return tr, true, nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Account returns a store-fresh account snapshot.
func (d *DB) Account(ctx context.Context, scope, user string) (domain.Account, error) {
	var a domain.Account
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		var err error
		a, err = getAccount(ctx, q, scope, user)
		return err
	})
	return a, err
}

// History returns the newest transactions touching user, newest first.
func (d *DB) History(ctx context.Context, scope, user string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []domain.Transaction
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+txCols+` FROM transactions
			WHERE scope = ? AND (from_user = ? OR to_user = ?)
			ORDER BY id DESC LIMIT ?
		`, scope, user, user, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			tr, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			out = append(out, tr)
		}
		return rows.Err()
	})
	return out, err
}

// Leaderboard returns the richest accounts in scope.
func (d *DB) Leaderboard(ctx context.Context, scope string, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []domain.LeaderboardEntry
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT user_id, balance FROM accounts
			WHERE scope = ?
			ORDER BY balance DESC, user_id ASC LIMIT ?
		`, scope, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e := domain.LeaderboardEntry{Rank: len(out) + 1}
			if err := rows.Scan(&e.User, &e.Balance); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// ScanTransactions streams the log in id order starting after afterID.
// fn must not call back into the store.
func (d *DB) ScanTransactions(ctx context.Context, afterID int64, fn func(domain.Transaction) error) error {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+txCols+` FROM transactions WHERE id > ? ORDER BY id`, afterID)
	if err != nil {
		return storageErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return storageErr(err)
		}
		if err := fn(tr); err != nil {
			return err
		}
	}
	return storageErr(rows.Err())
}
