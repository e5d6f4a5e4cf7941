package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Trades ─────────────────────────────────────────────────────────────────

const tradeCols = `id, scope, proposer, counterparty, proposer_offer, counterparty_ask,
	status, created_at, expires_at, resolved_at`

func scanTrade(s scanner) (domain.Trade, error) {
	var tr domain.Trade
	var status string
	var created, expires, resolved int64
	err := s.Scan(&tr.ID, &tr.Scope, &tr.Proposer, &tr.Counterparty, &tr.ProposerOffer,
		&tr.CounterpartyAsk, &status, &created, &expires, &resolved)
	tr.Status = domain.TradeStatus(status)
	tr.CreatedAt = fromMs(created)
	tr.ExpiresAt = fromMs(expires)
	tr.ResolvedAt = fromMs(resolved)
	return tr, err
}

func getTrade(ctx context.Context, q querier, id string) (domain.Trade, error) {
	tr, err := scanTrade(q.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tr, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	return tr, err
}

// InsertTrade persists a new trade proposal.
func (t *Tx) InsertTrade(tr domain.Trade) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO trades (id, scope, proposer, counterparty, proposer_offer, counterparty_ask, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.Scope, tr.Proposer, tr.Counterparty, tr.ProposerOffer, tr.CounterpartyAsk,
		string(tr.Status), ms(tr.CreatedAt), ms(tr.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Trade reads a trade inside the transaction.
func (t *Tx) Trade(id string) (domain.Trade, error) {
	return getTrade(t.ctx, t.tx, id)
}

// ResolveTrade moves a pending trade to a terminal status. Zero affected
// rows means someone else resolved it first.
func (t *Tx) ResolveTrade(id string, to domain.TradeStatus, now time.Time) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE trades SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(to), ms(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %s is no longer pending: %w", id, domain.ErrInvalidState)
	}
	return nil
}

// ExpireTrades marks every pending trade past its deadline as expired and
// returns the trades it touched.
func (t *Tx) ExpireTrades(now time.Time) ([]domain.Trade, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		UPDATE trades SET status = 'expired', resolved_at = ?
		WHERE status = 'pending' AND expires_at <= ?
		RETURNING `+tradeCols, ms(now), ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CompletedTrades counts accepted trades the user took part in.
func (t *Tx) CompletedTrades(scope, user string) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM trades
		WHERE scope = ? AND status = 'accepted' AND (proposer = ? OR counterparty = ?)
	`, scope, user, user).Scan(&n)
	return n, err
}

// Trade returns a store-fresh trade.
func (d *DB) Trade(ctx context.Context, id string) (domain.Trade, error) {
	var tr domain.Trade
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		var err error
		tr, err = getTrade(ctx, q, id)
		return err
	})
	return tr, err
}

// PendingTrades lists pending trades where user is either party.
func (d *DB) PendingTrades(ctx context.Context, scope, user string) ([]domain.Trade, error) {
	var out []domain.Trade
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+tradeCols+` FROM trades
			WHERE scope = ? AND status = 'pending' AND (proposer = ? OR counterparty = ?)
			ORDER BY created_at
		`, scope, user, user)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			tr, err := scanTrade(rows)
			if err != nil {
				return err
			}
			out = append(out, tr)
		}
		return rows.Err()
	})
	return out, err
}
