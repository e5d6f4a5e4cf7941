package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Promotions ─────────────────────────────────────────────────────────────

const promoCols = `id, scope, kind, name, description, multiplier_pct, bonus_coins,
	started_by, status, created_at, ends_at, resolved_at`

func scanPromotion(s scanner) (domain.Promotion, error) {
	var p domain.Promotion
	var kind, status string
	var created, ends, resolved int64
	err := s.Scan(&p.ID, &p.Scope, &kind, &p.Name, &p.Description, &p.MultiplierPct,
		&p.BonusCoins, &p.StartedBy, &status, &created, &ends, &resolved)
	p.Kind = domain.PromotionKind(kind)
	p.Status = domain.PromotionStatus(status)
	p.CreatedAt = fromMs(created)
	p.EndsAt = fromMs(ends)
	p.ResolvedAt = fromMs(resolved)
	return p, err
}

func scanPromotions(rows *sql.Rows) ([]domain.Promotion, error) {
	defer rows.Close()
	var out []domain.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func getPromotion(ctx context.Context, q querier, id string) (domain.Promotion, error) {
	p, err := scanPromotion(q.QueryRowContext(ctx, `SELECT `+promoCols+` FROM promotions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("promotion %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func livePromotions(ctx context.Context, q querier, scope string, now time.Time) ([]domain.Promotion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+promoCols+` FROM promotions
		WHERE scope = ? AND status = 'active' AND ends_at > ?
		ORDER BY ends_at, id
	`, scope, ms(now))
	if err != nil {
		return nil, err
	}
	return scanPromotions(rows)
}

// InsertPromotion persists a new promotion.
func (t *Tx) InsertPromotion(p domain.Promotion) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO promotions (id, scope, kind, name, description, multiplier_pct, bonus_coins, started_by, status, created_at, ends_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Scope, string(p.Kind), p.Name, p.Description, p.MultiplierPct, p.BonusCoins,
		p.StartedBy, string(p.Status), ms(p.CreatedAt), ms(p.EndsAt))
	if err != nil {
		return fmt.Errorf("insert promotion: %w", err)
	}
	return nil
}

// Promotion reads a promotion inside the transaction.
func (t *Tx) Promotion(id string) (domain.Promotion, error) {
	return getPromotion(t.ctx, t.tx, id)
}

// LivePromotions returns the promotions in effect in scope at now. Reading
// them inside the paying transaction keeps the boost consistent with the
// reward it scales.
func (t *Tx) LivePromotions(scope string, now time.Time) ([]domain.Promotion, error) {
	return livePromotions(t.ctx, t.tx, scope, now)
}

// ResolvePromotion moves an active promotion to a terminal status.
func (t *Tx) ResolvePromotion(id string, to domain.PromotionStatus, now time.Time) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE promotions SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'active'
	`, string(to), ms(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("promotion %s is no longer active: %w", id, domain.ErrInvalidState)
	}
	return nil
}

// ExpirePromotions ends every active promotion past its deadline and
// returns the promotions it touched.
func (t *Tx) ExpirePromotions(now time.Time) ([]domain.Promotion, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		UPDATE promotions SET status = 'ended', resolved_at = ?
		WHERE status = 'active' AND ends_at <= ?
		RETURNING `+promoCols, ms(now), ms(now))
	if err != nil {
		return nil, err
	}
	return scanPromotions(rows)
}

// Promotion returns a store-fresh promotion.
func (d *DB) Promotion(ctx context.Context, id string) (domain.Promotion, error) {
	var p domain.Promotion
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		var err error
		p, err = getPromotion(ctx, q, id)
		return err
	})
	return p, err
}

// LivePromotions lists promotions in effect in scope, soonest ending first.
func (d *DB) LivePromotions(ctx context.Context, scope string, now time.Time) ([]domain.Promotion, error) {
	var out []domain.Promotion
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		var err error
		out, err = livePromotions(ctx, q, scope, now)
		return err
	})
	return out, err
}
