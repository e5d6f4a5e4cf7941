package sqlite

import (
	"context"
	"time"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Achievement Grants ─────────────────────────────────────────────────────

// InsertGrant records a grant. It reports false when the grant already
// existed, which makes repeated evaluation a no-op.
func (t *Tx) InsertGrant(scope, user, achievementID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT OR IGNORE INTO achievement_grants (scope, user_id, achievement_id, granted_at)
		VALUES (?, ?, ?, ?)
	`, scope, user, achievementID, ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimGrant flips an unclaimed grant to claimed.
func (t *Tx) ClaimGrant(scope, user, achievementID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE achievement_grants SET claimed = 1, claimed_at = ?
		WHERE scope = ? AND user_id = ? AND achievement_id = ? AND claimed = 0
	`, ms(now), scope, user, achievementID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GrantedIDs returns the set of achievements the user already holds.
func (t *Tx) GrantedIDs(scope, user string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT achievement_id FROM achievement_grants WHERE scope = ? AND user_id = ?
	`, scope, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Stats gathers the metrics achievement requirements are evaluated on.
func (t *Tx) Stats(scope, user string) (domain.AccountStats, error) {
	a, err := t.Account(scope, user)
	if err != nil {
		return domain.AccountStats{}, err
	}
	s := domain.AccountStats{
		Balance:     a.Balance,
		TotalEarned: a.TotalEarned,
		TotalSpent:  a.TotalSpent,
		DailyStreak: a.DailyStreak,
	}
	if s.TradesCompleted, err = t.CompletedTrades(scope, user); err != nil {
		return s, err
	}
	if s.AuctionsWon, err = t.AuctionsWon(scope, user); err != nil {
		return s, err
	}
	return s, nil
}

// Grants lists a user's achievements, oldest first.
func (d *DB) Grants(ctx context.Context, scope, user string) ([]domain.Grant, error) {
	var out []domain.Grant
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT scope, user_id, achievement_id, granted_at, claimed, claimed_at
			FROM achievement_grants WHERE scope = ? AND user_id = ?
			ORDER BY granted_at, achievement_id
		`, scope, user)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g domain.Grant
			var granted, claimedAt int64
			if err := rows.Scan(&g.Scope, &g.User, &g.AchievementID, &granted, &g.Claimed, &claimedAt); err != nil {
				return err
			}
			g.GrantedAt = fromMs(granted)
			g.ClaimedAt = fromMs(claimedAt)
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}
