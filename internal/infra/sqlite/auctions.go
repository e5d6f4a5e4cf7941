package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Auctions ───────────────────────────────────────────────────────────────

// Highest bid and bid count only consider bids that were not disqualified.
const auctionCols = `a.id, a.scope, a.seller, a.item_name, a.item_description, a.rarity,
	a.starting_bid, a.buyout_price, a.status, a.winner, a.final_price,
	a.created_at, a.ends_at, a.resolved_at,
	COALESCE((SELECT MAX(amount) FROM bids b WHERE b.auction_id = a.id AND b.disqualified = 0), 0),
	(SELECT COUNT(*) FROM bids b WHERE b.auction_id = a.id AND b.disqualified = 0)`

func scanAuction(s scanner) (domain.Auction, error) {
	var a domain.Auction
	var rarity, status string
	var created, ends, resolved int64
	err := s.Scan(&a.ID, &a.Scope, &a.Seller, &a.Item.Name, &a.Item.Description, &rarity,
		&a.StartingBid, &a.BuyoutPrice, &status, &a.Winner, &a.FinalPrice,
		&created, &ends, &resolved, &a.HighestBid, &a.BidCount)
	a.Item.Rarity = domain.Rarity(rarity)
	a.Status = domain.AuctionStatus(status)
	a.CreatedAt = fromMs(created)
	a.EndsAt = fromMs(ends)
	a.ResolvedAt = fromMs(resolved)
	return a, err
}

func getAuction(ctx context.Context, q querier, id string) (domain.Auction, error) {
	a, err := scanAuction(q.QueryRowContext(ctx, `SELECT `+auctionCols+` FROM auctions a WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("auction %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func listBids(ctx context.Context, q querier, auctionID string) ([]domain.Bid, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, auction_id, bidder, amount, placed_at, disqualified
		FROM bids WHERE auction_id = ?
		ORDER BY amount DESC, id ASC
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bid
	for rows.Next() {
		var b domain.Bid
		var placed int64
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.Bidder, &b.Amount, &placed, &b.Disqualified); err != nil {
			return nil, err
		}
		b.PlacedAt = fromMs(placed)
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertAuction persists a new auction.
func (t *Tx) InsertAuction(a domain.Auction) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO auctions (id, scope, seller, item_name, item_description, rarity,
			starting_bid, buyout_price, status, created_at, ends_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Scope, a.Seller, a.Item.Name, a.Item.Description, string(a.Item.Rarity),
		a.StartingBid, a.BuyoutPrice, string(a.Status), ms(a.CreatedAt), ms(a.EndsAt))
	if err != nil {
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

// Auction reads an auction inside the transaction.
func (t *Tx) Auction(id string) (domain.Auction, error) {
	return getAuction(t.ctx, t.tx, id)
}

// Bids lists an auction's bids in settlement order: highest first, earliest
// first on ties.
func (t *Tx) Bids(auctionID string) ([]domain.Bid, error) {
	return listBids(t.ctx, t.tx, auctionID)
}

// InsertBid records a bid and returns its id.
func (t *Tx) InsertBid(b domain.Bid) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO bids (auction_id, bidder, amount, placed_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, b.AuctionID, b.Bidder, b.Amount, ms(b.PlacedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert bid: %w", err)
	}
	return id, nil
}

// DisqualifyBid excludes a bid whose bidder could not pay at settlement.
func (t *Tx) DisqualifyBid(id int64) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE bids SET disqualified = 1 WHERE id = ?`, id)
	return err
}

// CloseAuction moves an active auction to a terminal status.
func (t *Tx) CloseAuction(id string, to domain.AuctionStatus, winner string, price int64, now time.Time) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE auctions SET status = ?, winner = ?, final_price = ?, resolved_at = ?
		WHERE id = ? AND status = 'active'
	`, string(to), winner, price, ms(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("auction %s is no longer active: %w", id, domain.ErrInvalidState)
	}
	return nil
}

// AuctionsWon counts auctions the user bought.
func (t *Tx) AuctionsWon(scope, user string) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM auctions WHERE scope = ? AND status = 'sold' AND winner = ?
	`, scope, user).Scan(&n)
	return n, err
}

// Auction returns a store-fresh auction with its bids.
func (d *DB) Auction(ctx context.Context, id string) (domain.Auction, []domain.Bid, error) {
	var a domain.Auction
	var bids []domain.Bid
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		var err error
		if a, err = getAuction(ctx, q, id); err != nil {
			return err
		}
		bids, err = listBids(ctx, q, id)
		return err
	})
	return a, bids, err
}

// ActiveAuctions lists active auctions in scope, soonest ending first.
func (d *DB) ActiveAuctions(ctx context.Context, scope string) ([]domain.Auction, error) {
	var out []domain.Auction
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+auctionCols+` FROM auctions a
			WHERE a.scope = ? AND a.status = 'active'
			ORDER BY a.ends_at
		`, scope)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAuction(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// DueAuctions returns ids of active auctions whose deadline has passed.
func (d *DB) DueAuctions(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT id FROM auctions WHERE status = 'active' AND ends_at <= ? ORDER BY ends_at
		`, ms(now))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// ─── Deadlines ──────────────────────────────────────────────────────────────

// Deadline is an open trade, auction or promotion and when it closes.
type Deadline struct {
	Kind string // "trade", "auction" or "promotion"
	ID   string
	At   time.Time
}

// OpenDeadlines returns every pending trade, active auction and active
// promotion deadline, used to seed the scheduler after a restart.
func (d *DB) OpenDeadlines(ctx context.Context) ([]Deadline, error) {
	var out []Deadline
	err := d.read(ctx, func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT 'trade', id, expires_at FROM trades WHERE status = 'pending'
			UNION ALL
			SELECT 'auction', id, ends_at FROM auctions WHERE status = 'active'
			UNION ALL
			SELECT 'promotion', id, ends_at FROM promotions WHERE status = 'active'
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var dl Deadline
			var at int64
			if err := rows.Scan(&dl.Kind, &dl.ID, &at); err != nil {
				return err
			}
			dl.At = fromMs(at)
			out = append(out, dl)
		}
		return rows.Err()
	})
	return out, err
}
