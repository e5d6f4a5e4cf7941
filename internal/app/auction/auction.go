// Package auction implements timed item auctions.
//
// Bids are promises: nothing is escrowed when a bid is placed. At settlement
// the bids are tried from highest to lowest (earliest first on ties); a
// bidder who can no longer pay is disqualified and the next bid is tried.
// If no bid can pay, the auction expires without a transfer.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/observability"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// Config controls auction rules.
type Config struct {
	MinStartingBid  int64               // Lowest allowed starting bid (default: 1000)
	MinDuration     time.Duration       // Shortest auction (default: 1h)
	MaxDuration     time.Duration       // Longest auction (default: 168h)
	DefaultDuration time.Duration       // Used when no duration is given (default: 24h)
	Increment       domain.BidIncrement // Minimum raise (default: max(100, 5%))
	Now             func() time.Time    // Clock (default: time.Now)
}

// DefaultConfig returns the standard auction rules.
func DefaultConfig() Config {
	return Config{
		MinStartingBid:  1000,
		MinDuration:     time.Hour,
		MaxDuration:     168 * time.Hour,
		DefaultDuration: 24 * time.Hour,
		Increment:       domain.DefaultBidIncrement(),
		Now:             time.Now,
	}
}

// CreateRequest describes a new auction.
type CreateRequest struct {
	Scope       string        `json:"scope"`
	Seller      string        `json:"seller"`
	Item        domain.Item   `json:"item"`
	StartingBid int64         `json:"starting_bid"`
	BuyoutPrice int64         `json:"buyout_price,omitempty"`
	Duration    time.Duration `json:"-"`
}

// Engine runs auctions.
type Engine struct {
	cfg       Config
	db        *sqlite.DB
	ledger    *ledger.Service
	pub       domain.Publisher
	deadlines domain.DeadlineTracker
}

// New creates an auction engine. pub may be nil.
func New(cfg Config, db *sqlite.DB, led *ledger.Service, pub domain.Publisher) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultConfig().DefaultDuration
	}
	if pub == nil {
		pub = domain.NopPublisher{}
	}
	return &Engine{cfg: cfg, db: db, ledger: led, pub: pub}
}

// SetDeadlineTracker registers the scheduler that wakes up on auction ends.
func (e *Engine) SetDeadlineTracker(t domain.DeadlineTracker) {
	e.deadlines = t
}

// Increment returns the minimum-raise rule in force.
func (e *Engine) Increment() domain.BidIncrement { return e.cfg.Increment }

func (e *Engine) now() time.Time { return e.cfg.Now().UTC() }

// Get returns an auction and its bids.
func (e *Engine) Get(ctx context.Context, id string) (domain.Auction, []domain.Bid, error) {
	return e.db.Auction(ctx, id)
}

// Active lists running auctions in scope.
func (e *Engine) Active(ctx context.Context, scope string) ([]domain.Auction, error) {
	return e.db.ActiveAuctions(ctx, scope)
}

// MinNextBid returns the smallest bid the auction currently accepts.
func (e *Engine) MinNextBid(a domain.Auction) int64 {
	base := a.StartingBid
	if a.HighestBid > 0 {
		base = a.HighestBid
	}
	return e.cfg.Increment.MinNextBid(base)
}

// ─── Create ─────────────────────────────────────────────────────────────────

// Create lists a new auction after validating its bounds.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (a domain.Auction, err error) {
	defer func(start time.Time) { observability.ObserveOp("auction.create", start, err) }(time.Now())

	if req.Duration == 0 {
		req.Duration = e.cfg.DefaultDuration
	}
	rarity, err := domain.ParseRarity(string(req.Item.Rarity))
	if err != nil {
		return a, err
	}
	switch {
	case req.Seller == "":
		return a, fmt.Errorf("missing seller: %w", domain.ErrInvalidAuction)
	case req.Item.Name == "":
		return a, fmt.Errorf("missing item name: %w", domain.ErrInvalidAuction)
	case req.StartingBid > domain.MaxAmount || req.BuyoutPrice > domain.MaxAmount:
		return a, fmt.Errorf("price above %d: %w", domain.MaxAmount, domain.ErrInvalidAuction)
	case req.StartingBid < e.cfg.MinStartingBid:
		return a, fmt.Errorf("starting bid %d below minimum %d: %w", req.StartingBid, e.cfg.MinStartingBid, domain.ErrInvalidAuction)
	case req.BuyoutPrice < 0 || (req.BuyoutPrice > 0 && req.BuyoutPrice <= req.StartingBid):
		return a, fmt.Errorf("buyout %d must exceed starting bid %d: %w", req.BuyoutPrice, req.StartingBid, domain.ErrInvalidAuction)
	case req.Duration < e.cfg.MinDuration || req.Duration > e.cfg.MaxDuration:
		return a, fmt.Errorf("duration %s outside [%s, %s]: %w", req.Duration, e.cfg.MinDuration, e.cfg.MaxDuration, domain.ErrInvalidAuction)
	}

	now := e.now()
	req.Item.Rarity = rarity
	a = domain.Auction{
		ID:          uuid.NewString(),
		Scope:       req.Scope,
		Seller:      req.Seller,
		Item:        req.Item,
		StartingBid: req.StartingBid,
		BuyoutPrice: req.BuyoutPrice,
		Status:      domain.AuctionActive,
		CreatedAt:   now,
		EndsAt:      now.Add(req.Duration),
	}
	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.InsertAuction(a)
	})
	if err != nil {
		return domain.Auction{}, err
	}

	log.Printf("[auction] %s created by %s: %q start=%d ends=%s", a.ID, a.Seller, a.Item.Name, a.StartingBid, a.EndsAt.Format(time.RFC3339))
	if e.deadlines != nil {
		e.deadlines.Track("auction", a.ID, a.EndsAt)
	}
	e.pub.Publish(domain.Event{
		Type: domain.EventAuctionCreated, Scope: a.Scope, Users: []string{a.Seller},
		Amount: a.StartingBid, Ref: a.ID, Status: string(a.Status), Timestamp: now,
	})
	return a, nil
}

// ─── Bid ────────────────────────────────────────────────────────────────────

// Bid records a promise to pay. A bid arriving after the deadline settles
// the auction instead and fails with ErrInvalidState.
func (e *Engine) Bid(ctx context.Context, id, bidder string, amount int64) (b domain.Bid, err error) {
	defer func(start time.Time) { observability.ObserveOp("auction.bid", start, err) }(time.Now())

	var settled *domain.SettlementOutcome
	var a domain.Auction
	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		settled = nil
		var err error
		if a, err = e.activeAuction(tx, id, bidder); err != nil {
			return err
		}
		now := e.now()
		if a.Ended(now) {
			out, err := e.settleTx(tx, a, now)
			if err != nil {
				return err
			}
			settled = &out
			return nil
		}
		if amount > domain.MaxAmount {
			return fmt.Errorf("bid %d above %d: %w", amount, domain.MaxAmount, domain.ErrInvalidAmount)
		}
		if floor := e.MinNextBid(a); amount < floor {
			return fmt.Errorf("bid %d below minimum %d: %w", amount, floor, domain.ErrInvalidAmount)
		}
		acct, err := tx.Account(a.Scope, bidder)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return fmt.Errorf("bid %d exceeds balance %d: %w", amount, acct.Balance, domain.ErrInsufficientFunds)
		}
		b = domain.Bid{AuctionID: id, Bidder: bidder, Amount: amount, PlacedAt: now}
		b.ID, err = tx.InsertBid(b)
		return err
	})
	if err != nil {
		return domain.Bid{}, err
	}
	if settled != nil {
		e.settled(a, *settled)
		return domain.Bid{}, fmt.Errorf("auction %s has ended: %w", id, domain.ErrInvalidState)
	}

	observability.BidsPlaced.Inc()
	e.pub.Publish(domain.Event{
		Type: domain.EventBidPlaced, Scope: a.Scope, Users: []string{bidder},
		Amount: amount, Ref: id, Timestamp: b.PlacedAt,
	})
	return b, nil
}

// activeAuction loads an auction a non-seller may act on.
func (e *Engine) activeAuction(tx *sqlite.Tx, id, actor string) (domain.Auction, error) {
	a, err := tx.Auction(id)
	if err != nil {
		return a, err
	}
	if a.Status != domain.AuctionActive {
		return a, fmt.Errorf("auction %s is %s: %w", id, a.Status, domain.ErrInvalidState)
	}
	if actor == a.Seller {
		return a, fmt.Errorf("seller cannot bid on own auction: %w", domain.ErrNotAuthorized)
	}
	return a, nil
}

// ─── Buyout ─────────────────────────────────────────────────────────────────

// Buyout settles the auction immediately at the buyout price. It is refused
// once a standing bid reaches the buyout price, and an auction past its
// deadline is settled instead. If the buyer cannot pay nothing changes.
func (e *Engine) Buyout(ctx context.Context, id, buyer string) (out domain.SettlementOutcome, err error) {
	defer func(start time.Time) { observability.ObserveOp("auction.buyout", start, err) }(time.Now())

	var a domain.Auction
	var ended bool
	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		ended = false
		var err error
		if a, err = e.activeAuction(tx, id, buyer); err != nil {
			return err
		}
		now := e.now()
		if a.Ended(now) {
			ended = true
			out, err = e.settleTx(tx, a, now)
			return err
		}
		if a.BuyoutPrice == 0 {
			return fmt.Errorf("auction %s has no buyout price: %w", id, domain.ErrInvalidState)
		}
		if a.HighestBid >= a.BuyoutPrice {
			return fmt.Errorf("standing bid %d already meets buyout %d: %w", a.HighestBid, a.BuyoutPrice, domain.ErrInvalidState)
		}

		bid := domain.Bid{AuctionID: id, Bidder: buyer, Amount: a.BuyoutPrice, PlacedAt: now}
		if _, err := tx.InsertBid(bid); err != nil {
			return err
		}
		if _, err := e.ledger.TransferTx(tx, e.payment(a, buyer, a.BuyoutPrice)); err != nil {
			return err
		}
		if err := tx.CloseAuction(id, domain.AuctionSold, buyer, a.BuyoutPrice, now); err != nil {
			return err
		}
		out = domain.SettlementOutcome{AuctionID: id, Status: domain.AuctionSold, Winner: buyer, Price: a.BuyoutPrice}
		return nil
	})
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	e.settled(a, out)
	if ended {
		return out, fmt.Errorf("auction %s has ended: %w", id, domain.ErrInvalidState)
	}
	return out, nil
}

// ─── Cancel ─────────────────────────────────────────────────────────────────

// Cancel withdraws an auction. Only the seller may cancel, and only while
// no bids exist.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (a domain.Auction, err error) {
	defer func(start time.Time) { observability.ObserveOp("auction.cancel", start, err) }(time.Now())

	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		if a, err = tx.Auction(id); err != nil {
			return err
		}
		if actor != a.Seller {
			return fmt.Errorf("only the seller can cancel auction %s: %w", id, domain.ErrNotAuthorized)
		}
		if a.Status != domain.AuctionActive {
			return fmt.Errorf("auction %s is %s: %w", id, a.Status, domain.ErrInvalidState)
		}
		if a.BidCount > 0 {
			return fmt.Errorf("auction %s already has %d bids: %w", id, a.BidCount, domain.ErrInvalidState)
		}
		now := e.now()
		if err := tx.CloseAuction(id, domain.AuctionCancelled, "", 0, now); err != nil {
			return err
		}
		a.Status = domain.AuctionCancelled
		a.ResolvedAt = now
		return nil
	})
	if err != nil {
		return a, err
	}
	e.settled(a, domain.SettlementOutcome{AuctionID: id, Status: domain.AuctionCancelled})
	return a, nil
}

// ─── Settlement ─────────────────────────────────────────────────────────────

// Settle closes an auction whose deadline has passed. Settling an auction
// that is no longer active, or has not ended yet, fails with ErrInvalidState.
func (e *Engine) Settle(ctx context.Context, id string) (out domain.SettlementOutcome, err error) {
	defer func(start time.Time) { observability.ObserveOp("auction.settle", start, err) }(time.Now())

	var a domain.Auction
	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		if a, err = tx.Auction(id); err != nil {
			return err
		}
		if a.Status != domain.AuctionActive {
			return fmt.Errorf("auction %s is %s: %w", id, a.Status, domain.ErrInvalidState)
		}
		now := e.now()
		if !a.Ended(now) {
			return fmt.Errorf("auction %s ends at %s: %w", id, a.EndsAt.Format(time.RFC3339), domain.ErrInvalidState)
		}
		out, err = e.settleTx(tx, a, now)
		return err
	})
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	e.settled(a, out)
	return out, nil
}

// SettleDue settles every active auction past its deadline, each in its own
// transaction. Auctions settled concurrently by another path are skipped.
func (e *Engine) SettleDue(ctx context.Context) ([]domain.SettlementOutcome, error) {
	ids, err := e.db.DueAuctions(ctx, e.now())
	if err != nil {
		return nil, err
	}
	var outs []domain.SettlementOutcome
	var errs []error
	for _, id := range ids {
		out, err := e.Settle(ctx, id)
		switch {
		case err == nil:
			outs = append(outs, out)
		case errors.Is(err, domain.ErrInvalidState):
		default:
			log.Printf("[auction] settle %s failed: %v", id, err)
			errs = append(errs, err)
		}
	}
	return outs, errors.Join(errs...)
}

// settleTx picks the winner inside an open transaction. Each candidate's
// payment runs in its own savepoint so a failed payment leaves no trace
// beyond the bid's disqualification.
func (e *Engine) settleTx(tx *sqlite.Tx, a domain.Auction, now time.Time) (domain.SettlementOutcome, error) {
	out := domain.SettlementOutcome{AuctionID: a.ID, Status: domain.AuctionExpired}
	bids, err := tx.Bids(a.ID)
	if err != nil {
		return out, err
	}
	for _, b := range bids {
		if b.Disqualified {
			continue
		}
		err := tx.Savepoint(func() error {
			_, err := e.ledger.TransferTx(tx, e.payment(a, b.Bidder, b.Amount))
			return err
		})
		if err == nil {
			out.Status = domain.AuctionSold
			out.Winner = b.Bidder
			out.Price = b.Amount
			break
		}
		if !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrUnknownAccount) {
			return out, err
		}
		if err := tx.DisqualifyBid(b.ID); err != nil {
			return out, err
		}
		out.Disqualified = append(out.Disqualified, b.Bidder)
	}
	if err := tx.CloseAuction(a.ID, out.Status, out.Winner, out.Price, now); err != nil {
		return out, err
	}
	return out, nil
}

func (e *Engine) payment(a domain.Auction, buyer string, amount int64) domain.TransferRequest {
	return domain.TransferRequest{
		Scope: a.Scope, From: buyer, To: a.Seller, Amount: amount,
		Kind: domain.TxAuction, Description: fmt.Sprintf("auction %s: %s", a.ID, a.Item.Name), Ref: a.ID,
	}
}

// settled runs post-commit side effects of a terminal transition.
func (e *Engine) settled(a domain.Auction, out domain.SettlementOutcome) {
	observability.AuctionsSettled.WithLabelValues(string(out.Status)).Inc()
	observability.BidsDisqualified.Add(float64(len(out.Disqualified)))
	log.Printf("[auction] %s %s winner=%q price=%d disqualified=%d", a.ID, out.Status, out.Winner, out.Price, len(out.Disqualified))

	users := []string{a.Seller}
	if out.Winner != "" {
		users = append(users, out.Winner)
		observability.CoinsMoved.WithLabelValues(string(domain.TxAuction)).Add(float64(out.Price))
	}
	e.pub.Publish(domain.Event{
		Type: domain.EventAuctionSettled, Scope: a.Scope, Users: users,
		Amount: out.Price, Ref: a.ID, Status: string(out.Status), Timestamp: e.now(),
	})
}
