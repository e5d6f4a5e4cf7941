// Package trade implements the two-party trade negotiation state machine.
//
// Lifecycle:
//
//	pending ──accept──▶ accepted   (both legs paid)
//	   │    ──accept──▶ cancelled  (a leg could not be paid)
//	   │    ──decline─▶ declined   (counterparty)
//	   │    ──cancel──▶ cancelled  (proposer)
//	   └────deadline──▶ expired
//
// Nothing is escrowed at proposal time; balances are checked when the
// counterparty accepts.
package trade

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

// Config controls negotiator behavior.
type Config struct {
	TTL time.Duration    // How long a proposal stays open (default: 5m)
	Now func() time.Time // Clock (default: time.Now)
}

// DefaultConfig returns safe negotiator defaults.
func DefaultConfig() Config {
	return Config{
		TTL: 5 * time.Minute,
		Now: time.Now,
	}
}

// Negotiator manages trade proposals.
type Negotiator struct {
	cfg       Config
	db        *sqlite.DB
	ledger    *ledger.Service
	pub       domain.Publisher
	deadlines domain.DeadlineTracker
}

// New creates a negotiator. pub may be nil.
func New(cfg Config, db *sqlite.DB, led *ledger.Service, pub domain.Publisher) *Negotiator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if pub == nil {
		pub = domain.NopPublisher{}
	}
	return &Negotiator{cfg: cfg, db: db, ledger: led, pub: pub}
}

// SetDeadlineTracker registers the scheduler that wakes up on trade deadlines.
func (n *Negotiator) SetDeadlineTracker(t domain.DeadlineTracker) {
	n.deadlines = t
}

func (n *Negotiator) now() time.Time { return n.cfg.Now().UTC() }

// Get returns a trade.
func (n *Negotiator) Get(ctx context.Context, id string) (domain.Trade, error) {
	return n.db.Trade(ctx, id)
}

// Pending lists open trades the user is part of.
func (n *Negotiator) Pending(ctx context.Context, scope, user string) ([]domain.Trade, error) {
	return n.db.PendingTrades(ctx, scope, user)
}

// Propose opens a new trade. The proposer must hold an account.
func (n *Negotiator) Propose(ctx context.Context, scope, proposer, counterparty string, offer, ask int64) (tr domain.Trade, err error) {
	defer func(start time.Time) { observability.ObserveOp("trade.propose", start, err) }(time.Now())

	switch {
	case proposer == "" || counterparty == "":
		return tr, fmt.Errorf("missing party: %w", domain.ErrInvalidTrade)
	case proposer == counterparty:
		return tr, fmt.Errorf("cannot trade with yourself: %w", domain.ErrInvalidTrade)
	case offer < 0 || ask < 0:
		return tr, fmt.Errorf("negative amount: %w", domain.ErrInvalidTrade)
	case offer == 0 && ask == 0:
		return tr, fmt.Errorf("empty trade: %w", domain.ErrInvalidTrade)
	case offer > domain.MaxAmount || ask > domain.MaxAmount:
		return tr, fmt.Errorf("amount above %d: %w", domain.MaxAmount, domain.ErrInvalidTrade)
	}

	now := n.now()
	tr = domain.Trade{
		ID:              uuid.NewString(),
		Scope:           scope,
		Proposer:        proposer,
		Counterparty:    counterparty,
		ProposerOffer:   offer,
		CounterpartyAsk: ask,
		Status:          domain.TradePending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(n.cfg.TTL),
	}
	err = n.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := tx.Account(scope, proposer); err != nil {
			return err
		}
		return tx.InsertTrade(tr)
	})
	if err != nil {
		return domain.Trade{}, err
	}

	log.Printf("[trade] %s proposed %s -> %s (offer=%d ask=%d)", tr.ID, proposer, counterparty, offer, ask)
	if n.deadlines != nil {
		n.deadlines.Track("trade", tr.ID, tr.ExpiresAt)
	}
	n.publish(domain.EventTradeProposed, tr)
	return tr, nil
}

// Accept executes a pending trade on behalf of the counterparty. If either
// leg cannot be paid the trade is cancelled (and that outcome committed)
// before the funding error is returned.
func (n *Negotiator) Accept(ctx context.Context, id, actor string) (tr domain.Trade, err error) {
	defer func(start time.Time) { observability.ObserveOp("trade.accept", start, err) }(time.Now())

	var outcome error
	err = n.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		outcome = nil
		var err error
		if tr, err = tx.Trade(id); err != nil {
			return err
		}
		if actor != tr.Counterparty {
			return fmt.Errorf("only %s can accept trade %s: %w", tr.Counterparty, id, domain.ErrNotAuthorized)
		}
		if tr.Status != domain.TradePending {
			return fmt.Errorf("trade %s is %s: %w", id, tr.Status, domain.ErrInvalidState)
		}
		now := n.now()
		if tr.Expired(now) {
			outcome = fmt.Errorf("trade %s expired: %w", id, domain.ErrInvalidState)
			return n.resolve(tx, &tr, domain.TradeExpired, now)
		}

		legs := tx.Savepoint(func() error { return n.payLegs(tx, tr) })
		if legs != nil {
			if !errors.Is(legs, domain.ErrInsufficientFunds) && !errors.Is(legs, domain.ErrUnknownAccount) {
				return legs
			}
			outcome = legs
			return n.resolve(tx, &tr, domain.TradeCancelled, now)
		}
		return n.resolve(tx, &tr, domain.TradeAccepted, now)
	})
	if err != nil {
		return tr, err
	}

	n.closed(tr)
	if outcome != nil {
		return tr, outcome
	}
	return tr, nil
}

// payLegs moves the offer to the counterparty and the ask to the proposer.
func (n *Negotiator) payLegs(tx *sqlite.Tx, tr domain.Trade) error {
	desc := fmt.Sprintf("trade %s", tr.ID)
	if tr.ProposerOffer > 0 {
		_, err := n.ledger.TransferTx(tx, domain.TransferRequest{
			Scope: tr.Scope, From: tr.Proposer, To: tr.Counterparty,
			Amount: tr.ProposerOffer, Kind: domain.TxTrade, Description: desc, Ref: tr.ID,
		})
		if err != nil {
			return fmt.Errorf("proposer leg: %w", err)
		}
	}
	if tr.CounterpartyAsk > 0 {
		_, err := n.ledger.TransferTx(tx, domain.TransferRequest{
			Scope: tr.Scope, From: tr.Counterparty, To: tr.Proposer,
			Amount: tr.CounterpartyAsk, Kind: domain.TxTrade, Description: desc, Ref: tr.ID,
		})
		if err != nil {
			return fmt.Errorf("counterparty leg: %w", err)
		}
	}
	return nil
}

// Decline rejects a pending trade. Only the counterparty may decline.
func (n *Negotiator) Decline(ctx context.Context, id, actor string) (domain.Trade, error) {
	return n.close(ctx, "trade.decline", id, actor, domain.TradeDeclined, func(tr domain.Trade) string { return tr.Counterparty })
}

// Cancel withdraws a pending trade. Only the proposer may cancel.
func (n *Negotiator) Cancel(ctx context.Context, id, actor string) (domain.Trade, error) {
	return n.close(ctx, "trade.cancel", id, actor, domain.TradeCancelled, func(tr domain.Trade) string { return tr.Proposer })
}

func (n *Negotiator) close(ctx context.Context, op, id, actor string, to domain.TradeStatus, owner func(domain.Trade) string) (tr domain.Trade, err error) {
	defer func(start time.Time) { observability.ObserveOp(op, start, err) }(time.Now())

	var outcome error
	err = n.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		outcome = nil
		var err error
		if tr, err = tx.Trade(id); err != nil {
			return err
		}
		if actor != owner(tr) {
			return fmt.Errorf("%s not allowed on trade %s by %s: %w", op, id, actor, domain.ErrNotAuthorized)
		}
		if tr.Status != domain.TradePending {
			return fmt.Errorf("trade %s is %s: %w", id, tr.Status, domain.ErrInvalidState)
		}
		now := n.now()
		target := to
		if tr.Expired(now) {
			outcome = fmt.Errorf("trade %s expired: %w", id, domain.ErrInvalidState)
			target = domain.TradeExpired
		}
		return n.resolve(tx, &tr, target, now)
	})
	if err != nil {
		return tr, err
	}
	n.closed(tr)
	return tr, outcome
}

// ExpireDue expires every pending trade past its deadline.
func (n *Negotiator) ExpireDue(ctx context.Context) ([]domain.Trade, error) {
	var expired []domain.Trade
	err := n.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		expired, err = tx.ExpireTrades(n.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, tr := range expired {
		n.closed(tr)
	}
	return expired, nil
}

func (n *Negotiator) resolve(tx *sqlite.Tx, tr *domain.Trade, to domain.TradeStatus, now time.Time) error {
	if err := tx.ResolveTrade(tr.ID, to, now); err != nil {
		return err
	}
	tr.Status = to
	tr.ResolvedAt = now
	return nil
}

// closed runs the post-commit side effects of a terminal transition.
func (n *Negotiator) closed(tr domain.Trade) {
	observability.TradesResolved.WithLabelValues(string(tr.Status)).Inc()
	log.Printf("[trade] %s %s", tr.ID, tr.Status)
	if tr.Status == domain.TradeAccepted {
		observability.CoinsMoved.WithLabelValues(string(domain.TxTrade)).Add(float64(tr.ProposerOffer + tr.CounterpartyAsk))
		n.publish(domain.EventTradeCompleted, tr)
		return
	}
	n.publish(domain.EventTradeClosed, tr)
}

func (n *Negotiator) publish(typ domain.EventType, tr domain.Trade) {
	ts := tr.ResolvedAt
	if ts.IsZero() {
		ts = tr.CreatedAt
	}
	n.pub.Publish(domain.Event{
		Type:      typ,
		Scope:     tr.Scope,
		Users:     []string{tr.Proposer, tr.Counterparty},
		Amount:    tr.ProposerOffer + tr.CounterpartyAsk,
		Ref:       tr.ID,
		Status:    string(tr.Status),
		Timestamp: ts,
	})
}
