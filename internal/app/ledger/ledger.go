// Package ledger is the coin ledger service: lazy account opening, credit,
// debit, transfer, balance reads and the daily reward.
//
// Every mutation is one store transaction. Trade and auction settlement
// reuse the same leg logic through the *Tx variants so that a whole
// settlement commits or rolls back as a unit.
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/observability"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// Config controls ledger behavior.
type Config struct {
	StartingBalance   int64            // Balance of a freshly opened account (default: 2500)
	ScopePerCommunity bool             // Separate balances per community (default: false, one global scope)
	DailyBase         int64            // Daily reward before streak bonus (default: 1000)
	DailyStreakBonus  int64            // Extra coins per consecutive day (default: 100)
	DailyStreakCap    int              // Streak days that earn a bonus (default: 30)
	Now               func() time.Time // Clock (default: time.Now)
}

// DefaultConfig returns safe ledger defaults.
func DefaultConfig() Config {
	return Config{
		StartingBalance:  2500,
		DailyBase:        1000,
		DailyStreakBonus: 100,
		DailyStreakCap:   30,
		Now:              time.Now,
	}
}

// Booster reports how live promotions scale a reward. It reads through tx
// so the boost is consistent with the payment it scales.
type Booster interface {
	Boost(tx *sqlite.Tx, scope string, target domain.RewardTarget, now time.Time) (domain.Boost, error)
}

// Service is the ledger.
type Service struct {
	cfg     Config
	db      *sqlite.DB
	pub     domain.Publisher
	booster Booster
}

// New creates a ledger service. pub may be nil.
func New(cfg Config, db *sqlite.DB, pub domain.Publisher) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if pub == nil {
		pub = domain.NopPublisher{}
	}
	return &Service{cfg: cfg, db: db, pub: pub}
}

// SetBooster registers the promotions that scale rewards.
func (s *Service) SetBooster(b Booster) {
	s.booster = b
}

// BoostTx returns the boost for target in scope, or no boost when no
// booster is registered.
func (s *Service) BoostTx(tx *sqlite.Tx, scope string, target domain.RewardTarget, now time.Time) (domain.Boost, error) {
	if s.booster == nil {
		return domain.NoBoost(), nil
	}
	return s.booster.Boost(tx, scope, target, now)
}

// Now returns the service clock's current time in UTC.
func (s *Service) Now() time.Time { return s.cfg.Now().UTC() }

// Scope maps a community id to the account scope.
func (s *Service) Scope(community string) string {
	if s.cfg.ScopePerCommunity && community != "" {
		return community
	}
	return domain.GlobalScope
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Account returns a store-fresh account.
func (s *Service) Account(ctx context.Context, scope, user string) (domain.Account, error) {
	return s.db.Account(ctx, scope, user)
}

// Balance returns a store-fresh balance.
func (s *Service) Balance(ctx context.Context, scope, user string) (int64, error) {
	a, err := s.db.Account(ctx, scope, user)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// History returns the user's most recent transactions.
func (s *Service) History(ctx context.Context, scope, user string, limit int) ([]domain.Transaction, error) {
	if _, err := s.db.Account(ctx, scope, user); err != nil {
		return nil, err
	}
	return s.db.History(ctx, scope, user, limit)
}

// Leaderboard returns the richest accounts in scope.
func (s *Service) Leaderboard(ctx context.Context, scope string, limit int) ([]domain.LeaderboardEntry, error) {
	return s.db.Leaderboard(ctx, scope, limit)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Open creates the account with the starting balance if it does not exist.
func (s *Service) Open(ctx context.Context, scope, user string) (acct domain.Account, err error) {
	defer observeOp("ledger.open", time.Now(), &err)
	if user == "" {
		return acct, fmt.Errorf("empty user id: %w", domain.ErrUnknownAccount)
	}
	var created bool
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		acct, created, err = s.OpenTx(tx, scope, user)
		return err
	})
	if err == nil && created {
		log.Printf("[ledger] opened account %s/%s with %d", scope, user, s.cfg.StartingBalance)
	}
	return acct, err
}

// OpenTx opens an account inside an existing transaction.
func (s *Service) OpenTx(tx *sqlite.Tx, scope, user string) (domain.Account, bool, error) {
	acct, created, err := tx.OpenAccount(scope, user, s.cfg.StartingBalance, s.Now())
	if err == nil && created {
		observability.AccountsOpened.Inc()
	}
	return acct, created, err
}

// Credit adds coins, opening the account if needed.
func (s *Service) Credit(ctx context.Context, p domain.Posting) (rc domain.Receipt, err error) {
	defer observeOp("ledger.credit", time.Now(), &err)
	if p.Kind == "" {
		p.Kind = domain.TxEarn
	}
	if err := validate(p.User, p.Amount, p.Kind); err != nil {
		return rc, err
	}
	want := domain.Transaction{
		Scope: p.Scope, To: p.User, Amount: p.Amount, Kind: p.Kind,
		Description: p.Description, IdempotencyKey: p.IdempotencyKey,
	}
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var replayed bool
		if rc, replayed, err = replay(tx, want); err != nil || replayed {
			return err
		}
		rc, err = s.CreditTx(tx, want)
		return err
	})
	if err != nil {
		return rc, err
	}
	s.after(rc, domain.EventCredited, p.User)
	return rc, nil
}

// CreditTx credits inside an existing transaction and appends the log row.
func (s *Service) CreditTx(tx *sqlite.Tx, t domain.Transaction) (domain.Receipt, error) {
	now := s.Now()
	if _, _, err := s.OpenTx(tx, t.Scope, t.To); err != nil {
		return domain.Receipt{}, err
	}
	bal, err := tx.Credit(t.Scope, t.To, t.Amount, now)
	if err != nil {
		return domain.Receipt{}, err
	}
	t.CreatedAt = now
	row, err := tx.AppendTransaction(t)
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{Transaction: row, Balances: map[string]int64{t.To: bal}}, nil
}

// Debit removes coins. The account must exist and cover the amount.
func (s *Service) Debit(ctx context.Context, p domain.Posting) (rc domain.Receipt, err error) {
	defer observeOp("ledger.debit", time.Now(), &err)
	if p.Kind == "" {
		p.Kind = domain.TxSpend
	}
	if err := validate(p.User, p.Amount, p.Kind); err != nil {
		return rc, err
	}
	want := domain.Transaction{
		Scope: p.Scope, From: p.User, Amount: p.Amount, Kind: p.Kind,
		Description: p.Description, IdempotencyKey: p.IdempotencyKey,
	}
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var replayed bool
		if rc, replayed, err = replay(tx, want); err != nil || replayed {
			return err
		}
		now := s.Now()
		bal, err := tx.Debit(p.Scope, p.User, p.Amount, now)
		if err != nil {
			return err
		}
		want.CreatedAt = now
		row, err := tx.AppendTransaction(want)
		if err != nil {
			return err
		}
		rc = domain.Receipt{Transaction: row, Balances: map[string]int64{p.User: bal}}
		return nil
	})
	if err != nil {
		return rc, err
	}
	s.after(rc, domain.EventDebited, p.User)
	return rc, nil
}

// Transfer moves coins between two accounts as one unit. The sender must
// exist; the recipient is opened if needed.
func (s *Service) Transfer(ctx context.Context, r domain.TransferRequest) (rc domain.Receipt, err error) {
	defer observeOp("ledger.transfer", time.Now(), &err)
	if r.Kind == "" {
		r.Kind = domain.TxTransfer
	}
	if err := validateTransfer(r); err != nil {
		return rc, err
	}
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var replayed bool
		if rc, replayed, err = replay(tx, transferRow(r)); err != nil || replayed {
			return err
		}
		rc, err = s.TransferTx(tx, r)
		return err
	})
	if err != nil {
		return rc, err
	}
	s.after(rc, domain.EventTransferred, r.From, r.To)
	return rc, nil
}

// TransferTx runs both transfer legs and the log append inside an existing
// transaction. Callers that need the legs to fail independently of their
// own writes wrap it in tx.Savepoint.
func (s *Service) TransferTx(tx *sqlite.Tx, r domain.TransferRequest) (domain.Receipt, error) {
	if r.Kind == "" {
		r.Kind = domain.TxTransfer
	}
	if err := validateTransfer(r); err != nil {
		return domain.Receipt{}, err
	}
	now := s.Now()
	fromBal, err := tx.Debit(r.Scope, r.From, r.Amount, now)
	if err != nil {
		return domain.Receipt{}, err
	}
	if _, _, err := s.OpenTx(tx, r.Scope, r.To); err != nil {
		return domain.Receipt{}, err
	}
	toBal, err := tx.Credit(r.Scope, r.To, r.Amount, now)
	if err != nil {
		return domain.Receipt{}, err
	}
	row := transferRow(r)
	row.CreatedAt = now
	if row, err = tx.AppendTransaction(row); err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{
		Transaction: row,
		Balances:    map[string]int64{r.From: fromBal, r.To: toBal},
	}, nil
}

// ClaimDaily pays the once-per-UTC-day reward. Claiming on consecutive days
// grows the streak; a gap resets it to 1.
func (s *Service) ClaimDaily(ctx context.Context, scope, user string) (dr domain.DailyReward, err error) {
	defer observeOp("ledger.daily", time.Now(), &err)
	if user == "" {
		return dr, fmt.Errorf("empty user id: %w", domain.ErrUnknownAccount)
	}
	var row domain.Transaction
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		acct, _, err := s.OpenTx(tx, scope, user)
		if err != nil {
			return err
		}
		now := s.Now()
		today := dayStart(now)
		streak := NextStreak(acct.LastDaily, acct.DailyStreak, today)
		base := s.DailyReward(streak)
		boost, err := s.BoostTx(tx, scope, domain.RewardDaily, now)
		if err != nil {
			return err
		}
		reward := boost.Apply(base)

		bal, err := tx.RecordDaily(scope, user, reward, streak, today, now)
		if err != nil {
			return err
		}
		desc := fmt.Sprintf("daily reward (streak %d)", streak)
		if boost.Active() {
			desc += fmt.Sprintf(", boosted %s", domain.FormatMultiplier(boost.MultiplierPct))
			if boost.Bonus > 0 {
				desc += fmt.Sprintf(" +%d", boost.Bonus)
			}
		}
		row, err = tx.AppendTransaction(domain.Transaction{
			Scope: scope, To: user, Amount: reward, Kind: domain.TxEarn,
			Description: desc, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		dr = domain.DailyReward{Amount: reward, Base: base, Streak: streak, Balance: bal}
		if boost.Active() {
			dr.Boost = &boost
		}
		return nil
	})
	if err != nil {
		return dr, err
	}
	if dr.Boost != nil {
		observability.RewardsBoosted.WithLabelValues(string(domain.RewardDaily)).Add(float64(dr.Amount - dr.Base))
	}
	s.after(domain.Receipt{Transaction: row}, domain.EventDailyClaimed, user)
	return dr, nil
}

// DailyReward returns the reward for a claim at the given streak.
func (s *Service) DailyReward(streak int) int64 {
	bonusDays := streak - 1
	if bonusDays > s.cfg.DailyStreakCap {
		bonusDays = s.cfg.DailyStreakCap
	}
	if bonusDays < 0 {
		bonusDays = 0
	}
	return s.cfg.DailyBase + s.cfg.DailyStreakBonus*int64(bonusDays)
}

// NextStreak computes the streak for a claim made on the day starting at
// today, given the previous claim time and streak.
func NextStreak(last time.Time, streak int, today time.Time) int {
	if last.IsZero() {
		return 1
	}
	if !last.Before(today.Add(-24*time.Hour)) && last.Before(today) {
		return streak + 1
	}
	return 1
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// after publishes the committed event and records volume.
func (s *Service) after(rc domain.Receipt, typ domain.EventType, users ...string) {
	if rc.Replayed {
		return
	}
	observability.CoinsMoved.WithLabelValues(string(rc.Transaction.Kind)).Add(float64(rc.Transaction.Amount))
	s.pub.Publish(domain.Event{
		Type:      typ,
		Scope:     rc.Transaction.Scope,
		Users:     users,
		Amount:    rc.Transaction.Amount,
		Ref:       rc.Transaction.Ref,
		Timestamp: rc.Transaction.CreatedAt,
	})
}

// replay returns the original receipt when want carries an idempotency key
// that was already used with the same payload.
func replay(tx *sqlite.Tx, want domain.Transaction) (domain.Receipt, bool, error) {
	if want.IdempotencyKey == "" {
		return domain.Receipt{}, false, nil
	}
	prior, ok, err := tx.TransactionByKey(want.Scope, want.IdempotencyKey)
	if err != nil || !ok {
		return domain.Receipt{}, false, err
	}
	if !samePayload(prior, want) {
		return domain.Receipt{}, false, fmt.Errorf("key %q: %w", want.IdempotencyKey, domain.ErrIdempotencyConflict)
	}
	rc := domain.Receipt{Transaction: prior, Balances: map[string]int64{}, Replayed: true}
	for _, u := range []string{prior.From, prior.To} {
		if u == "" {
			continue
		}
		a, err := tx.Account(prior.Scope, u)
		if err != nil {
			return rc, false, err
		}
		rc.Balances[u] = a.Balance
	}
	observability.IdempotentReplays.Inc()
	return rc, true, nil
}

func samePayload(a, b domain.Transaction) bool {
	return a.Scope == b.Scope && a.From == b.From && a.To == b.To &&
		a.Amount == b.Amount && a.Kind == b.Kind && a.Description == b.Description
}

func transferRow(r domain.TransferRequest) domain.Transaction {
	return domain.Transaction{
		Scope: r.Scope, From: r.From, To: r.To, Amount: r.Amount, Kind: r.Kind,
		Description: r.Description, IdempotencyKey: r.IdempotencyKey, Ref: r.Ref,
	}
}

func validate(user string, amount int64, kind domain.TxKind) error {
	if user == "" {
		return fmt.Errorf("empty user id: %w", domain.ErrUnknownAccount)
	}
	if amount <= 0 || amount > domain.MaxAmount {
		return fmt.Errorf("amount %d outside [1, %d]: %w", amount, domain.MaxAmount, domain.ErrInvalidAmount)
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown kind %q: %w", kind, domain.ErrInvalidAmount)
	}
	return nil
}

func validateTransfer(r domain.TransferRequest) error {
	if err := validate(r.From, r.Amount, r.Kind); err != nil {
		return err
	}
	if r.To == "" {
		return fmt.Errorf("empty recipient: %w", domain.ErrUnknownAccount)
	}
	if r.From == r.To {
		return fmt.Errorf("transfer to self: %w", domain.ErrInvalidAmount)
	}
	return nil
}

func observeOp(op string, start time.Time, err *error) {
	observability.ObserveOp(op, start, *err)
}
