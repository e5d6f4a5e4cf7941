// Package achievement grants one-time rewards when an account's stats cross
// catalog thresholds.
//
// Grants are keyed by (scope, user, achievement) in the store, so evaluating
// the same account any number of times pays each reward at most once.
package achievement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/observability"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// Trigger evaluates achievement rules.
type Trigger struct {
	defs   []domain.Achievement
	byID   map[string]domain.Achievement
	db     *sqlite.DB
	ledger *ledger.Service
	pub    domain.Publisher
}

// New creates a trigger over defs. pub may be nil.
func New(defs []domain.Achievement, db *sqlite.DB, led *ledger.Service, pub domain.Publisher) *Trigger {
	if pub == nil {
		pub = domain.NopPublisher{}
	}
	byID := make(map[string]domain.Achievement, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	return &Trigger{defs: defs, byID: byID, db: db, ledger: led, pub: pub}
}

// Definitions returns the loaded catalog.
func (t *Trigger) Definitions() []domain.Achievement {
	out := make([]domain.Achievement, len(t.defs))
	copy(out, t.defs)
	return out
}

// Grants lists what the user has earned.
func (t *Trigger) Grants(ctx context.Context, scope, user string) ([]domain.Grant, error) {
	return t.db.Grants(ctx, scope, user)
}

// Handle is the event bus subscriber. It evaluates every account the event
// names. Achievement events are skipped since Evaluate already reached a
// fixpoint for that account.
func (t *Trigger) Handle(ev domain.Event) error {
	switch ev.Type {
	case domain.EventAchievement, domain.EventPromoStarted, domain.EventPromoEnded:
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	for _, u := range ev.Users {
		if _, err := t.Evaluate(ctx, ev.Scope, u); err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s/%s: %w", ev.Scope, u, err))
		}
	}
	return errors.Join(errs...)
}

// Evaluate grants every achievement the account now qualifies for and
// returns the new grants. A reward can push a money stat over another
// threshold, so evaluation repeats until nothing new is granted. An account
// that does not exist has nothing to earn.
func (t *Trigger) Evaluate(ctx context.Context, scope, user string) (granted []domain.Grant, err error) {
	defer func(start time.Time) { observability.ObserveOp("achievement.evaluate", start, err) }(time.Now())

	for round := 0; round <= len(t.defs); round++ {
		due, err := t.due(ctx, scope, user)
		if errors.Is(err, domain.ErrUnknownAccount) {
			return granted, nil
		}
		if err != nil {
			return granted, err
		}
		if len(due) == 0 {
			return granted, nil
		}
		for _, def := range due {
			g, ok, err := t.grant(ctx, scope, user, def)
			if err != nil {
				return granted, err
			}
			if ok {
				granted = append(granted, g)
			}
		}
	}
	return granted, nil
}

// due returns satisfied achievements the user does not hold yet.
func (t *Trigger) due(ctx context.Context, scope, user string) ([]domain.Achievement, error) {
	var due []domain.Achievement
	err := t.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		due = due[:0]
		stats, err := tx.Stats(scope, user)
		if err != nil {
			return err
		}
		held, err := tx.GrantedIDs(scope, user)
		if err != nil {
			return err
		}
		for _, d := range t.defs {
			if !held[d.ID] && stats.Satisfied(d.Requirement) {
				due = append(due, d)
			}
		}
		return nil
	})
	return due, err
}

// grant records one achievement and pays its reward in a single
// transaction. It reports false when another evaluation got there first.
func (t *Trigger) grant(ctx context.Context, scope, user string, def domain.Achievement) (domain.Grant, bool, error) {
	var g domain.Grant
	var inserted bool
	var paid int64
	err := t.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		now := t.ledger.Now()
		var err error
		if inserted, err = tx.InsertGrant(scope, user, def.ID, now); err != nil || !inserted {
			return err
		}
		boost, err := t.ledger.BoostTx(tx, scope, domain.RewardAchievement, now)
		if err != nil {
			return err
		}
		paid = boost.Apply(def.Reward)
		desc := "achievement: " + def.Name
		if boost.Active() {
			desc += " (boosted " + domain.FormatMultiplier(boost.MultiplierPct) + ")"
		}
		_, err = t.ledger.CreditTx(tx, domain.Transaction{
			Scope: scope, To: user, Amount: paid, Kind: domain.TxEarn,
			Description: desc, Ref: def.ID,
		})
		if err != nil {
			return err
		}
		claimed, err := tx.ClaimGrant(scope, user, def.ID, now)
		if err != nil {
			return err
		}
		g = domain.Grant{Scope: scope, User: user, AchievementID: def.ID, GrantedAt: now, Claimed: claimed, ClaimedAt: now}
		return nil
	})
	if err != nil || !inserted {
		return g, false, err
	}

	observability.AchievementsGranted.WithLabelValues(def.ID).Inc()
	observability.CoinsMoved.WithLabelValues(string(domain.TxEarn)).Add(float64(paid))
	if paid > def.Reward {
		observability.RewardsBoosted.WithLabelValues(string(domain.RewardAchievement)).Add(float64(paid - def.Reward))
	}
	log.Printf("[achievement] %s/%s earned %s (+%d)", scope, user, def.ID, paid)
	t.pub.Publish(domain.Event{
		Type: domain.EventAchievement, Scope: scope, Users: []string{user},
		Amount: paid, Ref: def.ID, Status: string(def.Tier), Timestamp: g.GrantedAt,
	})
	return g, true, nil
}

// Lookup returns a catalog entry by id.
func (t *Trigger) Lookup(id string) (domain.Achievement, bool) {
	d, ok := t.byID[id]
	return d, ok
}
