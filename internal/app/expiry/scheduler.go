// Package expiry runs the sweep that closes overdue trades, auctions and
// promotions.
//
// The sweep runs on a fixed interval and additionally wakes at the earliest
// known deadline. Deadlines are hints: every transition is status-guarded in
// the store, so a sweep that finds nothing to do is harmless.
package expiry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/dsa"
	"github.com/epa-bot/epa/internal/infra/observability"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// TradeExpirer expires overdue trades.
type TradeExpirer interface {
	ExpireDue(ctx context.Context) ([]domain.Trade, error)
}

// AuctionSettler settles overdue auctions.
type AuctionSettler interface {
	SettleDue(ctx context.Context) ([]domain.SettlementOutcome, error)
}

// PromotionExpirer ends promotions past their deadline.
type PromotionExpirer interface {
	ExpireDue(ctx context.Context) ([]domain.Promotion, error)
}

// Config controls the scheduler.
type Config struct {
	Interval   time.Duration    // Fallback sweep period (default: 30s)
	MaxTracked int              // Deadline queue capacity (default: 10000)
	Now        func() time.Time // Clock (default: time.Now)
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		MaxTracked: 10000,
		Now:        time.Now,
	}
}

// Report summarises one sweep.
type Report struct {
	TradesExpired   int `json:"trades_expired"`
	AuctionsSold    int `json:"auctions_sold"`
	AuctionsExpired int `json:"auctions_expired"`
	PromotionsEnded int `json:"promotions_ended"`
}

// Empty reports whether the sweep changed nothing.
func (r Report) Empty() bool {
	return r.TradesExpired == 0 && r.AuctionsSold == 0 && r.AuctionsExpired == 0 && r.PromotionsEnded == 0
}

// Scheduler sweeps expired trades, auctions and promotions.
type Scheduler struct {
	cfg      Config
	trades   TradeExpirer
	auctions AuctionSettler
	promos   PromotionExpirer
	queue    *dsa.DeadlineQueue
	wake     chan struct{}
}

// New creates a scheduler.
func New(cfg Config, trades TradeExpirer, auctions AuctionSettler) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		trades:   trades,
		auctions: auctions,
		queue:    dsa.NewDeadlineQueue(cfg.MaxTracked),
		wake:     make(chan struct{}, 1),
	}
}

// SetPromotions adds promotion expiry to every sweep.
func (s *Scheduler) SetPromotions(p PromotionExpirer) {
	s.promos = p
}

// Track queues a deadline so Run wakes up when it passes.
func (s *Scheduler) Track(kind, id string, at time.Time) {
	if !s.queue.Push(dsa.Deadline{Kind: kind, ID: id, At: at}) {
		log.Printf("[expiry] deadline queue full, %s %s left to the periodic sweep", kind, id)
		return
	}
	observability.TrackedDeadlines.Set(float64(s.queue.Len()))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Seed loads every open deadline from the store, used after a restart.
func (s *Scheduler) Seed(ctx context.Context, db *sqlite.DB) error {
	open, err := db.OpenDeadlines(ctx)
	if err != nil {
		return err
	}
	for _, d := range open {
		s.Track(d.Kind, d.ID, d.At)
	}
	log.Printf("[expiry] seeded %d open deadlines", len(open))
	return nil
}

// Pending returns the number of queued deadlines.
func (s *Scheduler) Pending() int { return s.queue.Len() }

// Sweep expires every overdue trade, settles every overdue auction and ends
// every promotion past its deadline.
// Running it again immediately is a no-op.
func (s *Scheduler) Sweep(ctx context.Context) (rep Report, err error) {
	defer func(start time.Time) {
		observability.ObserveOp("expiry.sweep", start, err)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.SweepRuns.WithLabelValues(outcome).Inc()
	}(time.Now())

	var errs []error
	expired, err := s.trades.ExpireDue(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.TradesExpired = len(expired)

	outs, err := s.auctions.SettleDue(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, o := range outs {
		switch o.Status {
		case domain.AuctionSold:
			rep.AuctionsSold++
		case domain.AuctionExpired:
			rep.AuctionsExpired++
		}
	}

	if s.promos != nil {
		ended, err := s.promos.ExpireDue(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		rep.PromotionsEnded = len(ended)
	}

	if !rep.Empty() {
		log.Printf("[expiry] sweep: %d trades expired, %d auctions sold, %d auctions expired, %d promotions ended",
			rep.TradesExpired, rep.AuctionsSold, rep.AuctionsExpired, rep.PromotionsEnded)
	}
	return rep, errors.Join(errs...)
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[expiry] scheduler started (interval=%s)", s.cfg.Interval)
	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[expiry] scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
			s.queue.PopDue(s.cfg.Now())
			observability.TrackedDeadlines.Set(float64(s.queue.Len()))
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[expiry] sweep failed: %v", err)
			}
		}
		timer.Reset(s.nextWait())
	}
}

// nextWait is the time until the earliest queued deadline, capped at the
// sweep interval.
func (s *Scheduler) nextWait() time.Duration {
	wait := s.cfg.Interval
	if next, ok := s.queue.Next(); ok {
		if until := next.At.Sub(s.cfg.Now()); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
