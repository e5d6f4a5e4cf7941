// Package promo runs time-bounded reward promotions: happy hours, special
// dailies and gold rain.
//
// Lifecycle:
//
//	active ──deadline──▶ ended
//	   └─────end──────▶ cancelled
//
// A promotion never moves coins itself. The ledger and the achievement
// trigger ask Boost for the combined effect while paying a reward, inside
// the same transaction.
package promo

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/observability"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// Config controls promotion limits.
type Config struct {
	MinDuration          time.Duration    // Shortest promotion (default: 1h)
	MaxDuration          time.Duration    // Longest promotion (default: 168h)
	DefaultDuration      time.Duration    // Used when a request names none (default: 1h)
	DefaultMultiplierPct int64            // Used when a request names none (default: 200)
	MaxMultiplierPct     int64            // Upper bound on multipliers (default: 1000)
	GoldRainBonus        int64            // Default flat bonus for gold rain (default: 500)
	Now                  func() time.Time // Clock (default: time.Now)
}

// DefaultConfig returns promotion defaults.
func DefaultConfig() Config {
	return Config{
		MinDuration:          time.Hour,
		MaxDuration:          168 * time.Hour,
		DefaultDuration:      time.Hour,
		DefaultMultiplierPct: 200,
		MaxMultiplierPct:     1000,
		GoldRainBonus:        500,
		Now:                  time.Now,
	}
}

// CreateRequest starts a promotion. Zero Duration, MultiplierPct and
// BonusCoins take the configured defaults for the kind.
type CreateRequest struct {
	Scope         string               `json:"scope"`
	Kind          domain.PromotionKind `json:"kind"`
	StartedBy     string               `json:"started_by"`
	Duration      time.Duration        `json:"duration"`
	MultiplierPct int64                `json:"multiplier_pct"`
	BonusCoins    int64                `json:"bonus_coins"`
	Description   string               `json:"description"`
}

// Service manages promotions.
type Service struct {
	cfg       Config
	db        *sqlite.DB
	pub       domain.Publisher
	deadlines domain.DeadlineTracker
}

// New creates a promotion service. pub may be nil.
func New(cfg Config, db *sqlite.DB, pub domain.Publisher) *Service {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	if cfg.MaxMultiplierPct <= 100 {
		cfg.MaxMultiplierPct = def.MaxMultiplierPct
	}
	if cfg.DefaultMultiplierPct <= 100 {
		cfg.DefaultMultiplierPct = min(def.DefaultMultiplierPct, cfg.MaxMultiplierPct)
	}
	if cfg.GoldRainBonus <= 0 {
		cfg.GoldRainBonus = def.GoldRainBonus
	}
	if pub == nil {
		pub = domain.NopPublisher{}
	}
	return &Service{cfg: cfg, db: db, pub: pub}
}

// SetDeadlineTracker registers the scheduler that wakes up when a
// promotion ends.
func (s *Service) SetDeadlineTracker(t domain.DeadlineTracker) {
	s.deadlines = t
}

func (s *Service) now() time.Time { return s.cfg.Now().UTC() }

// Get returns a promotion.
func (s *Service) Get(ctx context.Context, id string) (domain.Promotion, error) {
	return s.db.Promotion(ctx, id)
}

// Active lists promotions in effect in scope, soonest ending first.
func (s *Service) Active(ctx context.Context, scope string) ([]domain.Promotion, error) {
	return s.db.LivePromotions(ctx, scope, s.now())
}

// Create starts a promotion in req.Scope.
func (s *Service) Create(ctx context.Context, req CreateRequest) (p domain.Promotion, err error) {
	defer func(start time.Time) { observability.ObserveOp("promo.create", start, err) }(time.Now())

	if req.Duration == 0 {
		req.Duration = s.cfg.DefaultDuration
	}
	if req.Kind.Multiplies() && req.MultiplierPct == 0 {
		req.MultiplierPct = s.cfg.DefaultMultiplierPct
	}
	if req.Kind == domain.PromoGoldRain {
		if req.MultiplierPct == 0 {
			req.MultiplierPct = 100
		}
		if req.BonusCoins == 0 {
			req.BonusCoins = s.cfg.GoldRainBonus
		}
	}
	if err := s.validate(req); err != nil {
		return p, err
	}

	now := s.now()
	p = domain.Promotion{
		ID:            uuid.NewString(),
		Scope:         req.Scope,
		Kind:          req.Kind,
		Name:          req.Kind.Title(),
		Description:   req.Description,
		MultiplierPct: req.MultiplierPct,
		BonusCoins:    req.BonusCoins,
		StartedBy:     req.StartedBy,
		Status:        domain.PromotionActive,
		CreatedAt:     now,
		EndsAt:        now.Add(req.Duration),
	}
	if p.Description == "" {
		p.Description = describe(p)
	}
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.InsertPromotion(p)
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	observability.PromotionsStarted.WithLabelValues(string(p.Kind)).Inc()
	log.Printf("[promo] %s started %s in %s until %s (%s)", p.StartedBy, p.Kind, p.Scope, p.EndsAt.Format(time.RFC3339), p.Description)
	if s.deadlines != nil {
		s.deadlines.Track("promotion", p.ID, p.EndsAt)
	}
	s.publish(domain.EventPromoStarted, p)
	return p, nil
}

func (s *Service) validate(req CreateRequest) error {
	switch {
	case !req.Kind.Valid():
		return fmt.Errorf("unknown promotion kind %q: %w", req.Kind, domain.ErrInvalidPromo)
	case req.StartedBy == "":
		return fmt.Errorf("missing starter: %w", domain.ErrInvalidPromo)
	case req.Duration < s.cfg.MinDuration || req.Duration > s.cfg.MaxDuration:
		return fmt.Errorf("duration %s outside [%s, %s]: %w", req.Duration, s.cfg.MinDuration, s.cfg.MaxDuration, domain.ErrInvalidPromo)
	}
	if req.Kind.Multiplies() {
		if req.MultiplierPct <= 100 || req.MultiplierPct > s.cfg.MaxMultiplierPct {
			return fmt.Errorf("multiplier %d%% outside (100, %d]: %w", req.MultiplierPct, s.cfg.MaxMultiplierPct, domain.ErrInvalidPromo)
		}
		if req.BonusCoins != 0 {
			return fmt.Errorf("%s takes no flat bonus: %w", req.Kind, domain.ErrInvalidPromo)
		}
		return nil
	}
	if req.MultiplierPct != 100 {
		return fmt.Errorf("%s takes no multiplier: %w", req.Kind, domain.ErrInvalidPromo)
	}
	if req.BonusCoins <= 0 || req.BonusCoins > domain.MaxAmount {
		return fmt.Errorf("bonus %d outside [1, %d]: %w", req.BonusCoins, domain.MaxAmount, domain.ErrInvalidPromo)
	}
	return nil
}

func describe(p domain.Promotion) string {
	switch p.Kind {
	case domain.PromoHappyHour:
		return domain.FormatMultiplier(p.MultiplierPct) + " daily and achievement rewards"
	case domain.PromoSpecialDaily:
		return domain.FormatMultiplier(p.MultiplierPct) + " daily rewards"
	case domain.PromoGoldRain:
		return fmt.Sprintf("+%d coins on every daily claim", p.BonusCoins)
	}
	return p.Name
}

// End stops an active promotion early. Only the member who started it may
// end it.
func (s *Service) End(ctx context.Context, id, actor string) (p domain.Promotion, err error) {
	defer func(start time.Time) { observability.ObserveOp("promo.end", start, err) }(time.Now())

	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		if p, err = tx.Promotion(id); err != nil {
			return err
		}
		if actor != p.StartedBy {
			return fmt.Errorf("promotion %s not started by %s: %w", id, actor, domain.ErrNotAuthorized)
		}
		now := s.now()
		to := domain.PromotionCancelled
		if !p.Live(now) {
			to = domain.PromotionEnded
		}
		if err := tx.ResolvePromotion(id, to, now); err != nil {
			return err
		}
		p.Status = to
		p.ResolvedAt = now
		return nil
	})
	if err != nil {
		return p, err
	}
	s.closed(p)
	return p, nil
}

// ExpireDue ends every active promotion past its deadline.
func (s *Service) ExpireDue(ctx context.Context) ([]domain.Promotion, error) {
	var ended []domain.Promotion
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		ended, err = tx.ExpirePromotions(s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range ended {
		s.closed(p)
	}
	return ended, nil
}

// Boost returns the combined effect of the promotions live in scope for
// target at now. It reads through tx so the boost matches the reward being
// paid in that transaction.
func (s *Service) Boost(tx *sqlite.Tx, scope string, target domain.RewardTarget, now time.Time) (domain.Boost, error) {
	live, err := tx.LivePromotions(scope, now)
	if err != nil {
		return domain.NoBoost(), err
	}
	return domain.CombineBoost(live, target, now), nil
}

// closed runs the post-commit side effects of a terminal transition.
func (s *Service) closed(p domain.Promotion) {
	observability.PromotionsClosed.WithLabelValues(string(p.Status)).Inc()
	log.Printf("[promo] %s %s in %s %s", p.ID, p.Kind, p.Scope, p.Status)
	s.publish(domain.EventPromoEnded, p)
}

func (s *Service) publish(typ domain.EventType, p domain.Promotion) {
	ts := p.ResolvedAt
	if ts.IsZero() {
		ts = p.CreatedAt
	}
	s.pub.Publish(domain.Event{
		Type:      typ,
		Scope:     p.Scope,
		Users:     []string{p.StartedBy},
		Ref:       p.ID,
		Status:    string(p.Status),
		Timestamp: ts,
	})
}
