package domain

import (
	"strconv"
	"time"
)

// ─── Promotions ─────────────────────────────────────────────────────────────
// Time-bounded economy events a community runs: doubled dailies, boosted
// achievement payouts, flat bonuses. A promotion only changes how much a
// reward pays; it never moves coins on its own.

// PromotionKind selects which rewards a promotion boosts.
type PromotionKind string

const (
	PromoHappyHour    PromotionKind = "happy_hour"    // daily and achievement rewards multiplied
	PromoSpecialDaily PromotionKind = "special_daily" // daily rewards multiplied
	PromoGoldRain     PromotionKind = "gold_rain"     // flat bonus on every daily claim
)

// Valid reports whether k is a known kind.
func (k PromotionKind) Valid() bool {
	switch k {
	case PromoHappyHour, PromoSpecialDaily, PromoGoldRain:
		return true
	}
	return false
}

// Title is the display name.
func (k PromotionKind) Title() string {
	switch k {
	case PromoHappyHour:
		return "Happy Hour"
	case PromoSpecialDaily:
		return "Special Dailies"
	case PromoGoldRain:
		return "Gold Rain"
	}
	return string(k)
}

// Multiplies reports whether the kind scales rewards (as opposed to adding
// a flat bonus).
func (k PromotionKind) Multiplies() bool { return k != PromoGoldRain }

// RewardTarget names a reward a promotion can apply to.
type RewardTarget string

const (
	RewardDaily       RewardTarget = "daily"
	RewardAchievement RewardTarget = "achievement"
)

// Boosts reports whether promotions of kind k apply to target.
func (k PromotionKind) Boosts(target RewardTarget) bool {
	switch k {
	case PromoHappyHour:
		return target == RewardDaily || target == RewardAchievement
	case PromoSpecialDaily, PromoGoldRain:
		return target == RewardDaily
	}
	return false
}

// PromotionStatus is the lifecycle state of a promotion.
type PromotionStatus string

const (
	PromotionActive    PromotionStatus = "active"
	PromotionEnded     PromotionStatus = "ended"     // deadline passed
	PromotionCancelled PromotionStatus = "cancelled" // stopped early
)

// Promotion is a time-bounded reward boost within one scope.
// MultiplierPct is a percentage: 200 doubles a reward, 100 leaves it as is.
type Promotion struct {
	ID            string          `json:"id"`
	Scope         string          `json:"scope"`
	Kind          PromotionKind   `json:"kind"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	MultiplierPct int64           `json:"multiplier_pct"`
	BonusCoins    int64           `json:"bonus_coins,omitempty"`
	StartedBy     string          `json:"started_by"`
	Status        PromotionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	EndsAt        time.Time       `json:"ends_at"`
	ResolvedAt    time.Time       `json:"resolved_at,omitempty"`
}

// Live reports whether the promotion is in effect at now.
func (p Promotion) Live(now time.Time) bool {
	return p.Status == PromotionActive && now.Before(p.EndsAt)
}

// Boost is the combined effect of the promotions live for one reward.
type Boost struct {
	MultiplierPct int64    `json:"multiplier_pct"`
	Bonus         int64    `json:"bonus,omitempty"`
	Promotions    []string `json:"promotions,omitempty"` // contributing promotion ids
}

// NoBoost leaves rewards unchanged.
func NoBoost() Boost { return Boost{MultiplierPct: 100} }

// Active reports whether any promotion contributed.
func (b Boost) Active() bool { return len(b.Promotions) > 0 }

// CombineBoost folds the promotions that apply to target. Overlapping
// multipliers do not stack: the largest wins. Bonuses add up.
func CombineBoost(promos []Promotion, target RewardTarget, now time.Time) Boost {
	b := NoBoost()
	for _, p := range promos {
		if !p.Live(now) || !p.Kind.Boosts(target) {
			continue
		}
		if p.Kind.Multiplies() && p.MultiplierPct > b.MultiplierPct {
			b.MultiplierPct = p.MultiplierPct
		}
		if p.BonusCoins > 0 {
			b.Bonus = min(b.Bonus+p.BonusCoins, MaxAmount)
		}
		b.Promotions = append(b.Promotions, p.ID)
	}
	return b
}

// Apply returns the boosted reward, capped at MaxAmount.
func (b Boost) Apply(base int64) int64 {
	pct := b.MultiplierPct
	if pct <= 0 {
		pct = 100
	}
	if base > MaxAmount {
		base = MaxAmount
	}
	v := base/100*pct + base%100*pct/100
	if v < 0 || v > MaxAmount-b.Bonus {
		return MaxAmount
	}
	return v + b.Bonus
}

// FormatMultiplier renders a percentage multiplier as "2x" or "1.5x".
func FormatMultiplier(pct int64) string {
	return strconv.FormatFloat(float64(pct)/100, 'f', -1, 64) + "x"
}
