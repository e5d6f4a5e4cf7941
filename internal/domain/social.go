package domain

import (
	"fmt"
	"time"
)

// ─── Achievement Types ──────────────────────────────────────────────────────
// Achievements are one-time rewards granted when an account's stats cross a
// threshold. Grants are unique per (scope, user, achievement).

// Tier ranks an achievement.
type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Metric names a per-account statistic a requirement is measured against.
type Metric string

const (
	MetricTotalEarned     Metric = "total_earned"
	MetricTotalSpent      Metric = "total_spent"
	MetricBalance         Metric = "balance"
	MetricTradesCompleted Metric = "trades_completed"
	MetricAuctionsWon     Metric = "auctions_won"
	MetricDailyStreak     Metric = "daily_streak"

	// Tracked outside the economy core; achievements on these never fire here.
	MetricWinStreak     Metric = "win_streak"
	MetricDistinctItems Metric = "distinct_items"
)

// Requirement is a threshold on a single metric.
type Requirement struct {
	Metric    Metric `json:"metric" yaml:"metric"`
	Threshold int64  `json:"threshold" yaml:"threshold"`
}

// Achievement is a catalog entry.
type Achievement struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Tier        Tier        `json:"tier" yaml:"tier"`
	Reward      int64       `json:"reward" yaml:"reward"`
	Requirement Requirement `json:"requirement" yaml:"requirement"`
}

// Validate checks catalog invariants.
func (a Achievement) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("achievement without id")
	}
	if a.Reward <= 0 || a.Reward > MaxAmount {
		return fmt.Errorf("achievement %s: reward must be within [1, %d]", a.ID, MaxAmount)
	}
	if a.Requirement.Threshold <= 0 {
		return fmt.Errorf("achievement %s: threshold must be positive", a.ID)
	}
	switch a.Tier {
	case TierBronze, TierSilver, TierGold:
	default:
		return fmt.Errorf("achievement %s: unknown tier %q", a.ID, a.Tier)
	}
	return nil
}

// Grant records that an account earned an achievement.
type Grant struct {
	Scope         string    `json:"scope"`
	User          string    `json:"user"`
	AchievementID string    `json:"achievement_id"`
	GrantedAt     time.Time `json:"granted_at"`
	Claimed       bool      `json:"claimed"`
	ClaimedAt     time.Time `json:"claimed_at,omitempty"`
}

// AccountStats is the store-fresh snapshot requirements are evaluated on.
type AccountStats struct {
	Balance         int64
	TotalEarned     int64
	TotalSpent      int64
	DailyStreak     int
	TradesCompleted int64
	AuctionsWon     int64
}

// Value returns the statistic for m and whether the core tracks it.
func (s AccountStats) Value(m Metric) (int64, bool) {
	switch m {
	case MetricTotalEarned:
		return s.TotalEarned, true
	case MetricTotalSpent:
		return s.TotalSpent, true
	case MetricBalance:
		return s.Balance, true
	case MetricTradesCompleted:
		return s.TradesCompleted, true
	case MetricAuctionsWon:
		return s.AuctionsWon, true
	case MetricDailyStreak:
		return int64(s.DailyStreak), true
	}
	return 0, false
}

// Satisfied reports whether the stats meet r.
func (s AccountStats) Satisfied(r Requirement) bool {
	v, ok := s.Value(r.Metric)
	return ok && v >= r.Threshold
}

// ─── Leaderboard Types ──────────────────────────────────────────────────────

// LeaderboardEntry is a ranked account balance.
type LeaderboardEntry struct {
	Rank    int    `json:"rank"`
	User    string `json:"user"`
	Balance int64  `json:"balance"`
}
