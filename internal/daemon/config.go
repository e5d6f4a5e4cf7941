// Package daemon holds the process configuration and wires it into the
// economy services.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/epa-bot/epa/internal/app/auction"
	"github.com/epa-bot/epa/internal/app/events"
	"github.com/epa-bot/epa/internal/app/expiry"
	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/app/promo"
	"github.com/epa-bot/epa/internal/app/trade"
	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// ConfigFile is the config file name inside the home directory.
const ConfigFile = "config.toml"

// Config is the full ~/.epa/config.toml.
type Config struct {
	Database     DatabaseConfig     `toml:"database"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Trade        TradeConfig        `toml:"trade"`
	Auction      AuctionConfig      `toml:"auction"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Events       EventsConfig       `toml:"events"`
	API          APIConfig          `toml:"api"`
	Achievements AchievementsConfig `toml:"achievements"`
	Promotions   PromotionsConfig   `toml:"promotions"`
	Archive      ArchiveConfig      `toml:"archive"`
}

// DatabaseConfig configures the ledger store.
type DatabaseConfig struct {
	Dir         string `toml:"dir"`          // default: <home>
	OpTimeout   string `toml:"op_timeout"`   // e.g. "5s"
	BusyRetries int    `toml:"busy_retries"` // retries on a locked database
	BusyBackoff string `toml:"busy_backoff"` // linear backoff step
}

// LedgerConfig configures balances and the daily reward.
type LedgerConfig struct {
	StartingBalance   int64 `toml:"starting_balance"`
	ScopePerCommunity bool  `toml:"scope_per_community"`
	DailyBase         int64 `toml:"daily_base"`
	DailyStreakBonus  int64 `toml:"daily_streak_bonus"`
	DailyStreakCap    int   `toml:"daily_streak_cap"`
}

// TradeConfig configures trade negotiation.
type TradeConfig struct {
	TTL string `toml:"ttl"` // e.g. "5m"
}

// AuctionConfig configures auction bounds and the minimum raise.
type AuctionConfig struct {
	MinStartingBid  int64  `toml:"min_starting_bid"`
	MinDuration     string `toml:"min_duration"`
	MaxDuration     string `toml:"max_duration"`
	DefaultDuration string `toml:"default_duration"`
	IncrementFloor  int64  `toml:"increment_floor"`
	IncrementPct    int64  `toml:"increment_pct"`
}

// SchedulerConfig configures the expiry sweep.
type SchedulerConfig struct {
	Interval   string `toml:"interval"`
	MaxTracked int    `toml:"max_tracked"`
}

// EventsConfig configures the post-commit event bus.
type EventsConfig struct {
	Buffer int `toml:"buffer"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Token          string `toml:"token"`           // optional bearer token
	RequestTimeout string `toml:"request_timeout"` // per-request deadline
}

// AchievementsConfig configures the achievement trigger.
type AchievementsConfig struct {
	Enabled bool   `toml:"enabled"`
	Catalog string `toml:"catalog"` // YAML path, empty = built-in
}

// PromotionsConfig configures reward promotions.
type PromotionsConfig struct {
	Enabled              bool   `toml:"enabled"`
	MinDuration          string `toml:"min_duration"`
	MaxDuration          string `toml:"max_duration"`
	DefaultDuration      string `toml:"default_duration"`
	DefaultMultiplierPct int64  `toml:"default_multiplier_pct"` // 200 = 2x
	MaxMultiplierPct     int64  `toml:"max_multiplier_pct"`
	GoldRainBonus        int64  `toml:"gold_rain_bonus"`
}

// ArchiveConfig configures ledger exports.
type ArchiveConfig struct {
	Dir string `toml:"dir"` // default: <home>/exports
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			OpTimeout:   "5s",
			BusyRetries: 3,
			BusyBackoff: "25ms",
		},
		Ledger: LedgerConfig{
			StartingBalance:  2500,
			DailyBase:        1000,
			DailyStreakBonus: 100,
			DailyStreakCap:   30,
		},
		Trade: TradeConfig{TTL: "5m"},
		Auction: AuctionConfig{
			MinStartingBid:  1000,
			MinDuration:     "1h",
			MaxDuration:     "168h",
			DefaultDuration: "24h",
			IncrementFloor:  100,
			IncrementPct:    5,
		},
		Scheduler: SchedulerConfig{
			Interval:   "30s",
			MaxTracked: 10000,
		},
		Events: EventsConfig{Buffer: 1024},
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8480,
			RequestTimeout: "10s",
		},
		Achievements: AchievementsConfig{Enabled: true},
		Promotions: PromotionsConfig{
			Enabled:              true,
			MinDuration:          "1h",
			MaxDuration:          "168h",
			DefaultDuration:      "1h",
			DefaultMultiplierPct: 200,
			MaxMultiplierPct:     1000,
			GoldRainBonus:        500,
		},
	}
}

// Home returns $EPA_HOME, or ~/.epa.
func Home() string {
	if env := os.Getenv("EPA_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".epa")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), ConfigFile)
}

// LoadConfig reads path over the defaults. An empty path means
// ConfigPath(); a missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as TOML.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate rejects values no service can run with.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"database.op_timeout":      c.Database.OpTimeout,
		"database.busy_backoff":    c.Database.BusyBackoff,
		"trade.ttl":                c.Trade.TTL,
		"auction.min_duration":     c.Auction.MinDuration,
		"auction.max_duration":     c.Auction.MaxDuration,
		"auction.default_duration": c.Auction.DefaultDuration,
		"scheduler.interval":       c.Scheduler.Interval,
		"promotions.min_duration":     c.Promotions.MinDuration,
		"promotions.max_duration":     c.Promotions.MaxDuration,
		"promotions.default_duration": c.Promotions.DefaultDuration,
		"api.request_timeout":      c.API.RequestTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
		}
	}
	if c.Ledger.StartingBalance < 0 || c.Ledger.StartingBalance > domain.MaxAmount {
		errs = append(errs, fmt.Errorf("ledger.starting_balance must be within [0, %d]", domain.MaxAmount))
	}
	if c.Ledger.DailyBase < 0 || c.Ledger.DailyStreakBonus < 0 || c.Ledger.DailyStreakCap < 0 {
		errs = append(errs, fmt.Errorf("ledger daily reward settings must not be negative"))
	}
	if c.Auction.MinStartingBid <= 0 || c.Auction.MinStartingBid > domain.MaxAmount {
		errs = append(errs, fmt.Errorf("auction.min_starting_bid must be within [1, %d]", domain.MaxAmount))
	}
	if c.Auction.IncrementFloor < 0 || c.Auction.IncrementPct < 0 || c.Auction.IncrementPct > 100 {
		errs = append(errs, fmt.Errorf("auction increment must be non-negative with increment_pct at most 100"))
	}
	if p := c.Promotions; p.MaxMultiplierPct != 0 && (p.MaxMultiplierPct <= 100 || p.DefaultMultiplierPct > p.MaxMultiplierPct) {
		errs = append(errs, fmt.Errorf("promotions.max_multiplier_pct must exceed 100 and default_multiplier_pct"))
	}
	if c.Promotions.GoldRainBonus < 0 || c.Promotions.GoldRainBonus > domain.MaxAmount {
		errs = append(errs, fmt.Errorf("promotions.gold_rain_bonus must be within [0, %d]", domain.MaxAmount))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	return errors.Join(errs...)
}

// ─── Service options ────────────────────────────────────────────────────────

// DataDir returns the directory holding the database.
func (c Config) DataDir() string {
	if c.Database.Dir != "" {
		return c.Database.Dir
	}
	return Home()
}

// ExportDir returns where ledger exports are written.
func (c Config) ExportDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(Home(), "exports")
}

// Addr returns host:port for the API server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// Store returns the store options.
func (c Config) Store() sqlite.Config {
	def := sqlite.DefaultConfig()
	return sqlite.Config{
		OpTimeout:   parseDuration(c.Database.OpTimeout, def.OpTimeout),
		BusyRetries: c.Database.BusyRetries,
		BusyBackoff: parseDuration(c.Database.BusyBackoff, def.BusyBackoff),
	}
}

// LedgerOptions returns the ledger service options.
func (c Config) LedgerOptions() ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.StartingBalance = c.Ledger.StartingBalance
	cfg.ScopePerCommunity = c.Ledger.ScopePerCommunity
	cfg.DailyBase = c.Ledger.DailyBase
	cfg.DailyStreakBonus = c.Ledger.DailyStreakBonus
	cfg.DailyStreakCap = c.Ledger.DailyStreakCap
	return cfg
}

// TradeOptions returns the negotiator options.
func (c Config) TradeOptions() trade.Config {
	cfg := trade.DefaultConfig()
	cfg.TTL = parseDuration(c.Trade.TTL, cfg.TTL)
	return cfg
}

// AuctionOptions returns the auction engine options.
func (c Config) AuctionOptions() auction.Config {
	cfg := auction.DefaultConfig()
	cfg.MinStartingBid = c.Auction.MinStartingBid
	cfg.MinDuration = parseDuration(c.Auction.MinDuration, cfg.MinDuration)
	cfg.MaxDuration = parseDuration(c.Auction.MaxDuration, cfg.MaxDuration)
	cfg.DefaultDuration = parseDuration(c.Auction.DefaultDuration, cfg.DefaultDuration)
	cfg.Increment = domain.BidIncrement{Floor: c.Auction.IncrementFloor, RatePct: c.Auction.IncrementPct}
	return cfg
}

// PromotionOptions returns the promotion service options.
func (c Config) PromotionOptions() promo.Config {
	cfg := promo.DefaultConfig()
	cfg.MinDuration = parseDuration(c.Promotions.MinDuration, cfg.MinDuration)
	cfg.MaxDuration = parseDuration(c.Promotions.MaxDuration, cfg.MaxDuration)
	cfg.DefaultDuration = parseDuration(c.Promotions.DefaultDuration, cfg.DefaultDuration)
	if c.Promotions.DefaultMultiplierPct > 0 {
		cfg.DefaultMultiplierPct = c.Promotions.DefaultMultiplierPct
	}
	if c.Promotions.MaxMultiplierPct > 0 {
		cfg.MaxMultiplierPct = c.Promotions.MaxMultiplierPct
	}
	if c.Promotions.GoldRainBonus > 0 {
		cfg.GoldRainBonus = c.Promotions.GoldRainBonus
	}
	return cfg
}

// SchedulerOptions returns the expiry scheduler options.
func (c Config) SchedulerOptions() expiry.Config {
	cfg := expiry.DefaultConfig()
	cfg.Interval = parseDuration(c.Scheduler.Interval, cfg.Interval)
	if c.Scheduler.MaxTracked > 0 {
		cfg.MaxTracked = c.Scheduler.MaxTracked
	}
	return cfg
}

// EventOptions returns the event bus options.
func (c Config) EventOptions() events.Config {
	cfg := events.DefaultConfig()
	if c.Events.Buffer > 0 {
		cfg.Buffer = c.Events.Buffer
	}
	return cfg
}

// RequestTimeout returns the API per-request deadline.
func (c Config) RequestTimeout() time.Duration {
	return parseDuration(c.API.RequestTimeout, 10*time.Second)
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
