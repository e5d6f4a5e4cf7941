package achievement

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/app/promo"
	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

var ctx = context.Background()

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// testCatalog chains two money thresholds so the first reward unlocks the second.
var testCatalog = []domain.Achievement{
	{ID: "rich", Name: "Rich", Tier: domain.TierBronze, Reward: 1000,
		Requirement: domain.Requirement{Metric: domain.MetricTotalEarned, Threshold: 5000}},
	{ID: "richer", Name: "Richer", Tier: domain.TierSilver, Reward: 500,
		Requirement: domain.Requirement{Metric: domain.MetricTotalEarned, Threshold: 6000}},
	{ID: "lucky", Name: "Lucky", Tier: domain.TierBronze, Reward: 10,
		Requirement: domain.Requirement{Metric: domain.MetricWinStreak, Threshold: 1}},
}

func newTrigger(t *testing.T, defs []domain.Achievement) (*Trigger, *ledger.Service, *recorder) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	rec := &recorder{}
	led := ledger.New(ledger.DefaultConfig(), db, nil)
	return New(defs, db, led, rec), led, rec
}

// ─── Catalog Tests ──────────────────────────────────────────────────────────

func TestDefaultCatalog(t *testing.T) {
	defs := DefaultCatalog()
	if len(defs) != 7 {
		t.Fatalf("len = %d, want 7", len(defs))
	}
	want := map[string]int64{
		"first_million": 50000, "big_spender": 25000, "lucky_seven": 10000, "collector": 30000,
		"trader_pro": 15000, "auction_master": 20000, "daily_warrior": 40000,
	}
	for _, d := range defs {
		if want[d.ID] != d.Reward {
			t.Errorf("%s reward = %d, want %d", d.ID, d.Reward, want[d.ID])
		}
	}
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "achievements: ["},
		{"bad tier", "achievements:\n  - {id: a, tier: platinum, reward: 1, requirement: {metric: balance, threshold: 1}}"},
		{"zero reward", "achievements:\n  - {id: a, tier: gold, reward: 0, requirement: {metric: balance, threshold: 1}}"},
		{"duplicate", "achievements:\n  - {id: a, tier: gold, reward: 1, requirement: {metric: balance, threshold: 1}}\n  - {id: a, tier: gold, reward: 1, requirement: {metric: balance, threshold: 1}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	body := "achievements:\n  - id: saver\n    name: Saver\n    tier: bronze\n    reward: 5\n    requirement: {metric: balance, threshold: 100}\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	defs, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Requirement.Metric != domain.MetricBalance {
		t.Errorf("defs = %+v", defs)
	}

	if defs, _ := LoadCatalog(""); len(defs) != 7 {
		t.Errorf("empty path = %d defs, want built-in", len(defs))
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

// ─── Evaluate Tests ─────────────────────────────────────────────────────────

func TestEvaluate_CascadesAndPaysOnce(t *testing.T) {
	tr, led, rec := newTrigger(t, testCatalog)
	// 2500 starting + 2600 = 5100 earned
	if _, err := led.Credit(ctx, domain.Posting{Scope: "g", User: "alice", Amount: 2600}); err != nil {
		t.Fatal(err)
	}

	got, err := tr.Evaluate(ctx, "g", "alice")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(got) != 2 || got[0].AchievementID != "rich" || got[1].AchievementID != "richer" {
		t.Fatalf("granted = %+v", got)
	}
	bal, _ := led.Balance(ctx, "g", "alice")
	if bal != 6600 {
		t.Errorf("balance = %d, want 6600", bal)
	}

	again, err := tr.Evaluate(ctx, "g", "alice")
	if err != nil || len(again) != 0 {
		t.Errorf("second evaluate = %v, %v", again, err)
	}
	if bal2, _ := led.Balance(ctx, "g", "alice"); bal2 != bal {
		t.Errorf("balance moved on re-evaluate: %d", bal2)
	}

	grants, _ := tr.Grants(ctx, "g", "alice")
	if len(grants) != 2 || !grants[0].Claimed {
		t.Errorf("grants = %+v", grants)
	}
	if n := rec.count(domain.EventAchievement); n != 2 {
		t.Errorf("achievement events = %d, want 2", n)
	}

	hist, _ := led.History(ctx, "g", "alice", 10)
	if len(hist) != 3 || hist[0].Ref != "richer" || !strings.HasPrefix(hist[0].Description, "achievement:") {
		t.Errorf("history = %+v", hist)
	}
}

func TestEvaluate_HappyHourBoostsReward(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	rec := &recorder{}
	led := ledger.New(ledger.DefaultConfig(), db, nil)
	promos := promo.New(promo.DefaultConfig(), db, nil)
	led.SetBooster(promos)
	tr := New(testCatalog, db, led, rec)

	if _, err := promos.Create(ctx, promo.CreateRequest{Scope: "g", Kind: domain.PromoHappyHour, StartedBy: "mod"}); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Credit(ctx, domain.Posting{Scope: "g", User: "alice", Amount: 2600}); err != nil {
		t.Fatal(err)
	}

	got, err := tr.Evaluate(ctx, "g", "alice")
	if err != nil || len(got) != 2 {
		t.Fatalf("granted = %+v, %v", got, err)
	}
	// 5100 + 2*1000 + 2*500
	if bal, _ := led.Balance(ctx, "g", "alice"); bal != 8100 {
		t.Errorf("balance = %d, want 8100", bal)
	}
	hist, _ := led.History(ctx, "g", "alice", 1)
	if len(hist) != 1 || hist[0].Amount != 1000 || hist[0].Description != "achievement: Richer (boosted 2x)" {
		t.Errorf("history = %+v", hist)
	}
}

func TestEvaluate_UntrackedMetricNeverFires(t *testing.T) {
	tr, led, _ := newTrigger(t, testCatalog)
	led.Open(ctx, "g", "bob")
	got, err := tr.Evaluate(ctx, "g", "bob")
	if err != nil || len(got) != 0 {
		t.Errorf("granted = %+v, %v", got, err)
	}
}

func TestEvaluate_UnknownAccount(t *testing.T) {
	tr, _, _ := newTrigger(t, testCatalog)
	got, err := tr.Evaluate(ctx, "g", "ghost")
	if err != nil || len(got) != 0 {
		t.Errorf("granted = %+v, %v", got, err)
	}
}

func TestEvaluate_ConcurrentGrantsOnce(t *testing.T) {
	tr, led, _ := newTrigger(t, testCatalog[:1])
	led.Credit(ctx, domain.Posting{Scope: "g", User: "alice", Amount: 2500})

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := tr.Evaluate(ctx, "g", "alice")
			if err != nil {
				t.Errorf("Evaluate: %v", err)
				return
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Errorf("grants = %d, want 1", total)
	}
	if bal, _ := led.Balance(ctx, "g", "alice"); bal != 6000 {
		t.Errorf("balance = %d, want 6000", bal)
	}
}

func TestHandle(t *testing.T) {
	tr, led, _ := newTrigger(t, testCatalog)
	led.Credit(ctx, domain.Posting{Scope: "g", User: "alice", Amount: 2600})

	ev := domain.Event{Type: domain.EventCredited, Scope: "g", Users: []string{"alice", "ghost"}}
	if err := tr.Handle(ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	grants, _ := tr.Grants(ctx, "g", "alice")
	if len(grants) != 2 {
		t.Errorf("grants = %d, want 2", len(grants))
	}

	if _, ok := tr.Lookup("rich"); !ok {
		t.Error("Lookup(rich) missing")
	}
	if len(tr.Definitions()) != 3 {
		t.Errorf("Definitions = %d", len(tr.Definitions()))
	}
}
