package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

var ctx = context.Background()

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type tracker struct{ ids []string }

func (t *tracker) Track(kind, id string, _ time.Time) { t.ids = append(t.ids, kind+":"+id) }

type fixture struct {
	n   *Negotiator
	led *ledger.Service
	clk *clock
	rec *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	lcfg := ledger.DefaultConfig()
	lcfg.Now = clk.Now
	led := ledger.New(lcfg, db, rec)

	cfg := DefaultConfig()
	cfg.Now = clk.Now
	f := &fixture{n: New(cfg, db, led, rec), led: led, clk: clk, rec: rec}
	for _, u := range []string{"alice", "bob"} {
		if _, err := led.Open(ctx, "g", u); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := f.led.Balance(ctx, "g", user)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// ─── Propose Tests ──────────────────────────────────────────────────────────

func TestPropose(t *testing.T) {
	f := newFixture(t)
	trk := &tracker{}
	f.n.SetDeadlineTracker(trk)

	tr, err := f.n.Propose(ctx, "g", "alice", "bob", 500, 200)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if tr.Status != domain.TradePending || tr.ID == "" {
		t.Errorf("trade = %+v", tr)
	}
	if !tr.ExpiresAt.Equal(tr.CreatedAt.Add(5 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", tr.ExpiresAt)
	}
	if len(trk.ids) != 1 {
		t.Errorf("deadline not tracked")
	}
	if f.balance(t, "alice") != 2500 {
		t.Error("proposal must not escrow funds")
	}
	if f.rec.last().Type != domain.EventTradeProposed {
		t.Errorf("event = %+v", f.rec.last())
	}
}

func TestPropose_Rejects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name       string
		from, to   string
		offer, ask int64
		want       error
	}{
		{"self", "alice", "alice", 1, 0, domain.ErrInvalidTrade},
		{"negative offer", "alice", "bob", -1, 10, domain.ErrInvalidTrade},
		{"negative ask", "alice", "bob", 10, -1, domain.ErrInvalidTrade},
		{"empty", "alice", "bob", 0, 0, domain.ErrInvalidTrade},
		{"oversized ask", "alice", "bob", 0, domain.MaxAmount + 1, domain.ErrInvalidTrade},
		{"unknown proposer", "ghost", "bob", 10, 0, domain.ErrUnknownAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.n.Propose(ctx, "g", tt.from, tt.to, tt.offer, tt.ask); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// ─── Accept Tests ───────────────────────────────────────────────────────────

func TestAccept_MovesBothLegs(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.n.Propose(ctx, "g", "alice", "bob", 500, 200)

	got, err := f.n.Accept(ctx, tr.ID, "bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.Status != domain.TradeAccepted {
		t.Errorf("status = %s", got.Status)
	}
	if a, b := f.balance(t, "alice"), f.balance(t, "bob"); a != 2200 || b != 2800 {
		t.Errorf("balances alice=%d bob=%d, want 2200/2800", a, b)
	}
	if ev := f.rec.last(); ev.Type != domain.EventTradeCompleted || len(ev.Users) != 2 {
		t.Errorf("event = %+v", ev)
	}

	hist, _ := f.led.History(ctx, "g", "alice", 10)
	if len(hist) != 2 || hist[0].Kind != domain.TxTrade || hist[0].Ref != tr.ID {
		t.Errorf("history = %+v", hist)
	}
}

func TestAccept_OneSided(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.n.Propose(ctx, "g", "alice", "carol", 300, 0)
	if _, err := f.n.Accept(ctx, tr.ID, "carol"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if f.balance(t, "carol") != 2800 {
		t.Errorf("carol = %d, want 2800 (opened with starting balance)", f.balance(t, "carol"))
	}
}

func TestAccept_InsufficientFundsCancels(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.n.Propose(ctx, "g", "alice", "bob", 100, 5000)

	got, err := f.n.Accept(ctx, tr.ID, "bob")
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got.Status != domain.TradeCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	stored, _ := f.n.Get(ctx, tr.ID)
	if stored.Status != domain.TradeCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.Status)
	}
	if a, b := f.balance(t, "alice"), f.balance(t, "bob"); a != 2500 || b != 2500 {
		t.Errorf("balances changed: alice=%d bob=%d", a, b)
	}
}

func TestAccept_Guards(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.n.Propose(ctx, "g", "alice", "bob", 100, 0)

	if _, err := f.n.Accept(ctx, tr.ID, "alice"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Errorf("proposer accept err = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.n.Accept(ctx, "missing", "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing trade err = %v, want ErrNotFound", err)
	}
	if _, err := f.n.Accept(ctx, tr.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.n.Accept(ctx, tr.ID, "bob"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("double accept err = %v, want ErrInvalidState", err)
	}
	if f.balance(t, "bob") != 2600 {
		t.Errorf("bob = %d, want 2600 (paid once)", f.balance(t, "bob"))
	}
}

func TestAccept_AfterDeadline(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.n.Propose(ctx, "g", "alice", "bob", 100, 0)
	f.clk.Advance(5 * time.Minute)

	got, err := f.n.Accept(ctx, tr.ID, "bob")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if got.Status != domain.TradeExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if f.balance(t, "bob") != 2500 {
		t.Error("expired trade moved funds")
	}
}

func TestAccept_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.n.Propose(ctx, "g", "alice", "bob", 100, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.n.Accept(ctx, tr.ID, "bob"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if f.balance(t, "bob") != 2600 {
		t.Errorf("bob = %d, want 2600", f.balance(t, "bob"))
	}
}

// ─── Decline / Cancel / Expire Tests ────────────────────────────────────────

func TestDeclineAndCancel(t *testing.T) {
	f := newFixture(t)
	t1, _ := f.n.Propose(ctx, "g", "alice", "bob", 100, 0)
	t2, _ := f.n.Propose(ctx, "g", "alice", "bob", 100, 0)

	if _, err := f.n.Decline(ctx, t1.ID, "alice"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Errorf("proposer decline err = %v", err)
	}
	got, err := f.n.Decline(ctx, t1.ID, "bob")
	if err != nil || got.Status != domain.TradeDeclined {
		t.Errorf("decline = %+v, %v", got, err)
	}

	if _, err := f.n.Cancel(ctx, t2.ID, "bob"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Errorf("counterparty cancel err = %v", err)
	}
	got, err = f.n.Cancel(ctx, t2.ID, "alice")
	if err != nil || got.Status != domain.TradeCancelled {
		t.Errorf("cancel = %+v, %v", got, err)
	}
	if f.rec.last().Type != domain.EventTradeClosed {
		t.Errorf("event = %+v", f.rec.last())
	}

	if _, err := f.n.Accept(ctx, t1.ID, "bob"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("accept declined err = %v", err)
	}
}

func TestExpireDue_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.n.Propose(ctx, "g", "alice", "bob", 100, 0)
	f.n.Propose(ctx, "g", "alice", "bob", 200, 0)

	pending, _ := f.n.Pending(ctx, "g", "bob")
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	f.clk.Advance(6 * time.Minute)
	expired, err := f.n.ExpireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Errorf("expired = %d, want 2", len(expired))
	}
	again, err := f.n.ExpireDue(ctx)
	if err != nil || len(again) != 0 {
		t.Errorf("second sweep = %d, %v", len(again), err)
	}
	pending, _ = f.n.Pending(ctx, "g", "bob")
	if len(pending) != 0 {
		t.Errorf("pending after sweep = %d", len(pending))
	}
}
