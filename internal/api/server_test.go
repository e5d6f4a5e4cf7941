package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/epa-bot/epa/internal/app/achievement"
	"github.com/epa-bot/epa/internal/app/auction"
	"github.com/epa-bot/epa/internal/app/expiry"
	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/app/promo"
	"github.com/epa-bot/epa/internal/app/trade"
	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// ─── Fixture ────────────────────────────────────────────────────────────────

func setupServer(t *testing.T) *Server {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	led := ledger.New(ledger.DefaultConfig(), db, nil)
	trades := trade.New(trade.DefaultConfig(), db, led, nil)
	auctions := auction.New(auction.DefaultConfig(), db, led, nil)
	promos := promo.New(promo.DefaultConfig(), db, nil)
	led.SetBooster(promos)
	sched := expiry.New(expiry.DefaultConfig(), trades, auctions)
	sched.SetPromotions(promos)
	srv := NewServer(Services{
		Ledger:       led,
		Trades:       trades,
		Auctions:     auctions,
		Achievements: achievement.New(achievement.DefaultCatalog(), db, led, nil),
		Promotions:   promos,
		Scheduler:    sched,
	})
	srv.EnableMetrics()
	srv.SetEventHub(NewEventHub())
	return srv
}

type response struct {
	Code int
	Body map[string]interface{}
}

func (r response) errCode() string {
	e, _ := r.Body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func call(t *testing.T, h http.Handler, method, path, actor string, body interface{}) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := response{Code: w.Code}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp.Body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return resp
}

// ─── Ledger Tests ───────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	h := setupServer(t).Handler()
	if r := call(t, h, http.MethodGet, "/health", "", nil); r.Code != http.StatusOK || r.Body["status"] != "ok" {
		t.Errorf("health = %+v", r)
	}
}

func TestAccounts(t *testing.T) {
	h := setupServer(t).Handler()

	if r := call(t, h, http.MethodGet, "/v1/accounts/g/alice", "", nil); r.Code != http.StatusNotFound || r.errCode() != "unknown_account" {
		t.Errorf("unknown account = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/accounts/g/alice/open", "", nil); r.Code != http.StatusOK || r.Body["balance"] != float64(2500) {
		t.Errorf("open = %+v", r)
	}

	r := call(t, h, http.MethodPost, "/v1/accounts/g/alice/credit", "", map[string]interface{}{"amount": 500, "description": "quest"})
	if r.Code != http.StatusOK {
		t.Fatalf("credit = %+v", r)
	}
	bal := r.Body["balances"].(map[string]interface{})
	if bal["alice"] != float64(3000) {
		t.Errorf("balance after credit = %v", bal["alice"])
	}

	if r := call(t, h, http.MethodPost, "/v1/accounts/g/alice/debit", "", map[string]interface{}{"amount": 99999}); r.Code != http.StatusUnprocessableEntity || r.errCode() != "insufficient_funds" {
		t.Errorf("overdraw = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/accounts/g/alice/credit", "", map[string]interface{}{"amount": -5}); r.Code != http.StatusBadRequest || r.errCode() != "invalid_amount" {
		t.Errorf("negative credit = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/accounts/g/alice/credit", "", map[string]interface{}{"amount": 5, "bogus": 1}); r.Code != http.StatusBadRequest || r.errCode() != "bad_request" {
		t.Errorf("unknown field = %+v", r)
	}

	r = call(t, h, http.MethodGet, "/v1/accounts/g/alice/history?limit=5", "", nil)
	if txs := r.Body["transactions"].([]interface{}); len(txs) != 1 {
		t.Errorf("history = %v", txs)
	}

	r = call(t, h, http.MethodPost, "/v1/accounts/g/alice/daily", "", nil)
	if r.Code != http.StatusOK || r.Body["amount"] != float64(1000) {
		t.Errorf("daily = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/accounts/g/alice/daily", "", nil); r.Code != http.StatusConflict {
		t.Errorf("second daily = %+v", r)
	}
}

func TestTransfer(t *testing.T) {
	h := setupServer(t).Handler()
	call(t, h, http.MethodPost, "/v1/accounts/g/alice/open", "", nil)

	body := map[string]interface{}{"scope": "g", "to": "bob", "amount": 400, "idempotency_key": "k1"}
	if r := call(t, h, http.MethodPost, "/v1/transfers", "", body); r.Code != http.StatusUnauthorized {
		t.Errorf("no actor = %+v", r)
	}
	r := call(t, h, http.MethodPost, "/v1/transfers", "alice", body)
	if r.Code != http.StatusOK {
		t.Fatalf("transfer = %+v", r)
	}
	bal := r.Body["balances"].(map[string]interface{})
	if bal["alice"] != float64(2100) || bal["bob"] != float64(2900) {
		t.Errorf("balances = %v", bal)
	}

	r = call(t, h, http.MethodPost, "/v1/transfers", "alice", body)
	if r.Code != http.StatusOK || r.Body["replayed"] != true {
		t.Errorf("replay = %+v", r)
	}
	body["amount"] = 401
	if r := call(t, h, http.MethodPost, "/v1/transfers", "alice", body); r.Code != http.StatusConflict || r.errCode() != "idempotency_conflict" {
		t.Errorf("conflict = %+v", r)
	}

	r = call(t, h, http.MethodGet, "/v1/leaderboard/g", "", nil)
	top := r.Body["leaderboard"].([]interface{})
	if len(top) != 2 || top[0].(map[string]interface{})["user"] != "bob" {
		t.Errorf("leaderboard = %v", top)
	}
}

// ─── Market Tests ───────────────────────────────────────────────────────────

func TestTradeFlow(t *testing.T) {
	h := setupServer(t).Handler()
	call(t, h, http.MethodPost, "/v1/accounts/g/alice/open", "", nil)
	call(t, h, http.MethodPost, "/v1/accounts/g/bob/open", "", nil)

	r := call(t, h, http.MethodPost, "/v1/trades", "alice", map[string]interface{}{"scope": "g", "counterparty": "bob", "offer": 300, "ask": 100})
	if r.Code != http.StatusCreated {
		t.Fatalf("propose = %+v", r)
	}
	id := r.Body["id"].(string)

	if r := call(t, h, http.MethodGet, "/v1/scopes/g/trades/pending/bob", "", nil); len(r.Body["trades"].([]interface{})) != 1 {
		t.Errorf("pending = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/trades/"+id+"/accept", "alice", nil); r.Code != http.StatusForbidden {
		t.Errorf("proposer accept = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/trades/"+id+"/haggle", "bob", nil); r.Code != http.StatusNotFound {
		t.Errorf("unknown action = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/trades/"+id+"/accept", "bob", nil); r.Code != http.StatusOK || r.Body["status"] != "accepted" {
		t.Errorf("accept = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/trades/"+id+"/accept", "bob", nil); r.Code != http.StatusConflict {
		t.Errorf("double accept = %+v", r)
	}
}

func TestTradeAccept_InsufficientFundsReturnsTrade(t *testing.T) {
	h := setupServer(t).Handler()
	call(t, h, http.MethodPost, "/v1/accounts/g/alice/open", "", nil)
	call(t, h, http.MethodPost, "/v1/accounts/g/bob/open", "", nil)

	r := call(t, h, http.MethodPost, "/v1/trades", "alice", map[string]interface{}{"scope": "g", "counterparty": "bob", "offer": 1000, "ask": 500})
	id := r.Body["id"].(string)
	call(t, h, http.MethodPost, "/v1/accounts/g/alice/debit", "", map[string]interface{}{"amount": 2000})

	r = call(t, h, http.MethodPost, "/v1/trades/"+id+"/accept", "bob", nil)
	if r.Code != http.StatusUnprocessableEntity || r.errCode() != "insufficient_funds" {
		t.Fatalf("accept = %+v", r)
	}
	tr, _ := r.Body["trade"].(map[string]interface{})
	if tr["status"] != "cancelled" {
		t.Errorf("trade = %v", tr)
	}
}

func TestAuctionFlow(t *testing.T) {
	h := setupServer(t).Handler()
	for _, u := range []string{"sam", "alice"} {
		call(t, h, http.MethodPost, "/v1/accounts/g/"+u+"/open", "", nil)
	}

	r := call(t, h, http.MethodPost, "/v1/auctions", "sam", map[string]interface{}{
		"scope": "g", "item": map[string]string{"name": "Dragon Egg", "rarity": "epic"},
		"starting_bid": 1000, "duration": "1h",
	})
	if r.Code != http.StatusCreated || r.Body["min_next_bid"] != float64(1100) {
		t.Fatalf("create = %+v", r)
	}
	id := r.Body["id"].(string)

	if r := call(t, h, http.MethodPost, "/v1/auctions", "sam", map[string]interface{}{"scope": "g", "item": map[string]string{"name": "x"}, "starting_bid": 1000, "duration": "soon"}); r.Code != http.StatusBadRequest {
		t.Errorf("bad duration = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/auctions/"+id+"/bids", "alice", map[string]int{"amount": 1050}); r.Code != http.StatusBadRequest || r.errCode() != "invalid_amount" {
		t.Errorf("low bid = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/auctions/"+id+"/bids", "sam", map[string]int{"amount": 1100}); r.Code != http.StatusForbidden {
		t.Errorf("seller bid = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/auctions/"+id+"/bids", "alice", map[string]int{"amount": 1100}); r.Code != http.StatusCreated {
		t.Errorf("bid = %+v", r)
	}

	r = call(t, h, http.MethodGet, "/v1/auctions/"+id, "", nil)
	if len(r.Body["bids"].([]interface{})) != 1 || r.Body["min_next_bid"] != float64(1200) {
		t.Errorf("get = %+v", r)
	}
	if r := call(t, h, http.MethodGet, "/v1/scopes/g/auctions", "", nil); len(r.Body["auctions"].([]interface{})) != 1 {
		t.Errorf("active = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/auctions/"+id+"/cancel", "sam", nil); r.Code != http.StatusConflict {
		t.Errorf("cancel with bids = %+v", r)
	}
	if r := call(t, h, http.MethodPost, "/v1/auctions/"+id+"/buyout", "alice", nil); r.Code != http.StatusConflict {
		t.Errorf("buyout without price = %+v", r)
	}

	r = call(t, h, http.MethodPost, "/v1/sweep", "", nil)
	if r.Code != http.StatusOK || r.Body["auctions_sold"] != float64(0) {
		t.Errorf("sweep = %+v", r)
	}
}

func TestPromotionFlow(t *testing.T) {
	h := setupServer(t).Handler()

	body := map[string]interface{}{"scope": "g", "kind": "happy_hour", "duration": "2h", "multiplier_pct": 300}
	if r := call(t, h, http.MethodPost, "/v1/promotions", "", body); r.Code != http.StatusUnauthorized {
		t.Errorf("no actor = %+v", r)
	}
	r := call(t, h, http.MethodPost, "/v1/promotions", "mod", body)
	if r.Code != http.StatusCreated || r.Body["status"] != "active" || r.Body["started_by"] != "mod" {
		t.Fatalf("create = %+v", r)
	}
	id := r.Body["id"].(string)

	bad := map[string]interface{}{"scope": "g", "kind": "lucky_time"}
	if r := call(t, h, http.MethodPost, "/v1/promotions", "mod", bad); r.Code != http.StatusBadRequest || r.errCode() != "invalid_promotion" {
		t.Errorf("unknown kind = %+v", r)
	}
	bad = map[string]interface{}{"scope": "g", "kind": "gold_rain", "duration": "soon"}
	if r := call(t, h, http.MethodPost, "/v1/promotions", "mod", bad); r.Code != http.StatusBadRequest || r.errCode() != "invalid_promotion" {
		t.Errorf("bad duration = %+v", r)
	}

	if r := call(t, h, http.MethodGet, "/v1/scopes/g/promotions", "", nil); len(r.Body["promotions"].([]interface{})) != 1 {
		t.Errorf("active = %+v", r)
	}

	r = call(t, h, http.MethodPost, "/v1/accounts/g/alice/daily", "", nil)
	if r.Code != http.StatusOK || r.Body["amount"] != float64(3000) || r.Body["base"] != float64(1000) {
		t.Errorf("boosted daily = %+v", r)
	}

	if r := call(t, h, http.MethodPost, "/v1/promotions/"+id+"/end", "alice", nil); r.Code != http.StatusForbidden {
		t.Errorf("end by other = %+v", r)
	}
	r = call(t, h, http.MethodPost, "/v1/promotions/"+id+"/end", "mod", nil)
	if r.Code != http.StatusOK || r.Body["status"] != "cancelled" {
		t.Errorf("end = %+v", r)
	}
	if r := call(t, h, http.MethodGet, "/v1/promotions/"+id, "", nil); r.Body["status"] != "cancelled" {
		t.Errorf("get = %+v", r)
	}
	if r := call(t, h, http.MethodGet, "/v1/scopes/g/promotions", "", nil); len(r.Body["promotions"].([]interface{})) != 0 {
		t.Errorf("active after end = %+v", r)
	}
	if r := call(t, h, http.MethodGet, "/v1/promotions/nope", "", nil); r.Code != http.StatusNotFound {
		t.Errorf("missing = %+v", r)
	}
}

func TestPromotions_Disabled(t *testing.T) {
	srv := setupServer(t)
	srv.svc.Promotions = nil
	h := srv.Handler()
	if r := call(t, h, http.MethodGet, "/v1/scopes/g/promotions", "", nil); r.Code != http.StatusServiceUnavailable || r.errCode() != "disabled" {
		t.Errorf("disabled = %+v", r)
	}
}

// ─── Achievements / Auth / Metrics ──────────────────────────────────────────

func TestAchievements(t *testing.T) {
	h := setupServer(t).Handler()
	r := call(t, h, http.MethodGet, "/v1/achievements", "", nil)
	if len(r.Body["achievements"].([]interface{})) != 7 {
		t.Errorf("definitions = %+v", r)
	}
	r = call(t, h, http.MethodGet, "/v1/accounts/g/alice/achievements", "", nil)
	if r.Body["total_count"] != float64(7) || r.Body["unlocked_count"] != float64(0) {
		t.Errorf("grants = %+v", r)
	}
}

func TestBearerToken(t *testing.T) {
	srv := setupServer(t)
	srv.SetToken("s3cret")
	h := srv.Handler()

	if r := call(t, h, http.MethodGet, "/v1/achievements", "", nil); r.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", r.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/achievements", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with token = %d", w.Code)
	}
	if r := call(t, h, http.MethodGet, "/health", "", nil); r.Code != http.StatusOK {
		t.Errorf("health behind token = %d", r.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{domain.ErrInvalidTrade, http.StatusBadRequest},
		{domain.ErrInvalidPromo, http.StatusBadRequest},
		{domain.ErrNotAuthorized, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrUnknownAccount, http.StatusNotFound},
		{domain.ErrInvalidState, http.StatusConflict},
		{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{http.ErrBodyNotAllowed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(domain.Code(tt.err)); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// ─── Event Hub Tests ────────────────────────────────────────────────────────

func TestEventHub(t *testing.T) {
	hub := NewEventHub()
	ch, unsub := hub.Subscribe()
	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}

	ev := domain.Event{Type: domain.EventCredited, Scope: "g", Users: []string{"alice"}, Timestamp: time.Now()}
	if err := hub.Handle(ev); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Type != domain.EventCredited {
			t.Errorf("event = %+v", got)
		}
	default:
		t.Fatal("event not delivered")
	}

	unsub()
	if hub.ClientCount() != 0 {
		t.Errorf("clients after unsub = %d", hub.ClientCount())
	}
}

func TestEventsStream_CommunityFilterMapsToScope(t *testing.T) {
	srv := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?scope=guild-1&user=alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	hub := srv.EventHub()
	for hub.ClientCount() == 0 {
		if ctx.Err() != nil {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Shared economy: every community maps onto the global scope.
	hub.Handle(domain.Event{Type: domain.EventTransferred, Scope: domain.GlobalScope, Users: []string{"bob"}})
	hub.Handle(domain.Event{Type: domain.EventCredited, Scope: domain.GlobalScope, Users: []string{"alice"}})

	sc := bufio.NewScanner(resp.Body)
	var got string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			got = strings.TrimPrefix(line, "event: ")
			break
		}
	}
	if got != string(domain.EventCredited) {
		t.Errorf("first streamed event = %q, want %q", got, domain.EventCredited)
	}
}

func TestMatches(t *testing.T) {
	ev := domain.Event{Scope: "g", Users: []string{"alice", "bob"}}
	tests := []struct {
		scope, user string
		want        bool
	}{
		{"", "", true},
		{"g", "", true},
		{"h", "", false},
		{"g", "bob", true},
		{"", "carol", false},
	}
	for _, tt := range tests {
		if got := matches(ev, tt.scope, tt.user); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.scope, tt.user, got, tt.want)
		}
	}
}
