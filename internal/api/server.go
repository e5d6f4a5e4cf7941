// Package api provides the HTTP server for the economy core.
// It is the structured boundary a chat front end drives: actor identity
// comes from the X-Actor-ID header and results are returned as JSON.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epa-bot/epa/internal/app/achievement"
	"github.com/epa-bot/epa/internal/app/auction"
	"github.com/epa-bot/epa/internal/app/expiry"
	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/app/promo"
	"github.com/epa-bot/epa/internal/app/trade"
	"github.com/epa-bot/epa/internal/domain"
)

// ActorHeader carries the opaque id of the user performing a request.
const ActorHeader = "X-Actor-ID"

// Services are the economy components the API exposes.
type Services struct {
	Ledger       *ledger.Service
	Trades       *trade.Negotiator
	Auctions     *auction.Engine
	Achievements *achievement.Trigger // nil when achievements are disabled
	Promotions   *promo.Service       // nil when promotions are disabled
	Scheduler    *expiry.Scheduler
}

// Server is the HTTP API server.
type Server struct {
	svc            Services
	token          string
	timeout        time.Duration
	metricsEnabled bool
	hub            *EventHub
}

// NewServer creates a new API server.
func NewServer(svc Services) *Server {
	return &Server{svc: svc, timeout: 10 * time.Second}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetToken requires "Authorization: Bearer <token>" on every /v1 route.
func (s *Server) SetToken(token string) { s.token = token }

// SetTimeout sets the per-request deadline.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetEventHub sets the live event SSE hub.
func (s *Server) SetEventHub(h *EventHub) { s.hub = h }

// EventHub returns the live event hub.
func (s *Server) EventHub() *EventHub { return s.hub }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// The event stream is long-lived and must not inherit the request deadline.
		if s.hub != nil {
			r.Get("/events", s.handleEvents)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Route("/accounts/{scope}/{user}", func(r chi.Router) {
				r.Get("/", s.handleAccount)
				r.Post("/open", s.handleOpen)
				r.Post("/credit", s.handleCredit)
				r.Post("/debit", s.handleDebit)
				r.Post("/daily", s.handleDaily)
				r.Get("/history", s.handleHistory)
				r.Get("/achievements", s.handleGrants)
			})
			r.Post("/transfers", s.handleTransfer)
			r.Get("/leaderboard/{scope}", s.handleLeaderboard)

			r.Post("/trades", s.handlePropose)
			r.Get("/trades/{id}", s.handleGetTrade)
			r.Post("/trades/{id}/{action}", s.handleTradeAction)
			r.Get("/scopes/{scope}/trades/pending/{user}", s.handlePendingTrades)

			r.Post("/auctions", s.handleCreateAuction)
			r.Get("/auctions/{id}", s.handleGetAuction)
			r.Post("/auctions/{id}/bids", s.handleBid)
			r.Post("/auctions/{id}/buyout", s.handleBuyout)
			r.Post("/auctions/{id}/cancel", s.handleCancelAuction)
			r.Get("/scopes/{scope}/auctions", s.handleActiveAuctions)

			r.Post("/promotions", s.handleCreatePromotion)
			r.Get("/promotions/{id}", s.handleGetPromotion)
			r.Post("/promotions/{id}/end", s.handleEndPromotion)
			r.Get("/scopes/{scope}/promotions", s.handleActivePromotions)

			r.Get("/achievements", s.handleDefinitions)
			r.Post("/sweep", s.handleSweep)
		})
	})

	return r
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
		},
	})
}

// writeDomainError maps a core error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case "invalid_amount", "invalid_auction", "invalid_trade", "invalid_promotion":
		return http.StatusBadRequest
	case "not_authorized":
		return http.StatusForbidden
	case "unknown_account", "not_found":
		return http.StatusNotFound
	case "invalid_state", "idempotency_conflict":
		return http.StatusConflict
	case "insufficient_funds":
		return http.StatusUnprocessableEntity
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

// actor returns the caller id or writes a 401.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(ActorHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+ActorHeader+" header")
		return "", false
	}
	return id, true
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// scope maps the {scope} path parameter (a community id) to an account scope.
func (s *Server) scope(r *http.Request) string {
	return s.svc.Ledger.Scope(chi.URLParam(r, "scope"))
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ActorHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
