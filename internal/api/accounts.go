package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Ledger API ─────────────────────────────────────────────────────────────
//
// GET  /v1/accounts/{scope}/{user}              account snapshot
// POST /v1/accounts/{scope}/{user}/open         open with the starting balance
// POST /v1/accounts/{scope}/{user}/credit       add coins
// POST /v1/accounts/{scope}/{user}/debit        remove coins
// POST /v1/accounts/{scope}/{user}/daily        claim the daily reward
// GET  /v1/accounts/{scope}/{user}/history      newest transactions first
// GET  /v1/accounts/{scope}/{user}/achievements catalog with earned flags
// POST /v1/transfers                            actor pays another user
// GET  /v1/leaderboard/{scope}                  richest accounts

type postingRequest struct {
	Amount         int64         `json:"amount"`
	Kind           domain.TxKind `json:"kind,omitempty"`
	Description    string        `json:"description,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

type transferRequest struct {
	Scope          string `json:"scope"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.svc.Ledger.Account(r.Context(), s.scope(r), chi.URLParam(r, "user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	acct, err := s.svc.Ledger.Open(r.Context(), s.scope(r), chi.URLParam(r, "user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	s.handlePosting(w, r, false)
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	s.handlePosting(w, r, true)
}

func (s *Server) handlePosting(w http.ResponseWriter, r *http.Request, debit bool) {
	var req postingRequest
	if !decode(w, r, &req) {
		return
	}
	p := domain.Posting{
		Scope: s.scope(r), User: chi.URLParam(r, "user"), Amount: req.Amount, Kind: req.Kind,
		Description: req.Description, IdempotencyKey: req.IdempotencyKey,
	}
	var (
		rc  domain.Receipt
		err error
	)
	if debit {
		rc, err = s.svc.Ledger.Debit(r.Context(), p)
	} else {
		rc, err = s.svc.Ledger.Credit(r.Context(), p)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	dr, err := s.svc.Ledger.ClaimDaily(r.Context(), s.scope(r), chi.URLParam(r, "user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dr)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.svc.Ledger.History(r.Context(), s.scope(r), chi.URLParam(r, "user"), queryInt(r, "limit", 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	from, ok := actor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := s.svc.Ledger.Transfer(r.Context(), domain.TransferRequest{
		Scope: s.svc.Ledger.Scope(req.Scope), From: from, To: req.To, Amount: req.Amount,
		Kind: domain.TxTransfer, Description: req.Description, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	top, err := s.svc.Ledger.Leaderboard(r.Context(), s.scope(r), queryInt(r, "limit", 10))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if top == nil {
		top = []domain.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaderboard": top,
	})
}

// ─── Achievements ───────────────────────────────────────────────────────────

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	if s.svc.Achievements == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "achievements not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"achievements": s.svc.Achievements.Definitions(),
	})
}

// handleGrants returns every achievement with the user's unlock status.
func (s *Server) handleGrants(w http.ResponseWriter, r *http.Request) {
	if s.svc.Achievements == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "achievements not enabled")
		return
	}
	grants, err := s.svc.Achievements.Grants(r.Context(), s.scope(r), chi.URLParam(r, "user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	byID := make(map[string]domain.Grant, len(grants))
	for _, g := range grants {
		byID[g.AchievementID] = g
	}

	type achievementResponse struct {
		domain.Achievement
		Unlocked   bool   `json:"unlocked"`
		UnlockedAt string `json:"unlocked_at,omitempty"`
	}
	all := make([]achievementResponse, 0, len(s.svc.Achievements.Definitions()))
	for _, def := range s.svc.Achievements.Definitions() {
		a := achievementResponse{Achievement: def}
		if g, ok := byID[def.ID]; ok {
			a.Unlocked = true
			a.UnlockedAt = g.GrantedAt.Format(time.RFC3339)
		}
		all = append(all, a)
	}

	total := len(all)
	pct := 0.0
	if total > 0 {
		pct = float64(len(grants)) / float64(total) * 100
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"achievements":   all,
		"unlocked_count": len(grants),
		"total_count":    total,
		"completion_pct": pct,
	})
}
