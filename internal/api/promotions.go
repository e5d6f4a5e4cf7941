package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/epa-bot/epa/internal/app/promo"
	"github.com/epa-bot/epa/internal/domain"
)

// ─── Promotions ─────────────────────────────────────────────────────────────

type createPromotionRequest struct {
	Scope         string               `json:"scope"` // community id
	Kind          domain.PromotionKind `json:"kind"`
	Duration      string               `json:"duration"` // e.g. "2h"
	MultiplierPct int64                `json:"multiplier_pct"`
	BonusCoins    int64                `json:"bonus_coins"`
	Description   string               `json:"description"`
}

// promotionsEnabled writes a 503 when promotions are switched off.
func (s *Server) promotionsEnabled(w http.ResponseWriter) bool {
	if s.svc.Promotions == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "promotions not enabled")
		return false
	}
	return true
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	if !s.promotionsEnabled(w) {
		return
	}
	starter, ok := actor(w, r)
	if !ok {
		return
	}
	var req createPromotionRequest
	if !decode(w, r, &req) {
		return
	}
	var dur time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			writeDomainError(w, fmt.Errorf("duration %q: %w", req.Duration, domain.ErrInvalidPromo))
			return
		}
		dur = d
	}
	p, err := s.svc.Promotions.Create(r.Context(), promo.CreateRequest{
		Scope: s.svc.Ledger.Scope(req.Scope), Kind: req.Kind, StartedBy: starter,
		Duration: dur, MultiplierPct: req.MultiplierPct, BonusCoins: req.BonusCoins,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	if !s.promotionsEnabled(w) {
		return
	}
	p, err := s.svc.Promotions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEndPromotion(w http.ResponseWriter, r *http.Request) {
	if !s.promotionsEnabled(w) {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := s.svc.Promotions.End(r.Context(), chi.URLParam(r, "id"), who)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleActivePromotions(w http.ResponseWriter, r *http.Request) {
	if !s.promotionsEnabled(w) {
		return
	}
	list, err := s.svc.Promotions.Active(r.Context(), s.scope(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []domain.Promotion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"promotions": list,
	})
}
