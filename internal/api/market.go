package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/epa-bot/epa/internal/app/auction"
	"github.com/epa-bot/epa/internal/domain"
)

// ─── Market API ─────────────────────────────────────────────────────────────
//
// POST /v1/trades                                 actor proposes a trade
// GET  /v1/trades/{id}
// POST /v1/trades/{id}/{accept|decline|cancel}
// GET  /v1/scopes/{scope}/trades/pending/{user}
// POST /v1/auctions                               actor lists an item
// GET  /v1/auctions/{id}                          auction with its bids
// POST /v1/auctions/{id}/bids
// POST /v1/auctions/{id}/buyout
// POST /v1/auctions/{id}/cancel
// GET  /v1/scopes/{scope}/auctions                active auctions
// POST /v1/sweep                                  run the expiry sweep now

type proposeRequest struct {
	Scope        string `json:"scope"`
	Counterparty string `json:"counterparty"`
	Offer        int64  `json:"offer"`
	Ask          int64  `json:"ask"`
}

type createAuctionRequest struct {
	Scope       string      `json:"scope"`
	Item        domain.Item `json:"item"`
	StartingBid int64       `json:"starting_bid"`
	BuyoutPrice int64       `json:"buyout_price,omitempty"`
	Duration    string      `json:"duration,omitempty"` // e.g. "24h"
}

type bidRequest struct {
	Amount int64 `json:"amount"`
}

type auctionResponse struct {
	domain.Auction
	MinNextBid int64        `json:"min_next_bid,omitempty"`
	Bids       []domain.Bid `json:"bids,omitempty"`
}

// ─── Trades ─────────────────────────────────────────────────────────────────

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	from, ok := actor(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if !decode(w, r, &req) {
		return
	}
	tr, err := s.svc.Trades.Propose(r.Context(), s.svc.Ledger.Scope(req.Scope), from, req.Counterparty, req.Offer, req.Ask)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	tr, err := s.svc.Trades.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// handleTradeAction runs accept, decline or cancel. When the action closes
// the trade for another reason (funding failed, deadline passed) the final
// trade is returned alongside the error.
func (s *Server) handleTradeAction(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var (
		tr  domain.Trade
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "accept":
		tr, err = s.svc.Trades.Accept(r.Context(), id, who)
	case "decline":
		tr, err = s.svc.Trades.Decline(r.Context(), id, who)
	case "cancel":
		tr, err = s.svc.Trades.Cancel(r.Context(), id, who)
	default:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown trade action %q", action))
		return
	}
	if err != nil {
		code := domain.Code(err)
		body := map[string]interface{}{
			"error": map[string]interface{}{"code": code, "message": err.Error()},
		}
		if tr.Status.Terminal() && tr.ID != "" {
			body["trade"] = tr
		}
		writeJSON(w, statusFor(code), body)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handlePendingTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.svc.Trades.Pending(r.Context(), s.scope(r), chi.URLParam(r, "user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
	})
}

// ─── Auctions ───────────────────────────────────────────────────────────────

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	seller, ok := actor(w, r)
	if !ok {
		return
	}
	var req createAuctionRequest
	if !decode(w, r, &req) {
		return
	}
	var dur time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			writeDomainError(w, fmt.Errorf("duration %q: %w", req.Duration, domain.ErrInvalidAuction))
			return
		}
		dur = d
	}
	a, err := s.svc.Auctions.Create(r.Context(), auction.CreateRequest{
		Scope: s.svc.Ledger.Scope(req.Scope), Seller: seller, Item: req.Item,
		StartingBid: req.StartingBid, BuyoutPrice: req.BuyoutPrice, Duration: dur,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, auctionResponse{Auction: a, MinNextBid: s.svc.Auctions.MinNextBid(a)})
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, bids, err := s.svc.Auctions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := auctionResponse{Auction: a, Bids: bids}
	if a.Status == domain.AuctionActive {
		resp.MinNextBid = s.svc.Auctions.MinNextBid(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	bidder, ok := actor(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := s.svc.Auctions.Bid(r.Context(), chi.URLParam(r, "id"), bidder, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBuyout(w http.ResponseWriter, r *http.Request) {
	buyer, ok := actor(w, r)
	if !ok {
		return
	}
	out, err := s.svc.Auctions.Buyout(r.Context(), chi.URLParam(r, "id"), buyer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	a, err := s.svc.Auctions.Cancel(r.Context(), chi.URLParam(r, "id"), who)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleActiveAuctions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Auctions.Active(r.Context(), s.scope(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]auctionResponse, 0, len(list))
	for _, a := range list {
		out = append(out, auctionResponse{Auction: a, MinNextBid: s.svc.Auctions.MinNextBid(a)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auctions": out,
	})
}

// ─── Sweep ──────────────────────────────────────────────────────────────────

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "scheduler not running")
		return
	}
	rep, err := s.svc.Scheduler.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
