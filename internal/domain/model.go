// Package domain holds the economy types shared by every layer: accounts,
// ledger rows, trades, auctions and achievements. It imports no
// infrastructure.
package domain

import (
	"fmt"
	"math"
	"time"
)

// ─── Trade Types ────────────────────────────────────────────────────────────

// TradeStatus is the lifecycle state of a trade proposal.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeAccepted  TradeStatus = "accepted"
	TradeDeclined  TradeStatus = "declined"
	TradeCancelled TradeStatus = "cancelled"
	TradeExpired   TradeStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool { return s != TradePending }

// Trade is a two-party coin exchange. The proposer pays ProposerOffer to the
// counterparty, who pays CounterpartyAsk back.
type Trade struct {
	ID              string      `json:"id"`
	Scope           string      `json:"scope"`
	Proposer        string      `json:"proposer"`
	Counterparty    string      `json:"counterparty"`
	ProposerOffer   int64       `json:"proposer_offer"`
	CounterpartyAsk int64       `json:"counterparty_ask"`
	Status          TradeStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	ResolvedAt      time.Time   `json:"resolved_at,omitempty"`
}

// Expired reports whether the trade's window has closed at now.
func (t Trade) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// ─── Auction Types ──────────────────────────────────────────────────────────

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionActive    AuctionStatus = "active"
	AuctionSold      AuctionStatus = "sold"
	AuctionExpired   AuctionStatus = "expired"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Rarity tags an auctioned item.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
	RarityMythic    Rarity = "mythic"
)

// ParseRarity validates a rarity tag. Empty means rare.
func ParseRarity(s string) (Rarity, error) {
	switch r := Rarity(s); r {
	case "":
		return RarityRare, nil
	case RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary, RarityMythic:
		return r, nil
	}
	return "", fmt.Errorf("unknown rarity %q: %w", s, ErrInvalidAuction)
}

// Item describes what is being sold.
type Item struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rarity      Rarity `json:"rarity"`
}

// Auction is a seller-listed item with timed bidding.
type Auction struct {
	ID          string        `json:"id"`
	Scope       string        `json:"scope"`
	Seller      string        `json:"seller"`
	Item        Item          `json:"item"`
	StartingBid int64         `json:"starting_bid"`
	BuyoutPrice int64         `json:"buyout_price,omitempty"` // 0 = no buyout
	Status      AuctionStatus `json:"status"`
	Winner      string        `json:"winner,omitempty"`
	FinalPrice  int64         `json:"final_price,omitempty"`
	HighestBid  int64         `json:"highest_bid,omitempty"`
	BidCount    int           `json:"bid_count"`
	CreatedAt   time.Time     `json:"created_at"`
	EndsAt      time.Time     `json:"ends_at"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

// Ended reports whether bidding is closed at now.
func (a Auction) Ended(now time.Time) bool { return !now.Before(a.EndsAt) }

// Bid is a promise to pay; funds move only at settlement.
type Bid struct {
	ID           int64     `json:"id"`
	AuctionID    string    `json:"auction_id"`
	Bidder       string    `json:"bidder"`
	Amount       int64     `json:"amount"`
	PlacedAt     time.Time `json:"placed_at"`
	Disqualified bool      `json:"disqualified,omitempty"`
}

// BidIncrement is the minimum-raise rule: the larger of a fixed floor and a
// percentage of the current amount.
type BidIncrement struct {
	Floor   int64 `json:"floor"`
	RatePct int64 `json:"rate_pct"`
}

// DefaultBidIncrement returns the 100 coin / 5% rule.
func DefaultBidIncrement() BidIncrement {
	return BidIncrement{Floor: 100, RatePct: 5}
}

// MinNextBid returns the smallest acceptable bid given the current amount
// (highest bid, or the starting bid when there is none).
// The result saturates at math.MaxInt64.
func (b BidIncrement) MinNextBid(current int64) int64 {
	step := current/100*b.RatePct + current%100*b.RatePct/100
	if step < b.Floor {
		step = b.Floor
	}
	if current > math.MaxInt64-step {
		return math.MaxInt64
	}
	return current + step
}

// SettlementOutcome summarises how an auction closed.
type SettlementOutcome struct {
	AuctionID    string        `json:"auction_id"`
	Status       AuctionStatus `json:"status"`
	Winner       string        `json:"winner,omitempty"`
	Price        int64         `json:"price,omitempty"`
	Disqualified []string      `json:"disqualified,omitempty"`
}
