package domain

import "time"

// ─── Events ─────────────────────────────────────────────────────────────────
// Events are emitted after a mutation has committed. Consumers (achievement
// trigger, live feed, metrics) must never be able to undo the mutation.

// EventType classifies an economy event.
type EventType string

const (
	EventCredited       EventType = "credited"
	EventDebited        EventType = "debited"
	EventTransferred    EventType = "transferred"
	EventDailyClaimed   EventType = "daily_claimed"
	EventTradeProposed  EventType = "trade_proposed"
	EventTradeCompleted EventType = "trade_completed"
	EventTradeClosed    EventType = "trade_closed"
	EventAuctionCreated EventType = "auction_created"
	EventBidPlaced      EventType = "bid_placed"
	EventAuctionSettled EventType = "auction_settled"
	EventAchievement    EventType = "achievement_granted"
	EventPromoStarted   EventType = "promotion_started"
	EventPromoEnded     EventType = "promotion_ended"
)

// Event is a committed economy fact. Users lists every account whose
// stats may have changed.
type Event struct {
	Type      EventType `json:"type"`
	Scope     string    `json:"scope"`
	Users     []string  `json:"users"`
	Amount    int64     `json:"amount,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.

// Publisher accepts committed events for asynchronous delivery.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(Event) {}

// DeadlineTracker is told about future trade, auction and promotion
// deadlines so the expiry sweep can wake up on time.
type DeadlineTracker interface {
	Track(kind, id string, deadline time.Time)
}
