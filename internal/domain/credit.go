package domain

import "time"

// ─── Ledger Types ───────────────────────────────────────────────────────────
// Accounts and the append-only transaction log. Balances are whole coins.

// GlobalScope is the account scope used when balances are shared across
// every community of a deployment.
const GlobalScope = "global"

// MaxAmount bounds any single posting, price, bid or reward. Running totals
// are guarded against int64 overflow separately by the store.
const MaxAmount int64 = 1_000_000_000_000_000

// TxKind represents the business reason for a ledger movement.
type TxKind string

const (
	TxEarn     TxKind = "earn"
	TxSpend    TxKind = "spend"
	TxTransfer TxKind = "transfer"
	TxTrade    TxKind = "trade"
	TxAuction  TxKind = "auction"
)

// Valid reports whether k is one of the known kinds.
func (k TxKind) Valid() bool {
	switch k {
	case TxEarn, TxSpend, TxTransfer, TxTrade, TxAuction:
		return true
	}
	return false
}

// Account is a balance holder inside a scope.
type Account struct {
	Scope       string    `json:"scope"`
	User        string    `json:"user"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	DailyStreak int       `json:"daily_streak"`
	LastDaily   time.Time `json:"last_daily,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction is a single immutable row of the ledger log.
// From is empty for credits, To is empty for debits.
type Transaction struct {
	ID             int64     `json:"id"`
	Scope          string    `json:"scope"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Amount         int64     `json:"amount"`
	Kind           TxKind    `json:"kind"`
	Description    string    `json:"description,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Ref            string    `json:"ref,omitempty"` // trade or auction id
	CreatedAt      time.Time `json:"created_at"`
}

// Posting describes a single-account credit or debit request.
type Posting struct {
	Scope          string `json:"scope"`
	User           string `json:"user"`
	Amount         int64  `json:"amount"`
	Kind           TxKind `json:"kind"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TransferRequest moves Amount from From to To inside Scope.
type TransferRequest struct {
	Scope          string `json:"scope"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Kind           TxKind `json:"kind"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Ref            string `json:"-"`
}

// Receipt is returned by every successful ledger mutation.
// Balances hold the post-commit balance of each touched account.
type Receipt struct {
	Transaction Transaction      `json:"transaction"`
	Balances    map[string]int64 `json:"balances"`
	Replayed    bool             `json:"replayed,omitempty"`
}

// DailyReward is the outcome of a daily claim.
type DailyReward struct {
	Amount  int64  `json:"amount"`
	Base    int64  `json:"base"` // streak reward before promotions
	Streak  int    `json:"streak"`
	Balance int64  `json:"balance"`
	Boost   *Boost `json:"boost,omitempty"`
}
