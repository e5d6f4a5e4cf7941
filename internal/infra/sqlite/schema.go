package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements applied on every Open.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Accounts, keyed by (scope, user). last_daily is unix ms, 0 = never.
		`CREATE TABLE IF NOT EXISTS accounts (
			scope        TEXT    NOT NULL,
			user_id      TEXT    NOT NULL,
			balance      INTEGER NOT NULL CHECK (balance >= 0),
			total_earned INTEGER NOT NULL DEFAULT 0,
			total_spent  INTEGER NOT NULL DEFAULT 0,
			daily_streak INTEGER NOT NULL DEFAULT 0,
			last_daily   INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (scope, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_rich ON accounts(scope, balance DESC)`,

		// Append-only transaction log
		`CREATE TABLE IF NOT EXISTS transactions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			scope           TEXT    NOT NULL,
			from_user       TEXT    NOT NULL DEFAULT '',
			to_user         TEXT    NOT NULL DEFAULT '',
			amount          INTEGER NOT NULL CHECK (amount > 0),
			kind            TEXT    NOT NULL,
			description     TEXT    NOT NULL DEFAULT '',
			idempotency_key TEXT,
			ref             TEXT    NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_idem
			ON transactions(scope, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tx_from ON transactions(scope, from_user, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_to ON transactions(scope, to_user, id)`,
		`CREATE TRIGGER IF NOT EXISTS transactions_no_update
			BEFORE UPDATE ON transactions
			BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS transactions_no_delete
			BEFORE DELETE ON transactions
			BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END`,

		// Trade proposals
		`CREATE TABLE IF NOT EXISTS trades (
			id               TEXT    PRIMARY KEY,
			scope            TEXT    NOT NULL,
			proposer         TEXT    NOT NULL,
			counterparty     TEXT    NOT NULL,
			proposer_offer   INTEGER NOT NULL CHECK (proposer_offer >= 0),
			counterparty_ask INTEGER NOT NULL CHECK (counterparty_ask >= 0),
			status           TEXT    NOT NULL,
			created_at       INTEGER NOT NULL,
			expires_at       INTEGER NOT NULL,
			resolved_at      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_due ON trades(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_parties ON trades(scope, status, proposer, counterparty)`,

		// Auctions and bids
		`CREATE TABLE IF NOT EXISTS auctions (
			id               TEXT    PRIMARY KEY,
			scope            TEXT    NOT NULL,
			seller           TEXT    NOT NULL,
			item_name        TEXT    NOT NULL,
			item_description TEXT    NOT NULL DEFAULT '',
			rarity           TEXT    NOT NULL,
			starting_bid     INTEGER NOT NULL,
			buyout_price     INTEGER NOT NULL DEFAULT 0,
			status           TEXT    NOT NULL,
			winner           TEXT    NOT NULL DEFAULT '',
			final_price      INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			ends_at          INTEGER NOT NULL,
			resolved_at      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_due ON auctions(status, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_scope ON auctions(scope, status, ends_at)`,
		`CREATE TABLE IF NOT EXISTS bids (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			auction_id   TEXT    NOT NULL REFERENCES auctions(id),
			bidder       TEXT    NOT NULL,
			amount       INTEGER NOT NULL CHECK (amount > 0),
			placed_at    INTEGER NOT NULL,
			disqualified INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_rank ON bids(auction_id, amount DESC, id)`,

		// Achievement grants, one per (scope, user, achievement)
		`CREATE TABLE IF NOT EXISTS achievement_grants (
			scope          TEXT    NOT NULL,
			user_id        TEXT    NOT NULL,
			achievement_id TEXT    NOT NULL,
			granted_at     INTEGER NOT NULL,
			claimed        INTEGER NOT NULL DEFAULT 0,
			claimed_at     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scope, user_id, achievement_id)
		)`,

		// Time-bounded reward promotions
		`CREATE TABLE IF NOT EXISTS promotions (
			id             TEXT    PRIMARY KEY,
			scope          TEXT    NOT NULL,
			kind           TEXT    NOT NULL,
			name           TEXT    NOT NULL,
			description    TEXT    NOT NULL DEFAULT '',
			multiplier_pct INTEGER NOT NULL CHECK (multiplier_pct >= 100),
			bonus_coins    INTEGER NOT NULL DEFAULT 0 CHECK (bonus_coins >= 0),
			started_by     TEXT    NOT NULL,
			status         TEXT    NOT NULL,
			created_at     INTEGER NOT NULL,
			ends_at        INTEGER NOT NULL,
			resolved_at    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_promotions_due ON promotions(status, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_promotions_scope ON promotions(scope, status, ends_at)`,
	}
}
