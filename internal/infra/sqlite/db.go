// Package sqlite is the ledger store: accounts, the append-only transaction
// log, trades, auctions and achievement grants on a single SQLite file.
//
// All writes go through one connection. Mutations run inside WithTx and
// guard every state change with a conditional predicate, so the predicate
// (not application-side reads) is what keeps balances non-negative and
// transitions single-shot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/epa-bot/epa/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "epa.db"

// Config controls store behavior.
type Config struct {
	OpTimeout   time.Duration // Per-transaction deadline (default: 5s)
	BusyRetries int           // Retries on SQLITE_BUSY/LOCKED (default: 3)
	BusyBackoff time.Duration // Linear backoff step between retries (default: 25ms)
}

// DefaultConfig returns safe store defaults.
func DefaultConfig() Config {
	return Config{
		OpTimeout:   5 * time.Second,
		BusyRetries: 3,
		BusyBackoff: 25 * time.Millisecond,
	}
}

// DB wraps the SQLite handle.
type DB struct {
	db  *sql.DB
	cfg Config
}

// Open opens (or creates) the ledger database inside dir with default settings.
func Open(dir string) (*DB, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens the ledger database inside dir.
func OpenWithConfig(dir string, cfg Config) (*DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty data dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	if cfg.BusyRetries < 0 {
		cfg.BusyRetries = 0
	}

	path := filepath.Join(dir, FileName)
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Single writer: transactions are serialized by the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	for i, stmt := range Migrations() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return &DB{db: db, cfg: cfg}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the store is reachable.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Tx is an open store transaction. Only Tx methods may be used inside a
// WithTx callback; calling DB methods there would wait on the single
// connection forever.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	sp  int
}

// WithTx runs fn in one transaction. A nil return commits, anything else
// rolls back. Busy/locked failures are retried with linear backoff, so fn
// must not leak state between attempts. Driver failures surface as
// domain.ErrStorageUnavailable; domain errors are returned unchanged.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := d.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isBusy(err) && attempt < d.cfg.BusyRetries {
			log.Printf("[sqlite] database busy, retry %d/%d", attempt+1, d.cfg.BusyRetries)
			select {
			case <-ctx.Done():
				return storageErr(ctx.Err())
			case <-time.After(d.cfg.BusyBackoff * time.Duration(attempt+1)):
			}
			continue
		}
		return storageErr(err)
	}
}

func (d *DB) runTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Savepoint runs fn inside a nested savepoint. When fn fails only the work
// done since the savepoint is undone and the outer transaction stays usable.
func (t *Tx) Savepoint(fn func() error) error {
	t.sp++
	name := fmt.Sprintf("sp%d", t.sp)
	if _, err := t.tx.ExecContext(t.ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(t.ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if _, relErr := t.tx.ExecContext(t.ctx, "RELEASE "+name); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, "RELEASE "+name)
	return err
}

// read runs a read-only query function on the pool with the op timeout.
func (d *DB) read(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()
	return storageErr(fn(ctx, d.db))
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// isBusy reports whether err is a retryable lock conflict.
func isBusy(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// storageErr keeps domain errors intact and maps everything else that came
// from the driver or the deadline to ErrStorageUnavailable.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if domain.Code(err) != "internal" {
		return err
	}
	var se *msqlite.Error
	if errors.As(err, &se) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}

// ─── Time Encoding ──────────────────────────────────────────────────────────
// Instants are stored as unix milliseconds; 0 means "never".

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
