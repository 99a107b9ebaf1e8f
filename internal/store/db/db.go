// Package db provides the on-device SQLite store for PlateMate.
//
// The store is the single source of truth for the UI. It runs embedded
// SQLite (ncruces/go-sqlite3) in WAL mode so readers never block behind the
// single writer, and every write goes through RunTransaction.
//
// Architecture:
//   - Database file: ~/.platemate/platemate.db
//   - WAL mode: concurrent readers during writes
//   - Schema: user_profiles, user_weights, food_logs, streak_state
//   - Bookkeeping: schema_meta, change_marker, sync_meta
//
// Every syncable row carries a (synced, sync_action, last_modified) triple.
// Local mutations mark rows pending; the reconciler clears the mark once the
// remote authority has confirmed the row.
//
// Example:
//
//	store, err := db.Open(ctx, db.DefaultConfig("/tmp/platemate.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
//	    return tx.AddWeight(&schema.WeightEntry{ID: id, UserID: "u1", WeightKg: 80, RecordedAt: now})
//	})
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by lookups of rows that do not exist or are
// tombstoned.
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord is wrapped by ApplyRemote errors caused by the pulled
// record itself: an unknown kind, an undecodable payload, a failed
// validation or a constraint violation. Retrying such a record cannot help.
var ErrInvalidRecord = errors.New("invalid record")

var logger = logging.For("store")

// Config configures the local store.
type Config struct {
	// Path is the database file.
	Path string `mapstructure:"path" toml:"path"`
	// BusyTimeout is how long a connection waits for the writer lock.
	BusyTimeout time.Duration `mapstructure:"busy_timeout" toml:"busy_timeout"`
	// BusyRetries is how many times a transaction that hit the busy timeout
	// is retried before StoreBusy is returned.
	BusyRetries int `mapstructure:"busy_retries" toml:"busy_retries"`
	// RetryBackoff is the base delay between busy retries.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" toml:"retry_backoff"`
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `mapstructure:"max_open_conns" toml:"max_open_conns"`

	// Clock stamps last_modified. Defaults to time.Now.
	Clock func() time.Time `mapstructure:"-" toml:"-"`
}

// DefaultConfig returns the default store configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		BusyTimeout:  8 * time.Second,
		BusyRetries:  2,
		RetryBackoff: 50 * time.Millisecond,
		MaxOpenConns: 8,
	}
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	cfg  Config
	now  func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path and brings the
// schema up to date. It is idempotent.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	def := DefaultConfig(cfg.Path)
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.BusyRetries < 0 {
		cfg.BusyRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxOpenConns)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, cfg: cfg, now: cfg.Clock}
	if db.now == nil {
		db.now = time.Now
	}

	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path":         cfg.Path,
		"busy_timeout": cfg.BusyTimeout,
	}).Debug("store opened")
	return db, nil
}

// dsn builds the connection string. Pragmas go in the DSN so that every
// pooled connection gets them, not just the first one.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "synchronous(normal)")
	q.Add("_pragma", "temp_store(memory)")
	q.Add("_pragma", "foreign_keys(on)")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.cfg.Path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.WithError(err).Warn("failed to checkpoint WAL")
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// TxMode selects how a transaction acquires the writer lock.
type TxMode int

const (
	// TxDeferred takes the writer lock lazily on the first write. Use it
	// for read-only work.
	TxDeferred TxMode = iota
	// TxImmediate takes the writer lock at BEGIN so a read-then-write
	// transaction cannot fail to upgrade halfway.
	TxImmediate
)

func (m TxMode) String() string {
	if m == TxImmediate {
		return "immediate"
	}
	return "deferred"
}

// RunTransaction runs fn inside a transaction and commits it if fn returns
// nil. Any error rolls the transaction back.
//
// A transaction that hits the busy timeout is retried as a whole, up to
// Config.BusyRetries times, after which a StoreBusy error is returned. Once
// BEGIN succeeds the transaction runs to completion even if ctx is
// cancelled; ctx is only checked before starting.
func (db *DB) RunTransaction(ctx context.Context, mode TxMode, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = db.runOnce(ctx, mode, fn)
		if err == nil || !isBusy(err) || attempt >= db.cfg.BusyRetries {
			break
		}
		metrics.TxBusyRetriesTotal.Inc()
		logger.WithFields(logrus.Fields{"mode": mode, "attempt": attempt + 1}).
			Debug("store busy, retrying transaction")

		select {
		case <-ctx.Done():
			return errs.Busy("store.RunTransaction", err)
		case <-time.After(db.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	metrics.TxDurationSeconds.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.TxTotal.WithLabelValues(mode.String(), metrics.Ok).Inc()
		return nil
	case isBusy(err):
		metrics.TxTotal.WithLabelValues(mode.String(), metrics.Busy).Inc()
		return errs.Busy("store.RunTransaction", err)
	default:
		metrics.TxTotal.WithLabelValues(mode.String(), metrics.Fail).Inc()
		return err
	}
}

func (db *DB) runOnce(ctx context.Context, mode TxMode, fn func(tx *Tx) error) error {
	ctx = context.WithoutCancel(ctx)

	opts := &sql.TxOptions{}
	if mode == TxImmediate {
		// The driver issues BEGIN IMMEDIATE for serializable transactions.
		opts.Isolation = sql.LevelSerializable
	}

	sqlTx, err := db.conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx, db: db}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err came from the writer lock being held past the
// busy timeout.
func isBusy(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

// IsConstraint reports whether err is a constraint violation (CHECK, NOT
// NULL, duplicate primary key).
func IsConstraint(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT)
}

// stamp returns a last_modified value strictly after prev, so every local
// mutation is distinguishable from the state the reconciler last read.
func (db *DB) stamp(prev time.Time) time.Time {
	now := schema.Stamp(db.now())
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}
