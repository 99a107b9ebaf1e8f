// Package pgremote is a sync authority backed by PostgreSQL.
//
// All kinds share one table keyed by (kind, id). Writes are upserts guarded
// by last_modified, so a stale or retried push never overwrites a newer row.
package pgremote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/platemate/platemate/internal/remote"
	"github.com/platemate/platemate/internal/store/schema"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "sync_records"

// Config configures a Store.
type Config struct {
	DSN   string `mapstructure:"dsn" toml:"dsn"`
	Table string `mapstructure:"table" toml:"table"`
}

// Store is a remote.Remote over PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
}

var _ remote.Remote = (*Store)(nil)

// Open connects to PostgreSQL and creates the records table if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, table: pq.QuoteIdentifier(cfg.Table)}
	if err := s.createTable(ctx, cfg.Table); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable(ctx context.Context, name string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			kind          TEXT        NOT NULL,
			id            TEXT        NOT NULL,
			user_id       TEXT        NOT NULL DEFAULT '',
			last_modified TIMESTAMPTZ NOT NULL,
			deleted       BOOLEAN     NOT NULL DEFAULT FALSE,
			payload       JSONB,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (kind, last_modified);`,
		s.table, pq.QuoteIdentifier(name+"_kind_lm"))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return classify("create table", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec schema.Record) error {
	return s.upsert(ctx, "create", rec)
}

func (s *Store) Update(ctx context.Context, rec schema.Record) error {
	return s.upsert(ctx, "update", rec)
}

func (s *Store) Delete(ctx context.Context, rec schema.Record) error {
	rec.Deleted = true
	rec.Payload = nil
	return s.upsert(ctx, "delete", rec)
}

func (s *Store) upsert(ctx context.Context, op string, rec schema.Record) error {
	if rec.ID == "" || rec.LastModified.IsZero() {
		return fmt.Errorf("%s: record id and last_modified are required", op)
	}
	if _, err := schema.ParseKind(string(rec.Kind)); err != nil {
		return err
	}

	var payload any
	if !rec.Deleted {
		if len(rec.Payload) == 0 {
			return fmt.Errorf("%s: record %s %s has no payload", op, rec.Kind, rec.ID)
		}
		payload = string(rec.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (kind, id, user_id, last_modified, deleted, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			last_modified = EXCLUDED.last_modified,
			deleted = EXCLUDED.deleted,
			payload = EXCLUDED.payload
		WHERE `+s.table+`.last_modified <= EXCLUDED.last_modified`,
		string(rec.Kind), rec.ID, rec.UserID, schema.Stamp(rec.LastModified), rec.Deleted, payload)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (s *Store) ListSince(ctx context.Context, kind schema.Kind, since time.Time) ([]schema.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, last_modified, deleted, payload
		FROM `+s.table+`
		WHERE kind = $1 AND last_modified >= $2
		ORDER BY last_modified, id`,
		string(kind), since.UTC())
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var (
			rec     = schema.Record{Kind: kind}
			payload sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.LastModified, &rec.Deleted, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind, err)
		}
		rec.LastModified = schema.Stamp(rec.LastModified)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// classify wraps connection-level failures with remote.ErrUnavailable.
func classify(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("postgres %s: %w: %v", op, remote.ErrUnavailable, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 53: insufficient resources,
		// 57P: operator intervention (shutdown, cannot connect now).
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P")
	}
	return false
}
