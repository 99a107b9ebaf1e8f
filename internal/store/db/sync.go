package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

// PendingRow is a row whose latest local mutation has not reached the
// remote authority.
type PendingRow struct {
	Action schema.SyncAction
	Record schema.Record
}

// PendingRows returns every unsynced row across kinds, oldest mutation first.
// Rows with equal last_modified keep schema.Kinds order.
func (db *DB) PendingRows(ctx context.Context) ([]PendingRow, error) {
	var pending []PendingRow
	for _, kind := range schema.Kinds {
		rows, err := db.pendingOf(ctx, kind)
		if err != nil {
			return nil, err
		}
		pending = append(pending, rows...)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Record.LastModified.Before(pending[j].Record.LastModified)
	})
	return pending, nil
}

// PendingCount returns the number of unsynced rows across kinds.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM food_logs WHERE synced = 0)
		     + (SELECT COUNT(*) FROM user_weights WHERE synced = 0)
		     + (SELECT COUNT(*) FROM user_profiles WHERE synced = 0)`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending rows: %w", err)
	}
	return count, nil
}

func (db *DB) pendingOf(ctx context.Context, kind schema.Kind) ([]PendingRow, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, tbl.selectSQL()+` WHERE synced = 0 ORDER BY last_modified`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s rows: %w", kind, err)
	}
	defer rows.Close()

	var pending []PendingRow
	for rows.Next() {
		row, err := scanPending(kind, rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending %s rows: %w", kind, err)
	}
	return pending, nil
}

func scanPending(kind schema.Kind, s scanner) (PendingRow, error) {
	var (
		state  schema.SyncState
		id     string
		userID string
		encode func() (schema.Record, error)
	)
	switch kind {
	case schema.KindFoodLog:
		e, err := scanFoodLog(s)
		if err != nil {
			return PendingRow{}, fmt.Errorf("failed to scan food log: %w", err)
		}
		state, id, userID = e.SyncState, e.ID, e.UserID
		encode = func() (schema.Record, error) { return schema.FoodLogRecord(e) }
	case schema.KindWeight:
		w, err := scanWeight(s)
		if err != nil {
			return PendingRow{}, fmt.Errorf("failed to scan weight: %w", err)
		}
		state, id, userID = w.SyncState, w.ID, w.UserID
		encode = func() (schema.Record, error) { return schema.WeightRecord(w) }
	case schema.KindProfile:
		p, err := scanProfile(s)
		if err != nil {
			return PendingRow{}, fmt.Errorf("failed to scan profile: %w", err)
		}
		state, id, userID = p.SyncState, p.UserID, p.UserID
		encode = func() (schema.Record, error) { return schema.ProfileRecord(p) }
	default:
		return PendingRow{}, fmt.Errorf("unknown record kind %q", kind)
	}

	if state.Action == schema.ActionDelete {
		return PendingRow{Action: state.Action, Record: schema.Tombstone(kind, id, userID, state.LastModified)}, nil
	}
	rec, err := encode()
	if err != nil {
		return PendingRow{}, err
	}
	return PendingRow{Action: state.Action, Record: rec}, nil
}

// SyncState returns the sync triple of a row, tombstones included. found is
// false when no row exists.
func (db *DB) SyncState(ctx context.Context, kind schema.Kind, id string) (state schema.SyncState, found bool, err error) {
	return readSyncState(ctx, db.conn, kind, id)
}

// MarkSynced records that the remote confirmed the row as of lastModified.
// It reports false, leaving the row pending, when a local mutation has
// happened since.
func (t *Tx) MarkSynced(kind schema.Kind, id string, lastModified time.Time) (bool, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE `+tbl.name+` SET synced = 1, sync_action = NULL
		 WHERE `+tbl.key+` = ? AND last_modified = ? AND synced = 0 AND `+liveFilter,
		id, schema.FormatTime(lastModified))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	return n > 0, nil
}

// PurgeTombstone removes a tombstone once the remote confirmed the delete.
// Like MarkSynced it is a no-op if the row changed since lastModified.
func (t *Tx) PurgeTombstone(kind schema.Kind, id string, lastModified time.Time) (bool, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM `+tbl.name+` WHERE `+tbl.key+` = ? AND last_modified = ? AND sync_action = 'delete'`,
		id, schema.FormatTime(lastModified))
	if err != nil {
		return false, fmt.Errorf("failed to purge %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to purge %s %s: %w", kind, id, err)
	}
	return n > 0, nil
}

// ApplyOutcome says what ApplyRemote did with a pulled record.
type ApplyOutcome int

const (
	// ApplyInserted means the record was new locally.
	ApplyInserted ApplyOutcome = iota
	// ApplyUpdated means the remote row was newer and replaced the local one.
	ApplyUpdated
	// ApplyDeleted means a remote tombstone removed the local row.
	ApplyDeleted
	// ApplyUnchanged means the local row already is the remote row.
	ApplyUnchanged
	// ApplyKeptLocal means the local row was as new or newer and won.
	ApplyKeptLocal
	// ApplySkipped means a tombstone arrived for a row never seen locally.
	ApplySkipped
)

func (o ApplyOutcome) String() string {
	switch o {
	case ApplyInserted:
		return "inserted"
	case ApplyUpdated:
		return "updated"
	case ApplyDeleted:
		return "deleted"
	case ApplyUnchanged:
		return "unchanged"
	case ApplyKeptLocal:
		return "kept_local"
	case ApplySkipped:
		return "skipped"
	default:
		return fmt.Sprintf("ApplyOutcome(%d)", int(o))
	}
}

// ApplyRemote merges one pulled record with last-writer-wins: the remote row
// replaces the local one only if its last_modified is strictly newer. The
// kind's pull high-water mark advances in the same transaction.
func (t *Tx) ApplyRemote(rec schema.Record) (ApplyOutcome, error) {
	tbl, err := tableFor(rec.Kind)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	rec.LastModified = schema.Stamp(rec.LastModified)

	outcome, err := t.applyRemote(tbl, rec)
	if err != nil {
		return 0, err
	}
	if err := t.AdvanceHighWater(rec.Kind, rec.LastModified); err != nil {
		return 0, err
	}
	return outcome, nil
}

func (t *Tx) applyRemote(tbl table, rec schema.Record) (ApplyOutcome, error) {
	local, found, err := t.syncState(rec.Kind, rec.ID)
	if err != nil {
		return 0, err
	}

	if found && !rec.LastModified.After(local.LastModified) {
		if local.Synced && rec.LastModified.Equal(local.LastModified) {
			return ApplyUnchanged, nil
		}
		return ApplyKeptLocal, nil
	}

	if rec.Deleted {
		if !found {
			return ApplySkipped, nil
		}
		if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM `+tbl.name+` WHERE `+tbl.key+` = ?`, rec.ID); err != nil {
			return 0, fmt.Errorf("failed to apply remote delete of %s %s: %w", rec.Kind, rec.ID, err)
		}
		return ApplyDeleted, nil
	}

	synced := schema.SyncState{Synced: true, LastModified: rec.LastModified}
	var args []any
	switch rec.Kind {
	case schema.KindFoodLog:
		e, err := rec.FoodLog()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		e.SyncState = synced
		args = foodLogArgs(e)
	case schema.KindWeight:
		w, err := rec.Weight()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		w.SyncState = synced
		args = weightArgs(w)
	case schema.KindProfile:
		p, err := rec.Profile()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		p.SyncState = synced
		args = profileArgs(p)
	}

	if _, err := t.tx.ExecContext(t.ctx, tbl.upsertSQL(), args...); err != nil {
		if IsConstraint(err) {
			return 0, fmt.Errorf("%w: remote %s %s: %w", ErrInvalidRecord, rec.Kind, rec.ID, err)
		}
		return 0, fmt.Errorf("failed to apply remote %s %s: %w", rec.Kind, rec.ID, err)
	}
	if found {
		return ApplyUpdated, nil
	}
	return ApplyInserted, nil
}

func highWaterKey(kind schema.Kind) string {
	return "pull_high_water:" + string(kind)
}

// AdvanceHighWater moves kind's pull high-water mark forward to at. It never
// moves the mark backwards.
func (t *Tx) AdvanceHighWater(kind schema.Kind, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN excluded.value > value THEN excluded.value ELSE value END`,
		highWaterKey(kind), schema.FormatTime(at))
	if err != nil {
		return fmt.Errorf("failed to advance %s high-water mark: %w", kind, err)
	}
	return nil
}

// HighWater returns kind's pull high-water mark, or the zero time before the
// first pull.
func (db *DB) HighWater(ctx context.Context, kind schema.Kind) (time.Time, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, highWaterKey(kind)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s high-water mark: %w", kind, err)
	}
	return schema.ParseTime(value)
}
