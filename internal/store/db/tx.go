package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

// Tx is a transaction handed to RunTransaction callbacks. It must not be
// used after the callback returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	db  *DB
}

// Now returns the store clock's current time.
func (t *Tx) Now() time.Time {
	return schema.Stamp(t.db.now())
}

// InsertFoodLog inserts a new food log row, pending creation on the remote.
// A duplicate id fails with a constraint error.
func (t *Tx) InsertFoodLog(e *schema.FoodLogEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid food log: %w", err)
	}
	e.SyncState = schema.SyncState{Action: schema.ActionCreate, LastModified: t.Now()}

	if _, err := t.tx.ExecContext(t.ctx, foodLogTable.insertSQL(), foodLogArgs(e)...); err != nil {
		return fmt.Errorf("failed to insert food log %s: %w", e.ID, err)
	}
	return nil
}

// UpdateFoodLog overwrites a live food log row.
func (t *Tx) UpdateFoodLog(e *schema.FoodLogEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid food log: %w", err)
	}
	state, err := t.liveState(schema.KindFoodLog, e.ID)
	if err != nil {
		return err
	}
	e.SyncState = t.updated(state)

	if _, err := t.tx.ExecContext(t.ctx, foodLogTable.upsertSQL(), foodLogArgs(e)...); err != nil {
		return fmt.Errorf("failed to update food log %s: %w", e.ID, err)
	}
	return nil
}

// DeleteFoodLog tombstones a food log row.
func (t *Tx) DeleteFoodLog(id string) error {
	return t.tombstone(schema.KindFoodLog, id)
}

// AddWeight inserts a weight measurement.
func (t *Tx) AddWeight(w *schema.WeightEntry) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid weight: %w", err)
	}
	w.SyncState = schema.SyncState{Action: schema.ActionCreate, LastModified: t.Now()}

	if _, err := t.tx.ExecContext(t.ctx, weightTable.insertSQL(), weightArgs(w)...); err != nil {
		return fmt.Errorf("failed to insert weight %s: %w", w.ID, err)
	}
	return nil
}

// DeleteWeight tombstones a weight measurement.
func (t *Tx) DeleteWeight(id string) error {
	return t.tombstone(schema.KindWeight, id)
}

// UpsertProfile creates the user's profile or overwrites the existing one.
func (t *Tx) UpsertProfile(p *schema.UserProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	state, err := t.liveState(schema.KindProfile, p.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		p.SyncState = schema.SyncState{Action: schema.ActionCreate, LastModified: t.db.stamp(state.LastModified)}
	case err != nil:
		return err
	default:
		p.SyncState = t.updated(state)
	}

	if _, err := t.tx.ExecContext(t.ctx, profileTable.upsertSQL(), profileArgs(p)...); err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.UserID, err)
	}
	return nil
}

// PutStreak writes the derived streak row. An unchanged streak is left
// alone, so recomputing it does not count as a store change.
func (t *Tx) PutStreak(s *schema.StreakState) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO streak_state (user_id, current_streak, last_qualifying_day, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_streak = excluded.current_streak,
			last_qualifying_day = excluded.last_qualifying_day,
			computed_at = excluded.computed_at
		WHERE current_streak != excluded.current_streak
		   OR last_qualifying_day != excluded.last_qualifying_day`,
		s.UserID, s.CurrentStreak, s.LastQualifyingDay, schema.FormatTime(s.ComputedAt))
	if err != nil {
		return fmt.Errorf("failed to write streak for %s: %w", s.UserID, err)
	}
	return nil
}

// LoggedTimes returns the logged_at of every live food log of userID.
func (t *Tx) LoggedTimes(userID string) ([]time.Time, error) {
	return loggedTimes(t.ctx, t.tx, userID)
}

// updated returns the sync state of a locally edited row. A row whose
// creation has not reached the remote yet stays a create.
func (t *Tx) updated(prev schema.SyncState) schema.SyncState {
	action := schema.ActionUpdate
	if !prev.Synced && prev.Action == schema.ActionCreate {
		action = schema.ActionCreate
	}
	return schema.SyncState{Action: action, LastModified: t.db.stamp(prev.LastModified)}
}

func (t *Tx) tombstone(kind schema.Kind, id string) error {
	tbl, err := tableFor(kind)
	if err != nil {
		return err
	}
	state, err := t.liveState(kind, id)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE `+tbl.name+` SET synced = 0, sync_action = 'delete', last_modified = ? WHERE `+tbl.key+` = ?`,
		schema.FormatTime(t.db.stamp(state.LastModified)), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// syncState returns the sync triple of a row, tombstones included.
func (t *Tx) syncState(kind schema.Kind, id string) (schema.SyncState, bool, error) {
	return readSyncState(t.ctx, t.tx, kind, id)
}

// liveState is syncState restricted to rows visible to the UI.
func (t *Tx) liveState(kind schema.Kind, id string) (schema.SyncState, error) {
	state, found, err := t.syncState(kind, id)
	if err != nil {
		return schema.SyncState{}, err
	}
	if !found || state.Action == schema.ActionDelete {
		return schema.SyncState{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return state, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readSyncState(ctx context.Context, q querier, kind schema.Kind, id string) (schema.SyncState, bool, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return schema.SyncState{}, false, err
	}

	var sd syncDest
	err = q.QueryRowContext(ctx,
		`SELECT synced, sync_action, last_modified FROM `+tbl.name+` WHERE `+tbl.key+` = ?`, id).
		Scan(sd.ptrs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.SyncState{}, false, nil
	}
	if err != nil {
		return schema.SyncState{}, false, fmt.Errorf("failed to read sync state of %s %s: %w", kind, id, err)
	}
	state, err := sd.state()
	if err != nil {
		return schema.SyncState{}, false, err
	}
	return state, true, nil
}

func loggedTimes(ctx context.Context, q querier, userID string) ([]time.Time, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT logged_at FROM food_logs WHERE user_id = ? AND `+liveFilter+` ORDER BY logged_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query food log times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan food log time: %w", err)
		}
		ts, err := schema.ParseTime(s)
		if err != nil {
			return nil, err
		}
		times = append(times, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating food log times: %w", err)
	}
	return times, nil
}
