package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

// FoodLog returns a live food log row by id.
func (db *DB) FoodLog(ctx context.Context, id string) (*schema.FoodLogEntry, error) {
	row := db.conn.QueryRowContext(ctx, foodLogTable.selectSQL()+` WHERE id = ? AND `+liveFilter, id)
	e, err := scanFoodLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("food log %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get food log %s: %w", id, err)
	}
	return e, nil
}

// FoodLogsForDay returns userID's live food logs for the calendar day
// containing day in loc, ordered by logged_at.
func (db *DB) FoodLogsForDay(ctx context.Context, userID string, day time.Time, loc *time.Location) ([]*schema.FoodLogEntry, error) {
	start, end := dayBounds(day, loc)
	rows, err := db.conn.QueryContext(ctx, foodLogTable.selectSQL()+`
		WHERE user_id = ? AND logged_at >= ? AND logged_at < ? AND `+liveFilter+`
		ORDER BY logged_at ASC, id ASC`, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query food logs: %w", err)
	}
	defer rows.Close()

	var entries []*schema.FoodLogEntry
	for rows.Next() {
		e, err := scanFoodLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan food log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating food logs: %w", err)
	}
	return entries, nil
}

// MealEntries returns the live rows sharing mealID.
func (db *DB) MealEntries(ctx context.Context, mealID string) ([]*schema.FoodLogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, foodLogTable.selectSQL()+`
		WHERE meal_id = ? AND `+liveFilter+` ORDER BY logged_at ASC, id ASC`, mealID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meal %s: %w", mealID, err)
	}
	defer rows.Close()

	var entries []*schema.FoodLogEntry
	for rows.Next() {
		e, err := scanFoodLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan food log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meal %s: %w", mealID, err)
	}
	return entries, nil
}

// DailyTotals sums userID's live food logs for the calendar day containing
// day in loc.
func (db *DB) DailyTotals(ctx context.Context, userID string, day time.Time, loc *time.Location) (*schema.DailyTotals, error) {
	if loc == nil {
		loc = time.Local
	}
	start, end := dayBounds(day, loc)
	totals := &schema.DailyTotals{UserID: userID, Day: day.In(loc).Format(schema.DayLayout)}

	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(calories), 0),
		       COALESCE(SUM(protein_g), 0),
		       COALESCE(SUM(carbs_g), 0),
		       COALESCE(SUM(fat_g), 0)
		FROM food_logs
		WHERE user_id = ? AND logged_at >= ? AND logged_at < ? AND `+liveFilter,
		userID, start, end).Scan(&totals.Entries, &totals.Calories, &totals.ProteinG, &totals.CarbsG, &totals.FatG)
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily totals: %w", err)
	}
	return totals, nil
}

// LoggedTimes returns the logged_at of every live food log of userID.
func (db *DB) LoggedTimes(ctx context.Context, userID string) ([]time.Time, error) {
	return loggedTimes(ctx, db.conn, userID)
}

// CurrentWeight returns userID's most recent live weight measurement.
func (db *DB) CurrentWeight(ctx context.Context, userID string) (*schema.WeightEntry, error) {
	row := db.conn.QueryRowContext(ctx, weightTable.selectSQL()+`
		WHERE user_id = ? AND `+liveFilter+`
		ORDER BY recorded_at DESC, last_modified DESC LIMIT 1`, userID)
	w, err := scanWeight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("weight for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current weight: %w", err)
	}
	return w, nil
}

// WeightHistory returns userID's live weight measurements, newest first. A
// limit of 0 returns all of them.
func (db *DB) WeightHistory(ctx context.Context, userID string, limit int) ([]*schema.WeightEntry, error) {
	query := weightTable.selectSQL() + ` WHERE user_id = ? AND ` + liveFilter + ` ORDER BY recorded_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query weight history: %w", err)
	}
	defer rows.Close()

	var weights []*schema.WeightEntry
	for rows.Next() {
		w, err := scanWeight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		weights = append(weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating weights: %w", err)
	}
	return weights, nil
}

// Profile returns userID's live profile.
func (db *DB) Profile(ctx context.Context, userID string) (*schema.UserProfile, error) {
	row := db.conn.QueryRowContext(ctx, profileTable.selectSQL()+` WHERE user_id = ? AND `+liveFilter, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	return p, nil
}

// Streak returns userID's derived streak. A user without one has a zero
// streak.
func (db *DB) Streak(ctx context.Context, userID string) (*schema.StreakState, error) {
	s := &schema.StreakState{UserID: userID}
	var computedAt string
	err := db.conn.QueryRowContext(ctx, `
		SELECT current_streak, last_qualifying_day, computed_at
		FROM streak_state WHERE user_id = ?`, userID).
		Scan(&s.CurrentStreak, &s.LastQualifyingDay, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get streak for %s: %w", userID, err)
	}
	if s.ComputedAt, err = schema.ParseTime(computedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// Users returns every user id with a profile or a live food log.
func (db *DB) Users(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id FROM user_profiles WHERE `+liveFilter+`
		UNION
		SELECT DISTINCT user_id FROM food_logs WHERE `+liveFilter+`
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// Revision returns the change marker. It increases on every committed write
// to a domain table.
func (db *DB) Revision(ctx context.Context) (int64, error) {
	var rev int64
	if err := db.conn.QueryRowContext(ctx, `SELECT revision FROM change_marker WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to read change marker: %w", err)
	}
	return rev, nil
}

// Stats summarizes the store's contents.
type Stats struct {
	Profiles   int   `json:"profiles"`
	Weights    int   `json:"weights"`
	FoodLogs   int   `json:"food_logs"`
	Pending    int   `json:"pending"`
	Tombstones int   `json:"tombstones"`
	Revision   int64 `json:"revision"`
	FileSize   int64 `json:"file_size"`
}

// Stats returns live row counts, sync backlog and the database file size.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM user_profiles WHERE `+liveFilter+`),
			(SELECT COUNT(*) FROM user_weights WHERE `+liveFilter+`),
			(SELECT COUNT(*) FROM food_logs WHERE `+liveFilter+`),
			(SELECT COUNT(*) FROM user_profiles WHERE sync_action = 'delete')
			  + (SELECT COUNT(*) FROM user_weights WHERE sync_action = 'delete')
			  + (SELECT COUNT(*) FROM food_logs WHERE sync_action = 'delete'),
			(SELECT revision FROM change_marker WHERE id = 1)`).
		Scan(&s.Profiles, &s.Weights, &s.FoodLogs, &s.Tombstones, &s.Revision)
	if err != nil {
		return nil, fmt.Errorf("failed to compute store stats: %w", err)
	}

	if s.Pending, err = db.PendingCount(ctx); err != nil {
		return nil, err
	}

	if fi, err := os.Stat(db.cfg.Path); err == nil {
		s.FileSize = fi.Size()
	}
	if fi, err := os.Stat(db.cfg.Path + "-wal"); err == nil {
		s.FileSize += fi.Size()
	}
	return &s, nil
}
