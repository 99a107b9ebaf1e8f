// Package streak derives the consecutive-day logging streak of a user from
// their food log history.
package streak

import (
	"context"
	"fmt"
	"time"

	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/sirupsen/logrus"
)

// Config configures streak computation.
type Config struct {
	// Timezone names the location whose calendar days are counted. Empty
	// means the local timezone.
	Timezone string `mapstructure:"timezone" toml:"timezone"`
	// MinEntriesPerDay is how many live food logs make a day qualify.
	MinEntriesPerDay int `mapstructure:"min_entries_per_day" toml:"min_entries_per_day"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MinEntriesPerDay: 1}
}

// Updater recomputes and stores streaks.
type Updater struct {
	store *db.DB
	loc   *time.Location
	min   int
	now   func() time.Time
	log   *logrus.Entry
}

// New creates an Updater over store.
func New(store *db.DB, cfg Config) (*Updater, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
		}
	}
	if cfg.MinEntriesPerDay < 1 {
		cfg.MinEntriesPerDay = 1
	}
	return &Updater{
		store: store,
		loc:   loc,
		min:   cfg.MinEntriesPerDay,
		now:   time.Now,
		log:   logging.For("streak"),
	}, nil
}

// SetClock replaces the clock deciding what "today" is.
func (u *Updater) SetClock(now func() time.Time) {
	u.now = now
}

// Location returns the timezone days are counted in.
func (u *Updater) Location() *time.Location {
	return u.loc
}

// Recompute reads userID's live food logs, derives the streak ending today
// and stores it. It runs in its own short immediate transaction; on failure
// the stored streak is left as it was and a DerivedStatFailed error is
// returned. Recompute is idempotent.
func (u *Updater) Recompute(ctx context.Context, userID string) (*schema.StreakState, error) {
	const op = "streak.Recompute"
	now := u.now()

	var state *schema.StreakState
	err := u.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		times, err := tx.LoggedTimes(userID)
		if err != nil {
			return err
		}
		count, last := Compute(times, now, u.loc, u.min)
		state = &schema.StreakState{
			UserID:            userID,
			CurrentStreak:     count,
			LastQualifyingDay: last,
			ComputedAt:        schema.Stamp(now),
		}
		return tx.PutStreak(state)
	})
	if err != nil {
		return nil, errs.DerivedStat(op, err)
	}

	u.log.WithFields(logrus.Fields{
		"user":   userID,
		"streak": state.CurrentStreak,
		"last":   state.LastQualifyingDay,
	}).Debug("streak recomputed")
	return state, nil
}

// Compute returns the length of the run of consecutive qualifying days that
// ends today, and the most recent qualifying day on or before today. While
// today has no qualifying entries yet the run may end yesterday instead, so
// a streak is not reported broken before the day is over.
func Compute(times []time.Time, now time.Time, loc *time.Location, minPerDay int) (int, string) {
	if loc == nil {
		loc = time.Local
	}
	if minPerDay < 1 {
		minPerDay = 1
	}

	perDay := make(map[string]int)
	for _, t := range times {
		perDay[t.In(loc).Format(schema.DayLayout)]++
	}
	qualifies := func(d time.Time) bool {
		return perDay[d.Format(schema.DayLayout)] >= minPerDay
	}

	today := civilDay(now, loc)
	last := ""
	for day, n := range perDay {
		if n >= minPerDay && day <= today.Format(schema.DayLayout) && day > last {
			last = day
		}
	}

	anchor := today
	if !qualifies(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
		if !qualifies(anchor) {
			return 0, last
		}
	}

	count := 0
	for d := anchor; qualifies(d); d = d.AddDate(0, 0, -1) {
		count++
	}
	return count, last
}

// civilDay returns noon of t's calendar day in loc. Stepping noon by whole
// days never skips or repeats a date across DST changes.
func civilDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, loc)
}

// Milestone is a streak length worth celebrating.
type Milestone struct {
	Name string `json:"name"`
	Days int    `json:"days"`
}

// Milestones are the streak achievements, shortest first.
var Milestones = []Milestone{
	{Name: "Consistency King", Days: 7},
	{Name: "Streak Master", Days: 30},
}

// Reached returns the milestones a streak of n days has earned.
func Reached(n int) []Milestone {
	var out []Milestone
	for _, m := range Milestones {
		if n >= m.Days {
			out = append(out, m)
		}
	}
	return out
}

// Next returns the next milestone after a streak of n days and how many days
// remain, or ok=false once all are reached.
func Next(n int) (m Milestone, remaining int, ok bool) {
	for _, m := range Milestones {
		if n < m.Days {
			return m, m.Days - n, true
		}
	}
	return Milestone{}, 0, false
}
