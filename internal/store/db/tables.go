package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

// liveFilter hides tombstones from UI-facing queries.
const liveFilter = "(sync_action IS NULL OR sync_action != 'delete')"

// table describes a syncable table. Column order matches the args and scan
// helpers below; the sync triple always comes last.
type table struct {
	name string
	key  string
	cols []string
}

var syncCols = []string{"synced", "sync_action", "last_modified"}

var (
	foodLogTable = table{
		name: "food_logs",
		key:  "id",
		cols: append([]string{
			"id", "user_id", "meal_id", "food_name", "calories",
			"protein_g", "carbs_g", "fat_g", "fiber_g", "sugar_g", "sodium_mg",
			"meal_type", "image_url", "healthiness_rating", "logged_at",
		}, syncCols...),
	}
	weightTable = table{
		name: "user_weights",
		key:  "id",
		cols: append([]string{"id", "user_id", "weight_kg", "recorded_at"}, syncCols...),
	}
	profileTable = table{
		name: "user_profiles",
		key:  "user_id",
		cols: append([]string{
			"user_id", "first_name", "last_name", "email", "height_cm", "age",
			"gender", "activity_level", "weight_goal", "starting_weight_kg",
			"target_weight_kg", "daily_calorie_goal", "onboarding_complete",
		}, syncCols...),
	}
)

func tableFor(kind schema.Kind) (table, error) {
	switch kind {
	case schema.KindFoodLog:
		return foodLogTable, nil
	case schema.KindWeight:
		return weightTable, nil
	case schema.KindProfile:
		return profileTable, nil
	default:
		return table{}, fmt.Errorf("unknown record kind %q", kind)
	}
}

func (t table) columns() string {
	return strings.Join(t.cols, ", ")
}

func (t table) selectSQL() string {
	return "SELECT " + t.columns() + " FROM " + t.name
}

func (t table) insertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.cols)), ", ")
	return "INSERT INTO " + t.name + " (" + t.columns() + ") VALUES (" + marks + ")"
}

// upsertSQL overwrites every column of an existing row, sync triple included.
func (t table) upsertSQL() string {
	sets := make([]string, 0, len(t.cols))
	for _, c := range t.cols {
		if c == t.key {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	return t.insertSQL() + " ON CONFLICT(" + t.key + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func syncArgs(s schema.SyncState) []any {
	var action any
	if !s.Synced && s.Action != schema.ActionNone {
		action = string(s.Action)
	}
	return []any{boolInt(s.Synced), action, schema.FormatTime(s.LastModified)}
}

func foodLogArgs(e *schema.FoodLogEntry) []any {
	return append([]any{
		e.ID, e.UserID, e.MealID, e.FoodName, e.Calories,
		e.ProteinG, e.CarbsG, e.FatG, e.FiberG, e.SugarG, e.SodiumMg,
		e.MealType, e.ImageURL, nullInt(e.HealthinessRating), schema.FormatTime(e.LoggedAt),
	}, syncArgs(e.SyncState)...)
}

func weightArgs(w *schema.WeightEntry) []any {
	return append([]any{
		w.ID, w.UserID, w.WeightKg, schema.FormatTime(w.RecordedAt),
	}, syncArgs(w.SyncState)...)
}

func profileArgs(p *schema.UserProfile) []any {
	return append([]any{
		p.UserID, p.FirstName, p.LastName, p.Email, nullFloat(p.HeightCm), nullInt(p.Age),
		p.Gender, p.ActivityLevel, p.WeightGoal, nullFloat(p.StartingWeightKg),
		nullFloat(p.TargetWeightKg), nullInt(p.DailyCalorieGoal), boolInt(p.OnboardingComplete),
	}, syncArgs(p.SyncState)...)
}

// syncDest collects the sync triple during a scan.
type syncDest struct {
	synced       bool
	action       sql.NullString
	lastModified string
}

func (d *syncDest) ptrs() []any {
	return []any{&d.synced, &d.action, &d.lastModified}
}

func (d *syncDest) state() (schema.SyncState, error) {
	lm, err := schema.ParseTime(d.lastModified)
	if err != nil {
		return schema.SyncState{}, err
	}
	return schema.SyncState{
		Synced:       d.synced,
		Action:       schema.SyncAction(d.action.String),
		LastModified: lm,
	}, nil
}

func scanFoodLog(s scanner) (*schema.FoodLogEntry, error) {
	var e schema.FoodLogEntry
	var rating sql.NullInt64
	var loggedAt string
	var sd syncDest

	dest := append([]any{
		&e.ID, &e.UserID, &e.MealID, &e.FoodName, &e.Calories,
		&e.ProteinG, &e.CarbsG, &e.FatG, &e.FiberG, &e.SugarG, &e.SodiumMg,
		&e.MealType, &e.ImageURL, &rating, &loggedAt,
	}, sd.ptrs()...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if e.LoggedAt, err = schema.ParseTime(loggedAt); err != nil {
		return nil, err
	}
	if e.SyncState, err = sd.state(); err != nil {
		return nil, err
	}
	if rating.Valid {
		r := int(rating.Int64)
		e.HealthinessRating = &r
	}
	return &e, nil
}

func scanWeight(s scanner) (*schema.WeightEntry, error) {
	var w schema.WeightEntry
	var recordedAt string
	var sd syncDest

	dest := append([]any{&w.ID, &w.UserID, &w.WeightKg, &recordedAt}, sd.ptrs()...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if w.RecordedAt, err = schema.ParseTime(recordedAt); err != nil {
		return nil, err
	}
	if w.SyncState, err = sd.state(); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanProfile(s scanner) (*schema.UserProfile, error) {
	var p schema.UserProfile
	var height, startWeight, targetWeight sql.NullFloat64
	var age, calorieGoal sql.NullInt64
	var sd syncDest

	dest := append([]any{
		&p.UserID, &p.FirstName, &p.LastName, &p.Email, &height, &age,
		&p.Gender, &p.ActivityLevel, &p.WeightGoal, &startWeight,
		&targetWeight, &calorieGoal, &p.OnboardingComplete,
	}, sd.ptrs()...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if p.SyncState, err = sd.state(); err != nil {
		return nil, err
	}
	p.HeightCm = floatPtr(height)
	p.StartingWeightKg = floatPtr(startWeight)
	p.TargetWeightKg = floatPtr(targetWeight)
	p.Age = intPtr(age)
	p.DailyCalorieGoal = intPtr(calorieGoal)
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// dayBounds returns the UTC text bounds [start, end) of the calendar day
// containing day in loc.
func dayBounds(day time.Time, loc *time.Location) (string, string) {
	if loc == nil {
		loc = time.Local
	}
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return schema.FormatTime(start), schema.FormatTime(end)
}
