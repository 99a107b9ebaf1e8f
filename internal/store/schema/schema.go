// Package schema provides the record types held by the local store and the
// envelope exchanged with the remote sync authority.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
// Lexical order of formatted values equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DayLayout formats calendar days.
const DayLayout = "2006-01-02"

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Stamp truncates t to the precision kept by the store.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// SyncAction is the pending remote operation of an unsynced row.
type SyncAction string

const (
	ActionNone   SyncAction = ""
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// SyncState is the (synced, sync_action, last_modified) triple carried by
// every syncable row. Action is only meaningful while Synced is false.
type SyncState struct {
	Synced       bool       `json:"-" yaml:"-"`
	Action       SyncAction `json:"-" yaml:"-"`
	LastModified time.Time  `json:"-" yaml:"-"`
}

// Pending reports whether the row still needs to reach the remote.
func (s SyncState) Pending() bool {
	return !s.Synced
}

// Kind names a syncable entity type.
type Kind string

const (
	KindFoodLog Kind = "food_log"
	KindWeight  Kind = "weight"
	KindProfile Kind = "profile"
)

// Kinds lists syncable kinds in push order for equal timestamps: profiles
// before the rows that reference them.
var Kinds = []Kind{KindProfile, KindWeight, KindFoodLog}

// Table returns the table backing kind.
func (k Kind) Table() string {
	switch k {
	case KindFoodLog:
		return "food_logs"
	case KindWeight:
		return "user_weights"
	case KindProfile:
		return "user_profiles"
	default:
		return ""
	}
}

// KeyColumn returns the primary key column of kind's table.
func (k Kind) KeyColumn() string {
	if k == KindProfile {
		return "user_id"
	}
	return "id"
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if k.Table() == "" {
		return "", fmt.Errorf("unknown record kind %q", s)
	}
	return k, nil
}

// FoodLogEntry is one logged food item.
type FoodLogEntry struct {
	ID                string    `json:"id" yaml:"id"`
	UserID            string    `json:"user_id" yaml:"user_id"`
	MealID            string    `json:"meal_id,omitempty" yaml:"meal_id,omitempty"`
	FoodName          string    `json:"food_name" yaml:"food_name"`
	Calories          int       `json:"calories" yaml:"calories"`
	ProteinG          float64   `json:"protein_g" yaml:"protein_g"`
	CarbsG            float64   `json:"carbs_g" yaml:"carbs_g"`
	FatG              float64   `json:"fat_g" yaml:"fat_g"`
	FiberG            float64   `json:"fiber_g,omitempty" yaml:"fiber_g,omitempty"`
	SugarG            float64   `json:"sugar_g,omitempty" yaml:"sugar_g,omitempty"`
	SodiumMg          float64   `json:"sodium_mg,omitempty" yaml:"sodium_mg,omitempty"`
	MealType          string    `json:"meal_type,omitempty" yaml:"meal_type,omitempty"`
	ImageURL          string    `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	HealthinessRating *int      `json:"healthiness_rating,omitempty" yaml:"healthiness_rating,omitempty"`
	LoggedAt          time.Time `json:"logged_at" yaml:"logged_at"`

	SyncState `json:"-" yaml:"-"`
}

// Validate checks field values. The store enforces the same rules with CHECK
// constraints.
func (e *FoodLogEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(e.FoodName) == "" {
		return fmt.Errorf("food_name is required")
	}
	if e.Calories < 0 {
		return fmt.Errorf("calories must be >= 0 (got %d)", e.Calories)
	}
	if e.ProteinG < 0 || e.CarbsG < 0 || e.FatG < 0 {
		return fmt.Errorf("macros must be >= 0")
	}
	if err := oneOf("meal_type", e.MealType, MealTypes); err != nil {
		return err
	}
	if e.HealthinessRating != nil && (*e.HealthinessRating < 1 || *e.HealthinessRating > 10) {
		return fmt.Errorf("healthiness_rating must be between 1 and 10 (got %d)", *e.HealthinessRating)
	}
	if e.LoggedAt.IsZero() {
		return fmt.Errorf("logged_at is required")
	}
	return nil
}

// WeightEntry is one body weight measurement.
type WeightEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	WeightKg   float64   `json:"weight_kg"`
	RecordedAt time.Time `json:"recorded_at"`

	SyncState `json:"-"`
}

// Validate checks field values.
func (w *WeightEntry) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	if w.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if w.WeightKg <= 0 {
		return fmt.Errorf("weight_kg must be > 0 (got %v)", w.WeightKg)
	}
	if w.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}
	return nil
}

// Accepted enum values, mirroring the store's CHECK constraints.
var (
	Genders        = []string{"male", "female"}
	ActivityLevels = []string{"sedentary", "light", "moderate", "active", "very_active"}
	WeightGoals    = []string{"lose", "maintain", "gain"}
	MealTypes      = []string{"breakfast", "lunch", "dinner", "snack"}
)

// UserProfile holds per-user attributes. Exactly one row per UserID.
type UserProfile struct {
	UserID             string   `json:"user_id"`
	FirstName          string   `json:"first_name"`
	LastName           string   `json:"last_name,omitempty"`
	Email              string   `json:"email,omitempty"`
	HeightCm           *float64 `json:"height_cm,omitempty"`
	Age                *int     `json:"age,omitempty"`
	Gender             string   `json:"gender,omitempty"`
	ActivityLevel      string   `json:"activity_level,omitempty"`
	WeightGoal         string   `json:"weight_goal,omitempty"`
	StartingWeightKg   *float64 `json:"starting_weight_kg,omitempty"`
	TargetWeightKg     *float64 `json:"target_weight_kg,omitempty"`
	DailyCalorieGoal   *int     `json:"daily_calorie_goal,omitempty"`
	OnboardingComplete bool     `json:"onboarding_complete"`

	SyncState `json:"-"`
}

// Validate checks field values.
func (p *UserProfile) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if err := oneOf("gender", p.Gender, Genders); err != nil {
		return err
	}
	if err := oneOf("activity_level", p.ActivityLevel, ActivityLevels); err != nil {
		return err
	}
	if err := oneOf("weight_goal", p.WeightGoal, WeightGoals); err != nil {
		return err
	}
	if p.DailyCalorieGoal != nil && *p.DailyCalorieGoal < 0 {
		return fmt.Errorf("daily_calorie_goal must be >= 0")
	}
	return nil
}

func oneOf(field, v string, allowed []string) error {
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s (got %q)", field, strings.Join(allowed, ", "), v)
}

// StreakState is the derived consecutive-day logging streak of a user.
type StreakState struct {
	UserID            string    `json:"user_id"`
	CurrentStreak     int       `json:"current_streak"`
	LastQualifyingDay string    `json:"last_qualifying_day,omitempty"`
	ComputedAt        time.Time `json:"computed_at"`
}

// DailyTotals aggregates one user's live food logs for a calendar day.
type DailyTotals struct {
	UserID   string  `json:"user_id"`
	Day      string  `json:"day"`
	Entries  int     `json:"entries"`
	Calories int     `json:"calories"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
}
