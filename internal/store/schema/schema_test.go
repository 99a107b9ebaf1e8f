package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := a.Add(1500 * time.Microsecond)
	c := a.Add(10 * time.Second)

	fa, fb, fc := FormatTime(a), FormatTime(b), FormatTime(c)
	assert.Less(t, fa, fb)
	assert.Less(t, fb, fc)
	assert.Equal(t, "2026-03-01T09:00:00.000Z", fa)

	parsed, err := ParseTime(fb)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(Stamp(b)))
}

func TestFoodLogValidate(t *testing.T) {
	valid := FoodLogEntry{ID: "f1", UserID: "u1", FoodName: "oats", Calories: 150, LoggedAt: time.Now()}
	bad := 11

	tests := []struct {
		name    string
		mutate  func(e *FoodLogEntry)
		wantErr bool
	}{
		{"valid", func(e *FoodLogEntry) {}, false},
		{"missing id", func(e *FoodLogEntry) { e.ID = "" }, true},
		{"missing user", func(e *FoodLogEntry) { e.UserID = "" }, true},
		{"blank name", func(e *FoodLogEntry) { e.FoodName = "  " }, true},
		{"negative calories", func(e *FoodLogEntry) { e.Calories = -1 }, true},
		{"negative fat", func(e *FoodLogEntry) { e.FatG = -0.5 }, true},
		{"rating out of range", func(e *FoodLogEntry) { e.HealthinessRating = &bad }, true},
		{"zero time", func(e *FoodLogEntry) { e.LoggedAt = time.Time{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			if err := e.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProfileValidateEnums(t *testing.T) {
	p := UserProfile{UserID: "u1", Gender: "female", ActivityLevel: "light", WeightGoal: "lose"}
	require.NoError(t, p.Validate())

	p.ActivityLevel = "couch"
	require.Error(t, p.Validate())
}

func TestRecordRoundTripKeepsIdentity(t *testing.T) {
	w := &WeightEntry{ID: "w1", UserID: "u1", WeightKg: 81.5, RecordedAt: time.Now()}
	w.LastModified = time.Now()

	rec, err := WeightRecord(w)
	require.NoError(t, err)
	assert.Equal(t, KindWeight, rec.Kind)
	assert.NotContains(t, string(rec.Payload), "synced")

	got, err := rec.Weight()
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)
	assert.Equal(t, 81.5, got.WeightKg)

	_, err = rec.FoodLog()
	assert.Error(t, err)
}

func TestBatchDefaultsAndFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

	b := &Batch{UserID: "u1", Entries: []FoodLogEntry{{FoodName: "rice", Calories: 210}, {FoodName: "chicken", Calories: 390}}}
	b.SetDefaults(now)
	require.NoError(t, b.Validate())
	assert.NotEmpty(t, b.ID)
	for _, e := range b.Entries {
		assert.Equal(t, "u1", e.UserID)
		assert.Equal(t, b.ID, e.MealID)
		assert.True(t, e.LoggedAt.Equal(now))
		assert.NotEmpty(t, e.ID)
	}
	assert.Equal(t, []string{"u1"}, b.UserIDs())

	path, err := WriteBatchFile(dir, b)
	require.NoError(t, err)
	assert.True(t, IsBatchFile(path))

	got, err := ReadBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Len(t, got.Entries, 2)
}

func TestWriteBatchFileAssignsMissingID(t *testing.T) {
	dir := t.TempDir()
	b := &Batch{UserID: "u1", Entries: []FoodLogEntry{{FoodName: "apple", Calories: 80}}}

	path, err := WriteBatchFile(dir, b)
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)

	name := filepath.Base(path)
	assert.Equal(t, b.ID+".json", name)
	assert.False(t, strings.HasPrefix(name, "."), "batch file must not be hidden")

	got, err := ReadBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestReadBatchFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunch-photo.yaml")
	doc := `user_id: u9
source: image
entries:
  - food_name: salad
    calories: 120
    protein_g: 4
  - food_name: bread
    calories: 180
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	b, err := ReadBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, "lunch-photo", b.ID)
	assert.Equal(t, "image", b.Source)
	require.Len(t, b.Entries, 2)
	assert.Equal(t, 120, b.Entries[0].Calories)
	assert.Equal(t, 4.0, b.Entries[0].ProteinG)
}
