package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/remote"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag of cmd and its children to its default.
// Cobra keeps parsed values between Execute calls in one process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the plate command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", errs.Busy("db.RunTransaction", errors.New("database is locked")), exitBusy},
		{"batch", errs.BatchFailed("txmgr.AddBatch", "b1", 2, errors.New("bad row")), exitBatchFail},
		{"wrapped busy", fmt.Errorf("log weight: %w", errs.Busy("op", nil)), exitBusy},
		{"other", errors.New("boom"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	msg := describe(errs.Busy("op", errors.New("database is locked")))
	assert.Contains(t, msg, "nothing was saved")

	msg = describe(errs.BatchFailed("op", "photo-7", 2, errors.New("calories must be >= 0")))
	assert.Contains(t, msg, "entry 3 of batch photo-7")
	assert.Contains(t, msg, "calories must be >= 0")

	msg = describe(errs.BatchFailed("op", "photo-8", -1, errors.New("no entries")))
	assert.Contains(t, msg, "batch photo-8 could not be saved")

	assert.Equal(t, "plain", describe(errors.New("plain")))
	assert.Empty(t, describe(nil))
}

func TestParseWhen(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	now := time.Date(2026, 6, 10, 15, 0, 0, 0, loc)

	tests := []struct {
		in      string
		want    time.Time
		dayOnly bool
		wantErr bool
	}{
		{in: "", want: now},
		{in: "2026-06-09T08:30:00Z", want: time.Date(2026, 6, 9, 8, 30, 0, 0, time.UTC)},
		{in: "2026-06-09 12:30", want: time.Date(2026, 6, 9, 12, 30, 0, 0, loc)},
		{in: "2026-06-08", want: time.Date(2026, 6, 8, 0, 0, 0, 0, loc)},
		{in: "yesterday", want: now.AddDate(0, 0, -1), dayOnly: true},
		{in: "gibberish", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseWhen(tt.in, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.dayOnly {
				assert.Equal(t, tt.want.Format(schema.DayLayout), got.In(loc).Format(schema.DayLayout))
				return
			}
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestCLI_LogListStatus(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--user-id", "sam"}

	out := mustRun(t, append([]string{"init"}, base...)...)
	assert.Contains(t, out, "Wrote config")
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.DirExists(t, filepath.Join(dir, "inbox"))

	out = mustRun(t, append(base, "log", "add", "Greek", "yogurt", "--calories", "150", "--protein", "15", "--meal", "breakfast")...)
	assert.Contains(t, out, "Logged Greek yogurt (150 kcal)")
	assert.Contains(t, out, "streak: 1 days")

	mustRun(t, append(base, "profile", "set", "--first-name", "Sam", "--calorie-goal", "2000")...)
	mustRun(t, append(base, "weight", "add", "72.4")...)

	out = mustRun(t, append(base, "log", "list")...)
	assert.Contains(t, out, "Greek yogurt")
	assert.Contains(t, out, "create")
	assert.Contains(t, out, "1 entries")

	out = mustRun(t, append(base, "status")...)
	assert.Contains(t, out, "150 / 2000 kcal")
	assert.Contains(t, out, "72.4 kg")
	assert.Contains(t, out, "3 change(s) to push")
	assert.Contains(t, out, "1 food logs, 1 weights, 1 profiles")

	out = mustRun(t, append(base, "profile", "show")...)
	assert.Contains(t, out, "Sam")
	assert.Contains(t, out, "2000 kcal")
}

func TestCLI_RequiresUser(t *testing.T) {
	t.Setenv("PLATEMATE_USER_ID", "")
	_, err := run(t, "--data-dir", t.TempDir(), "log", "add", "toast", "--calories", "90")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user")
	assert.Equal(t, exitError, exitCode(err))
}

func TestCLI_BatchIngest(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--user-id", "sam"}

	good := filepath.Join(dir, "lunch.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
id: lunch-1
entries:
  - food_name: rice
    calories: 200
  - food_name: chicken
    calories: 250
`), 0o644))

	bad := filepath.Join(dir, "dinner.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{
  "id": "dinner-1",
  "entries": [
    {"food_name": "soup", "calories": 120},
    {"food_name": "bread", "calories": -1}
  ]
}`), 0o644))

	out := mustRun(t, append(base, "batch", "ingest", good)...)
	assert.Contains(t, out, "2 entries stored as batch lunch-1")

	_, err := run(t, append(base, "batch", "ingest", bad)...)
	require.Error(t, err)
	assert.Equal(t, exitBatchFail, exitCode(err))
	assert.Contains(t, describe(err), "entry 2 of batch dinner-1")

	out = mustRun(t, append(base, "status")...)
	assert.Contains(t, out, "2 food logs", "rejected batch left no rows behind")
}

func TestCLI_BatchIngestInbox(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--user-id", "sam"}
	mustRun(t, append([]string{"init"}, base...)...)

	inbox := filepath.Join(dir, "inbox")
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "meal.json"), []byte(`{
  "user_id": "sam",
  "entries": [{"food_name": "oats", "calories": 300}]
}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "snack.json"), []byte(`{
  "user_id": "sam",
  "entries": [
    {"food_name": "nuts", "calories": 180},
    {"food_name": "chips", "calories": -5}
  ]
}`), 0o644))

	out, err := run(t, append(base, "batch", "ingest", "--inbox")...)
	require.Error(t, err)
	assert.Equal(t, exitBatchFail, exitCode(err))
	assert.Contains(t, out, "meal.json\n")
	assert.Contains(t, out, "snack.json: entry 2 of batch snack")
	assert.Contains(t, out, "1 batch file(s) stored")

	assert.FileExists(t, filepath.Join(inbox, "done", "meal.json"))
	assert.FileExists(t, filepath.Join(inbox, "failed", "snack.json.error"))

	out = mustRun(t, append(base, "status")...)
	assert.Contains(t, out, "1 food logs")
}

func TestCLI_SyncBetweenDevices(t *testing.T) {
	srv := httptest.NewServer(remote.NewHandler(remote.NewMemory(), "secret"))
	defer srv.Close()

	phone := []string{"--data-dir", t.TempDir(), "--user-id", "sam", "--remote.url", srv.URL}
	laptop := []string{"--data-dir", t.TempDir(), "--user-id", "sam", "--remote.url", srv.URL}
	t.Setenv("PLATEMATE_REMOTE_TOKEN", "secret")

	mustRun(t, append(phone, "log", "add", "banana", "--calories", "105")...)
	mustRun(t, append(phone, "weight", "add", "70")...)

	out := mustRun(t, append(phone, "sync")...)
	assert.Contains(t, out, "pushed 2")

	out = mustRun(t, append(laptop, "sync", "pull")...)
	assert.Contains(t, out, "pulled 2 (2 new")

	out = mustRun(t, append(laptop, "log", "list")...)
	assert.Contains(t, out, "banana")
	assert.Contains(t, out, "synced")

	out = mustRun(t, append(phone, "status")...)
	assert.Contains(t, out, "Pending")
	assert.NotContains(t, out, "to push")
}

func TestCLI_SyncOffline(t *testing.T) {
	srv := httptest.NewServer(remote.NewHandler(remote.NewMemory(), ""))
	url := srv.URL
	srv.Close()

	base := []string{"--data-dir", t.TempDir(), "--user-id", "sam", "--remote.url", url}
	mustRun(t, append(base, "log", "add", "apple", "--calories", "80")...)

	out := mustRun(t, append(base, "sync")...)
	assert.Contains(t, out, "remote unreachable")

	out = mustRun(t, append(base, "status")...)
	assert.Contains(t, out, "1 change(s) to push")
}
