package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLATEMATE_DATA_DIR", dir)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "plate.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "inbox"), cfg.Daemon.InboxDir)
	assert.Equal(t, def.Store.BusyTimeout, cfg.Store.BusyTimeout)
	assert.Equal(t, def.Sync.Interval, cfg.Sync.Interval)
	assert.Equal(t, def.Watcher.Interval, cfg.Watcher.Interval)
	assert.Equal(t, 1, cfg.Streak.MinEntriesPerDay)
	assert.False(t, cfg.Remote.Enabled())
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "`+filepath.ToSlash(dir)+`"
user_id = "from-file"

[store]
busy_timeout = "3s"
busy_retries = 5

[streak]
min_entries_per_day = 2

[remote]
url = "http://localhost:9999"
`), 0o644))

	t.Setenv("PLATEMATE_STORE_BUSY_RETRIES", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("user-id", "", "")
	require.NoError(t, flags.Parse([]string{"--user-id", "from-flag"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Store.BusyTimeout, "file over default")
	assert.Equal(t, 7, cfg.Store.BusyRetries, "env over file")
	assert.Equal(t, "from-flag", cfg.UserID, "flag over file")
	assert.Equal(t, 2, cfg.Streak.MinEntriesPerDay)
	assert.True(t, cfg.Remote.Enabled())
}

func TestLoad_FindsFileInDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLATEMATE_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("user_id = \"ada\"\n"), 0o644))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", cfg.UserID)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLATEMATE_DATA_DIR", dir)
	t.Setenv("PLATEMATE_STREAK_TIMEZONE", "Nowhere/Special")

	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "streak.timezone")
}

func TestWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	cfg := Default()
	cfg.DataDir = dir
	cfg.UserID = "u1"
	cfg.Store.BusyTimeout = 2 * time.Second
	require.NoError(t, Write(path, cfg, false))
	assert.Error(t, Write(path, cfg, false), "no overwrite without force")
	require.NoError(t, Write(path, cfg, true))

	got, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 2*time.Second, got.Store.BusyTimeout)
}
