package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/remote"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/platemate/platemate/internal/store/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(context.Background(), db.DefaultConfig(filepath.Join(t.TempDir(), "plate.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestInbox_Scan(t *testing.T) {
	store := openStore(t)
	mgr := txmgr.New(store, txmgr.Deps{}, txmgr.DefaultConfig())
	dir := filepath.Join(t.TempDir(), "inbox")

	in, err := NewInbox(dir, 10*time.Millisecond, mgr)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "a-breakfast.json"), `{
  "user_id": "u1",
  "entries": [
    {"food_name": "oats", "calories": 300, "logged_at": "2026-06-10T07:30:00Z"},
    {"food_name": "milk", "calories": 120, "logged_at": "2026-06-10T07:30:00Z"}
  ]
}`)
	writeFile(t, filepath.Join(dir, "b-lunch.yaml"), `
user_id: u1
source: image
entries:
  - food_name: salad
    calories: 250
    logged_at: 2026-06-10T12:00:00Z
`)
	writeFile(t, filepath.Join(dir, "c-broken.json"), `{
  "user_id": "u1",
  "entries": [
    {"food_name": "ok", "calories": 100, "logged_at": "2026-06-10T18:00:00Z"},
    {"food_name": "bad", "calories": -5, "logged_at": "2026-06-10T18:00:00Z"}
  ]
}`)
	writeFile(t, filepath.Join(dir, "d-garbage.json"), `{not json`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)

	committed, err := in.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, committed)

	assert.ElementsMatch(t, []string{"a-breakfast.json", "b-lunch.yaml"}, names(t, filepath.Join(dir, DoneDir)))
	assert.ElementsMatch(t, []string{
		"c-broken.json", "c-broken.json.error",
		"d-garbage.json", "d-garbage.json.error",
	}, names(t, filepath.Join(dir, FailedDir)))
	assert.Equal(t, []string{"notes.txt"}, names(t, dir))

	reason, err := os.ReadFile(filepath.Join(dir, FailedDir, "c-broken.json.error"))
	require.NoError(t, err)
	assert.Contains(t, string(reason), string(errs.BatchInsertFailed))
	assert.Contains(t, string(reason), "index=1")

	totals, err := store.DailyTotals(context.Background(), "u1",
		time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Entries)
	assert.Equal(t, 670, totals.Calories)
}

// busyIngester fails with StoreBusy until released.
type busyIngester struct {
	mu    sync.Mutex
	busy  bool
	calls int
}

func (b *busyIngester) AddBatch(ctx context.Context, batch *schema.Batch) (*txmgr.BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.busy {
		return nil, errs.Busy("test", errors.New("database is locked"))
	}
	return &txmgr.BatchResult{BatchID: batch.ID, Rows: len(batch.Entries)}, nil
}

func (b *busyIngester) release() {
	b.mu.Lock()
	b.busy = false
	b.mu.Unlock()
}

func (b *busyIngester) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestInbox_BusyStoreKeepsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	ing := &busyIngester{busy: true}
	in, err := NewInbox(dir, 20*time.Millisecond, ing)
	require.NoError(t, err)

	path := filepath.Join(dir, "meal.json")
	writeFile(t, path, `{"user_id":"u1","entries":[{"food_name":"x","calories":1,"logged_at":"2026-06-10T07:30:00Z"}]}`)

	ok, err := in.Process(context.Background(), path)
	assert.False(t, ok)
	require.True(t, errs.Is(err, errs.StoreBusy))
	assert.FileExists(t, path)
	assert.Empty(t, names(t, filepath.Join(dir, FailedDir)))

	// The running inbox retries until the store frees up.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return ing.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	ing.release()
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DoneDir, "meal.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestInbox_RunPicksUpNewFiles(t *testing.T) {
	store := openStore(t)
	mgr := txmgr.New(store, txmgr.Deps{}, txmgr.DefaultConfig())
	dir := filepath.Join(t.TempDir(), "inbox")

	in, err := NewInbox(dir, 20*time.Millisecond, mgr)
	require.NoError(t, err)
	var mu sync.Mutex
	var handled []string
	in.OnProcessed = func(path string, err error) {
		mu.Lock()
		handled = append(handled, filepath.Base(path))
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	_, err = schema.WriteBatchFile(dir, &schema.Batch{
		ID:     "photo-1",
		UserID: "u1",
		Source: "image",
		Entries: []schema.FoodLogEntry{
			{FoodName: "rice", Calories: 200, LoggedAt: time.Now()},
			{FoodName: "curry", Calories: 450, LoggedAt: time.Now()},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rows, err := store.MealEntries(context.Background(), "photo-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.FileExists(t, filepath.Join(dir, DoneDir, "photo-1.json"))

	cancel()
	require.NoError(t, <-done)
}

func TestNew_Validation(t *testing.T) {
	store := openStore(t)
	mgr := txmgr.New(store, txmgr.Deps{}, txmgr.DefaultConfig())
	w := watcher.New(store, watcher.DefaultConfig())
	defer w.Close()

	_, err := New(Config{}, Deps{Manager: mgr, Watcher: w})
	assert.Error(t, err)
	_, err = New(Config{InboxDir: t.TempDir()}, Deps{Manager: mgr})
	assert.Error(t, err)
}

func TestDaemon_IngestsAndSyncs(t *testing.T) {
	store := openStore(t)
	w := watcher.New(store, watcher.Config{Interval: time.Hour})
	defer w.Close()
	queue := txmgr.NewPostCommitQueue(16)
	mgr := txmgr.New(store, txmgr.Deps{Notifier: w, Queue: queue}, txmgr.Config{NotifyDelay: 10 * time.Millisecond})

	rem := remote.NewMemory()
	rec := reconcile.New(store, rem)
	sched := reconcile.NewScheduler(rec, reconcile.Config{Interval: time.Hour, PassTimeout: 5 * time.Second})

	cfg := DefaultConfig()
	cfg.InboxDir = filepath.Join(t.TempDir(), "inbox")
	cfg.Debounce = 20 * time.Millisecond
	d, err := New(cfg, Deps{Manager: mgr, Watcher: w, Queue: queue, Scheduler: sched})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Wait for the initial pass so the push below comes from the trigger.
	require.Eventually(t, func() bool {
		_, ok := sched.Last()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, err = schema.WriteBatchFile(d.Inbox().Dir(), &schema.Batch{
		UserID: "u1",
		Entries: []schema.FoodLogEntry{
			{FoodName: "toast", Calories: 150, LoggedAt: time.Now()},
			{FoodName: "jam", Calories: 60, LoggedAt: time.Now()},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rem.Len(schema.KindFoodLog) == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := store.PendingCount(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, sched.Online())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
