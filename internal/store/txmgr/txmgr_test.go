package txmgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/streak"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, mutate ...func(*db.Config)) *db.DB {
	t.Helper()
	cfg := db.DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	for _, m := range mutate {
		m(&cfg)
	}
	store, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newUpdater(t *testing.T, store *db.DB) *streak.Updater {
	t.Helper()
	u, err := streak.New(store, streak.Config{Timezone: "UTC", MinEntriesPerDay: 1})
	require.NoError(t, err)
	u.SetClock(func() time.Time { return now })
	return u
}

func meal(user string, calories ...int) *schema.Batch {
	b := &schema.Batch{UserID: user, Source: "image"}
	for i, c := range calories {
		b.Entries = append(b.Entries, schema.FoodLogEntry{
			FoodName: fmt.Sprintf("item %d", i),
			Calories: c,
			LoggedAt: now.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	return b
}

// recordingNotifier counts Signal calls.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []time.Time
}

func (n *recordingNotifier) Signal(ctx context.Context) {
	n.mu.Lock()
	n.calls = append(n.calls, time.Now())
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type failingStats struct{ panics bool }

func (f failingStats) Recompute(ctx context.Context, userID string) (*schema.StreakState, error) {
	if f.panics {
		panic("streak exploded")
	}
	return nil, errs.DerivedStat("test", errors.New("no streak today"))
}

func TestAddBatch_CommitsAndUpdatesStreak(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	var streaks []*schema.StreakState
	mgr := New(store, Deps{
		Stats:    newUpdater(t, store),
		OnStreak: func(s *schema.StreakState) { streaks = append(streaks, s) },
	}, DefaultConfig())

	res, err := mgr.AddBatch(ctx, meal("u1", 210, 390, 900))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, []string{"u1"}, res.Users)

	totals, err := store.DailyTotals(ctx, "u1", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1500, totals.Calories)
	assert.Equal(t, 3, totals.Entries)

	s, err := store.Streak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentStreak)
	assert.Equal(t, "2026-06-10", s.LastQualifyingDay)
	require.Contains(t, res.Streaks, "u1")
	assert.Equal(t, 1, res.Streaks["u1"].CurrentStreak)
	assert.Len(t, streaks, 1)

	// All rows of the batch share its meal id and are pending creation.
	logs, err := store.MealEntries(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	for _, e := range logs {
		assert.Equal(t, schema.ActionCreate, e.Action)
	}
}

func TestAddBatch_InvalidRowRollsBackWholeBatch(t *testing.T) {
	tests := []struct {
		name  string
		batch func() *schema.Batch
	}{
		{"validation failure", func() *schema.Batch {
			b := meal("u1", 210, 390, 900)
			b.Entries[1].FoodName = ""
			return b
		}},
		{"constraint violation", func() *schema.Batch {
			b := meal("u1", 210, 390, 900)
			b.Entries[0].ID = "dup"
			b.Entries[1].ID = "dup"
			return b
		}},
		{"negative calories", func() *schema.Batch {
			b := meal("u1", 210, -5, 900)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t)
			notifier := &recordingNotifier{}
			mgr := New(store, Deps{Stats: newUpdater(t, store), Notifier: notifier}, DefaultConfig())

			b := tt.batch()
			_, err := mgr.AddBatch(ctx, b)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.BatchInsertFailed), "got %v", err)

			var e *errs.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, b.ID, e.BatchID)
			assert.Equal(t, 1, e.Index)

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.FoodLogs)

			// Nothing committed, so no post-commit effects.
			assert.Equal(t, 0, notifier.count())
			s, err := store.Streak(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, 0, s.CurrentStreak)
		})
	}
}

func TestAddBatch_EmptyBatchFails(t *testing.T) {
	mgr := New(openStore(t), Deps{}, DefaultConfig())
	_, err := mgr.AddBatch(context.Background(), &schema.Batch{UserID: "u1"})
	assert.True(t, errs.Is(err, errs.BatchInsertFailed))
}

func TestAddBatch_StreakFailureDoesNotFailBatch(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panics=%v", panics), func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t)
			notifier := &recordingNotifier{}
			mgr := New(store, Deps{Stats: failingStats{panics: panics}, Notifier: notifier}, DefaultConfig())

			res, err := mgr.AddBatch(ctx, meal("u1", 100, 200))
			require.NoError(t, err)
			assert.Empty(t, res.Streaks)

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.FoodLogs)
			assert.Equal(t, 1, notifier.count())
		})
	}
}

func TestAddBatch_NotifiesAfterDelay(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	queue := NewPostCommitQueue(16)
	require.NoError(t, queue.Start(ctx))
	defer queue.Close()

	notifier := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.NotifyDelay = 300 * time.Millisecond
	mgr := New(store, Deps{Notifier: notifier, Queue: queue}, cfg)

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := mgr.AddBatch(ctx, meal("u1", 100))
		require.NoError(t, err)
	}
	// Not fired synchronously from the write path.
	assert.Equal(t, 0, notifier.count())

	require.Eventually(t, func() bool { return notifier.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, notifier.count(), "notifications pending at once coalesce")

	notifier.mu.Lock()
	fired := notifier.calls[0]
	notifier.mu.Unlock()
	assert.GreaterOrEqual(t, fired.Sub(start), cfg.NotifyDelay)
}

func TestAddBatch_StoreBusyPropagates(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, func(c *db.Config) {
		c.BusyTimeout = 50 * time.Millisecond
		c.BusyRetries = 1
		c.RetryBackoff = 10 * time.Millisecond
	})
	mgr := New(store, Deps{}, DefaultConfig())

	// Hold the writer lock from another connection.
	holder, err := store.RawDB().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	require.NoError(t, err)
	_, err = holder.ExecContext(ctx, `UPDATE change_marker SET revision = revision WHERE id = 1`)
	require.NoError(t, err)

	_, err = mgr.AddBatch(ctx, meal("u1", 100, 200))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.StoreBusy), "got %v", err)
	require.NoError(t, holder.Rollback())

	// Nothing was written, and the caller can retry.
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FoodLogs)

	_, err = mgr.AddBatch(ctx, meal("u1", 100, 200))
	require.NoError(t, err)
}

func TestAddBatch_ConcurrentDistinctUsers(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	mgr := New(store, Deps{Stats: newUpdater(t, store)}, DefaultConfig())

	const users, batches = 6, 10
	var wg sync.WaitGroup
	errCh := make(chan error, users*batches)
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				if _, err := mgr.AddBatch(ctx, meal(user, 100, 200, 300)); err != nil {
					errCh <- err
				}
			}
		}(fmt.Sprintf("user-%d", u))
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("AddBatch failed: %v (busy=%v)", err, errs.Is(err, errs.StoreBusy))
	}

	for u := 0; u < users; u++ {
		totals, err := store.DailyTotals(ctx, fmt.Sprintf("user-%d", u), now, time.UTC)
		require.NoError(t, err)
		assert.Equal(t, batches*3, totals.Entries)
		assert.Equal(t, batches*600, totals.Calories)
	}
}

func TestAddBatch_ConcurrentSameUserLosesNothing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	mgr := New(store, Deps{Stats: newUpdater(t, store)}, DefaultConfig())

	const writers, batches = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				_, err := mgr.AddBatch(ctx, meal("shared", 50, 50))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	totals, err := store.DailyTotals(ctx, "shared", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, writers*batches*2, totals.Entries)

	s, err := store.Streak(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentStreak)
}

func TestMutations_RecordSyncActions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	notifier := &recordingNotifier{}
	mgr := New(store, Deps{Stats: newUpdater(t, store), Notifier: notifier}, DefaultConfig())

	e, err := mgr.LogFood(ctx, schema.FoodLogEntry{UserID: "u1", FoodName: "apple", Calories: 95, LoggedAt: now})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)

	e.Calories = 100
	require.NoError(t, mgr.UpdateFoodLog(ctx, e))
	got, err := store.FoodLog(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Calories)
	assert.Equal(t, schema.ActionCreate, got.Action, "unsynced create stays a create")

	require.NoError(t, mgr.DeleteFoodLog(ctx, e.ID))
	_, err = store.FoodLog(ctx, e.ID)
	assert.True(t, errors.Is(err, db.ErrNotFound))
	s, err := store.Streak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.CurrentStreak)

	w := &schema.WeightEntry{UserID: "u1", WeightKg: 72.5}
	require.NoError(t, mgr.LogWeight(ctx, w))
	assert.NotEmpty(t, w.ID)
	require.NoError(t, mgr.DeleteWeight(ctx, w.ID))

	require.NoError(t, mgr.SaveProfile(ctx, &schema.UserProfile{UserID: "u1", FirstName: "Ada"}))
	require.Error(t, mgr.SaveProfile(ctx, &schema.UserProfile{UserID: "u1", Gender: "other"}))

	assert.Equal(t, 6, notifier.count())
}
