package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/streak"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, mutate func(*db.Config)) *txmgr.Manager {
	t.Helper()
	cfg := db.DefaultConfig(filepath.Join(t.TempDir(), "load.db"))
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stats, err := streak.New(store, streak.DefaultConfig())
	require.NoError(t, err)
	return txmgr.New(store, txmgr.Deps{Stats: stats}, txmgr.DefaultConfig())
}

func TestRun_NoLostRows(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"distinct users", Config{Writers: 4, BatchesPerWriter: 10, RowsPerBatch: 3, Users: 4, Readers: 2, Seed: 1}},
		{"overlapping users", Config{Writers: 6, BatchesPerWriter: 10, RowsPerBatch: 5, Users: 2, Readers: 3, Seed: 2}},
		{"single user", Config{Writers: 4, BatchesPerWriter: 5, RowsPerBatch: 2, Users: 1, Readers: 1, Seed: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newManager(t, nil)

			rep, err := Run(context.Background(), mgr, tt.cfg)
			require.NoError(t, err)

			total := tt.cfg.Writers * tt.cfg.BatchesPerWriter
			assert.Equal(t, total, rep.Batches)
			assert.Equal(t, total, rep.Committed+rep.Busy+rep.Failed)
			assert.Zero(t, rep.Failed)
			assert.Zero(t, rep.LostRows)
			assert.Zero(t, rep.Partial)
			assert.Equal(t, rep.Committed*tt.cfg.RowsPerBatch, rep.Stored)
			assert.True(t, rep.OK())
			assert.Equal(t, total, rep.Writes.Count)

			stats, err := mgr.Store().Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, rep.Stored, stats.FoodLogs)
		})
	}
}

// Under a tiny busy timeout without retries, writers collide and some
// batches are rejected. Every rejection must be a StoreBusy reported to the
// caller and leave nothing behind.
func TestRun_BusyRejectionsAreClean(t *testing.T) {
	mgr := newManager(t, func(c *db.Config) {
		c.BusyTimeout = time.Millisecond
		c.BusyRetries = 0
	})

	rep, err := Run(context.Background(), mgr, Config{
		Writers:          8,
		BatchesPerWriter: 10,
		RowsPerBatch:     10,
		Users:            2,
		Readers:          2,
		Seed:             7,
	})
	require.NoError(t, err)

	assert.Zero(t, rep.Failed, "only busy rejections expected")
	assert.Zero(t, rep.Partial)
	assert.Zero(t, rep.LostRows)
	assert.Equal(t, rep.Batches, rep.Committed+rep.Busy)
	t.Logf("committed=%d busy=%d", rep.Committed, rep.Busy)
}

func TestRun_InvalidConfig(t *testing.T) {
	mgr := newManager(t, nil)
	_, err := Run(context.Background(), mgr, Config{Writers: 0, BatchesPerWriter: 1, RowsPerBatch: 1})
	assert.Error(t, err)
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, time.Duration(50500)*time.Microsecond, s.Mean)

	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}

func TestReport_Print(t *testing.T) {
	var buf bytes.Buffer
	rep := &Report{Batches: 3, Committed: 2, Busy: 1, Expected: 4, Stored: 4}
	rep.Print(&buf)
	assert.Contains(t, buf.String(), "2 committed, 1 busy")
	assert.Contains(t, buf.String(), "0 lost")
}
