package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader is a change marker under test control.
type fakeReader struct {
	rev   atomic.Int64
	reads atomic.Int64
	fail  atomic.Bool
}

func (r *fakeReader) Revision(ctx context.Context) (int64, error) {
	r.reads.Add(1)
	if r.fail.Load() {
		return 0, errors.New("store unavailable")
	}
	return r.rev.Load(), nil
}

// counter counts notifications.
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestCheck_NotifiesOncePerChange(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: time.Hour})
	defer w.Close()

	var c counter
	dispose := w.Subscribe(c.inc)
	defer dispose()

	assert.False(t, w.Check(context.Background()), "no change yet")

	// Many changes between two checks collapse into one notification.
	for i := 0; i < 50; i++ {
		r.rev.Add(1)
	}
	assert.True(t, w.Check(context.Background()))
	assert.False(t, w.Check(context.Background()))
	assert.Equal(t, 1, c.get())
}

func TestPoll_CoalescesWithinInterval(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: 50 * time.Millisecond})
	defer w.Close()

	var c counter
	dispose := w.Subscribe(c.inc)
	defer dispose()

	for i := 0; i < 20; i++ {
		r.rev.Add(1)
	}
	require.Eventually(t, func() bool { return c.get() == 1 }, time.Second, 5*time.Millisecond)

	// No further change, no further notification.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, c.get())
}

func TestSubscribe_AllSubscribersNotified(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: time.Hour})
	defer w.Close()

	var a, b counter
	defer w.Subscribe(a.inc)()
	defer w.Subscribe(b.inc)()
	assert.Equal(t, 2, w.Subscribers())

	r.rev.Add(1)
	w.Signal(context.Background())
	assert.Equal(t, 1, a.get())
	assert.Equal(t, 1, b.get())
}

func TestDispose_RemovesImmediately(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: time.Hour})
	defer w.Close()

	var a, b counter
	disposeA := w.Subscribe(a.inc)
	disposeB := w.Subscribe(b.inc)
	defer disposeB()

	disposeA()
	disposeA() // idempotent
	assert.Equal(t, 1, w.Subscribers())

	r.rev.Add(1)
	w.Signal(context.Background())
	assert.Equal(t, 0, a.get())
	assert.Equal(t, 1, b.get())
}

func TestSuspendAndResume(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: 20 * time.Millisecond})
	defer w.Close()

	dispose := w.Subscribe(func() {})
	assert.True(t, w.Running())
	dispose()
	assert.False(t, w.Running())

	// Suspended: no polling.
	time.Sleep(30 * time.Millisecond)
	reads := r.reads.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, reads, r.reads.Load())

	// Changes made while suspended are part of the new baseline.
	r.rev.Add(5)
	var c counter
	dispose = w.Subscribe(c.inc)
	defer dispose()
	assert.True(t, w.Running())
	assert.False(t, w.Check(context.Background()))

	r.rev.Add(1)
	require.Eventually(t, func() bool { return c.get() == 1 }, time.Second, 5*time.Millisecond)
}

// gatedReader blocks every read until release is closed.
type gatedReader struct {
	fakeReader
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedReader) Revision(ctx context.Context) (int64, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.fakeReader.Revision(ctx)
}

func TestSubscribe_BaselineReadDoesNotHoldLock(t *testing.T) {
	r := &gatedReader{entered: make(chan struct{}), release: make(chan struct{})}
	w := New(r, Config{Interval: time.Hour})
	defer w.Close()

	var c counter
	subscribed := make(chan func())
	go func() { subscribed <- w.Subscribe(c.inc) }()
	<-r.entered

	// The baseline read is still blocked; bookkeeping must not wait on it.
	accessors := make(chan struct{})
	go func() {
		assert.Equal(t, 1, w.Subscribers())
		assert.True(t, w.Running())
		close(accessors)
	}()
	select {
	case <-accessors:
	case <-time.After(2 * time.Second):
		close(r.release)
		t.Fatal("Subscribers blocked behind the baseline read")
	}

	close(r.release)
	dispose := <-subscribed
	defer dispose()

	r.rev.Add(1)
	assert.True(t, w.Check(context.Background()))
	assert.Equal(t, 1, c.get())
}

func TestSignal_NoSubscribersIsNoop(t *testing.T) {
	r := &fakeReader{}
	w := New(r, DefaultConfig())
	defer w.Close()

	r.rev.Add(1)
	w.Signal(context.Background())
	assert.Equal(t, int64(0), r.reads.Load())
}

func TestReadErrorsAreRetried(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: time.Hour})
	defer w.Close()

	var c counter
	defer w.Subscribe(c.inc)()

	r.fail.Store(true)
	r.rev.Add(1)
	assert.False(t, w.Check(context.Background()))

	r.fail.Store(false)
	assert.True(t, w.Check(context.Background()))
	assert.Equal(t, 1, c.get())
}

func TestSubscriberPanicIsContained(t *testing.T) {
	r := &fakeReader{}
	w := New(r, Config{Interval: time.Hour})
	defer w.Close()

	var c counter
	defer w.Subscribe(func() { panic("boom") })()
	defer w.Subscribe(c.inc)()

	r.rev.Add(1)
	assert.NotPanics(t, func() { w.Signal(context.Background()) })
	assert.Equal(t, 1, c.get())
}

func TestIndependentWatchers(t *testing.T) {
	r := &fakeReader{}
	w1 := New(r, Config{Interval: time.Hour})
	w2 := New(r, Config{Interval: time.Hour})
	defer w1.Close()
	defer w2.Close()

	var c1, c2 counter
	defer w1.Subscribe(c1.inc)()
	defer w2.Subscribe(c2.inc)()

	r.rev.Add(1)
	assert.True(t, w1.Check(context.Background()))
	// w2 has its own last-seen revision.
	assert.True(t, w2.Check(context.Background()))
	assert.Equal(t, 1, c1.get())
	assert.Equal(t, 1, c2.get())
}

func TestWatcher_SeesStoreCommits(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(ctx, db.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	defer store.Close()

	w := New(store, Config{Interval: time.Hour})
	defer w.Close()

	var c counter
	defer w.Subscribe(c.inc)()

	err = store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			e := &schema.FoodLogEntry{ID: id, UserID: "u1", FoodName: "egg", Calories: 70, LoggedAt: time.Now()}
			if err := tx.InsertFoodLog(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	w.Signal(ctx)
	assert.Equal(t, 1, c.get())

	// A rolled-back transaction is not a change.
	_ = store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		e := &schema.FoodLogEntry{ID: "d", UserID: "u1", FoodName: "egg", Calories: 70, LoggedAt: time.Now()}
		if err := tx.InsertFoodLog(e); err != nil {
			return err
		}
		return errors.New("abort")
	})
	w.Signal(ctx)
	assert.Equal(t, 1, c.get())
}
