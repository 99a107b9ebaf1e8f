// Package txmgr is the only write path into the local store.
//
// Every user-facing mutation runs in one immediate transaction. Secondary
// effects are kept out of the critical section and happen only after commit:
//
//  1. the streak of every affected user is recomputed, inside its own failure
//     boundary, so a failing recompute never turns a stored batch into an
//     error;
//  2. a change notification is scheduled on the post-commit queue with a
//     short delay, so subscribers reading the store do not race the commit's
//     lock release.
//
// StoreBusy and BatchInsertFailed errors reach the caller unchanged and must
// be shown to the user.
package txmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/sirupsen/logrus"
)

// StatUpdater recomputes derived per-user aggregates.
type StatUpdater interface {
	Recompute(ctx context.Context, userID string) (*schema.StreakState, error)
}

// Notifier is told that the store changed.
type Notifier interface {
	Signal(ctx context.Context)
}

// Config configures the transaction manager.
type Config struct {
	// NotifyDelay is how long after commit the change notification fires.
	NotifyDelay time.Duration `mapstructure:"notify_delay" toml:"notify_delay"`
	// QueueSize bounds the post-commit queue.
	QueueSize int `mapstructure:"queue_size" toml:"queue_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NotifyDelay: 100 * time.Millisecond,
		QueueSize:   64,
	}
}

// Deps are the collaborators notified after commit. All are optional.
type Deps struct {
	Stats    StatUpdater
	Notifier Notifier
	// Queue runs notifications. Without one, Notifier is signalled inline
	// after commit.
	Queue *PostCommitQueue
	// OnStreak receives every successfully recomputed streak.
	OnStreak func(*schema.StreakState)
}

// Manager wraps local writes in transactions and runs post-commit effects.
type Manager struct {
	store *db.DB
	deps  Deps
	cfg   Config
	now   func() time.Time
	log   *logrus.Entry
}

// New creates a Manager writing to store.
func New(store *db.DB, deps Deps, cfg Config) *Manager {
	if cfg.NotifyDelay < 0 {
		cfg.NotifyDelay = 0
	}
	return &Manager{
		store: store,
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.For("txmgr"),
	}
}

// Store returns the underlying store, for reads.
func (m *Manager) Store() *db.DB {
	return m.store
}

// BatchResult describes a committed batch.
type BatchResult struct {
	BatchID string                         `json:"batch_id"`
	Rows    int                            `json:"rows"`
	Users   []string                       `json:"users"`
	Streaks map[string]*schema.StreakState `json:"streaks,omitempty"`
}

// AddBatch stores all entries of b atomically. Entries are inserted in
// order; the first failing entry rolls the whole batch back and is reported
// as a BatchInsertFailed error carrying its index.
//
// Example:
//
//	res, err := mgr.AddBatch(ctx, &schema.Batch{UserID: "u1", Entries: rows})
//	if errs.Is(err, errs.StoreBusy) {
//	    // retry later, tell the user nothing was saved
//	}
func (m *Manager) AddBatch(ctx context.Context, b *schema.Batch) (*BatchResult, error) {
	const op = "txmgr.AddBatch"

	b.SetDefaults(m.now())
	if err := b.Validate(); err != nil {
		return nil, errs.BatchFailed(op, b.ID, -1, err)
	}

	start := time.Now()
	err := m.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		for i := range b.Entries {
			if err := tx.InsertFoodLog(&b.Entries[i]); err != nil {
				return errs.BatchFailed(op, b.ID, i, err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.BatchRowsTotal.WithLabelValues(metrics.Fail).Add(float64(len(b.Entries)))
		err = batchError(op, b.ID, err)
		m.log.WithFields(logrus.Fields{
			"batch": b.ID,
			"rows":  len(b.Entries),
			"code":  errs.CodeOf(err),
		}).WithError(err).Warn("batch not stored")
		return nil, err
	}
	metrics.BatchRowsTotal.WithLabelValues(metrics.Ok).Add(float64(len(b.Entries)))

	res := &BatchResult{BatchID: b.ID, Rows: len(b.Entries), Users: b.UserIDs()}
	m.log.WithFields(logrus.Fields{
		"batch":    b.ID,
		"rows":     res.Rows,
		"source":   b.Source,
		"duration": time.Since(start),
	}).Info("batch stored")

	res.Streaks = m.afterCommit(ctx, res.Users...)
	return res, nil
}

// batchError keeps StoreBusy and BatchInsertFailed as they are and reports
// any other failure of the batch transaction, such as a failed commit, as a
// BatchInsertFailed without a row index.
func batchError(op, batchID string, err error) error {
	if errs.Is(err, errs.StoreBusy) || errs.Is(err, errs.BatchInsertFailed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.BatchFailed(op, batchID, -1, err)
}

// LogFood stores a single food entry. It is a batch of one.
func (m *Manager) LogFood(ctx context.Context, e schema.FoodLogEntry) (*schema.FoodLogEntry, error) {
	b := &schema.Batch{UserID: e.UserID, Entries: []schema.FoodLogEntry{e}}
	if _, err := m.AddBatch(ctx, b); err != nil {
		return nil, err
	}
	return &b.Entries[0], nil
}

// UpdateFoodLog overwrites a live food log entry.
func (m *Manager) UpdateFoodLog(ctx context.Context, e *schema.FoodLogEntry) error {
	err := m.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		return tx.UpdateFoodLog(e)
	})
	if err != nil {
		return fmt.Errorf("failed to update food log %s: %w", e.ID, err)
	}
	m.afterCommit(ctx, e.UserID)
	return nil
}

// DeleteFoodLog tombstones a food log entry.
func (m *Manager) DeleteFoodLog(ctx context.Context, id string) error {
	e, err := m.store.FoodLog(ctx, id)
	if err != nil {
		return err
	}
	err = m.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		return tx.DeleteFoodLog(id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete food log %s: %w", id, err)
	}
	m.afterCommit(ctx, e.UserID)
	return nil
}

// LogWeight stores a weight measurement, filling its id and timestamp if
// empty.
func (m *Manager) LogWeight(ctx context.Context, w *schema.WeightEntry) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.RecordedAt.IsZero() {
		w.RecordedAt = m.now()
	}
	err := m.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		return tx.AddWeight(w)
	})
	if err != nil {
		return fmt.Errorf("failed to log weight: %w", err)
	}
	m.notify()
	return nil
}

// DeleteWeight tombstones a weight measurement.
func (m *Manager) DeleteWeight(ctx context.Context, id string) error {
	err := m.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		return tx.DeleteWeight(id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete weight %s: %w", id, err)
	}
	m.notify()
	return nil
}

// SaveProfile creates or replaces the user's profile.
func (m *Manager) SaveProfile(ctx context.Context, p *schema.UserProfile) error {
	err := m.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		return tx.UpsertProfile(p)
	})
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.UserID, err)
	}
	m.notify()
	return nil
}

// afterCommit runs the post-commit effects for users. The write already
// succeeded, so cancellation of ctx no longer applies.
func (m *Manager) afterCommit(ctx context.Context, users ...string) map[string]*schema.StreakState {
	ctx = context.WithoutCancel(ctx)

	var streaks map[string]*schema.StreakState
	if m.deps.Stats != nil {
		streaks = make(map[string]*schema.StreakState, len(users))
		for _, user := range users {
			if s := m.recompute(ctx, user); s != nil {
				streaks[user] = s
			}
		}
	}
	m.notify()
	return streaks
}

// recompute is the failure boundary around the streak updater: errors and
// panics are logged and counted, never returned.
func (m *Manager) recompute(ctx context.Context, userID string) (state *schema.StreakState) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DerivedStatFailuresTotal.Inc()
			m.log.WithFields(logrus.Fields{"user": userID, "panic": r}).Error("streak recompute panicked")
			state = nil
		}
	}()

	s, err := m.deps.Stats.Recompute(ctx, userID)
	if err != nil {
		metrics.DerivedStatFailuresTotal.Inc()
		m.log.WithField("user", userID).WithError(err).Warn("streak recompute failed, keeping previous value")
		return nil
	}
	if m.deps.OnStreak != nil {
		m.deps.OnStreak(s)
	}
	return s
}

const notifyKey = "store-changed"

func (m *Manager) notify() {
	if m.deps.Notifier == nil {
		return
	}
	if m.deps.Queue == nil {
		m.deps.Notifier.Signal(context.Background())
		return
	}
	m.deps.Queue.EnqueueCoalesced(notifyKey, m.cfg.NotifyDelay, m.deps.Notifier.Signal)
}
