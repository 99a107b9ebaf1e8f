// Package reconcile keeps the local store and the remote sync authority
// eventually consistent.
//
// Push uploads every pending local mutation, oldest first, and marks each
// row synced in its own transaction once the remote accepted it. Pull
// fetches remote records newer than a per-kind high-water mark and merges
// them with last-writer-wins. Neither direction ever holds the writer lock
// across a network call, and both stop quietly when the remote goes away.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/platemate/platemate/internal/remote"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/sirupsen/logrus"
)

const (
	dirPush = "push"
	dirPull = "pull"
)

// PushResult summarizes one push pass.
type PushResult struct {
	// Offline is set when the remote was unreachable at the start of the
	// pass or went away during it.
	Offline bool `json:"offline"`
	Pushed  int  `json:"pushed"`
	// Stale counts rows changed locally while their push was in flight.
	// They stay pending and go out again on the next pass.
	Stale  int `json:"stale"`
	Failed int `json:"failed"`
}

// PullResult summarizes one pull pass.
type PullResult struct {
	Offline   bool `json:"offline"`
	Inserted  int  `json:"inserted"`
	Updated   int  `json:"updated"`
	Deleted   int  `json:"deleted"`
	Unchanged int  `json:"unchanged"`
	KeptLocal int  `json:"kept_local"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	// Users owns food logs the pull inserted, updated or deleted.
	Users []string `json:"users,omitempty"`
}

// Applied returns the number of pulled records that changed the store.
func (r PullResult) Applied() int {
	return r.Inserted + r.Updated + r.Deleted
}

func (r *PullResult) count(o db.ApplyOutcome) {
	switch o {
	case db.ApplyInserted:
		r.Inserted++
	case db.ApplyUpdated:
		r.Updated++
	case db.ApplyDeleted:
		r.Deleted++
	case db.ApplyUnchanged:
		r.Unchanged++
	case db.ApplyKeptLocal:
		r.KeptLocal++
	case db.ApplySkipped:
		r.Skipped++
	}
}

func (r *PullResult) addUser(user string) {
	if user == "" {
		return
	}
	for _, u := range r.Users {
		if u == user {
			return
		}
	}
	r.Users = append(r.Users, user)
}

func applied(o db.ApplyOutcome) bool {
	return o == db.ApplyInserted || o == db.ApplyUpdated || o == db.ApplyDeleted
}

// Result summarizes a push followed by a pull.
type Result struct {
	Push     PushResult    `json:"push"`
	Pull     PullResult    `json:"pull"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Online reports whether the remote was reachable for the whole pass.
func (r Result) Online() bool {
	return !r.Push.Offline && !r.Pull.Offline
}

// StatUpdater recomputes a user's streak after pulled food logs changed it.
type StatUpdater interface {
	Recompute(ctx context.Context, userID string) (*schema.StreakState, error)
}

// Reconciler runs push and pull passes. Passes are serialized.
type Reconciler struct {
	store  *db.DB
	remote remote.Remote
	log    *logrus.Entry

	// Stats, if set, recomputes streaks of users whose food logs were
	// pulled.
	Stats StatUpdater
	// OnComplete, if set, receives the result of every Reconcile.
	OnComplete func(Result)

	mu sync.Mutex
}

// New creates a Reconciler between store and rem.
func New(store *db.DB, rem remote.Remote) *Reconciler {
	return &Reconciler{
		store:  store,
		remote: rem,
		log:    logging.For("reconcile"),
	}
}

// Reconcile pushes pending local rows, then pulls remote changes. Pull is
// skipped when push found the remote offline.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Started: time.Now()}
	var err error
	res.Push, err = r.push(ctx)
	if err == nil && !res.Push.Offline {
		res.Pull, err = r.pull(ctx)
	} else if res.Push.Offline {
		res.Pull.Offline = true
	}
	res.Duration = time.Since(res.Started)

	if err != nil {
		return res, err
	}
	r.recompute(ctx, res.Pull.Users)
	r.log.WithFields(logrus.Fields{
		"pushed":   res.Push.Pushed,
		"pulled":   res.Pull.Applied(),
		"conflict": res.Pull.KeptLocal,
		"online":   res.Online(),
		"duration": res.Duration,
	}).Debug("reconcile pass complete")
	if r.OnComplete != nil {
		r.OnComplete(res)
	}
	return res, nil
}

// Push uploads pending local rows in last_modified order. An unreachable
// remote is not an error: the result is marked Offline and rows stay
// pending. Failures of single rows are counted and do not stop the pass.
func (r *Reconciler) Push(ctx context.Context) (PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.push(ctx)
}

func (r *Reconciler) push(ctx context.Context) (res PushResult, err error) {
	defer func() { passDone(dirPush, res.Offline, err) }()

	if err := r.remote.Ping(ctx); err != nil {
		if remote.IsUnavailable(err) {
			r.log.WithError(err).Debug("remote offline, skipping push")
			res.Offline = true
			return res, nil
		}
		return res, fmt.Errorf("failed to reach remote: %w", err)
	}

	rows, err := r.store.PendingRows(ctx)
	if err != nil {
		return res, err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		synced, err := r.pushRow(ctx, row)
		rec := row.Record
		switch {
		case err == nil && synced:
			res.Pushed++
			metrics.SyncRowsTotal.WithLabelValues(dirPush, metrics.Ok).Inc()
		case err == nil:
			res.Stale++
			metrics.SyncRowsTotal.WithLabelValues(dirPush, "stale").Inc()
		case remote.IsUnavailable(err):
			r.log.WithError(errs.Unavailable("reconcile.Push", err)).
				Info("remote went away, stopping push")
			res.Offline = true
			return res, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return res, err
		default:
			res.Failed++
			metrics.SyncRowsTotal.WithLabelValues(dirPush, metrics.Fail).Inc()
			r.log.WithFields(logrus.Fields{
				"kind":   rec.Kind,
				"id":     rec.ID,
				"action": row.Action,
			}).WithError(err).Warn("failed to push row")
		}
	}
	return res, nil
}

// pushRow sends one row and, if the remote accepted it, clears its pending
// state. It reports false when the row changed locally in the meantime.
func (r *Reconciler) pushRow(ctx context.Context, row db.PendingRow) (bool, error) {
	rec := row.Record
	var err error
	switch row.Action {
	case schema.ActionCreate:
		err = r.remote.Create(ctx, rec)
	case schema.ActionUpdate:
		err = r.remote.Update(ctx, rec)
	case schema.ActionDelete:
		err = r.remote.Delete(ctx, rec)
	default:
		return false, fmt.Errorf("unknown sync action %q for %s %s", row.Action, rec.Kind, rec.ID)
	}
	if err != nil {
		return false, err
	}

	var done bool
	err = r.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
		var err error
		if row.Action == schema.ActionDelete {
			done, err = tx.PurgeTombstone(rec.Kind, rec.ID, rec.LastModified)
		} else {
			done, err = tx.MarkSynced(rec.Kind, rec.ID, rec.LastModified)
		}
		return err
	})
	return done, err
}

// Pull merges remote changes into the store with last-writer-wins. Each
// record is applied in its own transaction together with the kind's
// high-water mark, so an interrupted pull resumes where it stopped. Invalid
// records are counted and skipped; any other store error ends the pass.
func (r *Reconciler) Pull(ctx context.Context) (PullResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pull(ctx)
}

func (r *Reconciler) pull(ctx context.Context) (res PullResult, err error) {
	defer func() { passDone(dirPull, res.Offline, err) }()

	for _, kind := range schema.Kinds {
		offline, err := r.pullKind(ctx, kind, &res)
		if err != nil {
			return res, err
		}
		if offline {
			res.Offline = true
			return res, nil
		}
	}
	return res, nil
}

func (r *Reconciler) pullKind(ctx context.Context, kind schema.Kind, res *PullResult) (offline bool, err error) {
	since, err := r.store.HighWater(ctx, kind)
	if err != nil {
		return false, err
	}
	recs, err := r.remote.ListSince(ctx, kind, since)
	if err != nil {
		if remote.IsUnavailable(err) {
			r.log.WithField("kind", kind).WithError(err).Debug("remote offline, stopping pull")
			return true, nil
		}
		return false, fmt.Errorf("failed to list remote %s records: %w", kind, err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].LastModified.Before(recs[j].LastModified)
	})

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		var outcome db.ApplyOutcome
		err := r.store.RunTransaction(ctx, db.TxImmediate, func(tx *db.Tx) error {
			var err error
			outcome, err = tx.ApplyRemote(rec)
			return err
		})
		if err != nil {
			if errs.Is(err, errs.StoreBusy) {
				// Leave the rest for the next pass, after the high-water mark.
				r.log.WithField("kind", kind).WithError(err).Info("store busy, deferring pull")
				return false, nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false, err
			}
			res.Failed++
			metrics.SyncRowsTotal.WithLabelValues(dirPull, metrics.Fail).Inc()
			if errors.Is(err, db.ErrInvalidRecord) {
				r.log.WithFields(logrus.Fields{"kind": kind, "id": rec.ID}).
					WithError(err).Warn("skipping invalid remote record")
				continue
			}
			// The high-water mark stays before this record, so the next
			// pass lists it again.
			return false, fmt.Errorf("failed to apply remote %s %s: %w", kind, rec.ID, err)
		}

		res.count(outcome)
		if kind == schema.KindFoodLog && applied(outcome) {
			res.addUser(rec.UserID)
		}
		metrics.SyncRowsTotal.WithLabelValues(dirPull, outcome.String()).Inc()
		if outcome == db.ApplyKeptLocal {
			metrics.SyncConflictsTotal.Inc()
			r.log.WithFields(logrus.Fields{
				"code":            errs.SyncConflictResolved,
				"kind":            kind,
				"id":              rec.ID,
				"remote_modified": rec.LastModified,
			}).Info("kept local row over remote")
		}
	}
	return false, nil
}

func (r *Reconciler) recompute(ctx context.Context, users []string) {
	if r.Stats == nil {
		return
	}
	for _, user := range users {
		if _, err := r.Stats.Recompute(ctx, user); err != nil {
			metrics.DerivedStatFailuresTotal.Inc()
			r.log.WithField("user", user).WithError(err).Warn("streak recompute after pull failed")
		}
	}
}

func passDone(direction string, offline bool, err error) {
	outcome := metrics.Ok
	switch {
	case err != nil:
		outcome = metrics.Fail
	case offline:
		outcome = metrics.Offline
	}
	metrics.SyncPassesTotal.WithLabelValues(direction, outcome).Inc()
}
