package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/platemate/platemate/internal/config"
	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/remote"
	"github.com/platemate/platemate/internal/remote/pgremote"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/streak"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/platemate/platemate/internal/store/watcher"
	"github.com/spf13/cobra"
)

// app holds the opened store and the components writing to it.
type app struct {
	cfg   *config.Config
	store *db.DB
	stats *streak.Updater
	mgr   *txmgr.Manager

	// Set for long-running commands only.
	watcher *watcher.Watcher
	queue   *txmgr.PostCommitQueue

	mu          sync.Mutex
	streakHooks []func(*schema.StreakState)
}

// openApp opens the store. live adds the change watcher and the
// post-commit queue used by long-running commands; the caller starts the
// queue.
func openApp(ctx context.Context, cfg *config.Config, live bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := db.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	stats, err := streak.New(store, cfg.Streak)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store, stats: stats}
	deps := txmgr.Deps{Stats: stats, OnStreak: a.streakUpdated}
	if live {
		a.watcher = watcher.New(store, cfg.Watcher)
		a.queue = txmgr.NewPostCommitQueue(cfg.Tx.QueueSize)
		deps.Notifier = a.watcher
		deps.Queue = a.queue
	}
	a.mgr = txmgr.New(store, deps, cfg.Tx)
	return a, nil
}

// onStreak registers fn to receive recomputed streaks.
func (a *app) onStreak(fn func(*schema.StreakState)) {
	a.mu.Lock()
	a.streakHooks = append(a.streakHooks, fn)
	a.mu.Unlock()
}

func (a *app) streakUpdated(s *schema.StreakState) {
	a.mu.Lock()
	hooks := append([]func(*schema.StreakState){}, a.streakHooks...)
	a.mu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// reconciler returns a Reconciler against rem that recomputes streaks of
// pulled food logs.
func (a *app) reconciler(rem remote.Remote) *reconcile.Reconciler {
	rec := reconcile.New(a.store, rem)
	rec.Stats = a.stats
	return rec
}

func (a *app) Close() error {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	return a.store.Close()
}

// withApp runs fn with an opened store and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// openRemote connects to the configured remote. The returned closer is never
// nil.
func openRemote(ctx context.Context, rc config.Remote) (remote.Remote, func() error, error) {
	noop := func() error { return nil }
	switch {
	case rc.URL != "":
		opts := []remote.ClientOption{remote.WithTimeout(rc.Timeout)}
		if rc.Token != "" {
			opts = append(opts, remote.WithToken(rc.Token))
		}
		return remote.NewHTTPClient(rc.URL, opts...), noop, nil
	case rc.Postgres.DSN != "":
		pg, err := pgremote.Open(ctx, rc.Postgres)
		if err != nil {
			return nil, noop, err
		}
		return pg, pg.Close, nil
	}
	return nil, noop, fmt.Errorf("no remote configured: set remote.url or remote.postgres.dsn")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen reads a timestamp given as RFC 3339, "2006-01-02 15:04",
// "2006-01-02" or in words such as "yesterday 8pm". Empty means now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", schema.DayLayout} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return r.Time, nil
}

// dayOf parses a --day value. Empty means today.
func dayOf(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Now().In(loc), nil
	}
	t, err := parseWhen(s, time.Now().In(loc))
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}
