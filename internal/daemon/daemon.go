// Package daemon runs the long-lived background side of PlateMate.
//
// A daemon owns:
//   - the inbox, where upstream producers such as photo analysis drop meal
//     batches to be committed;
//   - the post-commit queue that delivers change notifications;
//   - a change watcher subscription that refreshes the dashboard and asks for
//     a sync pass after local writes;
//   - the sync scheduler, when a remote is configured;
//   - the dashboard server, when an address is configured.
//
// Components run in one errgroup: the first failure stops the others.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/platemate/platemate/internal/dashboard"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/platemate/platemate/internal/store/watcher"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config configures the daemon.
type Config struct {
	// InboxDir receives batch files to ingest.
	InboxDir string `mapstructure:"inbox_dir" toml:"inbox_dir"`
	// Debounce is how long an inbox file must stay unchanged before it is
	// read.
	Debounce time.Duration `mapstructure:"debounce" toml:"debounce"`
	// DashboardAddr, when set, serves the dashboard from the daemon.
	DashboardAddr string `mapstructure:"dashboard_addr" toml:"dashboard_addr"`
	// SyncOnChange asks for a sync pass whenever the store changed.
	SyncOnChange bool `mapstructure:"sync_on_change" toml:"sync_on_change"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InboxDir:     "inbox",
		Debounce:     500 * time.Millisecond,
		SyncOnChange: true,
	}
}

// Deps are the components the daemon runs. Manager and Watcher are
// required.
type Deps struct {
	Manager Ingester
	Watcher *watcher.Watcher
	// Queue, if set, is started and closed by the daemon.
	Queue     *txmgr.PostCommitQueue
	Scheduler *reconcile.Scheduler
	Dashboard *dashboard.Server
}

// Daemon wires the background components together.
type Daemon struct {
	cfg   Config
	deps  Deps
	inbox *Inbox
	log   *logrus.Entry
}

// New creates a daemon. The inbox directory is created if missing.
func New(cfg Config, deps Deps) (*Daemon, error) {
	if cfg.InboxDir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if deps.Manager == nil || deps.Watcher == nil {
		return nil, fmt.Errorf("daemon needs a transaction manager and a change watcher")
	}
	inbox, err := NewInbox(cfg.InboxDir, cfg.Debounce, deps.Manager)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:   cfg,
		deps:  deps,
		inbox: inbox,
		log:   logging.For("daemon"),
	}, nil
}

// Inbox returns the daemon's inbox.
func (d *Daemon) Inbox() *Inbox {
	return d.inbox
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Components are stopped before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.WithFields(logrus.Fields{
		"inbox":     d.cfg.InboxDir,
		"sync":      d.deps.Scheduler != nil,
		"dashboard": d.cfg.DashboardAddr,
	}).Info("starting daemon")

	g, ctx := errgroup.WithContext(ctx)

	if q := d.deps.Queue; q != nil {
		if err := q.Start(ctx); err != nil {
			return err
		}
		defer q.Close()
	}

	if srv := d.deps.Dashboard; srv != nil {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Stop()
		})
	}

	dispose := d.deps.Watcher.Subscribe(d.onStoreChanged)
	defer dispose()

	g.Go(func() error {
		return d.inbox.Run(ctx)
	})

	if s := d.deps.Scheduler; s != nil {
		g.Go(func() error {
			return s.Run(ctx)
		})
	}

	err := g.Wait()
	d.log.Info("daemon stopped")
	return err
}

func (d *Daemon) onStoreChanged() {
	if srv := d.deps.Dashboard; srv != nil {
		srv.OnStoreChanged()
	}
	if s := d.deps.Scheduler; s != nil && d.cfg.SyncOnChange {
		s.Trigger()
	}
}
