// Package watcher notifies subscribers that the local store changed.
//
// The store bumps a revision counter from triggers on every write to a
// domain table. The watcher polls that counter at a low frequency and, when
// it moved, calls every subscriber once. Any number of writes between two
// polls collapse into one notification: subscribers get a level-triggered
// "something changed" signal and re-read what they display.
//
// Writers can also call Signal after a commit to get the same check without
// waiting for the next tick.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Reader reads the store's change marker.
type Reader interface {
	Revision(ctx context.Context) (int64, error)
}

// Config configures a Watcher.
type Config struct {
	// Interval between polls. Kept long so polls rarely meet an in-flight
	// writer.
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Watcher polls a Reader and fans changes out to subscribers. The poller
// runs only while there is at least one subscriber.
type Watcher struct {
	reader Reader
	cfg    Config
	log    *logrus.Entry

	// checkMu serializes revision checks from the poller and Signal.
	checkMu sync.Mutex

	mu       sync.Mutex
	subs     map[uint64]func()
	nextID   uint64
	last     int64
	haveLast bool
	stop     context.CancelFunc
	epoch    uint64
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Watcher over reader.
func New(reader Reader, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Watcher{
		reader: reader,
		cfg:    cfg,
		log:    logging.For("watcher"),
		subs:   make(map[uint64]func()),
	}
}

// Subscribe registers fn and returns its disposer. fn runs on the watcher's
// goroutine; it must not block for long or call Signal. The first subscriber
// starts the poller from a fresh baseline and disposing the last one
// suspends it.
func (w *Watcher) Subscribe(fn func()) (dispose func()) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return func() {}
	}

	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	var (
		ctx   context.Context
		epoch uint64
	)
	if len(w.subs) == 1 {
		ctx, epoch = w.startLocked()
	}
	w.mu.Unlock()

	if ctx != nil {
		w.baseline(ctx, epoch)
	}

	var once sync.Once
	return func() {
		once.Do(func() { w.unsubscribe(id) })
	}
}

// Subscribers returns the number of active subscribers.
func (w *Watcher) Subscribers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Running reports whether the poller is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stop != nil
}

func (w *Watcher) unsubscribe(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.subs, id)
	if len(w.subs) == 0 && w.stop != nil {
		w.stop()
		w.stop = nil
		w.haveLast = false
		w.log.Debug("no subscribers, poller suspended")
	}
}

func (w *Watcher) startLocked() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	w.epoch++

	w.wg.Add(1)
	go w.poll(ctx)
	w.log.WithField("interval", w.cfg.Interval).Debug("poller started")
	return ctx, w.epoch
}

// baseline reads the revision before Subscribe returns, so a commit right
// after Subscribe is seen as a change. The read runs without w.mu held; the
// result is dropped if the poller was restarted or a check got there first.
func (w *Watcher) baseline(ctx context.Context, epoch uint64) {
	rev, err := w.reader.Revision(ctx)
	if err != nil {
		w.log.WithError(err).Debug("failed to read baseline revision")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.epoch == epoch && w.stop != nil && !w.haveLast {
		w.last, w.haveLast = rev, true
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx, "poll")
		}
	}
}

// Signal checks the change marker now and notifies subscribers if it moved
// since the last check. It is a no-op without subscribers.
func (w *Watcher) Signal(ctx context.Context) {
	w.check(ctx, "commit")
}

// Check is Signal for callers that want to know whether subscribers were
// notified.
func (w *Watcher) Check(ctx context.Context) bool {
	return w.check(ctx, "check")
}

func (w *Watcher) check(ctx context.Context, source string) bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	w.mu.Lock()
	idle := len(w.subs) == 0
	w.mu.Unlock()
	if idle {
		return false
	}

	rev, err := w.reader.Revision(ctx)
	if err != nil {
		// Try again on the next tick.
		w.log.WithError(err).Debug("failed to read revision")
		return false
	}

	w.mu.Lock()
	if !w.haveLast {
		w.last, w.haveLast = rev, true
		w.mu.Unlock()
		return false
	}
	if rev == w.last {
		w.mu.Unlock()
		return false
	}
	w.last = rev
	ids := make([]uint64, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	metrics.WatcherNotificationsTotal.WithLabelValues(source).Inc()
	w.log.WithFields(logrus.Fields{"revision": rev, "source": source, "subscribers": len(ids)}).
		Debug("store changed")
	for _, id := range ids {
		// Skip subscribers disposed while earlier ones ran.
		w.mu.Lock()
		fn, ok := w.subs[id]
		w.mu.Unlock()
		if ok {
			w.notify(fn)
		}
	}
	return true
}

func (w *Watcher) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("subscriber panicked")
		}
	}()
	fn()
}

// Close stops the poller and drops all subscribers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.subs = make(map[uint64]func())
	if w.stop != nil {
		w.stop()
		w.stop = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
