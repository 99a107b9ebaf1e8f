package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platemate/platemate/internal/logging"
	"github.com/sirupsen/logrus"
)

// Config configures the Scheduler.
type Config struct {
	// Interval between background passes.
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
	// PassTimeout bounds a single pass.
	PassTimeout time.Duration `mapstructure:"pass_timeout" toml:"pass_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		PassTimeout: 2 * time.Minute,
	}
}

// Scheduler runs Reconcile periodically and on demand. Errors are logged,
// never returned: sync problems are invisible to the user apart from the
// online indicator.
type Scheduler struct {
	rec     *Reconciler
	cfg     Config
	trigger chan struct{}
	log     *logrus.Entry

	online atomic.Bool
	mu     sync.Mutex
	last   *Result
}

// NewScheduler creates a Scheduler for rec.
func NewScheduler(rec *Reconciler, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}
	return &Scheduler{
		rec:     rec,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		log:     logging.For("reconcile"),
	}
}

// Run performs a pass immediately, then on every tick and trigger, until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.cfg.Interval).Info("sync scheduler started")
	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync scheduler stopped")
			return nil
		case <-ticker.C:
			s.pass(ctx)
		case <-s.trigger:
			s.pass(ctx)
		}
	}
}

// Trigger asks for a pass as soon as possible. Triggers arriving while one
// is already waiting are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Online reports whether the last pass reached the remote.
func (s *Scheduler) Online() bool {
	return s.online.Load()
}

// Last returns the result of the last completed pass.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func (s *Scheduler) pass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	res, err := s.rec.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Warn("sync pass failed")
		}
		return
	}

	if was := s.online.Swap(res.Online()); was != res.Online() {
		s.log.WithField("online", res.Online()).Info("remote connectivity changed")
	}
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
}
