package txmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/sirupsen/logrus"
)

// job is a unit of post-commit work.
type job struct {
	name string
	key  string // coalescing key, empty if none
	due  time.Time
	run  func(ctx context.Context)
}

// PostCommitQueue runs work scheduled after a transaction commits. It is a
// single worker fed through a buffered channel: callers never block, jobs
// run in submission order once their delay elapses, and a full queue drops
// the job with a warning.
type PostCommitQueue struct {
	jobs chan job

	mu      sync.Mutex
	pending map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	log *logrus.Entry
}

// NewPostCommitQueue creates a queue holding at most size waiting jobs.
func NewPostCommitQueue(size int) *PostCommitQueue {
	if size <= 0 {
		size = 64
	}
	return &PostCommitQueue{
		jobs:    make(chan job, size),
		pending: make(map[string]bool),
		log:     logging.For("post-commit"),
	}
}

// Start launches the worker. Jobs enqueued before Start wait for it.
func (q *PostCommitQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("post-commit queue already started")
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.loop()
	return nil
}

// Close stops the worker. Jobs still waiting are discarded.
func (q *PostCommitQueue) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	q.wg.Wait()
	return nil
}

// Enqueue schedules fn to run delay from now. It reports false if the queue
// was full and the job was dropped.
func (q *PostCommitQueue) Enqueue(name string, delay time.Duration, fn func(ctx context.Context)) bool {
	return q.push(job{name: name, due: time.Now().Add(delay), run: fn})
}

// EnqueueCoalesced is Enqueue, except that while a job with the same key is
// waiting, further submissions are absorbed into it.
func (q *PostCommitQueue) EnqueueCoalesced(key string, delay time.Duration, fn func(ctx context.Context)) bool {
	q.mu.Lock()
	if q.pending[key] {
		q.mu.Unlock()
		return true
	}
	q.pending[key] = true
	q.mu.Unlock()

	if !q.push(job{name: key, key: key, due: time.Now().Add(delay), run: fn}) {
		q.clearPending(key)
		return false
	}
	return true
}

func (q *PostCommitQueue) push(j job) bool {
	select {
	case q.jobs <- j:
		return true
	default:
		metrics.PostCommitDroppedTotal.Inc()
		q.log.WithField("job", j.name).Warn("post-commit queue full, dropping job")
		return false
	}
}

func (q *PostCommitQueue) clearPending(key string) {
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}

func (q *PostCommitQueue) loop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.jobs:
			if wait := time.Until(j.due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-q.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			// Cleared before running so a change made during the job
			// schedules another one.
			if j.key != "" {
				q.clearPending(j.key)
			}
			q.run(j)
		}
	}
}

func (q *PostCommitQueue) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(logrus.Fields{"job": j.name, "panic": r}).Error("post-commit job panicked")
		}
	}()
	j.run(q.ctx)
}
