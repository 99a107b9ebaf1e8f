package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/platemate/platemate/internal/errs"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/metrics"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/sirupsen/logrus"
)

// Subdirectories of the inbox that processed files are moved to.
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Ingester commits batches. *txmgr.Manager implements it.
type Ingester interface {
	AddBatch(ctx context.Context, b *schema.Batch) (*txmgr.BatchResult, error)
}

// Inbox ingests batch files dropped into a directory.
//
// A file is processed once it has not changed for the debounce interval, so
// producers writing in several steps are never read half way. Committed
// files move to done/. Files that fail to parse or commit move to failed/
// with the error in a sibling .error file. A busy store leaves the file in
// place for another attempt.
type Inbox struct {
	dir      string
	debounce time.Duration
	ingest   Ingester
	log      *logrus.Entry

	mu      sync.Mutex
	pending map[string]time.Time

	// OnProcessed, if set, is called after each file is handled, with the
	// error that sent it to failed/ or nil.
	OnProcessed func(path string, err error)
}

// NewInbox creates an Inbox over dir, creating it and its subdirectories.
func NewInbox(dir string, debounce time.Duration, ingest Ingester) (*Inbox, error) {
	for _, d := range []string{dir, filepath.Join(dir, DoneDir), filepath.Join(dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory %s: %w", d, err)
		}
	}
	if debounce <= 0 {
		debounce = DefaultConfig().Debounce
	}
	return &Inbox{
		dir:      dir,
		debounce: debounce,
		ingest:   ingest,
		log:      logging.For("inbox").WithField("dir", dir),
		pending:  make(map[string]time.Time),
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Run watches the inbox until ctx is done. Files already present are queued
// first.
func (in *Inbox) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", in.dir, err)
	}

	existing, err := in.list()
	if err != nil {
		return err
	}
	for _, path := range existing {
		in.queue(path)
	}
	in.log.WithField("existing", len(existing)).Info("inbox watching")

	ticker := time.NewTicker(in.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !in.accepts(event.Name) {
				continue
			}
			in.queue(event.Name)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.WithError(err).Warn("inbox watcher error")

		case <-ticker.C:
			in.processSettled(ctx)
		}
	}
}

// Scan processes every batch file currently in the inbox, oldest name first,
// and returns how many were committed.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	paths, err := in.list()
	if err != nil {
		return 0, err
	}
	committed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		ok, err := in.Process(ctx, path)
		if err != nil {
			return committed, err
		}
		if ok {
			committed++
		}
	}
	return committed, nil
}

// Process ingests one file. It reports whether the batch was committed. The
// returned error is only set when the file was left in place, i.e. the
// store was busy or ctx ended.
func (in *Inbox) Process(ctx context.Context, path string) (bool, error) {
	log := in.log.WithField("file", filepath.Base(path))

	batch, err := schema.ReadBatchFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err == nil {
		var res *txmgr.BatchResult
		res, err = in.ingest.AddBatch(ctx, batch)
		if err == nil {
			log.WithFields(logrus.Fields{"batch": res.BatchID, "rows": res.Rows}).Info("batch ingested")
		}
	}

	switch {
	case err == nil:
		metrics.InboxFilesTotal.WithLabelValues(metrics.Ok).Inc()
		if _, err := in.move(path, DoneDir); err != nil {
			log.WithError(err).Error("failed to move ingested file")
		}
		in.processed(path, nil)
		return true, nil

	case errs.Is(err, errs.StoreBusy):
		metrics.InboxFilesTotal.WithLabelValues(metrics.Busy).Inc()
		log.WithError(err).Warn("store busy, batch will be retried")
		return false, err

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return false, err
	}

	metrics.InboxFilesTotal.WithLabelValues(metrics.Fail).Inc()
	log.WithFields(logrus.Fields{"code": errs.CodeOf(err)}).WithError(err).Error("batch rejected")
	if dest, mvErr := in.move(path, FailedDir); mvErr != nil {
		log.WithError(mvErr).Error("failed to move rejected file")
	} else {
		reason := dest + ".error"
		if wErr := os.WriteFile(reason, []byte(err.Error()+"\n"), 0o644); wErr != nil {
			log.WithError(wErr).Error("failed to write rejection reason")
		}
	}
	in.processed(path, err)
	return false, nil
}

func (in *Inbox) processed(path string, err error) {
	if in.OnProcessed != nil {
		in.OnProcessed(path, err)
	}
}

// accepts reports whether path is a batch file directly inside the inbox.
func (in *Inbox) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !schema.IsBatchFile(name) {
		return false
	}
	return filepath.Clean(filepath.Dir(path)) == filepath.Clean(in.dir)
}

func (in *Inbox) list() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(in.dir, e.Name())
		if in.accepts(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (in *Inbox) queue(path string) {
	in.mu.Lock()
	in.pending[path] = time.Now()
	in.mu.Unlock()
}

// processSettled handles queued files whose last event is older than the
// debounce interval.
func (in *Inbox) processSettled(ctx context.Context) {
	now := time.Now()
	var ready []string

	in.mu.Lock()
	for path, at := range in.pending {
		if now.Sub(at) >= in.debounce {
			ready = append(ready, path)
			delete(in.pending, path)
		}
	}
	in.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if _, err := in.Process(ctx, path); err != nil {
			if ctx.Err() != nil {
				return
			}
			in.queue(path)
		}
	}
}

// move renames path into sub, adding a timestamp when the name is taken.
func (in *Inbox) move(path, sub string) (string, error) {
	name := filepath.Base(path)
	dest := filepath.Join(in.dir, sub, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		dest = filepath.Join(in.dir, sub,
			fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	return dest, os.Rename(path, dest)
}
