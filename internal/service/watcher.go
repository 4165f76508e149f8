package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"bactdb/internal/etl"
)

// ── Watch mode (file_watch + schedule) ────────────────────

// Watcher feeds export files dropped into an inbox directory to the
// ingest service. Files arrive through fsnotify events (debounced per
// path) and through periodic rescans on a cron schedule; a single worker
// ingests them one at a time.
type Watcher struct {
	Service  *IngestService
	Inbox    string
	Schedule string
	Debounce time.Duration
	Options  RunOptions
	Log      *logrus.Entry

	// OnResult, when set, is called after every run.
	OnResult func(src string, res *Result, err error)

	mu      sync.Mutex
	queue   chan string
	pending map[string]bool
	timers  map[string]*time.Timer
}

// Run watches until ctx is cancelled. Files already in the inbox are
// queued at start; already-loaded files are skipped by fingerprint.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Service == nil {
		return errors.New("watcher has no ingest service")
	}
	if w.Inbox == "" {
		return errors.New("watch.inbox is not set")
	}
	if w.Log == nil {
		w.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := w.Log.WithField("component", "watch")
	if err := os.MkdirAll(w.Inbox, 0o755); err != nil {
		return errors.Wrap(err, "create inbox")
	}

	w.queue = make(chan string, 256)
	w.pending = make(map[string]bool)
	w.timers = make(map[string]*time.Timer)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.Inbox); err != nil {
		return errors.Wrapf(err, "watch %s", w.Inbox)
	}

	var sched *cron.Cron
	if w.Schedule != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(w.Schedule, func() {
			log.Debug("scheduled rescan")
			w.scan(log)
		}); err != nil {
			return errors.Wrapf(err, "invalid schedule %q", w.Schedule)
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
		log.WithField("schedule", w.Schedule).Info("scheduled rescans enabled")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.work(ctx, log)
	}()

	w.scan(log)
	log.WithField("inbox", w.Inbox).Info("watching inbox")

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			wg.Wait()
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				wg.Wait()
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if Ingestible(event.Name) {
				w.debounce(event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				wg.Wait()
				return nil
			}
			log.WithError(err).Warn("watcher error")
		}
	}
}

// Ingestible reports whether path looks like an export file: a known
// extension, not hidden, not an office lock file.
func Ingestible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	_, ok := etl.SourceForExtension(strings.ToLower(filepath.Ext(base)))
	return ok
}

// debounce queues path once writes to it have been quiet for Debounce.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// enqueue adds path unless it is already waiting.
func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	if w.pending[path] {
		w.mu.Unlock()
		return
	}
	w.pending[path] = true
	w.mu.Unlock()

	select {
	case w.queue <- path:
	default:
		// full: the next rescan picks it up
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
	}
}

// scan queues every ingestible file in the inbox, oldest name first.
func (w *Watcher) scan(log *logrus.Entry) {
	entries, err := os.ReadDir(w.Inbox)
	if err != nil {
		log.WithError(err).Warn("scan inbox")
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && Ingestible(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		w.enqueue(filepath.Join(w.Inbox, n))
	}
}

func (w *Watcher) work(ctx context.Context, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()

			res, err := w.Service.IngestFile(ctx, path, w.Options)
			if err != nil {
				log.WithError(err).WithField("file", filepath.Base(path)).Warn("ingest failed")
			}
			if w.OnResult != nil {
				w.OnResult(path, res, err)
			}
		}
	}
}
