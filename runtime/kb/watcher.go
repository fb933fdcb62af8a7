package kb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher follows the watched directories with fsnotify and feeds debounced
// per-file events into ingestion. Editors typically emit write bursts; each
// file gets its own debounce timer so a save storm collapses to one ingest.
type watcher struct {
	svc      *Service
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

const defaultDebounce = 250 * time.Millisecond

func newWatcher(svc *Service, debounce time.Duration) (*watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &watcher{
		svc:      svc,
		fsw:      fsw,
		debounce: debounce,
		timers:   map[string]*time.Timer{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// start registers every directory under the watch roots (fsnotify watches
// are not recursive) and launches the event loop.
func (w *watcher) start(ctx context.Context) error {
	for _, root := range w.svc.watchDirs {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			return w.fsw.Add(path)
		})
		if err != nil {
			w.svc.logger.Warn(ctx, "register watch root", "dir", root, "error", err)
		}
	}
	go w.loop(ctx)
	return nil
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.fsw.Close()
	for {
		select {
		case <-w.stopCh:
			w.cancelTimers()
			return
		case <-ctx.Done():
			w.cancelTimers()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.svc.logger.Warn(ctx, "file watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(ctx context.Context, ev fsnotify.Event) {
	// New subdirectories need their own watch.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.svc.logger.Warn(ctx, "watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}
	if !isMarkdown(ev.Name) {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.schedule(ctx, ev.Name, true)
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		w.schedule(ctx, ev.Name, false)
	}
}

// schedule (re)arms the per-file debounce timer. The last event within the
// window decides whether the file is ingested or removed.
func (w *watcher) schedule(ctx context.Context, path string, removed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		var err error
		if removed {
			err = w.svc.RemoveFile(ctx, path)
		} else {
			// A rename target or late delete may have raced the timer.
			if _, statErr := os.Stat(path); statErr != nil {
				err = w.svc.RemoveFile(ctx, path)
			} else {
				err = w.svc.IngestFile(ctx, path)
			}
		}
		if err != nil {
			w.svc.logger.Warn(ctx, "watch event ingest", "path", path, "error", err)
		}
	})
}

func (w *watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
