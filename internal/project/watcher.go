package project

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"swimalign/internal/fsutil"
)

// Event kinds emitted by Watcher.
const (
	EventProjectChanged = "project_changed"
	EventImageAdded     = "image_added"
	EventImageRemoved   = "image_removed"
)

// Event is a debounced change notification.
type Event struct {
	Kind string    `json:"kind"`
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// Watcher reports changes to a project file and its source images.
type Watcher struct {
	watcher  *fsnotify.Watcher
	Events   chan Event
	project  string
	source   string
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	once    sync.Once
}

// NewWatcher watches the project file at projectPath and, when source is
// non-empty, the image directory.
func NewWatcher(projectPath, source string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		w.Close()
		return nil, err
	}
	if source != "" {
		if source, err = filepath.Abs(source); err != nil {
			w.Close()
			return nil, err
		}
	}
	return &Watcher{
		watcher:  w,
		Events:   make(chan Event, 100),
		project:  abs,
		source:   source,
		debounce: debounce,
		log:      log,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins monitoring.
func (w *Watcher) Start() error {
	// Watch the directory: editors and Save replace the file by rename.
	if err := w.watcher.Add(filepath.Dir(w.project)); err != nil {
		return err
	}
	if w.source != "" {
		if err := w.watcher.Add(w.source); err != nil {
			return err
		}
	}
	w.log.Info("watching project", "project", w.project, "source", w.source)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Events.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.mu.Lock()
		for _, t := range w.pending {
			t.Stop()
		}
		w.pending = nil
		close(w.Events)
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			abs, _ := filepath.Abs(event.Name)
			switch {
			case abs == w.project && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				w.emit(EventProjectChanged, abs)
			case w.source != "" && filepath.Dir(abs) == w.source && fsutil.IsImageFile(abs):
				if event.Op&fsnotify.Create == fsnotify.Create {
					w.emit(EventImageAdded, abs)
				} else if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					w.emit(EventImageRemoved, abs)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// emit delivers an event once no further change to the same path arrives
// within the debounce window.
func (w *Watcher) emit(kind, path string) {
	key := kind + ":" + path
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.pending == nil {
			return
		}
		delete(w.pending, key)
		select {
		case w.Events <- Event{Kind: kind, Path: path, Time: time.Now()}:
		default:
			w.log.Warn("event buffer full, dropping event", "kind", kind, "path", path)
		}
	})
}
