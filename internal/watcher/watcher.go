// Package watcher polls a fixed registry of well-known filenames inside the
// child's work directory and reports their parsed contents as callback
// events whenever they first appear or change. fsnotify is used as a fast
// path only; a fixed-interval poll is the mechanism of record, since
// filesystem notifications can miss an atomic rename over an existing file
// and aren't available on every platform the executor might run on.
package watcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/haowen-xu/ml-gridengine-executor/internal/callback"
)

const pollInterval = 500 * time.Millisecond

type fileState struct {
	modTime time.Time
	size    int64
	seen    bool
}

// Watcher polls callback.GeneratedFileRegistry inside a work directory and
// enqueues fileGenerated:<name> events on the dispatcher whenever a
// registered file's mtime or size changes.
type Watcher struct {
	workDir    string
	dispatcher *callback.Dispatcher
	logger     *zap.SugaredLogger

	state map[callback.GeneratedFile]fileState
}

// New constructs a Watcher. Run must be called to start polling.
func New(workDir string, dispatcher *callback.Dispatcher, logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		workDir:    workDir,
		dispatcher: dispatcher,
		logger:     logger,
		state:      make(map[callback.GeneratedFile]fileState, len(callback.GeneratedFileRegistry)),
	}
}

// Run polls on a fixed interval until done is closed, then performs one
// final scan so files created just before exit are still reported. fsWatch,
// if non-nil, can also be nudged by an fsnotify event to poll immediately
// instead of waiting for the next tick.
func (w *Watcher) Run(done <-chan struct{}) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		if w.logger != nil {
			w.logger.Warnw("fsnotify unavailable, relying on polling only", "error", err)
		}
		fsWatch = nil
	} else {
		defer fsWatch.Close()
		if err := fsWatch.Add(w.workDir); err != nil && w.logger != nil {
			w.logger.Warnw("failed to watch work dir", "workDir", w.workDir, "error", err)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			w.pollOnce()
			return
		case <-ticker.C:
			w.pollOnce()
		case ev, ok := <-fsWatchEvents(fsWatch):
			if !ok {
				continue
			}
			_ = ev
			w.pollOnce()
		}
	}
}

// fsWatchEvents returns w.Events, or a nil channel (which blocks forever in
// a select) if w is nil, so Run's select works whether or not fsnotify
// started successfully.
func fsWatchEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (w *Watcher) pollOnce() {
	for name, filename := range callback.GeneratedFileRegistry {
		path := filepath.Join(w.workDir, filename)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		prev, hadPrev := w.state[name]
		cur := fileState{modTime: info.ModTime(), size: info.Size(), seen: true}
		if hadPrev && prev.modTime.Equal(cur.modTime) && prev.size == cur.size {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			if w.logger != nil {
				w.logger.Debugw("skipping unparseable generated file", "name", name, "path", path, "error", err)
			}
			continue
		}

		w.state[name] = cur
		w.dispatcher.Enqueue(callback.FileGeneratedEvent(name, json.RawMessage(data)))
	}
}
