package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kelden/warden/internal/logger"
	"github.com/kelden/warden/pkg/types"
)

// Submitter accepts validated task specs. The pool controller satisfies
// this; tests use fakes.
type Submitter interface {
	Submit(spec types.TaskSpec) (string, error)
}

// Watcher monitors the inbox directory for task request files dropped
// by external collaborators. Valid requests are submitted and archived
// to inbox_processed; invalid or unsubmittable ones go to inbox_failed.
type Watcher struct {
	inboxDir  string
	pool      Submitter
	log       *logger.Logger
	fsWatcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given inbox directory
func NewWatcher(inboxDir string, pool Submitter, log *logger.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	if err := fsWatcher.Add(inboxDir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		inboxDir:  inboxDir,
		pool:      pool,
		log:       log,
		fsWatcher: fsWatcher,
	}, nil
}

// Start processes files already present, then begins watching for new ones
func (w *Watcher) Start(ctx context.Context) {
	w.processExistingFiles()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.fsWatcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.fsWatcher.Errors:
				if !ok {
					return
				}
				w.log.LogError(err, "inbox watcher")
			}
		}
	}()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isRequestFile(event.Name) {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
		// Small delay to ensure the file is fully written
		time.Sleep(100 * time.Millisecond)
		w.processFile(event.Name)
	}
}

func (w *Watcher) processExistingFiles() {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		w.log.LogError(err, "reading inbox directory")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() && isRequestFile(entry.Name()) {
			w.processFile(filepath.Join(w.inboxDir, entry.Name()))
		}
	}
}

func (w *Watcher) processFile(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A create+write event pair already processed it
			return
		}
		w.log.LogError(err, fmt.Sprintf("reading request file %s", path))
		return
	}

	name := filepath.Base(path)

	spec, err := ParseSpec(content)
	if err != nil {
		w.log.Warn("Rejected request %s: %v", name, err)
		w.archive(path, "inbox_failed")
		return
	}

	id, err := w.pool.Submit(spec)
	if err != nil {
		w.log.Warn("Could not submit request %s: %v", name, err)
		w.archive(path, "inbox_failed")
		return
	}

	w.log.Success("Queued task %s from %s", id, name)
	w.archive(path, "inbox_processed")
}

// archive moves a processed request out of the inbox so it is handled
// exactly once across restarts
func (w *Watcher) archive(path, dirName string) {
	dir := filepath.Join(filepath.Dir(w.inboxDir), dirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		os.Remove(path)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		os.Remove(path)
	}
}

func isRequestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
