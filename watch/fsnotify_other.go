//go:build !linux

package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports file events for every directory under a root via fsnotify. fsnotify
// watches single directories, so new subdirectories are added as they appear.
type Watcher struct {
	fsw  *fsnotify.Watcher
	root string

	events chan Event
	errors chan error

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New installs watches on root and every directory below it and starts the read loop.
func New(root string, opts Options) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", absRoot)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	w := &Watcher{
		fsw:    fsw,
		root:   absRoot,
		events: make(chan Event),
		errors: make(chan error, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	existing, err := w.addTree(absRoot)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if !opts.Rescan {
		existing = nil
	}

	go w.readLoop(existing)
	return w, nil
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors carries at most one error: the failure that stopped the read loop.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the read loop and releases the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
	return nil
}

func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				if path == dir {
					return fmt.Errorf("watch %s: %w", path, err)
				}
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) readLoop(pending []string) {
	defer close(w.done)
	defer close(w.events)
	defer w.fsw.Close()

	if !w.emitFiles(pending) {
		return
	}

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handle(ev) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were dropped; report everything still on disk instead.
				files, _ := w.addTree(w.root)
				if !w.emitFiles(files) {
					return
				}
				continue
			}
			w.errors <- fmt.Errorf("fsnotify: %w", err)
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) bool {
	var op Op
	switch {
	case ev.Has(fsnotify.Create):
		op = Create
	case ev.Has(fsnotify.Write):
		op = Write
	default:
		return true
	}

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if op == Create {
			files, _ := w.addTree(ev.Name)
			return w.emitFiles(files)
		}
		return true
	}
	return w.emit(Event{Path: ev.Name, Op: op})
}

func (w *Watcher) emitFiles(paths []string) bool {
	for _, path := range paths {
		if !w.emit(Event{Path: path, Op: Create}) {
			return false
		}
	}
	return true
}

func (w *Watcher) emit(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.stop:
		return false
	}
}
