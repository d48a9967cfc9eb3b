//go:build linux

package watch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const watchMask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_ONLYDIR

// Watcher reports file events for every directory under a root via inotify.
type Watcher struct {
	fd      int
	root    string
	watches map[int]string // wd → directory; owned by the read loop once started

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

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	w := &Watcher{
		fd:      fd,
		root:    absRoot,
		watches: make(map[int]string),
		events:  make(chan Event),
		errors:  make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	// Scan after the watches are in place: a file that appears meanwhile is either seen
	// by the scan or produces an event, never neither.
	existing, err := w.addTree(absRoot)
	if err != nil {
		unix.Close(fd)
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

// Close stops the read loop and releases the inotify fd. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
	return nil
}

// addTree watches dir and all directories below it, returning the regular files found.
// Subdirectories that vanish during the walk are skipped; dir itself must exist.
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
			wd, err := unix.InotifyAddWatch(w.fd, path, watchMask)
			if err != nil {
				if path == dir {
					return fmt.Errorf("inotify_add_watch on %s: %w", path, err)
				}
				return filepath.SkipDir
			}
			w.watches[wd] = path
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// readLoop polls the inotify fd and forwards events until stopped.
//
// Uses poll(2) with a 100ms timeout so the goroutine stays responsive to the stop signal
// without burning CPU on a tight loop.
func (w *Watcher) readLoop(pending []string) {
	defer close(w.done)
	defer close(w.events)
	defer unix.Close(w.fd)

	if !w.emitFiles(pending) {
		return
	}

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.errors <- fmt.Errorf("poll inotify: %w", err)
			return
		}
		if count == 0 {
			continue // timeout, check stop
		}

		bytesRead, err := unix.Read(w.fd, buffer)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			w.errors <- fmt.Errorf("read inotify: %w", err)
			return
		}

		if !w.handle(buffer[:bytesRead]) {
			return
		}
	}
}

// handle walks a buffer of raw inotify events. Returns false once the watcher is stopping.
//
// Inotify event layout (from inotify(7)):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, padded to alignment
//	};
func (w *Watcher) handle(buffer []byte) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int(int32(binary.NativeEndian.Uint32(buffer[offset : offset+4])))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		name := nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		offset += eventSize

		if mask&unix.IN_Q_OVERFLOW != 0 {
			// Events were dropped; report everything still on disk instead.
			files, _ := w.addTree(w.root)
			if !w.emitFiles(files) {
				return false
			}
			continue
		}
		if mask&unix.IN_IGNORED != 0 {
			delete(w.watches, wd)
			continue
		}

		dir, ok := w.watches[wd]
		if !ok || name == "" {
			continue
		}
		path := filepath.Join(dir, name)

		if mask&unix.IN_ISDIR != 0 {
			if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
				files, _ := w.addTree(path)
				if !w.emitFiles(files) {
					return false
				}
			}
			continue
		}

		var op Op
		switch {
		case mask&unix.IN_CREATE != 0:
			op = Create
		case mask&unix.IN_MOVED_TO != 0:
			op = Move
		case mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0:
			op = Write
		default:
			continue
		}
		if !w.emit(Event{Path: path, Op: op}) {
			return false
		}
	}
	return true
}

func (w *Watcher) emitFiles(paths []string) bool {
	for _, path := range paths {
		if !w.emit(Event{Path: path, Op: Create}) {
			return false
		}
	}
	return true
}

func (w *Watcher) emit(event Event) bool {
	select {
	case w.events <- event:
		return true
	case <-w.stop:
		return false
	}
}

// nullTerminatedString extracts a string from a null-padded byte slice,
// stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
