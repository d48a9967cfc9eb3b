// Package watch turns a directory tree into a stream of file change events.
//
// The Linux implementation uses inotify directly; other platforms go through fsnotify. Both
// watch the whole tree: directories created after startup get their own watch as soon as
// they appear, and anything written into them before the watch was installed is reported
// by scanning them once.
package watch

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by New when the notification backend cannot be created.
var ErrUnsupported = errors.New("watch: recursive watching is not supported on this platform")

type Op uint8

const (
	Create Op = iota + 1 // file appeared (created, or found by a scan)
	Write                // file content changed or a writer closed it
	Move                 // file renamed into a watched directory
)

func (op Op) String() string {
	switch op {
	case Create:
		return "create"
	case Write:
		return "write"
	case Move:
		return "move"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Event names one changed path. Several events may arrive for a single logical write.
type Event struct {
	Path string
	Op   Op
}

type Options struct {
	// Rescan reports every file already under root as a Create event when watching starts.
	Rescan bool
}
