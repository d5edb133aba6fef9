// Package watcher adapts fsnotify events into the three file events the
// document actor cares about: a file was created, changed, or removed.
// Rename events (fsnotify reports a rename as two separate events, one
// per path) are decomposed into a Removed for the source and a Created
// for the destination.
package watcher

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/etherdsync/etherd/internal/pathpolicy"
)

// EventKind classifies a filesystem event.
type EventKind int

const (
	Created EventKind = iota
	Changed
	Removed
)

// Event is one filesystem change, with the affected path already
// resolved to an absolute path within the watched directory.
type Event struct {
	Kind EventKind
	Path pathpolicy.AbsolutePath
}

// Watcher wraps an fsnotify watcher rooted at a single directory tree.
type Watcher struct {
	fs     *fsnotify.Watcher
	Events chan Event
	Errors chan error
}

// New starts watching base and everything below it that dirs lists
// (fsnotify has no recursive mode, so every directory must be added
// individually; callers add subdirectories as they're discovered via
// AddDir).
func New(base pathpolicy.AbsolutePath, dirs []pathpolicy.AbsolutePath) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating filesystem watcher")
	}
	if err := fw.Add(base.String()); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watching %q", base.String())
	}
	for _, d := range dirs {
		if err := fw.Add(d.String()); err != nil {
			fw.Close()
			return nil, errors.Wrapf(err, "watching %q", d.String())
		}
	}

	w := &Watcher{fs: fw, Events: make(chan Event, 64), Errors: make(chan error, 8)}
	go w.run()
	return w, nil
}

// AddDir watches an additional directory, e.g. one just created.
func (w *Watcher) AddDir(dir pathpolicy.AbsolutePath) error {
	return errors.Wrapf(w.fs.Add(dir.String()), "watching %q", dir.String())
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) run() {
	defer close(w.Events)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	path, err := pathpolicy.NewAbsolutePath(ev.Name)
	if err != nil {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		w.emit(Event{Kind: Created, Path: path})
	case ev.Op&fsnotify.Remove != 0:
		w.emit(Event{Kind: Removed, Path: path})
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports the source path of a rename as a bare Rename
		// event and never tells us the destination directly; the
		// corresponding Create for the destination arrives separately.
		w.emit(Event{Kind: Removed, Path: path})
	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		w.emit(Event{Kind: Changed, Path: path})
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.Events <- ev:
	default:
		// A full buffer means the document actor is badly backlogged;
		// the event is dropped, and the change it reports is only picked
		// up by a later event for the same path or the next startup walk.
	}
}
