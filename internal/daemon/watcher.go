package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SessionOp is what happened to the session file.
type SessionOp int

const (
	// SessionWritten means the session file was created or rewritten: a
	// sign-in or a token refresh.
	SessionWritten SessionOp = iota
	// SessionRemoved means the session file was deleted or moved away: a
	// sign-out.
	SessionRemoved
)

// String returns a human-readable representation of the operation.
func (op SessionOp) String() string {
	switch op {
	case SessionWritten:
		return "written"
	case SessionRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// SessionEvent is a change to the session file.
type SessionEvent struct {
	// Path is the absolute path of the session file.
	Path string
	// Op is what happened to it.
	Op SessionOp
}

// SessionWatcher watches one session file for changes.
//
// It watches the file's directory rather than the file so it sees the file
// being created after a sign-in and the temp-file rename used to save it.
type SessionWatcher struct {
	watcher *fsnotify.Watcher
	events  chan SessionEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	path    string
}

// NewSessionWatcher creates a new SessionWatcher.
// The watcher must be started with Start() before it will emit events.
func NewSessionWatcher() (*SessionWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &SessionWatcher{
		watcher: watcher,
		events:  make(chan SessionEvent, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching path. The parent directory must exist.
func (sw *SessionWatcher) Start(path string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve session path %s: %w", path, err)
	}
	if err := sw.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch session directory %s: %w", filepath.Dir(abs), err)
	}
	sw.path = abs

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (sw *SessionWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)

	// Closing the underlying watcher unblocks the event loop.
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)
	return nil
}

// Events returns the channel of session file changes.
// This channel is closed when the watcher is stopped.
func (sw *SessionWatcher) Events() <-chan SessionEvent {
	return sw.events
}

// Errors returns the channel of watcher errors.
// This channel is closed when the watcher is stopped.
func (sw *SessionWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning returns true if the watcher is currently running.
func (sw *SessionWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *SessionWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- ev:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event on the session file to a
// SessionEvent. Events on other files in the directory are ignored.
func (sw *SessionWatcher) convertEvent(event fsnotify.Event) (SessionEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != sw.path {
		return SessionEvent{}, false
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return SessionEvent{Path: abs, Op: SessionWritten}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return SessionEvent{Path: abs, Op: SessionRemoved}, true
	default:
		// chmod
		return SessionEvent{}, false
	}
}
