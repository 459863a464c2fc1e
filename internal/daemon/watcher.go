package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tunnelmonitor/tunnelmon/internal/store"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new visit file appeared.
	OpCreate EventOp = iota
	// OpModify indicates the content of a visit file was written.
	OpModify
	// OpDelete indicates a visit file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one visit file in the shared folder.
type FileEvent struct {
	// Name is the filename, which is also the visit ID.
	Name string
	// Path is the full path to the file.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches the shared folder for changes to visit files.
// It uses fsnotify for cross-platform file system event monitoring.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir for visit file changes.
func (fw *FileWatcher) Start(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory %s: %w", dir, err)
	}

	if err := fw.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	fw.dir = absDir
	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	wasRunning := fw.running
	fw.running = false
	fw.mu.Unlock()

	if !wasRunning {
		// Never started: release the fsnotify handle only once.
		select {
		case <-fw.done:
			return nil
		default:
		}
		close(fw.done)
		return fw.watcher.Close()
	}

	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// processEvents converts fsnotify events to FileEvents until Stop.
// It never touches the ledger; the consumer does.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent{}, false) for events that should be ignored: other
// directories, non-visit files, and metadata-only changes.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	name := filepath.Base(event.Name)
	if !store.IsVisitFile(name) {
		return FileEvent{}, false
	}

	if absPath, err := filepath.Abs(event.Name); err != nil || filepath.Dir(absPath) != fw.dir {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The new name, if it is in this folder, triggers its own create.
		op = OpDelete
	default:
		// Chmod: access time, permissions and other metadata-only touches.
		return FileEvent{}, false
	}

	return FileEvent{
		Name: name,
		Path: event.Name,
		Op:   op,
	}, true
}
