package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tunnelmonitor/tunnelmon/internal/config"
	"github.com/tunnelmonitor/tunnelmon/internal/journal"
	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/store"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

// ErrUnknownVisit is returned by Exit for an ID that is not in the ledger.
var ErrUnknownVisit = errors.New("unknown visit")

// ErrAlreadyStarted is returned by Start on a daemon that is running or was stopped.
var ErrAlreadyStarted = errors.New("daemon already started")

// Config holds configuration for the daemon.
type Config struct {
	// Dir is the shared folder holding one file per active visit.
	Dir string

	// CheckInterval is how often overdue flags are recomputed (default: 30s).
	CheckInterval time.Duration

	// Now is the clock used for overdue computation (default: time.Now).
	Now func() time.Time

	// Sink receives entry and exit events for local actions (default: discard).
	Sink journal.Sink

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given shared folder.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:           dir,
		CheckInterval: DefaultCheckInterval,
		Now:           time.Now,
		Sink:          journal.Discard,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon owns the ledger for one shared folder.
//
// Every producer that mutates the ledger (local Enter/Exit, watcher
// reconciliation, overdue ticks) holds mu for the whole read-modify-write,
// so a file read by the watcher can never resurrect a visit that a local
// Exit removed in between.
type Daemon struct {
	config    *Config
	store     *store.Store
	ledger    *ledger.Ledger
	evaluator *OverdueEvaluator

	mu sync.Mutex

	// runMu guards watcher and running against concurrent Start and Stop.
	runMu    sync.Mutex
	running  bool
	watcher  *FileWatcher
	started  chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for the folder in cfg.
//
// A missing or unusable folder is a *config.ConfigError; nothing is started.
func New(cfg *Config) (*Daemon, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Key: config.KeyDataDir, Err: config.ErrMissingDataDir}
	}
	if cfg.Dir == "" {
		return nil, &config.ConfigError{Key: config.KeyDataDir, Err: config.ErrMissingDataDir}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = journal.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	st, err := store.New(cfg.Dir, cfg.Logger)
	if err != nil {
		return nil, &config.ConfigError{Key: config.KeyDataDir, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		store:   st,
		ledger:  ledger.New(cfg.Now),
		started: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.evaluator = NewOverdueEvaluator(d.ledger, cfg.CheckInterval, cfg.Now, &d.mu)
	return d, nil
}

// Ledger returns the in-memory visit collection. Subscribe to it to observe changes.
func (d *Daemon) Ledger() *ledger.Ledger {
	return d.ledger
}

// Store returns the shared folder store.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Evaluator returns the overdue evaluator.
func (d *Daemon) Evaluator() *OverdueEvaluator {
	return d.evaluator
}

// Started is closed once the watcher and evaluator are running.
func (d *Daemon) Started() <-chan struct{} {
	return d.started
}

// Start scans the folder, starts watching it and starts the overdue evaluator.
//
// This blocks until ctx is cancelled or Stop is called. A daemon runs once:
// starting it again, or after Stop, returns ErrAlreadyStarted.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.launch(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// launch brings up the watcher, the initial scan and the worker goroutines.
func (d *Daemon) launch() error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running || d.ctx.Err() != nil {
		return ErrAlreadyStarted
	}
	d.config.Logger.Println("Starting daemon")

	// Watch before scanning so nothing written during the scan is missed.
	watcher, err := NewFileWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(d.store.Dir()); err != nil {
		_ = watcher.Stop()
		return err
	}

	result, err := d.Load()
	if err != nil {
		_ = watcher.Stop()
		return fmt.Errorf("initial scan failed: %w", err)
	}
	d.config.Logger.Printf("Loaded %d visits (%d unreadable files)", len(result.Records), len(result.Failures))
	d.config.Logger.Printf("Watching: %s", d.store.Dir())

	d.watcher = watcher
	d.running = true

	d.wg.Add(2)
	go d.watchFileEvents(watcher)
	go func() {
		defer d.wg.Done()
		d.evaluator.Run(d.ctx)
	}()
	close(d.started)
	return nil
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()

		d.runMu.Lock()
		watcher := d.watcher
		d.runMu.Unlock()

		if watcher != nil {
			if stopErr := watcher.Stop(); stopErr != nil {
				d.config.Logger.Printf("Error closing watcher: %v", stopErr)
				err = stopErr
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// Load reconciles the ledger with a full scan of the shared folder.
//
// Decodable files are upserted and visits whose files are gone are removed.
// A file that exists but cannot be decoded leaves any known visit untouched.
func (d *Daemon) Load() (*store.ScanResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.store.List()
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(result.Records)+len(result.Failures))
	for _, r := range result.Records {
		present[r.ID] = true
		d.ledger.Upsert(r)
	}
	for _, f := range result.Failures {
		present[f.Name] = true
	}
	for _, r := range d.ledger.Snapshot() {
		if !present[r.ID] {
			d.ledger.Remove(r.ID)
		}
	}
	return result, nil
}

// Enter registers a visit at this station: validate, write its file, add it
// to the ledger and log the entry. The returned record carries the assigned ID.
//
// Timestamps are truncated to the minute, the resolution of the file format.
func (d *Daemon) Enter(r visit.Record) (visit.Record, error) {
	// Stored the way the file decodes so the watcher echo matches.
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Company = strings.TrimSpace(r.Company)
	r.EntryTime = r.EntryTime.Truncate(time.Minute)
	r.ExpectedReturn = r.ExpectedReturn.Truncate(time.Minute)
	if err := r.Validate(); err != nil {
		return visit.Record{}, err
	}
	r.AssignID()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Write(r); err != nil {
		return visit.Record{}, err
	}
	d.ledger.Insert(r)

	stored, _ := d.ledger.Get(r.ID)
	if err := d.config.Sink.EntryLogged(stored); err != nil {
		d.config.Logger.Printf("Warning: failed to log entry of %s: %v", stored.ID, err)
	}
	return stored, nil
}

// Exit removes a visit: delete its file, drop it from the ledger and log the exit.
func (d *Daemon) Exit(id string) (visit.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.ledger.Get(id)
	if !ok {
		return visit.Record{}, fmt.Errorf("%w: %s", ErrUnknownVisit, id)
	}
	if err := d.store.Delete(id); err != nil {
		return visit.Record{}, err
	}
	d.ledger.Remove(id)

	if err := d.config.Sink.ExitLogged(r); err != nil {
		d.config.Logger.Printf("Warning: failed to log exit of %s: %v", id, err)
	}
	return r, nil
}

// HandleEvent reconciles the ledger with one change in the shared folder.
//
// Applying the same event twice leaves the ledger as applying it once.
// Files that vanish before they can be read, and files that cannot be
// decoded, are logged and dropped.
func (d *Daemon) HandleEvent(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if event.Op == OpDelete {
		if _, ok := d.ledger.Remove(event.Name); ok {
			d.config.Logger.Printf("Visit removed by another station: %s", event.Name)
		}
		return
	}

	r, err := d.store.Read(event.Name)
	if err != nil {
		var decodeErr *visit.DecodeError
		if errors.As(err, &decodeErr) {
			d.config.Logger.Printf("Dropping %s event for %s: %v", event.Op, event.Name, err)
		} else {
			d.config.Logger.Printf("Ignoring %s event for %s: %v", event.Op, event.Name, err)
		}
		return
	}

	if kind, changed := d.ledger.Upsert(r); changed {
		d.config.Logger.Printf("Visit %s: %s", kind, event.Name)
	}
}

// watchFileEvents applies watcher events until shutdown.
func (d *Daemon) watchFileEvents(watcher *FileWatcher) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-watcher.Events():
			if !ok {
				return
			}
			d.HandleEvent(event)

		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

			// The kernel dropped events; rescan so none are lost for good.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				if _, err := d.Load(); err != nil {
					d.config.Logger.Printf("Rescan after overflow failed: %v", err)
				}
			}
		}
	}
}
