package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tunnelmonitor/tunnelmon/internal/config"
	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/store"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sinkCall struct {
	kind string
	id   string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *recordingSink) EntryLogged(r visit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{"entry", r.ID})
	return s.err
}

func (s *recordingSink) ExitLogged(r visit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{"exit", r.ID})
	return s.err
}

func (s *recordingSink) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

var quietLogger = log.New(io.Discard, "", 0)

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.Local)
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeClock, *recordingSink) {
	t.Helper()

	clock := &fakeClock{now: at(10, 0)}
	sink := &recordingSink{}
	d, err := New(&Config{
		Dir:           t.TempDir(),
		CheckInterval: time.Hour,
		Now:           clock.Now,
		Sink:          sink,
		Logger:        quietLogger,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return d, clock, sink
}

func alice() visit.Record {
	return visit.Record{
		Name:           "Alice",
		Phone:          "555",
		Company:        "Acme",
		Persons:        2,
		Tunnel1:        true,
		EntryTime:      at(10, 0),
		ExpectedReturn: at(11, 0),
	}
}

// writeExternal simulates another station writing a visit file.
func writeExternal(t *testing.T, dir string, r visit.Record) visit.Record {
	t.Helper()
	r.AssignID()
	if err := os.WriteFile(filepath.Join(dir, r.ID), visit.Encode(r), 0644); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNew_ConfigErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"empty dir", &Config{Logger: quietLogger}},
		{"missing dir", &Config{Dir: filepath.Join(t.TempDir(), "missing"), Logger: quietLogger}},
		{"not a directory", &Config{Dir: file, Logger: quietLogger}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.cfg)
			if d != nil {
				t.Error("New() should not return a daemon on error")
			}
			var cfgErr *config.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("New() error = %v, want *config.ConfigError", err)
			}
			if cfgErr.Key != config.KeyDataDir {
				t.Errorf("ConfigError.Key = %q, want %q", cfgErr.Key, config.KeyDataDir)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(&Config{Dir: t.TempDir(), Logger: quietLogger})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.config.CheckInterval != DefaultCheckInterval {
		t.Errorf("CheckInterval = %v, want %v", d.config.CheckInterval, DefaultCheckInterval)
	}
	if d.config.Now == nil || d.config.Sink == nil {
		t.Error("New() should fill in the clock and sink")
	}
	if d.Ledger().Len() != 0 {
		t.Error("new daemon should start with an empty ledger")
	}
}

// TestDaemon_AliceScenario walks one visit from entry through overdue to exit.
func TestDaemon_AliceScenario(t *testing.T) {
	d, clock, sink := newTestDaemon(t)

	var changes []ledger.ChangeKind
	d.Ledger().Subscribe(func(c ledger.Change) {
		changes = append(changes, c.Kind)
	})

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}

	wantID := "Alice_555_20240101100000.txt"
	if stored.ID != wantID {
		t.Errorf("ID = %q, want %q", stored.ID, wantID)
	}
	if stored.Overdue {
		t.Error("visit should not be overdue at entry")
	}
	if _, err := os.Stat(d.Store().Path(wantID)); err != nil {
		t.Errorf("visit file not written: %v", err)
	}

	clock.Set(at(10, 30))
	if flips := d.Evaluator().Tick(at(10, 30)); flips != 0 {
		t.Errorf("Tick(10:30) flipped %d records, want 0", flips)
	}
	if r, _ := d.Ledger().Get(wantID); r.Overdue {
		t.Error("visit should not be overdue at 10:30")
	}

	clock.Set(at(11, 30))
	if flips := d.Evaluator().Tick(at(11, 30)); flips != 1 {
		t.Errorf("Tick(11:30) flipped %d records, want 1", flips)
	}
	if r, _ := d.Ledger().Get(wantID); !r.Overdue {
		t.Error("visit should be overdue at 11:30")
	}

	if _, err := d.Exit(wantID); err != nil {
		t.Fatalf("Exit() failed: %v", err)
	}
	if d.Ledger().Len() != 0 {
		t.Errorf("ledger has %d visits after exit, want 0", d.Ledger().Len())
	}
	if _, err := os.Stat(d.Store().Path(wantID)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("visit file should be deleted, stat err = %v", err)
	}

	wantCalls := []sinkCall{{"entry", wantID}, {"exit", wantID}}
	calls := sink.Calls()
	if len(calls) != len(wantCalls) {
		t.Fatalf("sink calls = %v, want %v", calls, wantCalls)
	}
	for i := range wantCalls {
		if calls[i] != wantCalls[i] {
			t.Errorf("sink call %d = %v, want %v", i, calls[i], wantCalls[i])
		}
	}

	wantChanges := []ledger.ChangeKind{ledger.Added, ledger.Updated, ledger.Removed}
	if len(changes) != len(wantChanges) {
		t.Fatalf("changes = %v, want %v", changes, wantChanges)
	}
	for i := range wantChanges {
		if changes[i] != wantChanges[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], wantChanges[i])
		}
	}
}

func TestDaemon_OverdueBoundary(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}
	expected := stored.ExpectedReturn

	tests := []struct {
		now  time.Time
		want bool
	}{
		{expected.Add(-time.Second), false},
		{expected, false},
		{expected.Add(time.Second), true},
		{expected.Add(-time.Second), false},
	}
	for _, tt := range tests {
		d.Evaluator().Tick(tt.now)
		r, _ := d.Ledger().Get(stored.ID)
		if r.Overdue != tt.want {
			t.Errorf("at %s overdue = %v, want %v", tt.now.Format(time.TimeOnly), r.Overdue, tt.want)
		}
	}
}

func TestDaemon_EnterInvalid(t *testing.T) {
	d, _, sink := newTestDaemon(t)

	r := alice()
	r.Tunnel1 = false
	_, err := d.Enter(r)
	if !errors.Is(err, visit.ErrInvalidRecord) {
		t.Fatalf("Enter() error = %v, want ErrInvalidRecord", err)
	}
	if d.Ledger().Len() != 0 || len(sink.Calls()) != 0 {
		t.Error("a rejected entry must not reach the ledger or the sink")
	}
	entries, _ := os.ReadDir(d.Store().Dir())
	if len(entries) != 0 {
		t.Errorf("a rejected entry must not write a file, found %d", len(entries))
	}
}

func TestDaemon_EnterTruncatesToMinute(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	r := alice()
	r.EntryTime = r.EntryTime.Add(42 * time.Second)
	r.ExpectedReturn = r.ExpectedReturn.Add(7 * time.Second)

	stored, err := d.Enter(r)
	if err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}
	if !stored.EntryTime.Equal(at(10, 0)) || !stored.ExpectedReturn.Equal(at(11, 0)) {
		t.Errorf("times not truncated: %v / %v", stored.EntryTime, stored.ExpectedReturn)
	}

	// The file on disk decodes to exactly what the ledger holds.
	onDisk, err := d.Store().Read(stored.ID)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if !onDisk.SameContent(stored) {
		t.Errorf("disk %+v differs from ledger %+v", onDisk, stored)
	}
}

func TestDaemon_EnterTrimsFields(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	r := alice()
	r.Name = "  Alice "
	r.Company = "Acme\t"

	stored, err := d.Enter(r)
	if err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}
	if stored.Name != "Alice" || stored.Company != "Acme" {
		t.Errorf("fields not trimmed: %q / %q", stored.Name, stored.Company)
	}

	var changes []ledger.Change
	d.Ledger().Subscribe(func(c ledger.Change) {
		changes = append(changes, c)
	})

	// The echo of our own write changes nothing.
	d.HandleEvent(FileEvent{Name: stored.ID, Path: d.Store().Path(stored.ID), Op: OpModify})
	if len(changes) != 0 {
		t.Errorf("echo produced changes: %v", changes)
	}
}

func TestDaemon_EnterRejectsLineBreaks(t *testing.T) {
	d, _, sink := newTestDaemon(t)

	r := alice()
	r.Name = "Bob\nCompany: Evil"
	if _, err := d.Enter(r); !errors.Is(err, visit.ErrInvalidRecord) {
		t.Fatalf("Enter() error = %v, want ErrInvalidRecord", err)
	}
	if d.Ledger().Len() != 0 || len(sink.Calls()) != 0 {
		t.Error("a rejected entry must not reach the ledger or the sink")
	}
}

func TestDaemon_SinkFailureDoesNotFailEntry(t *testing.T) {
	d, _, sink := newTestDaemon(t)
	sink.err = errors.New("disk full")

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatalf("Enter() should succeed when the journal fails: %v", err)
	}
	if _, err := d.Exit(stored.ID); err != nil {
		t.Fatalf("Exit() should succeed when the journal fails: %v", err)
	}
}

func TestDaemon_ExitUnknown(t *testing.T) {
	d, _, sink := newTestDaemon(t)

	_, err := d.Exit("Nobody_000_20240101100000.txt")
	if !errors.Is(err, ErrUnknownVisit) {
		t.Errorf("Exit() error = %v, want ErrUnknownVisit", err)
	}
	if len(sink.Calls()) != 0 {
		t.Error("unknown exit must not be journaled")
	}
}

func TestDaemon_ExitFileAlreadyGone(t *testing.T) {
	d, _, sink := newTestDaemon(t)

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatal(err)
	}
	// Another station removed it first.
	if err := os.Remove(d.Store().Path(stored.ID)); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Exit(stored.ID); err != nil {
		t.Fatalf("Exit() failed: %v", err)
	}
	if d.Ledger().Len() != 0 {
		t.Error("visit should be removed from the ledger")
	}
	if calls := sink.Calls(); len(calls) != 2 || calls[1].kind != "exit" {
		t.Errorf("sink calls = %v, want entry then exit", calls)
	}
}

func TestDaemon_HandleEventIdempotent(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	var changes []ledger.Change
	d.Ledger().Subscribe(func(c ledger.Change) {
		changes = append(changes, c)
	})

	r := writeExternal(t, d.Store().Dir(), alice())
	event := FileEvent{Name: r.ID, Path: d.Store().Path(r.ID), Op: OpModify}

	d.HandleEvent(event)
	afterOnce := d.Ledger().Snapshot()
	d.HandleEvent(event)
	afterTwice := d.Ledger().Snapshot()

	if len(afterOnce) != 1 || len(afterTwice) != 1 {
		t.Fatalf("ledger sizes = %d then %d, want 1 and 1", len(afterOnce), len(afterTwice))
	}
	if !afterOnce[0].SameContent(afterTwice[0]) {
		t.Errorf("second application changed the record: %+v -> %+v", afterOnce[0], afterTwice[0])
	}
	if len(changes) != 1 || changes[0].Kind != ledger.Added {
		t.Errorf("changes = %v, want a single Added", changes)
	}
}

func TestDaemon_HandleEventUpdate(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	r := writeExternal(t, d.Store().Dir(), alice())
	d.HandleEvent(FileEvent{Name: r.ID, Op: OpCreate})

	r.Persons = 5
	r.ExpectedReturn = at(12, 0)
	writeExternal(t, d.Store().Dir(), r)
	d.HandleEvent(FileEvent{Name: r.ID, Op: OpModify})

	got, ok := d.Ledger().Get(r.ID)
	if !ok {
		t.Fatal("visit missing after update")
	}
	if got.Persons != 5 || !got.ExpectedReturn.Equal(at(12, 0)) {
		t.Errorf("update not applied: %+v", got)
	}
	if d.Ledger().Len() != 1 {
		t.Errorf("ledger has %d visits, want 1", d.Ledger().Len())
	}
}

func TestDaemon_HandleEventDelete(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatal(err)
	}

	// Unknown ID is a no-op.
	d.HandleEvent(FileEvent{Name: "Ghost_000_20240101100000.txt", Op: OpDelete})
	if d.Ledger().Len() != 1 {
		t.Fatalf("delete of unknown id changed the ledger")
	}

	d.HandleEvent(FileEvent{Name: stored.ID, Op: OpDelete})
	if d.Ledger().Len() != 0 {
		t.Error("delete event should remove the visit")
	}

	// Twice is the same as once.
	d.HandleEvent(FileEvent{Name: stored.ID, Op: OpDelete})
	if d.Ledger().Len() != 0 {
		t.Error("repeated delete event should be a no-op")
	}
}

func TestDaemon_HandleEventDropsBadFiles(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	dir := d.Store().Dir()

	corrupt := "Broken_555_20240101100000.txt"
	if err := os.WriteFile(filepath.Join(dir, corrupt), []byte("Name: Broken\nPersons: many\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d.HandleEvent(FileEvent{Name: corrupt, Op: OpCreate})
	d.HandleEvent(FileEvent{Name: "Vanished_555_20240101100000.txt", Op: OpModify})

	if d.Ledger().Len() != 0 {
		t.Errorf("ledger has %d visits, want 0", d.Ledger().Len())
	}
}

func TestDaemon_HandleEventKeepsVisitOnCorruptModify(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatal(err)
	}

	var changes []ledger.Change
	d.Ledger().Subscribe(func(c ledger.Change) {
		changes = append(changes, c)
	})

	// Another station is halfway through rewriting the file.
	if err := os.WriteFile(d.Store().Path(stored.ID), []byte("Name: Alice\nNumberOfPersons: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	d.HandleEvent(FileEvent{Name: stored.ID, Path: d.Store().Path(stored.ID), Op: OpModify})

	got, ok := d.Ledger().Get(stored.ID)
	if !ok {
		t.Fatal("corrupt modify removed the visit")
	}
	if !got.SameContent(stored) {
		t.Errorf("corrupt modify changed the visit: %+v -> %+v", stored, got)
	}
	if len(changes) != 0 {
		t.Errorf("corrupt modify produced changes: %v", changes)
	}
}

func TestDaemon_Load(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	dir := d.Store().Dir()

	a := writeExternal(t, dir, alice())
	b := alice()
	b.Name = "Bob"
	b = writeExternal(t, dir, b)
	if err := os.WriteFile(filepath.Join(dir, "garbage.txt"), []byte("nonsense"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tunnel.log"), []byte("ENTRY: x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := d.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(result.Records) != 2 || len(result.Failures) != 1 {
		t.Errorf("Load() = %d records, %d failures; want 2, 1", len(result.Records), len(result.Failures))
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, ok := d.Ledger().Get(id); !ok {
			t.Errorf("visit %s missing from ledger", id)
		}
	}

	// A rescan drops visits whose files are gone.
	if err := os.Remove(filepath.Join(dir, a.ID)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Load(); err != nil {
		t.Fatalf("second Load() failed: %v", err)
	}
	if _, ok := d.Ledger().Get(a.ID); ok {
		t.Error("removed visit still in ledger after rescan")
	}
	if d.Ledger().Len() != 1 {
		t.Errorf("ledger has %d visits, want 1", d.Ledger().Len())
	}
}

func TestDaemon_LoadKeepsVisitWithCorruptedFile(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	stored, err := d.Enter(alice())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(d.Store().Path(stored.ID), []byte("half a rec"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := d.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(result.Failures) != 1 {
		t.Errorf("Load() failures = %d, want 1", len(result.Failures))
	}
	if _, ok := d.Ledger().Get(stored.ID); !ok {
		t.Error("visit with an unreadable file should be kept")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestDaemon_StartStop runs the full watch loop against another station's writes.
func TestDaemon_StartStop(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	dir := d.Store().Dir()

	preexisting := writeExternal(t, dir, alice())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case <-d.Started():
	case err := <-done:
		t.Fatalf("Start() returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for daemon to start")
	}

	if _, ok := d.Ledger().Get(preexisting.ID); !ok {
		t.Error("initial scan did not load the existing visit")
	}

	// Another station writes atomically, the way Store.Write does.
	other, err := store.New(dir, quietLogger)
	if err != nil {
		t.Fatal(err)
	}
	bob := alice()
	bob.Name = "Bob"
	bob.AssignID()
	if err := other.Write(bob); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, "Bob to appear", func() bool {
		_, ok := d.Ledger().Get(bob.ID)
		return ok
	})

	if err := other.Delete(preexisting.ID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 2*time.Second, "Alice to disappear", func() bool {
		_, ok := d.Ledger().Get(preexisting.ID)
		return !ok
	})

	// Our own entry echoes back through the watcher without a second event.
	var mu sync.Mutex
	var kinds []ledger.ChangeKind
	unsubscribe := d.Ledger().Subscribe(func(c ledger.Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})
	carol := alice()
	carol.Name = "Carol"
	if _, err := d.Enter(carol); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	unsubscribe()
	mu.Lock()
	if len(kinds) != 1 || kinds[0] != ledger.Added {
		t.Errorf("changes after local entry = %v, want a single Added", kinds)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for daemon to stop")
	}

	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestDaemon_StartMissingFolder(t *testing.T) {
	dir := t.TempDir()
	d, err := New(&Config{Dir: dir, Logger: quietLogger})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}

	if err := d.Start(context.Background()); err == nil {
		t.Error("Start() should fail when the folder has disappeared")
	}
	_ = d.Stop()
}

func TestDaemon_StartTwice(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case <-d.Started():
	case err := <-done:
		t.Fatalf("Start() returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for daemon to start")
	}

	if err := d.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Stop")
	}

	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() after Stop error = %v, want ErrAlreadyStarted", err)
	}
}
