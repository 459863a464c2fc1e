// Package daemon keeps the in-memory ledger of active tunnel visits in sync
// with the shared folder that all stations write to.
//
// # Architecture
//
// The daemon consists of several components:
//
//   - FileWatcher: Cross-platform file system event monitoring using fsnotify
//   - OverdueEvaluator: Periodic recomputation of overdue flags
//   - Daemon: Owns the ledger and serializes every producer that mutates it
//
// # File Watching
//
// The FileWatcher reports changes to *.txt files in one directory:
//
//	fw, err := daemon.NewFileWatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Stop()
//
//	if err := fw.Start("/mnt/shared/tunnels"); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range fw.Events() {
//	    log.Printf("%s: %s", event.Op, event.Name)
//	}
//
// Creates map to OpCreate, writes to OpModify, and removes or renames to
// OpDelete. Metadata-only changes and other files are ignored.
//
// # Reconciliation
//
// Events are applied by a single consumer goroutine. For each create or
// modify the file is read and decoded and the record is upserted; for each
// delete the record is removed by ID without touching the disk. Files that
// vanish before they can be read, and files that cannot be decoded, are
// logged and dropped. Applying the same event twice is a no-op the second
// time, so the daemon's own writes echoing back through the watcher are
// harmless.
//
// If the kernel drops events (fsnotify.ErrEventOverflow) the daemon rescans
// the whole folder.
//
// # Usage
//
//	d, err := daemon.New(daemon.DefaultConfig("/mnt/shared/tunnels"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	unsubscribe := d.Ledger().Subscribe(func(c ledger.Change) {
//	    log.Printf("%s %s", c.Kind, c.Record.ID)
//	})
//	defer unsubscribe()
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package daemon
