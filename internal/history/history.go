// Package history keeps a local SQLite record of every entry and exit
// registered at this station.
//
// Visit files disappear from the shared folder when a visitor leaves, so the
// folder alone cannot answer "who was inside yesterday". The history database
// is an append-only journal for that question; it is never read back into the
// ledger.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

// Kind is the type of a history event.
type Kind string

const (
	KindEntry Kind = "entry"
	KindExit  Kind = "exit"
)

// Event is one row of the history journal.
type Event struct {
	Seq            int64     `json:"seq" yaml:"seq"`
	Kind           Kind      `json:"kind" yaml:"kind"`
	VisitID        string    `json:"visit_id" yaml:"visit_id"`
	Name           string    `json:"name" yaml:"name"`
	Phone          string    `json:"phone" yaml:"phone"`
	Company        string    `json:"company" yaml:"company"`
	Persons        int       `json:"persons" yaml:"persons"`
	Tunnel1        bool      `json:"tunnel1" yaml:"tunnel1"`
	Tunnel2        bool      `json:"tunnel2" yaml:"tunnel2"`
	EntryTime      time.Time `json:"entry_time" yaml:"entry_time"`
	ExpectedReturn time.Time `json:"expected_return" yaml:"expected_return"`
	LoggedAt       time.Time `json:"logged_at" yaml:"logged_at"`
}

// DB wraps the SQLite connection holding the journal.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the history database at path. Use ":memory:" for tests.
//
// The caller must call Close when done.
func Open(path string) (*DB, error) {
	connStr := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path, now: time.Now}

	if path != ":memory:" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the events table if it doesn't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS visit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,  -- entry, exit
		visit_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL,
		company TEXT NOT NULL,
		persons INTEGER NOT NULL,
		tunnel1 INTEGER NOT NULL,
		tunnel2 INTEGER NOT NULL,
		entry_time TEXT NOT NULL,
		expected_return TEXT NOT NULL,
		logged_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_visit_events_visit ON visit_events(visit_id);
	CREATE INDEX IF NOT EXISTS idx_visit_events_logged ON visit_events(logged_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// EntryLogged records an entry event.
func (db *DB) EntryLogged(r visit.Record) error {
	return db.Append(context.Background(), KindEntry, r)
}

// ExitLogged records an exit event.
func (db *DB) ExitLogged(r visit.Record) error {
	return db.Append(context.Background(), KindExit, r)
}

// Append inserts one event for r.
func (db *DB) Append(ctx context.Context, kind Kind, r visit.Record) error {
	query := `
	INSERT INTO visit_events (
		kind, visit_id, name, phone, company, persons,
		tunnel1, tunnel2, entry_time, expected_return, logged_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, query,
		string(kind),
		r.ID,
		r.Name,
		r.Phone,
		r.Company,
		r.Persons,
		boolToInt(r.Tunnel1),
		boolToInt(r.Tunnel2),
		r.EntryTime.Format(time.RFC3339),
		r.ExpectedReturn.Format(time.RFC3339),
		db.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s of %s: %w", kind, r.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT seq, kind, visit_id, name, phone, company, persons,
	       tunnel1, tunnel2, entry_time, expected_return, logged_at
	FROM visit_events
	ORDER BY seq DESC
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                           Event
			kind                        string
			t1, t2                      int
			entry, expected, loggedAtTx string
		)
		if err := rows.Scan(&e.Seq, &kind, &e.VisitID, &e.Name, &e.Phone, &e.Company, &e.Persons,
			&t1, &t2, &entry, &expected, &loggedAtTx); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Kind = Kind(kind)
		e.Tunnel1 = t1 != 0
		e.Tunnel2 = t2 != 0
		if e.EntryTime, err = time.Parse(time.RFC3339, entry); err != nil {
			return nil, fmt.Errorf("invalid entry_time in history row %d: %w", e.Seq, err)
		}
		if e.ExpectedReturn, err = time.Parse(time.RFC3339, expected); err != nil {
			return nil, fmt.Errorf("invalid expected_return in history row %d: %w", e.Seq, err)
		}
		if e.LoggedAt, err = time.Parse(time.RFC3339Nano, loggedAtTx); err != nil {
			return nil, fmt.Errorf("invalid logged_at in history row %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return events, nil
}

// CountByKind returns the number of events per kind.
func (db *DB) CountByKind(ctx context.Context) (map[Kind]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT kind, COUNT(*) FROM visit_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan history count: %w", err)
		}
		counts[Kind(kind)] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
