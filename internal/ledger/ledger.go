// Package ledger holds the in-memory set of visits currently known to this station.
//
// The ledger is what displays bind to. Every mutation is published to the
// registered listeners as a Change.
package ledger

import (
	"iter"
	"sync"
	"time"

	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

// ChangeKind identifies what happened to a record.
type ChangeKind int

const (
	// Added indicates a record entered the ledger.
	Added ChangeKind = iota
	// Updated indicates an existing record changed.
	Updated
	// Removed indicates a record left the ledger.
	Removed
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is published for every ledger mutation.
type Change struct {
	Kind   ChangeKind
	Record visit.Record
}

// Listener receives ledger changes. Listeners run synchronously while the
// ledger is locked, in mutation order, and must not call back into the ledger.
type Listener func(Change)

// Ledger is a mutex-guarded collection of visits keyed by ID.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]visit.Record
	order   []string
	now     func() time.Time

	listeners map[int]Listener
	nextID    int
}

// New creates an empty ledger. now is used to compute the overdue flag of
// inserted and updated records; nil means time.Now.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		records:   make(map[string]visit.Record),
		now:       now,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (l *Ledger) Subscribe(fn Listener) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Insert adds r. If a record with the same ID exists, it is updated instead.
func (l *Ledger) Insert(r visit.Record) {
	l.Upsert(r)
}

// Update replaces the content of the record with r's ID, keeping the ID.
// If no such record exists, r is inserted.
func (l *Ledger) Update(r visit.Record) {
	l.Upsert(r)
}

// Upsert inserts r or updates the existing record with the same ID.
// The overdue flag is recomputed. It reports the kind of change applied and
// whether anything changed at all; applying the same record twice is a no-op.
func (l *Ledger) Upsert(r visit.Record) (ChangeKind, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.Overdue = r.IsOverdueAt(l.now())

	old, exists := l.records[r.ID]
	if !exists {
		l.records[r.ID] = r
		l.order = append(l.order, r.ID)
		l.publish(Change{Kind: Added, Record: r})
		return Added, true
	}

	if old.SameContent(r) {
		return Updated, false
	}
	l.records[r.ID] = r
	l.publish(Change{Kind: Updated, Record: r})
	return Updated, true
}

// Remove deletes the record with the given ID and returns it.
// Removing an unknown ID is a no-op.
func (l *Ledger) Remove(id string) (visit.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return visit.Record{}, false
	}
	delete(l.records, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.publish(Change{Kind: Removed, Record: r})
	return r, true
}

// Get returns the record with the given ID.
func (l *Ledger) Get(id string) (visit.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	return r, ok
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Snapshot returns a copy of all records in insertion order.
func (l *Ledger) Snapshot() []visit.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]visit.Record, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.records[id])
	}
	return out
}

// All iterates over a snapshot of the records in insertion order.
// The snapshot is taken when iteration starts.
func (l *Ledger) All() iter.Seq[visit.Record] {
	return func(yield func(visit.Record) bool) {
		for _, r := range l.Snapshot() {
			if !yield(r) {
				return
			}
		}
	}
}

// RefreshOverdue sets Overdue = now > ExpectedReturn on every record and
// publishes an Updated change only for records whose flag flipped.
// It returns the number of flips.
func (l *Ledger) RefreshOverdue(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	flipped := 0
	for _, id := range l.order {
		r := l.records[id]
		overdue := r.IsOverdueAt(now)
		if r.Overdue == overdue {
			continue
		}
		r.Overdue = overdue
		l.records[id] = r
		flipped++
		l.publish(Change{Kind: Updated, Record: r})
	}
	return flipped
}

// Stats summarizes the ledger.
type Stats struct {
	Visits  int `json:"visits"`
	Persons int `json:"persons"`
	Overdue int `json:"overdue"`
	Tunnel1 int `json:"tunnel1"`
	Tunnel2 int `json:"tunnel2"`
}

// Stats counts visits, persons and overdue visits currently in the ledger.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s Stats
	for _, r := range l.records {
		s.Add(r)
	}
	return s
}

// Add counts r. Persons in both tunnels are counted in each.
func (s *Stats) Add(r visit.Record) {
	s.Visits++
	s.Persons += r.Persons
	if r.Overdue {
		s.Overdue++
	}
	if r.Tunnel1 {
		s.Tunnel1 += r.Persons
	}
	if r.Tunnel2 {
		s.Tunnel2 += r.Persons
	}
}

// publish must be called with l.mu held.
func (l *Ledger) publish(c Change) {
	for _, fn := range l.listeners {
		fn(c)
	}
}
