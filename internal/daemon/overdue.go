package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
)

// DefaultCheckInterval is how often overdue flags are recomputed.
const DefaultCheckInterval = 30 * time.Second

// OverdueEvaluator periodically flips the overdue flag of ledger records whose
// expected return time has passed (or, after an edit, no longer has).
//
// A tick only compares in-memory timestamps; it never does I/O.
type OverdueEvaluator struct {
	ledger   *ledger.Ledger
	interval time.Duration
	now      func() time.Time

	// lock serializes ticks with the other ledger producers.
	lock sync.Locker
}

// NewOverdueEvaluator creates an evaluator for l. A zero interval means
// DefaultCheckInterval; a nil clock means time.Now; a nil lock means ticks
// are not serialized with anything but the ledger itself.
func NewOverdueEvaluator(l *ledger.Ledger, interval time.Duration, now func() time.Time, lock sync.Locker) *OverdueEvaluator {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if now == nil {
		now = time.Now
	}
	if lock == nil {
		lock = noopLocker{}
	}
	return &OverdueEvaluator{ledger: l, interval: interval, now: now, lock: lock}
}

// Tick recomputes every overdue flag as of now and returns the number of flips.
func (e *OverdueEvaluator) Tick(now time.Time) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ledger.RefreshOverdue(now)
}

// Run ticks every interval until ctx is cancelled.
func (e *OverdueEvaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(e.now())
		}
	}
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}
