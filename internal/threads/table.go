package threads

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Table owns all known thread entries by internal id. Entries are
// stored by value behind a pointer in the map so the map, not any
// entry, is the single place ownership lives; nothing holds a
// back-pointer to the Table.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*Entry

	total     uint64
	suspended uint64
}

// NewTable returns an empty thread table.
func NewTable() *Table {
	return &Table{entries: make(map[uint64]*Entry)}
}

// Lookup returns the entry for internalID, creating it on first
// observation. Mirrors spec.md's "created on first observation of an
// internal thread id" lifecycle; destruction happens only via Forget,
// which the agent calls from the host's THREAD_EXIT callback, right
// after queuing the event and before the client has read or
// acknowledged it.
func (t *Table) Lookup(internalID uint64) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[internalID]
	if ok {
		return e
	}
	e = &Entry{
		internalID: internalID,
		sem:        semaphore.NewWeighted(1),
	}
	t.entries[internalID] = e
	t.total++
	return e
}

// Forget removes an entry together with its saved register context.
// The agent calls it when the host reports the thread's exit, so the
// exit-time context is gone by the time the client reads the
// THREAD_EXIT event. Safe to call on an unknown id.
func (t *Table) Forget(internalID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[internalID]
	if !ok {
		return
	}
	if e.Suspended() {
		t.suspended--
	}
	t.total--
	delete(t.entries, internalID)
}

// Suspend suspends the given entry and updates the class-wide counter.
// Prefer this over calling Entry.Suspend directly so the two stay in
// sync.
func (t *Table) Suspend(ctx context.Context, internalID uint64) error {
	e := t.Lookup(internalID)
	was := e.Suspended()
	err := e.Suspend(ctx)
	t.adjustSuspended(was, e.Suspended())
	return err
}

// Resume resumes the given entry and updates the class-wide counter.
func (t *Table) Resume(internalID uint64) {
	e := t.Lookup(internalID)
	was := e.Suspended()
	e.Resume()
	t.adjustSuspended(was, e.Suspended())
}

func (t *Table) adjustSuspended(was, now bool) {
	if was == now {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if now {
		t.suspended++
	} else {
		t.suspended--
	}
}

// Counts returns (suspended, total), satisfying invariant
// suspended ≤ total by construction.
func (t *Table) Counts() (suspended, total uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended, t.total
}

// AnySuspended returns an arbitrary internal id currently suspended, or
// ok=false if none is. Used by the event queue's pop-time patch
// heuristic (spec.md §4.2) to stamp a thread id onto events enqueued
// without one, e.g. a bare PAUSE broadcast.
func (t *Table) AnySuspended() (internalID uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.Suspended() {
			return id, true
		}
	}
	return 0, false
}

// ExternalOf resolves an internal id to its external OS thread id.
func (t *Table) ExternalOf(internalID uint64) (uint64, bool) {
	t.mu.Lock()
	e, ok := t.entries[internalID]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	return e.ExternalID()
}

// InternalOf is the inverse of ExternalOf, searching the subset of
// entries with a known external id, as spec.md's invariant describes.
func (t *Table) InternalOf(externalID uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if ext, ok := e.ExternalID(); ok && ext == externalID {
			return id, true
		}
	}
	return 0, false
}
