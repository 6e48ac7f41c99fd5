package event

import (
	"sync"

	"github.com/ehrlich-b/idadbg/internal/logging"
	"github.com/ehrlich-b/idadbg/internal/threads"
)

// Queue is a lock-guarded deque of DebugEvents. PushFront is reserved
// for TRACE_FULL so the client observes buffer overflow before the
// tail events still arriving from other threads (spec.md §4.2, §5
// ordering guarantees).
type Queue struct {
	mu      sync.Mutex
	items   []DebugEvent
	lastEv  DebugEvent
	hasLast bool

	threads *threads.Table
}

// NewQueue returns an empty queue. threads may be nil in tests that
// never enqueue a TID-less event.
func NewQueue(threads *threads.Table) *Queue {
	return &Queue{threads: threads}
}

// PushBack appends ev to the tail.
func (q *Queue) PushBack(ev DebugEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ev)
}

// PushFront prepends ev to the head, ahead of anything already queued.
func (q *Queue) PushFront(ev DebugEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]DebugEvent{ev}, q.items...)
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PeekBack returns the last-in-queue event without removing it.
func (q *Queue) PeekBack() (DebugEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return DebugEvent{}, false
	}
	return q.items[len(q.items)-1], true
}

// LastEv returns the most recently popped event.
func (q *Queue) LastEv() (DebugEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastEv, q.hasLast
}

// PopFront removes and returns the head event, patching in a thread id
// and instruction pointer if the event was enqueued without one (e.g.
// a bare PAUSE broadcast). If no thread is actually suspended to patch
// from, the event is delivered with the unknownTID sentinel and the
// condition is logged as a bug surface rather than hidden.
func (q *Queue) PopFront() (DebugEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return DebugEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]

	if ev.TID == 0 && q.threads != nil {
		if id, ok := q.threads.AnySuspended(); ok {
			ev.TID = id
			if entry := q.threads.Lookup(id); entry != nil {
				if regs, ok := entry.Export(); ok {
					ev.EA = regs.EIP
				}
			}
		} else {
			ev.TID = unknownTID
			logging.Warn("event popped with no stopped thread to patch id from", "tag", ev.Tag)
		}
	}

	q.lastEv = ev
	q.hasLast = true
	return ev, true
}
