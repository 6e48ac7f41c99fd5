// Package threads maintains the table of known application threads and
// their saved register contexts.
package threads

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// RegisterSet is the wire's fixed register layout: GP registers, the
// instruction pointer, a flags word, and six segment selectors. The
// eight additional 64-bit GP registers are only meaningful on 64-bit
// targets; on 32-bit hosts they stay zero.
type RegisterSet struct {
	EAX, EBX, ECX, EDX uint64
	ESI, EDI, EBP, ESP uint64
	EIP                uint64
	EFlags             uint64
	CS, DS, ES, FS, GS, SS uint32

	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RFlags64                             uint64
}

// Entry is a single thread's bookkeeping: saved context, an optional
// overriding snapshot, the external OS id, and suspend state. Entries
// never hold a back-pointer into the owning Table; callers look an
// entry up by id each time they need one; this keeps entry lifetime
// independent of whatever the manager does with its map.
type Entry struct {
	mu sync.Mutex

	internalID uint64
	externalID uint64
	hasExtID   bool

	saved    *RegisterSet
	override *RegisterSet

	sem *semaphore.Weighted

	suspended        bool
	exceptionHandled bool
}

// InternalID returns the thread's internal identifier.
func (e *Entry) InternalID() uint64 {
	return e.internalID
}

// ExternalID returns the OS thread id and whether it has been observed
// yet. It is only ever set from inside the owning thread, since the OS
// thread-id syscall reports the caller's own id.
func (e *Entry) ExternalID() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.externalID, e.hasExtID
}

// SetExternalID fills in the external id. Safe to call repeatedly; a
// caller not running as the thread in question should not call this,
// but the table does not enforce it (it has no way to check).
func (e *Entry) SetExternalID(ext uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.externalID = ext
	e.hasExtID = true
}

// SaveContext records the most recent host-provided register context.
func (e *Entry) SaveContext(r RegisterSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := r
	e.saved = &cp
}

// SetOverride installs a snapshot that takes priority over the saved
// context on export, used when the host handed us a physical context
// that does not outlive the current callback.
func (e *Entry) SetOverride(r RegisterSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := r
	e.override = &cp
}

// DropOverride invalidates the overriding snapshot. Called once the
// client has resumed past the host-internal exception that produced it.
func (e *Entry) DropOverride() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.override = nil
}

// Export returns the register set to report to the client: the
// override if present, otherwise the saved context. ok is false if
// neither has ever been recorded.
func (e *Entry) Export() (RegisterSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override != nil {
		return *e.override, true
	}
	if e.saved != nil {
		return *e.saved, true
	}
	return RegisterSet{}, false
}

// Suspended reports the entry's suspend flag.
func (e *Entry) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Suspend marks the entry suspended and clears its gate semaphore so
// a later Wait blocks until Resume releases it. Invariant I1: suspended
// implies the semaphore is cleared, maintained by acquiring here.
func (e *Entry) Suspend(ctx context.Context) error {
	e.mu.Lock()
	e.suspended = true
	e.mu.Unlock()
	return e.sem.Acquire(ctx, 1)
}

// Resume clears the suspend flag and releases the gate.
func (e *Entry) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspended {
		e.suspended = false
		e.sem.Release(1)
	}
}

// Wait blocks the calling (application) thread on its own gate without
// changing the suspend flag; used by the control routine after the
// state machine has already suspended the thread via Suspend.
func (e *Entry) Wait(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.sem.Release(1)
	return nil
}

// SetExceptionHandled records whether the debugger is handling the
// thread's last exception (vs. passing it through to the target).
func (e *Entry) SetExceptionHandled(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exceptionHandled = v
}

// ExceptionHandled reports the flag set by SetExceptionHandled.
func (e *Entry) ExceptionHandled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exceptionHandled
}
