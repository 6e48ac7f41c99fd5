// Package bpt implements the breakpoint/pause/step manager: the
// control-enabled fast-path flag, the active/pending breakpoint sets,
// and the event-emission policy the control routine runs at every
// instrumented instruction.
package bpt

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/procstate"
)

// Manager owns the breakpoint sets and the stepping/attach flags. All
// mutation happens under mu; controlEnabled is read lock-free on the
// per-instruction hot path by design — it must be a plain load with no
// side effects, since the instrumentation framework inlines the read
// into the target's own code stream.
type Manager struct {
	mu sync.Mutex

	active  map[uint64]bool
	pending map[uint64]bool

	steppingThread uint64
	hasStepping    bool
	breakAtNext    bool

	needReinst atomic.Bool

	controlEnabled atomic.Bool
}

// NewManager returns an empty manager with control disabled.
func NewManager() *Manager {
	return &Manager{
		active:  make(map[uint64]bool),
		pending: make(map[uint64]bool),
	}
}

// ControlEnabled is the lock-free fast-path read the "if" half of the
// per-instruction instrumentation performs.
func (m *Manager) ControlEnabled() bool {
	return m.controlEnabled.Load()
}

// recomputeEnabledLocked recalculates controlEnabled as the disjunction
// described in spec.md §4.5. Caller must hold mu.
func (m *Manager) recomputeEnabledLocked(anySuspended bool) {
	enabled := m.hasStepping || m.breakAtNext || anySuspended || len(m.pending) > 0
	m.controlEnabled.Store(enabled)
}

// AddBpt requests a breakpoint at ea. It goes into pending immediately
// and moves to active only when PromotePending is called. Adding an
// already-active address is a no-op.
func (m *Manager) AddBpt(ea uint64, anySuspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[ea] {
		return
	}
	m.pending[ea] = true
	m.needReinst.Store(true)
	m.recomputeEnabledLocked(anySuspended)
}

// DelBpt removes ea from both sets; symmetric with AddBpt.
func (m *Manager) DelBpt(ea uint64, anySuspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, ea)
	if _, wasPending := m.pending[ea]; wasPending {
		delete(m.pending, ea)
		m.needReinst.Store(true)
	}
	m.recomputeEnabledLocked(anySuspended)
}

// PromotePending moves every pending address to active. The
// re-instrumentation worker in internal/instrument does not call it
// after a cache flush, and nothing else in the agent does, so a
// breakpoint added at run time stays pending (still firing, and still
// keeping ControlEnabled set) until a caller promotes it. Invariant I3
// (active ∩ pending = ∅) holds throughout: an address only ever lives
// in one of the two maps.
func (m *Manager) PromotePending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ea := range m.pending {
		m.active[ea] = true
		delete(m.pending, ea)
	}
}

// NeedsReinstrumentation reports and clears the flag set by AddBpt/DelBpt.
func (m *Manager) NeedsReinstrumentation() bool {
	return m.needReinst.CompareAndSwap(true, false)
}

// IsActive reports whether ea currently carries an installed breakpoint.
func (m *Manager) IsActive(ea uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[ea]
}

// IsPending reports whether ea is requested but not yet installed.
func (m *Manager) IsPending(ea uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[ea]
}

// SetStepping arms single-step for the given internal thread id, or
// clears it if ok is false.
func (m *Manager) SetStepping(tid uint64, ok bool, anySuspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasStepping = ok
	m.steppingThread = tid
	m.recomputeEnabledLocked(anySuspended)
}

// SetBreakAtNext arms or disarms the "stop on the very next
// instruction" flag used for initial attach.
func (m *Manager) SetBreakAtNext(v bool, anySuspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakAtNext = v
	m.recomputeEnabledLocked(anySuspended)
}

// Decision is the outcome of the control routine's event-emission
// policy at a given (thread, ea) observation.
type Decision struct {
	Tag   event.Tag
	Emit  bool
	// BptWinsOverStep is set when a bpt and a step both fire on the
	// same address-instance; the control routine must not also emit
	// STEP in that case (spec.md §4.5 ordering/tie-break).
	BptWinsOverStep bool
}

// Evaluate runs the event-emission policy from spec.md §4.5, holding
// the process-state lock is the caller's responsibility (this method
// only touches the breakpoint/step state). pauseRequested reflects
// procstate.Machine.State() == PauseRequested, read by the caller
// under its own lock ordering to avoid a lock-order cycle with procstate.
func (m *Manager) Evaluate(tid uint64, ea uint64, pauseRequested bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	bptHere := m.pending[ea] || m.active[ea]
	if bptHere {
		d := Decision{Tag: event.Breakpoint, Emit: true, BptWinsOverStep: m.hasStepping && m.steppingThread == tid}
		m.clearAfterEmitLocked()
		return d
	}
	if m.hasStepping && m.steppingThread == tid {
		d := Decision{Tag: event.Step, Emit: true}
		m.clearAfterEmitLocked()
		return d
	}
	if m.breakAtNext {
		d := Decision{Tag: event.ProcessAttach, Emit: true}
		m.clearAfterEmitLocked()
		return d
	}
	if pauseRequested {
		return Decision{Tag: event.ProcessSuspend, Emit: true}
	}
	return Decision{Emit: false}
}

// clearAfterEmitLocked clears break-at-next and the stepping thread
// once any event has been emitted, per spec.md §4.5. Caller holds mu.
func (m *Manager) clearAfterEmitLocked() {
	m.breakAtNext = false
	m.hasStepping = false
	m.steppingThread = 0
}

// Stepping reports the currently armed stepping thread, if any.
func (m *Manager) Stepping() (tid uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steppingThread, m.hasStepping
}

// TransitionOnEmit is a small helper the control routine uses to move the process machine to Suspended once an event has
// been emitted, kept here so callers don't need to duplicate the
// "emit implies suspend" rule from spec.md §4.5.
func TransitionOnEmit(pm *procstate.Machine) error {
	return pm.To(procstate.Suspended)
}
