// Package procstate implements the target process's state machine and
// the global run/gate semaphore application threads block on while
// suspended.
package procstate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// State is one of the seven values in spec.md §4.4.
type State int

const (
	None State = iota
	Running
	PauseRequested
	Suspended
	WaitFlush
	Exiting
	Detached
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Running:
		return "running"
	case PauseRequested:
		return "pause-requested"
	case Suspended:
		return "suspended"
	case WaitFlush:
		return "wait-flush"
	case Exiting:
		return "exiting"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine guards the process state and the global application gate.
// The gate is cleared (held at weight 0) whenever state is Suspended
// or WaitFlush, and set (weight 1, i.e. immediately acquirable) while
// Running — invariant I2. WaitFlush is released by a separate
// trace-buffer semaphore owned by the instrumenter, not by this gate,
// so the client can drain the trace before execution resumes.
type Machine struct {
	mu    sync.Mutex
	state State
	gate  *semaphore.Weighted

	gateHeld bool // true while the gate's single unit is held (cleared)
}

// NewMachine returns a machine in state None with the gate held
// (cleared), matching "gate is cleared iff state ∈ {suspended,
// wait-flush}" vacuously until the first PROCESS_START transition.
func NewMachine() *Machine {
	m := &Machine{state: None, gate: semaphore.NewWeighted(1)}
	m.gate.Acquire(context.Background(), 1)
	m.gateHeld = true
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrInvalidTransition reports an attempt to move between states that
// spec.md §4.4's transition table does not allow.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("procstate: invalid transition %s -> %s", e.From, e.To)
}

// transitions enumerates the allowed (from, to) pairs, wildcard "*"
// entries (DETACH, PROCESS_EXIT-drained) checked separately below.
var transitions = map[State]map[State]bool{
	None:           {Running: true},
	Running:        {PauseRequested: true, Suspended: true, WaitFlush: true},
	PauseRequested: {Suspended: true},
	Suspended:      {Running: true},
	WaitFlush:      {Running: true},
}

// To attempts a transition, returning ErrInvalidTransition if the
// table in spec.md §4.4 does not permit it. Caller must not already
// hold mu; To takes it internally. Detached and Exiting are terminal:
// no further transitions are permitted out of them except via the
// wildcard entries handled by Detach/Exit below.
func (m *Machine) To(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedTo(to)
}

func (m *Machine) lockedTo(to State) error {
	from := m.state
	if from == Exiting || from == Detached {
		return &ErrInvalidTransition{From: from, To: to}
	}
	if !transitions[from][to] {
		return &ErrInvalidTransition{From: from, To: to}
	}
	m.state = to
	m.applyGateLocked(to)
	return nil
}

// applyGateLocked sets or clears the gate to match the entered state.
// Entering WaitFlush also clears the gate here. The thread stalled in
// the trace path waits on the instrumenter's trace-buffer semaphore,
// not on this gate; RESUME releases that semaphore and then calls
// To(Running), which sets the gate again.
func (m *Machine) applyGateLocked(to State) {
	wantCleared := to == Suspended || to == WaitFlush
	if wantCleared && !m.gateHeld {
		m.gate.Acquire(context.Background(), 1)
		m.gateHeld = true
	} else if !wantCleared && m.gateHeld {
		m.gate.Release(1)
		m.gateHeld = false
	}
}

// Detach forces a transition to Detached from any state, the `*
// ──DETACH──▶ detached` wildcard rule. Idempotent: detaching twice is
// a no-op success, matching spec.md §5's "DETACH is idempotent".
func (m *Machine) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Detached {
		return
	}
	m.state = Detached
	m.applyGateLocked(Detached)
}

// Exit forces a transition to Exiting from any state, the `*
// ──PROCESS_EXIT event drained──▶ exiting` wildcard rule.
func (m *Machine) Exit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Exiting {
		return
	}
	m.state = Exiting
	m.applyGateLocked(Exiting)
}

// WaitGate blocks the calling application thread until the gate is
// set (state Running). Called by an application thread after it has
// suspended on its own per-thread gate.
func (m *Machine) WaitGate(ctx context.Context) error {
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	m.gate.Release(1)
	return nil
}

// GateCleared reports whether the gate is currently held (cleared),
// exposed for invariant checks (I2) in tests.
func (m *Machine) GateCleared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gateHeld
}
