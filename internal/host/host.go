// Package host defines the boundary between the agent's core logic
// and the actual instrumentation engine. A real implementation lives
// outside this module, at the cgo/native boundary; internal/hostsim
// provides a scriptable fake for tests.
package host

import (
	"context"

	"github.com/ehrlich-b/idadbg/internal/threads"
)

// ImageInfo describes a loaded module, the Go-native shape of
// spec.md's ModuleInfo payload reused for both LIBRARY_LOAD events and
// MEMORY_INFO segment enumeration.
type ImageInfo struct {
	Name     string
	Base     uint64
	Size     uint32
	RebaseTo uint64
}

// CallbackKind tags the variant carried by a Callback.
type CallbackKind int

const (
	CallbackImageLoad CallbackKind = iota
	CallbackImageUnload
	CallbackThreadStart
	CallbackThreadExit
	CallbackProcessStart
	CallbackProcessExit
	CallbackContextChange
)

// Callback is a host-invoked notification delivered on Attach's
// channel. Exactly the fields relevant to Kind are populated.
type Callback struct {
	Kind CallbackKind

	InternalTID uint64
	ExternalTID uint64

	Image ImageInfo

	ExitCode int32

	// Exception carries the context-change payload: code, whether the
	// target can continue, the faulting address, and a descriptive
	// string, mirroring spec.md's exception descriptor.
	Exception struct {
		Code    uint32
		CanCont bool
		EA      uint64
		Info    string
	}
	// IsSoftwareTrap marks an exception as the host's software-trap
	// kind, which RESUME must never mask (spec.md §4.7).
	IsSoftwareTrap bool
}

// RoutineKind tags which of the per-instruction/per-basic-block/
// per-routine analysis points triggered a RoutineLogicRoutine call.
type RoutineKind int

const (
	RoutineInsn RoutineKind = iota
	RoutineCall
	RoutineRet
)

// ControlRoutine is ctrl_rtn from spec.md §4.5: the analysis routine
// instrumentation injects before every instruction, gated by the
// cheap control_enabled fast path. The host invokes it synchronously
// on the application thread that is about to execute ea.
type ControlRoutine func(ctx context.Context, internalTID, ea uint64)

// BptRoutine is bpt_rtn: attached only to instructions that currently
// carry an active or pending breakpoint, independent of
// control_enabled, so a breakpoint still fires even when the fast
// path is otherwise disabled.
type BptRoutine func(ctx context.Context, internalTID, ea uint64)

// RoutineLogicRoutine is the per-instruction/per-basic-block/
// per-routine analysis routine from spec.md §4.6 that feeds the
// instrumenter's trace buffer.
type RoutineLogicRoutine func(ctx context.Context, internalTID, ea uint64, kind RoutineKind)

// Host is the interface the dispatcher and instrumenter drive. A real
// implementation wraps the dynamic-instrumentation engine; Attach
// returns a channel of asynchronous callbacks instead of invoking the
// core synchronously, matching spec.md §9's "callbacks only enqueue
// and return" strategy. InjectControl/InjectBpt/InjectRoutine let the
// core register the analysis routines the host must run before every
// instruction (or at bpt/call/return points) once the target starts
// executing rewritten code.
type Host interface {
	Attach(ctx context.Context) (<-chan Callback, error)
	InjectControl(fn ControlRoutine) error
	InjectBpt(fn BptRoutine) error
	InjectRoutine(fn RoutineLogicRoutine) error
	ReadRegisters(internalTID uint64) (threads.RegisterSet, error)
	ReadMemory(ea uint64, n int) ([]byte, error)
	Images() []ImageInfo
	FlushInstrumentation(ctx context.Context) error
	Detach() error
	Terminate(code int) error
}
