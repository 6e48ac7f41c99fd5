// Package event implements the debug-event deque shared between
// callbacks, analysis routines, and the request dispatcher.
package event

// Tag identifies the kind of DebugEvent, mirroring the original
// protocol's event-id bitmask so wire encoding stays a direct copy.
type Tag uint32

const (
	NoEvent        Tag = 0x00000000
	ProcessStart   Tag = 0x00000001
	ProcessExit    Tag = 0x00000002
	ThreadStart    Tag = 0x00000004
	ThreadExit     Tag = 0x00000008
	Breakpoint     Tag = 0x00000010
	Step           Tag = 0x00000020
	Exception      Tag = 0x00000040
	LibraryLoad    Tag = 0x00000080
	LibraryUnload  Tag = 0x00000100
	Information    Tag = 0x00000200
	ProcessAttach  Tag = 0x00000400
	ProcessDetach  Tag = 0x00000800
	ProcessSuspend Tag = 0x00001000
	TraceFull      Tag = 0x00002000
)

// ModuleInfo is the tag-specific payload for ProcessStart/ProcessAttach
// and LibraryLoad.
type ModuleInfo struct {
	Name     string
	Base     uint64
	Size     uint32
	RebaseTo uint64
}

// BreakpointInfo describes where a breakpoint fired: the address referenced
// (for hardware breakpoints) and the kernel's view of the trigger
// address, which can differ on systems with special memory mappings.
type BreakpointInfo struct {
	HitEA    uint64
	KernelEA uint64
}

// ExceptionInfo describes an internal-exception event.
type ExceptionInfo struct {
	Code     uint32
	CanCont  bool
	EA       uint64
	Info     string
}

// DebugEvent is a tagged record. Only the fields relevant to Tag are
// meaningful; this flattens the original protocol's union into plain
// fields, which costs a little memory per event and buys us a type
// the wire codec can marshal without reflection or type switches.
type DebugEvent struct {
	Tag     Tag
	PID     uint32
	TID     uint64 // internal thread id; 0 means "unknown, patch on pop"
	EA      uint64
	Handled bool

	Module    ModuleInfo
	ExitCode  int32
	Info      string
	Bpt       BreakpointInfo
	Exception ExceptionInfo
}

// unknownTID is the sentinel stamped onto an event that could not be
// patched with a real thread id at pop time because no thread was
// actually suspended — a bug surface acknowledged by spec.md §9, not a
// condition this package tries to hide.
const unknownTID = ^uint64(0)
