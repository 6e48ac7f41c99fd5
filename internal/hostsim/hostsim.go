// Package hostsim provides a scriptable fake host.Host for tests, the
// in-tree stand-in for the real cgo/native instrumentation engine.
package hostsim

import (
	"context"
	"sync"

	"github.com/ehrlich-b/idadbg/internal/host"
	"github.com/ehrlich-b/idadbg/internal/threads"
)

// Sim is a fake Host driven entirely by test code: callbacks are
// pushed with Push and delivered to Attach's channel in order; memory
// and registers are backed by an in-memory map the test populates
// directly.
type Sim struct {
	mu sync.Mutex

	images  []host.ImageInfo
	mem     []byte
	memBase uint64
	regs    map[uint64]threads.RegisterSet

	callbacks chan host.Callback

	ctrlFn    host.ControlRoutine
	bptFn     host.BptRoutine
	routineFn host.RoutineLogicRoutine

	detached   bool
	terminated bool
	exitCode   int

	flushCalls int

	// Method call tracking, mirroring the teacher's MockBackend style.
	readMemoryCalls int
	readRegsCalls   int
}

// New returns a Sim with a callback channel buffered to cap (0 means
// unbuffered — Push will block until Attach's consumer reads).
func New(cap int) *Sim {
	return &Sim{
		regs:      make(map[uint64]threads.RegisterSet),
		callbacks: make(chan host.Callback, cap),
	}
}

// SetImages installs the module list Images() returns.
func (s *Sim) SetImages(images []host.ImageInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = images
}

// SetMemory installs a flat memory region starting at base, used by
// ReadMemory.
func (s *Sim) SetMemory(base uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memBase = base
	s.mem = data
}

// SetRegisters installs the register snapshot ReadRegisters returns
// for internalTID.
func (s *Sim) SetRegisters(internalTID uint64, r threads.RegisterSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[internalTID] = r
}

// Push enqueues a callback for delivery on Attach's channel.
func (s *Sim) Push(cb host.Callback) {
	s.callbacks <- cb
}

// Attach returns the callback channel; Close should be called by the
// test once no more callbacks will be pushed.
func (s *Sim) Attach(ctx context.Context) (<-chan host.Callback, error) {
	return s.callbacks, nil
}

// Close closes the callback channel, signaling end-of-stream to any
// Attach consumer range-ing over it.
func (s *Sim) Close() {
	close(s.callbacks)
}

// InjectControl implements host.Host, recording the ctrl_rtn closure
// ExecuteInsn/ExecuteCall/ExecuteRet invoke on every simulated
// instruction.
func (s *Sim) InjectControl(fn host.ControlRoutine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrlFn = fn
	return nil
}

// InjectBpt implements host.Host.
func (s *Sim) InjectBpt(fn host.BptRoutine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bptFn = fn
	return nil
}

// InjectRoutine implements host.Host.
func (s *Sim) InjectRoutine(fn host.RoutineLogicRoutine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routineFn = fn
	return nil
}

// ExecuteInsn simulates the target executing one plain instruction at
// ea on internalTID: the real engine compiles an unconditional
// if-then pair before every instruction (ctrl_rtn) plus, at addresses
// that currently carry a bpt, a second always-attached routine
// (bpt_rtn); since this fake has no JIT cache to selectively
// instrument, it runs both injected routines on every call and lets
// each one decide for itself whether to act.
func (s *Sim) ExecuteInsn(ctx context.Context, internalTID, ea uint64) {
	s.runRoutines(ctx, internalTID, ea, host.RoutineInsn)
}

// ExecuteCall simulates the target executing a call instruction,
// driving the per-basic-block/per-routine call classification.
func (s *Sim) ExecuteCall(ctx context.Context, internalTID, ea uint64) {
	s.runRoutines(ctx, internalTID, ea, host.RoutineCall)
}

// ExecuteRet simulates the target executing a return instruction.
func (s *Sim) ExecuteRet(ctx context.Context, internalTID, ea uint64) {
	s.runRoutines(ctx, internalTID, ea, host.RoutineRet)
}

func (s *Sim) runRoutines(ctx context.Context, internalTID, ea uint64, kind host.RoutineKind) {
	s.mu.Lock()
	ctrl, bpt, rtn := s.ctrlFn, s.bptFn, s.routineFn
	s.mu.Unlock()

	if ctrl != nil {
		ctrl(ctx, internalTID, ea)
	}
	if bpt != nil {
		bpt(ctx, internalTID, ea)
	}
	if rtn != nil {
		rtn(ctx, internalTID, ea, kind)
	}
}

// ReadRegisters implements host.Host.
func (s *Sim) ReadRegisters(internalTID uint64) (threads.RegisterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readRegsCalls++
	r, ok := s.regs[internalTID]
	if !ok {
		return threads.RegisterSet{}, errNoSuchThread(internalTID)
	}
	return r, nil
}

// ReadMemory implements host.Host, returning a short read past the end
// of the configured region rather than an error, matching spec.md §7's
// "Host errors return a short buffer" rule.
func (s *Sim) ReadMemory(ea uint64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readMemoryCalls++

	if ea < s.memBase || ea >= s.memBase+uint64(len(s.mem)) {
		return nil, nil
	}
	off := ea - s.memBase
	end := off + uint64(n)
	if end > uint64(len(s.mem)) {
		end = uint64(len(s.mem))
	}
	out := make([]byte, end-off)
	copy(out, s.mem[off:end])
	return out, nil
}

// Images implements host.Host.
func (s *Sim) Images() []host.ImageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]host.ImageInfo, len(s.images))
	copy(out, s.images)
	return out
}

// FlushInstrumentation implements host.Host, just counting calls.
func (s *Sim) FlushInstrumentation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCalls++
	return nil
}

// Detach implements host.Host.
func (s *Sim) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	return nil
}

// Terminate implements host.Host.
func (s *Sim) Terminate(code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	s.exitCode = code
	return nil
}

// Detached, Terminated and FlushCalls are testing utility accessors,
// mirroring the teacher's MockBackend call-count helpers.

func (s *Sim) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *Sim) Terminated() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated, s.exitCode
}

func (s *Sim) FlushCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCalls
}

type errNoSuchThread uint64

func (e errNoSuchThread) Error() string {
	return "hostsim: no registers recorded for thread"
}

var _ host.Host = (*Sim)(nil)
