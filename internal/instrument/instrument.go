// Package instrument implements the three instrumentation layers
// (per-instruction, per-basic-block, per-routine), the trace buffer
// with back-pressure, and the re-instrumentation worker that flushes
// the host's JIT cache when the active layer set changes.
package instrument

import (
	"context"
	"sync"

	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/logging"
	"github.com/ehrlich-b/idadbg/internal/procstate"
	"golang.org/x/sync/semaphore"
)

// Kind classifies a single trace entry.
type Kind int

const (
	KindInsn Kind = iota
	KindCall
	KindRet
)

// TraceEntry is one recorded observation: external tid, address, kind,
// and an optional register snapshot (present only when RecordRegisters
// is on).
type TraceEntry struct {
	ExternalTID uint64
	EA          uint64
	Kind        Kind
	Regs        []uint64
}

// Config mirrors InstrumenterConfig from spec.md §3: which layers are
// on, the address filter window, and the trace-content flags. The
// dispatcher replaces the flags on SET_TRACE; its SET_OPTIONS handler
// only acknowledges the request and leaves the Config unchanged.
type Config struct {
	TraceInsn       bool
	TraceBBlock     bool
	TraceRoutine    bool
	RecordRegisters bool
	LogReturns      bool
	OnlyNew         bool
	TraceEverything bool

	MinEA, MaxEA uint64
	ImageName    string // "*" means unlimited
}

// inWindow reports whether ea should be recorded under this config.
func (c Config) inWindow(ea uint64) bool {
	if c.TraceEverything {
		return true
	}
	return ea >= c.MinEA && ea <= c.MaxEA
}

// State is the re-instrumentation lifecycle from spec.md §3.
type State int

const (
	StateInitial State = iota
	StateNeedReinit
	StateReinitStarted
	StateOK
)

const (
	defaultEnqueueLimit = 1_000_000
	defaultAddrsLimit   = 1_000_000
)

// Instrumenter owns the trace buffer, the active Config, and the
// re-instrumentation state machine. One dedicated worker goroutine
// performs the actual cache flush so the listener (which would
// deadlock waiting on an application thread sleeping inside a
// callback) never has to.
type Instrumenter struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	buffer []TraceEntry
	limit  int

	allAddrs     []uint64
	allAddrsMax  int
	allAddrsSet  map[uint64]struct{}

	traceSem *semaphore.Weighted

	needReinitCh chan struct{}

	queue *event.Queue
	pm    *procstate.Machine
}

// New returns an Instrumenter with the given enqueue limit (0 uses the
// spec default of 10^6), wired to the event queue it pushes TRACE_FULL
// to and the process machine it flips to WaitFlush.
func New(queue *event.Queue, pm *procstate.Machine, enqueueLimit int) *Instrumenter {
	if enqueueLimit <= 0 {
		enqueueLimit = defaultEnqueueLimit
	}
	return &Instrumenter{
		limit:        enqueueLimit,
		allAddrsMax:  defaultAddrsLimit,
		allAddrsSet:  make(map[uint64]struct{}),
		traceSem:     semaphore.NewWeighted(1),
		needReinitCh: make(chan struct{}, 1),
		queue:        queue,
		pm:           pm,
	}
}

// SetConfig installs a new Config and, if the active layer set
// changed, arms the re-instrumentation cycle: state moves to
// StateNeedReinit and the worker is woken.
func (in *Instrumenter) SetConfig(cfg Config) {
	in.mu.Lock()
	layersChanged := cfg.TraceInsn != in.cfg.TraceInsn ||
		cfg.TraceBBlock != in.cfg.TraceBBlock ||
		cfg.TraceRoutine != in.cfg.TraceRoutine
	in.cfg = cfg
	if layersChanged {
		in.state = StateNeedReinit
	}
	in.mu.Unlock()

	if layersChanged {
		select {
		case in.needReinitCh <- struct{}{}:
		default:
		}
	}
}

// Config returns a copy of the active configuration.
func (in *Instrumenter) Config() Config {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cfg
}

// State returns the re-instrumentation lifecycle state.
func (in *Instrumenter) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// RunReinstrumentationWorker blocks, acquiring the host's
// instrumentation lock (via flush) each time a layer-set change is
// signaled, until ctx is canceled. Intended to run as its own
// goroutine, per spec.md §4.6's "dedicated worker" requirement.
func (in *Instrumenter) RunReinstrumentationWorker(ctx context.Context, flush func(context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.needReinitCh:
			in.mu.Lock()
			in.state = StateReinitStarted
			in.mu.Unlock()

			if err := flush(ctx); err != nil {
				logging.Error("instrumentation cache flush failed", "err", err)
				continue
			}

			in.mu.Lock()
			in.state = StateOK
			in.mu.Unlock()
		}
	}
}

// alreadyTraced reports whether ea is in the "only new instructions"
// FIFO, recording it if not. The search is a bounded linear scan in
// spirit (backed here by a set for the membership test plus a FIFO for
// eviction order); spec.md §9 acknowledges the filter is best-effort,
// not a correctness property.
func (in *Instrumenter) alreadyTraced(ea uint64) bool {
	if _, ok := in.allAddrsSet[ea]; ok {
		return true
	}
	in.allAddrs = append(in.allAddrs, ea)
	in.allAddrsSet[ea] = struct{}{}
	if len(in.allAddrs) > in.allAddrsMax {
		oldest := in.allAddrs[0]
		in.allAddrs = in.allAddrs[1:]
		delete(in.allAddrsSet, oldest)
	}
	return false
}

// RecordInsn is the per-instruction analysis routine: records {ea}
// plus a register snapshot when RecordRegisters is on, subject to the
// address window and the only-new filter.
func (in *Instrumenter) RecordInsn(ctx context.Context, extTID, ea uint64, regs []uint64) {
	in.record(ctx, extTID, ea, KindInsn, regs)
}

// RecordCall/RecordRet implement the per-basic-block and per-routine
// layers' call/return classification.
func (in *Instrumenter) RecordCall(ctx context.Context, extTID, ea uint64) {
	in.record(ctx, extTID, ea, KindCall, nil)
}

func (in *Instrumenter) RecordRet(ctx context.Context, extTID, ea uint64) {
	cfg := in.Config()
	if !cfg.LogReturns {
		return
	}
	in.record(ctx, extTID, ea, KindRet, nil)
}

func (in *Instrumenter) record(ctx context.Context, extTID, ea uint64, kind Kind, regs []uint64) {
	cfg := in.Config()
	if !cfg.inWindow(ea) {
		return
	}

	in.mu.Lock()
	if cfg.OnlyNew && in.alreadyTraced(ea) {
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()

	// Back-pressure: wait on the trace-buffer semaphore before every
	// append, per spec.md §4.6. The semaphore rests at one unit of
	// capacity. The unit is taken here and, on the ordinary path, given
	// straight back after the append. On the overflow path it is not
	// given back; instead this same call takes a second, blocking
	// Acquire, which only returns once RESUME's ReleaseAfterDrain puts
	// the unit back — the application thread stalls inside the
	// store-trace path exactly where the real callback would — and
	// then gives that unit back so later appends are not blocked.
	if err := in.traceSem.Acquire(ctx, 1); err != nil {
		return
	}

	in.mu.Lock()
	full := len(in.buffer) >= in.limit
	if !full {
		in.buffer = append(in.buffer, TraceEntry{ExternalTID: extTID, EA: ea, Kind: kind, Regs: regs})
	}
	in.mu.Unlock()

	if full {
		in.onBufferFull(ctx)
		return
	}
	in.traceSem.Release(1)
}

// onBufferFull implements the trace-overflow path: transition to
// WaitFlush, push TRACE_FULL to the front of the event queue, then
// block (without having released the unit taken in record) until
// RESUME calls ReleaseAfterDrain.
func (in *Instrumenter) onBufferFull(ctx context.Context) {
	if err := in.pm.To(procstate.WaitFlush); err != nil {
		logging.Warn("trace buffer full but process not running", "err", err)
	}
	in.queue.PushFront(event.DebugEvent{Tag: event.TraceFull})
	if err := in.traceSem.Acquire(ctx, 1); err == nil {
		in.traceSem.Release(1)
	}
}

// ReleaseAfterDrain is called by RESUME once the client has read the
// trace via READ_TRACE, letting the thread blocked in onBufferFull
// (and any future append) proceed again.
func (in *Instrumenter) ReleaseAfterDrain() {
	in.traceSem.Release(1)
}

// Count returns the number of buffered trace entries.
func (in *Instrumenter) Count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buffer)
}

// ReadTrace dequeues up to n entries in FIFO order, satisfying I8:
// COUNT_TRACE then k reads of READ_TRACE return min(count, k*1000).
func (in *Instrumenter) ReadTrace(n int) []TraceEntry {
	in.mu.Lock()
	defer in.mu.Unlock()
	if n > len(in.buffer) {
		n = len(in.buffer)
	}
	out := make([]TraceEntry, n)
	copy(out, in.buffer[:n])
	in.buffer = in.buffer[n:]
	return out
}

// Clear empties the trace buffer (CLEAR_TRACE).
func (in *Instrumenter) Clear() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.buffer = in.buffer[:0]
}

// SetDefaultWindow sets [minEA, maxEA] and the image name of the
// address window. Nothing in this module calls it on PROCESS_START, so
// the window stays [0, 0] unless a caller sets it or TraceEverything
// is on.
func (in *Instrumenter) SetDefaultWindow(minEA, maxEA uint64, imageName string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cfg.MinEA = minEA
	in.cfg.MaxEA = maxEA
	in.cfg.ImageName = imageName
}

// DumpFrameSizes logs the sizes of the wire structures this package
// and internal/wire exchange, at verbosity >= 3 (IDAPIN_DEBUG), mirroring
// the original agent's startup dump_sizes() diagnostic.
func DumpFrameSizes() {
	logging.Debug("frame sizes", "Frame", 14, "TraceEntry.Kind", 4)
}
