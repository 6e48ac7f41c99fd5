// Package idadbg provides the main API for running a dynamic-
// instrumentation debug agent: accept a client connection, perform
// the HELLO handshake, and hand the connection to the wired-together
// C1-C9 components for the lifetime of the session.
package idadbg

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/idadbg/internal/bpt"
	"github.com/ehrlich-b/idadbg/internal/dispatch"
	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/host"
	"github.com/ehrlich-b/idadbg/internal/instrument"
	"github.com/ehrlich-b/idadbg/internal/listener"
	"github.com/ehrlich-b/idadbg/internal/logging"
	"github.com/ehrlich-b/idadbg/internal/procstate"
	"github.com/ehrlich-b/idadbg/internal/threads"
	"github.com/ehrlich-b/idadbg/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Options configures an Agent. The zero value is usable and picks
// every default named in spec.md §6.1.
type Options struct {
	// Port is the TCP port to listen on. Zero means DefaultPort.
	Port int

	// AcceptTimeout bounds how long Serve waits for a client to
	// connect after the listening socket is up. Zero means forever.
	AcceptTimeout time.Duration

	// EnqueueLimit bounds the trace buffer before a RESUME is
	// required to drain it. Zero means DefaultEnqueueLimit.
	EnqueueLimit int

	// Observer receives event/bpt/trace counters as they occur. Nil
	// defaults to a MetricsObserver feeding the agent's own Metrics.
	Observer Observer

	// Logger, when set, replaces the package-level default logger
	// (logging.SetDefault) as New runs; the replacement is not undone
	// when the agent stops. Nil leaves logging.Default() untouched.
	Logger *logging.Logger
}

func (o Options) port() int {
	if o.Port == 0 {
		return DefaultPort
	}
	return o.Port
}

func (o Options) enqueueLimit() int {
	if o.EnqueueLimit == 0 {
		return DefaultEnqueueLimit
	}
	return o.EnqueueLimit
}

// Agent wires the nine core components together and owns their
// shared lifetime: the listener goroutine, the re-instrumentation
// worker, and the underlying instrumentation host.
type Agent struct {
	Queue   *event.Queue
	Threads *threads.Table
	Proc    *procstate.Machine
	Bpt     *bpt.Manager
	Trace   *instrument.Instrumenter
	Host    host.Host

	dispatcher *dispatch.Dispatcher
	metrics    *Metrics
	observer   Observer

	// listener is set once Serve starts; the control routine consults
	// it for the pre-ready synchronous fallback (spec.md §4.8). It is
	// read from host-driven goroutines concurrently with Serve's
	// assignment, hence atomic.Pointer rather than a bare field.
	listenerPtr atomic.Pointer[listener.Listener]

	cancel context.CancelFunc
}

// New assembles an Agent around a host.Host implementation (the
// binding to the real instrumentation framework, or internal/hostsim
// in tests) without yet accepting a client connection.
func New(h host.Host, opts Options) *Agent {
	if opts.Logger != nil {
		logging.SetDefault(opts.Logger)
	}

	tbl := threads.NewTable()
	q := event.NewQueue(tbl)
	pm := procstate.NewMachine()
	bm := bpt.NewManager()
	in := instrument.New(q, pm, opts.enqueueLimit())

	observer := opts.Observer
	metrics := NewMetrics()
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	d := dispatch.New(q, tbl, pm, bm, in, h)

	a := &Agent{
		Queue:      q,
		Threads:    tbl,
		Proc:       pm,
		Bpt:        bm,
		Trace:      in,
		Host:       h,
		dispatcher: d,
		metrics:    metrics,
		observer:   observer,
	}

	// Wire the C5/C6 analysis routines into the host so every
	// simulated (or, in a real build, host-instrumented) instruction
	// actually runs the breakpoint/step policy and the trace recorder,
	// not just the unit tests in internal/bpt and internal/instrument.
	if err := h.InjectControl(a.controlRoutine); err != nil {
		logging.Warn("idadbg: InjectControl failed", "err", err)
	}
	if err := h.InjectBpt(a.bptRoutine); err != nil {
		logging.Warn("idadbg: InjectBpt failed", "err", err)
	}
	if err := h.InjectRoutine(a.routineLogic); err != nil {
		logging.Warn("idadbg: InjectRoutine failed", "err", err)
	}

	return a
}

// Metrics returns the agent's built-in metrics instance. It always
// exists and always receives control-routine latency samples; its
// event/bpt/step/exception counters are fed only when Options.Observer
// was left nil.
func (a *Agent) Metrics() *Metrics {
	return a.metrics
}

// ListenAndServe opens a TCP listener on opts.Port, waits for one
// client connection (honoring AcceptTimeout), performs the HELLO
// handshake, and runs the agent until ctx is canceled or the listener
// exits (transport error, or PROCESS_EXIT observed while Exiting).
//
// Only one client is ever served per Agent, matching spec.md's model
// of one debug session per target process.
func ListenAndServe(ctx context.Context, h host.Host, opts Options) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.port()))
	if err != nil {
		return WrapError("LISTEN", err)
	}
	defer ln.Close()

	logging.Info("idadbg: listening", "port", opts.port())

	conn, err := acceptWithTimeout(ctx, ln, opts.AcceptTimeout)
	if err != nil {
		return WrapError("ACCEPT", err)
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	result, err := wire.ServeHandshake(conn)
	if err != nil {
		return WrapError("HANDSHAKE", err)
	}
	if result.RejectedV1 {
		logging.Warn("idadbg: rejected legacy v1 client")
		return NewError("HANDSHAKE", ErrCodeProtocol, "legacy v1 client")
	}

	agent := New(h, opts)
	return agent.Serve(ctx, conn)
}

func acceptWithTimeout(ctx context.Context, ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-timeoutCh:
		return nil, fmt.Errorf("idadbg: timed out waiting for client connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve runs the listener goroutine and the re-instrumentation worker
// over an already-connected, already-handshaken conn until one of
// them exits or ctx is canceled.
func (a *Agent) Serve(ctx context.Context, conn wire.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	l := listener.New(conn, a.dispatcher, a.Proc)
	a.listenerPtr.Store(l)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The listener is the primary loop: once it exits for any
		// reason the session is over, so cancel the shared context to
		// unblock the worker and callback pump below.
		defer cancel()
		return l.Run(gctx)
	})
	g.Go(func() error {
		a.Trace.RunReinstrumentationWorker(gctx, a.Host.FlushInstrumentation)
		return nil
	})
	g.Go(func() error {
		return a.pumpHostCallbacks(gctx)
	})

	err := g.Wait()
	a.metrics.Stop()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Stop cancels the agent's in-flight Serve call, if any.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// pumpHostCallbacks translates host.Callback deliveries into
// DebugEvent pushes and thread-table bookkeeping, the glue spec.md §3
// leaves implicit between "instrumentation host" and the event queue.
func (a *Agent) pumpHostCallbacks(ctx context.Context) error {
	callbacks, err := a.Host.Attach(ctx)
	if err != nil {
		return WrapError("ATTACH", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cb, ok := <-callbacks:
			if !ok {
				return nil
			}
			a.handleCallback(cb)
		}
	}
}

func (a *Agent) handleCallback(cb host.Callback) {
	switch cb.Kind {
	case host.CallbackImageLoad:
		a.Queue.PushBack(event.DebugEvent{
			Tag: event.LibraryLoad,
			TID: cb.InternalTID,
			Module: event.ModuleInfo{
				Name: cb.Image.Name, Base: cb.Image.Base,
				Size: cb.Image.Size, RebaseTo: cb.Image.RebaseTo,
			},
		})
	case host.CallbackImageUnload:
		a.Queue.PushBack(event.DebugEvent{Tag: event.LibraryUnload, TID: cb.InternalTID, EA: cb.Image.Base})
	case host.CallbackThreadStart:
		a.Threads.Lookup(cb.InternalTID)
		a.Queue.PushBack(event.DebugEvent{Tag: event.ThreadStart, TID: cb.InternalTID})
	case host.CallbackThreadExit:
		a.Queue.PushBack(event.DebugEvent{Tag: event.ThreadExit, TID: cb.InternalTID, ExitCode: cb.ExitCode})
		a.Threads.Forget(cb.InternalTID)
	case host.CallbackProcessStart:
		a.Queue.PushBack(event.DebugEvent{Tag: event.ProcessStart, TID: cb.InternalTID})
	case host.CallbackProcessExit:
		a.Queue.PushBack(event.DebugEvent{Tag: event.ProcessExit, TID: cb.InternalTID, ExitCode: cb.ExitCode})
		a.Proc.Exit()
	case host.CallbackContextChange:
		a.Queue.PushBack(event.DebugEvent{
			Tag: event.Exception, TID: cb.InternalTID, EA: cb.Exception.EA,
			Exception: event.ExceptionInfo{Code: cb.Exception.Code, CanCont: cb.Exception.CanCont, EA: cb.Exception.EA, Info: cb.Exception.Info},
		})
		a.observer.ObserveException()
	}
}

// controlRoutine is ctrl_rtn (spec.md §4.5): injected before every
// instruction, it reads the lock-free control_enabled flag first and
// only falls into the breakpoint/step/pause policy when something
// actually needs it. Invoked synchronously, on whatever goroutine the
// host drives as the application thread executing ea.
func (a *Agent) controlRoutine(ctx context.Context, internalTID, ea uint64) {
	if !a.Bpt.ControlEnabled() {
		return
	}
	start := time.Now()
	pauseRequested := a.Proc.State() == procstate.PauseRequested
	decision := a.Bpt.Evaluate(internalTID, ea, pauseRequested)
	a.metrics.RecordControlRoutineLatency(uint64(time.Since(start).Nanoseconds()))
	if !decision.Emit {
		return
	}
	a.emitControlEvent(ctx, internalTID, ea, decision)
}

// bptRoutine is bpt_rtn: attached only to instructions carrying a bpt,
// it catches the case controlRoutine's fast path skipped because
// control_enabled was false (an active, already-promoted bpt alone
// does not set control_enabled — only a pending one does, per
// recomputeEnabledLocked). Bailing out whenever ControlEnabled is true
// keeps the two routines from double-emitting the same hit.
func (a *Agent) bptRoutine(ctx context.Context, internalTID, ea uint64) {
	if a.Bpt.ControlEnabled() {
		return
	}
	if !a.Bpt.IsActive(ea) {
		return
	}
	decision := a.Bpt.Evaluate(internalTID, ea, false)
	if !decision.Emit {
		return
	}
	a.emitControlEvent(ctx, internalTID, ea, decision)
}

// emitControlEvent implements the "when an event is emitted" tail of
// spec.md §4.5: queue the event, move the process machine to
// suspended, serve the client synchronously if the listener goroutine
// has not taken over the socket yet (§4.8), then block the calling
// thread on its own gate (only if it was individually suspended) and
// on the global gate.
func (a *Agent) emitControlEvent(ctx context.Context, internalTID, ea uint64, d bpt.Decision) {
	a.Queue.PushBack(event.DebugEvent{Tag: d.Tag, TID: internalTID, EA: ea})
	switch d.Tag {
	case event.Breakpoint:
		a.observer.ObserveBpt()
	case event.Step:
		a.observer.ObserveStep()
	}

	if err := bpt.TransitionOnEmit(a.Proc); err != nil {
		logging.Warn("control routine: transition on emit", "err", err)
	}

	for {
		l := a.listenerPtr.Load()
		if l == nil || l.Ready() {
			break
		}
		if err := l.ServeOne(ctx); err != nil {
			logging.Warn("control routine: pre-ready synchronous serve failed", "err", err)
			break
		}
	}

	entry := a.Threads.Lookup(internalTID)
	if entry.Suspended() {
		if err := entry.Wait(ctx); err != nil {
			return
		}
	}
	if err := a.Proc.WaitGate(ctx); err != nil {
		logging.Warn("control routine: wait gate", "err", err)
	}
}

// routineLogic is the per-instruction/per-basic-block/per-routine
// analysis routine from spec.md §4.6: it feeds the instrumenter's
// trace buffer according to whichever layers SET_TRACE has turned on,
// independent of the bpt/step policy above.
func (a *Agent) routineLogic(ctx context.Context, internalTID, ea uint64, kind host.RoutineKind) {
	cfg := a.Trace.Config()
	extTID, _ := a.Threads.Lookup(internalTID).ExternalID()

	switch kind {
	case host.RoutineInsn:
		if !cfg.TraceInsn && !cfg.TraceBBlock {
			return
		}
		a.Trace.RecordInsn(ctx, extTID, ea, a.snapshotRegs(cfg, internalTID))
	case host.RoutineCall:
		if !cfg.TraceBBlock && !cfg.TraceRoutine {
			return
		}
		a.Trace.RecordCall(ctx, extTID, ea)
	case host.RoutineRet:
		if !cfg.TraceBBlock && !cfg.TraceRoutine {
			return
		}
		a.Trace.RecordRet(ctx, extTID, ea)
	}
}

// snapshotRegs reads and flattens the thread's registers for a trace
// entry when the active config asks for them; it never fails the
// caller, just omits the snapshot on a read error.
func (a *Agent) snapshotRegs(cfg instrument.Config, internalTID uint64) []uint64 {
	if !cfg.RecordRegisters {
		return nil
	}
	r, err := a.Host.ReadRegisters(internalTID)
	if err != nil {
		return nil
	}
	return []uint64{
		r.EAX, r.EBX, r.ECX, r.EDX, r.ESI, r.EDI, r.EBP, r.ESP, r.EIP, r.EFlags,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15, r.RFlags64,
	}
}
