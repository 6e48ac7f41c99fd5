// Package dispatch implements the request dispatcher: the straight-line
// switch over wire.Code that answers each client request by driving
// the event queue, thread table, process state machine, breakpoint
// manager, instrumenter, and host.
package dispatch

import (
	"context"

	"github.com/ehrlich-b/idadbg/internal/bpt"
	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/host"
	"github.com/ehrlich-b/idadbg/internal/instrument"
	"github.com/ehrlich-b/idadbg/internal/logging"
	"github.com/ehrlich-b/idadbg/internal/procstate"
	"github.com/ehrlich-b/idadbg/internal/threads"
	"github.com/ehrlich-b/idadbg/internal/wire"
)

const maxReadMemory = 1024
const maxTraceEntriesPerRead = 1000

// Dispatcher answers one request frame at a time. Its only
// per-connection state is lastDeliveredTID, the thread id of the last
// event sent by READ_EVENT; RESUME's logged-but-nonfatal mismatch
// check reads Queue.LastEv instead.
type Dispatcher struct {
	Queue   *event.Queue
	Threads *threads.Table
	Proc    *procstate.Machine
	Bpt     *bpt.Manager
	Trace   *instrument.Instrumenter
	Host    host.Host

	lastDeliveredTID uint64
}

// New wires a Dispatcher from its collaborators.
func New(q *event.Queue, t *threads.Table, pm *procstate.Machine, bm *bpt.Manager, in *instrument.Instrumenter, h host.Host) *Dispatcher {
	return &Dispatcher{Queue: q, Threads: t, Proc: pm, Bpt: bm, Trace: in, Host: h}
}

// Handle answers one request, writing its reply (and any typed payload
// frames) to conn. It returns an error for a transport failure, or
// when the host fails to terminate (EXIT_PROCESS) or detach (DETACH);
// protocol/state errors are reported to the client as ERROR frames,
// per spec.md §7.
func (d *Dispatcher) Handle(ctx context.Context, conn wire.Conn, req wire.Frame) error {
	switch req.Code {
	case wire.EXIT_PROCESS:
		return d.handleExitProcess(conn)
	case wire.START_PROCESS:
		return d.handleStartProcess(conn)
	case wire.DEBUG_EVENT:
		return d.handleDebugEvent(conn)
	case wire.READ_EVENT:
		return d.handleReadEvent(conn)
	case wire.MEMORY_INFO:
		return d.handleMemoryInfo(conn)
	case wire.READ_MEMORY:
		return d.handleReadMemory(conn, req)
	case wire.DETACH:
		return d.handleDetach(conn)
	case wire.COUNT_TRACE:
		return d.handleCountTrace(conn)
	case wire.READ_TRACE:
		return d.handleReadTrace(conn)
	case wire.CLEAR_TRACE:
		d.Trace.Clear()
		return d.ack(conn, 0, 0)
	case wire.PAUSE:
		return d.handlePause(conn)
	case wire.RESUME:
		return d.handleResume(ctx, conn, req)
	case wire.ADD_BPT:
		return d.handleAddBpt(conn, req)
	case wire.DEL_BPT:
		return d.handleDelBpt(conn, req)
	case wire.CAN_READ_REGS:
		return d.handleCanReadRegs(conn, req)
	case wire.READ_REGS:
		return d.handleReadRegs(conn, req)
	case wire.SET_TRACE:
		return d.handleSetTrace(conn, req)
	case wire.SET_OPTIONS:
		return d.ack(conn, 0, 0)
	case wire.STEP:
		return d.handleStep(conn, req)
	case wire.THREAD_SUSPEND:
		return d.handleThreadSuspend(ctx, conn, req)
	case wire.THREAD_RESUME:
		return d.handleThreadResume(conn, req)
	default:
		logging.Warn("dispatch: unknown request code", "code", req.Code)
		return d.errorReply(conn, 0)
	}
}

func (d *Dispatcher) ack(conn wire.Conn, size uint32, data uint64) error {
	return wire.Send(conn, wire.Frame{Code: wire.ACK, Size: size, Data: data})
}

func (d *Dispatcher) errorReply(conn wire.Conn, data uint64) error {
	return wire.Send(conn, wire.Frame{Code: wire.ERROR, Data: data})
}

func (d *Dispatcher) handleExitProcess(conn wire.Conn) error {
	d.Proc.Exit()
	return d.Host.Terminate(0)
}

func (d *Dispatcher) handleStartProcess(conn wire.Conn) error {
	if err := d.Proc.To(procstate.Running); err != nil {
		return d.errorReply(conn, 0)
	}
	return nil // the host replies asynchronously via events, per spec.md §6.2
}

// handleDebugEvent answers with ACK (size = queue length) unless an
// event is actually queued, in which case it answers with
// DEBUG_EVENT — the client then sends READ_EVENT to dequeue it.
func (d *Dispatcher) handleDebugEvent(conn wire.Conn) error {
	n := d.Queue.Len()
	if n == 0 {
		return d.ack(conn, 0, 0)
	}
	return wire.Send(conn, wire.Frame{Code: wire.DEBUG_EVENT, Size: uint32(n)})
}

func (d *Dispatcher) handleReadEvent(conn wire.Conn) error {
	ev, ok := d.Queue.PopFront()
	if !ok {
		return d.errorReply(conn, 0)
	}
	d.lastDeliveredTID = ev.TID
	return wire.SendRaw(conn, marshalEvent(ev))
}

func (d *Dispatcher) handleMemoryInfo(conn wire.Conn) error {
	images := d.Host.Images()
	if err := wire.Send(conn, wire.Frame{Code: wire.ACK, Size: uint32(len(images))}); err != nil {
		return err
	}
	for _, img := range images {
		if err := wire.SendRaw(conn, marshalImageInfo(img)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleReadMemory(conn wire.Conn, req wire.Frame) error {
	n := int(req.Size)
	if n > maxReadMemory {
		n = maxReadMemory
	}
	data, err := d.Host.ReadMemory(req.Data, n)
	if err != nil {
		return d.errorReply(conn, 0)
	}
	if err := wire.Send(conn, wire.Frame{Code: wire.ACK, Size: uint32(len(data))}); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return wire.SendRaw(conn, data)
}

func (d *Dispatcher) handleDetach(conn wire.Conn) error {
	d.Proc.Detach()
	if err := d.ack(conn, 0, 0); err != nil {
		return err
	}
	return d.Host.Detach()
}

func (d *Dispatcher) handleCountTrace(conn wire.Conn) error {
	return d.ack(conn, 0, uint64(d.Trace.Count()))
}

func (d *Dispatcher) handleReadTrace(conn wire.Conn) error {
	entries := d.Trace.ReadTrace(maxTraceEntriesPerRead)
	if err := wire.Send(conn, wire.Frame{Code: wire.ACK, Size: uint32(len(entries))}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := wire.SendRaw(conn, marshalTraceEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handlePause(conn wire.Conn) error {
	if d.Proc.State() != procstate.Running {
		return d.errorReply(conn, 0)
	}
	if _, anySuspended := d.Threads.AnySuspended(); anySuspended {
		d.Queue.PushBack(event.DebugEvent{Tag: event.ProcessSuspend})
		if err := d.Proc.To(procstate.Suspended); err != nil {
			return d.errorReply(conn, 0)
		}
	} else {
		if err := d.Proc.To(procstate.PauseRequested); err != nil {
			return d.errorReply(conn, 0)
		}
	}
	return d.ack(conn, 0, 0)
}

// handleResume implements buffered resume (spec.md §4.7): if more
// events are waiting, only the acknowledgment is consumed; the target
// only actually unblocks once the queue drains. req.Size (the field
// that carries an exception's mask/pass decision on the wire) is not
// read here: no thread's exception-handled flag is set and no
// exception is masked, software trap or otherwise.
func (d *Dispatcher) handleResume(ctx context.Context, conn wire.Conn, req wire.Frame) error {
	if last, ok := d.Queue.LastEv(); ok && last.TID != req.Data {
		logging.Warn("RESUME acknowledged id does not match last delivered event", "want", last.TID, "got", req.Data)
	}

	if d.Queue.Len() > 0 {
		return d.ack(conn, 0, 0)
	}

	if allThreadsIndividuallySuspended(d.Threads) {
		return d.errorReply(conn, 0)
	}

	switch d.Proc.State() {
	case procstate.Suspended, procstate.WaitFlush:
		if d.Proc.State() == procstate.WaitFlush {
			d.Trace.ReleaseAfterDrain()
		}
		if err := d.Proc.To(procstate.Running); err != nil {
			return d.errorReply(conn, 0)
		}
	}
	return d.ack(conn, 0, 0)
}

func allThreadsIndividuallySuspended(t *threads.Table) bool {
	suspended, total := t.Counts()
	return total > 0 && suspended == total
}

func (d *Dispatcher) handleAddBpt(conn wire.Conn, req wire.Frame) error {
	_, anySuspended := d.Threads.AnySuspended()
	d.Bpt.AddBpt(req.Data, anySuspended)
	return d.ack(conn, 0, 0)
}

func (d *Dispatcher) handleDelBpt(conn wire.Conn, req wire.Frame) error {
	_, anySuspended := d.Threads.AnySuspended()
	d.Bpt.DelBpt(req.Data, anySuspended)
	return d.ack(conn, 0, 0)
}

// handleCanReadRegs answers ACK iff the selected thread has a saved
// context; threads caught inside unknown syscalls may not.
func (d *Dispatcher) handleCanReadRegs(conn wire.Conn, req wire.Frame) error {
	internalID, ok := d.Threads.InternalOf(req.Data)
	if !ok {
		return d.errorReply(conn, 0)
	}
	entry := d.Threads.Lookup(internalID)
	if _, ok := entry.Export(); !ok {
		return d.errorReply(conn, 0)
	}
	return d.ack(conn, 0, 0)
}

func (d *Dispatcher) handleReadRegs(conn wire.Conn, req wire.Frame) error {
	internalID, ok := d.Threads.InternalOf(req.Data)
	if !ok {
		return d.errorReply(conn, 0)
	}
	regs, ok := d.Threads.Lookup(internalID).Export()
	if !ok {
		return d.errorReply(conn, 0)
	}
	return wire.SendRaw(conn, marshalRegisters(regs))
}

func (d *Dispatcher) handleSetTrace(conn wire.Conn, req wire.Frame) error {
	flags := req.Data
	cfg := d.Trace.Config()
	cfg.TraceInsn = flags&0x02 != 0
	cfg.TraceBBlock = flags&0x04 != 0
	cfg.TraceRoutine = flags&0x08 != 0
	cfg.RecordRegisters = flags&0x10 != 0
	cfg.LogReturns = flags&0x20 != 0
	cfg.TraceEverything = flags&0x40 != 0
	cfg.OnlyNew = flags&0x80 != 0
	d.Trace.SetConfig(cfg)
	return d.ack(conn, 0, 0)
}

func (d *Dispatcher) handleStep(conn wire.Conn, req wire.Frame) error {
	internalID, ok := d.Threads.InternalOf(req.Data)
	if !ok {
		return d.errorReply(conn, 0)
	}
	_, anySuspended := d.Threads.AnySuspended()
	d.Bpt.SetStepping(internalID, true, anySuspended)
	return d.ack(conn, 0, 0)
}

func (d *Dispatcher) handleThreadSuspend(ctx context.Context, conn wire.Conn, req wire.Frame) error {
	internalID, ok := d.Threads.InternalOf(req.Data)
	if !ok {
		return d.errorReply(conn, 0)
	}
	go d.Threads.Suspend(ctx, internalID)
	return d.ack(conn, 0, 0)
}

func (d *Dispatcher) handleThreadResume(conn wire.Conn, req wire.Frame) error {
	internalID, ok := d.Threads.InternalOf(req.Data)
	if !ok {
		return d.errorReply(conn, 0)
	}
	d.Threads.Resume(internalID)
	return d.ack(conn, 0, 0)
}
