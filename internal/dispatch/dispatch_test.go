package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/ehrlich-b/idadbg/internal/bpt"
	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/hostsim"
	"github.com/ehrlich-b/idadbg/internal/instrument"
	"github.com/ehrlich-b/idadbg/internal/procstate"
	"github.com/ehrlich-b/idadbg/internal/threads"
	"github.com/ehrlich-b/idadbg/internal/wire"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func newTestDispatcher(t *testing.T) (*Dispatcher, *pipeConn) {
	t.Helper()
	q := event.NewQueue(nil)
	tbl := threads.NewTable()
	pm := procstate.NewMachine()
	require.NoError(t, pm.To(procstate.Running))
	bm := bpt.NewManager()
	in := instrument.New(q, pm, 10)
	sim := hostsim.New(4)

	d := New(q, tbl, pm, bm, in, sim)
	conn := &pipeConn{r: &bytes.Buffer{}, w: &bytes.Buffer{}}
	return d, conn
}

func TestHandleAddDelBpt(t *testing.T) {
	d, conn := newTestDispatcher(t)

	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.ADD_BPT, Data: 0x401000}))
	ack, err := wire.UnmarshalFrame(conn.w.Bytes())
	require.NoError(t, err)
	require.Equal(t, wire.ACK, ack.Code)
	require.True(t, d.Bpt.IsPending(0x401000))

	conn.w.Reset()
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.DEL_BPT, Data: 0x401000}))
	require.False(t, d.Bpt.IsPending(0x401000))
}

func TestHandlePauseWithNoSuspendedThreadGoesPauseRequested(t *testing.T) {
	d, conn := newTestDispatcher(t)
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.PAUSE}))
	ack, err := wire.UnmarshalFrame(conn.w.Bytes())
	require.NoError(t, err)
	require.Equal(t, wire.ACK, ack.Code)
	require.Equal(t, procstate.PauseRequested, d.Proc.State())
}

func TestHandleResumeBuffered(t *testing.T) {
	d, conn := newTestDispatcher(t)
	require.NoError(t, d.Proc.To(procstate.Suspended))
	d.Queue.PushBack(event.DebugEvent{Tag: event.Step, TID: 1})
	d.Queue.PushBack(event.DebugEvent{Tag: event.Breakpoint, TID: 1})
	_, _ = d.Queue.PopFront() // simulate one READ_EVENT already consumed

	// One event still queued: RESUME must not unblock yet.
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.RESUME, Data: 1}))
	require.Equal(t, procstate.Suspended, d.Proc.State())

	_, _ = d.Queue.PopFront()
	conn.w.Reset()
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.RESUME, Data: 1}))
	require.Equal(t, procstate.Running, d.Proc.State())
}

func TestHandleResumeRefusedWhenAllThreadsIndividuallySuspended(t *testing.T) {
	d, conn := newTestDispatcher(t)
	require.NoError(t, d.Proc.To(procstate.Suspended))
	d.Threads.Lookup(1).SetExternalID(100)
	require.NoError(t, d.Threads.Suspend(context.Background(), 1))

	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.RESUME, Data: 0}))
	ack, err := wire.UnmarshalFrame(conn.w.Bytes())
	require.NoError(t, err)
	require.Equal(t, wire.ERROR, ack.Code)
}

func TestHandleStepAndThreadResume(t *testing.T) {
	d, conn := newTestDispatcher(t)
	d.Threads.Lookup(1).SetExternalID(100)

	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.STEP, Data: 100}))
	tid, ok := d.Bpt.Stepping()
	require.True(t, ok)
	require.Equal(t, uint64(1), tid)

	conn.w.Reset()
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.THREAD_RESUME, Data: 100}))
	ack, err := wire.UnmarshalFrame(conn.w.Bytes())
	require.NoError(t, err)
	require.Equal(t, wire.ACK, ack.Code)
}

func TestHandleCountAndReadTrace(t *testing.T) {
	d, conn := newTestDispatcher(t)
	d.Trace.SetConfig(instrument.Config{TraceInsn: true, TraceEverything: true})
	d.Trace.RecordInsn(context.Background(), 100, 0x401000, nil)
	d.Trace.RecordInsn(context.Background(), 100, 0x401003, nil)

	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.COUNT_TRACE}))
	ack, err := wire.UnmarshalFrame(conn.w.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint64(2), ack.Data)

	conn.w.Reset()
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.READ_TRACE}))
	hdr, err := wire.UnmarshalFrame(conn.w.Bytes()[:wire.FrameSize])
	require.NoError(t, err)
	require.Equal(t, uint32(2), hdr.Size)
}

func TestHandleUnknownCodeReturnsError(t *testing.T) {
	d, conn := newTestDispatcher(t)
	require.NoError(t, d.Handle(context.Background(), conn, wire.Frame{Code: wire.Code(999)}))
	ack, err := wire.UnmarshalFrame(conn.w.Bytes())
	require.NoError(t, err)
	require.Equal(t, wire.ERROR, ack.Code)
}
