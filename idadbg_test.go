package idadbg

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/hostsim"
	"github.com/ehrlich-b/idadbg/internal/instrument"
	"github.com/ehrlich-b/idadbg/internal/procstate"
	"github.com/ehrlich-b/idadbg/internal/wire"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func TestNewWiresAllComponents(t *testing.T) {
	sim := hostsim.New(4)
	defer sim.Close()

	a := New(sim, Options{})
	require.NotNil(t, a.Queue)
	require.NotNil(t, a.Threads)
	require.NotNil(t, a.Proc)
	require.NotNil(t, a.Bpt)
	require.NotNil(t, a.Trace)
	require.Same(t, sim, a.Host)
	require.NotNil(t, a.Metrics())
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	require.Equal(t, DefaultPort, o.port())
	require.Equal(t, DefaultEnqueueLimit, o.enqueueLimit())

	o = Options{Port: 9999, EnqueueLimit: 10}
	require.Equal(t, 9999, o.port())
	require.Equal(t, 10, o.enqueueLimit())
}

func TestServeExitsOnProcessExit(t *testing.T) {
	sim := hostsim.New(4)
	a := New(sim, Options{})

	require.NoError(t, a.Proc.To(procstate.Running))

	conn := &pipeConn{r: &bytes.Buffer{}, w: &bytes.Buffer{}}
	conn.r.Write(wire.Frame{Code: wire.EXIT_PROCESS}.Marshal())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, conn) }()
	sim.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after EXIT_PROCESS")
	}
}

// TestControlRoutineEmitsBreakpointAndBlocksUntilResume drives the
// host-injected control routine directly, the way a real
// instrumentation engine would on an application thread executing a
// bpt'd instruction: ADD_BPT's effect (a pending breakpoint) must
// actually produce a BREAKPOINT event and suspend the calling thread
// until the process is resumed, not just flip state inside bpt.Manager.
func TestControlRoutineEmitsBreakpointAndBlocksUntilResume(t *testing.T) {
	sim := hostsim.New(4)
	a := New(sim, Options{})
	require.NoError(t, a.Proc.To(procstate.Running))

	const ea = 0x2000
	a.Bpt.AddBpt(ea, false)

	done := make(chan struct{})
	go func() {
		sim.ExecuteInsn(context.Background(), 7, ea)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return a.Queue.Len() > 0
	}, time.Second, time.Millisecond)

	ev, ok := a.Queue.PopFront()
	require.True(t, ok)
	require.Equal(t, event.Breakpoint, ev.Tag)
	require.Equal(t, uint64(ea), ev.EA)
	require.Equal(t, procstate.Suspended, a.Proc.State())

	select {
	case <-done:
		t.Fatal("control routine returned before the process was resumed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Proc.To(procstate.Running))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("control routine did not unblock after resume")
	}
}

// TestControlRoutineIgnoresInstructionsWhenControlDisabled checks the
// fast path: with no bpt, no stepping thread and nobody suspended,
// ControlEnabled is false and running an instruction must not touch
// the event queue or process state at all.
func TestControlRoutineIgnoresInstructionsWhenControlDisabled(t *testing.T) {
	sim := hostsim.New(4)
	a := New(sim, Options{})
	require.NoError(t, a.Proc.To(procstate.Running))

	sim.ExecuteInsn(context.Background(), 1, 0x1000)

	require.Equal(t, 0, a.Queue.Len())
	require.Equal(t, procstate.Running, a.Proc.State())
}

// TestRoutineLogicRecordsTraceEntries verifies the per-instruction
// analysis routine actually reaches instrument.Instrumenter.RecordInsn
// from a live Agent, not only from instrument_test.go's unit tests.
func TestRoutineLogicRecordsTraceEntries(t *testing.T) {
	sim := hostsim.New(4)
	a := New(sim, Options{})
	require.NoError(t, a.Proc.To(procstate.Running))

	a.Trace.SetConfig(instrument.Config{TraceInsn: true, TraceEverything: true})

	sim.ExecuteInsn(context.Background(), 1, 0x3000)
	sim.ExecuteInsn(context.Background(), 1, 0x3004)

	require.Equal(t, 2, a.Trace.Count())
	entries := a.Trace.ReadTrace(10)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(0x3000), entries[0].EA)
	require.Equal(t, instrument.KindInsn, entries[0].Kind)
}
