package hostsim

import (
	"context"
	"testing"

	"github.com/ehrlich-b/idadbg/internal/host"
	"github.com/ehrlich-b/idadbg/internal/threads"
	"github.com/stretchr/testify/require"
)

func TestAttachDeliversPushedCallbacks(t *testing.T) {
	s := New(4)
	s.Push(host.Callback{Kind: host.CallbackProcessStart})
	s.Push(host.Callback{Kind: host.CallbackThreadExit, InternalTID: 1})
	s.Close()

	ch, err := s.Attach(context.Background())
	require.NoError(t, err)

	var got []host.Callback
	for cb := range ch {
		got = append(got, cb)
	}
	require.Len(t, got, 2)
	require.Equal(t, host.CallbackProcessStart, got[0].Kind)
	require.Equal(t, host.CallbackThreadExit, got[1].Kind)
}

func TestReadMemoryShortRead(t *testing.T) {
	s := New(0)
	s.SetMemory(0x1000, []byte{1, 2, 3, 4})

	data, err := s.ReadMemory(0x1000, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, data)

	data, err = s.ReadMemory(0x2000, 2)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestReadRegistersUnknownThread(t *testing.T) {
	s := New(0)
	_, err := s.ReadRegisters(99)
	require.Error(t, err)

	s.SetRegisters(99, threads.RegisterSet{EIP: 0x400000})
	r, err := s.ReadRegisters(99)
	require.NoError(t, err)
	require.Equal(t, uint64(0x400000), r.EIP)
}

func TestDetachAndTerminate(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Detach())
	require.True(t, s.Detached())

	require.NoError(t, s.Terminate(-1))
	terminated, code := s.Terminated()
	require.True(t, terminated)
	require.Equal(t, -1, code)
}

func TestFlushInstrumentationCounts(t *testing.T) {
	s := New(0)
	require.NoError(t, s.FlushInstrumentation(context.Background()))
	require.NoError(t, s.FlushInstrumentation(context.Background()))
	require.Equal(t, 2, s.FlushCalls())
}

func TestExecuteInsnDrivesAllInjectedRoutines(t *testing.T) {
	s := New(0)

	var ctrlHits, bptHits int
	var routineKinds []host.RoutineKind

	require.NoError(t, s.InjectControl(func(ctx context.Context, tid, ea uint64) {
		ctrlHits++
	}))
	require.NoError(t, s.InjectBpt(func(ctx context.Context, tid, ea uint64) {
		bptHits++
	}))
	require.NoError(t, s.InjectRoutine(func(ctx context.Context, tid, ea uint64, kind host.RoutineKind) {
		routineKinds = append(routineKinds, kind)
	}))

	s.ExecuteInsn(context.Background(), 1, 0x1000)
	s.ExecuteCall(context.Background(), 1, 0x1004)
	s.ExecuteRet(context.Background(), 1, 0x1008)

	require.Equal(t, 3, ctrlHits)
	require.Equal(t, 3, bptHits)
	require.Equal(t, []host.RoutineKind{host.RoutineInsn, host.RoutineCall, host.RoutineRet}, routineKinds)
}

func TestExecuteInsnToleratesUnsetRoutines(t *testing.T) {
	s := New(0)
	require.NotPanics(t, func() {
		s.ExecuteInsn(context.Background(), 1, 0x1000)
	})
}
