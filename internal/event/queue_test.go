package event

import (
	"context"
	"testing"

	"github.com/ehrlich-b/idadbg/internal/threads"
	"github.com/stretchr/testify/require"
)

func TestPushBackPopFrontOrder(t *testing.T) {
	q := NewQueue(nil)
	q.PushBack(DebugEvent{Tag: ProcessStart, TID: 1})
	q.PushBack(DebugEvent{Tag: Breakpoint, TID: 1, EA: 0x401000})

	ev, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, ProcessStart, ev.Tag)

	ev, ok = q.PopFront()
	require.True(t, ok)
	require.Equal(t, Breakpoint, ev.Tag)

	_, ok = q.PopFront()
	require.False(t, ok)
}

func TestPushFrontJumpsQueue(t *testing.T) {
	q := NewQueue(nil)
	q.PushBack(DebugEvent{Tag: Step, TID: 1})
	q.PushFront(DebugEvent{Tag: TraceFull, TID: 1})

	ev, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, TraceFull, ev.Tag)
}

func TestPopFrontPatchesUnknownTID(t *testing.T) {
	tbl := threads.NewTable()
	entry := tbl.Lookup(9)
	entry.SaveContext(threads.RegisterSet{EIP: 0x402000})
	require.NoError(t, tbl.Suspend(context.Background(), 9))

	q := NewQueue(tbl)
	q.PushBack(DebugEvent{Tag: ProcessSuspend})

	ev, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, uint64(9), ev.TID)
	require.Equal(t, uint64(0x402000), ev.EA)
}

func TestPopFrontNoStoppedThreadUsesSentinel(t *testing.T) {
	tbl := threads.NewTable()
	q := NewQueue(tbl)
	q.PushBack(DebugEvent{Tag: ProcessSuspend})

	ev, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, unknownTID, ev.TID)
}

func TestLastEvAndPeekBack(t *testing.T) {
	q := NewQueue(nil)
	_, ok := q.LastEv()
	require.False(t, ok)

	q.PushBack(DebugEvent{Tag: Step, TID: 1})
	q.PushBack(DebugEvent{Tag: Breakpoint, TID: 1})

	back, ok := q.PeekBack()
	require.True(t, ok)
	require.Equal(t, Breakpoint, back.Tag)

	_, _ = q.PopFront()
	last, ok := q.LastEv()
	require.True(t, ok)
	require.Equal(t, Step, last.Tag)
}
