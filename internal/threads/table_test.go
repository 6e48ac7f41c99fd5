package threads

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupCreatesAndReuses(t *testing.T) {
	tbl := NewTable()
	e1 := tbl.Lookup(1)
	e2 := tbl.Lookup(1)
	require.Same(t, e1, e2)

	_, total := tbl.Counts()
	require.Equal(t, uint64(1), total)
}

func TestExternalIDRoundTrip(t *testing.T) {
	tbl := NewTable()
	e := tbl.Lookup(7)
	_, ok := e.ExternalID()
	require.False(t, ok)

	e.SetExternalID(4242)
	got, ok := e.ExternalID()
	require.True(t, ok)
	require.Equal(t, uint64(4242), got)

	internal, ok := tbl.InternalOf(4242)
	require.True(t, ok)
	require.Equal(t, uint64(7), internal)
}

func TestSuspendResumeCounters(t *testing.T) {
	tbl := NewTable()
	tbl.Lookup(1)
	tbl.Lookup(2)

	done := make(chan struct{})
	go func() {
		require.NoError(t, tbl.Suspend(context.Background(), 1))
		close(done)
	}()
	<-done

	suspended, total := tbl.Counts()
	require.Equal(t, uint64(1), suspended)
	require.Equal(t, uint64(2), total)
	require.True(t, tbl.Lookup(1).Suspended())

	id, ok := tbl.AnySuspended()
	require.True(t, ok)
	require.Equal(t, uint64(1), id)

	tbl.Resume(1)
	suspended, _ = tbl.Counts()
	require.Equal(t, uint64(0), suspended)
	require.False(t, tbl.Lookup(1).Suspended())
}

func TestForgetDropsEntry(t *testing.T) {
	tbl := NewTable()
	tbl.Lookup(5)
	tbl.Forget(5)
	_, total := tbl.Counts()
	require.Equal(t, uint64(0), total)
}

func TestExportPrefersOverride(t *testing.T) {
	e := &Entry{internalID: 1}
	_, ok := e.Export()
	require.False(t, ok)

	e.SaveContext(RegisterSet{EIP: 0x401000})
	got, ok := e.Export()
	require.True(t, ok)
	require.Equal(t, uint64(0x401000), got.EIP)

	e.SetOverride(RegisterSet{EIP: 0x5000})
	got, ok = e.Export()
	require.True(t, ok)
	require.Equal(t, uint64(0x5000), got.EIP)

	e.DropOverride()
	got, ok = e.Export()
	require.True(t, ok)
	require.Equal(t, uint64(0x401000), got.EIP)
}
