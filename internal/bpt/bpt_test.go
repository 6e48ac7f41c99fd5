package bpt

import (
	"testing"

	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/stretchr/testify/require"
)

func TestAddBptGoesPendingThenPromotes(t *testing.T) {
	m := NewManager()
	m.AddBpt(0x401000, false)
	require.True(t, m.IsPending(0x401000))
	require.False(t, m.IsActive(0x401000))
	require.True(t, m.NeedsReinstrumentation())
	require.False(t, m.NeedsReinstrumentation()) // cleared after read

	m.PromotePending()
	require.False(t, m.IsPending(0x401000))
	require.True(t, m.IsActive(0x401000))
}

func TestDelBptRemovesFromBothSets(t *testing.T) {
	m := NewManager()
	m.AddBpt(0x401000, false)
	m.PromotePending()
	m.DelBpt(0x401000, false)
	require.False(t, m.IsActive(0x401000))
	require.False(t, m.IsPending(0x401000))
}

func TestControlEnabledDisjunction(t *testing.T) {
	m := NewManager()
	require.False(t, m.ControlEnabled())

	m.AddBpt(0x401000, false)
	require.True(t, m.ControlEnabled())

	m.PromotePending()
	m.DelBpt(0x401000, false)
	require.False(t, m.ControlEnabled())

	m.SetBreakAtNext(true, false)
	require.True(t, m.ControlEnabled())
	m.SetBreakAtNext(false, false)
	require.False(t, m.ControlEnabled())

	m.SetStepping(1, true, false)
	require.True(t, m.ControlEnabled())
}

func TestEvaluateBptWinsOverStep(t *testing.T) {
	m := NewManager()
	m.AddBpt(0x401000, false)
	m.PromotePending()
	m.SetStepping(1, true, false)

	d := m.Evaluate(1, 0x401000, false)
	require.True(t, d.Emit)
	require.Equal(t, event.Breakpoint, d.Tag)

	_, ok := m.Stepping()
	require.False(t, ok)
}

func TestEvaluateStepWhenNoBpt(t *testing.T) {
	m := NewManager()
	m.SetStepping(1, true, false)
	d := m.Evaluate(1, 0x401003, false)
	require.True(t, d.Emit)
	require.Equal(t, event.Step, d.Tag)
}

func TestEvaluateBreakAtNext(t *testing.T) {
	m := NewManager()
	m.SetBreakAtNext(true, false)
	d := m.Evaluate(1, 0x400000, false)
	require.True(t, d.Emit)
	require.Equal(t, event.ProcessAttach, d.Tag)
}

func TestEvaluatePauseRequested(t *testing.T) {
	m := NewManager()
	d := m.Evaluate(1, 0x400000, true)
	require.True(t, d.Emit)
	require.Equal(t, event.ProcessSuspend, d.Tag)
}

func TestEvaluateNoEvent(t *testing.T) {
	m := NewManager()
	d := m.Evaluate(1, 0x400000, false)
	require.False(t, d.Emit)
}
