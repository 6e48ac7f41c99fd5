package idadbg

import (
	"testing"
)

func TestRecordEventEnqueuedDequeued(t *testing.T) {
	m := NewMetrics()
	m.RecordEventEnqueued()
	m.RecordEventEnqueued()
	m.RecordEventDequeued()

	snap := m.Snapshot()
	if snap.EventsEnqueued != 2 {
		t.Errorf("Expected EventsEnqueued=2, got %d", snap.EventsEnqueued)
	}
	if snap.EventsDequeued != 1 {
		t.Errorf("Expected EventsDequeued=1, got %d", snap.EventsDequeued)
	}
	if snap.QueueDepth != 1 {
		t.Errorf("Expected QueueDepth=1, got %d", snap.QueueDepth)
	}
}

func TestRecordBptStepException(t *testing.T) {
	m := NewMetrics()
	m.RecordBptHit()
	m.RecordBptHit()
	m.RecordStep()
	m.RecordException()

	snap := m.Snapshot()
	if snap.BptHits != 2 {
		t.Errorf("Expected BptHits=2, got %d", snap.BptHits)
	}
	if snap.StepEvents != 1 {
		t.Errorf("Expected StepEvents=1, got %d", snap.StepEvents)
	}
	if snap.Exceptions != 1 {
		t.Errorf("Expected Exceptions=1, got %d", snap.Exceptions)
	}
}

func TestRecordTraceEntriesAndOverflow(t *testing.T) {
	m := NewMetrics()
	m.RecordTraceEntries(100)
	m.RecordTraceEntries(50)
	m.RecordTraceOverflow()

	snap := m.Snapshot()
	if snap.TraceEntries != 150 {
		t.Errorf("Expected TraceEntries=150, got %d", snap.TraceEntries)
	}
	if snap.TraceOverflows != 1 {
		t.Errorf("Expected TraceOverflows=1, got %d", snap.TraceOverflows)
	}
}

func TestRecordControlRoutineLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	m.RecordControlRoutineLatency(50)     // <= every bucket from 100ns up
	m.RecordControlRoutineLatency(50_000) // <= buckets from 100us (index 3) up

	snap := m.Snapshot()
	if snap.AvgControlRoutineLatencyNs != (50+50_000)/2 {
		t.Errorf("Expected avg latency %d, got %d", (50+50_000)/2, snap.AvgControlRoutineLatencyNs)
	}
	if snap.LatencyHistogram[0] != 1 {
		t.Errorf("Expected bucket[0]=1 (only the 50ns sample), got %d", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[3] != 2 {
		t.Errorf("Expected bucket[3]=2 (both samples <= 100us), got %d", snap.LatencyHistogram[3])
	}
}

func TestReset(t *testing.T) {
	m := NewMetrics()
	m.RecordEventEnqueued()
	m.RecordBptHit()
	m.RecordTraceEntries(10)
	m.RecordControlRoutineLatency(500)

	m.Reset()
	snap := m.Snapshot()
	if snap.EventsEnqueued != 0 || snap.BptHits != 0 || snap.TraceEntries != 0 {
		t.Error("Reset should zero all counters")
	}
	if snap.AvgControlRoutineLatencyNs != 0 {
		t.Error("Reset should zero latency average")
	}
}

func TestSnapshotUptimeAdvancesAfterStop(t *testing.T) {
	m := NewMetrics()
	m.Stop()
	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("expected nonzero uptime once stopped")
	}
}

func TestMetricsObserverDelegates(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveEvent(true)
	o.ObserveEvent(false)
	o.ObserveBpt()
	o.ObserveStep()
	o.ObserveException()
	o.ObserveTrace(5, true)

	snap := m.Snapshot()
	if snap.EventsEnqueued != 1 || snap.EventsDequeued != 1 {
		t.Error("ObserveEvent should record enqueue/dequeue")
	}
	if snap.BptHits != 1 || snap.StepEvents != 1 || snap.Exceptions != 1 {
		t.Error("Observe* should record bpt/step/exception")
	}
	if snap.TraceEntries != 5 || snap.TraceOverflows != 1 {
		t.Error("ObserveTrace should record entries and overflow")
	}
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var o NoOpObserver
	o.ObserveEvent(true)
	o.ObserveBpt()
	o.ObserveStep()
	o.ObserveException()
	o.ObserveTrace(1, false)
}
