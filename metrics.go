package idadbg

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the control-routine latency histogram buckets
// in nanoseconds: from 100ns (a single control-flag check) to 100ms
// (a breakpoint stop involving a full round trip to the client).
var LatencyBuckets = []uint64{
	100,
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
}

const numLatencyBuckets = 7

// Metrics tracks operational statistics for one agent instance: event
// throughput, breakpoint/step activity, and trace volume.
type Metrics struct {
	EventsEnqueued atomic.Uint64
	EventsDequeued atomic.Uint64

	BptHits     atomic.Uint64
	StepEvents  atomic.Uint64
	Exceptions  atomic.Uint64

	TraceEntries   atomic.Uint64
	TraceOverflows atomic.Uint64

	ControlRoutineLatencyNs atomic.Uint64
	ControlRoutineCount     atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordEventEnqueued records a DebugEvent pushed onto the queue.
func (m *Metrics) RecordEventEnqueued() {
	m.EventsEnqueued.Add(1)
}

// RecordEventDequeued records a DebugEvent delivered to the client.
func (m *Metrics) RecordEventDequeued() {
	m.EventsDequeued.Add(1)
}

// RecordBptHit records a BREAKPOINT event emission.
func (m *Metrics) RecordBptHit() {
	m.BptHits.Add(1)
}

// RecordStep records a STEP event emission.
func (m *Metrics) RecordStep() {
	m.StepEvents.Add(1)
}

// RecordException records an EXCEPTION event emission.
func (m *Metrics) RecordException() {
	m.Exceptions.Add(1)
}

// RecordTraceEntries records n trace entries appended to the buffer.
func (m *Metrics) RecordTraceEntries(n uint64) {
	m.TraceEntries.Add(n)
}

// RecordTraceOverflow records a TRACE_FULL transition.
func (m *Metrics) RecordTraceOverflow() {
	m.TraceOverflows.Add(1)
}

// RecordControlRoutineLatency records one control-routine invocation's
// latency and updates the histogram.
func (m *Metrics) RecordControlRoutineLatency(latencyNs uint64) {
	m.ControlRoutineLatencyNs.Add(latencyNs)
	m.ControlRoutineCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the agent as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	EventsEnqueued uint64
	EventsDequeued uint64
	QueueDepth     uint64

	BptHits    uint64
	StepEvents uint64
	Exceptions uint64

	TraceEntries   uint64
	TraceOverflows uint64

	AvgControlRoutineLatencyNs uint64
	UptimeNs                   uint64

	LatencyHistogram [numLatencyBuckets]uint64

	EventsPerSecond float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	enq := m.EventsEnqueued.Load()
	deq := m.EventsDequeued.Load()

	snap := MetricsSnapshot{
		EventsEnqueued: enq,
		EventsDequeued: deq,
		QueueDepth:     enq - deq,
		BptHits:        m.BptHits.Load(),
		StepEvents:     m.StepEvents.Load(),
		Exceptions:     m.Exceptions.Load(),
		TraceEntries:   m.TraceEntries.Load(),
		TraceOverflows: m.TraceOverflows.Load(),
	}

	count := m.ControlRoutineCount.Load()
	if count > 0 {
		snap.AvgControlRoutineLatencyNs = m.ControlRoutineLatencyNs.Load() / count
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	if snap.UptimeNs > 0 {
		snap.EventsPerSecond = float64(deq) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.EventsEnqueued.Store(0)
	m.EventsDequeued.Store(0)
	m.BptHits.Store(0)
	m.StepEvents.Store(0)
	m.Exceptions.Store(0)
	m.TraceEntries.Store(0)
	m.TraceOverflows.Store(0)
	m.ControlRoutineLatencyNs.Store(0)
	m.ControlRoutineCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, e.g. for a future
// Prometheus exporter without this package depending on one.
type Observer interface {
	ObserveEvent(enqueued bool)
	ObserveBpt()
	ObserveStep()
	ObserveException()
	ObserveTrace(entries uint64, overflowed bool)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveEvent(bool)          {}
func (NoOpObserver) ObserveBpt()                {}
func (NoOpObserver) ObserveStep()               {}
func (NoOpObserver) ObserveException()          {}
func (NoOpObserver) ObserveTrace(uint64, bool)  {}

// MetricsObserver implements Observer using the built-in Metrics type.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveEvent(enqueued bool) {
	if enqueued {
		o.metrics.RecordEventEnqueued()
	} else {
		o.metrics.RecordEventDequeued()
	}
}

func (o *MetricsObserver) ObserveBpt()       { o.metrics.RecordBptHit() }
func (o *MetricsObserver) ObserveStep()      { o.metrics.RecordStep() }
func (o *MetricsObserver) ObserveException() { o.metrics.RecordException() }

func (o *MetricsObserver) ObserveTrace(entries uint64, overflowed bool) {
	o.metrics.RecordTraceEntries(entries)
	if overflowed {
		o.metrics.RecordTraceOverflow()
	}
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
