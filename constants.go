package idadbg

// Re-exported defaults for the agent's public surface. Internal
// packages keep their own unexported copies where the value is purely
// an implementation detail (e.g. internal/dispatch's per-request
// payload caps); these are the ones a cmd/ caller or embedder needs.
const (
	// DefaultPort is the TCP port the agent listens on absent -p.
	DefaultPort = 23946

	// DefaultEnqueueLimit bounds the trace buffer before RESUME must
	// drain it (instrument.Instrumenter's default capacity).
	DefaultEnqueueLimit = 1_000_000

	// DefaultTracedAddrsLimit bounds the "only new instructions"
	// dedup set.
	DefaultTracedAddrsLimit = 1_000_000

	// MaxReadMemoryChunk is the largest READ_MEMORY reply the
	// dispatcher will return in one frame.
	MaxReadMemoryChunk = 1024

	// MaxTraceEntriesPerRead caps a single READ_TRACE reply.
	MaxTraceEntriesPerRead = 1000

	// MaxWireString is the fixed width of a string field inside a
	// marshaled DEBUG_EVENT frame (module/exception name).
	MaxWireString = 256
)
