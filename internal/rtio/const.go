package rtio

// Constants
//
// One per line, grouped by concern, matching how the rest of the pack
// declares its tunables.

const BlockCapacityBytes = 0x10000 // 64 KiB; every data block has exactly this capacity

const DefaultPrefetchQueueBlocks = 20 // blocks kept in flight ahead of the read/write head
const DefaultRequestPoolCapacity = 256
const WorkerWaitTimeoutMillis = 1000 // liveness-only wakeup timeout; the worker re-checks shutdown even with an empty mailbox
const ShutdownJoinTimeoutMillis = 2000

// BufferPolicy selects how read/write behaves while a stream is in
// StreamBuffering, waiting for its prefetch queue to fill.
type BufferPolicy int

const (
	// ThroughputPolicy drains replies until the reply queue is empty or
	// the stream reaches OPEN_STREAMING before returning. This is the
	// default.
	ThroughputPolicy BufferPolicy = iota
	// ConstantTimePolicy returns 0 immediately while BUFFERING, trading
	// throughput for a hard bound on the time spent per call.
	ConstantTimePolicy
)
