package rtio

// RequestKind is the node's discriminant. While a node is in flight to or
// from the worker it names one of the eight request kinds; once a node has
// left the worker and is sitting in a stream's prefetch queue, the client
// repurposes the very same field to hold a block state instead (see the
// stateClientUseBase comment below) — the two ranges never overlap.
type RequestKind int32

const (
	KindOpenFile RequestKind = iota
	KindCloseFile
	KindReadBlock
	KindReleaseReadBlock
	KindAllocateWriteBlock
	KindCommitModifiedWriteBlock
	KindReleaseUnmodifiedWriteBlock
	KindCleanupResultQueue

	// stateResultQueueAwaitingCleanup marks a reply-queue anchor that has
	// been parked by the worker mid-cleanup: more replies destined for it
	// are still outstanding, so it can't be freed yet. Only the worker
	// ever reads or writes this value.
	stateResultQueueAwaitingCleanup

	// stateClientUseBase is the first of the block states a client
	// promotes a node's Kind to once its acquire reply has arrived; the
	// original acquire kind (KindReadBlock/KindAllocateWriteBlock) plays
	// the role of "pending" until then.
	stateClientUseBase
	StateBlockReady
	StateBlockModified // write streams only
	StateBlockError
)

func (k RequestKind) isAcquire() bool {
	return k == KindReadBlock || k == KindAllocateWriteBlock
}

// RequestNode is the fixed-size record used as both request and reply. A
// RequestNode is owned by exactly one of: the pool (free), a client
// goroutine (pre-post), the mailbox/worker (in flight), a stream's prefetch
// queue (awaiting reply), a stream's reply queue (received), or the worker
// in cleanup — never more than one at a time.
type RequestNode struct {
	kind   RequestKind
	status int32 // resultStatus: 0 on success, an errno on failure
	scratch int64 // owner-side scratch: bytes-copied cursor for a block, or -1 for "discarded"

	// nextInTransit is the mailbox-transit link while queued for the
	// worker; the worker reuses the very same field to chain the node
	// onto the destination stream's reply-queue LIFO once it has a
	// reply to deliver. Only the mailbox and the worker ever touch it.
	nextInTransit *RequestNode

	// nextInStream links the node into its owning stream's prefetch
	// queue, in ascending file-position order. Only the owning client
	// goroutine ever touches it, and only while the node represents a
	// block request (PENDING/READY/MODIFIED/ERROR).
	nextInStream *RequestNode

	// destQueue names the reply queue a request names; set by the client
	// before posting, read only by the worker.
	destQueue *replyQueue

	poolIndex int32
	poolNext  int32 // pool-private free-list link; meaningless once allocated

	payload requestPayload
}

// requestPayload holds every per-kind field. Real systems code reuses one
// fixed-size record as a tagged union over the request kind rather than
// paying for N separate allocations; which fields are live is a function of
// Kind.
type requestPayload struct {
	// OPEN_FILE / CLOSE_FILE
	path *PathBuf
	mode OpenMode
	file *fileRecord

	// READ_BLOCK / ALLOCATE_WRITE_BLOCK / RELEASE_* / COMMIT_*
	position int64
	block    *dataBlock
	isAtEOF  bool
}

func (n *RequestNode) reset() {
	n.kind = 0
	n.status = 0
	n.scratch = 0
	n.nextInTransit = nil
	n.nextInStream = nil
	n.destQueue = nil
	n.payload = requestPayload{}
}

func (n *RequestNode) isDiscarded() bool { return n.scratch == -1 }
func (n *RequestNode) setDiscarded()     { n.scratch = -1 }
