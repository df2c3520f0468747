package rtio

import "sync/atomic"

// replyQueue is a stream's inbox: single-producer (the worker), single-
// consumer (the owning client goroutine), backed by an atomic LIFO over
// the node's transit link — the same field the mailbox used to get the
// node here, now repurposed as the reply chain. Reply order need not match
// request order; the client matches replies to prefetch-queue slots by
// node identity, not position.
type replyQueue struct {
	head     atomic.Pointer[RequestNode]
	expected atomic.Int32

	// awaitingCleanup and parkedAnchor back the worker-abandoned-reply
	// path (see completeTo in worker.go): set only by the worker while
	// closing a stream with replies still outstanding, and consulted only
	// by the worker immediately before any push to this queue. The client
	// never touches either once it has posted the cleanup anchor.
	awaitingCleanup bool
	parkedAnchor    *RequestNode
}

// push is the producer side: wait-free, called only from the worker.
func (q *replyQueue) push(n *RequestNode) {
	for {
		old := q.head.Load()
		n.nextInTransit = old
		if q.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// pop is the consumer side: called from the owning client, or from the
// worker once the client has handed the queue over for cleanup.
// A successful pop always decrements expected, whether the caller is the
// stream's own receiveOneBlock or the worker disposing an abandoned reply
// during cleanup — expectedCount is "posted minus consumed," not "posted
// minus popped by the client."
func (q *replyQueue) pop() *RequestNode {
	for {
		old := q.head.Load()
		if old == nil {
			return nil
		}
		next := old.nextInTransit
		if q.head.CompareAndSwap(old, next) {
			old.nextInTransit = nil
			q.decrementExpected()
			return old
		}
	}
}

// incrementExpected must be called by the client immediately before posting
// a request that will reply here, so the request can never be serviced
// first — otherwise a fast worker could reply and let expectedCount
// observe a false zero.
func (q *replyQueue) incrementExpected() { q.expected.Add(1) }

func (q *replyQueue) decrementExpected() int32 { return q.expected.Add(-1) }

func (q *replyQueue) expectedCount() int32 { return q.expected.Load() }
