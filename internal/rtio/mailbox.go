package rtio

import "sync/atomic"

// mailbox is the multi-producer/single-consumer FIFO feeding the I/O
// worker. Producers push wait-free via a Treiber-stack CAS using the
// node's transit link; the worker is the only consumer and drains the
// whole stack at once, reversing it in place so dispatch order matches
// post order.
type mailbox struct {
	head atomic.Pointer[RequestNode]
}

// push links n onto the mailbox and reports whether the mailbox was
// observed empty at the moment of insertion, so a producer can decide
// whether it needs to signal the worker's wakeup event.
func (m *mailbox) push(n *RequestNode) (wasEmpty bool) {
	for {
		old := m.head.Load()
		n.nextInTransit = old
		if m.head.CompareAndSwap(old, n) {
			return old == nil
		}
	}
}

// drain atomically detaches every currently-queued node and returns the
// head of a singly-linked list in post order (oldest first). Worker-only.
func (m *mailbox) drain() *RequestNode {
	lifo := m.head.Swap(nil)
	var fifo *RequestNode
	for lifo != nil {
		next := lifo.nextInTransit
		lifo.nextInTransit = fifo
		fifo = lifo
		lifo = next
	}
	return fifo
}
