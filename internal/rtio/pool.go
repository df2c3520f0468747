package rtio

import "sync/atomic"

// nodePool is a fixed-capacity pool of RequestNodes with wait-free
// allocate/free from any goroutine. The free list is a tagged LIFO: the
// head packs a generation counter into the high 32 bits and a node index
// (or emptyIndex) into the low 32 bits, so a CAS that lands on a
// freed-then-reallocated-then-freed-again slot can never be mistaken for
// the CAS it raced with (ABA).
//
// No node is ever constructed or destroyed while the pool is live; it is
// sized once at startServer and only drained at shutdownServer.
type nodePool struct {
	nodes []RequestNode
	head  atomic.Uint64
}

const emptyIndex = 0xFFFFFFFF

func packHead(gen, idx uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx)
}

func unpackHead(h uint64) (gen, idx uint32) {
	return uint32(h >> 32), uint32(h)
}

func newNodePool(capacity int) *nodePool {
	p := &nodePool{nodes: make([]RequestNode, capacity)}
	for i := range p.nodes {
		p.nodes[i].poolIndex = int32(i)
		next := uint32(i + 1)
		if i == capacity-1 {
			next = emptyIndex
		}
		p.nodes[i].poolNext = int32(next)
	}
	head := emptyIndex
	if capacity > 0 {
		head = 0
	}
	p.head.Store(packHead(0, uint32(head)))
	return p
}

// allocate returns a node with undefined field values, or nil if the pool
// is exhausted. The caller must set every field it depends on.
func (p *nodePool) allocate() *RequestNode {
	for {
		old := p.head.Load()
		gen, idx := unpackHead(old)
		if idx == emptyIndex {
			return nil
		}
		node := &p.nodes[idx]
		newHead := packHead(gen+1, uint32(node.poolNext))
		if p.head.CompareAndSwap(old, newHead) {
			return node
		}
	}
}

func (p *nodePool) deallocate(n *RequestNode) {
	n.reset()
	idx := uint32(n.poolIndex)
	for {
		old := p.head.Load()
		gen, headIdx := unpackHead(old)
		n.poolNext = int32(headIdx)
		newHead := packHead(gen+1, idx)
		if p.head.CompareAndSwap(old, newHead) {
			return
		}
	}
}

// freeCount is for tests only — it's O(capacity) and not something the
// hot path ever calls.
func (p *nodePool) freeCount() int {
	count := 0
	_, idx := unpackHead(p.head.Load())
	seen := make(map[uint32]bool)
	for idx != emptyIndex {
		if seen[idx] {
			break // defensive: a corrupt list shouldn't spin forever in a test helper
		}
		seen[idx] = true
		count++
		idx = uint32(p.nodes[idx].poolNext)
	}
	return count
}

func (p *nodePool) capacity() int { return len(p.nodes) }
