package rtio

import (
	"unsafe"

	"rtfstream/internal/ioring"
)

// dataBlock is a fixed-capacity byte buffer representing one aligned chunk
// of a file, plus the count of bytes in it that are actually valid (may be
// less than capacity on the final block of a file). It crosses the
// client/worker boundary by value of ownership, never by copy: whoever
// currently owns the node holding it owns the bytes.
type dataBlock struct {
	buf        []byte
	validCount int32

	// next chains free blocks together inside blockAllocator's free list.
	// Worker-private: nothing outside the worker goroutine ever reads or
	// writes it, so it needs no atomics.
	next *dataBlock
}

func (b *dataBlock) addr() uintptr { return uintptr(unsafe.Pointer(&b.buf[0])) }

// blockAllocator carves fixed-size blocks out of a single mmap'd slab and
// recycles them on a worker-private free list, so steady-state operation
// does no further mmap/munmap once the slab is sized. It is touched only
// from the I/O worker goroutine; no synchronization is needed.
type blockAllocator struct {
	slab     []byte
	blocks   []dataBlock
	freeHead *dataBlock
}

func newBlockAllocator(capacity int) (*blockAllocator, error) {
	slab, err := ioring.AllocSlab(capacity * BlockCapacityBytes)
	if err != nil {
		return nil, err
	}
	a := &blockAllocator{
		slab:   slab,
		blocks: make([]dataBlock, capacity),
	}
	for i := range a.blocks {
		lo := i * BlockCapacityBytes
		a.blocks[i].buf = slab[lo : lo+BlockCapacityBytes : lo+BlockCapacityBytes]
		a.blocks[i].next = a.freeHead
		a.freeHead = &a.blocks[i]
	}
	return a, nil
}

// allocate returns a zero-length-valid block, or nil if the slab is
// exhausted — the worker surfaces this as ENOMEM to the requester.
func (a *blockAllocator) allocate() *dataBlock {
	if a.freeHead == nil {
		return nil
	}
	b := a.freeHead
	a.freeHead = b.next
	b.next = nil
	b.validCount = 0
	return b
}

func (a *blockAllocator) deallocate(b *dataBlock) {
	b.validCount = 0
	b.next = a.freeHead
	a.freeHead = b
}

func (a *blockAllocator) close() error {
	return ioring.DeallocSlab(a.slab)
}

// freeCount is for tests only.
func (a *blockAllocator) freeCount() int {
	count := 0
	for b := a.freeHead; b != nil; b = b.next {
		count++
	}
	return count
}

func (a *blockAllocator) capacity() int { return len(a.blocks) }
