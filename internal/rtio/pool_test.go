package rtio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_NodePool_AllocateDeallocate(t *testing.T) {
	p := newNodePool(4)
	assert.Equal(t, 4, p.freeCount())

	a := p.allocate()
	b := p.allocate()
	assert.NotNil(t, a)
	assert.NotNil(t, b)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, p.freeCount())

	p.deallocate(a)
	assert.Equal(t, 3, p.freeCount())
	p.deallocate(b)
	assert.Equal(t, 4, p.freeCount())
}

func Test_NodePool_ExhaustionReturnsNil(t *testing.T) {
	p := newNodePool(2)
	a := p.allocate()
	b := p.allocate()
	assert.NotNil(t, a)
	assert.NotNil(t, b)
	assert.Nil(t, p.allocate())

	p.deallocate(a)
	assert.NotNil(t, p.allocate())
}

// Test_NodePool_ConcurrentAllocFree exercises the pool the way the mailbox
// and reply queues do: many goroutines allocating and freeing nodes at
// once, with the free count always back at capacity once everyone stops.
func Test_NodePool_ConcurrentAllocFree(t *testing.T) {
	const capacity = 64
	const workers = 16
	const iterations = 500

	p := newNodePool(capacity)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				n := p.allocate()
				if n == nil {
					continue
				}
				p.deallocate(n)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, capacity, p.freeCount())
}
