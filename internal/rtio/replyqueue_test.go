package rtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ReplyQueue_PushPopBalancesExpected(t *testing.T) {
	var q replyQueue
	p := newNodePool(4)

	a := p.allocate()
	q.incrementExpected()
	q.push(a)
	assert.EqualValues(t, 1, q.expectedCount())

	got := q.pop()
	assert.Same(t, a, got)
	assert.EqualValues(t, 0, q.expectedCount())
	assert.Nil(t, q.pop())
}

func Test_ReplyQueue_UnorderedDeliveryStillAllDelivered(t *testing.T) {
	var q replyQueue
	p := newNodePool(8)

	var posted []*RequestNode
	for range 5 {
		n := p.allocate()
		posted = append(posted, n)
		q.incrementExpected()
		q.push(n)
	}

	seen := map[*RequestNode]bool{}
	for {
		n := q.pop()
		if n == nil {
			break
		}
		seen[n] = true
	}
	assert.Len(t, seen, len(posted))
	for _, n := range posted {
		assert.True(t, seen[n])
	}
	assert.EqualValues(t, 0, q.expectedCount())
}
