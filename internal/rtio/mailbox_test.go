package rtio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Mailbox_PushReportsEmptyTransition(t *testing.T) {
	var m mailbox
	p := newNodePool(4)

	a := p.allocate()
	wasEmpty := m.push(a)
	assert.True(t, wasEmpty)

	b := p.allocate()
	wasEmpty = m.push(b)
	assert.False(t, wasEmpty)
}

func Test_Mailbox_DrainPreservesPostOrder(t *testing.T) {
	var m mailbox
	p := newNodePool(8)

	var posted []*RequestNode
	for range 5 {
		n := p.allocate()
		posted = append(posted, n)
		m.push(n)
	}

	drained := m.drain()
	var got []*RequestNode
	for drained != nil {
		got = append(got, drained)
		drained = drained.nextInTransit
	}

	assert.Equal(t, posted, got)
	assert.Nil(t, m.drain())
}

func Test_Mailbox_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 200

	var m mailbox
	p := newNodePool(producers * perProducer)

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				n := p.allocate()
				assert.NotNil(t, n)
				m.push(n)
			}
		}()
	}
	wg.Wait()

	count := 0
	node := m.drain()
	for node != nil {
		count++
		node = node.nextInTransit
	}
	assert.Equal(t, producers*perProducer, count)
}
