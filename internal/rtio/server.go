package rtio

import (
	"log/slog"
	"sync/atomic"
	"time"

	"rtfstream/internal/ioring"
)

// Server is the process-wide singleton context: the node pool, mailbox,
// block allocator, io_uring backend, and the single worker goroutine that
// owns all of them. A handle is threaded explicitly into every stream
// constructor rather than reached for through a package-level global.
type Server struct {
	log *slog.Logger

	pool   *nodePool
	box    mailbox
	blocks *blockAllocator
	ring   *ioring.Ring

	wake       chan struct{}
	shutdown   atomic.Bool
	workerDone chan struct{}
}

// StartServer spawns the worker goroutine and allocates the request node
// pool and data-block slab up front; requestPoolCapacity also bounds how
// many data blocks the worker can have in flight at once, since every
// in-flight block is pinned to an acquire request node.
func StartServer(requestPoolCapacity int) (*Server, error) {
	if requestPoolCapacity <= 0 {
		requestPoolCapacity = DefaultRequestPoolCapacity
	}

	ring, err := ioring.Create()
	if err != nil {
		return nil, err
	}

	blocks, err := newBlockAllocator(requestPoolCapacity)
	if err != nil {
		ring.Close()
		return nil, err
	}

	s := &Server{
		log:        slog.With("src", "rtio"),
		pool:       newNodePool(requestPoolCapacity),
		blocks:     blocks,
		ring:       ring,
		wake:       make(chan struct{}, 1),
		workerDone: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Shutdown signals the worker, joins it with a bounded wait, and tears
// down the ring and block slab. Every stream must already be closed; a
// stream outliving shutdown is a caller error, not something this guards.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	s.signal()

	select {
	case <-s.workerDone:
	case <-time.After(ShutdownJoinTimeoutMillis * time.Millisecond):
		s.log.Warn("worker did not join within the bounded shutdown wait")
	}

	s.ring.Close()
	if err := s.blocks.close(); err != nil {
		s.log.Error("blocks.close", "err", err)
	}
}

func (s *Server) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// allocateNode is the client-side entry point to the pool; streams call it
// through this handle rather than touching the pool type directly.
func (s *Server) allocateNode() *RequestNode { return s.pool.allocate() }

// post pushes a fully-populated node onto the mailbox and wakes the worker
// on the empty→non-empty transition.
func (s *Server) post(n *RequestNode) {
	if s.box.push(n) {
		s.signal()
	}
}

func (s *Server) freeCount() int    { return s.pool.freeCount() }
func (s *Server) poolCapacity() int { return s.pool.capacity() }
func (s *Server) blockFreeCount() int { return s.blocks.freeCount() }
