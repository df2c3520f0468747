package rtio

import (
	"errors"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"rtfstream/internal/ioring"
)

// run is the worker's main loop: one dedicated goroutine, woken either by
// a post to the mailbox or by the liveness timeout, that drains the
// mailbox completely (coalescing a burst of requests into one wakeup) and
// dispatches each node in post order. Once shutdown is flagged it keeps
// going until a drain leaves the mailbox empty. It is the only goroutine
// that creates or destroys a fileRecord or a dataBlock, and the only one
// that touches the block allocator.
func (s *Server) run() {
	defer close(s.workerDone)
	timeout := time.Duration(WorkerWaitTimeoutMillis) * time.Millisecond

	for {
		select {
		case <-s.wake:
		case <-time.After(timeout):
		}

		node := s.box.drain()
		for node != nil {
			next := node.nextInTransit
			node.nextInTransit = nil
			s.dispatch(node)
			node = next
		}

		if s.shutdown.Load() && s.box.head.Load() == nil {
			return
		}
	}
}

func (s *Server) freeNode(n *RequestNode) { s.pool.deallocate(n) }

func (s *Server) dispatch(n *RequestNode) {
	switch n.kind {
	case KindOpenFile:
		s.handleOpenFile(n)
	case KindCloseFile:
		s.handleCloseFile(n)
	case KindReadBlock:
		s.handleReadBlock(n)
	case KindReleaseReadBlock:
		s.handleReleaseReadBlock(n)
	case KindAllocateWriteBlock:
		s.handleAllocateWriteBlock(n)
	case KindCommitModifiedWriteBlock:
		s.handleCommitModifiedWriteBlock(n)
	case KindReleaseUnmodifiedWriteBlock:
		s.handleReleaseUnmodifiedWriteBlock(n)
	case KindCleanupResultQueue:
		s.handleCleanupResultQueue(n)
	default:
		s.log.Warn("dispatch: unexpected node kind", "kind", n.kind)
		s.freeNode(n)
	}
}

// completeTo delivers a finished reply to its destination queue, but first
// checks whether that queue has already been abandoned by a closing
// stream: if so the reply is disposed in place instead of pushed, and the
// worker must never touch the queue again afterward. This check-then-act
// must happen before any push, per the cleanup protocol.
func (s *Server) completeTo(q *replyQueue, n *RequestNode) {
	if q.awaitingCleanup {
		s.disposeClientAbandonedReply(n)
		q.decrementExpected()
		if q.expectedCount() == 0 {
			s.freeNode(q.parkedAnchor)
			q.parkedAnchor = nil
			q.awaitingCleanup = false
		}
		return
	}
	q.push(n)
}

func flagsFor(mode OpenMode) int {
	if mode == OpenForWriting {
		return ioring.OpenReadWriteCreate
	}
	return ioring.OpenReadOnly
}

func (s *Server) handleOpenFile(n *RequestNode) {
	path := n.payload.path
	fd, err := ioring.OpenFile(path.String(), flagsFor(n.payload.mode))
	if err != nil {
		path.release()
		n.status = errnoOf(err)
	} else {
		n.payload.file = &fileRecord{fd: fd, mode: n.payload.mode, path: path, refCount: 1}
		n.status = StatusOK
	}
	s.completeTo(n.destQueue, n)
}

func (s *Server) handleCloseFile(n *RequestNode) {
	f := n.payload.file
	if f.release() {
		if err := ioring.CloseFile(f.fd); err != nil {
			s.log.Error("CloseFile", "err", err, "fd", f.fd)
		}
		f.path.release()
	}
	s.freeNode(n)
}

// handleReadBlock implements READ_BLOCK. The file-record refcount is
// incremented before completeTo, not after, so a fast client that
// receives and immediately releases the block can never observe the count
// drop to zero while this node still holds a reference.
func (s *Server) handleReadBlock(n *RequestNode) {
	f := n.payload.file
	block := s.blocks.allocate()
	if block == nil {
		n.status = int32(syscall.ENOMEM)
		n.payload.block = nil
		s.completeTo(n.destQueue, n)
		return
	}

	read, atEOF, err := s.readAt(f, n.payload.position, block.buf)
	if err != nil {
		s.blocks.deallocate(block)
		n.payload.block = nil
		n.status = errnoOf(err)
		s.completeTo(n.destQueue, n)
		return
	}

	block.validCount = int32(read)
	n.payload.block = block
	n.payload.isAtEOF = atEOF
	n.status = StatusOK
	f.addRef()
	s.completeTo(n.destQueue, n)
}

func (s *Server) handleReleaseReadBlock(n *RequestNode) {
	if n.payload.block != nil {
		s.blocks.deallocate(n.payload.block)
	}
	f := n.payload.file
	if f.release() {
		if err := ioring.CloseFile(f.fd); err != nil {
			s.log.Error("CloseFile", "err", err, "fd", f.fd)
		}
	}
	s.freeNode(n)
}

// handleAllocateWriteBlock implements ALLOCATE_WRITE_BLOCK. A read failure
// while seeding the block with existing file content is treated the same
// way the original does: the block is handed back with zero valid bytes
// and no error status, since failing to read ahead of a write is not
// itself a write failure.
func (s *Server) handleAllocateWriteBlock(n *RequestNode) {
	f := n.payload.file
	block := s.blocks.allocate()
	if block == nil {
		n.status = int32(syscall.ENOMEM)
		n.payload.block = nil
		s.completeTo(n.destQueue, n)
		return
	}

	read, _, err := s.readAt(f, n.payload.position, block.buf)
	if err != nil {
		block.validCount = 0
	} else {
		block.validCount = int32(read)
	}

	n.payload.block = block
	n.status = StatusOK
	f.addRef()
	s.completeTo(n.destQueue, n)
}

// handleCommitModifiedWriteBlock implements COMMIT_MODIFIED_WRITE_BLOCK.
// There is no reply on success, matching the original fire-and-forget
// design; on failure the error is recorded on the file record instead of
// silently discarded (ErrWriteFailed, a deliberate behavior change), where
// the owning stream will observe it on its next PollState and then report
// it through GetError.
func (s *Server) handleCommitModifiedWriteBlock(n *RequestNode) {
	f := n.payload.file
	block := n.payload.block
	if block.validCount > 0 {
		if _, err := s.writeAt(f, n.payload.position, block.buf[:block.validCount]); err != nil {
			f.writeErr.Store(errnoOf(err))
		}
	}
	s.blocks.deallocate(block)
	if f.release() {
		if err := ioring.CloseFile(f.fd); err != nil {
			s.log.Error("CloseFile", "err", err, "fd", f.fd)
		}
	}
	s.freeNode(n)
}

func (s *Server) handleReleaseUnmodifiedWriteBlock(n *RequestNode) {
	s.blocks.deallocate(n.payload.block)
	f := n.payload.file
	if f.release() {
		if err := ioring.CloseFile(f.fd); err != nil {
			s.log.Error("CloseFile", "err", err, "fd", f.fd)
		}
	}
	s.freeNode(n)
}

// handleCleanupResultQueue drains whatever has already landed in a
// closing stream's reply queue, disposing each node by promoting it to
// its corresponding release request. If the queue isn't fully drained
// (more replies are still in flight from the worker's point of view),
// the anchor node is parked instead of freed; completeTo finishes the job
// later as each remaining reply completes.
func (s *Server) handleCleanupResultQueue(anchor *RequestNode) {
	q := anchor.destQueue
	for {
		n := q.pop()
		if n == nil {
			break
		}
		s.disposeClientAbandonedReply(n)
	}
	if q.expectedCount() == 0 {
		s.freeNode(anchor)
		return
	}
	anchor.kind = stateResultQueueAwaitingCleanup
	q.awaitingCleanup = true
	q.parkedAnchor = anchor
}

// disposeClientAbandonedReply disposes a single reply on behalf of a
// client that is no longer reading its reply queue: an acquired block (if
// any) is freed and the file record's refcount is unwound exactly as the
// owning stream would have done with a release, and an OPEN_FILE that
// succeeded is turned into a CLOSE_FILE. A node that failed to acquire
// anything needs no unwinding beyond freeing itself.
func (s *Server) disposeClientAbandonedReply(n *RequestNode) {
	switch n.kind {
	case KindOpenFile:
		if n.status == StatusOK {
			n.kind = KindCloseFile
			s.dispatch(n)
			return
		}
		s.freeNode(n)

	case KindReadBlock, KindAllocateWriteBlock:
		if n.payload.block != nil {
			s.blocks.deallocate(n.payload.block)
			f := n.payload.file
			if f.release() {
				if err := ioring.CloseFile(f.fd); err != nil {
					s.log.Error("CloseFile", "err", err, "fd", f.fd)
				}
			}
		}
		s.freeNode(n)

	default:
		s.freeNode(n)
	}
}

func (s *Server) readAt(f *fileRecord, pos int64, buf []byte) (n int, atEOF bool, err error) {
	op := &ioring.Op{
		Fd:     f.fd,
		Buf:    uintptr(unsafe.Pointer(&buf[0])),
		Len:    uint32(len(buf)),
		Off:    uint64(pos),
		Opcode: ioring.OpRead,
		Ch:     make(chan struct{}),
	}
	s.ring.Submit(op)
	<-op.Ch
	if op.Res < 0 {
		return 0, false, syscall.Errno(-op.Res)
	}
	n = int(op.Res)
	return n, n < len(buf), nil
}

func (s *Server) writeAt(f *fileRecord, pos int64, buf []byte) (int, error) {
	op := &ioring.Op{
		Fd:     f.fd,
		Buf:    uintptr(unsafe.Pointer(&buf[0])),
		Len:    uint32(len(buf)),
		Off:    uint64(pos),
		Opcode: ioring.OpWrite,
		Ch:     make(chan struct{}),
	}
	s.ring.Submit(op)
	<-op.Ch
	if op.Res < 0 {
		return 0, syscall.Errno(-op.Res)
	}
	return int(op.Res), nil
}

func errnoOf(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	var uerrno unix.Errno
	if errors.As(err, &uerrno) {
		return int32(uerrno)
	}
	return int32(syscall.EIO)
}
