package rtio

import (
	"errors"
	"io"

	"github.com/negrel/assert"
)

// StreamState is the client-visible state of a Stream. There is no
// "closed" state: once Close returns, the identifier is no longer valid
// to use at all.
type StreamState int32

const (
	StreamOpening StreamState = iota
	StreamIdle
	StreamBuffering
	StreamStreaming
	StreamEOF
	StreamError
)

// Stream is the client-side handle: a small state machine over a prefetch
// queue of outstanding block requests plus the stream's own reply queue.
// A Stream is owned by exactly one goroutine; none of its methods
// synchronize against concurrent callers on the same Stream, only against
// the single worker goroutine on the other side of the queues.
type Stream struct {
	srv    *Server
	mode   OpenMode
	queue  replyQueue
	policy BufferPolicy

	openNode *RequestNode
	anchor   *RequestNode // reserved at Open time so Close can never fail for lack of a pool slot
	file     *fileRecord

	state StreamState
	err   error

	prefetchHead *RequestNode
	prefetchTail *RequestNode
	waiting      int // PENDING slots outstanding; drives BUFFERING->STREAMING

	nextFetchPos int64
	prefetchLen  int
}

// Open posts an OPEN_FILE request and returns immediately with a stream
// in StreamOpening; the open's outcome is observed on the first
// subsequent PollState/Read/Write call. The only failure Open itself
// can report is node-pool exhaustion — it reserves two nodes up front
// (the open-file request and the stream's own cleanup anchor) so that a
// later Close can never itself fail for want of a pool slot.
func (srv *Server) Open(path *PathBuf, mode OpenMode, prefetchQueueBlocks int) (*Stream, error) {
	openNode := srv.allocateNode()
	if openNode == nil {
		return nil, ErrPoolExhausted
	}
	anchor := srv.allocateNode()
	if anchor == nil {
		srv.freeNode(openNode)
		return nil, ErrPoolExhausted
	}
	if prefetchQueueBlocks <= 0 {
		prefetchQueueBlocks = DefaultPrefetchQueueBlocks
	}

	path.addRef()
	openNode.kind = KindOpenFile
	openNode.payload.path = path
	openNode.payload.mode = mode

	s := &Stream{
		srv:         srv,
		mode:        mode,
		policy:      ThroughputPolicy,
		openNode:    openNode,
		anchor:      anchor,
		state:       StreamOpening,
		prefetchLen: prefetchQueueBlocks,
	}
	openNode.destQueue = &s.queue
	s.queue.incrementExpected()
	srv.post(openNode)
	return s, nil
}

// SetBufferPolicy selects how Read/Write behaves while the stream is
// still filling its prefetch window; it takes effect on the next
// transfer. The default is ThroughputPolicy.
func (s *Stream) SetBufferPolicy(p BufferPolicy) { s.policy = p }

// Close always succeeds; ownership of everything the stream still holds
// passes to the worker, either immediately (a release/commit posted for
// every live prefetch slot, and the reply-queue anchor freed directly if
// nothing is outstanding) or deferred (the anchor is posted as a cleanup
// request and parked by the worker until the last outstanding reply
// arrives).
func (s *Stream) Close() {
	s.flushPrefetchQueue()

	switch {
	case s.state == StreamOpening:
		// The open-file request is still in flight and the worker, not
		// us, owns it; disposeClientAbandonedReply promotes it to
		// CLOSE_FILE (if it eventually succeeds) once the cleanup drain
		// reaches it.
	case s.file != nil:
		s.openNode.kind = KindCloseFile
		s.openNode.destQueue = nil
		s.srv.post(s.openNode)
	default:
		// The open failed: there is no file record to close, and the
		// worker is done with the node.
		s.srv.freeNode(s.openNode)
	}

	if s.queue.expectedCount() == 0 {
		s.srv.freeNode(s.anchor)
		return
	}
	s.anchor.kind = KindCleanupResultQueue
	s.anchor.destQueue = &s.queue
	s.srv.post(s.anchor)
}

func (s *Stream) flushPrefetchQueue() {
	for n := s.prefetchHead; n != nil; {
		next := n.nextInStream
		n.nextInStream = nil
		s.flushBlock(n)
		n = next
	}
	s.prefetchHead = nil
	s.prefetchTail = nil
	s.waiting = 0
}

// flushBlock disposes of one prefetch-queue slot that the stream is about
// to stop tracking, per state: a still-pending request is marked
// discarded so a later reply lands harmlessly, everything else is handed
// back to the worker as the matching release/commit/free.
func (s *Stream) flushBlock(n *RequestNode) {
	switch {
	case n.kind.isAcquire():
		n.setDiscarded()
		s.waiting--
	case n.kind == StateBlockReady:
		if s.mode == OpenForWriting {
			n.kind = KindReleaseUnmodifiedWriteBlock
		} else {
			n.kind = KindReleaseReadBlock
		}
		n.destQueue = nil
		s.srv.post(n)
	case n.kind == StateBlockModified:
		n.kind = KindCommitModifiedWriteBlock
		n.destQueue = nil
		s.srv.post(n)
	case n.kind == StateBlockError:
		s.srv.freeNode(n)
	}
}

// Seek flushes the prefetch queue and issues a fresh round of block
// requests starting at bytePos rounded down to the block boundary. It is
// only valid outside StreamOpening and StreamError.
func (s *Stream) Seek(bytePos int64) error {
	if s.state == StreamOpening || s.state == StreamError {
		return ErrInvalidArgument
	}
	if bytePos < 0 {
		return ErrInvalidArgument
	}

	s.flushPrefetchQueue()

	aligned := bytePos &^ (int64(BlockCapacityBytes) - 1)
	skip := bytePos - aligned
	s.nextFetchPos = aligned
	s.state = StreamBuffering

	for i := 0; i < s.prefetchLen; i++ {
		if !s.issueNextBlock() {
			s.state = StreamError
			s.err = ErrPoolExhausted
			break
		}
	}
	if s.prefetchHead != nil {
		s.prefetchHead.scratch = skip
	}
	return nil
}

func (s *Stream) issueNextBlock() bool {
	n := s.srv.allocateNode()
	if n == nil {
		return false
	}
	if s.mode == OpenForWriting {
		n.kind = KindAllocateWriteBlock
	} else {
		n.kind = KindReadBlock
	}
	n.payload.position = s.nextFetchPos
	n.payload.file = s.file
	n.destQueue = &s.queue
	n.scratch = 0
	s.queue.incrementExpected()

	if s.prefetchTail == nil {
		s.prefetchHead = n
	} else {
		s.prefetchTail.nextInStream = n
	}
	s.prefetchTail = n
	s.waiting++
	s.nextFetchPos += int64(BlockCapacityBytes)

	s.srv.post(n)
	return true
}

// pollOpenReply is the only reply-processing path used while OPENING:
// the open-file node is never part of the prefetch queue's linked list,
// so it can't go through receiveOneBlock.
func (s *Stream) pollOpenReply() {
	if s.state != StreamOpening {
		return
	}
	n := s.queue.pop()
	if n == nil {
		return
	}
	if n.status == StatusOK {
		s.file = n.payload.file
		s.state = StreamIdle
		return
	}
	s.state = StreamError
	s.err = statusToErr(n.status)
}

// receiveOneBlock pops at most one reply from the stream's reply queue
// and advances its bookkeeping. It reports whether it found anything to
// do, so callers can loop "until nothing left to drain."
func (s *Stream) receiveOneBlock() bool {
	n := s.queue.pop()
	if n == nil {
		return false
	}
	if n.isDiscarded() {
		s.disposeDiscardedReply(n)
		return true
	}
	s.waiting--
	if s.waiting == 0 && s.state == StreamBuffering {
		s.state = StreamStreaming
	}
	if n.status == StatusOK {
		n.kind = StateBlockReady
	} else {
		n.kind = StateBlockError
	}
	return true
}

// disposeDiscardedReply handles a reply for a request that was discarded
// by a Seek while still PENDING (replies that arrive after Close are
// disposed by the worker's cleanup path instead): the node never left the
// worker's hands conceptually, so it carries whatever the worker decided
// (a block, or none on error) and just needs to be handed back.
func (s *Stream) disposeDiscardedReply(n *RequestNode) {
	switch n.kind {
	case KindReadBlock:
		if n.payload.block == nil {
			s.srv.freeNode(n)
			return
		}
		n.kind = KindReleaseReadBlock
	case KindAllocateWriteBlock:
		if n.payload.block == nil {
			s.srv.freeNode(n)
			return
		}
		n.kind = KindReleaseUnmodifiedWriteBlock
	default:
		s.srv.freeNode(n)
		return
	}
	n.destQueue = nil
	s.srv.post(n)
}

func (s *Stream) checkWriteErr() {
	if s.file == nil || s.state == StreamError {
		return
	}
	if code := s.file.writeErr.Load(); code != StatusOK {
		s.state = StreamError
		s.err = errors.Join(ErrWriteFailed, statusToErr(code))
	}
}

// PollState processes at least one reply, if one is available, and
// returns the resulting state. Read and Write both call this first so
// that a caller who never calls it directly still makes progress.
func (s *Stream) PollState() StreamState {
	if s.state == StreamOpening {
		s.pollOpenReply()
		return s.state
	}
	s.receiveOneBlock()
	if s.mode == OpenForWriting {
		s.checkWriteErr()
	}
	return s.state
}

func (s *Stream) GetError() error { return s.err }

// Read copies whole items out of the stream into dst and returns the
// number of whole items transferred. itemSize must evenly divide the
// block capacity; no item is ever split across two blocks.
func (s *Stream) Read(dst []byte, itemSize int) (int, error) {
	return s.transfer(dst, itemSize, false)
}

// Write copies whole items from src into the stream and returns the
// number of whole items transferred. A block touched by Write is
// committed back to disk when it's retired from the prefetch window or
// when the stream is closed.
func (s *Stream) Write(src []byte, itemSize int) (int, error) {
	return s.transfer(src, itemSize, true)
}

func (s *Stream) transfer(buf []byte, itemSize int, writing bool) (int, error) {
	if itemSize <= 0 || BlockCapacityBytes%itemSize != 0 || len(buf)%itemSize != 0 {
		return 0, ErrInvalidArgument
	}
	if writing && s.mode != OpenForWriting {
		return 0, ErrNotOpenForWriting
	}
	if !writing && s.mode != OpenForReading {
		return 0, ErrInvalidArgument
	}

	switch s.PollState() {
	case StreamOpening, StreamIdle:
		return 0, nil
	case StreamError:
		return 0, s.err
	case StreamEOF:
		return 0, io.EOF
	case StreamBuffering:
		for s.state == StreamBuffering {
			if s.policy == ConstantTimePolicy {
				return 0, nil
			}
			if !s.receiveOneBlock() {
				break
			}
		}
		if s.state != StreamStreaming {
			return 0, nil
		}
	}

	copied := s.drainBlocks(buf, writing)
	if copied == 0 && s.state == StreamError {
		return 0, s.err
	}
	if copied == 0 && s.state == StreamEOF {
		return 0, io.EOF
	}
	return copied / itemSize, nil
}

// drainBlocks is the STREAMING-state consume loop: it walks the prefetch
// queue head forward, copying bytes between buf and each block's buffer,
// retiring fully-consumed blocks and refilling the tail, until buf is
// full or the stream can't make further progress this call.
func (s *Stream) drainBlocks(buf []byte, writing bool) int {
	copied := 0
	for copied < len(buf) {
		head := s.prefetchHead
		if head == nil {
			s.state = StreamBuffering
			break
		}

		if head.kind.isAcquire() {
			for head.kind.isAcquire() {
				if !s.receiveOneBlock() {
					break
				}
			}
			if head.kind.isAcquire() {
				s.state = StreamBuffering
				break
			}
		}

		if head.kind == StateBlockError {
			s.state = StreamError
			s.err = statusToErr(head.status)
			break
		}

		block := head.payload.block
		cursor := head.scratch
		var avail int64
		if writing {
			avail = int64(BlockCapacityBytes) - cursor
		} else {
			avail = int64(block.validCount) - cursor
		}
		if avail < 0 {
			avail = 0
		}

		want := int64(len(buf) - copied)
		n := avail
		if want < n {
			n = want
		}
		assert.LessOrEqual(cursor+n, int64(BlockCapacityBytes), "block cursor exceeded capacity")

		if n > 0 {
			if writing {
				copy(block.buf[cursor:cursor+n], buf[copied:copied+int(n)])
				if head.kind == StateBlockReady {
					head.kind = StateBlockModified
				}
				if cursor+n > int64(block.validCount) {
					block.validCount = int32(cursor + n)
				}
			} else {
				copy(buf[copied:copied+int(n)], block.buf[cursor:cursor+n])
			}
			copied += int(n)
			cursor += n
			head.scratch = cursor
			avail -= n
		}

		if avail > 0 {
			// filled the caller's request without exhausting this block
			break
		}

		atEOF := !writing && head.payload.isAtEOF
		if !atEOF {
			if !s.issueNextBlock() {
				s.state = StreamError
				s.err = ErrPoolExhausted
				s.retireHead()
				break
			}
		}
		s.retireHead()
		if atEOF {
			s.state = StreamEOF
			break
		}
	}
	return copied
}

// retireHead pops the current prefetch-queue head and hands it back to
// the worker as a release (unmodified block) or commit (modified write
// block).
func (s *Stream) retireHead() {
	head := s.prefetchHead
	s.prefetchHead = head.nextInStream
	if s.prefetchHead == nil {
		s.prefetchTail = nil
	}
	head.nextInStream = nil

	switch head.kind {
	case StateBlockReady:
		if s.mode == OpenForWriting {
			head.kind = KindReleaseUnmodifiedWriteBlock
		} else {
			head.kind = KindReleaseReadBlock
		}
	case StateBlockModified:
		head.kind = KindCommitModifiedWriteBlock
	}
	head.destQueue = nil
	s.srv.post(head)
}
