//go:build linux

// Package ioring is the worker's blocking-file-op backend: a single io_uring
// instance shared by every open stream, fed by a channel of single-SQE ops.
// Nothing outside internal/rtio's worker ever touches this package.
package ioring

import (
	"log/slog"
	"runtime"
	"unsafe"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

const (
	MMAP_MODE  = unix.MAP_ANON | unix.MAP_PRIVATE
	MMAP_PROT  = unix.PROT_READ | unix.PROT_WRITE
	RING_ENTRIES = 0x80
	RING_DEPTH_TRIGGER = 0x40
	OP_QUEUE_SIZE = 0x100
)

// AllocSlab reserves a block of anonymous memory for the data-block pool.
// The data-block pool never allocates from the general heap once running;
// this is its one, up-front, fixed-size allocation.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "err", err)
	}
	return raw, err
}

func DeallocSlab(buf []byte) error {
	err := unix.Munmap(buf)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

type OpCode uint16

const (
	OpRead OpCode = iota
	OpWrite
)

// Op is a single outstanding read or write, submitted as exactly one SQE.
// The request/reply protocol in internal/rtio never needs more than one
// in-flight syscall per node, so unlike a general-purpose io_uring wrapper
// this one never links SQEs together.
type Op struct {
	Fd     int
	Buf    uintptr
	Len    uint32
	Off    uint64
	Opcode OpCode

	Ch  chan struct{}
	Res int32
}

type Ring struct {
	log     *slog.Logger
	ring    *giouring.Ring
	opQueue chan *Op
	opSem   chan struct{}
}

func Create() (*Ring, error) {
	log := slog.With("src", "ioring")

	ring, err := giouring.CreateRing(RING_ENTRIES)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		log:     log,
		ring:    ring,
		opQueue: make(chan *Op, OP_QUEUE_SIZE),
		opSem:   make(chan struct{}, RING_ENTRIES),
	}

	go r.loop()
	return r, nil
}

func (r *Ring) Close() {
	r.ring.QueueExit()
}

// Submit enqueues op and returns (blocking only while the ring already
// has RING_ENTRIES ops outstanding); the caller then waits on <-op.Ch,
// after which op.Res holds the CQE result (negative errno on failure, byte
// count on success). Op must have a fixed address: the ring loop stashes
// *Op in the SQE's UserData and recovers it from the CQE.
func (r *Ring) Submit(op *Op) {
	r.opSem <- struct{}{}
	r.opQueue <- op
}

func (r *Ring) prepSQE(op *Op) {
	sqe := r.ring.GetSQE()
	switch op.Opcode {
	case OpRead:
		sqe.PrepareRead(op.Fd, op.Buf, op.Len, op.Off)
	case OpWrite:
		sqe.PrepareWrite(op.Fd, op.Buf, op.Len, op.Off)
	}
	sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
}

// loop is the ring's dedicated reaper/submitter goroutine. It is the
// concrete blocking-I/O engine behind the worker's single dispatch thread:
// from the dispatcher's point of view, Submit+<-op.Ch is indistinguishable
// from a blocking syscall.
func (r *Ring) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(2)
	if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
		r.log.Warn("couldn't set core affinity for ring thread")
	}

	var queued, inflight uint

	for {
		if inflight == 0 && queued == 0 {
			op := <-r.opQueue
			r.prepSQE(op)
			queued++
		}
	COLLECT:
		for {
			select {
			case op := <-r.opQueue:
				r.prepSQE(op)
				queued++
			default:
				break COLLECT
			}
		}

		if queued > 0 {
			var submitted uint
			var err error
			if inflight+queued > RING_DEPTH_TRIGGER {
				submitted, err = r.ring.SubmitAndWait(8)
			} else {
				submitted, err = r.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				r.log.Error("submit", "err", err)
			}
			queued -= submitted
			inflight += submitted
		}

		for inflight > 0 {
			cqe, err := r.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				r.log.Error("peek cqe fatal error", "err", err)
				panic("ioring: ring in an unrecoverable state")
			}
			if cqe == nil {
				break
			}

			inflight--
			op := (*Op)(unsafe.Pointer(uintptr(cqe.UserData)))
			op.Res = cqe.Res
			r.ring.CQESeen(cqe)
			<-r.opSem
			op.Ch <- struct{}{}
		}
	}
}
