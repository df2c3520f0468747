package rtio

import "sync/atomic"

// fileRecord is the worker's private record of an open file: its platform
// descriptor and a dependent-client reference count. Created by
// OPEN_FILE with count 1 (the open handle itself); incremented for every
// outstanding block held by the client and decremented on release/commit
// and on CLOSE_FILE. Destroyed — descriptor closed, record dropped — when
// the count reaches zero.
//
// Apart from writeErr, only the worker goroutine ever reads or writes a
// fileRecord, so its other fields need no atomics despite being reachable
// from many in-flight request nodes.
type fileRecord struct {
	fd       int
	mode     OpenMode
	path     *PathBuf
	refCount int32

	// writeErr is the one field on fileRecord read from a thread other
	// than the worker: COMMIT_MODIFIED_WRITE_BLOCK has no reply on
	// success, so a write failure is surfaced here instead, for the
	// owning stream to observe on its next PollState and then report
	// through GetError.
	writeErr atomic.Int32
}

func (f *fileRecord) addRef() { f.refCount++ }

// release decrements the count and reports whether it reached zero. The
// caller (the worker) is responsible for then closing the descriptor.
func (f *fileRecord) release() bool {
	f.refCount--
	return f.refCount == 0
}
