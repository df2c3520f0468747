package rtio

import (
	"sync/atomic"

	"github.com/cespare/xxhash"
)

// PathBuf is a reference-counted, hashable view of a filesystem path. A
// client builds one with NewPathBuf before calling Open; the stream keeps
// it alive for its own lifetime and releases it on close. Refcounting lets
// a client reuse the same PathBuf across several concurrent Open calls
// without re-copying the path bytes.
type PathBuf struct {
	raw  []byte
	hash uint64
	refs atomic.Int32
}

func NewPathBuf(path string) *PathBuf {
	raw := []byte(path)
	p := &PathBuf{
		raw:  raw,
		hash: xxhash.Sum64(raw),
	}
	p.refs.Store(1)
	return p
}

func (p *PathBuf) String() string { return string(p.raw) }

func (p *PathBuf) Hash() uint64 { return p.hash }

func (p *PathBuf) addRef() { p.refs.Add(1) }

// release drops a reference and returns true if this was the last one, in
// which case the caller owns disposal (nothing to free explicitly beyond
// letting the GC reclaim raw, but the bool lets callers assert balance).
func (p *PathBuf) release() bool {
	return p.refs.Add(-1) == 0
}

func (p *PathBuf) equal(other *PathBuf) bool {
	if p.hash != other.hash {
		return false
	}
	return string(p.raw) == string(other.raw)
}
