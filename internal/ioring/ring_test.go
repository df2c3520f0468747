//go:build linux

package ioring

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func tempfile(t *testing.T) string {
	dir := t.TempDir()
	return filepath.Join(dir, fmt.Sprintf("ioring-test-%016x.bin", rand.Uint64()))
}

func TestRing_WriteThenReadBack(t *testing.T) {
	path := tempfile(t)
	fd, err := OpenFile(path, OpenReadWriteCreate)
	assert.NoError(t, err)
	defer CloseFile(fd)

	ring, err := Create()
	assert.NoError(t, err)
	defer ring.Close()

	const size = 4096
	slab, err := AllocSlab(size * 2)
	assert.NoError(t, err)
	defer DeallocSlab(slab)

	for i := range size {
		slab[i] = byte(i)
	}

	writeOp := &Op{
		Fd:     fd,
		Buf:    uintptr(unsafe.Pointer(&slab[0])),
		Len:    uint32(size),
		Off:    0,
		Opcode: OpWrite,
		Ch:     make(chan struct{}),
	}
	ring.Submit(writeOp)
	<-writeOp.Ch
	assert.Equal(t, int32(size), writeOp.Res)

	readOp := &Op{
		Fd:     fd,
		Buf:    uintptr(unsafe.Pointer(&slab[size])),
		Len:    uint32(size),
		Off:    0,
		Opcode: OpRead,
		Ch:     make(chan struct{}),
	}
	ring.Submit(readOp)
	<-readOp.Ch
	assert.Equal(t, int32(size), readOp.Res)

	assert.Equal(t, slab[:size], slab[size:])
}

func TestRing_ReadPastEOFReturnsShortRead(t *testing.T) {
	path := tempfile(t)
	fd, err := OpenFile(path, OpenReadWriteCreate)
	assert.NoError(t, err)
	defer CloseFile(fd)

	f, err := os.OpenFile(path, os.O_WRONLY, 0o640)
	assert.NoError(t, err)
	_, err = f.Write(make([]byte, 10))
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	ring, err := Create()
	assert.NoError(t, err)
	defer ring.Close()

	slab, err := AllocSlab(4096)
	assert.NoError(t, err)
	defer DeallocSlab(slab)

	op := &Op{
		Fd:     fd,
		Buf:    uintptr(unsafe.Pointer(&slab[0])),
		Len:    4096,
		Off:    0,
		Opcode: OpRead,
		Ch:     make(chan struct{}),
	}
	ring.Submit(op)
	<-op.Ch
	assert.Equal(t, int32(10), op.Res)
}
