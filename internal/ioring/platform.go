//go:build linux

package ioring

import "golang.org/x/sys/unix"

const openPerm = 0o640

// OpenFile opens path in the given low-level flag combination and returns
// the raw fd. Distinct from the ring: an open is a one-off metadata
// operation that doesn't benefit from SQE batching the way a stream of
// block reads/writes does.
func OpenFile(path string, flags int) (int, error) {
	return unix.Open(path, flags, openPerm)
}

func CloseFile(fd int) error {
	return unix.Close(fd)
}

const (
	OpenReadOnly        = unix.O_RDONLY
	OpenReadWriteCreate = unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC
)
