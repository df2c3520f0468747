package rtio

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func tempPath(t *testing.T) string {
	dir := t.TempDir()
	return filepath.Join(dir, fmt.Sprintf("rtio-test-%016x.bin", rand.Uint64()))
}

func newTestServer(t *testing.T, capacity int) *Server {
	srv, err := StartServer(capacity)
	assert.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

// waitFor busy-polls state the way a real-time caller would, with a test
// timeout so a protocol bug hangs the test instead of the whole suite.
func waitFor(t *testing.T, s *Stream, want StreamState) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if s.PollState() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %v, stuck at %v", want, s.state)
		}
	}
}

func writeAll(t *testing.T, s *Stream, data []byte) {
	total := 0
	deadline := time.Now().Add(5 * time.Second)
	for total < len(data) {
		n, err := s.Write(data[total:], 1)
		total += n
		if err != nil && err != io.EOF {
			t.Fatalf("write: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out writing, transferred %d/%d", total, len(data))
		}
	}
}

func readAll(t *testing.T, s *Stream, dst []byte) int {
	total := 0
	deadline := time.Now().Add(5 * time.Second)
	for total < len(dst) {
		n, err := s.Read(dst[total:], 1)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out reading, transferred %d/%d", total, len(dst))
		}
	}
	return total
}

// Test_RoundTrip writes N bytes via a write stream, reads them back via a
// read stream, and checks the bytes match.
func Test_RoundTrip(t *testing.T) {
	srv := newTestServer(t, 32)
	path := tempPath(t)

	data := make([]byte, 100000)
	for i := range data {
		data[i] = 0x41
	}

	wp := NewPathBuf(path)
	ws, err := srv.Open(wp, OpenForWriting, 4)
	assert.NoError(t, err)
	waitFor(t, ws, StreamIdle)
	assert.NoError(t, ws.Seek(0))
	writeAll(t, ws, data)
	ws.Close()

	time.Sleep(50 * time.Millisecond) // let the worker finish the commits Close() fired off

	rp := NewPathBuf(path)
	rs, err := srv.Open(rp, OpenForReading, 4)
	assert.NoError(t, err)
	waitFor(t, rs, StreamIdle)
	assert.NoError(t, rs.Seek(0))
	got := make([]byte, len(data))
	n := readAll(t, rs, got)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
	rs.Close()
}

// Test_EmptyFileReadsEOF checks that reading an empty file surfaces EOF
// immediately with zero bytes copied.
func Test_EmptyFileReadsEOF(t *testing.T) {
	srv := newTestServer(t, 32)
	path := tempPath(t)
	f, err := os.Create(path)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	p := NewPathBuf(path)
	s, err := srv.Open(p, OpenForReading, 4)
	assert.NoError(t, err)
	waitFor(t, s, StreamIdle)
	assert.NoError(t, s.Seek(0))

	buf := make([]byte, 1)
	n := readAll(t, s, buf)
	assert.Equal(t, 0, n)
	waitFor(t, s, StreamEOF)
	s.Close()
}

// Test_SeekMidFile seeks into the middle of a file and checks the bytes
// read back match what was written at that offset.
func Test_SeekMidFile(t *testing.T) {
	srv := newTestServer(t, 32)
	path := tempPath(t)

	data := make([]byte, 200000)
	for i := range data {
		data[i] = byte(i & 0xFF)
	}
	assert.NoError(t, os.WriteFile(path, data, 0o640))

	p := NewPathBuf(path)
	s, err := srv.Open(p, OpenForReading, 4)
	assert.NoError(t, err)
	waitFor(t, s, StreamIdle)
	assert.NoError(t, s.Seek(131072))

	got := make([]byte, 8192)
	n := readAll(t, s, got)
	assert.Equal(t, 8192, n)
	for j := 0; j < n; j++ {
		assert.Equal(t, byte((131072+j)&0xFF), got[j], "byte %d", j)
	}
	s.Close()
}

// Test_CloseDuringOpeningDoesNotLeak closes a stream before its open
// reply has arrived; this must not leak a node and must still close the
// underlying file.
func Test_CloseDuringOpeningDoesNotLeak(t *testing.T) {
	srv, err := StartServer(16)
	assert.NoError(t, err)
	path := tempPath(t)
	assert.NoError(t, os.WriteFile(path, []byte("hello"), 0o640))

	p := NewPathBuf(path)
	s, err := srv.Open(p, OpenForReading, 4)
	assert.NoError(t, err)
	s.Close()

	srv.Shutdown()
	assert.Equal(t, srv.poolCapacity(), srv.freeCount())
}

// Test_PoolExhaustionThenRecovery saturates a tiny pool by opening
// streams until Open reports exhaustion, closes everything, and confirms a
// subsequent Open succeeds again.
func Test_PoolExhaustionThenRecovery(t *testing.T) {
	srv, err := StartServer(4)
	assert.NoError(t, err)
	defer srv.Shutdown()

	var streams []*Stream
	var lastErr error
	for i := 0; i < 10; i++ {
		path := tempPath(t)
		assert.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
		p := NewPathBuf(path)
		s, err := srv.Open(p, OpenForReading, 1)
		if err != nil {
			lastErr = err
			break
		}
		streams = append(streams, s)
	}
	assert.ErrorIs(t, lastErr, ErrPoolExhausted)

	for _, s := range streams {
		s.Close()
	}
	time.Sleep(50 * time.Millisecond)

	path := tempPath(t)
	assert.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	p := NewPathBuf(path)
	s, err := srv.Open(p, OpenForReading, 1)
	assert.NoError(t, err)
	s.Close()
}

// Test_ReadErrorTransitionsToError exercises error propagation: after a
// stream's underlying descriptor is yanked out from under it, the next
// read must land the stream in StreamError rather than panic or hang.
func Test_ReadErrorTransitionsToError(t *testing.T) {
	srv := newTestServer(t, 16)
	path := tempPath(t)
	data := make([]byte, BlockCapacityBytes*3)
	assert.NoError(t, os.WriteFile(path, data, 0o640))

	p := NewPathBuf(path)
	s, err := srv.Open(p, OpenForReading, 4)
	assert.NoError(t, err)
	waitFor(t, s, StreamIdle)
	assert.NoError(t, s.Seek(0))

	assert.NotNil(t, s.file)
	assert.NoError(t, unix.Close(s.file.fd))

	buf := make([]byte, BlockCapacityBytes*3)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := s.Read(buf, 1)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the injected read error")
		}
	}
	assert.Equal(t, StreamError, s.state)
	assert.Error(t, s.GetError())
	s.Close()
}

// Test_NoNodeOrBlockLeak runs a mixed write/read/close workload and checks
// that every node and data block makes it back to its pool.
func Test_NoNodeOrBlockLeak(t *testing.T) {
	srv, err := StartServer(32)
	assert.NoError(t, err)

	for i := 0; i < 5; i++ {
		path := tempPath(t)
		data := make([]byte, BlockCapacityBytes*2+10)
		for j := range data {
			data[j] = byte(j)
		}

		wp := NewPathBuf(path)
		ws, err := srv.Open(wp, OpenForWriting, 4)
		assert.NoError(t, err)
		waitFor(t, ws, StreamIdle)
		assert.NoError(t, ws.Seek(0))
		writeAll(t, ws, data)
		ws.Close()
		time.Sleep(20 * time.Millisecond)

		rp := NewPathBuf(path)
		rs, err := srv.Open(rp, OpenForReading, 4)
		assert.NoError(t, err)
		waitFor(t, rs, StreamIdle)
		assert.NoError(t, rs.Seek(0))
		got := make([]byte, len(data))
		readAll(t, rs, got)
		assert.Equal(t, data, got)
		rs.Close()
		time.Sleep(20 * time.Millisecond)
	}

	srv.Shutdown()
	assert.Equal(t, srv.poolCapacity(), srv.freeCount())
	assert.Equal(t, srv.blocks.capacity(), srv.blockFreeCount())
}
