package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"rtfstream/internal/rtio"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	})))

	srv, err := rtio.StartServer(rtio.DefaultRequestPoolCapacity)
	if err != nil {
		slog.Error("StartServer", "err", err)
		os.Exit(1)
	}
	defer srv.Shutdown()

	path := os.Args[len(os.Args)-1]
	demo(srv, path)
}

// demo is a minimal smoke test of the read/write path, not the real-time
// client this library is built for — the audio-callback-style consumer
// that drives open/seek/read/write from a hard deadline lives outside
// this module.
func demo(srv *rtio.Server, path string) {
	wp := rtio.NewPathBuf(path)
	ws, err := srv.Open(wp, rtio.OpenForWriting, rtio.DefaultPrefetchQueueBlocks)
	if err != nil {
		slog.Error("open for write", "err", err)
		return
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	for ws.PollState() == rtio.StreamOpening {
	}
	if err := ws.Seek(0); err != nil {
		slog.Error("seek", "err", err)
	}
	if _, err := ws.Write(payload, 1); err != nil && err.Error() != "EOF" {
		slog.Error("write", "err", err)
	}
	ws.Close()

	rp := rtio.NewPathBuf(path)
	rs, err := srv.Open(rp, rtio.OpenForReading, rtio.DefaultPrefetchQueueBlocks)
	if err != nil {
		slog.Error("open for read", "err", err)
		return
	}
	for rs.PollState() == rtio.StreamOpening {
	}
	if err := rs.Seek(0); err != nil {
		slog.Error("seek", "err", err)
	}
	dst := make([]byte, len(payload))
	total := 0
	for total < len(dst) {
		n, err := rs.Read(dst[total:], 1)
		total += n
		if err != nil {
			break
		}
	}
	rs.Close()

	slog.Info("round trip complete", "bytes", total)
}
