package util

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
)

// BenchmarkBidirectionalCopy is one attach: a client pushes a
// buffer-sized burst at a session socket and drains the echo.
func BenchmarkBidirectionalCopy(b *testing.B) {
	ln, err := net.Listen("unix", filepath.Join(b.TempDir(), "bench.sock"))
	if err != nil {
		b.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(conn)
		}
	}()

	payload := bytes.Repeat([]byte("X"), DefaultBufSize)

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		conn, err := net.Dial("unix", ln.Addr().String())
		if err != nil {
			b.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		BidirectionalCopy(ctx, conn, bytes.NewReader(payload), io.Discard) //nolint:errcheck
		cancel()
	}
}

// BenchmarkRelayBuf compares the pooled relay buffers against a fresh
// allocation per copy loop.
func BenchmarkRelayBuf(b *testing.B) {
	b.Run("pooled", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			buf := getRelayBuf()
			(*buf)[0] = byte(i)
			putRelayBuf(buf)
		}
	})
	b.Run("fresh", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			buf := make([]byte, DefaultBufSize)
			buf[0] = byte(i)
		}
	})
}
